package dataset

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a content hash of table. Equal tables share a fingerprint
// regardless of how they were loaded.
func Fingerprint(table *Table) string {
	h := blake3.New()
	writeFields(h, table.Columns)
	for _, row := range table.Rows {
		writeFields(h, row)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeFields length-prefixes each field so ("ab","c") and ("a","bc") differ.
func writeFields(h *blake3.Hasher, fields []string) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(fields)))
	h.Write(buf[:n])
	for _, f := range fields {
		n = binary.PutUvarint(buf[:], uint64(len(f)))
		h.Write(buf[:n])
		h.Write([]byte(f))
	}
}
