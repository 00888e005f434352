package dataset

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const irisCSV = `sepal_length, sepal_width ,species
5.1,3.5,setosa
4.9,3.0,setosa
6.2,2.9,versicolor
5.9,3.0,virginica
6.7,NA,virginica
`

func defaultOptions() Options {
	return Options{SampleRows: 2, TopCategories: 2, GroupingCardinality: 20}
}

func mustLoad(t *testing.T, csv string) *Table {
	t.Helper()
	table, err := LoadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	return table
}

func TestLoadCSV(t *testing.T) {
	table := mustLoad(t, "\xEF\xBB\xBF"+irisCSV)

	assert.Equal(t, []string{"sepal_length", "sepal_width", "species"}, table.Columns)
	assert.Equal(t, 5, table.NumRows())
	assert.Equal(t, []string{"6.7", "NA", "virginica"}, table.Rows[4])
}

func TestLoadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want error
	}{
		{"empty", "", ErrMissingHeader},
		{"blank column name", "a,,c\n1,2,3\n", ErrMissingHeader},
		{"duplicate column", "a,b,a\n1,2,3\n", ErrDuplicateColumn},
		{"ragged row", "a,b\n1,2\n3\n", ErrRaggedRow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(tt.csv))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestComputeProfiles(t *testing.T) {
	digest := Compute(mustLoad(t, irisCSV), defaultOptions())

	require.Equal(t, 5, digest.RowCount)
	require.Equal(t, 3, digest.ColumnCount)
	assert.Equal(t, []string{"sepal_length", "sepal_width", "species"}, digest.ColumnNames())

	length := digest.Columns[0]
	assert.Equal(t, ColumnNumeric, length.Type)
	require.NotNil(t, length.Numeric)
	assert.Equal(t, 5, length.Numeric.Count)
	assert.InDelta(t, 5.76, length.Numeric.Mean, 1e-9)
	assert.Equal(t, 4.9, length.Numeric.Min)
	assert.Equal(t, 6.7, length.Numeric.Max)
	assert.Greater(t, length.Numeric.Std, 0.0)

	width := digest.Columns[1]
	assert.Equal(t, 1, width.Missing)
	assert.Equal(t, 4, width.Numeric.Count)

	species := digest.Columns[2]
	assert.Equal(t, ColumnCategorical, species.Type)
	assert.Nil(t, species.Numeric)
	assert.True(t, species.Grouping)
	assert.Equal(t, 3, species.Unique)
	assert.Equal(t, []CategoryCount{{"setosa", 2}, {"virginica", 2}}, species.TopCategories)

	assert.Len(t, digest.SampleRows, 2)
	assert.True(t, digest.HasColumn("species"))
	assert.False(t, digest.HasColumn("Species"))
}

func TestComputeSingleValueColumn(t *testing.T) {
	digest := Compute(mustLoad(t, "x\n3\n"), defaultOptions())

	require.NotNil(t, digest.Columns[0].Numeric)
	assert.Equal(t, 0.0, digest.Columns[0].Numeric.Std)
	assert.Equal(t, 3.0, digest.Columns[0].Numeric.Median)
}

func TestComputeOverflowingColumn(t *testing.T) {
	tests := []struct {
		name     string
		csv      string
		wantMean float64
	}{
		{"same sign", "a,b\n1e308,x\n1e308,y\n", 1e308},
		{"opposite sign", "a,b\n-1e308,x\n1e308,y\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digest := Compute(mustLoad(t, tt.csv), defaultOptions())

			numeric := digest.Columns[0].Numeric
			require.NotNil(t, numeric)
			assert.Equal(t, tt.wantMean, numeric.Mean)
			assert.False(t, math.IsInf(numeric.Std, 0) || math.IsNaN(numeric.Std))

			data, err := digest.JSON()
			require.NoError(t, err)

			var decoded Digest
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, numeric.Mean, decoded.Columns[0].Numeric.Mean)
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	table := mustLoad(t, irisCSV)

	first := Compute(table, defaultOptions())
	firstJSON, err := first.JSON()
	require.NoError(t, err)

	for range 10 {
		again := Compute(mustLoad(t, irisCSV), defaultOptions())
		againJSON, err := again.JSON()
		require.NoError(t, err)
		assert.Equal(t, string(firstJSON), string(againJSON))
		assert.Equal(t, first.Render(), again.Render())
	}
}

func TestComputeDoesNotAliasTable(t *testing.T) {
	table := mustLoad(t, irisCSV)
	digest := Compute(table, defaultOptions())

	table.Rows[0][0] = "changed"

	assert.Equal(t, "5.1", digest.SampleRows[0][0])
}

func TestRender(t *testing.T) {
	out := Compute(mustLoad(t, irisCSV), defaultOptions()).Render()

	assert.Contains(t, out, "Dataset: 5 rows, 3 columns")
	assert.Contains(t, out, "Columns: sepal_length, sepal_width, species")
	assert.Contains(t, out, "Potential grouping columns:")
	assert.Contains(t, out, "species distribution: setosa=2 virginica=2")
	assert.Contains(t, out, "DataFrame named 'df'")
	// Only the sampled rows are rendered.
	assert.NotContains(t, out, "6.7,NA,virginica")
}

func TestFingerprint(t *testing.T) {
	a := mustLoad(t, "a,b\nab,c\n")
	b := mustLoad(t, "a,b\na,bc\n")

	assert.Equal(t, Fingerprint(a), Fingerprint(mustLoad(t, "a, b\nab ,c\n")))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Len(t, Fingerprint(a), 64)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o644))

	reloaded := make(chan *Table, 1)
	w, err := NewWatcher(path, func(table *Table) {
		select {
		case reloaded <- table:
		default:
		}
	}, zerolog.New(zerolog.Nop()))
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("a\n1\n2\n"), 0o644))

	select {
	case table := <-reloaded:
		assert.Equal(t, 2, table.NumRows())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the dataset")
	}
}

func BenchmarkCompute(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("x,y,group\n")
	for i := range 5000 {
		sb.WriteString(strings.Join([]string{strconv.Itoa(i), "2.5", []string{"a", "b", "c"}[i%3]}, ","))
		sb.WriteString("\n")
	}
	table, err := LoadCSV(strings.NewReader(sb.String()))
	require.NoError(b, err)

	for b.Loop() {
		Compute(table, defaultOptions())
	}
}
