//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/eda-chat/edachat/db"
	"github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/rs/zerolog"
)

func must(err error, msg string) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}

// RunSmokeStore checks that the embedded libsql driver opens, migrates and
// round-trips transcript rows.
func RunSmokeStore() {
	fmt.Println("Smoke test: libsql transcript store")
	dir, err := os.MkdirTemp("", "edachat-smoke")
	must(err, "temp dir")
	defer os.RemoveAll(dir)

	ctx := context.Background()
	conn, err := db.Connect(ctx, filepath.Join(dir, "smoke.db"), zerolog.New(os.Stdout))
	must(err, "connect")
	defer conn.Close()

	// Basic
	var v int
	must(conn.QueryRow("SELECT 1").Scan(&v), "basic SELECT")
	if v != 1 {
		log.Fatalf("basic SELECT returned %v", v)
	}
	fmt.Println("OK: basic SQL")

	// Migrations are idempotent
	must(db.Migrate(ctx, conn, zerolog.Nop()), "second migrate")
	fmt.Println("OK: migrations")

	// JSON1, used when inspecting archived tool arguments
	var jsonRes string
	must(conn.QueryRow(`SELECT json_extract('{"chart_1":{"x":"species"}}', '$.chart_1.x')`).Scan(&jsonRes), "JSON1 query")
	if jsonRes != "species" {
		log.Fatalf("JSON1 returned unexpected: %v", jsonRes)
	}
	fmt.Println("OK: JSON1")

	store := adapters.NewLibSQLTranscriptStore(conn)
	for i, role := range []string{"user", "assistant"} {
		must(store.SaveTurn(ctx, "smoke", ports.TranscriptTurn{TurnIndex: 1, Role: role, Content: fmt.Sprintf("message %d", i)}), "save turn")
	}
	turns, err := store.LoadTranscript(ctx, "smoke", 10)
	must(err, "load transcript")
	if len(turns) != 2 || turns[0].Role != "user" {
		log.Fatalf("transcript round trip returned %+v", turns)
	}
	fmt.Println("OK: transcript round trip")

	must(store.AppendToolArtifact(ctx, "smoke", "overview", []byte(`{"text":"ok"}`)), "append artifact")
	artifacts, err := store.ToolArtifacts(ctx, "smoke")
	must(err, "load artifacts")
	if len(artifacts) != 1 {
		log.Fatalf("expected one artifact, got %d", len(artifacts))
	}
	fmt.Println("OK: tool artifacts")

	fmt.Println("Smoke checks completed.")
}
