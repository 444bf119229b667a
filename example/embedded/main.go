package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/statekeep"
)

// embedded: supervise an application from Go code instead of the CLI and
// record its history in a local SQLite database.
func main() {
	dir, err := os.MkdirTemp("", "statekeep-embedded-")
	if err != nil {
		panic(err)
	}
	cfg := statekeep.DefaultConfig()
	cfg.StateFile = filepath.Join(dir, "state.json")

	sink, err := statekeep.NewHistorySink(filepath.Join(dir, "history.db"))
	if err != nil {
		panic(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sup := statekeep.New(cfg, logger, sink)

	app := `sh -c 'for i in 1 2 3; do printf "{\"tick\":%d}" "$i"; sleep 0.1; done'`
	for run := 1; run <= 2; run++ {
		sum, err := sup.Supervise(context.Background(), app)
		if err != nil {
			panic(err)
		}
		fmt.Printf("run %d: %d events, terminated=%v\n", run, len(sum.Events), sum.Terminated)
	}

	latest, ok, err := sup.Latest()
	if err != nil {
		panic(err)
	}
	if ok {
		fmt.Printf("latest state %s recorded at %s\n", latest.State, latest.RecordedAt)
	}
	fmt.Println("state file:", cfg.StateFile)
}
