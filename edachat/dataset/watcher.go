package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads a CSV file whenever it changes on disk and hands the new table
// to a callback. Editors that save by rename are handled by watching the parent
// directory.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Table)
	logger   zerolog.Logger
	debounce time.Duration
}

// NewWatcher starts watching path. Call Run to process events.
func NewWatcher(path string, onChange func(*Table), logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With().Str("component", "dataset_watcher").Str("path", abs).Logger(),
		debounce: defaultDebounce,
	}, nil
}

// Run blocks until ctx is cancelled, reloading the file after each burst of writes.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")

		case <-timer.C:
			table, err := LoadCSVFile(w.path)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Ignoring unreadable dataset update")
				continue
			}
			w.logger.Info().Int("rows", table.NumRows()).Msg("Dataset reloaded")
			w.onChange(table)
		}
	}
}
