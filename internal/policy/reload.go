package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the reloader waits after the last change
// before re-reading the rule file.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches the rule file and reloads Rules when it changes.
type Reloader struct {
	watcher  *fsnotify.Watcher
	rules    *Rules
	file     string
	debounce time.Duration
	log      *slog.Logger
	// reloaded is called after every attempt. Tests hook it.
	reloaded func(gen uint64, err error)
}

// NewReloader watches the directory holding rules' backing file so that
// editors which replace the file by rename are seen too.
func NewReloader(rules *Rules, log *slog.Logger) (*Reloader, error) {
	if rules.Path() == "" {
		return nil, errors.New("rules have no backing file")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	file := filepath.Clean(rules.Path())
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", file, err)
	}
	return &Reloader{
		watcher:  watcher,
		rules:    rules,
		file:     file,
		debounce: DefaultDebounce,
		log:      log,
	}, nil
}

// SetDebounce changes the quiet period. Non-positive values are ignored.
// Call before Run.
func (r *Reloader) SetDebounce(d time.Duration) {
	if d > 0 {
		r.debounce = d
	}
}

// Run reloads on change until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(r.debounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("rule watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload() {
	gen, err := r.rules.Reload()
	if err != nil {
		r.log.Error("rule reload failed, keeping active table", "generation", gen, "error", err)
	} else {
		table, _ := r.rules.Current()
		r.log.Info("rules reloaded", "version", table.Version, "generation", gen)
	}
	if r.reloaded != nil {
		r.reloaded(gen, err)
	}
}
