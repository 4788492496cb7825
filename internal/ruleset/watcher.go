package ruleset

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the ruleset document when the file changes.
// A document that fails validation keeps the previously active ruleset
// live; the error is logged and nothing else happens.
type Watcher struct {
	path    string
	loader  *Loader
	store   *Store
	watcher *fsnotify.Watcher

	// OnActivate, if set, is called after each successful activation
	// with the new ruleset and its raw document.
	OnActivate func(rs *Ruleset, document []byte, format string)
}

// NewWatcher creates a watcher for the given ruleset file.
func NewWatcher(path string, loader *Loader, store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors and config deploys typically replace
	// the file, which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		loader:  loader,
		store:   store,
		watcher: fsw,
	}, nil
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce bursts of events from a single save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("ruleset watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	rs, document, format, err := w.loader.LoadFile(w.path)
	if err != nil {
		slog.Error("ruleset reload failed, keeping active ruleset",
			"path", w.path,
			"active_version", w.store.ActiveVersion(),
			"error", err,
		)
		return
	}

	if err := w.store.Activate(rs); err != nil {
		slog.Error("ruleset activation failed", "version", rs.Version, "error", err)
		return
	}

	slog.Info("ruleset reloaded",
		"version", rs.Version,
		"exercises", len(rs.Exercises()),
		"bonus_rules", len(rs.Bonuses),
		"multiplier_rules", len(rs.Multipliers),
		"achievements", len(rs.Achievements),
	)

	if w.OnActivate != nil {
		w.OnActivate(rs, document, format)
	}
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
