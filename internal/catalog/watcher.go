package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mbd888/churnrisk/internal/churn"
	"github.com/mbd888/churnrisk/internal/metrics"
)

// Compile-time check that Watcher implements churn.CatalogProvider.
var _ churn.CatalogProvider = (*Watcher)(nil)

// reloadDelay collapses the burst of events an editor emits on save.
const reloadDelay = 100 * time.Millisecond

// Watcher serves the most recently loaded catalog and reloads it when the
// file changes. A file that fails to load leaves the previous catalog active.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[churn.Catalog]
}

// NewWatcher loads path and returns a watcher serving it. The initial load
// must succeed.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cat, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(cat)
	metrics.SetCatalogVersion(cat.Version)
	return w, nil
}

// Current returns the active catalog.
func (w *Watcher) Current() *churn.Catalog {
	return w.current.Load()
}

// Reload re-reads the file and swaps it in if valid.
func (w *Watcher) Reload() error {
	cat, err := Load(w.path)
	if err != nil {
		metrics.CatalogReloadsTotal.WithLabelValues("error").Inc()
		w.logger.Warn("catalog reload rejected, keeping previous version",
			"path", w.path, "version", w.Current().Version, "error", err)
		return err
	}
	prev := w.current.Swap(cat)
	metrics.CatalogReloadsTotal.WithLabelValues("ok").Inc()
	metrics.SetCatalogVersion(cat.Version)
	w.logger.Info("catalog reloaded", "path", w.path, "version", cat.Version, "previous", prev.Version)
	return nil
}

// Run watches the catalog's directory until ctx is done. The directory is
// watched rather than the file so that atomic renames are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(w.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case <-pending:
			pending = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", "error", err)
		}
	}
}
