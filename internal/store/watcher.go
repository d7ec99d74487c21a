package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mksalih/salahguard/internal/domain"
)

// Watcher implements domain.StoreWatcher by watching the database file for
// writes. The agent process mutates the store and exits; the main process
// sees the file change and recomputes its read-model, so it never has to
// busy-poll the store.
type Watcher struct {
	watcher  *fsnotify.Watcher
	changes  chan struct{}
	done     chan struct{}
	logger   *zap.Logger
	debounce time.Duration
}

// NewWatcher watches the store database at dbPath for changes.
func NewWatcher(dbPath string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create store watcher: %w", err)
	}

	// Watch the directory: more reliable than watching the file directly,
	// and it also catches SQLite journal/WAL companions.
	if err := fw.Add(filepath.Dir(dbPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch store directory: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
	go w.loop(filepath.Base(dbPath))
	return w, nil
}

// Changes returns a channel receiving one signal per debounced store mutation.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(dbFile string) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// The database file plus its -journal/-wal companions.
			if !strings.HasPrefix(filepath.Base(event.Name), dbFile) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.signal)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

// signal delivers a change notification without blocking; a pending
// notification already covers any coalesced writes.
func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

// Ensure Watcher implements domain.StoreWatcher.
var _ domain.StoreWatcher = (*Watcher)(nil)
