package browser

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ContextStore holds the current auth context and hot-reloads it when the
// exported file changes, so a fresh browser export takes effect without a
// restart.
type ContextStore struct {
	path     string
	debounce time.Duration

	mu      sync.RWMutex
	current *AuthContext

	watcher *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
}

// NewContextStore creates a store for the given auth context file. A missing
// file is not an error; Current reports ErrAuthContextMissing until one appears.
func NewContextStore(path string) *ContextStore {
	cs := &ContextStore{
		path:     path,
		debounce: 500 * time.Millisecond, // Debounce rapid changes
	}
	if auth, err := LoadAuthContext(path); err == nil {
		cs.current = auth
	}
	return cs
}

// Current returns the loaded auth context, or ErrAuthContextMissing.
func (cs *ContextStore) Current() (*AuthContext, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if err := cs.current.Validate(); err != nil {
		return nil, err
	}
	return cs.current, nil
}

// Watch starts watching the auth context file for changes.
func (cs *ContextStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so replace-by-rename exports are seen too
	if err := watcher.Add(filepath.Dir(cs.path)); err != nil {
		watcher.Close()
		return err
	}
	cs.watcher = watcher

	ctx, cs.cancel = context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				cs.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("auth context watcher", "error", err)
			}
		}
	}()
	return nil
}

// Stop stops watching for file changes.
func (cs *ContextStore) Stop() {
	if cs.cancel != nil {
		cs.cancel()
	}
	if cs.watcher != nil {
		cs.watcher.Close()
	}
}

func (cs *ContextStore) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(cs.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Reset or start debounce timer
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.timer = time.AfterFunc(cs.debounce, cs.reload)
}

// reload re-reads the file. A broken or vanished file keeps the previous
// context in place.
func (cs *ContextStore) reload() {
	auth, err := LoadAuthContext(cs.path)
	if err != nil {
		slog.Warn("reload auth context", "path", cs.path, "error", err)
		return
	}

	cs.mu.Lock()
	cs.current = auth
	cs.mu.Unlock()
	slog.Info("auth context reloaded", "path", cs.path, "cookies", len(auth.Cookies))
}
