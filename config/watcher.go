package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"partyroom/logger"
)

// PolicyWatcher keeps the latest valid SyncPolicy for a file and reloads it
// when the file changes. Invalid edits are logged and ignored.
type PolicyWatcher struct {
	path string

	mu      sync.RWMutex
	current SyncPolicy
	subs    []func(SyncPolicy)
}

// NewPolicyWatcher loads the file once. The returned watcher does not watch
// until Run is called.
func NewPolicyWatcher(path string) (*PolicyWatcher, error) {
	p, err := LoadSyncPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicyWatcher{path: path, current: p}, nil
}

// Current returns the active policy.
func (w *PolicyWatcher) Current() SyncPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to be called after every successful reload.
func (w *PolicyWatcher) OnChange(fn func(SyncPolicy)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *PolicyWatcher) reload() {
	p, err := LoadSyncPolicy(w.path)
	if err != nil {
		logger.Warn("sync policy reload failed, keeping previous values",
			logger.String("path", w.path), logger.ErrorField(err))
		return
	}
	w.mu.Lock()
	w.current = p
	subs := append([]func(SyncPolicy){}, w.subs...)
	w.mu.Unlock()

	logger.Info("sync policy reloaded", logger.String("path", w.path),
		logger.Duration("broadcastInterval", p.BroadcastInterval),
		logger.Duration("driftThreshold", p.DriftThreshold))
	for _, fn := range subs {
		fn(p)
	}
}

// Run watches the policy file's directory until ctx is done. Editors often
// replace files instead of writing in place, so the directory is watched.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("sync policy watcher error", logger.ErrorField(err))
		}
	}
}
