package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/logging"
)

// RemoteWatcher signals when refs change in a repository on the local file
// system. Notifications are coalesced: a pending signal absorbs later events.
type RemoteWatcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	logger  *logging.Logger
}

// NewRemoteWatcher watches the refs of the repository at dir (bare or not).
func NewRemoteWatcher(dir string, logger *logging.Logger) (*RemoteWatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	gitDir := dir
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		gitDir = filepath.Join(dir, ".git")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// packed-refs lives in the git dir; loose branch refs under refs/heads.
	for _, p := range []string{gitDir, filepath.Join(gitDir, "refs", "heads")} {
		if err := watcher.Add(p); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", p, err)
		}
	}

	w := &RemoteWatcher{
		watcher: watcher,
		changes: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.run()
	return w, nil
}

// Changes returns the notification channel.
func (w *RemoteWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching. Safe to call more than once.
func (w *RemoteWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *RemoteWatcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isRefEvent(event) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "remote watcher error", zap.Error(err))
		}
	}
}

// isRefEvent filters out lock files and unrelated git dir churn.
func isRefEvent(e fsnotify.Event) bool {
	if !e.Has(fsnotify.Create) && !e.Has(fsnotify.Write) && !e.Has(fsnotify.Rename) {
		return false
	}
	if filepath.Ext(e.Name) == ".lock" {
		return false
	}
	base := filepath.Base(e.Name)
	if base == "packed-refs" || base == "HEAD" {
		return true
	}
	return filepath.Base(filepath.Dir(e.Name)) == "heads"
}
