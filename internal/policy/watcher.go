package policy

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 500 * time.Millisecond

type ChangeHandler func(path string)

// FileWatcher calls its handler after a policy file changes on disk.
// Bursts of events are coalesced into one call.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	handler  ChangeHandler
	debounce time.Duration
	done     chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher watches path. The parent directory is watched so that
// editors which replace the file by rename are still picked up.
func NewFileWatcher(path string, handler ChangeHandler) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		path:     abs,
		handler:  handler,
		debounce: defaultDebounce,
		done:     make(chan struct{}),
	}

	go fw.watch()

	return fw, nil
}

func (fw *FileWatcher) Close() error {
	close(fw.done)

	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	return fw.watcher.Close()
}

func (fw *FileWatcher) watch() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.shouldHandle(event) {
				fw.schedule()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("watcher error")

		case <-fw.done:
			return
		}
	}
}

func (fw *FileWatcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}

	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == fw.path && isPolicyFile(name)
}

func (fw *FileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		select {
		case <-fw.done:
			return
		default:
		}
		fw.handler(fw.path)
	})
}
