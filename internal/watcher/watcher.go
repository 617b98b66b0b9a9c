package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/The-Promised-Neverland/storage-agent/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the local roots for file system changes
type Watcher struct {
	roots        []string
	filterConfig FilterConfig
	events       chan FileEvent
	errors       chan error
	fsWatcher    *fsnotify.Watcher
	debounceMap  map[string]*time.Timer
	debounceMu   sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
}

func NewWatcher(roots []string, filterConfig FilterConfig, appCtx context.Context) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if filterConfig.DebounceDelay <= 0 {
		filterConfig.DebounceDelay = DefaultFilterConfig().DebounceDelay
	}
	ctx, cancel := context.WithCancel(appCtx)
	return &Watcher{
		roots:        roots,
		filterConfig: filterConfig,
		events:       make(chan FileEvent, 100),
		errors:       make(chan error, 10),
		fsWatcher:    fsWatcher,
		debounceMap:  make(map[string]*time.Timer),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start begins watching every root
func (w *Watcher) Start() error {
	for _, root := range w.roots {
		if err := w.fsWatcher.Add(root); err != nil {
			return err
		}
		if w.filterConfig.WatchSubdirectories {
			w.addSubdirectories(root)
		}
		logger.Log.Info("File watcher started", "root", root)
	}
	w.wg.Add(2)
	go w.eventLoop()
	go w.errorLoop()
	return nil
}

// Stop stops the watcher and cleans up resources
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.fsWatcher.Close()
		w.wg.Wait()
		w.debounceMu.Lock()
		for _, timer := range w.debounceMap {
			timer.Stop()
		}
		w.debounceMap = nil
		w.debounceMu.Unlock()
		logger.Log.Info("File watcher stopped")
	})
}

func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		}
	}
}

func (w *Watcher) errorLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				logger.Log.Error("Error channel full, dropping error", "err", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.filterConfig.ShouldProcess(event.Name) {
		return
	}
	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventCreate
		if w.filterConfig.WatchSubdirectories {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addSubdirectories(event.Name)
			}
		}
	case event.Has(fsnotify.Write):
		eventType = EventWrite
	case event.Has(fsnotify.Remove):
		eventType = EventRemove
	case event.Has(fsnotify.Rename):
		eventType = EventRename
	case event.Has(fsnotify.Chmod):
		eventType = EventChmod
	default:
		return
	}
	w.debounceEvent(eventType, event.Name)
}

// debounceEvent collapses rapid events on the same path into the last one.
func (w *Watcher) debounceEvent(eventType EventType, filePath string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceMap == nil {
		return
	}
	if timer, exists := w.debounceMap[filePath]; exists {
		timer.Stop()
	}
	w.debounceMap[filePath] = time.AfterFunc(w.filterConfig.DebounceDelay, func() {
		w.debounceMu.Lock()
		if w.debounceMap != nil {
			delete(w.debounceMap, filePath)
		}
		w.debounceMu.Unlock()
		fileEvent := FileEvent{
			Type:      eventType,
			Root:      w.rootOf(filePath),
			Path:      filePath,
			Timestamp: time.Now(),
		}
		select {
		case w.events <- fileEvent:
		case <-w.ctx.Done():
		default:
			logger.Log.Warn("Events channel full, dropping event", "path", filePath)
		}
	})
}

func (w *Watcher) rootOf(p string) string {
	for _, root := range w.roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (w *Watcher) addSubdirectories(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				logger.Log.Warn("Failed to watch subdirectory", "path", path, "err", err)
			}
		}
		return nil
	})
}
