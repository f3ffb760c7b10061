package config

import (
	"fmt"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/fsnotify/fsnotify"
)

var log = logging.Logger("config")

// Watcher reloads the config file when it changes on disk and hands each
// valid revision to the registered callbacks. Invalid revisions are logged
// and skipped; the last good config stays current.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Config
	subs    []func(Config)

	closed    chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path. The directory is watched rather than the file
// so editors that replace the file via rename are still picked up.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the last successfully loaded config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("CONFIG: watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("CONFIG: reload of %s rejected: %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	subs := make([]func(Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	log.Infof("CONFIG: reloaded %s", w.path)
	for _, fn := range subs {
		fn(cfg)
	}
}
