package trapguard

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// ConfigWatcher reloads the engine's config when a JSON file in the config
// directory changes. Editors fire bursts of events per save, so reloads are
// debounced.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

const reloadDebounce = 250 * time.Millisecond

// WatchConfigDir starts watching dir and triggers engine reloads. A reload
// failure keeps the previous config active.
func WatchConfigDir(dir string, engine *Engine) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &ConfigWatcher{watcher: watcher, done: make(chan struct{})}
	go cw.run(engine)
	return cw, nil
}

func (cw *ConfigWatcher) run(engine *Engine) {
	var timer *time.Timer
	reload := func() {
		if err := engine.ReloadConfig(); err != nil {
			log.Error().Err(err).Msg("config reload failed, keeping previous config")
		}
	}
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, reload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-cw.done:
			return
		}
	}
}

// Stop ends the watch. Safe to call once.
func (cw *ConfigWatcher) Stop() {
	close(cw.done)
	cw.watcher.Close()
}
