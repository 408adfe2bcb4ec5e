package scheduler

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"memoryengine/internal/config"
	"memoryengine/internal/logging"
)

// ConfigWatcher hot-reloads scheduler tuning when the config file changes,
// so a running daemon picks up tick-period and threshold changes without a
// restart.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchConfig watches path and calls Scheduler.Reconfigure on every write.
// Only the scheduler section is hot; everything else still needs a restart.
func WatchConfig(path string, s *Scheduler) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace config files by
	// rename, which drops a file-level watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &ConfigWatcher{watcher: w, done: make(chan struct{})}
	target := filepath.Clean(path)

	go func() {
		defer close(cw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := config.Load(path)
				if err != nil {
					logging.SchedulerWarn("config reload failed: %v", err)
					continue
				}
				s.Reconfigure(cfg.Scheduler)
				logging.Audit().ConfigChange(path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.SchedulerWarn("config watch error: %v", err)
			}
		}
	}()

	logging.Scheduler("watching config file %s", path)
	return cw, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (cw *ConfigWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
