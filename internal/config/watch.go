package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
)

// Watcher reloads a configuration file whenever it changes on disk and
// hands every valid version to a callback. Invalid versions are logged and
// skipped, leaving the last good configuration in effect.
type Watcher struct {
	path     string
	w        *fsnotify.Watcher
	logger   log.Logger
	onChange func(*Config)

	mutex   sync.Mutex
	current *Config
	done    chan struct{}
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors replacing the file by rename are noticed.
func Watch(path string, logger log.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: watch")
	}
	current, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config: watch")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, errors.Wrapf(err, "config: watch %s", filepath.Dir(abs))
	}
	cw := &Watcher{path: abs, w: w, logger: logger, onChange: onChange, current: current, done: make(chan struct{})}
	go cw.loop()
	return cw, nil
}

// Current returns the last valid configuration.
func (cw *Watcher) Current() *Config {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	return cw.current
}

// Close stops watching and waits for the watch loop to exit.
func (cw *Watcher) Close() error {
	err := cw.w.Close()
	<-cw.done
	return err
}

func (cw *Watcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cw.reload()
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.logger.Warnf("config watcher: %v", err)
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Warnf("config %s not reloaded: %v", cw.path, err)
		return
	}
	cw.mutex.Lock()
	cw.current = cfg
	cw.mutex.Unlock()
	cw.logger.Infof("config %s reloaded", cw.path)
	if cw.onChange != nil {
		cw.onChange(cfg)
	}
}
