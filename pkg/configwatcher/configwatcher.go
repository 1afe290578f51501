/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package configwatcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/couchbase/replica-router/utils/latestonlychannel"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ConfigWatcher decodes a JSON file into T every time it changes on disk.
type ConfigWatcher[T any] struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	lock sync.Mutex
	subs []chan T

	closeCh chan struct{}
}

func NewConfigWatcher[T any](path string, logger *zap.Logger) (*ConfigWatcher[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	// editors often replace files by renaming over them, so we watch the
	// directory rather than the file
	err = watcher.Add(filepath.Dir(absPath))
	if err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", absPath)
	}

	w := &ConfigWatcher[T]{
		path:    absPath,
		logger:  logger.With(zap.String("path", absPath)),
		watcher: watcher,
		closeCh: make(chan struct{}),
	}
	go w.procThread()

	return w, nil
}

// Load reads and decodes the file.
func (w *ConfigWatcher[T]) Load() (T, error) {
	var config T

	data, err := os.ReadFile(w.path)
	if err != nil {
		return config, err
	}

	err = json.Unmarshal(data, &config)
	if err != nil {
		return config, errors.Wrapf(err, "failed to parse %s", w.path)
	}

	return config, nil
}

// Subscribe returns a channel receiving the newest configuration after each
// change.  Call the returned function to stop receiving.
func (w *ConfigWatcher[T]) Subscribe() (<-chan T, func()) {
	signalCh := make(chan T)
	outputCh := latestonlychannel.Wrap(signalCh)

	w.lock.Lock()
	w.subs = append(w.subs, signalCh)
	w.lock.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			w.lock.Lock()
			found := slices.Contains(w.subs, signalCh)
			w.subs = slices.DeleteFunc(w.subs, func(ch chan T) bool {
				return ch == signalCh
			})
			w.lock.Unlock()

			// Close may already have closed it
			if found {
				close(signalCh)
			}
		})
	}

	return outputCh, unsub
}

func (w *ConfigWatcher[T]) procThread() {
	defer close(w.closeCh)

	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}

			config, err := w.Load()
			if err != nil {
				// partially written files are common, the next write event
				// will pick up the complete file
				w.logger.Warn("failed to load changed config", zap.Error(err))
				continue
			}

			w.logger.Info("config file changed")

			w.lock.Lock()
			for _, ch := range w.subs {
				ch <- config
			}
			w.lock.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// Close stops watching and closes every subscription.
func (w *ConfigWatcher[T]) Close() error {
	err := w.watcher.Close()
	<-w.closeCh

	w.lock.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.lock.Unlock()

	return err
}
