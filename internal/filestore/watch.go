// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filestore

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/bitmark-inc/logger"
)

// fsWatcher drops a path from the decoded-text cache whenever it changes
// on disk outside of writeFile/unlink — an operator copying a file in by
// hand, for instance. Watches are not recursive: only files directly
// inside an object's directory are observed, changes in its
// subdirectories are not. It never touches the sidecar: sidecar authority for
// existence is unaffected, this only prevents serving stale bytes.
type fsWatcher struct {
	inner *fsnotify.Watcher
	store *Store
	log   *logger.L
}

// EnableWatch starts the watcher for out-of-band writes. root/files itself
// is not watched; each object's directory is added when WriteFile or Mkdir
// first touches it, or through WatchObject. A second call is a no-op.
func (s *Store) EnableWatch() error {
	s.mutex.Lock()
	if s.watcher != nil {
		s.mutex.Unlock()
		return nil
	}
	s.mutex.Unlock()

	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w := &fsWatcher{inner: inner, store: s, log: s.log}

	s.mutex.Lock()
	s.watcher = w
	s.mutex.Unlock()

	go w.run()
	return nil
}

// WatchObject adds id's blob directory to the watch list; harmless if
// EnableWatch was never called.
func (s *Store) WatchObject(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.watchObjectLocked(id)
}

// watchObjectLocked is WatchObject's body for callers that already hold
// s.mutex (WriteFile, Mkdir on first touch of an id). Registering the
// same directory twice is harmless for fsnotify, but watchedDirs keeps
// the common case of repeated writes to one id from re-syscalling Add.
func (s *Store) watchObjectLocked(id string) {
	w := s.watcher
	if w == nil {
		return
	}
	dir := s.sidecarDir(id)
	if s.watchedDirs[dir] {
		return
	}
	if err := w.inner.Add(dir); err != nil {
		if w.log != nil {
			w.log.Warnf("filestore: watch failed for %q: %v", id, err)
		}
		return
	}
	if s.watchedDirs == nil {
		s.watchedDirs = make(map[string]bool)
	}
	s.watchedDirs[dir] = true
}

func (w *fsWatcher) run() {
	for {
		select {
		case event, ok := <-w.inner.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.invalidate(event.Name)
		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warnf("filestore: watcher error: %v", err)
			}
		}
	}
}

func (w *fsWatcher) invalidate(path string) {
	dir := filepath.Dir(path)
	name := filepath.Base(path)
	if name == sidecarFileName {
		return
	}

	w.store.mutex.Lock()
	defer w.store.mutex.Unlock()

	for id := range w.store.sidecars {
		if w.store.sidecarDir(id) == dir || strings.HasPrefix(dir, w.store.sidecarDir(id)) {
			w.store.decoded.Delete(cacheKey(id, name))
		}
	}
}

// Close stops the watcher, if one was started.
func (s *Store) Close() error {
	s.mutex.Lock()
	w := s.watcher
	s.watcher = nil
	s.mutex.Unlock()
	if w == nil {
		return nil
	}
	return w.inner.Close()
}
