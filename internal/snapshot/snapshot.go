// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package snapshot writes the debounced object-map snapshot and manages
// its rotating gzip backups.
//
// Backup compression uses klauspost/compress/gzip rather than the stdlib
// codec, mirroring the retrieved example pack's own preference for the
// faster drop-in over compress/gzip in daemon-shaped Go services (see
// DESIGN.md).
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/background"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
)

const (
	debounceDelay      = 5 * time.Second
	snapshotFileName   = "objects.json"
	backupFileName     = "objects.json.bak"
	backupSubdirectory = "backup-objects"
	backupTimeLayout   = "2006-01-02_15-04"
)

var backupNamePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}_\d{2}-\d{2})_objects\.json\.gz$`)

// Store is the slice of internal/objstore.Store the snapshot manager
// needs: load the whole map on startup, and read it back out to marshal.
type Store interface {
	LoadAll(map[string]objstore.Object)
	SnapshotAll() map[string]objstore.Object
}

// BackupConfig is the backup section of the daemon configuration.
type BackupConfig struct {
	Disabled bool
	Files    int
	Hours    int
	Period   time.Duration
	Path     string
}

// Manager owns the debounce timer, the snapshot file, and backup
// rotation for one data directory.
type Manager struct {
	dataDir string
	backup  BackupConfig
	store   Store
	log     *logger.L

	mutex      sync.Mutex
	timer      *time.Timer
	lastBackup time.Time
}

// New creates a snapshot manager rooted at dataDir.
func New(dataDir string, backup BackupConfig, store Store, log *logger.L) *Manager {
	return &Manager{dataDir: dataDir, backup: backup, store: store, log: log}
}

func (m *Manager) snapshotPath() string { return filepath.Join(m.dataDir, snapshotFileName) }
func (m *Manager) backupPath() string   { return filepath.Join(m.dataDir, backupFileName) }
func (m *Manager) backupDir() string {
	if m.backup.Path != "" {
		return m.backup.Path
	}
	return filepath.Join(m.dataDir, backupSubdirectory)
}

// LoadStartup loads objects.json, falling back to the .bak copy on parse
// failure, then to an empty store (logged critical) on a second failure.
func (m *Manager) LoadStartup() {
	if m.tryLoad(m.snapshotPath()) {
		return
	}
	if m.tryLoad(m.backupPath()) {
		if m.log != nil {
			m.log.Warnf("snapshot: %s unreadable, loaded %s instead", m.snapshotPath(), m.backupPath())
		}
		return
	}
	m.store.LoadAll(make(map[string]objstore.Object))
	if m.log != nil {
		m.log.Criticalf("snapshot: no readable snapshot under %s, starting empty", m.dataDir)
	}
}

func (m *Manager) tryLoad(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var objects map[string]objstore.Object
	if err := json.Unmarshal(raw, &objects); err != nil {
		return false
	}
	m.store.LoadAll(objects)
	return true
}

// ScheduleFlush (re)arms the debounce timer; a mutation arriving before
// the previous timer fires simply resets the deadline.
func (m *Manager) ScheduleFlush() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(debounceDelay, m.flush)
}

// Flush stops any pending debounce timer and writes the snapshot
// synchronously. Callers that need a guaranteed on-disk copy before
// returning (shutdown) must call this instead of ScheduleFlush, since
// the debounce timer never fires on its own before a fast exit.
func (m *Manager) Flush() {
	m.mutex.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mutex.Unlock()

	m.flush()
}

// DeleteSnapshot removes the on-disk snapshot file (destroyDB). In-memory
// state is untouched.
func (m *Manager) DeleteSnapshot() error {
	err := os.Remove(m.snapshotPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (m *Manager) flush() {
	objects := m.store.SnapshotAll()

	raw, err := json.Marshal(objects)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("snapshot: marshal failed: %v", err)
		}
		return
	}

	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		if m.log != nil {
			m.log.Errorf("snapshot: mkdir failed: %v", err)
		}
		return
	}

	// best-effort: keep the previous snapshot as .bak
	if err := os.Rename(m.snapshotPath(), m.backupPath()); err != nil && !os.IsNotExist(err) {
		if m.log != nil {
			m.log.Warnf("snapshot: rotate to .bak failed: %v", err)
		}
	}

	tmp := m.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		if m.log != nil {
			m.log.Errorf("snapshot: write temp failed: %v", err)
		}
		return
	}
	if err := os.Rename(tmp, m.snapshotPath()); err != nil {
		if m.log != nil {
			m.log.Errorf("snapshot: atomic rename failed: %v", err)
		}
		return
	}

	if m.backup.Disabled {
		return
	}

	m.mutex.Lock()
	due := time.Since(m.lastBackup) > m.backup.Period
	m.mutex.Unlock()
	if !due {
		return
	}

	if err := m.writeBackup(raw); err != nil {
		if m.log != nil {
			m.log.Errorf("snapshot: backup failed: %v", err)
		}
		return
	}

	m.mutex.Lock()
	m.lastBackup = time.Now()
	m.mutex.Unlock()

	m.applyRetention()
}

func (m *Manager) writeBackup(raw []byte) error {
	dir := m.backupDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	name := time.Now().Format(backupTimeLayout) + "_objects.json.gz"
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// applyRetention keeps at least backup.Files most recent backups, then
// deletes anything older than backup.Hours by its filename timestamp.
func (m *Manager) applyRetention() {
	entries, err := os.ReadDir(m.backupDir())
	if err != nil {
		return
	}

	type stamped struct {
		name string
		at   time.Time
	}
	var backups []stamped
	for _, e := range entries {
		match := backupNamePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		at, err := time.ParseInLocation(backupTimeLayout, match[1], time.Local)
		if err != nil {
			continue
		}
		backups = append(backups, stamped{name: e.Name(), at: at})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].at.After(backups[j].at) })

	keep := m.backup.Files
	if keep < 0 {
		keep = 0
	}
	cutoff := time.Duration(m.backup.Hours) * time.Hour

	for i, b := range backups {
		if i < keep {
			continue
		}
		if time.Since(b.at) <= cutoff {
			continue
		}
		_ = os.Remove(filepath.Join(m.backupDir(), b.name))
	}
}

// RetentionSweep is a background.Process running applyRetention on a
// fixed interval, independent of the mutation-triggered debounce, so
// backups age out even during a quiet period.
func (m *Manager) RetentionSweep(args interface{}, shutdown <-chan bool, finished chan<- bool) {
	defer close(finished)

	interval := args.(time.Duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			m.applyRetention()
		}
	}
}

var _ background.Process = (*Manager)(nil).RetentionSweep
