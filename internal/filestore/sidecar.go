// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitmark-inc/objectdbd/internal/acl"
)

const sidecarFileName = "_data.json"

// Entry is one sidecar descriptor: everything known about a stored blob
// except its bytes.
type Entry struct {
	MimeType   string      `json:"mimeType"`
	Binary     bool        `json:"binary"`
	CreatedAt  int64       `json:"createdAt"`
	ModifiedAt int64       `json:"modifiedAt"`
	ACL        acl.FileACL `json:"acl"`
}

func sanitizeName(name string) string {
	name = strings.TrimPrefix(name, "/")
	segments := strings.Split(name, "/")
	kept := segments[:0]
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			continue
		}
		kept = append(kept, s)
	}
	return strings.Join(kept, "/")
}

func (s *Store) sidecarDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) sidecarPath(id string) string {
	return filepath.Join(s.sidecarDir(id), sidecarFileName)
}

func (s *Store) blobPath(id, name string) string {
	return filepath.Join(s.sidecarDir(id), filepath.FromSlash(name))
}

// loadSidecarLocked returns the id's descriptor map, lazily reading it
// from disk on first use. Caller must hold s.mutex.
func (s *Store) loadSidecarLocked(id string) map[string]*Entry {
	if entries, ok := s.sidecars[id]; ok {
		return entries
	}

	entries := make(map[string]*Entry)
	raw, err := os.ReadFile(s.sidecarPath(id))
	if err == nil {
		_ = json.Unmarshal(raw, &entries)
	}
	s.sidecars[id] = entries
	return entries
}

// markDirtyLocked schedules id's sidecar for a debounced write-back.
// Caller must hold s.mutex.
func (s *Store) markDirtyLocked(id string) {
	s.dirtyIDs[id] = true
	s.armFlushLocked()
}

// flushSidecarLocked writes id's in-memory descriptor map to disk.
// Caller must hold s.mutex.
func (s *Store) flushSidecarLocked(id string) error {
	entries, ok := s.sidecars[id]
	if !ok {
		return nil
	}
	if err := os.MkdirAll(s.sidecarDir(id), 0755); err != nil {
		return err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(s.sidecarPath(id), raw, 0644)
}
