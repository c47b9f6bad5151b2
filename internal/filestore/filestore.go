// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package filestore maintains the per-object blob directories and their
// sidecar descriptors, and enforces the file-realm ACL on every access.
//
// The decoded-text cache reuses the teacher's own memoization pattern
// (storage/cache.go: patrickmn/go-cache with no expiry sweep, entries
// live until explicitly invalidated) rather than a TTL cache, since a
// cached file body is valid until the file changes, not until a timer
// fires.
package filestore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/glob"
)

const sidecarFlushDelay = 1 * time.Second

// Publisher fans a file-realm change out to subscribers.
type Publisher interface {
	PublishAll(realm, id string, obj interface{})
}

// ACLDefaults supplies the namespace's defaultNewAcl template, the same
// inheritance source internal/objstore.Store.materializeACL draws on for
// ACL-less objects: a new file created with no explicit owner/mode
// inherits this triple instead of the zero-value ACL.
type ACLDefaults interface {
	DefaultFileACL() (owner, ownerGroup string, mode int, ok bool)
}

// Store is the file store: one directory tree under root, one sidecar
// document per object id.
type Store struct {
	root        string
	acl         *acl.Engine
	publisher   Publisher
	defaults    ACLDefaults
	log         *logger.L
	noFileCache bool

	mutex        sync.Mutex
	sidecars     map[string]map[string]*Entry
	dirtyIDs     map[string]bool
	flushTimer   *time.Timer
	cacheEnabled bool
	decoded      *gocache.Cache
	watcher      *fsWatcher
	watchedDirs  map[string]bool
}

// New creates a file store rooted at root/files. noFileCache disables the
// decoded-text cache outright, matching the connection-level
// configuration flag of the same name. defaults may be nil, in which
// case files with no explicit owner/mode keep the zero-value ACL.
func New(root string, engine *acl.Engine, publisher Publisher, defaults ACLDefaults, log *logger.L, noFileCache bool) *Store {
	return &Store{
		root:         filepath.Join(root, "files"),
		acl:          engine,
		publisher:    publisher,
		defaults:     defaults,
		log:          log,
		noFileCache:  noFileCache,
		sidecars:     make(map[string]map[string]*Entry),
		dirtyIDs:     make(map[string]bool),
		cacheEnabled: !noFileCache,
		decoded:      gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}
}

// resolveFileACL fills in an unset owner/ownerGroup/mode triple from the
// defaults template, mirroring materializeACL's inheritance rule for
// objects: an explicit value always wins, the template only fills gaps.
func (s *Store) resolveFileACL(owner, ownerGroup string, mode int) (string, string, int) {
	if owner != "" || ownerGroup != "" || mode != 0 {
		return owner, ownerGroup, mode
	}
	if s.defaults == nil {
		return owner, ownerGroup, mode
	}
	defOwner, defGroup, defMode, ok := s.defaults.DefaultFileACL()
	if !ok {
		return owner, ownerGroup, mode
	}
	return defOwner, defGroup, defMode
}

func validateID(id string) error {
	if id == "" {
		return fault.ErrEmptyID
	}
	if strings.Contains(id, "..") {
		return fault.InvalidID(id)
	}
	return nil
}

func cacheKey(id, name string) string { return id + "\x00" + name }

// WriteFile writes data under (id, name), classifying it by extension
// unless mimeType is supplied explicitly.
func (s *Store) WriteFile(subject *acl.Subject, id, name string, data []byte, mimeType string, owner, ownerGroup string, mode int) (*Entry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	name = sanitizeName(name)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, name, subject, acl.BitWrite, s.lookupLocked(id)); err != nil {
		return nil, err
	}

	entries := s.loadSidecarLocked(id)
	entry, existed := entries[name]

	binary := false
	if mimeType == "" {
		mimeType, binary = classify(strings.ToLower(filepath.Ext(name)))
	} else {
		_, binary = classify(strings.ToLower(filepath.Ext(name)))
	}

	if err := os.MkdirAll(filepath.Dir(s.blobPath(id, name)), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.blobPath(id, name), data, 0644); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if !existed {
		resolvedOwner, resolvedGroup, resolvedMode := s.resolveFileACL(owner, ownerGroup, mode)
		entry = &Entry{CreatedAt: now}
		entry.ACL = acl.FileACL{Owner: resolvedOwner, OwnerGroup: resolvedGroup, Permissions: resolvedMode}
	}
	entry.MimeType = mimeType
	entry.Binary = binary
	entry.ModifiedAt = now
	entries[name] = entry

	s.decoded.Delete(cacheKey(id, name))
	s.markDirtyLocked(id)
	s.watchObjectLocked(id)
	s.notify(id, name, entry)

	return entry, nil
}

// ReadFile returns the bytes and mime type for (id, name), serving the
// decoded-text cache for non-binary entries unless noFileCache is set.
func (s *Store) ReadFile(subject *acl.Subject, id, name string) ([]byte, string, error) {
	if err := validateID(id); err != nil {
		return nil, "", err
	}
	name = sanitizeName(name)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, name, subject, acl.BitRead, s.lookupLocked(id)); err != nil {
		return nil, "", err
	}

	entries := s.loadSidecarLocked(id)
	entry, ok := entries[name]
	if !ok {
		return nil, "", fault.ErrNotExists
	}

	if !entry.Binary && s.cacheEnabled && !s.noFileCache {
		if cached, ok := s.decoded.Get(cacheKey(id, name)); ok {
			return []byte(cached.(string)), entry.MimeType, nil
		}
	}

	data, err := os.ReadFile(s.blobPath(id, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fault.ErrNotExists
		}
		return nil, "", err
	}

	if !entry.Binary && s.cacheEnabled && !s.noFileCache {
		s.decoded.Set(cacheKey(id, name), string(data), gocache.NoExpiration)
	}

	return data, entry.MimeType, nil
}

// Unlink removes (id, name): a directory is unlinked recursively.
func (s *Store) Unlink(subject *acl.Subject, id, name string) error {
	if err := validateID(id); err != nil {
		return err
	}
	name = sanitizeName(name)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, name, subject, acl.BitWrite, s.lookupLocked(id)); err != nil {
		return err
	}
	if !subject.ACL.File.Delete && !subject.IsAdmin() {
		return fault.ErrPermissionDenied
	}

	entries := s.loadSidecarLocked(id)
	path := s.blobPath(id, name)

	info, statErr := os.Stat(path)
	if statErr == nil && info.IsDir() {
		prefix := name + "/"
		for key := range entries {
			if strings.HasPrefix(key, prefix) {
				delete(entries, key)
				s.decoded.Delete(cacheKey(id, key))
			}
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	} else if statErr == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	delete(entries, name)
	s.decoded.Delete(cacheKey(id, name))
	s.markDirtyLocked(id)
	s.notify(id, name, nil)

	return nil
}

// DirEntry describes one child of a readDir call.
type DirEntry struct {
	Name       string
	IsDir      bool
	Size       int64
	ACL        acl.FileACL
	MimeType   string
	ModifiedAt int64
	CreatedAt  int64
}

// ReadDir lists the immediate children of name: the union of sidecar
// entries prefixed by name/ and filesystem directory entries. When
// permissionFilter is true, entries the subject's effective permissions
// do not allow access to are pruned rather than causing the call to
// fail, per options.filter.
func (s *Store) ReadDir(subject *acl.Subject, id, name string, permissionFilter bool) ([]DirEntry, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	name = sanitizeName(name)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, name, subject, acl.BitRead, s.lookupLocked(id)); err != nil {
		return nil, err
	}
	if !subject.ACL.File.List && !subject.IsAdmin() {
		return nil, fault.ErrPermissionDenied
	}

	entries := s.loadSidecarLocked(id)
	prefix := ""
	if name != "" {
		prefix = name + "/"
	}

	seen := make(map[string]*DirEntry)
	for key, entry := range entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		segment := rest
		isDir := false
		if idx := strings.Index(rest, "/"); idx >= 0 {
			segment = rest[:idx]
			isDir = true
		}
		if existing, ok := seen[segment]; ok {
			if isDir {
				existing.IsDir = true
			}
			continue
		}
		de := &DirEntry{Name: segment, IsDir: isDir}
		if !isDir {
			de.ACL = entry.ACL
			de.MimeType = entry.MimeType
			de.ModifiedAt = entry.ModifiedAt
			de.CreatedAt = entry.CreatedAt
			if info, err := os.Stat(s.blobPath(id, key)); err == nil {
				de.Size = info.Size()
			}
		}
		seen[segment] = de
	}

	dirPath := s.blobPath(id, name)
	if fsEntries, err := os.ReadDir(dirPath); err == nil {
		for _, fe := range fsEntries {
			if fe.Name() == sidecarFileName || fe.Name() == "." || fe.Name() == ".." {
				continue
			}
			if _, ok := seen[fe.Name()]; ok {
				continue
			}
			de := &DirEntry{Name: fe.Name(), IsDir: fe.IsDir()}
			if !fe.IsDir() {
				if info, err := fe.Info(); err == nil {
					de.Size = info.Size()
					de.ModifiedAt = info.ModTime().Unix()
				}
			}
			seen[fe.Name()] = de
		}
	}

	out := make([]DirEntry, 0, len(seen))
	for _, de := range seen {
		if permissionFilter {
			childName := de.Name
			if prefix != "" {
				childName = prefix + de.Name
			}
			if s.acl.CheckFile(id, childName, subject, acl.BitRead, s.lookupLocked(id)) != nil {
				continue
			}
		}
		out = append(out, *de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename moves both the sidecar entry and the on-disk file.
func (s *Store) Rename(subject *acl.Subject, id, oldName, newName string) error {
	if err := validateID(id); err != nil {
		return err
	}
	oldName = sanitizeName(oldName)
	newName = sanitizeName(newName)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, oldName, subject, acl.BitWrite, s.lookupLocked(id)); err != nil {
		return err
	}

	entries := s.loadSidecarLocked(id)
	entry, ok := entries[oldName]
	if !ok {
		return fault.ErrNotExists
	}

	if err := os.MkdirAll(filepath.Dir(s.blobPath(id, newName)), 0755); err != nil {
		return err
	}
	if err := os.Rename(s.blobPath(id, oldName), s.blobPath(id, newName)); err != nil {
		return err
	}

	delete(entries, oldName)
	entries[newName] = entry
	s.decoded.Delete(cacheKey(id, oldName))
	s.markDirtyLocked(id)
	s.notify(id, newName, entry)

	return nil
}

// Touch updates modifiedAt for every sidecar entry matching pattern that
// the caller may write, synthesizing a default ACL/mimeType if absent.
func (s *Store) Touch(subject *acl.Subject, id, pattern string) ([]string, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := s.loadSidecarLocked(id)
	var touched []string
	now := time.Now().Unix()
	for name, entry := range entries {
		if !re.MatchString(name) {
			continue
		}
		if s.acl.CheckFile(id, name, subject, acl.BitWrite, s.lookupLocked(id)) != nil {
			continue
		}
		entry.ModifiedAt = now
		if entry.MimeType == "" {
			entry.MimeType, entry.Binary = classify(strings.ToLower(filepath.Ext(name)))
		}
		if entry.ACL.Owner == "" && entry.ACL.OwnerGroup == "" && entry.ACL.Permissions == 0 {
			owner, ownerGroup, mode := s.resolveFileACL("", "", 0)
			entry.ACL = acl.FileACL{Owner: owner, OwnerGroup: ownerGroup, Permissions: mode}
		}
		touched = append(touched, name)
	}
	if len(touched) > 0 {
		s.markDirtyLocked(id)
	}
	return touched, nil
}

// RemoveResult summarizes an rm call.
type RemoveResult struct {
	Removed []string
}

// Rm removes every sidecar entry (and backing file) matching pattern that
// the caller may write and delete, then prunes now-empty parent
// directories.
func (s *Store) Rm(subject *acl.Subject, id, pattern string) (*RemoveResult, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if !subject.ACL.File.Delete && !subject.IsAdmin() {
		return nil, fault.ErrPermissionDenied
	}

	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := s.loadSidecarLocked(id)
	result := &RemoveResult{}
	dirs := make(map[string]bool)

	for name := range entries {
		if !re.MatchString(name) {
			continue
		}
		if s.acl.CheckFile(id, name, subject, acl.BitWrite, s.lookupLocked(id)) != nil {
			continue
		}
		_ = os.Remove(s.blobPath(id, name))
		delete(entries, name)
		s.decoded.Delete(cacheKey(id, name))
		result.Removed = append(result.Removed, name)
		dirs[filepath.Dir(s.blobPath(id, name))] = true
	}

	for dir := range dirs {
		_ = os.Remove(dir) // no-op unless now empty
	}

	if len(result.Removed) > 0 {
		s.markDirtyLocked(id)
		s.notify(id, pattern, nil)
	}
	return result, nil
}

// Mkdir creates a directory under id, refusing if it already exists.
func (s *Store) Mkdir(subject *acl.Subject, id, dirname string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dirname = sanitizeName(dirname)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.acl.CheckFile(id, dirname, subject, acl.BitWrite, s.lookupLocked(id)); err != nil {
		return err
	}

	path := s.blobPath(id, dirname)
	if _, err := os.Stat(path); err == nil {
		return fault.ErrYetExists
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	s.watchObjectLocked(id)
	return nil
}

// ChownFile updates owner/ownerGroup on matching, writable sidecar
// entries.
func (s *Store) ChownFile(subject *acl.Subject, id, pattern, owner, ownerGroup string) ([]string, error) {
	return s.updateMatching(subject, id, pattern, func(entry *Entry) {
		if owner != "" {
			entry.ACL.Owner = owner
		}
		if ownerGroup != "" {
			entry.ACL.OwnerGroup = ownerGroup
		}
	})
}

// ChmodFile updates permission bits on matching, writable sidecar
// entries.
func (s *Store) ChmodFile(subject *acl.Subject, id, pattern string, mode int) ([]string, error) {
	return s.updateMatching(subject, id, pattern, func(entry *Entry) {
		entry.ACL.Permissions = mode
	})
}

func (s *Store) updateMatching(subject *acl.Subject, id, pattern string, apply func(*Entry)) ([]string, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entries := s.loadSidecarLocked(id)
	var touched []string
	for name, entry := range entries {
		if !re.MatchString(name) {
			continue
		}
		if s.acl.CheckFile(id, name, subject, acl.BitWrite, s.lookupLocked(id)) != nil {
			continue
		}
		apply(entry)
		touched = append(touched, name)
	}
	if len(touched) > 0 {
		s.markDirtyLocked(id)
	}
	return touched, nil
}

// EnableFileCache flips the cache flag globally; disabling drops every
// cached decoded body. Gated by object-realm write, checked by the
// caller (the façade) since it has no per-id shape.
func (s *Store) EnableFileCache(enabled bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cacheEnabled = enabled
	if !enabled {
		s.decoded.Flush()
	}
}

// Count returns the number of file entries currently loaded across every
// object's sidecar, for ambient operational metrics. Objects whose
// sidecar has not yet been touched this run are not reflected until
// their first access.
func (s *Store) Count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for _, entries := range s.sidecars {
		n += len(entries)
	}
	return n
}

// Destroy forces a synchronous flush of every dirty sidecar.
func (s *Store) Destroy() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.flushAllLocked()
}

func (s *Store) flushAllLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	for id := range s.dirtyIDs {
		if err := s.flushSidecarLocked(id); err != nil && s.log != nil {
			s.log.Errorf("sidecar flush failed for %q: %v", id, err)
		}
	}
	s.dirtyIDs = make(map[string]bool)
}

func (s *Store) armFlushLocked() {
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(sidecarFlushDelay, func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.flushTimer = nil
		s.flushAllLocked()
	})
}

// lookupLocked returns an acl.FileACLLookup bound to id's already-loaded
// sidecar map. Caller must hold s.mutex for the duration of any call
// through the returned function.
func (s *Store) lookupLocked(id string) acl.FileACLLookup {
	return func(_, name string) (string, string, int, bool) {
		entries := s.loadSidecarLocked(id)
		entry, ok := entries[name]
		if !ok {
			return "", "", 0, false
		}
		return entry.ACL.Owner, entry.ACL.OwnerGroup, entry.ACL.Permissions, true
	}
}

func (s *Store) notify(id, name string, entry *Entry) {
	if s.publisher == nil {
		return
	}
	if entry == nil {
		s.publisher.PublishAll("files", id, map[string]interface{}{"name": name, "deleted": true})
		return
	}
	s.publisher.PublishAll("files", id, map[string]interface{}{"name": name, "entry": entry})
}
