// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package objstore is the in-memory keyed object map: the record of
// truth for every "object" in the system, mutated through a small set of
// compound operations and periodically flushed by internal/snapshot.
//
// The backing representation replaces the teacher's PoolHandle-over-LSM
// pattern with a map[string]*Object guarded by a single mutex, plus a
// lazily rebuilt sorted index so range-style operations (getObjectList,
// getKeys) do not need to sort on every call.
package objstore

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/glob"
)

// Object is the decoded JSON payload of one stored record.
type Object = map[string]interface{}

var invalidIDChars = regexp.MustCompile(`[\]\[*,;'"` + "`" + `<>\\?]`)

const systemConfigID = "system.config"

var systemUserOrGroup = regexp.MustCompile(`^system\.(user|group)\.`)

// Row is one entry of a getObjectList result.
type Row struct {
	ID    string
	Value Object
	Doc   Object
}

// Publisher fans a change out to subscribers of the object realm; obj is
// nil to signal deletion. The parameter is interface{} rather than
// Object so internal/pubsub.Registry (shared by the object and file
// realms) satisfies this interface directly.
type Publisher interface {
	PublishAll(realm, id string, obj interface{})
}

// PersistenceScheduler is notified after every mutation so a debounced
// snapshot flush can be armed; it is also asked to delete the on-disk
// snapshot for destroyDB.
type PersistenceScheduler interface {
	ScheduleFlush()
	DeleteSnapshot() error
}

// Store is the object map plus its sorted index.
type Store struct {
	mutex sync.RWMutex

	objects map[string]Object
	index   []string
	dirty   bool

	defaultNewACL Object

	acl       *acl.Engine
	publisher Publisher
	persist   PersistenceScheduler
}

// New creates an empty Store with no default new-object ACL template;
// the template is taken later from system.config.common.defaultNewAcl.
func New(engine *acl.Engine, publisher Publisher, persist PersistenceScheduler) *Store {
	return &Store{
		objects:   make(map[string]Object),
		acl:       engine,
		publisher: publisher,
		persist:   persist,
	}
}

// LoadAll replaces the entire object map, used by internal/snapshot on
// startup. It bypasses ACL checks and does not publish or reschedule.
func (s *Store) LoadAll(objects map[string]Object) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.objects = objects
	if s.objects == nil {
		s.objects = make(map[string]Object)
	}
	s.dirty = true

	if cfg, ok := s.objects[systemConfigID]; ok {
		if common, ok := cfg["common"].(map[string]interface{}); ok {
			if def, ok := common["defaultNewAcl"].(map[string]interface{}); ok {
				s.defaultNewACL = cloneMap(def)
			}
		}
	}
}

// SnapshotAll returns a deep clone of the whole object map, used by
// internal/snapshot to marshal the current state.
func (s *Store) SnapshotAll() map[string]Object {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]Object, len(s.objects))
	for id, obj := range s.objects {
		out[id] = cloneMap(obj)
	}
	return out
}

// DefaultFileACL extracts the owner/ownerGroup/permissions triple a new
// file with no explicit ACL should inherit from the current
// defaultNewAcl template's "file" field, the same template
// materializeACL applies to ACL-less objects. ok is false when no
// template is set yet.
func (s *Store) DefaultFileACL() (owner, ownerGroup string, mode int, ok bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.defaultNewACL == nil {
		return "", "", 0, false
	}
	owner, _ = s.defaultNewACL["owner"].(string)
	ownerGroup, _ = s.defaultNewACL["ownerGroup"].(string)
	switch v := s.defaultNewACL["file"].(type) {
	case int:
		mode = v
	case int64:
		mode = int(v)
	case float64:
		mode = int(v)
	default:
		return "", "", 0, false
	}
	return owner, ownerGroup, mode, true
}

// RangeIDs implements acl.ObjectLister: returns sorted ids with the given
// prefix.
func (s *Store) RangeIDs(prefix string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	s.ensureIndexLocked()
	var out []string
	for _, id := range s.index {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out
}

// Get implements acl.ObjectLister: a deep clone of the stored object, or
// nil.
func (s *Store) Get(id string) Object {
	return s.GetObject(id)
}

// GetObject returns a deep clone of the stored value, or nil. Read-only;
// ACL is enforced by the caller (the façade) before this is reached.
func (s *Store) GetObject(id string) Object {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return cloneMap(s.objects[id])
}

// GetKeys returns the sorted ids matching pattern for which subject has
// list on that id.
func (s *Store) GetKeys(subject *acl.Subject, pattern string) ([]string, error) {
	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.ensureIndexLocked()

	var out []string
	for _, id := range s.index {
		if !re.MatchString(id) {
			continue
		}
		if s.acl.CheckObject(id, subject, acl.OpList, s.objects[id]) != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// GetObjects returns one element per key: a clone, or a map carrying the
// wire error string if the caller may not read that id.
func (s *Store) GetObjects(subject *acl.Subject, keys []string) ([]interface{}, error) {
	if keys == nil {
		return nil, fault.ErrNoKeys
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]interface{}, len(keys))
	for i, id := range keys {
		existing := s.objects[id]
		if err := s.acl.CheckObject(id, subject, acl.OpRead, existing); err != nil {
			out[i] = map[string]interface{}{"error": err.Error()}
			continue
		}
		out[i] = cloneMap(existing)
	}
	return out, nil
}

// GetObjectsByPattern returns clones of every id matching pattern that
// passes read.
func (s *Store) GetObjectsByPattern(subject *acl.Subject, pattern string) ([]Object, error) {
	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.ensureIndexLocked()

	var out []Object
	for _, id := range s.index {
		if !re.MatchString(id) {
			continue
		}
		existing := s.objects[id]
		if s.acl.CheckObject(id, subject, acl.OpRead, existing) != nil {
			continue
		}
		out = append(out, cloneMap(existing))
	}
	return out, nil
}

// GetObjectList returns rows for ids in [startkey, endkey]. When
// includeDocs is false, ids beginning with "_" are skipped. The result is
// always in lexicographic order; sorted is accepted for wire compatibility
// but has no effect since the backing index is always sorted.
func (s *Store) GetObjectList(startkey, endkey string, includeDocs bool, sorted bool) []Row {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	s.ensureIndexLocked()

	ids := rangeIDs(s.index, startkey, endkey)
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		if !includeDocs && strings.HasPrefix(id, "_") {
			continue
		}
		obj := s.objects[id]
		row := Row{ID: id, Value: cloneMap(obj)}
		if includeDocs {
			row.Doc = cloneMap(obj)
		}
		rows = append(rows, row)
	}
	return rows
}

// SetOptions carries the out-of-band fields accompanying setObject.
type SetOptions struct {
	Owner            string
	OwnerGroup       string
	PreserveSettings []string
}

// SetObject validates, authorizes and stores obj at id, applying ACL
// inheritance, preserveSettings, and (for system.config) default-ACL
// back-propagation. Returns the stored clone.
func (s *Store) SetObject(subject *acl.Subject, id string, obj Object, opts SetOptions) (Object, error) {
	if obj == nil {
		return nil, fault.ErrNilObject
	}
	if id == "" {
		return nil, fault.ErrEmptyID
	}
	if invalidIDChars.MatchString(id) {
		return nil, fault.InvalidID(id)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing := s.objects[id]
	op := acl.OpWrite
	if existing == nil {
		op = acl.OpCreate
	}
	if err := s.acl.CheckObject(id, subject, op, existing); err != nil {
		return nil, err
	}

	if opts.Owner != "" && opts.OwnerGroup == "" {
		opts.OwnerGroup = s.firstGroupOf(opts.Owner)
	}

	result := s.applyPreserveSettings(existing, obj, opts.PreserveSettings)

	if id == systemConfigID {
		s.maybeBackPropagateDefaultACL(result)
	}

	s.materializeACL(result, existing, opts)

	result["_id"] = id
	stored := cloneMap(result)
	s.storeLocked(id, stored)

	return cloneMap(stored), nil
}

// ExtendObject deep-merges partial into the existing object (or an empty
// base, if id is new), honoring the nonEdit guard, then applies the same
// ACL propagation and publishing as SetObject.
func (s *Store) ExtendObject(subject *acl.Subject, id string, partial Object, checkNonEditable func(old, new Object) bool) (Object, error) {
	if partial == nil {
		return nil, fault.ErrNilObject
	}
	if id == "" {
		return nil, fault.ErrEmptyID
	}
	if invalidIDChars.MatchString(id) {
		return nil, fault.InvalidID(id)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing := s.objects[id]
	op := acl.OpWrite
	if existing == nil {
		op = acl.OpCreate
	}
	if err := s.acl.CheckObject(id, subject, op, existing); err != nil {
		return nil, err
	}

	merged := deepMerge(existing, partial, nil)

	if common, ok := existing["common"].(map[string]interface{}); ok {
		if nonEdit, _ := common["nonEdit"].(bool); nonEdit {
			if checkNonEditable == nil || !checkNonEditable(existing, merged) {
				return nil, fault.ErrInvalidPassword
			}
		}
	}

	if id == systemConfigID {
		s.maybeBackPropagateDefaultACL(merged)
	}

	s.materializeACL(merged, existing, SetOptions{})

	merged["_id"] = id
	stored := cloneMap(merged)
	s.storeLocked(id, stored)

	return cloneMap(stored), nil
}

// DelObject removes id, refusing if the object is marked dontDelete.
func (s *Store) DelObject(subject *acl.Subject, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing := s.objects[id]
	if existing == nil {
		return fault.ErrNotExists
	}

	if err := s.acl.CheckObject(id, subject, acl.OpDelete, existing); err != nil {
		return err
	}

	if common, ok := existing["common"].(map[string]interface{}); ok {
		if dontDelete, _ := common["dontDelete"].(bool); dontDelete {
			return fault.ErrNonDeletable
		}
	}

	delete(s.objects, id)
	s.dirty = true

	if s.acl != nil && systemUserOrGroup.MatchString(id) {
		s.acl.Invalidate("")
	}

	if s.publisher != nil {
		s.publisher.PublishAll("objects", id, nil)
	}
	if s.persist != nil {
		s.persist.ScheduleFlush()
	}
	return nil
}

// ChownObject reassigns owner/ownerGroup on every id matched by pattern
// that the subject may list and write.
func (s *Store) ChownObject(subject *acl.Subject, pattern, owner, ownerGroup string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	var touched []string
	s.ensureIndexLocked()
	for _, id := range s.index {
		if !re.MatchString(id) {
			continue
		}
		existing := s.objects[id]
		if s.acl.CheckObject(id, subject, acl.OpList, existing) != nil {
			continue
		}
		if s.acl.CheckObject(id, subject, acl.OpWrite, existing) != nil {
			continue
		}
		s.ensureACLLocked(existing)
		aclDoc := existing["acl"].(map[string]interface{})
		if owner != "" {
			aclDoc["owner"] = owner
		}
		if ownerGroup != "" {
			aclDoc["ownerGroup"] = ownerGroup
		}
		s.storeLocked(id, existing)
		touched = append(touched, id)
	}
	return touched, nil
}

// ChmodOptions carries the optional object/state bit changes for
// chmodObject; a nil pointer leaves that field untouched.
type ChmodOptions struct {
	Object *int
	State  *int
}

// ChmodObject applies bit changes on every id matched by pattern that the
// subject may list and write.
func (s *Store) ChmodObject(subject *acl.Subject, pattern string, opts ChmodOptions) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	re, err := glob.Compile(pattern)
	if err != nil {
		return nil, fault.ErrInvalidParameter
	}

	var touched []string
	s.ensureIndexLocked()
	for _, id := range s.index {
		if !re.MatchString(id) {
			continue
		}
		existing := s.objects[id]
		if s.acl.CheckObject(id, subject, acl.OpList, existing) != nil {
			continue
		}
		if s.acl.CheckObject(id, subject, acl.OpWrite, existing) != nil {
			continue
		}
		s.ensureACLLocked(existing)
		aclDoc := existing["acl"].(map[string]interface{})
		if opts.Object != nil {
			aclDoc["object"] = float64(*opts.Object)
		}
		if opts.State != nil {
			if t, _ := existing["type"].(string); t == "state" {
				aclDoc["state"] = float64(*opts.State)
			}
		}
		s.storeLocked(id, existing)
		touched = append(touched, id)
	}
	return touched, nil
}

// FindObject resolves idOrName: an exact id match wins, otherwise a
// linear scan for common.name == idOrName (and common.type == objType
// when objType is non-empty). Denied or absent results both return
// (nil, nil); a permission error is only returned when the exact id
// exists but the subject may not read it.
func (s *Store) FindObject(subject *acl.Subject, idOrName, objType string) (Object, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if existing, ok := s.objects[idOrName]; ok {
		if err := s.acl.CheckObject(idOrName, subject, acl.OpRead, existing); err != nil {
			return nil, err
		}
		return cloneMap(existing), nil
	}

	s.ensureIndexLocked()
	for _, id := range s.index {
		obj := s.objects[id]
		common, _ := obj["common"].(map[string]interface{})
		if common == nil {
			continue
		}
		name, _ := common["name"].(string)
		if name != idOrName {
			continue
		}
		if objType != "" {
			if t, _ := obj["type"].(string); t != objType {
				continue
			}
		}
		if s.acl.CheckObject(id, subject, acl.OpRead, obj) != nil {
			continue
		}
		return cloneMap(obj), nil
	}
	return nil, nil
}

// DestroyDB deletes the on-disk snapshot; in-memory contents are left
// untouched.
func (s *Store) DestroyDB() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.DeleteSnapshot()
}

// storeLocked commits obj under id, rebuilds the index lazily, publishes
// the change and arms the debounced snapshot. Caller must hold s.mutex.
func (s *Store) storeLocked(id string, obj Object) {
	s.objects[id] = obj
	s.dirty = true

	if s.acl != nil {
		if systemUserOrGroup.MatchString(id) {
			s.acl.Invalidate("")
		}
	}

	if s.publisher != nil {
		s.publisher.PublishAll("objects", id, cloneMap(obj))
	}
	if s.persist != nil {
		s.persist.ScheduleFlush()
	}
}

func (s *Store) ensureIndexLocked() {
	if !s.dirty && s.index != nil {
		return
	}
	s.index = make([]string, 0, len(s.objects))
	for id := range s.objects {
		s.index = append(s.index, id)
	}
	sort.Strings(s.index)
	s.dirty = false
}

// applyPreserveSettings builds the top-level result for setObject: obj
// entirely replaces the stored value, except for the keys named in
// preserve, where a null in obj deletes the key, an absent key copies
// forward from existing, and an explicit value passes through unchanged.
func (s *Store) applyPreserveSettings(existing, obj Object, preserve []string) Object {
	result := cloneMap(obj)
	if result == nil {
		result = make(Object)
	}

	for _, key := range preserve {
		val, present := obj[key]
		switch {
		case present && val == nil:
			delete(result, key)
		case !present:
			if existing != nil {
				if old, ok := existing[key]; ok {
					result[key] = cloneValue(old)
				}
			}
		}
	}

	return result
}

// maybeBackPropagateDefaultACL detects a change to
// system.config.common.defaultNewAcl and, if changed, adopts it as the new
// template and assigns it to every ACL-less object in one pass.
func (s *Store) maybeBackPropagateDefaultACL(cfg Object) {
	common, _ := cfg["common"].(map[string]interface{})
	if common == nil {
		return
	}
	newDefault, ok := common["defaultNewAcl"].(map[string]interface{})
	if !ok {
		return
	}
	if mapsEqual(s.defaultNewACL, newDefault) {
		return
	}

	s.defaultNewACL = cloneMap(newDefault)

	for id, obj := range s.objects {
		if id == systemConfigID {
			continue
		}
		if _, has := obj["acl"]; has {
			continue
		}
		obj["acl"] = stripACLForObject(s.defaultNewACL, obj)
		s.objects[id] = obj
		if s.publisher != nil {
			s.publisher.PublishAll("objects", id, cloneMap(obj))
		}
	}
	s.dirty = true
}

// materializeACL fills in result["acl"] following the inheritance rule:
// an explicit acl on the incoming value wins; otherwise the previous
// object's acl is inherited; otherwise the current defaultNewAcl template
// is assigned (stripped of file, and of state for non-state objects).
func (s *Store) materializeACL(result, existing Object, opts SetOptions) {
	if _, has := result["acl"]; has {
		return
	}
	if existing != nil {
		if oldACL, has := existing["acl"]; has {
			result["acl"] = cloneValue(oldACL)
			return
		}
	}
	if s.defaultNewACL == nil {
		return
	}
	aclDoc := stripACLForObject(s.defaultNewACL, result)
	if opts.Owner != "" {
		aclDoc["owner"] = opts.Owner
	}
	if opts.OwnerGroup != "" {
		aclDoc["ownerGroup"] = opts.OwnerGroup
	}
	result["acl"] = aclDoc
}

// ensureACLLocked guarantees obj has an "acl" map, materializing one from
// the default template (including state, when the object is a state
// object) if absent. Caller must hold s.mutex.
func (s *Store) ensureACLLocked(obj Object) {
	if _, has := obj["acl"].(map[string]interface{}); has {
		return
	}
	if s.defaultNewACL == nil {
		obj["acl"] = map[string]interface{}{}
		return
	}
	obj["acl"] = stripACLForObject(s.defaultNewACL, obj)
}

// firstGroupOf resolves owner's first group membership, used when
// setObject receives options.owner without options.ownerGroup. Caller
// must hold s.mutex (acl.Engine's own locking is independent).
func (s *Store) firstGroupOf(owner string) string {
	subject := s.acl.ResolveSubject(owner)
	if len(subject.Groups) == 0 {
		return ""
	}
	return subject.Groups[0]
}

func stripACLForObject(template Object, obj Object) Object {
	aclDoc := cloneMap(template)
	if aclDoc == nil {
		aclDoc = make(Object)
	}
	delete(aclDoc, "file")
	if t, _ := obj["type"].(string); t != "state" {
		delete(aclDoc, "state")
	}
	return aclDoc
}

func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(va, vb) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if aok || bok {
		return aok && bok && mapsEqual(am, bm)
	}
	return a == b
}
