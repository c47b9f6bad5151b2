// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package acl resolves callers to their effective permission set and
// evaluates every object/file access against it.
//
// The bag of ad-hoc option maps the original design used is replaced here
// by a compact typed permission struct, per the "Dynamic ACL bag" redesign:
// PermSet is a bool-struct rather than a bitset so a misplaced shift can
// never silently grant the wrong right.
package acl

import (
	"regexp"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/fault"
)

// well known subjects that bypass every check
const (
	AdminUser  = "system.user.admin"
	AdminGroup = "system.group.administrator"
)

// permission bit values within one 4-bit shift group
const (
	BitExecute = 0x1
	BitWrite   = 0x2
	BitRead    = 0x4
)

// shift amounts for the three subject classes of a 12-bit permission word
const (
	ShiftEveryone = 0
	ShiftGroup    = 4
	ShiftUser     = 8
)

// object/file operations gated by PermSet
const (
	OpList   = "list"
	OpRead   = "read"
	OpWrite  = "write"
	OpCreate = "create"
	OpDelete = "delete"
)

var systemUserPattern = regexp.MustCompile(`^system\.user\.`)
var systemGroupPattern = regexp.MustCompile(`^system\.group\.`)
var systemUsersOrGroupsPattern = regexp.MustCompile(`^system\.(user|group)\.`)

// PermSet is the {list, read, write, create, delete} boolean group applied
// uniformly to the object realm, the file realm, or the "users" realm
// (mutation of system.user.*/system.group.* objects).
type PermSet struct {
	List   bool
	Read   bool
	Write  bool
	Create bool
	Delete bool
}

// Allow reports whether op is granted by this set.
func (p PermSet) Allow(op string) bool {
	switch op {
	case OpList:
		return p.List
	case OpRead:
		return p.Read
	case OpWrite:
		return p.Write
	case OpCreate:
		return p.Create
	case OpDelete:
		return p.Delete
	default:
		return false
	}
}

// Or returns the union (boolean OR, field by field) of two permission sets.
func (p PermSet) Or(o PermSet) PermSet {
	return PermSet{
		List:   p.List || o.List,
		Read:   p.Read || o.Read,
		Write:  p.Write || o.Write,
		Create: p.Create || o.Create,
		Delete: p.Delete || o.Delete,
	}
}

// FullPermSet is used for the admin shortcut.
func FullPermSet() PermSet {
	return PermSet{List: true, Read: true, Write: true, Create: true, Delete: true}
}

// SubjectACL is the per-realm gate: object realm, file realm, and the
// "users" realm governing mutation of system.user.*/system.group.*.
type SubjectACL struct {
	Object PermSet
	File   PermSet
	Users  PermSet
}

// Or merges two SubjectACLs field by field.
func (a SubjectACL) Or(o SubjectACL) SubjectACL {
	return SubjectACL{
		Object: a.Object.Or(o.Object),
		File:   a.File.Or(o.File),
		Users:  a.Users.Or(o.Users),
	}
}

// FullSubjectACL grants everything, used for the admin shortcut.
func FullSubjectACL() SubjectACL {
	full := FullPermSet()
	return SubjectACL{Object: full, File: full, Users: full}
}

// Subject is the resolved, cached view of one caller: which groups they
// belong to and the OR-merged effective ACL across those groups.
type Subject struct {
	User   string
	Groups []string
	ACL    SubjectACL
}

// IsAdmin reports the admin shortcut condition: the admin user itself, or
// membership in the administrator group.
func (s *Subject) IsAdmin() bool {
	if s == nil {
		return false
	}
	if s.User == AdminUser {
		return true
	}
	for _, g := range s.Groups {
		if g == AdminGroup {
			return true
		}
	}
	return false
}

// ObjectACL is the acl sub-document carried on a stored object.
type ObjectACL struct {
	Owner      string `json:"owner,omitempty"`
	OwnerGroup string `json:"ownerGroup,omitempty"`
	Object     int    `json:"object"`
	State      int    `json:"state,omitempty"`
}

// FileACL is the acl sub-document carried on one sidecar descriptor entry.
type FileACL struct {
	Owner       string `json:"owner,omitempty"`
	OwnerGroup  string `json:"ownerGroup,omitempty"`
	Permissions int    `json:"permissions"`
}

// ObjectLister is the read-only slice of the object store the ACL engine
// needs to resolve users and groups: a lexicographic key-range scan plus
// single-object lookup. Kept as an interface (rather than importing
// internal/objstore directly) so the object store's own operations, which
// call into the ACL engine, do not form an import cycle.
type ObjectLister interface {
	RangeIDs(prefix string) []string
	Get(id string) map[string]interface{}
}

// Engine is the ACL evaluator. One Engine is shared by every connection.
type Engine struct {
	store ObjectLister
	log   *logger.L

	mutex sync.RWMutex
	cache map[string]*Subject
}

// New creates an ACL engine backed by store.
func New(store ObjectLister, log *logger.L) *Engine {
	return &Engine{
		store: store,
		log:   log,
		cache: make(map[string]*Subject),
	}
}

// Invalidate drops the cached resolution for user, or the whole cache when
// user is empty. Called whenever a system.user.* or system.group.* object
// is mutated.
func (e *Engine) Invalidate(user string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if user == "" {
		e.cache = make(map[string]*Subject)
		return
	}
	delete(e.cache, user)
}

// ResolveSubject resolves user to its cached {groups, acl}. Unknown or
// malformed users resolve to the empty-permission default and are logged,
// never returned as an error: every caller, known or not, gets some
// subject to evaluate requests against.
func (e *Engine) ResolveSubject(user string) *Subject {
	e.mutex.RLock()
	if s, ok := e.cache[user]; ok {
		e.mutex.RUnlock()
		return s
	}
	e.mutex.RUnlock()

	subject := e.resolve(user)

	e.mutex.Lock()
	e.cache[user] = subject
	e.mutex.Unlock()

	return subject
}

func (e *Engine) resolve(user string) *Subject {
	if user == AdminUser {
		return &Subject{User: user, Groups: []string{AdminGroup}, ACL: FullSubjectACL()}
	}

	if !systemUserPattern.MatchString(user) {
		if e.log != nil {
			e.log.Warnf("resolveSubject: not a system.user.* id: %q", user)
		}
		return &Subject{User: user}
	}

	userObj := e.store.Get(user)
	if userObj == nil {
		if e.log != nil {
			e.log.Warnf("resolveSubject: unknown user: %q", user)
		}
		return &Subject{User: user}
	}

	subject := &Subject{User: user}

	for _, groupID := range e.store.RangeIDs("system.group.") {
		if !systemGroupPattern.MatchString(groupID) {
			continue
		}
		groupObj := e.store.Get(groupID)
		if groupObj == nil {
			continue
		}
		if !groupHasMember(groupObj, user) {
			continue
		}
		subject.Groups = append(subject.Groups, groupID)

		if groupID == AdminGroup {
			subject.ACL = FullSubjectACL()
			continue
		}
		subject.ACL = subject.ACL.Or(groupSubjectACL(groupObj))
	}

	return subject
}

func groupHasMember(group map[string]interface{}, user string) bool {
	common, _ := group["common"].(map[string]interface{})
	if common == nil {
		return false
	}
	members, ok := common["members"].([]interface{})
	if !ok {
		return false
	}
	for _, m := range members {
		if name, ok := m.(string); ok && name == user {
			return true
		}
	}
	return false
}

func groupSubjectACL(group map[string]interface{}) SubjectACL {
	common, _ := group["common"].(map[string]interface{})
	if common == nil {
		return SubjectACL{}
	}
	acl, _ := common["acl"].(map[string]interface{})
	if acl == nil {
		return SubjectACL{}
	}
	return SubjectACL{
		Object: permSetFrom(acl["object"]),
		File:   permSetFrom(acl["file"]),
		Users:  permSetFrom(acl["users"]),
	}
}

func permSetFrom(raw interface{}) PermSet {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return PermSet{}
	}
	return PermSet{
		List:   boolField(m, "list"),
		Read:   boolField(m, "read"),
		Write:  boolField(m, "write"),
		Create: boolField(m, "create"),
		Delete: boolField(m, "delete"),
	}
}

func boolField(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// CheckObject evaluates whether subject may perform op on id. existing is
// the object as currently stored (nil if it does not exist yet, e.g. a
// create). Denial is always the uniform fault.ErrPermissionDenied; the
// underlying reason, if any, is only ever logged.
func (e *Engine) CheckObject(id string, subject *Subject, op string, existing map[string]interface{}) error {
	if subject.IsAdmin() {
		return nil
	}

	if systemUsersOrGroupsPattern.MatchString(id) {
		if !subject.ACL.Users.Allow(op) {
			e.deny(subject, "object:users-realm", id, op)
			return fault.ErrPermissionDenied
		}
	}

	if !subject.ACL.Object.Allow(op) {
		e.deny(subject, "object:realm", id, op)
		return fault.ErrPermissionDenied
	}

	if existing == nil {
		// list on a non-existent id bypasses the per-object ACL check;
		// every other op ends here having already passed the realm gate
		// (create semantics have no prior object to check ownership against).
		return nil
	}

	rawACL, _ := existing["acl"].(map[string]interface{})
	if rawACL == nil {
		return nil
	}

	owner, _ := rawACL["owner"].(string)
	ownerGroup, _ := rawACL["ownerGroup"].(string)
	perms := intField(rawACL, "object")

	// delete maps to write for per-object bit evaluation
	bit := requiredBit(op)
	if op == OpDelete {
		bit = BitWrite
	}
	if bit == 0 {
		return nil
	}

	if !evalBits(subject, owner, ownerGroup, perms, bit) {
		e.deny(subject, "object:owner-bits", id, op)
		return fault.ErrPermissionDenied
	}

	return nil
}

// CheckFile evaluates read/write access to (id, name). lookup resolves the
// sidecar entry's ACL for name; a missing entry (file does not yet exist)
// is allowed through this check, since creation is governed by the write
// gate on the realm alone.
type FileACLLookup func(id, name string) (owner, ownerGroup string, perms int, exists bool)

func (e *Engine) CheckFile(id, name string, subject *Subject, flag int, lookup FileACLLookup) error {
	if subject.IsAdmin() {
		return nil
	}

	allow := subject.ACL.File.Read
	if flag == BitWrite {
		allow = subject.ACL.File.Write
	}
	if !allow {
		e.deny(subject, "file:realm", id+"/"+name, "")
		return fault.ErrPermissionDenied
	}

	owner, ownerGroup, perms, exists := lookup(id, name)
	if !exists {
		return nil
	}

	if !evalBits(subject, owner, ownerGroup, perms, flag) {
		e.deny(subject, "file:owner-bits", id+"/"+name, "")
		return fault.ErrPermissionDenied
	}

	return nil
}

func requiredBit(op string) int {
	switch op {
	case OpRead, OpList:
		return BitRead
	case OpWrite, OpCreate:
		return BitWrite
	default:
		return 0
	}
}

func evalBits(subject *Subject, owner, ownerGroup string, perms, bit int) bool {
	shift := ShiftEveryone
	if subject.User != "" && subject.User == owner {
		shift = ShiftUser
	} else if ownerGroup != "" && hasGroup(subject, ownerGroup) {
		shift = ShiftGroup
	}
	return (perms>>uint(shift))&bit != 0
}

func hasGroup(subject *Subject, group string) bool {
	for _, g := range subject.Groups {
		if g == group {
			return true
		}
	}
	return false
}

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (e *Engine) deny(subject *Subject, reason, id, op string) {
	if e.log == nil {
		return
	}
	e.log.Debugf("permission denied: user=%q reason=%s id=%q op=%q", subject.User, reason, id, op)
}
