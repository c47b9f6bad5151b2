// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package acl_test

import (
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/testutil"
)

type fakeStore struct {
	objects map[string]map[string]interface{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]map[string]interface{})}
}

func (f *fakeStore) put(id string, obj map[string]interface{}) {
	f.objects[id] = obj
}

func (f *fakeStore) Get(id string) map[string]interface{} {
	return f.objects[id]
}

func (f *fakeStore) RangeIDs(prefix string) []string {
	var ids []string
	for id := range f.objects {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func fullACL() map[string]interface{} {
	full := map[string]interface{}{
		"list": true, "read": true, "write": true, "create": true, "delete": true,
	}
	return map[string]interface{}{"object": full, "file": full, "users": full}
}

func readOnlyACL() map[string]interface{} {
	ro := map[string]interface{}{
		"list": true, "read": true, "write": false, "create": false, "delete": false,
	}
	none := map[string]interface{}{}
	return map[string]interface{}{"object": ro, "file": ro, "users": none}
}

func TestMain(m *testing.M) {
	testutil.SetupTestLogger()
	code := m.Run()
	testutil.TeardownTestLogger()
	os.Exit(code)
}

func TestResolveSubjectAdminShortcut(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)

	subject := e.ResolveSubject(acl.AdminUser)
	assert.True(t, subject.IsAdmin())
	assert.True(t, subject.ACL.Object.Delete)
	assert.True(t, subject.ACL.File.Write)
}

func TestResolveSubjectUnknownUser(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)

	subject := e.ResolveSubject("system.user.ghost")
	assert.False(t, subject.IsAdmin())
	assert.False(t, subject.ACL.Object.Read)
}

func TestResolveSubjectGroupMembership(t *testing.T) {
	store := newFakeStore()
	store.put("system.user.bob", map[string]interface{}{"common": map[string]interface{}{}})
	store.put("system.group.readers", map[string]interface{}{
		"common": map[string]interface{}{
			"members": []interface{}{"system.user.bob"},
			"acl":     readOnlyACL(),
		},
	})
	e := acl.New(store, nil)

	subject := e.ResolveSubject("system.user.bob")
	assert.False(t, subject.IsAdmin())
	assert.True(t, subject.ACL.Object.Read)
	assert.False(t, subject.ACL.Object.Write)
	assert.Contains(t, subject.Groups, "system.group.readers")
}

func TestResolveSubjectMultipleGroupsOrMerge(t *testing.T) {
	store := newFakeStore()
	store.put("system.user.carol", map[string]interface{}{})
	store.put("system.group.readers", map[string]interface{}{
		"common": map[string]interface{}{
			"members": []interface{}{"system.user.carol"},
			"acl":     readOnlyACL(),
		},
	})
	store.put("system.group.writers", map[string]interface{}{
		"common": map[string]interface{}{
			"members": []interface{}{"system.user.carol"},
			"acl": map[string]interface{}{
				"object": map[string]interface{}{"write": true},
				"file":   map[string]interface{}{},
				"users":  map[string]interface{}{},
			},
		},
	})
	e := acl.New(store, nil)

	subject := e.ResolveSubject("system.user.carol")
	assert.True(t, subject.ACL.Object.Read, "read from readers group should survive the OR merge")
	assert.True(t, subject.ACL.Object.Write, "write from writers group should survive the OR merge")
}

func TestResolveSubjectAdministratorGroupGrantsFull(t *testing.T) {
	store := newFakeStore()
	store.put("system.user.dave", map[string]interface{}{})
	store.put(acl.AdminGroup, map[string]interface{}{
		"common": map[string]interface{}{
			"members": []interface{}{"system.user.dave"},
		},
	})
	e := acl.New(store, nil)

	subject := e.ResolveSubject("system.user.dave")
	assert.True(t, subject.IsAdmin())
	assert.True(t, subject.ACL.Object.Delete)
}

func TestCheckObjectDeniesWithoutRealmGrant(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)
	subject := &acl.Subject{User: "system.user.nobody"}

	err := e.CheckObject("my.thing", subject, acl.OpRead, nil)
	assert.Equal(t, fault.ErrPermissionDenied, err)
}

func TestCheckObjectOwnerBits(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)
	subject := &acl.Subject{
		User: "system.user.eve",
		ACL:  acl.SubjectACL{Object: acl.PermSet{Read: true, Write: true, List: true}},
	}

	existing := map[string]interface{}{
		"acl": map[string]interface{}{
			"owner":      "system.user.eve",
			"ownerGroup": "system.group.staff",
			"object":     float64(0x700), // rwx for owner only
		},
	}

	assert.NoError(t, e.CheckObject("my.thing", subject, acl.OpRead, existing))
	assert.NoError(t, e.CheckObject("my.thing", subject, acl.OpWrite, existing))

	stranger := &acl.Subject{
		User: "system.user.mallory",
		ACL:  acl.SubjectACL{Object: acl.PermSet{Read: true, Write: true}},
	}
	err := e.CheckObject("my.thing", stranger, acl.OpRead, existing)
	assert.Equal(t, fault.ErrPermissionDenied, err)
}

func TestCheckObjectUsersRealmGate(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)
	subject := &acl.Subject{
		User: "system.user.frank",
		ACL: acl.SubjectACL{
			Object: acl.PermSet{Write: true, Create: true},
			Users:  acl.PermSet{},
		},
	}

	err := e.CheckObject("system.user.newguy", subject, acl.OpCreate, nil)
	assert.Equal(t, fault.ErrPermissionDenied, err)
}

func TestCheckFileRealmAndOwnerBits(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)
	subject := &acl.Subject{
		User: "system.user.gina",
		ACL:  acl.SubjectACL{File: acl.PermSet{Read: true, Write: true}},
	}

	lookupExists := func(id, name string) (string, string, int, bool) {
		return "system.user.gina", "", 0x700, true
	}
	assert.NoError(t, e.CheckFile("thing.id", "photo.png", subject, acl.BitRead, lookupExists))

	lookupOther := func(id, name string) (string, string, int, bool) {
		return "system.user.someoneelse", "", 0x700, true
	}
	err := e.CheckFile("thing.id", "photo.png", subject, acl.BitRead, lookupOther)
	assert.Equal(t, fault.ErrPermissionDenied, err)
}

func TestCheckFileMissingSidecarAllowsThroughRealmGate(t *testing.T) {
	store := newFakeStore()
	e := acl.New(store, nil)
	subject := &acl.Subject{
		User: "system.user.hank",
		ACL:  acl.SubjectACL{File: acl.PermSet{Write: true}},
	}
	lookupMissing := func(id, name string) (string, string, int, bool) {
		return "", "", 0, false
	}
	assert.NoError(t, e.CheckFile("thing.id", "new.txt", subject, acl.BitWrite, lookupMissing))
}

func TestInvalidateDropsCache(t *testing.T) {
	store := newFakeStore()
	store.put("system.user.ivy", map[string]interface{}{})
	e := acl.New(store, nil)

	first := e.ResolveSubject("system.user.ivy")
	assert.False(t, first.IsAdmin())

	store.put("system.group.readers", map[string]interface{}{
		"common": map[string]interface{}{
			"members": []interface{}{"system.user.ivy"},
			"acl":     fullACL(),
		},
	})
	e.Invalidate("system.user.ivy")

	second := e.ResolveSubject("system.user.ivy")
	assert.True(t, second.ACL.Object.Delete)
}
