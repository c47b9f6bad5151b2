// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package objstore_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
	"github.com/bitmark-inc/objectdbd/internal/testutil"
)

type fakePublisher struct {
	events []event
}

type event struct {
	realm, id string
	obj       interface{}
}

func (f *fakePublisher) PublishAll(realm, id string, obj interface{}) {
	f.events = append(f.events, event{realm, id, obj})
}

type fakePersist struct {
	flushes int
	deleted bool
}

func (f *fakePersist) ScheduleFlush() { f.flushes++ }
func (f *fakePersist) DeleteSnapshot() error {
	f.deleted = true
	return nil
}

func newHarness() (*objstore.Store, *acl.Engine, *fakePublisher, *fakePersist) {
	store := &lateBoundLister{}
	engine := acl.New(store, nil)
	pub := &fakePublisher{}
	persist := &fakePersist{}
	s := objstore.New(engine, pub, persist)
	store.store = s
	return s, engine, pub, persist
}

// lateBoundLister defers to the Store created after the ACL engine, since
// New(engine, ...) needs the engine before the store exists.
type lateBoundLister struct {
	store *objstore.Store
}

func (l *lateBoundLister) RangeIDs(prefix string) []string { return l.store.RangeIDs(prefix) }
func (l *lateBoundLister) Get(id string) objstore.Object    { return l.store.Get(id) }

func adminSubject() *acl.Subject {
	return &acl.Subject{User: acl.AdminUser, Groups: []string{acl.AdminGroup}, ACL: acl.FullSubjectACL()}
}

func TestMain(m *testing.M) {
	testutil.SetupTestLogger()
	code := m.Run()
	testutil.TeardownTestLogger()
	os.Exit(code)
}

func TestSetObjectThenGetObjectClonesAndAssignsID(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"name": "X"},
		"native": map[string]interface{}{},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	got := s.GetObject("a.b")
	require.NotNil(t, got)
	assert.Equal(t, "a.b", got["_id"])
	common := got["common"].(map[string]interface{})
	assert.Equal(t, "X", common["name"])

	// mutating the returned clone must not affect the stored value
	common["name"] = "mutated"
	again := s.GetObject("a.b")
	assert.Equal(t, "X", again["common"].(map[string]interface{})["name"])
}

func TestSetObjectRejectsInvalidID(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a[b]", objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
	assert.True(t, fault.IsErrInvalid(err))
}

func TestExtendObjectDeepMerges(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"name": "X"},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	merged, err := s.ExtendObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"k": float64(1)},
	}, nil)
	require.NoError(t, err)

	common := merged["common"].(map[string]interface{})
	assert.Equal(t, "X", common["name"])
	assert.Equal(t, float64(1), common["k"])
}

// TestExtendObjectExplicitNullIsStoredAsIs covers Seed Scenario S2:
// preserveSettings only ever applies to setObject (matching the source),
// so a nested null in an extendObject partial is stored as-is rather
// than deleting the key or retaining the prior value.
func TestExtendObjectExplicitNullIsStoredAsIs(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"name": "X"},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	merged, err := s.ExtendObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"name": nil, "k": float64(1)},
	}, nil)
	require.NoError(t, err)

	common := merged["common"].(map[string]interface{})
	assert.Nil(t, common["name"])
	assert.Contains(t, common, "name")
	assert.Equal(t, float64(1), common["k"])
}

func TestSetThenDelRemovesFromKeys(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "d.y", objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DelObject(admin, "d.y"))

	assert.Nil(t, s.GetObject("d.y"))
	keys, err := s.GetKeys(admin, "*")
	require.NoError(t, err)
	assert.NotContains(t, keys, "d.y")
}

func TestDelObjectRefusesDontDelete(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "d.y", objstore.Object{
		"common": map[string]interface{}{"dontDelete": true},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	err = s.DelObject(admin, "d.y")
	assert.Equal(t, fault.ErrNonDeletable, err)
	assert.NotNil(t, s.GetObject("d.y"))
}

func TestGetObjectListRangeAndSkipUnderscore(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	for _, id := range []string{"a.1", "a.2", "b.1", "_hidden"} {
		_, err := s.SetObject(admin, id, objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
		require.NoError(t, err)
	}

	rows := s.GetObjectList("a.1", "a.9", false, true)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.1", rows[0].ID)
	assert.Equal(t, "a.2", rows[1].ID)

	all := s.GetObjectList("", "", false, true)
	for _, r := range all {
		assert.NotEqual(t, "_hidden", r.ID)
	}

	withDocs := s.GetObjectList("", "", true, true)
	found := false
	for _, r := range withDocs {
		if r.ID == "_hidden" {
			found = true
			require.NotNil(t, r.Doc)
		}
	}
	assert.True(t, found)
}

func TestDefaultACLBackPropagation(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "x", objstore.Object{"type": "state"}, objstore.SetOptions{})
	require.NoError(t, err)

	_, err = s.SetObject(admin, "system.config", objstore.Object{
		"common": map[string]interface{}{
			"defaultNewAcl": map[string]interface{}{
				"owner":      "u",
				"ownerGroup": "g",
				"object":     float64(0x664),
				"state":      float64(0x664),
				"file":       float64(0x664),
			},
		},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	x := s.GetObject("x")
	aclDoc := x["acl"].(map[string]interface{})
	assert.Equal(t, "u", aclDoc["owner"])
	assert.Equal(t, "g", aclDoc["ownerGroup"])
	assert.Equal(t, float64(0x664), aclDoc["object"])
	assert.Equal(t, float64(0x664), aclDoc["state"])
	_, hasFile := aclDoc["file"]
	assert.False(t, hasFile, "file bits must never live on an object acl")
}

func TestNonStateObjectNeverGetsStateACL(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "system.config", objstore.Object{
		"common": map[string]interface{}{
			"defaultNewAcl": map[string]interface{}{
				"owner": "u", "ownerGroup": "g",
				"object": float64(0x664), "state": float64(0x664),
			},
		},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	_, err = s.SetObject(admin, "plain", objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
	require.NoError(t, err)

	plain := s.GetObject("plain")
	aclDoc := plain["acl"].(map[string]interface{})
	_, hasState := aclDoc["state"]
	assert.False(t, hasState)
}

func TestFindObjectByExactIDAndByName(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{
		"common": map[string]interface{}{"name": "Widget"},
		"type":   "device",
	}, objstore.SetOptions{})
	require.NoError(t, err)

	byID, err := s.FindObject(admin, "a.b", "")
	require.NoError(t, err)
	require.NotNil(t, byID)

	byName, err := s.FindObject(admin, "Widget", "device")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, "a.b", byName["_id"])

	notFound, err := s.FindObject(admin, "Widget", "sensor")
	require.NoError(t, err)
	assert.Nil(t, notFound)
}

func TestGetObjectsPermissionErrorPerElement(t *testing.T) {
	s, _, _, _ := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "system.user.locked", objstore.Object{
		"acl": map[string]interface{}{"owner": "system.user.locked", "object": float64(0x700)},
	}, objstore.SetOptions{})
	require.NoError(t, err)

	stranger := &acl.Subject{User: "system.user.stranger", ACL: acl.SubjectACL{Object: acl.PermSet{Read: true}}}
	results, err := s.GetObjects(stranger, []string{"system.user.locked"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	m, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "permissionError", m["error"])
}

func TestGetObjectsNilKeysIsError(t *testing.T) {
	s, _, _, _ := newHarness()
	_, err := s.GetObjects(adminSubject(), nil)
	assert.Equal(t, fault.ErrNoKeys, err)
}

func TestPublisherReceivesEventsOnMutation(t *testing.T) {
	s, _, pub, persist := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
	require.NoError(t, err)
	require.NoError(t, s.DelObject(admin, "a.b"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, "a.b", pub.events[0].id)
	assert.NotNil(t, pub.events[0].obj)
	assert.Nil(t, pub.events[1].obj)
	assert.GreaterOrEqual(t, persist.flushes, 2)
}

func TestDestroyDBDeletesSnapshotOnly(t *testing.T) {
	s, _, _, persist := newHarness()
	admin := adminSubject()

	_, err := s.SetObject(admin, "a.b", objstore.Object{"common": map[string]interface{}{}}, objstore.SetOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DestroyDB())
	assert.True(t, persist.deleted)
	assert.NotNil(t, s.GetObject("a.b"), "destroyDB must not touch in-memory state")
}
