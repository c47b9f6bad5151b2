// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filestore_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/filestore"
	"github.com/bitmark-inc/objectdbd/internal/testutil"
)

type emptyLister struct{}

func (emptyLister) RangeIDs(string) []string          { return nil }
func (emptyLister) Get(string) map[string]interface{} { return nil }

func adminSubject() *acl.Subject {
	return &acl.Subject{User: acl.AdminUser, Groups: []string{acl.AdminGroup}, ACL: acl.FullSubjectACL()}
}

func newHarness(t *testing.T) *filestore.Store {
	dir := t.TempDir()
	engine := acl.New(emptyLister{}, nil)
	return filestore.New(dir, engine, nil, nil, nil, false)
}

func TestMain(m *testing.M) {
	testutil.SetupTestLogger()
	code := m.Run()
	testutil.TeardownTestLogger()
	os.Exit(code)
}

func TestWriteThenReadFile(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, err := s.WriteFile(admin, "o", "a/b.txt", []byte("hi"), "", "", "", 0)
	require.NoError(t, err)

	data, mime, err := s.ReadFile(admin, "o", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
	assert.Equal(t, "text/plain", mime)
}

func TestReadDirBeforeAndAfterUnlink(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, err := s.WriteFile(admin, "o", "a/b.txt", []byte("hi"), "", "", "", 0)
	require.NoError(t, err)

	entries, err := s.ReadDir(admin, "o", "a", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)

	require.NoError(t, s.Unlink(admin, "o", "a/b.txt"))

	entries, err = s.ReadDir(admin, "o", "a", false)
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestReadFileMissingIsNotExists(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, _, err := s.ReadFile(admin, "o", "nope.txt")
	assert.Equal(t, fault.ErrNotExists, err)
}

func TestReadFileDeniedWithoutRealmGrant(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()
	require.NoError(t, mustWrite(s, admin))

	stranger := &acl.Subject{User: "system.user.stranger"}
	_, _, err := s.ReadFile(stranger, "o", "a/b.txt")
	assert.Equal(t, fault.ErrPermissionDenied, err)
}

func mustWrite(s *filestore.Store, admin *acl.Subject) error {
	_, err := s.WriteFile(admin, "o", "a/b.txt", []byte("hi"), "", "", "", 0)
	return err
}

func TestMkdirRefusesExisting(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	require.NoError(t, s.Mkdir(admin, "o", "dir1"))
	err := s.Mkdir(admin, "o", "dir1")
	assert.Equal(t, fault.ErrYetExists, err)
}

func TestRenameMovesSidecarAndBlob(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()
	require.NoError(t, mustWrite(s, admin))

	require.NoError(t, s.Rename(admin, "o", "a/b.txt", "a/c.txt"))

	_, _, err := s.ReadFile(admin, "o", "a/b.txt")
	assert.Equal(t, fault.ErrNotExists, err)

	data, _, err := s.ReadFile(admin, "o", "a/c.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestTouchUpdatesModifiedAt(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()
	require.NoError(t, mustWrite(s, admin))

	touched, err := s.Touch(admin, "o", "a/*")
	require.NoError(t, err)
	assert.Contains(t, touched, "a/b.txt")
}

func TestPathSanitationStripsTraversal(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, err := s.WriteFile(admin, "o", "../../etc/passwd", []byte("x"), "", "", "", 0)
	require.NoError(t, err)

	data, _, err := s.ReadFile(admin, "o", "etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestValidateIDRejectsTraversal(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, err := s.WriteFile(admin, "../escape", "a.txt", []byte("x"), "", "", "", 0)
	assert.True(t, fault.IsErrInvalid(err))
}

func TestBinaryFilesBypassDecodedCache(t *testing.T) {
	s := newHarness(t)
	admin := adminSubject()

	_, err := s.WriteFile(admin, "o", "pic.png", []byte{0x89, 'P', 'N', 'G'}, "", "", "", 0)
	require.NoError(t, err)

	data, mime, err := s.ReadFile(admin, "o", "pic.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, byte(0x89), data[0])
}
