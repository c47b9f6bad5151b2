// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package facade

import (
	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
)

func bytesArg(args map[string]interface{}, key string) []byte {
	switch v := args[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func opWriteFile(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.WriteFile(
		subject,
		stringArg(args, "id"),
		stringArg(args, "name"),
		bytesArg(args, "data"),
		stringArg(args, "mimeType"),
		stringArg(args, "owner"),
		stringArg(args, "ownerGroup"),
		intArg(args, "mode"),
	)
}

func opReadFile(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	data, mimeType, err := f.files.ReadFile(subject, stringArg(args, "id"), stringArg(args, "name"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": data, "mimeType": mimeType}, nil
}

func opUnlink(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return nil, f.files.Unlink(subject, stringArg(args, "id"), stringArg(args, "name"))
}

func opReadDir(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	filter := false
	if options, ok := args["options"].(map[string]interface{}); ok {
		filter = boolArg(options, "filter")
	}
	return f.files.ReadDir(subject, stringArg(args, "id"), stringArg(args, "name"), filter)
}

func opRename(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return nil, f.files.Rename(subject, stringArg(args, "id"), stringArg(args, "oldName"), stringArg(args, "newName"))
}

func opTouch(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.Touch(subject, stringArg(args, "id"), stringArg(args, "pattern"))
}

func opRm(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.Rm(subject, stringArg(args, "id"), stringArg(args, "pattern"))
}

func opMkdir(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return nil, f.files.Mkdir(subject, stringArg(args, "id"), stringArg(args, "dirname"))
}

func opChownFile(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.ChownFile(subject, stringArg(args, "id"), stringArg(args, "pattern"), stringArg(args, "owner"), stringArg(args, "ownerGroup"))
}

func opChmodFile(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.ChmodFile(subject, stringArg(args, "id"), stringArg(args, "pattern"), intArg(args, "mode"))
}

func opEnableFileCache(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	f.files.EnableFileCache(boolArg(args, "enabled"))
	return nil, nil
}

// opDestroy forces a synchronous flush of every dirty sidecar, distinct
// from destroyDB (which drops the object-store snapshot on disk).
func opDestroy(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	if !subject.IsAdmin() {
		return nil, fault.ErrPermissionDenied
	}
	f.files.Destroy()
	return nil, nil
}

// opInsert returns the stream sink; the transport writes chunks to it as
// they arrive and calls Close to flush the accumulated bytes via
// WriteFile.
func opInsert(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.files.Insert(
		subject,
		stringArg(args, "id"),
		stringArg(args, "name"),
		stringArg(args, "mimeType"),
		stringArg(args, "owner"),
		stringArg(args, "ownerGroup"),
		intArg(args, "mode"),
	), nil
}
