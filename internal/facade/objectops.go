// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package facade

import (
	"encoding/json"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
)

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]interface{}, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func objectArg(args map[string]interface{}, key string) objstore.Object {
	obj, _ := args[key].(map[string]interface{})
	return obj
}

// stringSliceArg coerces a JSON-decoded array ([]interface{}, per
// encoding/json.Unmarshal into interface{}) into a []string, dropping
// non-string elements. A wire client can never produce a Go []string
// directly, so a plain .([]string) assertion always fails.
func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

// intArg coerces a JSON-decoded number (float64, per
// encoding/json.Unmarshal into interface{}) into an int. A wire client
// can never produce a Go int directly, so a plain .(int) assertion
// always fails.
func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// intPtrArg is intArg's counterpart for optional fields (opChmodObject's
// object/state), returning nil when the key is absent so the caller can
// tell "not supplied" from "supplied as zero".
func intPtrArg(args map[string]interface{}, key string) *int {
	if _, present := args[key]; !present {
		return nil
	}
	v := intArg(args, key)
	return &v
}

func opGetObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "id")
	existing := f.objects.Get(id)
	if existing == nil {
		return nil, nil
	}
	if err := f.acl.CheckObject(id, subject, acl.OpRead, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func opGetKeys(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.objects.GetKeys(subject, stringArg(args, "pattern"))
}

func opGetObjects(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.objects.GetObjects(subject, stringSliceArg(args, "keys"))
}

func opGetObjectsByPattern(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.objects.GetObjectsByPattern(subject, stringArg(args, "pattern"))
}

func opGetObjectList(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	rows := f.objects.GetObjectList(stringArg(args, "startkey"), stringArg(args, "endkey"), boolArg(args, "include_docs"), boolArg(args, "sorted"))
	// getObjectList has no per-row ACL filter in the source; filtering is
	// left to getObjectsByPattern-style callers. Rows are already clones.
	return rows, nil
}

func preserveSettingsArg(args map[string]interface{}) []string {
	return stringSliceArg(args, "preserveSettings")
}

func opSetObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "id")
	obj := objectArg(args, "obj")
	opts := objstore.SetOptions{
		Owner:            stringArg(args, "owner"),
		OwnerGroup:       stringArg(args, "ownerGroup"),
		PreserveSettings: preserveSettingsArg(args),
	}

	// objstore.SetObject publishes and schedules persistence internally
	// via the Publisher/PersistenceScheduler it was constructed with.
	return f.objects.SetObject(subject, id, obj, opts)
}

func opExtendObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "id")
	partial := objectArg(args, "partial")
	password := stringArg(args, "password")

	return f.objects.ExtendObject(subject, id, partial, f.nonEditChecker(password))
}

func opDelObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "id")
	if err := f.objects.DelObject(subject, id); err != nil {
		return nil, err
	}
	return nil, nil
}

func opChownObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	pattern := stringArg(args, "pattern")
	owner := stringArg(args, "owner")
	ownerGroup := stringArg(args, "ownerGroup")
	// each touched id is republished internally by objstore's storeLocked.
	return f.objects.ChownObject(subject, pattern, owner, ownerGroup)
}

func opChmodObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	opts := objstore.ChmodOptions{
		Object: intPtrArg(args, "object"),
		State:  intPtrArg(args, "state"),
	}

	return f.objects.ChmodObject(subject, stringArg(args, "pattern"), opts)
}

func opFindObject(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	return f.objects.FindObject(subject, stringArg(args, "idOrName"), stringArg(args, "type"))
}

func opDestroyDB(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	if !subject.IsAdmin() {
		return nil, fault.ErrPermissionDenied
	}
	return nil, f.objects.DestroyDB()
}
