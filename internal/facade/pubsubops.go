// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package facade

import (
	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/pubsub"
)

// connectionTableArg extracts the caller's per-connection subscription
// table; the transport stashes one *pubsub.Table per connection and
// passes it through on every subscribe/unsubscribe call.
func connectionTableArg(args map[string]interface{}) *pubsub.Table {
	t, _ := args["table"].(*pubsub.Table)
	return t
}

// realmListPermitted reports whether subject holds list on the realm a
// subscription targets.
func realmListPermitted(subject *acl.Subject, realm string) bool {
	if subject.IsAdmin() {
		return true
	}
	switch realm {
	case "files":
		return subject.ACL.File.List
	default:
		return subject.ACL.Object.List
	}
}

func opSubscribe(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	table := connectionTableArg(args)
	if table == nil {
		return nil, fault.ErrInvalidParameter
	}
	realm := stringArg(args, "realm")

	if !realmListPermitted(subject, realm) {
		return nil, fault.ErrPermissionDenied
	}

	// pubsub.Options is a named map type; a JSON-decoded "options" object
	// arrives as the anonymous map[string]interface{} and never satisfies
	// a direct assertion against the named type.
	var options pubsub.Options
	if m, ok := args["options"].(map[string]interface{}); ok {
		options = pubsub.Options(m)
	}
	return nil, table.Subscribe(realm, stringArg(args, "pattern"), options)
}

func opUnsubscribe(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	table := connectionTableArg(args)
	if table == nil {
		return nil, fault.ErrInvalidParameter
	}
	table.Unsubscribe(stringArg(args, "realm"), stringArg(args, "pattern"))
	return nil, nil
}
