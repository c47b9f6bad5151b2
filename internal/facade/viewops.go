// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package facade

import (
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/view"
)

// documentsInRange resolves the document set a view runs over: every id
// in [startkey, endkey] the caller may read, converted to view.Document.
func (f *Facade) documentsInRange(subject *acl.Subject, startkey, endkey string) []view.Document {
	rows := f.objects.GetObjectList(startkey, endkey, true, true)
	docs := make([]view.Document, 0, len(rows))
	for _, row := range rows {
		if f.acl.CheckObject(row.ID, subject, acl.OpRead, row.Doc) != nil {
			continue
		}
		docs = append(docs, view.Document{ID: row.ID, Fields: row.Doc})
	}
	return docs
}

func opGetObjectView(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error) {
	docs := f.documentsInRange(subject, stringArg(args, "startkey"), stringArg(args, "endkey"))
	lookup := func(id string) map[string]interface{} { return f.objects.Get(id) }
	return view.GetObjectView(lookup, stringArg(args, "design"), stringArg(args, "search"), docs, f.log)
}
