// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filestore

import (
	"bytes"

	"github.com/bitmark-inc/objectdbd/internal/acl"
)

// Sink buffers a client's streamed bytes and commits them via WriteFile
// once the stream ends, backing the wire-level insert(id, name, options)
// operation.
type Sink struct {
	store      *Store
	subject    *acl.Subject
	id, name   string
	mimeType   string
	owner      string
	ownerGroup string
	mode       int
	buffer     bytes.Buffer
}

// Insert returns a Sink for streaming writes to (id, name).
func (s *Store) Insert(subject *acl.Subject, id, name, mimeType, owner, ownerGroup string, mode int) *Sink {
	return &Sink{store: s, subject: subject, id: id, name: name, mimeType: mimeType, owner: owner, ownerGroup: ownerGroup, mode: mode}
}

// Write implements io.Writer.
func (w *Sink) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

// Close flushes the buffered bytes via WriteFile.
func (w *Sink) Close() error {
	_, err := w.store.WriteFile(w.subject, w.id, w.name, w.buffer.Bytes(), w.mimeType, w.owner, w.ownerGroup, w.mode)
	return err
}
