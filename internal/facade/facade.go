// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package facade is the single entry point every transport operation
// calls through: normalize arguments, sanitize the target id, resolve
// the caller's ACL, dispatch to the object store, file store, or view
// executor, then hand the result back to the caller.
//
// It generalizes rpc/server.go's per-connection Callback: instead of a
// net/rpc codec bound to one Go method per request, Facade holds a
// name-dispatched table of operations, since the wire surface needs
// unsolicited server-push (subscription "message" events) interleaved
// with request/response on the same connection.
package facade

import (
	"crypto/subtle"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/fault"
	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/filestore"
	"github.com/bitmark-inc/objectdbd/internal/metrics"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
	"github.com/bitmark-inc/objectdbd/internal/pubsub"
)

// Request is one normalized operation invocation.
type Request struct {
	Operation string
	User      string
	Args      map[string]interface{}
}

// Response is the (result, error) pair returned to the transport, ready
// to be resolved as either a callback pair or a promise rejection.
type Response struct {
	Result interface{}
	Err    error
}

// Facade is the object realm, file realm, view executor and pub/sub
// registry wired together behind a single dispatch table.
type Facade struct {
	objects   *objstore.Store
	files     *filestore.Store
	acl       *acl.Engine
	pubsub    *pubsub.Registry
	log       *logger.L
	authToken string

	ops map[string]facadeOp
}

type facadeOp func(f *Facade, subject *acl.Subject, args map[string]interface{}) (interface{}, error)

// New wires a Facade over the given stores and builds its dispatch
// table. authToken is the shared password spec.md's nonEdit guard
// compares a caller-supplied extendObject password against (the
// constructor's "auth" hook, per spec.md §6); an empty token means
// nonEdit objects can never be overwritten through the wire.
func New(objects *objstore.Store, files *filestore.Store, engine *acl.Engine, registry *pubsub.Registry, log *logger.L, authToken string) *Facade {
	f := &Facade{objects: objects, files: files, acl: engine, pubsub: registry, log: log, authToken: authToken}
	f.ops = map[string]facadeOp{
		"getObject":          opGetObject,
		"getKeys":            opGetKeys,
		"getObjects":         opGetObjects,
		"getObjectsByPattern": opGetObjectsByPattern,
		"getObjectList":      opGetObjectList,
		"setObject":          opSetObject,
		"extendObject":       opExtendObject,
		"delObject":          opDelObject,
		"chownObject":        opChownObject,
		"chmodObject":        opChmodObject,
		"findObject":         opFindObject,
		"destroyDB":          opDestroyDB,
		"getObjectView":      opGetObjectView,

		"writeFile":       opWriteFile,
		"readFile":        opReadFile,
		"unlink":          opUnlink,
		"readDir":         opReadDir,
		"rename":          opRename,
		"touch":           opTouch,
		"rm":              opRm,
		"mkdir":           opMkdir,
		"chownFile":       opChownFile,
		"chmodFile":       opChmodFile,
		"enableFileCache": opEnableFileCache,
		"insert":          opInsert,
		"destroy":         opDestroy,

		"subscribe":   opSubscribe,
		"unsubscribe": opUnsubscribe,
	}
	return f
}

// Dispatch is the six-step shape: resolve the caller's ACL subject, then
// call the named operation with the already-sanitized argument map. The
// transport layer is responsible for step (1) normalize (options-as-
// callback compatibility) before Args reaches here, and for step (5)
// returning the Response via callback or promise.
func (f *Facade) Dispatch(req Request) Response {
	op, ok := f.ops[req.Operation]
	if !ok {
		return Response{Err: fault.InvalidError("unknown operation: " + req.Operation)}
	}

	subject := f.acl.ResolveSubject(req.User)

	result, err := op(f, subject, req.Args)
	return Response{Result: result, Err: err}
}

// Subscriptions returns the pub/sub registry so the transport can
// register/unregister a connection's Table and hook Deliver into its
// own framing.
func (f *Facade) Subscriptions() *pubsub.Registry { return f.pubsub }

// nonEditChecker builds the checkNonEditable predicate ExtendObject
// calls when the existing object is marked common.nonEdit: the
// caller-supplied password must match the configured authToken. The
// comparison is constant-time: authToken is a live secret compared on
// every call, not a stored hash, so there is nothing here for a
// passphrase KDF to derive.
func (f *Facade) nonEditChecker(password string) func(old, new objstore.Object) bool {
	return func(old, new objstore.Object) bool {
		return f.authToken != "" && subtle.ConstantTimeCompare([]byte(password), []byte(f.authToken)) == 1
	}
}

// Stats implements internal/metrics.Snapshotter.
func (f *Facade) Stats() metrics.Stats {
	return metrics.Stats{
		Objects:       len(f.objects.RangeIDs("")),
		Files:         f.files.Count(),
		Connections:   f.pubsub.ConnectionCount(),
		Subscriptions: f.pubsub.SubscriptionCount(),
	}
}
