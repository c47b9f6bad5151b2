// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/internal/acl"
	"github.com/bitmark-inc/objectdbd/internal/facade"
	"github.com/bitmark-inc/objectdbd/internal/filestore"
	"github.com/bitmark-inc/objectdbd/internal/objstore"
	"github.com/bitmark-inc/objectdbd/internal/pubsub"
	"github.com/bitmark-inc/objectdbd/internal/testutil"
)

type lateBoundLister struct{ store *objstore.Store }

func (l *lateBoundLister) RangeIDs(prefix string) []string { return l.store.RangeIDs(prefix) }
func (l *lateBoundLister) Get(id string) objstore.Object    { return l.store.Get(id) }

type noPersist struct{}

func (noPersist) ScheduleFlush()        {}
func (noPersist) DeleteSnapshot() error { return nil }

func newTestFacade(t *testing.T) *facade.Facade {
	lister := &lateBoundLister{}
	engine := acl.New(lister, nil)
	registry := pubsub.NewRegistry(nil)
	objects := objstore.New(engine, registry, noPersist{})
	lister.store = objects
	files := filestore.New(t.TempDir(), engine, registry, objects, nil, false)
	return facade.New(objects, files, engine, registry, nil, "")
}

func TestMain(m *testing.M) {
	testutil.SetupTestLogger()
	code := m.Run()
	testutil.TeardownTestLogger()
	os.Exit(code)
}

func TestCallbackRoundTripsSetAndGet(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	arg := &connectionArgument{Log: logger.New(testutil.LogCategory), Facade: newTestFacade(t), User: acl.AdminUser}
	go Callback(server, arg)

	setReq, err := json.Marshal(request{ID: 1, Operation: "setObject", Args: map[string]interface{}{
		"id":  "a.b",
		"obj": map[string]interface{}{"common": map[string]interface{}{"name": "X"}},
	}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(client, setReq))

	setRespRaw, err := readFrame(client)
	require.NoError(t, err)
	var setResp response
	require.NoError(t, json.Unmarshal(setRespRaw, &setResp))
	assert.Empty(t, setResp.Error)

	getReq, err := json.Marshal(request{ID: 2, Operation: "getObject", Args: map[string]interface{}{"id": "a.b"}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(client, getReq))

	getRespRaw, err := readFrame(client)
	require.NoError(t, err)
	var getResp response
	require.NoError(t, json.Unmarshal(getRespRaw, &getResp))
	assert.Equal(t, uint64(2), getResp.ID)
}

func TestCallbackDeliversSubscriptionEvent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	f := newTestFacade(t)
	arg := &connectionArgument{Log: logger.New(testutil.LogCategory), Facade: f, User: acl.AdminUser}
	go Callback(server, arg)

	subReq, err := json.Marshal(request{ID: 1, Operation: "subscribe", Args: map[string]interface{}{"realm": "objects", "pattern": "a.*"}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(client, subReq))

	subRespRaw, err := readFrame(client)
	require.NoError(t, err)
	var subResp response
	require.NoError(t, json.Unmarshal(subRespRaw, &subResp))
	require.Empty(t, subResp.Error)

	go func() {
		f.Dispatch(facade.Request{Operation: "setObject", User: acl.AdminUser, Args: map[string]interface{}{
			"id": "a.b", "obj": map[string]interface{}{},
		}})
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := readFrame(client)
	require.NoError(t, err)

	var evt response
	require.NoError(t, json.Unmarshal(frame, &evt))
	assert.Equal(t, "message", evt.Event)
	assert.Equal(t, "a.b", evt.ObjID)
}
