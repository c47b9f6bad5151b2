// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transport

import (
	"io"
	"net"
	"sync"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/counter"
	"github.com/bitmark-inc/objectdbd/internal/facade"
	"github.com/bitmark-inc/objectdbd/internal/pubsub"
)

// connectionCount is a process-wide live connection tally, the same
// atomic-counter idiom rpc/server.go used around its jsonrpc codec loop.
var connectionCount counter.Counter

// ConnectionCount returns the number of connections currently inside
// Callback's read loop.
func ConnectionCount() uint64 { return connectionCount.Uint64() }

// connectionArgument is passed as the listener.Callback argument,
// generalizing rpc/server.go's serverArgument{Log, Server} to carry the
// façade instead of a net/rpc *rpc.Server.
type connectionArgument struct {
	Log    *logger.L
	Facade *facade.Facade
	User   string
	Allow  []*net.IPNet
}

// remoteAllowed reports whether conn's remote address falls inside one of
// allow's networks. An empty allow list means unrestricted, matching
// rpc/setup.go's "no allow entries configured" behavior.
func remoteAllowed(conn io.ReadWriteCloser, allow []*net.IPNet) bool {
	if len(allow) == 0 {
		return true
	}
	addrConn, ok := conn.(interface{ RemoteAddr() net.Addr })
	if !ok {
		return false
	}
	host, _, err := net.SplitHostPort(addrConn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, ipNet := range allow {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// connState holds one connection's write serialization and subscription
// table; Deliver runs on the publish goroutine while requests run on the
// connection's own read loop, so writes need a mutex.
type connState struct {
	mutex sync.Mutex
	conn  io.Writer
	table *pubsub.Table
}

func (c *connState) Deliver(pattern, id string, obj interface{}) {
	body, err := encodeResponse(response{Event: "message", Realm: pattern, ObjID: id, Result: obj})
	if err != nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_ = writeFrame(c.conn, body)
}

func (c *connState) writeResponse(resp response) error {
	body, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return writeFrame(c.conn, body)
}

// Callback is the listener.MultiListener per-connection entry point.
func Callback(conn io.ReadWriteCloser, argument interface{}) {
	arg := argument.(*connectionArgument)
	log := arg.Log

	if !remoteAllowed(conn, arg.Allow) {
		log.Warnf("connection rejected: remote address not in allow list")
		conn.Close()
		return
	}

	log.Infof("connection starting, count: %d", connectionCount.Increment())
	defer connectionCount.Decrement()
	defer log.Info("connection finished")
	defer conn.Close()

	registry := arg.Facade.Subscriptions()
	state := &connState{conn: conn}
	state.table = pubsub.NewTable(state)
	registry.Register(state.table)
	defer registry.Unregister(state.table)

	for {
		raw, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Errorf("frame read failed: %v", err)
			}
			return
		}

		req, err := decodeRequest(raw)
		if err != nil {
			log.Errorf("frame decode failed: %v", err)
			continue
		}

		args := req.Args
		if args == nil {
			args = make(map[string]interface{})
		}
		if req.Operation == "subscribe" || req.Operation == "unsubscribe" {
			args["table"] = state.table
		}

		user := req.User
		if user == "" {
			user = arg.User
		}
		resp := arg.Facade.Dispatch(facade.Request{Operation: req.Operation, User: user, Args: args})

		out := response{ID: req.ID, Result: resp.Result}
		if resp.Err != nil {
			out.Error = resp.Err.Error()
		}
		if err := state.writeResponse(out); err != nil {
			log.Errorf("frame write failed: %v", err)
			return
		}
	}
}
