// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package transport is the connection-level adapter: it demultiplexes
// operation names off the wire and calls internal/facade.Dispatch,
// pushing asynchronous "message" events on the same connection when a
// subscription matches.
//
// Framing is a 4-byte big-endian length prefix followed by a JSON
// document, chosen over net/rpc/jsonrpc because jsonrpc's codec has no
// room for an unsolicited server push interleaved with request/response
// traffic on one connection (see DESIGN.md).
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

const maxFrameSize = 16 * 1024 * 1024

var errFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// request is one client-issued operation call.
type request struct {
	ID        uint64                 `json:"id"`
	User      string                 `json:"user"`
	Operation string                 `json:"operation"`
	Args      map[string]interface{} `json:"args"`
}

// response answers a request by ID, or carries an asynchronous event
// when ID is zero.
type response struct {
	ID     uint64      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Event  string      `json:"event,omitempty"`
	Realm  string      `json:"realm,omitempty"`
	ObjID  string      `json:"objId,omitempty"`
}

func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return nil, errFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(body)))
	if _, err := w.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func decodeRequest(raw []byte) (request, error) {
	var req request
	err := json.Unmarshal(raw, &req)
	return req, err
}

func encodeResponse(resp response) ([]byte, error) {
	return json.Marshal(resp)
}
