// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package view runs the map/reduce-style "view" operation over a range
// of stored objects.
//
// Map bodies are re-architected per the mandated redesign from an
// eval-based script into a sandboxed gopher-lua chunk (grounded on
// configuration/luareader.go's lua.NewState/L.DoString shape): only the
// base, table, string and math libraries are opened — never OpenLibs, so
// a map body has no filesystem, process, or io access — and the sole
// bridge back into Go is the injected emit(key, value) global.
package view

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/bitmark-inc/logger"

	"github.com/bitmark-inc/objectdbd/fault"
)

// perDocumentTimeout bounds a single map invocation so a pathological
// body cannot stall the view.
const perDocumentTimeout = 100 * time.Millisecond

// ErrUnknownView is returned by GetObjectView when the named design
// document or search does not define a view.
var ErrUnknownView = fault.NotFoundError("Unknown design/search")

// Spec is one view definition: a map function body and an optional
// reduce name (only "_stats" is recognised).
type Spec struct {
	Map    string
	Reduce string
}

// Row is one emitted (or reduced) result.
type Row struct {
	ID    string
	Value interface{}
}

// Document is one object handed to the map function; ID is exposed to
// the map body as doc._id.
type Document struct {
	ID     string
	Fields map[string]interface{}
}

// Apply runs spec.Map over every document, in a single disposable Lua
// state, applying spec.Reduce ("_stats" or none) to the collected rows.
// A per-document failure (Lua error or timeout) is logged and the
// document skipped; it never aborts the whole view.
func Apply(documents []Document, spec Spec, log *logger.L) ([]Row, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	var rows []Row
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckAny(1)
		val := L.CheckAny(2)
		rows = append(rows, Row{ID: key.String(), Value: fromLua(val)})
		return 0
	}))

	mapSource := "return function(doc)\n" + spec.Map + "\nend"
	if err := L.DoString(mapSource); err != nil {
		return nil, fmt.Errorf("view: invalid map function: %w", err)
	}
	mapFn := L.Get(-1)
	L.Pop(1)

	for _, doc := range documents {
		fields := make(map[string]interface{}, len(doc.Fields)+1)
		for k, v := range doc.Fields {
			fields[k] = v
		}
		fields["_id"] = doc.ID

		ctx, cancel := context.WithTimeout(context.Background(), perDocumentTimeout)
		L.SetContext(ctx)

		docTable := toLua(L, fields)
		err := L.CallByParam(lua.P{Fn: mapFn, NRet: 0, Protect: true}, docTable)
		cancel()

		if err != nil {
			if log != nil {
				log.Warnf("view: map failed for %q: %v", doc.ID, err)
			}
			continue
		}
	}

	if spec.Reduce == "_stats" {
		rows = reduceStats(rows)
	}

	return rows, nil
}

func reduceStats(rows []Row) []Row {
	if len(rows) == 0 {
		return nil
	}
	max, ok := numeric(rows[0].Value)
	for _, r := range rows[1:] {
		if n, isNum := numeric(r.Value); isNum && (!ok || n > max) {
			max = n
			ok = true
		}
	}
	if !ok {
		return nil
	}
	return []Row{{ID: "_stats", Value: map[string]interface{}{"max": max}}}
}

func numeric(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// DesignLookup resolves "_design/<design>" objects, kept abstract so the
// view package does not import internal/objstore directly.
type DesignLookup func(id string) map[string]interface{}

// GetObjectView looks up _design/<design>.views[<search>] and runs it
// over documents. Unknown design/search yields ErrUnknownView.
func GetObjectView(lookup DesignLookup, design, search string, documents []Document, log *logger.L) ([]Row, error) {
	designDoc := lookup("_design/" + design)
	if designDoc == nil {
		return nil, ErrUnknownView
	}
	views, _ := designDoc["views"].(map[string]interface{})
	if views == nil {
		return nil, ErrUnknownView
	}
	viewDoc, ok := views[search].(map[string]interface{})
	if !ok {
		return nil, ErrUnknownView
	}
	mapBody, _ := viewDoc["map"].(string)
	reduce, _ := viewDoc["reduce"].(string)

	return Apply(documents, Spec{Map: mapBody, Reduce: reduce}, log)
}
