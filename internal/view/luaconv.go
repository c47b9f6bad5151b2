// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package view

import (
	lua "github.com/yuin/gopher-lua"
)

// toLua converts a JSON-decoded Go value (map[string]interface{},
// []interface{}, string, float64, bool, nil) into the equivalent Lua
// value. gluamapper only maps Lua→Go, so the reverse direction needed to
// hand a document to a map function is hand-rolled here, following
// gluamapper's own field-name convention (struct keys pass through
// unchanged).
func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case map[string]interface{}:
		table := L.NewTable()
		for k, val := range t {
			table.RawSetString(k, toLua(L, val))
		}
		return table
	case []interface{}:
		table := L.NewTable()
		for i, val := range t {
			table.RawSetInt(i+1, toLua(L, val))
		}
		return table
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value emitted by a map function back into a
// JSON-encodable Go value.
func fromLua(v lua.LValue) interface{} {
	switch t := v.(type) {
	case lua.LBool:
		return bool(t)
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case *lua.LTable:
		// treat as an array when every key is a contiguous 1..n integer,
		// otherwise as an object.
		maxIndex := 0
		isArray := true
		t.ForEach(func(key, _ lua.LValue) {
			n, ok := key.(lua.LNumber)
			if !ok {
				isArray = false
				return
			}
			if int(n) > maxIndex {
				maxIndex = int(n)
			}
		})
		if isArray && maxIndex == t.Len() {
			out := make([]interface{}, 0, maxIndex)
			for i := 1; i <= maxIndex; i++ {
				out = append(out, fromLua(t.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]interface{})
		t.ForEach(func(key, val lua.LValue) {
			out[key.String()] = fromLua(val)
		})
		return out
	default:
		return nil
	}
}
