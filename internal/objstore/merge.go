// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package objstore

// deepMerge recursively merges patch into base: nested objects merge
// key-wise, arrays and scalars are replaced wholesale. A patch value of
// nil deletes the key from the result only when preserve contains that
// key's dotted path segment name; elsewhere nil overwrites like any other
// scalar. base is not mutated; the merged result is a new map.
func deepMerge(base, patch map[string]interface{}, preserve map[string]bool) map[string]interface{} {
	result := cloneMap(base)
	if result == nil {
		result = make(map[string]interface{})
	}

	for key, patchVal := range patch {
		if patchVal == nil {
			if preserve[key] {
				delete(result, key)
				continue
			}
			result[key] = nil
			continue
		}

		if patchSub, ok := patchVal.(map[string]interface{}); ok {
			if baseSub, ok := result[key].(map[string]interface{}); ok {
				result[key] = deepMerge(baseSub, patchSub, preserve)
				continue
			}
			result[key] = deepMerge(nil, patchSub, preserve)
			continue
		}

		result[key] = cloneValue(patchVal)
	}

	return result
}

// cloneValue performs a structural deep copy of any JSON-decoded value:
// map[string]interface{}, []interface{}, or a scalar.
func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
