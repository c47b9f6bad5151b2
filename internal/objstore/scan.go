// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package objstore

import "sort"

// rangeIDs returns the ids of index lying in [startkey, endkey] (both
// inclusive; an empty bound is unbounded on that side), generalizing the
// teacher's byte-range cursor to a sorted string index with sort.Search
// boundaries in place of a leveldb iterator.
func rangeIDs(index []string, startkey, endkey string) []string {
	lo := 0
	if startkey != "" {
		lo = sort.SearchStrings(index, startkey)
	}
	hi := len(index)
	if endkey != "" {
		hi = sort.Search(len(index), func(i int) bool { return index[i] > endkey })
	}
	if lo >= hi {
		return nil
	}
	out := make([]string, hi-lo)
	copy(out, index[lo:hi])
	return out
}
