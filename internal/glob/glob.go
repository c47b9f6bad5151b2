// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package glob compiles the single wildcard syntax used across the
// object store, the pub/sub dispatcher and the file store: '*' matches
// any run of characters, everything else is literal.
package glob

import (
	"regexp"
	"strings"
)

// Compile turns pattern into an anchored regular expression: every
// character is escaped except '*', which becomes ".*".
func Compile(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// MustCompile is Compile, panicking on a malformed pattern. Patterns here
// are never attacker-controlled regex, only glob text, so this never
// panics in practice once Compile is exercised by tests.
func MustCompile(pattern string) *regexp.Regexp {
	re, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return re
}
