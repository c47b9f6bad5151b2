// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pubsub is the pattern-based subscription dispatcher: one
// ordered subscription list per realm per connection, plus a single
// process-local table for in-process observers (cmd/objectdbd creates
// its registry with no local sink).
//
// It generalizes the teacher's messagebus/queue.go "named Bus of queues"
// idiom: instead of a fixed set of package-level queues keyed by name,
// Table holds an ordered slice of subscriptions per realm, and Registry
// holds one Table per connection.
package pubsub

import (
	"regexp"
	"sync"

	"github.com/bitmark-inc/objectdbd/internal/glob"
)

// Options accompanies a subscription; kept opaque here since its shape is
// wire-defined and irrelevant to matching.
type Options map[string]interface{}

type subscription struct {
	pattern string
	regex   *regexp.Regexp
	options Options
}

// Event is delivered to a Sink on a match.
type Event struct {
	Realm string
	ID    string
	Obj   interface{}
}

// Sink receives matched events; a wire connection implements this over
// its own framed message(pattern, id, obj) push.
type Sink interface {
	Deliver(pattern, id string, obj interface{})
}

// Table is one subscriber's per-realm subscription lists.
type Table struct {
	mutex sync.Mutex
	subs  map[string][]subscription
	sink  Sink
}

// NewTable creates a Table delivering matches to sink.
func NewTable(sink Sink) *Table {
	return &Table{subs: make(map[string][]subscription), sink: sink}
}

// Subscribe appends pattern to realm's list if not already present.
func (t *Table) Subscribe(realm, pattern string, options Options) error {
	re, err := glob.Compile(pattern)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, s := range t.subs[realm] {
		if s.pattern == pattern {
			return nil
		}
	}
	t.subs[realm] = append(t.subs[realm], subscription{pattern: pattern, regex: re, options: options})
	return nil
}

// Unsubscribe removes the first entry matching pattern in realm.
func (t *Table) Unsubscribe(realm, pattern string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	list := t.subs[realm]
	for i, s := range list {
		if s.pattern == pattern {
			t.subs[realm] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// firstMatch returns the first subscription in realm matching id, and
// whether one was found. First-match-wins, by insertion order — this
// preserves the source's behavior of publishing only the first matching
// pattern per subscriber, flagged as an open question rather than fixed.
func (t *Table) firstMatch(realm, id string) (subscription, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, s := range t.subs[realm] {
		if s.regex.MatchString(id) {
			return s, true
		}
	}
	return subscription{}, false
}

// Registry holds one Table per live connection plus the process-local
// Table used by in-process observers.
type Registry struct {
	mutex  sync.Mutex
	tables map[*Table]bool
	local  *Table
}

// NewRegistry creates an empty registry with a process-local table
// delivering to localSink (nil disables local delivery).
func NewRegistry(localSink Sink) *Registry {
	return &Registry{
		tables: make(map[*Table]bool),
		local:  NewTable(localSink),
	}
}

// Local returns the process-local subscription table.
func (r *Registry) Local() *Table { return r.local }

// ConnectionCount returns the number of registered connection tables,
// for ambient operational metrics.
func (r *Registry) ConnectionCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.tables)
}

// SubscriptionCount returns the total subscription entries across every
// registered table and realm, for ambient operational metrics.
func (r *Registry) SubscriptionCount() int {
	r.mutex.Lock()
	tables := make([]*Table, 0, len(r.tables))
	for t := range r.tables {
		tables = append(tables, t)
	}
	r.mutex.Unlock()

	total := 0
	for _, t := range tables {
		total += t.subscriptionCount()
	}
	return total
}

func (t *Table) subscriptionCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n := 0
	for _, list := range t.subs {
		n += len(list)
	}
	return n
}

// Register adds a connection's table to the fan-out set.
func (r *Registry) Register(t *Table) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tables[t] = true
}

// Unregister drops a connection's table, e.g. on connection close.
func (r *Registry) Unregister(t *Table) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.tables, t)
}

// PublishAll fans (realm, id, obj) out to every connected table's first
// matching subscription, then independently to the process-local sink.
// The connection list is snapshotted under lock before iterating so a
// concurrent (un)registration cannot observe a torn broadcast.
func (r *Registry) PublishAll(realm, id string, obj interface{}) {
	r.mutex.Lock()
	snapshot := make([]*Table, 0, len(r.tables))
	for t := range r.tables {
		snapshot = append(snapshot, t)
	}
	r.mutex.Unlock()

	for _, t := range snapshot {
		if s, ok := t.firstMatch(realm, id); ok && t.sink != nil {
			t.sink.Deliver(s.pattern, id, obj)
		}
	}

	if s, ok := r.local.firstMatch(realm, id); ok && r.local.sink != nil {
		r.local.sink.Deliver(s.pattern, id, obj)
	}
}
