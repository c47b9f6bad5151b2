// SPDX-License-Identifier: ISC
// Copyright (c) 2014-2020 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package view_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitmark-inc/objectdbd/internal/view"
)

func TestApplyEmitsPerDocument(t *testing.T) {
	docs := []view.Document{
		{ID: "a.1", Fields: map[string]interface{}{"common": map[string]interface{}{"name": "X"}}},
		{ID: "a.2", Fields: map[string]interface{}{"common": map[string]interface{}{"name": "Y"}}},
	}

	rows, err := view.Apply(docs, view.Spec{Map: "emit(doc._id, doc.common.name)"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.1", rows[0].ID)
	assert.Equal(t, "X", rows[0].Value)
}

func TestApplyStatsReduction(t *testing.T) {
	docs := []view.Document{
		{ID: "a.1", Fields: map[string]interface{}{"amount": float64(3)}},
		{ID: "a.2", Fields: map[string]interface{}{"amount": float64(9)}},
		{ID: "a.3", Fields: map[string]interface{}{"amount": float64(5)}},
	}

	rows, err := view.Apply(docs, view.Spec{Map: "emit(doc._id, doc.amount)", Reduce: "_stats"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "_stats", rows[0].ID)
	assert.Equal(t, float64(9), rows[0].Value.(map[string]interface{})["max"])
}

func TestApplyStatsReductionEmptyInputYieldsNoRows(t *testing.T) {
	rows, err := view.Apply(nil, view.Spec{Map: "emit(doc._id, 1)", Reduce: "_stats"}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestApplySkipsFailingDocumentButContinues(t *testing.T) {
	docs := []view.Document{
		{ID: "bad", Fields: map[string]interface{}{}},
		{ID: "good", Fields: map[string]interface{}{"common": map[string]interface{}{"name": "ok"}}},
	}

	rows, err := view.Apply(docs, view.Spec{Map: "emit(doc._id, doc.common.name)"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "good", rows[0].ID)
}

func TestApplyCannotReachFilesystem(t *testing.T) {
	docs := []view.Document{{ID: "a", Fields: map[string]interface{}{}}}
	_, err := view.Apply(docs, view.Spec{Map: "io.open('/etc/passwd')"}, nil)
	assert.Error(t, err, "the io library must not be reachable from a map body")
}

func TestGetObjectViewUnknownDesignReturns404Equivalent(t *testing.T) {
	lookup := func(id string) map[string]interface{} { return nil }
	_, err := view.GetObjectView(lookup, "missing", "byName", nil, nil)
	assert.Equal(t, view.ErrUnknownView, err)
}

func TestGetObjectViewDelegatesToNamedSearch(t *testing.T) {
	designDoc := map[string]interface{}{
		"views": map[string]interface{}{
			"byName": map[string]interface{}{
				"map": "emit(doc._id, doc._id)",
			},
		},
	}
	lookup := func(id string) map[string]interface{} {
		if id == "_design/things" {
			return designDoc
		}
		return nil
	}
	docs := []view.Document{{ID: "a.1", Fields: map[string]interface{}{}}}
	rows, err := view.GetObjectView(lookup, "things", "byName", docs, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.1", rows[0].ID)
}
