// Copyright 2025 The shmdb Authors
// This file is part of shmdb.
//
// shmdb is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// shmdb is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with shmdb. If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/shmdb/catalog"
	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/treapindex"
	"github.com/erigontech/shmdb/txn"
)

type widgetCmp struct{}

func (widgetCmp) Compare(a, b []byte) int { return bytes.Compare(a[:8], b[:8]) }

type widgetMatcher struct{ key [8]byte }

func newWidgetMatcher(id uint64) widgetMatcher {
	var m widgetMatcher
	binary.LittleEndian.PutUint64(m.key[:], id)
	return m
}

func (m widgetMatcher) Match(payload []byte) int { return bytes.Compare(m.key[:], payload[:8]) }

func widgetPayload(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}

// evenOnlyFilter rejects any payload whose id is odd, exercising
// entity.Matcher as a post-filter both on an indexed hit and on a full
// scan.
type evenOnlyFilter struct{}

func (evenOnlyFilter) Matches(payload []byte) bool {
	return binary.LittleEndian.Uint64(payload[:8])%2 == 0
}

// descByID orders widget payloads highest-id-first, exercising
// entity.Sorter on a full-scan cursor.
type descByID struct{}

func (descByID) Less(a, b []byte) bool {
	return binary.LittleEndian.Uint64(a[:8]) > binary.LittleEndian.Uint64(b[:8])
}

type testEnv struct {
	txns *txn.Table
	cat  *catalog.Table
	reg  Registry
}

func newTestEnv(t *testing.T, maxLine uint64) *testEnv {
	t.Helper()
	dir := t.TempDir()

	txnRegion, err := shm.Create(filepath.Join(dir, "$.table"), txn.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { txnRegion.Close() })
	txns := txn.Init(txnRegion, maxLine, 1000)

	entriesRegion, err := shm.Create(filepath.Join(dir, "entries.table"), catalog.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { entriesRegion.Close() })
	entries := entity.Init(entriesRegion, txns, "entries", maxLine, catalog.EntrySize, 1000)

	catNodesRegion, err := shm.Create(filepath.Join(dir, "catnodes.table"), treapindex.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { catNodesRegion.Close() })
	catNodes := entity.Init(catNodesRegion, txns, "catnodes", maxLine, treapindex.NodeSize, 1000)

	catTree := treapindex.New(catNodes, entries, catalog.Indexer)
	cat := catalog.New(entries, catTree)

	baseRegion, err := shm.Create(filepath.Join(dir, "widgets.table"), entity.Size(maxLine, 8))
	require.NoError(t, err)
	t.Cleanup(func() { baseRegion.Close() })
	base := entity.Init(baseRegion, txns, "widgets", maxLine, 8, 1000)

	ixNodesRegion, err := shm.Create(filepath.Join(dir, "ixnodes.table"), treapindex.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { ixNodesRegion.Close() })
	ixNodes := entity.Init(ixNodesRegion, txns, "ixnodes", maxLine, treapindex.NodeSize, 1000)
	ixTree := treapindex.New(ixNodes, base, widgetCmp{})

	// Bootstrap the catalog entry for "by_id" the way shminit would: txn
	// region locked first, entity regions after.
	trid, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, txnRegion.Acquire(shm.Write))
	require.NoError(t, entriesRegion.Acquire(shm.Write))
	require.NoError(t, catNodesRegion.Acquire(shm.Write))
	_, newRoot, err := cat.CreateEntry(trid, entity.RowID(txns.IndexRootMaster()), "by_id", "widgets", entity.Invalid)
	require.NoError(t, err)
	require.NoError(t, txns.SetIndexRoot(trid, int64(newRoot)))
	catNodesRegion.Release()
	entriesRegion.Release()
	txnRegion.Release()
	require.NoError(t, txns.Commit(trid, func(tr txn.TID, root int64) bool { return cat.RootVisible(tr, entity.RowID(root)) }))

	reg := Registry{"by_id": &IndexHandle{Base: base, Tree: ixTree}}
	return &testEnv{txns: txns, cat: cat, reg: reg}
}

func TestInsertThenFindRoundTrips(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, err = conn.Insert("by_id", widgetPayload(7))
	require.NoError(err)
	require.NoError(conn.Commit())

	conn2, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, payload, found, err := conn2.Find("by_id", newWidgetMatcher(7), nil, false)
	require.NoError(err)
	require.True(found)
	require.Equal(uint64(7), binary.LittleEndian.Uint64(payload))
	require.NoError(conn2.Commit())
}

func TestFindUnknownIndexFails(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, _, _, err = conn.Find("no_such_index", newWidgetMatcher(1), nil, false)
	require.Error(err)
	require.NoError(conn.Abort())
}

func TestUncommittedInsertInvisibleToOtherConnection(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	writer, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, err = writer.Insert("by_id", widgetPayload(11))
	require.NoError(err)

	reader, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, _, found, err := reader.Find("by_id", newWidgetMatcher(11), nil, false)
	require.NoError(err)
	require.False(found, "uncommitted insert must not be visible to a concurrent reader")

	require.NoError(writer.Commit())
	require.NoError(reader.Abort())
}

func TestDeleteRemovesRow(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	target, err := conn.Insert("by_id", widgetPayload(3))
	require.NoError(err)
	require.NoError(conn.Commit())

	deleter, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	require.NoError(deleter.Delete("by_id", target))
	require.NoError(deleter.Commit())

	reader, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, _, found, err := reader.Find("by_id", newWidgetMatcher(3), nil, false)
	require.NoError(err)
	require.False(found)
	require.NoError(reader.Abort())
}

func TestUpdateRelinksIndexOnCopyOnWrite(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	target, err := conn.Insert("by_id", widgetPayload(4))
	require.NoError(err)
	require.NoError(conn.Commit())

	updater, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	newRow, err := updater.Update("by_id", target, widgetPayload(4))
	require.NoError(err)
	require.NotEqual(target, newRow, "committed row forces copy-on-write row")
	require.NoError(updater.Commit())

	reader, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	row, _, found, err := reader.Find("by_id", newWidgetMatcher(4), nil, false)
	require.NoError(err)
	require.True(found)
	require.Equal(newRow, row)
	require.NoError(reader.Abort())
}

func TestRunCommitsOnSuccess(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	err := Run(context.Background(), env.txns, env.cat, env.reg, Serializable, DefaultRetryConfig, func(conn *Connection) error {
		_, err := conn.Insert("by_id", widgetPayload(99))
		return err
	})
	require.NoError(err)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, _, found, err := conn.Find("by_id", newWidgetMatcher(99), nil, false)
	require.NoError(err)
	require.True(found)
	require.NoError(conn.Abort())
}

func TestOpenCursorIndexedFiltersDefaultMatcher(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, err = conn.Insert("by_id", widgetPayload(7))
	require.NoError(err)
	require.NoError(conn.Commit())

	reader, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)

	// The index hit exists, but the default_matcher rejects it: the
	// cursor must come back empty rather than surfacing the row.
	cur, err := reader.OpenCursor("by_id", newWidgetMatcher(7), evenOnlyFilter{}, nil, false)
	require.NoError(err)
	require.Equal(0, cur.Len())
	_, _, ok := cur.Next()
	require.False(ok)

	// An id that was never inserted yields an empty cursor.
	cur2, err := reader.OpenCursor("by_id", newWidgetMatcher(8), nil, nil, false)
	require.NoError(err)
	require.Equal(0, cur2.Len(), "id 8 was never inserted")
	require.NoError(reader.Abort())
}

func TestOpenCursorFullScanAppliesFilterAndSorter(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	for _, id := range []uint64{1, 2, 3, 4} {
		_, err = conn.Insert("by_id", widgetPayload(id))
		require.NoError(err)
	}
	require.NoError(conn.Commit())

	reader, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)

	// No IndexMatcher: falls back to a full scan, filtered to even ids
	// and ordered highest-first by the Sorter.
	cur, err := reader.OpenCursor("by_id", nil, evenOnlyFilter{}, descByID{}, false)
	require.NoError(err)
	require.Equal(2, cur.Len())

	_, payload, ok := cur.Next()
	require.True(ok)
	require.Equal(uint64(4), binary.LittleEndian.Uint64(payload))

	_, payload, ok = cur.Next()
	require.True(ok)
	require.Equal(uint64(2), binary.LittleEndian.Uint64(payload))

	_, _, ok = cur.Next()
	require.False(ok, "cursor exhausted after its own row-id sequence")

	require.NoError(reader.Abort())
}

func TestOpenCursorFullScanForUpdateLocksRows(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t, 32)

	conn, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, err = conn.Insert("by_id", widgetPayload(1))
	require.NoError(err)
	require.NoError(conn.Commit())

	locker, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	cur, err := locker.OpenCursor("by_id", nil, nil, nil, true)
	require.NoError(err)
	require.Equal(1, cur.Len())

	blocked, err := Begin(env.txns, env.cat, env.reg, Serializable)
	require.NoError(err)
	_, _, _, err = blocked.Find("by_id", newWidgetMatcher(1), nil, true)
	require.Error(err, "row locked by an uncommitted full-scan-for-update must not be grabbable")

	require.NoError(blocked.Abort())
	require.NoError(locker.Commit())
}
