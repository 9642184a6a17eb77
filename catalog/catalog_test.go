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

package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/treapindex"
	"github.com/erigontech/shmdb/txn"
)

func newFixture(t *testing.T, maxLine uint64) (*Table, *txn.Table) {
	t.Helper()
	dir := t.TempDir()

	txnRegion, err := shm.Create(filepath.Join(dir, "$.table"), txn.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { txnRegion.Close() })
	txns := txn.Init(txnRegion, maxLine, 1000)

	entriesRegion, err := shm.Create(filepath.Join(dir, "entries.table"), Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { entriesRegion.Close() })
	entries := entity.Init(entriesRegion, txns, "entries", maxLine, entrySize, 1000)

	nodesRegion, err := shm.Create(filepath.Join(dir, "nodes.table"), treapindex.Size(maxLine))
	require.NoError(t, err)
	t.Cleanup(func() { nodesRegion.Close() })
	nodes := entity.Init(nodesRegion, txns, "nodes", maxLine, treapindex.NodeSize, 1000)

	tree := treapindex.New(nodes, entries, Indexer)
	return New(entries, tree), txns
}

func acquireAll(t *testing.T, cat *Table, mode shm.Mode) {
	t.Helper()
	require.NoError(t, cat.Entries().Region().Acquire(mode))
	require.NoError(t, cat.Tree().Nodes().Region().Acquire(mode))
}

func releaseAll(cat *Table) {
	cat.Tree().Nodes().Region().Release()
	cat.Entries().Region().Release()
}

func TestCreateEntryThenLookup(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	_, root, err := cat.CreateEntry(trid, entity.Invalid, "by_id", "widgets", 42)
	require.NoError(err)
	releaseAll(cat)

	acquireAll(t, cat, shm.Read)
	defer releaseAll(cat)
	entry, found, err := cat.Lookup(trid, root, "by_id")
	require.NoError(err)
	require.True(found)
	require.Equal("by_id", entry.Name)
	require.Equal("widgets", entry.EntityName)
	require.Equal(entity.RowID(42), entry.Root)
}

func TestLookupMissingNameNotFound(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Read)
	defer releaseAll(cat)
	_, found, err := cat.Lookup(trid, entity.Invalid, "nope")
	require.NoError(err)
	require.False(found)
}

func TestUpdateRootInPlaceForOwnTransaction(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	entryRow, root, err := cat.CreateEntry(trid, entity.Invalid, "by_id", "widgets", 1)
	require.NoError(err)

	newEntryRow, newRoot, err := cat.UpdateRoot(trid, root, entryRow, 2)
	require.NoError(err)
	require.Equal(entryRow, newEntryRow, "same txn updating its own fresh entry stays in place")
	releaseAll(cat)

	acquireAll(t, cat, shm.Read)
	defer releaseAll(cat)
	entry, found, err := cat.Lookup(trid, newRoot, "by_id")
	require.NoError(err)
	require.True(found)
	require.Equal(entity.RowID(2), entry.Root)
}

func TestUpdateRootAcrossCommittedTransactionRepointsCatalog(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	writer, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	entryRow, root, err := cat.CreateEntry(writer, entity.Invalid, "by_id", "widgets", 1)
	require.NoError(err)
	releaseAll(cat)
	require.NoError(txns.Commit(writer, func(txn.TID, int64) bool { return false }))

	updater, err := txns.Begin()
	require.NoError(err)
	acquireAll(t, cat, shm.Write)
	newEntryRow, newRoot, err := cat.UpdateRoot(updater, root, entryRow, 9)
	require.NoError(err)
	require.NotEqual(entryRow, newEntryRow, "committed entry forces copy-on-write")
	releaseAll(cat)

	acquireAll(t, cat, shm.Read)
	defer releaseAll(cat)
	entry, found, err := cat.Lookup(updater, newRoot, "by_id")
	require.NoError(err)
	require.True(found)
	require.Equal(entity.RowID(9), entry.Root)
}

func TestLockRootSetsBaseEntryLock(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	entryRow, root, err := cat.CreateEntry(trid, entity.Invalid, "by_id", "widgets", 1)
	require.NoError(err)

	row, entry, found, err := cat.LockRoot(trid, root, "by_id")
	require.NoError(err)
	require.True(found)
	require.Equal(entryRow, row)
	require.Equal(entity.RowID(1), entry.Root)
	require.Equal(trid, cat.Entries().Entry(row).Lock)
	releaseAll(cat)
}

func TestRootVisibleTrueForOwnUncommittedRoot(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	_, root, err := cat.CreateEntry(trid, entity.Invalid, "by_id", "widgets", 1)
	require.NoError(err)
	require.NoError(txns.Region().Acquire(shm.Read))
	visible := cat.RootVisible(trid, root)
	txns.Region().Release()
	releaseAll(cat)
	require.True(visible)
}

func TestRootVisibleTrueForInvalidRoot(t *testing.T) {
	cat, _ := newFixture(t, 16)
	require.True(t, cat.RootVisible(0, entity.Invalid))
}

func TestEntryAtDecodesDirectly(t *testing.T) {
	require := require.New(t)
	cat, txns := newFixture(t, 16)
	trid, err := txns.Begin()
	require.NoError(err)

	acquireAll(t, cat, shm.Write)
	entryRow, _, err := cat.CreateEntry(trid, entity.Invalid, "by_id", "widgets", 7)
	require.NoError(err)
	releaseAll(cat)

	entry := cat.EntryAt(entryRow)
	require.Equal("by_id", entry.Name)
	require.Equal("widgets", entry.EntityName)
	require.Equal(entity.RowID(7), entry.Root)
}
