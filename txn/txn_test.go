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

package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/shmerr"
)

func newTable(t *testing.T, maxTxn uint64) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "$.table")
	r, err := shm.Create(path, Size(maxTxn))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return Init(r, maxTxn, 1000)
}

func TestBeginAssignsMonotonicTIDs(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)

	t1, err := tbl.Begin()
	require.NoError(err)
	t2, err := tbl.Begin()
	require.NoError(err)
	require.Equal(t1+1, t2)

	require.NoError(tbl.Region().Acquire(shm.Read))
	rec, err := tbl.RecordFor(t1)
	tbl.Region().Release()
	require.NoError(err)
	require.Equal(InProgress, rec.Status)
}

func TestBeginFailsWhenTableFull(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 2)

	_, err := tbl.Begin()
	require.NoError(err)
	_, err = tbl.Begin()
	require.NoError(err)

	_, err = tbl.Begin()
	require.ErrorIs(err, shmerr.ErrTxnTableFull)
}

func TestCommitPublishesVisibleRoot(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)

	trid, err := tbl.Begin()
	require.NoError(err)

	require.NoError(tbl.Region().Acquire(shm.Write))
	require.NoError(tbl.SetIndexRoot(trid, 42))
	tbl.Region().Release()

	require.NoError(tbl.Commit(trid, func(TID, int64) bool { return true }))
	require.Equal(int64(42), tbl.IndexRootMaster())

	require.NoError(tbl.Region().Acquire(shm.Read))
	rec, err := tbl.RecordFor(trid)
	tbl.Region().Release()
	require.NoError(err)
	require.Equal(Committed, rec.Status)
}

func TestCommitWithholdsUnreadableRoot(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)

	trid, err := tbl.Begin()
	require.NoError(err)
	require.NoError(tbl.Region().Acquire(shm.Write))
	require.NoError(tbl.SetIndexRoot(trid, 7))
	tbl.Region().Release()

	require.NoError(tbl.Commit(trid, func(TID, int64) bool { return false }))
	require.Equal(InvalidRow, tbl.IndexRootMaster())
}

func TestAbortMarksAborted(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)

	trid, err := tbl.Begin()
	require.NoError(err)
	require.NoError(tbl.Abort(trid))

	require.NoError(tbl.Region().Acquire(shm.Read))
	rec, err := tbl.RecordFor(trid)
	tbl.Region().Release()
	require.NoError(err)
	require.Equal(Aborted, rec.Status)
}

func TestIsVisibleToReadSelfAlwaysVisible(t *testing.T) {
	tbl := newTable(t, 8)
	trid, err := tbl.Begin()
	require.NoError(t, err)

	require.NoError(t, tbl.Region().Acquire(shm.Read))
	defer tbl.Region().Release()
	require.True(t, tbl.IsVisibleToRead(trid, trid))
}

func TestIsVisibleToReadRequiresCommittedAndOlder(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)

	writer, err := tbl.Begin()
	require.NoError(err)
	reader, err := tbl.Begin() // reader starts after writer, before writer commits
	require.NoError(err)

	require.NoError(tbl.Region().Acquire(shm.Read))
	visibleBeforeCommit := tbl.IsVisibleToRead(reader, writer)
	tbl.Region().Release()
	require.False(visibleBeforeCommit)

	require.NoError(tbl.Commit(writer, func(TID, int64) bool { return false }))

	require.NoError(tbl.Region().Acquire(shm.Read))
	visibleAfterCommit := tbl.IsVisibleToRead(reader, writer)
	tbl.Region().Release()
	require.False(visibleAfterCommit, "reader's snapshot predates writer's commit")
}

func TestIsValidWriteIntentInProgressBlocksBoth(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)
	self, err := tbl.Begin()
	require.NoError(err)
	other, err := tbl.Begin()
	require.NoError(err)

	require.NoError(tbl.Region().Acquire(shm.Read))
	defer tbl.Region().Release()
	require.True(tbl.IsValidWriteIntent(self, other, IntentXmax))
	require.True(tbl.IsValidWriteIntent(self, other, IntentLock))
}

func TestIsValidWriteIntentAbortedNeverBinds(t *testing.T) {
	require := require.New(t)
	tbl := newTable(t, 8)
	self, err := tbl.Begin()
	require.NoError(err)
	other, err := tbl.Begin()
	require.NoError(err)
	require.NoError(tbl.Abort(other))

	require.NoError(tbl.Region().Acquire(shm.Read))
	defer tbl.Region().Release()
	require.False(tbl.IsValidWriteIntent(self, other, IntentXmax))
	require.False(tbl.IsValidWriteIntent(self, other, IntentLock))
}

