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

// Package entity implements the base table: a fixed array of
// (xmin, xmax, lock) entries followed by fixed-size row payloads, with
// free/used-end hints (spec §4.3). TreapIndex (package treapindex) and
// IndexCatalog (package catalog) are themselves Entity tables with their
// own fixed payload shape.
package entity

import (
	roaring "github.com/RoaringBitmap/roaring/v2"

	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/shmerr"
	"github.com/erigontech/shmdb/txn"
)

// RowID indexes a slot. Invalid (-1) means "no row" everywhere a row-id is
// optional (treap children, catalog roots).
type RowID = int64

const Invalid RowID = -1

// entrySize is the on-disk width of one Entry: xmin, xmax, lock, 8 bytes
// each.
const entrySize = 24

// Indexer compares two row payloads for BST order within one index,
// returning <0, 0, or >0. An external collaborator per spec §1 — the host
// application supplies the concrete comparator for its row type.
type Indexer interface {
	Compare(a, b []byte) int
}

// IndexMatcher prunes a treap walk: Match returns <0 to recurse left, 0 on
// a candidate hit, >0 to recurse right, mirroring Indexer's sign
// convention but comparing against a held search key rather than another
// row's payload.
type IndexMatcher interface {
	Match(payload []byte) int
}

// Matcher is a post-filter predicate applied to a candidate row found via
// IndexMatcher, or to every row in a full scan.
type Matcher interface {
	Matches(payload []byte) bool
}

// Sorter orders rows for a full-scan cursor with no applicable index.
type Sorter interface {
	Less(a, b []byte) bool
}

// Entry is the decoded form of one slot's version-control fields.
type Entry struct {
	Xmin txn.TID
	Xmax txn.TID
	Lock txn.TID
}

func (e Entry) free() bool { return e.Xmin == txn.TIDMax }

// WriteStatus is the three-way writability classification from spec §4.3.
type WriteStatus int

const (
	Writable WriteStatus = iota
	Insertable
	LockedStatus
)

// Table is an attached base table: Region tail laid out as
// Entry[max_line] followed by payload[max_line*unit_size].
type Table struct {
	region *shm.Region
	txn    *txn.Table
	free   *roaring.Bitmap // in-process hint cache, never persisted
}

// Size returns the region size needed for maxLine rows of unitSize bytes.
func Size(maxLine, unitSize uint64) uint64 {
	return shm.Size(maxLine, unitSize, entrySize, 0)
}

// Init lays out a freshly created region as an empty table. A row's
// zero-valued bytes don't mean free (Xmin==TIDMax does), so every entry
// slot is explicitly stamped free before any CreateTuple can hand one out.
func Init(region *shm.Region, txnTable *txn.Table, name string, maxLine, unitSize, timeoutMS uint64) *Table {
	h := region.Header()
	h.SetName(name)
	h.SetUnitSize(unitSize)
	h.SetMaxLine(maxLine)
	h.SetTimeoutMS(timeoutMS)
	h.SetFreeBegin(0)
	h.SetUsedEnd(0)

	t := &Table{region: region, txn: txnTable, free: roaring.New()}
	freeEntry := Entry{Xmin: txn.TIDMax, Xmax: txn.TIDMax, Lock: txn.TIDMax}
	for r := RowID(0); uint64(r) < maxLine; r++ {
		t.writeEntry(r, freeEntry)
	}
	return t
}

// New wraps an already-initialized region (attach path).
func New(region *shm.Region, txnTable *txn.Table) *Table {
	return &Table{region: region, txn: txnTable, free: roaring.New()}
}

func (t *Table) Region() *shm.Region { return t.region }
func (t *Table) Name() string        { return t.region.Header().Name() }
func (t *Table) MaxLine() uint64     { return t.region.Header().MaxLine() }
func (t *Table) UnitSize() uint64    { return t.region.Header().UnitSize() }

// UsedEnd returns the one-past-the-end bound of rows ever allocated,
// i.e. the upper bound of the [0, used_end) range a full-table scan
// visits (spec §4.5). Caller must hold at least the region's Read lock.
func (t *Table) UsedEnd() RowID { return t.region.Header().UsedEnd() }

func (t *Table) entryOffset(r RowID) int64 { return shm.HeaderSize + r*entrySize }
func (t *Table) payloadOffset(r RowID) int64 {
	return shm.HeaderSize + int64(t.MaxLine())*entrySize + r*int64(t.UnitSize())
}

func (t *Table) entryBytes(r RowID) []byte {
	off := t.entryOffset(r)
	return t.region.Data()[off : off+entrySize]
}

// Payload returns the raw unit_size-byte payload slice for r. The slice
// aliases the mapped region; callers must copy it out before releasing
// locks if they need it afterward.
func (t *Table) Payload(r RowID) []byte {
	off := t.payloadOffset(r)
	return t.region.Data()[off : off+int64(t.UnitSize())]
}

func (t *Table) readEntry(r RowID) Entry {
	b := t.entryBytes(r)
	return Entry{
		Xmin: leUint64(b[0:8]),
		Xmax: leUint64(b[8:16]),
		Lock: leUint64(b[16:24]),
	}
}

func (t *Table) writeEntry(r RowID, e Entry) {
	b := t.entryBytes(r)
	putUint64(b[0:8], e.Xmin)
	putUint64(b[8:16], e.Xmax)
	putUint64(b[16:24], e.Lock)
}

// Entry exposes a slot's raw version fields, e.g. for a cursor reporting
// back which transaction currently holds a lock.
func (t *Table) Entry(r RowID) Entry { return t.readEntry(r) }

// visiblePrime applies is_visible_to_read to pick xmin'/xmax' per §4.3.
func (t *Table) visiblePrime(trid txn.TID, e Entry) (xmin, xmax txn.TID) {
	xmin = txn.TIDMax
	if t.txn.IsVisibleToRead(trid, e.Xmin) {
		xmin = e.Xmin
	}
	xmax = txn.TIDMax
	if t.txn.IsVisibleToRead(trid, e.Xmax) {
		xmax = e.Xmax
	}
	return
}

// IsReadable reports whether slot r is visible to trid. Caller must hold
// at least a Read lock on the region (and the txn region, transitively,
// since IsVisibleToRead reads txn records).
func (t *Table) IsReadable(trid txn.TID, r RowID) bool {
	if r < 0 || uint64(r) >= t.MaxLine() {
		return false
	}
	e := t.readEntry(r)
	xmin, xmax := t.visiblePrime(trid, e)
	return xmin <= trid && trid < xmax
}

// WriteStatusFor classifies r's writability for trid per §4.3. Caller
// must hold the appropriate locks, same as IsReadable.
func (t *Table) WriteStatusFor(trid txn.TID, r RowID) WriteStatus {
	e := t.readEntry(r)
	xmaxPrime := txn.TIDMax
	if t.txn.IsValidWriteIntent(trid, e.Xmax, txn.IntentXmax) {
		xmaxPrime = e.Xmax
	}
	lockPrime := txn.TIDMax
	if t.txn.IsValidWriteIntent(trid, e.Lock, txn.IntentLock) {
		lockPrime = e.Lock
	}
	if xmaxPrime != txn.TIDMax || lockPrime != txn.TIDMax {
		return LockedStatus
	}
	if e.Xmin == trid {
		return Writable
	}
	return Insertable
}

// CreateTuple allocates a fresh slot owned by trid. The caller must
// already hold the entity region's Write lock (spec §4.3): CreateTuple is
// a building block used both directly (base-row insert) and nested inside
// a larger locked section (treap node allocation during insert/rotate).
func (t *Table) CreateTuple(trid txn.TID) (RowID, error) {
	h := t.region.Header()
	maxLine := h.MaxLine()
	r := t.findFree(h.FreeBegin(), maxLine)
	if r < 0 {
		return Invalid, shmerr.ErrMemoryFull
	}

	t.writeEntry(r, Entry{Xmin: trid, Xmax: txn.TIDMax, Lock: txn.TIDMax})
	if uint64(r+1) > uint64(h.UsedEnd()) {
		h.SetUsedEnd(r + 1)
	}
	t.free.Remove(uint32(r))
	h.SetFreeBegin(t.nextFreeHint(r+1, maxLine))
	return r, nil
}

// findFree scans for the first free slot at or after from, consulting the
// in-process bitmap hint first and falling back to a linear scan of the
// shared page when the bitmap and the page disagree — the §9 Open
// Question resolution that free_begin (and this cache) are hints only.
func (t *Table) findFree(from int64, maxLine uint64) RowID {
	if from < 0 {
		from = 0
	}
	if it := t.free.Iterator(); it.HasNext() {
		for it.HasNext() {
			v := it.Next()
			if int64(v) < from {
				continue
			}
			if t.readEntry(int64(v)).free() {
				return int64(v)
			}
		}
	}
	for r := from; uint64(r) < maxLine; r++ {
		if t.readEntry(r).free() {
			return r
		}
	}
	// Bitmap was stale and empty/exhausted: rebuild it from a full scan
	// before giving up, since another process may have freed slots the
	// cache never learned about.
	t.rebuildFreeBitmap(maxLine)
	for r := int64(0); uint64(r) < maxLine; r++ {
		if t.readEntry(r).free() {
			return r
		}
	}
	return Invalid
}

func (t *Table) nextFreeHint(from int64, maxLine uint64) int64 {
	for r := from; uint64(r) < maxLine; r++ {
		if t.readEntry(r).free() {
			return r
		}
	}
	return int64(maxLine)
}

func (t *Table) rebuildFreeBitmap(maxLine uint64) {
	t.free.Clear()
	for r := int64(0); uint64(r) < maxLine; r++ {
		if t.readEntry(r).free() {
			t.free.Add(uint32(r))
		}
	}
}

// UpdateTuple implements spec §4.3 update_tuple: acquires the txn
// region's Read lock and this entity's Write lock itself (unlike
// CreateTuple, which assumes the caller already holds Write).
func (t *Table) UpdateTuple(trid txn.TID, r RowID) (RowID, error) {
	if err := t.txn.Region().Acquire(shm.Read); err != nil {
		return Invalid, err
	}
	defer t.txn.Region().Release()
	if err := t.region.Acquire(shm.Write); err != nil {
		return Invalid, err
	}
	defer t.region.Release()

	switch t.WriteStatusFor(trid, r) {
	case Writable:
		return r, nil
	case Insertable:
		rNew, err := t.CreateTuple(trid)
		if err != nil {
			return Invalid, err
		}
		copy(t.Payload(rNew), t.Payload(r))
		e := t.readEntry(r)
		e.Xmax = trid
		t.writeEntry(r, e)
		return rNew, nil
	default:
		return Invalid, shmerr.ErrTimeout
	}
}

// DeleteTuple implements spec §4.3 delete_tuple.
func (t *Table) DeleteTuple(trid txn.TID, r RowID) error {
	if err := t.txn.Region().Acquire(shm.Read); err != nil {
		return err
	}
	defer t.txn.Region().Release()
	if err := t.region.Acquire(shm.Write); err != nil {
		return err
	}
	defer t.region.Release()

	switch t.WriteStatusFor(trid, r) {
	case Writable:
		t.freeTuple(r)
		return nil
	case Insertable:
		e := t.readEntry(r)
		e.Xmax = trid
		t.writeEntry(r, e)
		return nil
	default:
		return shmerr.ErrTimeout
	}
}

// TryLock sets r's lock field to trid if r is not already Locked (for
// treapindex.search's select-for-update path). Caller must hold the
// entity's Write lock.
func (t *Table) TryLock(trid txn.TID, r RowID) bool {
	if t.WriteStatusFor(trid, r) == LockedStatus {
		return false
	}
	e := t.readEntry(r)
	e.Lock = trid
	t.writeEntry(r, e)
	return true
}

// FreeTuple physically frees slot r. Caller must hold the entity's Write
// lock — used directly for Writable deletes and by GarbageCollector.
func (t *Table) FreeTuple(r RowID) { t.freeTuple(r) }

func (t *Table) freeTuple(r RowID) {
	e := t.readEntry(r)
	e.Xmin = txn.TIDMax
	t.writeEntry(r, e)

	h := t.region.Header()
	if r < h.FreeBegin() {
		h.SetFreeBegin(r)
	}
	t.free.Add(uint32(r))

	used := h.UsedEnd()
	for used > 0 && t.readEntry(used-1).free() {
		used--
	}
	h.SetUsedEnd(used)
}

// ClearXmax clears xmax back to TIDMax without freeing the slot — used by
// GarbageCollector step 4 when a deleting transaction never committed.
func (t *Table) ClearXmax(r RowID) {
	e := t.readEntry(r)
	e.Xmax = txn.TIDMax
	t.writeEntry(r, e)
}

// ClearLock clears a stale lock field — used by GarbageCollector step 4.
func (t *Table) ClearLock(r RowID) {
	e := t.readEntry(r)
	e.Lock = txn.TIDMax
	t.writeEntry(r, e)
}

// Supersede marks r obsolete as of trid without freeing its slot: the
// copy-on-write structures built on top of Table (treapindex, catalog)
// use this to retire a node's old version once a new version has been
// written to carry its place in the structure. The old row stays
// readable to any snapshot that still needs it and becomes eligible for
// GarbageCollector reclamation once no such snapshot remains.
func (t *Table) Supersede(trid txn.TID, r RowID) {
	e := t.readEntry(r)
	e.Xmax = trid
	t.writeEntry(r, e)
}

func leUint64(b []byte) txn.TID {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putUint64(b []byte, v txn.TID) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
