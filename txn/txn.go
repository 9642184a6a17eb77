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

// Package txn implements TransactionTable: a singleton ring buffer of
// transaction records assigning monotonic TIDs/TCCs and answering the two
// visibility predicates every other package builds on (spec §4.2).
package txn

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/erigontech/shmdb/metrics"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/shmerr"
)

// TID is a transaction identifier. TIDMax means "no transaction" / invalid.
type TID = uint64

const (
	TIDMin TID = 0
	TIDMax TID = ^uint64(0)
)

// TCC is a transaction commit counter.
type TCC = uint64

// Status is a transaction's lifecycle state.
type Status uint64

const (
	InProgress Status = iota
	Committed
	Aborted
)

// InvalidRow is the shared "no row" sentinel used for row-ids everywhere
// (treap children, catalog roots, a record's remembered index root).
const InvalidRow int64 = -1

// recordSize is the fixed on-disk width of one TransactionRecord.
const recordSize = 56

// WellKnownName is the fixed region name for the TransactionTable (spec §6).
const WellKnownName = "$"

// Table wraps the Region holding the TransactionTable: its own tail
// (tid_next, tid_collecting, tcc_next, index_root_master) followed by a
// ring buffer of Record slots, slot t = t mod MaxTxn.
type Table struct {
	region *shm.Region

	// beginWall is an in-process-only wall-clock timestamp per in-flight
	// TID, used solely to report a real TxnDuration metric; it is never
	// persisted and is only ever populated/consulted by the process that
	// called Begin, since rec.TccBegin (the persisted field) is a logical
	// commit-counter value, not a timestamp.
	wallMu    sync.Mutex
	beginWall map[TID]time.Time
}

// New wraps an already-mapped Region as a TransactionTable.
func New(region *shm.Region) *Table {
	return &Table{region: region, beginWall: make(map[TID]time.Time)}
}

// Init lays out a freshly created region as an empty TransactionTable with
// capacity maxTxn and the given default statement timeout.
func Init(region *shm.Region, maxTxn uint64, timeoutMS uint64) *Table {
	h := region.Header()
	h.SetName(WellKnownName)
	h.SetUnitSize(recordSize)
	h.SetMaxLine(maxTxn)
	h.SetTimeoutMS(timeoutMS)
	h.SetFreeBegin(0)
	h.SetUsedEnd(0)

	t := &Table{region: region, beginWall: make(map[TID]time.Time)}
	t.setTidNext(TIDMin)
	t.setTidCollecting(TIDMin)
	t.setTccNext(TCC(0))
	t.setIndexRootMaster(InvalidRow)
	return t
}

// Size returns the total region size needed for capacity maxTxn, per
// spec §4.3's general size formula with this table's tail and unit size.
func Size(maxTxn uint64) uint64 {
	return shm.Size(maxTxn, 0, recordSize, tailSize)
}

const tailSize = 32 // tid_next, tid_collecting, tcc_next, index_root_master

func (t *Table) tail() []byte { return t.region.Data()[shm.HeaderSize : shm.HeaderSize+tailSize] }

func (t *Table) tidNext() TID          { return binary.LittleEndian.Uint64(t.tail()[0:]) }
func (t *Table) setTidNext(v TID)      { binary.LittleEndian.PutUint64(t.tail()[0:], v) }
func (t *Table) tidCollecting() TID    { return binary.LittleEndian.Uint64(t.tail()[8:]) }
func (t *Table) setTidCollecting(v TID) { binary.LittleEndian.PutUint64(t.tail()[8:], v) }
func (t *Table) tccNext() TCC          { return binary.LittleEndian.Uint64(t.tail()[16:]) }
func (t *Table) setTccNext(v TCC)      { binary.LittleEndian.PutUint64(t.tail()[16:], v) }
func (t *Table) indexRootMaster() int64 {
	return int64(binary.LittleEndian.Uint64(t.tail()[24:]))
}
func (t *Table) setIndexRootMaster(v int64) {
	binary.LittleEndian.PutUint64(t.tail()[24:], uint64(v))
}

// MaxTxn is the ring buffer capacity.
func (t *Table) MaxTxn() uint64 { return t.region.Header().MaxLine() }

// Region exposes the backing Region so callers can take the cross-table
// snapshot barrier lock (txn region Read) themselves, per spec §5.
func (t *Table) Region() *shm.Region { return t.region }

// recordAt returns a byte-level view of the record for trid. Does not
// itself take any lock: callers must already hold the appropriate Region
// lock (Read to inspect, Write to mutate), per spec §4.2 scheduling rules.
func (t *Table) recordAt(trid TID) []byte {
	off := shm.HeaderSize + tailSize + (trid%t.MaxTxn())*recordSize
	return t.region.Data()[off : off+recordSize]
}

// Record is an in-memory snapshot of one TransactionRecord.
type Record struct {
	TidEnd       TID
	TccBegin     TCC
	TccEnd       TCC
	Status       Status
	Pid          int32
	PidStartTime int64
	IndexRoot    int64
}

func decodeRecord(b []byte) Record {
	return Record{
		TidEnd:       binary.LittleEndian.Uint64(b[0:]),
		TccBegin:     binary.LittleEndian.Uint64(b[8:]),
		TccEnd:       binary.LittleEndian.Uint64(b[16:]),
		Status:       Status(binary.LittleEndian.Uint64(b[24:])),
		Pid:          int32(binary.LittleEndian.Uint32(b[32:])),
		PidStartTime: int64(binary.LittleEndian.Uint64(b[36:])),
		IndexRoot:    int64(binary.LittleEndian.Uint64(b[44:])),
	}
}

func encodeRecord(b []byte, r Record) {
	binary.LittleEndian.PutUint64(b[0:], r.TidEnd)
	binary.LittleEndian.PutUint64(b[8:], r.TccBegin)
	binary.LittleEndian.PutUint64(b[16:], r.TccEnd)
	binary.LittleEndian.PutUint64(b[24:], uint64(r.Status))
	binary.LittleEndian.PutUint32(b[32:], uint32(r.Pid))
	binary.LittleEndian.PutUint64(b[36:], uint64(r.PidStartTime))
	binary.LittleEndian.PutUint64(b[44:], uint64(r.IndexRoot))
}

// inRange reports whether trid's record currently exists: invariant T2,
// [tid_collecting, tid_next).
func (t *Table) inRange(trid TID) bool {
	return t.tidCollecting() <= trid && trid < t.tidNext()
}

// RecordFor fetches trid's record. Caller must hold the region's Read (or
// Write) lock. Fatal OutOfRange if trid has been collected or never
// assigned — this is an invariant violation, not a recoverable condition.
func (t *Table) RecordFor(trid TID) (Record, error) {
	if !t.inRange(trid) {
		return Record{}, shmerr.Fatalf(shmerr.ErrOutOfRange,
			"txn record %d out of range [%d,%d)", trid, t.tidCollecting(), t.tidNext())
	}
	return decodeRecord(t.recordAt(trid)), nil
}

// Begin assigns a new TID and initializes its record. Spec §4.2: under
// Write on the transaction region, require tid_next-tid_collecting <
// MaxTxn, else ErrTxnTableFull.
func (t *Table) Begin() (TID, error) {
	if err := t.region.Acquire(shm.Write); err != nil {
		return TIDMax, err
	}
	defer t.region.Release()

	if t.tidNext()-t.tidCollecting() >= t.MaxTxn() {
		return TIDMax, shmerr.Fatalf(shmerr.ErrTxnTableFull, "tid_next %d, tid_collecting %d, capacity %d", t.tidNext(), t.tidCollecting(), t.MaxTxn())
	}

	trid := t.tidNext()
	t.setTidNext(trid + 1)

	rec := Record{
		TidEnd:       0,
		TccBegin:     t.tccNext(),
		TccEnd:       0,
		Status:       InProgress,
		Pid:          int32(os.Getpid()),
		PidStartTime: procStartTime(os.Getpid()),
		IndexRoot:    t.indexRootMaster(),
	}
	encodeRecord(t.recordAt(trid), rec)
	metrics.TxnBegun.Inc()

	t.wallMu.Lock()
	t.beginWall[trid] = time.Now()
	t.wallMu.Unlock()
	return trid, nil
}

// forgetWall reports and clears the wall-clock start time Begin recorded
// for trid, or zero if this process never saw trid's Begin (e.g. it was
// resumed from a snapshot another process created).
func (t *Table) forgetWall(trid TID) time.Duration {
	t.wallMu.Lock()
	defer t.wallMu.Unlock()
	start, ok := t.beginWall[trid]
	if !ok {
		return 0
	}
	delete(t.beginWall, trid)
	return time.Since(start)
}

// rootVisible decides whether a record's remembered index root is visible
// to its own transaction, used by Commit to decide whether to publish it
// as the new index_root_master (spec §4.2, §4.6's is_catalog_root_visible).
// Supplied by the caller (engine/catalog) since txn cannot depend on entity.
type RootVisibleFunc func(trid TID, root int64) bool

// Commit finalizes trid as Committed, advances tcc_next, and — if
// rootVisible reports the record's remembered index root is visible to
// trid itself — publishes it as the new index_root_master.
func (t *Table) Commit(trid TID, rootVisible RootVisibleFunc) error {
	if err := t.region.Acquire(shm.Write); err != nil {
		return err
	}
	defer t.region.Release()

	rec, err := t.RecordFor(trid)
	if err != nil {
		return err
	}
	rec.TidEnd = t.tidNext()
	rec.Status = Committed
	rec.TccEnd = t.tccNext()
	t.setTccNext(rec.TccEnd + 1)
	encodeRecord(t.recordAt(trid), rec)

	if rootVisible != nil && rootVisible(trid, rec.IndexRoot) {
		t.setIndexRootMaster(rec.IndexRoot)
	}
	metrics.TxnCommitted.Inc()
	metrics.TxnDuration.Observe(t.forgetWall(trid).Seconds())
	return nil
}

// Abort finalizes trid as Aborted.
func (t *Table) Abort(trid TID) error {
	if err := t.region.Acquire(shm.Write); err != nil {
		return err
	}
	defer t.region.Release()

	rec, err := t.RecordFor(trid)
	if err != nil {
		return err
	}
	rec.TidEnd = t.tidNext()
	rec.Status = Aborted
	encodeRecord(t.recordAt(trid), rec)
	metrics.TxnAborted.Inc()
	metrics.TxnDuration.Observe(t.forgetWall(trid).Seconds())
	return nil
}

// IsVisibleToRead implements spec §4.2: whether a row created/superseded
// by target is visible to a reader running as self. Caller must hold the
// region's Read (or Write) lock.
func (t *Table) IsVisibleToRead(self, target TID) bool {
	switch {
	case target == self:
		return true
	case target < t.tidCollecting():
		return true
	case target >= t.tidNext() || target == TIDMax:
		return false
	}
	rec, err := t.RecordFor(target)
	if err != nil {
		return false
	}
	selfRec, err := t.RecordFor(self)
	if err != nil {
		return rec.Status == Committed
	}
	return rec.Status == Committed && rec.TccEnd < selfRec.TccBegin
}

// IntentKind distinguishes the two write-intent fields a row carries.
type IntentKind int

const (
	IntentXmax IntentKind = iota
	IntentLock
)

// IsValidWriteIntent implements spec §4.2: whether target's hold on xmax
// or lock still binds against self.
func (t *Table) IsValidWriteIntent(self, target TID, kind IntentKind) bool {
	if self == TIDMax || target == TIDMax || target == self {
		return false
	}
	if target >= t.tidNext() {
		return false
	}
	if target < t.tidCollecting() {
		return kind == IntentXmax
	}
	rec, err := t.RecordFor(target)
	if err != nil {
		return false
	}
	switch rec.Status {
	case InProgress:
		return true
	case Committed:
		return kind == IntentXmax
	default: // Aborted
		return false
	}
}

// IsCatalogRootVisible reports whether root (a row-id in the catalog
// catalog-of-catalogs treap) may be published by trid. It only checks that
// root is not InvalidRow: IsVisibleToRead(trid, trid) holds for every
// trid, and no entity-level xmin/xmax check is made. It serves as Commit's
// RootVisibleFunc when a caller has no entity-level readability check
// handy; real callers (engine) pass a RootVisibleFunc backed by the
// entity's actual xmin/xmax check instead.
func (t *Table) IsCatalogRootVisible(trid TID, root int64) bool {
	return root != InvalidRow && t.IsVisibleToRead(trid, trid)
}

// TidCollecting, TidNext and TccNext are exported snapshot getters used by
// the GarbageCollector; callers must hold the region's Read (or Write)
// lock as appropriate for the step they're performing (spec §4.8).
func (t *Table) TidCollecting() TID       { return t.tidCollecting() }
func (t *Table) TidNext() TID             { return t.tidNext() }
func (t *Table) TccNext() TCC             { return t.tccNext() }
func (t *Table) IndexRootMaster() int64   { return t.indexRootMaster() }
func (t *Table) SetTidCollecting(v TID)   { t.setTidCollecting(v) }
func (t *Table) SetStatus(trid TID, s Status) error {
	rec, err := t.RecordFor(trid)
	if err != nil {
		return err
	}
	rec.Status = s
	encodeRecord(t.recordAt(trid), rec)
	return nil
}

// SetIndexRoot updates trid's remembered index root mid-transaction, as
// engine produces a new catalog-of-catalogs root from each structural
// change. Commit later decides whether this remembered root is safe to
// publish as index_root_master. Caller must hold the region's Write lock.
func (t *Table) SetIndexRoot(trid TID, root int64) error {
	rec, err := t.RecordFor(trid)
	if err != nil {
		return err
	}
	rec.IndexRoot = root
	encodeRecord(t.recordAt(trid), rec)
	return nil
}
