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

// Package engine implements Connection and Cursor: the begin → lock root
// → search/insert/delete → commit protocol every statement runs, per spec
// §4.5 and §4.7. It owns nothing of its own on disk — it is glue that
// drives txn, entity, treapindex, and catalog in the right order, with
// locks acquired and released LIFO across however many regions a
// statement touches: the transaction region first (held for the whole
// connection), entity regions after, so a Connection's lock-acquisition
// order always agrees with gc.Collector.RunOnce's and never forms the AB-BA
// cycle that blocking F_SETLKW would deadlock on (spec §5). Cursor exposes
// the multi-row result of an indexed or full-table search; it exclusively
// owns the row-ID sequence it was opened with (spec §2, §4.5).
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erigontech/shmdb/catalog"
	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/metrics"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/shmerr"
	"github.com/erigontech/shmdb/treapindex"
	"github.com/erigontech/shmdb/txn"
)

// Isolation selects how a Connection's statements see concurrent commits.
type Isolation int

const (
	// Serializable pins every statement to the snapshot taken at Begin.
	Serializable Isolation = iota
	// ReadCommitted re-reads index_root_master at the start of every
	// statement, so each statement sees the latest committed state
	// instead of the transaction's opening snapshot.
	ReadCommitted
)

// IndexHandle is a process-local attachment of one named index: its base
// rows and the treap ordering them. Built once at startup (by shminit)
// from the region set a host configures, then handed to Connection via a
// Registry — the shared-memory side only ever stores the treap structure
// itself, never these Go-side pointers.
type IndexHandle struct {
	Base *entity.Table
	Tree *treapindex.Table
}

// Registry maps an index's catalog name to its process-local handle.
type Registry map[string]*IndexHandle

// lockStack records acquired regions in order so they can be released
// LIFO, the discipline spec §5 requires to avoid cross-region deadlock.
type lockStack struct {
	regions []*shm.Region
}

func (s *lockStack) acquire(r *shm.Region, mode shm.Mode) error {
	if err := r.Acquire(mode); err != nil {
		return err
	}
	s.regions = append(s.regions, r)
	return nil
}

func (s *lockStack) releaseAll() error {
	var first error
	for i := len(s.regions) - 1; i >= 0; i-- {
		if err := s.regions[i].Release(); err != nil && first == nil {
			first = err
		}
	}
	s.regions = s.regions[:0]
	return first
}

// Connection is one open transaction against the database.
type Connection struct {
	txns      *txn.Table
	cat       *catalog.Table
	reg       Registry
	isolation Isolation

	trid txn.TID
	root entity.RowID // this transaction's current catalog-of-catalogs root
	lk   lockStack
}

// Begin starts a new transaction, captures its opening snapshot, and
// acquires the transaction region's Write lock as the connection's first
// lockStack entry — held for the connection's entire lifetime. Every
// later entity-region lock this connection takes (Insert/Find/Update/
// Delete) is therefore acquired strictly after the txn region, matching
// gc.Collector.RunOnce's own txn-then-entity order (spec §5); because
// lockStack.releaseAll releases LIFO, this lock is also the last one
// released, at Commit/Abort.
func Begin(txns *txn.Table, cat *catalog.Table, reg Registry, isolation Isolation) (*Connection, error) {
	trid, err := txns.Begin()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		txns:      txns,
		cat:       cat,
		reg:       reg,
		isolation: isolation,
		trid:      trid,
	}

	if err := c.lk.acquire(txns.Region(), shm.Write); err != nil {
		return nil, err
	}
	rec, err := txns.RecordFor(trid)
	if err != nil {
		c.lk.releaseAll()
		return nil, err
	}
	c.root = entity.RowID(rec.IndexRoot)
	return c, nil
}

// TID exposes the connection's transaction id, e.g. for diagnostics.
func (c *Connection) TID() txn.TID { return c.trid }

// Commit finalizes the transaction, publishing its catalog root if it is
// still visible to itself.
func (c *Connection) Commit() error {
	err := c.txns.Commit(c.trid, func(trid txn.TID, root int64) bool {
		return c.cat.RootVisible(trid, entity.RowID(root))
	})
	if relErr := c.lk.releaseAll(); err == nil {
		err = relErr
	}
	return err
}

// Abort finalizes the transaction as Aborted, discarding its writes.
func (c *Connection) Abort() error {
	err := c.txns.Abort(c.trid)
	if relErr := c.lk.releaseAll(); err == nil {
		err = relErr
	}
	return err
}

// refreshRootForRead re-snapshots index_root_master under ReadCommitted,
// per spec §4.7's "before every statement". The transaction region is
// already held Write for the connection's lifetime (see Begin), so this
// just reads the tail fields directly rather than re-acquiring.
func (c *Connection) refreshRootForRead() error {
	if c.isolation != ReadCommitted {
		return nil
	}
	c.root = entity.RowID(c.txns.IndexRootMaster())
	return nil
}

// rememberRoot publishes a newly built catalog-of-catalogs root as this
// transaction's own remembered root. The transaction region is already
// held Write (see Begin), so this writes the record directly.
func (c *Connection) rememberRoot(root entity.RowID) error {
	c.root = root
	return c.txns.SetIndexRoot(c.trid, int64(root))
}

func (c *Connection) handle(name string) (*IndexHandle, error) {
	h, ok := c.reg[name]
	if !ok {
		return nil, shmerr.Fatalf(shmerr.ErrUnknownIndex, "index %q not registered", name)
	}
	return h, nil
}

// Insert creates a row holding payload in the named index's base table
// and links it into the index, per spec §4.5/§4.7.
func (c *Connection) Insert(name string, payload []byte) (entity.RowID, error) {
	h, err := c.handle(name)
	if err != nil {
		return entity.Invalid, err
	}
	if err := c.refreshRootForRead(); err != nil {
		return entity.Invalid, err
	}

	if err := c.lk.acquire(h.Base.Region(), shm.Write); err != nil {
		return entity.Invalid, err
	}
	target, err := h.Base.CreateTuple(c.trid)
	if err != nil {
		return entity.Invalid, err
	}
	copy(h.Base.Payload(target), payload)

	if err := c.linkIntoIndex(name, h, target); err != nil {
		return entity.Invalid, err
	}
	return target, nil
}

// linkIntoIndex locks the catalog entry for name, inserts target into
// its treap, and publishes the resulting new root both to the catalog
// entry and to this transaction's own remembered root.
func (c *Connection) linkIntoIndex(name string, h *IndexHandle, target entity.RowID) error {
	if err := c.lk.acquire(c.cat.Entries().Region(), shm.Write); err != nil {
		return err
	}
	if err := c.lk.acquire(c.cat.Tree().Nodes().Region(), shm.Write); err != nil {
		return err
	}
	entryRow, entry, found, err := c.cat.LockRoot(c.trid, c.root, name)
	if err != nil {
		return err
	}
	if !found {
		return shmerr.Fatalf(shmerr.ErrCatalogCorrupt, "catalog has no entry for registered index %q", name)
	}

	if err := c.lk.acquire(h.Tree.Nodes().Region(), shm.Write); err != nil {
		return err
	}
	newIndexRoot, err := h.Tree.Insert(c.trid, entry.Root, target)
	if err != nil {
		return err
	}

	_, newCatalogRoot, err := c.cat.UpdateRoot(c.trid, c.root, entryRow, newIndexRoot)
	if err != nil {
		return err
	}
	return c.rememberRoot(newCatalogRoot)
}

// unlinkFromIndex is linkIntoIndex's inverse, used by Delete.
func (c *Connection) unlinkFromIndex(name string, h *IndexHandle, target entity.RowID) error {
	if err := c.lk.acquire(c.cat.Entries().Region(), shm.Write); err != nil {
		return err
	}
	if err := c.lk.acquire(c.cat.Tree().Nodes().Region(), shm.Write); err != nil {
		return err
	}
	entryRow, entry, found, err := c.cat.LockRoot(c.trid, c.root, name)
	if err != nil {
		return err
	}
	if !found {
		return shmerr.Fatalf(shmerr.ErrCatalogCorrupt, "catalog has no entry for registered index %q", name)
	}

	if err := c.lk.acquire(h.Tree.Nodes().Region(), shm.Write); err != nil {
		return err
	}
	newIndexRoot, err := h.Tree.Delete(c.trid, entry.Root, target)
	if err != nil {
		return err
	}

	_, newCatalogRoot, err := c.cat.UpdateRoot(c.trid, c.root, entryRow, newIndexRoot)
	if err != nil {
		return err
	}
	return c.rememberRoot(newCatalogRoot)
}

// Find searches the named index for a row m accepts, applying filter as
// the §4.4 default_matcher post-filter (filter may be nil to skip the
// step). If forUpdate is set, the matched base row's lock field is set to
// the transaction, failing with shmerr.ErrTimeout if another transaction
// holds it.
func (c *Connection) Find(name string, m entity.IndexMatcher, filter entity.Matcher, forUpdate bool) (entity.RowID, []byte, bool, error) {
	h, err := c.handle(name)
	if err != nil {
		return entity.Invalid, nil, false, err
	}
	if err := c.refreshRootForRead(); err != nil {
		return entity.Invalid, nil, false, err
	}
	return c.searchIndex(h, name, m, filter, forUpdate)
}

// searchIndex runs the treap search for h under the connection's current
// root, applying filter as the default_matcher post-filter. Caller must
// already have called refreshRootForRead.
func (c *Connection) searchIndex(h *IndexHandle, name string, m entity.IndexMatcher, filter entity.Matcher, forUpdate bool) (entity.RowID, []byte, bool, error) {
	if err := c.lk.acquire(h.Tree.Nodes().Region(), shm.Read); err != nil {
		return entity.Invalid, nil, false, err
	}
	if forUpdate {
		if err := c.lk.acquire(h.Base.Region(), shm.Write); err != nil {
			return entity.Invalid, nil, false, err
		}
	}

	root, err := c.indexRoot(name)
	if err != nil {
		return entity.Invalid, nil, false, err
	}
	target, found, err := h.Tree.Search(c.trid, root, m, filter, forUpdate)
	if err != nil || !found {
		return entity.Invalid, nil, false, err
	}
	if !h.Base.IsReadable(c.trid, target) {
		return entity.Invalid, nil, false, nil
	}
	out := make([]byte, len(h.Base.Payload(target)))
	copy(out, h.Base.Payload(target))
	return target, out, true, nil
}

// Cursor owns the row-ID sequence produced by one OpenCursor call (spec
// §2 "Cursors exclusively own their row-ID sequence"). It is a snapshot:
// rows are resolved and, for a select-for-update open, locked before
// OpenCursor returns, not lazily as Next is called.
type Cursor struct {
	base *entity.Table
	rows []entity.RowID
	pos  int
}

// Len returns the number of rows the cursor holds.
func (cur *Cursor) Len() int { return len(cur.rows) }

// Next returns the cursor's next row and a copy of its payload, advancing
// the cursor; ok is false once the sequence is exhausted.
func (cur *Cursor) Next() (row entity.RowID, payload []byte, ok bool) {
	if cur.pos >= len(cur.rows) {
		return entity.Invalid, nil, false
	}
	row = cur.rows[cur.pos]
	cur.pos++
	payload = make([]byte, len(cur.base.Payload(row)))
	copy(payload, cur.base.Payload(row))
	return row, payload, true
}

// OpenCursor runs the cursor-open protocol of spec §2/§4.5: with an
// IndexMatcher m it performs an indexed search (0 or 1 row, since treap
// keys are unique), applying filter as the default_matcher post-filter;
// with m == nil — no applicable index — it falls back to a full scan of
// the named index's base table over [0, used_end), filtering by
// is_readable and filter, ordered by sorter (sorter may be nil to leave
// scan order unspecified). lock_flag is forUpdate, mirroring Find.
func (c *Connection) OpenCursor(name string, m entity.IndexMatcher, filter entity.Matcher, sorter entity.Sorter, forUpdate bool) (*Cursor, error) {
	h, err := c.handle(name)
	if err != nil {
		return nil, err
	}
	if err := c.refreshRootForRead(); err != nil {
		return nil, err
	}

	if m != nil {
		target, _, found, err := c.searchIndex(h, name, m, filter, forUpdate)
		if err != nil {
			return nil, err
		}
		if !found {
			return &Cursor{base: h.Base}, nil
		}
		return &Cursor{base: h.Base, rows: []entity.RowID{target}}, nil
	}
	return c.fullScan(h, filter, sorter, forUpdate)
}

// fullScan implements the no-applicable-index path: every row of h.Base
// in [0, used_end) readable to this transaction and accepted by filter,
// locked for update if forUpdate is set, ordered by sorter. The
// transaction region's lock is already held for the connection's
// lifetime (see Begin), so this scan runs under it per spec §4.5's "full
// scan ... under the txn Read lock".
func (c *Connection) fullScan(h *IndexHandle, filter entity.Matcher, sorter entity.Sorter, forUpdate bool) (*Cursor, error) {
	mode := shm.Read
	if forUpdate {
		mode = shm.Write
	}
	if err := c.lk.acquire(h.Base.Region(), mode); err != nil {
		return nil, err
	}

	var rows []entity.RowID
	usedEnd := h.Base.UsedEnd()
	for r := entity.RowID(0); r < usedEnd; r++ {
		if !h.Base.IsReadable(c.trid, r) {
			continue
		}
		payload := h.Base.Payload(r)
		if filter != nil && !filter.Matches(payload) {
			continue
		}
		if forUpdate && !h.Base.TryLock(c.trid, r) {
			return nil, shmerr.ErrTimeout
		}
		rows = append(rows, r)
	}

	if sorter != nil {
		sort.Slice(rows, func(i, j int) bool {
			return sorter.Less(h.Base.Payload(rows[i]), h.Base.Payload(rows[j]))
		})
	}
	return &Cursor{base: h.Base, rows: rows}, nil
}

func (c *Connection) indexRoot(name string) (entity.RowID, error) {
	if err := c.lk.acquire(c.cat.Entries().Region(), shm.Read); err != nil {
		return entity.Invalid, err
	}
	if err := c.lk.acquire(c.cat.Tree().Nodes().Region(), shm.Write); err != nil {
		return entity.Invalid, err
	}
	entry, found, err := c.cat.Lookup(c.trid, c.root, name)
	if err != nil {
		return entity.Invalid, err
	}
	if !found {
		return entity.Invalid, shmerr.Fatalf(shmerr.ErrCatalogCorrupt, "catalog has no entry for registered index %q", name)
	}
	return entry.Root, nil
}

// Update rewrites target's payload and, if the snapshot-isolated write
// produced a fresh row, relinks the index to point at it instead.
func (c *Connection) Update(name string, target entity.RowID, payload []byte) (entity.RowID, error) {
	h, err := c.handle(name)
	if err != nil {
		return entity.Invalid, err
	}
	if err := c.refreshRootForRead(); err != nil {
		return entity.Invalid, err
	}

	newRow, err := h.Base.UpdateTuple(c.trid, target)
	if err != nil {
		return entity.Invalid, err
	}
	copy(h.Base.Payload(newRow), payload)

	if newRow == target {
		return newRow, nil
	}
	if err := c.unlinkFromIndex(name, h, target); err != nil {
		return entity.Invalid, err
	}
	if err := c.linkIntoIndex(name, h, newRow); err != nil {
		return entity.Invalid, err
	}
	return newRow, nil
}

// Delete removes target from the named index and its base table.
func (c *Connection) Delete(name string, target entity.RowID) error {
	h, err := c.handle(name)
	if err != nil {
		return err
	}
	if err := c.refreshRootForRead(); err != nil {
		return err
	}
	if err := h.Base.DeleteTuple(c.trid, target); err != nil {
		return err
	}
	return c.unlinkFromIndex(name, h, target)
}

// RetryConfig tunes Run's backoff between statement-timeout retries.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig matches a typical interactive statement timeout.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
	MaxElapsedTime:  2 * time.Second,
}

// Run opens a Connection, runs fn, and commits — retrying the whole
// transaction from Begin with exponential backoff when fn (or Commit)
// fails with shmerr.ErrTimeout, per spec §4.5's caller-driven retry loop.
// Any other error aborts and is returned immediately.
func Run(ctx context.Context, txns *txn.Table, cat *catalog.Table, reg Registry, isolation Isolation, cfg RetryConfig, fn func(*Connection) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	bctx := backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		start := time.Now()
		conn, err := Begin(txns, cat, reg, isolation)
		if err != nil {
			return backoff.Permanent(err)
		}

		if err := fn(conn); err != nil {
			conn.Abort()
			metrics.LockWaitSeconds.WithLabelValues(outcomeFor(err)).Observe(time.Since(start).Seconds())
			if shmerr.CodeFor(err) == shmerr.ExecuteTimeout {
				return err // retryable
			}
			return backoff.Permanent(err)
		}

		if err := conn.Commit(); err != nil {
			metrics.LockWaitSeconds.WithLabelValues(outcomeFor(err)).Observe(time.Since(start).Seconds())
			if shmerr.CodeFor(err) == shmerr.ExecuteTimeout {
				return err
			}
			return backoff.Permanent(err)
		}
		metrics.LockWaitSeconds.WithLabelValues("committed").Observe(time.Since(start).Seconds())
		return nil
	}, bctx)
}

func outcomeFor(err error) string {
	if shmerr.CodeFor(err) == shmerr.ExecuteTimeout {
		return "timeout"
	}
	return "error"
}
