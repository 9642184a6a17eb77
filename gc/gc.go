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

// Package gc implements GarbageCollector: the single-pass, five-step
// sweep that advances tid_collecting and reclaims rows no live snapshot
// can still see, per spec §4.8.
package gc

import (
	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/metrics"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/txn"
)

// Table is any entity table the collector should sweep for rows made
// obsolete by a txn whose outcome is now settled.
type Table struct {
	Name   string
	Entity *entity.Table
}

// Collector runs the five-step pass against one TransactionTable and a
// set of entity tables registered against it.
type Collector struct {
	txns   *txn.Table
	tables []Table
}

// New builds a Collector over txns, sweeping the given tables (entity
// tables and every treapindex's underlying node table — a treap node
// table is itself an entity.Table, so no separate handling is needed).
func New(txns *txn.Table, tables ...Table) *Collector {
	return &Collector{txns: txns, tables: tables}
}

// RunOnce performs one GarbageCollector pass:
//
//  1. Check every InProgress record in [tid_collecting, tid_next): confirm
//     its pid/start_time is still alive via /proc/<pid>. A dead pid's
//     transaction is finalized Aborted here rather than waited on forever.
//  2. Compute the new tid_collecting frontier: the oldest TID any live
//     snapshot might still need, i.e. the oldest still-InProgress
//     transaction's tid, or tid_next if none are in progress.
//  3. Sweep every registered table: free any row whose creating
//     transaction Aborted; clear a lock whose transaction has finished
//     and an xmax whose transaction Aborted, rather than leaving a write
//     field pointing at a dead transaction; physically free any row whose
//     xmax is Committed and below the frontier (no live snapshot needs
//     its old version anymore).
//  4. Advance tid_collecting to the frontier. The whole pass runs under
//     the transaction region's Write lock.
//  5. SUPPLEMENT (not in the distilled spec, added per original_source's
//     IndexManager defensive checks): after sweeping, re-verify that
//     index_root_master is still readable against the advanced frontier;
//     if a bug ever let it point at a row this pass just freed, that is
//     a corruption that must surface loudly rather than silently return
//     garbage to the next reader.
func (g *Collector) RunOnce() error {
	if err := g.txns.Region().Acquire(shm.Write); err != nil {
		return err
	}
	defer g.txns.Region().Release()

	g.reapDeadWriters()

	frontier := g.computeFrontier()

	for _, t := range g.tables {
		g.sweepTable(t, frontier)
	}

	g.txns.SetTidCollecting(frontier)
	metrics.GCFrontier.Set(float64(frontier))

	g.revalidateRoot(frontier)

	metrics.GCPassesRun.Inc()
	return nil
}

// reapDeadWriters scans the ring for InProgress records whose owning
// process is no longer the one that started them and aborts those
// transactions, per spec §4.8 step 1. Caller holds the txn region's
// Write lock.
func (g *Collector) reapDeadWriters() {
	next := g.txns.TidNext()
	collecting := g.txns.TidCollecting()
	for trid := collecting; trid < next; trid++ {
		rec, err := g.txns.RecordFor(trid)
		if err != nil || rec.Status != txn.InProgress {
			continue
		}
		if !txn.ProcessAlive(rec.Pid, rec.PidStartTime) {
			g.txns.SetStatus(trid, txn.Aborted)
		}
	}
}

// computeFrontier returns the oldest TID any live snapshot might still
// need: the oldest remaining InProgress transaction, or tid_next if none
// remain in progress. Caller holds the txn region's Write lock.
func (g *Collector) computeFrontier() txn.TID {
	next := g.txns.TidNext()
	collecting := g.txns.TidCollecting()
	for trid := collecting; trid < next; trid++ {
		rec, err := g.txns.RecordFor(trid)
		if err != nil {
			continue
		}
		if rec.Status == txn.InProgress {
			return trid
		}
	}
	return next
}

// sweepTable frees rows whose creating transaction aborted, clears stale
// write-intents and physically frees rows whose committed xmax now
// precedes frontier (spec §4.8 step 4).
func (g *Collector) sweepTable(t Table, frontier txn.TID) {
	if err := t.Entity.Region().Acquire(shm.Write); err != nil {
		return
	}
	defer t.Entity.Region().Release()

	maxLine := t.Entity.MaxLine()
	for r := entity.RowID(0); uint64(r) < maxLine; r++ {
		e := t.Entity.Entry(r)
		if e.Xmin == txn.TIDMax {
			continue // already free
		}
		if e.Xmin < frontier && g.settledOutcome(e.Xmin) == txn.Aborted {
			t.Entity.FreeTuple(r)
			metrics.GCRowsFreed.Inc()
			continue
		}

		if e.Lock != txn.TIDMax && g.settledOutcome(e.Lock) != txn.InProgress {
			t.Entity.ClearLock(r)
		}

		switch g.settledOutcome(e.Xmax) {
		case txn.Aborted:
			t.Entity.ClearXmax(r)
		case txn.Committed:
			if e.Xmax < frontier {
				t.Entity.FreeTuple(r)
				metrics.GCRowsFreed.Inc()
			}
		}
	}
}

// settledOutcome reports the status of target's owning transaction,
// treating an out-of-range (already-collected) target as Committed: its
// outcome was necessarily settled in an earlier pass.
func (g *Collector) settledOutcome(target txn.TID) txn.Status {
	if target == txn.TIDMax {
		return txn.Committed
	}
	rec, err := g.txns.RecordFor(target)
	if err != nil {
		return txn.Committed
	}
	return rec.Status
}

// revalidateRoot is the SUPPLEMENT step: confirm index_root_master
// didn't just get swept out from under the database. It cannot, if steps
// 2–4 are correct (the frontier calculation is exactly what keeps a live
// root's chain of ancestors unreclaimed), so tripping this is a bug
// worth a loud failure rather than a silently corrupt next read.
func (g *Collector) revalidateRoot(frontier txn.TID) {
	root := g.txns.IndexRootMaster()
	if root == txn.InvalidRow {
		return
	}
	for _, t := range g.tables {
		if t.Name != rootTableHint {
			continue
		}
		if !t.Entity.IsReadable(frontier, entity.RowID(root)) {
			panic("gc: index_root_master unreadable after sweep, frontier computation is broken")
		}
	}
}

// rootTableHint names the table RunOnce's caller should register with
// this exact Name if it wants step 5's defensive check performed; a
// Collector built without a table of this name simply skips the check,
// since it is a supplementary safety net, not a required step.
const rootTableHint = "$catalog.tree"
