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

// Package treapindex implements TreapIndex: a persistent, copy-on-write
// randomized binary search tree over rows of a base entity.Table, per
// spec §4.4. Every structural change (insert, delete, rotation) allocates
// new node slots rather than mutating existing ones, so a root handed out
// under one transaction's snapshot stays valid and immutable for as long
// as that snapshot can see it; reclaiming superseded nodes is
// GarbageCollector's job (package gc), not treapindex's.
package treapindex

import (
	"math/rand/v2"

	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/metrics"
	"github.com/erigontech/shmdb/shmerr"
	"github.com/erigontech/shmdb/txn"
)

// NodeSize is the fixed payload width of one treap node: left, right,
// priority, target, 8 bytes each — the unitSize a caller passes to
// entity.Init when laying out a treap index's nodes region.
const NodeSize = 32

const nodeSize = NodeSize

// Node is the decoded payload of one treap entry.
type Node struct {
	Left     entity.RowID
	Right    entity.RowID
	Priority uint64
	Target   entity.RowID // row in the base table this index entry points to
}

// Table is an attached treap index: its own entity.Table of nodes, plus
// the Indexer used to order them and a reference to the base table whose
// rows the nodes point at.
type Table struct {
	nodes *entity.Table
	base  *entity.Table
	cmp   entity.Indexer
}

// Size returns the region size needed for maxLine nodes.
func Size(maxLine uint64) uint64 { return entity.Size(maxLine, nodeSize) }

// New wires a treap index over a nodes entity.Table already initialized
// with entity.Init(region, txnTable, name, maxLine, nodeSize, timeoutMS).
func New(nodes *entity.Table, base *entity.Table, cmp entity.Indexer) *Table {
	return &Table{nodes: nodes, base: base, cmp: cmp}
}

// Nodes returns the underlying node entity table (for Region().Acquire).
func (tr *Table) Nodes() *entity.Table { return tr.nodes }

func (tr *Table) readNode(r entity.RowID) Node {
	b := tr.nodes.Payload(r)
	return Node{
		Left:     int64(leUint64(b[0:8])),
		Right:    int64(leUint64(b[8:16])),
		Priority: leUint64(b[16:24]),
		Target:   int64(leUint64(b[24:32])),
	}
}

func (tr *Table) writeNode(r entity.RowID, n Node) {
	b := tr.nodes.Payload(r)
	putUint64(b[0:8], uint64(n.Left))
	putUint64(b[8:16], uint64(n.Right))
	putUint64(b[16:24], n.Priority)
	putUint64(b[24:32], uint64(n.Target))
}

// GetNode exposes a node's decoded fields, ok=false if root is Invalid.
func (tr *Table) GetNode(root entity.RowID) (Node, bool) {
	if root == entity.Invalid {
		return Node{}, false
	}
	return tr.readNode(root), true
}

func (tr *Table) targetPayload(target entity.RowID) []byte { return tr.base.Payload(target) }

// cow allocates a new node slot carrying n, retiring old (if any) via
// Supersede. Caller must hold the nodes region's Write lock.
func (tr *Table) cow(trid txn.TID, old entity.RowID, n Node) (entity.RowID, error) {
	newRow, err := tr.nodes.CreateTuple(trid)
	if err != nil {
		return entity.Invalid, err
	}
	tr.writeNode(newRow, n)
	if old != entity.Invalid {
		tr.nodes.Supersede(trid, old)
	}
	return newRow, nil
}

// Search walks root looking for a node matcher m accepts (Match==0), per
// spec §4.4. On a candidate hit, filter is applied as the default_matcher
// post-filter before the hit counts as found; filter may be nil to skip
// the step. When lockFlag is set and the row survives filter, it attempts
// to set the matched base row's lock field to trid via base, returning
// shmerr.ErrTimeout if the row is already Locked by another transaction.
// Caller must hold Read on the nodes region (and, if lockFlag, Write on
// base).
func (tr *Table) Search(trid txn.TID, root entity.RowID, m entity.IndexMatcher, filter entity.Matcher, lockFlag bool) (entity.RowID, bool, error) {
	cur := root
	for cur != entity.Invalid {
		node := tr.readNode(cur)
		payload := tr.targetPayload(node.Target)
		c := m.Match(payload)
		switch {
		case c == 0:
			if filter != nil && !filter.Matches(payload) {
				return entity.Invalid, false, nil
			}
			if lockFlag && !tr.base.TryLock(trid, node.Target) {
				return entity.Invalid, false, shmerr.ErrTimeout
			}
			return node.Target, true, nil
		case c < 0:
			cur = node.Left
		default:
			cur = node.Right
		}
	}
	return entity.Invalid, false, nil
}

// Walk performs an in-order traversal of the tree rooted at root, calling
// fn with each node's target row id. It stops early if fn returns false.
// Used by shminit.AttachExisting to rediscover every catalog entry with
// no separate manifest. Caller must hold Read on the nodes region.
func (tr *Table) Walk(root entity.RowID, fn func(target entity.RowID) bool) bool {
	if root == entity.Invalid {
		return true
	}
	node := tr.readNode(root)
	if !tr.Walk(node.Left, fn) {
		return false
	}
	if !fn(node.Target) {
		return false
	}
	return tr.Walk(node.Right, fn)
}

// Insert places target (already created in base) into the tree rooted at
// root, returning the new root. Caller must hold Write on the nodes
// region for the whole call.
func (tr *Table) Insert(trid txn.TID, root, target entity.RowID) (entity.RowID, error) {
	if root == entity.Invalid {
		return tr.cow(trid, entity.Invalid, Node{Left: entity.Invalid, Right: entity.Invalid, Priority: rand.Uint64(), Target: target})
	}

	node := tr.readNode(root)
	cmp := tr.cmp.Compare(tr.targetPayload(target), tr.targetPayload(node.Target))
	switch {
	case cmp == 0:
		return entity.Invalid, shmerr.ErrDuplicateKey
	case cmp < 0:
		newLeft, err := tr.Insert(trid, node.Left, target)
		if err != nil {
			return entity.Invalid, err
		}
		nn := node
		nn.Left = newLeft
		newRoot, err := tr.cow(trid, root, nn)
		if err != nil {
			return entity.Invalid, err
		}
		if left := tr.readNode(newLeft); left.Priority < nn.Priority {
			metrics.TreapRotations.WithLabelValues("right").Inc()
			return tr.rotateRight(trid, newRoot)
		}
		return newRoot, nil
	default:
		newRight, err := tr.Insert(trid, node.Right, target)
		if err != nil {
			return entity.Invalid, err
		}
		nn := node
		nn.Right = newRight
		newRoot, err := tr.cow(trid, root, nn)
		if err != nil {
			return entity.Invalid, err
		}
		if right := tr.readNode(newRight); right.Priority < nn.Priority {
			metrics.TreapRotations.WithLabelValues("left").Inc()
			return tr.rotateLeft(trid, newRoot)
		}
		return newRoot, nil
	}
}

// Delete removes target from the tree rooted at root, returning the new
// root (which may be Invalid). Caller must hold Write on the nodes
// region for the whole call.
func (tr *Table) Delete(trid txn.TID, root, target entity.RowID) (entity.RowID, error) {
	if root == entity.Invalid {
		return entity.Invalid, nil
	}
	node := tr.readNode(root)
	cmp := tr.cmp.Compare(tr.targetPayload(target), tr.targetPayload(node.Target))
	switch {
	case cmp < 0:
		newLeft, err := tr.Delete(trid, node.Left, target)
		if err != nil {
			return entity.Invalid, err
		}
		nn := node
		nn.Left = newLeft
		return tr.cow(trid, root, nn)
	case cmp > 0:
		newRight, err := tr.Delete(trid, node.Right, target)
		if err != nil {
			return entity.Invalid, err
		}
		nn := node
		nn.Right = newRight
		return tr.cow(trid, root, nn)
	default:
		merged, err := tr.mergeChildren(trid, node.Left, node.Right)
		if err != nil {
			return entity.Invalid, err
		}
		tr.nodes.Supersede(trid, root)
		return merged, nil
	}
}

func (tr *Table) mergeChildren(trid txn.TID, l, r entity.RowID) (entity.RowID, error) {
	if l == entity.Invalid {
		return r, nil
	}
	if r == entity.Invalid {
		return l, nil
	}
	ln, rn := tr.readNode(l), tr.readNode(r)
	if ln.Priority < rn.Priority {
		newRight, err := tr.mergeChildren(trid, ln.Right, r)
		if err != nil {
			return entity.Invalid, err
		}
		nn := ln
		nn.Right = newRight
		return tr.cow(trid, l, nn)
	}
	newLeft, err := tr.mergeChildren(trid, l, rn.Left)
	if err != nil {
		return entity.Invalid, err
	}
	nn := rn
	nn.Left = newLeft
	return tr.cow(trid, r, nn)
}

// rotateRight rebalances root whose left child has higher priority
// (lower numeric value), producing two freshly COW'd nodes.
func (tr *Table) rotateRight(trid txn.TID, root entity.RowID) (entity.RowID, error) {
	node := tr.readNode(root)
	leftRow := node.Left
	left := tr.readNode(leftRow)

	newRootNode := node
	newRootNode.Left = left.Right
	newRootRow, err := tr.cow(trid, root, newRootNode)
	if err != nil {
		return entity.Invalid, err
	}

	newLeftNode := left
	newLeftNode.Right = newRootRow
	return tr.cow(trid, leftRow, newLeftNode)
}

func (tr *Table) rotateLeft(trid txn.TID, root entity.RowID) (entity.RowID, error) {
	node := tr.readNode(root)
	rightRow := node.Right
	right := tr.readNode(rightRow)

	newRootNode := node
	newRootNode.Right = right.Left
	newRootRow, err := tr.cow(trid, root, newRootNode)
	if err != nil {
		return entity.Invalid, err
	}

	newRightNode := right
	newRightNode.Left = newRootRow
	return tr.cow(trid, rightRow, newRightNode)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
