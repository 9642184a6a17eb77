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

// Package catalog implements IndexCatalog, the catalog of catalogs: a
// TreapIndex, like any other, whose rows are (name, entity_name,
// current_root) entries keyed by name, per spec §4.6. Every named index (including the catalog
// itself) publishes its current root here; the single root of this
// catalog is txn.Table's index_root_master, the one pointer every
// process needs in order to find everything else in the database.
package catalog

import (
	"bytes"

	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/treapindex"
	"github.com/erigontech/shmdb/txn"
)

// NameSize is the fixed width of a catalog entry's name and entity_name
// fields.
const NameSize = 64

// EntrySize is the payload width of one catalog entry: name, entity_name,
// root. Carrying entity_name lets AttachExisting rediscover which base
// table a named index points into purely from the on-disk catalog, with
// no separate manifest (spec §4.9 SUPPLEMENT).
const EntrySize = NameSize + NameSize + 8

const entrySize = EntrySize

// Entry is the decoded form of one catalog row.
type Entry struct {
	Name       string
	EntityName string
	Root       entity.RowID // current root of the named index
}

// Size returns the region size needed for maxLine catalog entries.
func Size(maxLine uint64) uint64 { return entity.Size(maxLine, entrySize) }

func encode(b []byte, e Entry) {
	clear(b[:NameSize])
	copy(b[:NameSize], e.Name)
	clear(b[NameSize : 2*NameSize])
	copy(b[NameSize:2*NameSize], e.EntityName)
	putUint64(b[2*NameSize:2*NameSize+8], uint64(e.Root))
}

func decode(b []byte) Entry {
	return Entry{
		Name:       cstr(b[0:NameSize]),
		EntityName: cstr(b[NameSize : 2*NameSize]),
		Root:       int64(leUint64(b[2*NameSize : 2*NameSize+8])),
	}
}

func cstr(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// byName orders catalog entries lexicographically by their zero-padded
// name field, satisfying entity.Indexer.
type byName struct{}

func (byName) Compare(a, b []byte) int { return bytes.Compare(a[:NameSize], b[:NameSize]) }

// nameMatcher prunes a treap walk toward an exact name, satisfying
// entity.IndexMatcher.
type nameMatcher struct{ key [NameSize]byte }

func newNameMatcher(name string) nameMatcher {
	var m nameMatcher
	copy(m.key[:], name)
	return m
}

func (m nameMatcher) Match(payload []byte) int {
	return bytes.Compare(m.key[:], payload[:NameSize])
}

// Indexer is the shared comparator for every IndexCatalog tree; exported
// so callers building a catalog's entity.Table/treapindex.Table pair use
// the same ordering treapindex.New expects.
var Indexer entity.Indexer = byName{}

// Table is an attached catalog of catalogs.
type Table struct {
	entries *entity.Table
	tree    *treapindex.Table
}

// New wires a catalog over an entries entity.Table (payload = Entry) and
// the treapindex.Table indexing it by name.
func New(entries *entity.Table, tree *treapindex.Table) *Table {
	return &Table{entries: entries, tree: tree}
}

func (c *Table) Entries() *entity.Table  { return c.entries }
func (c *Table) Tree() *treapindex.Table { return c.tree }

// EntryAt decodes the catalog entry stored at row, e.g. for a caller
// (shminit.AttachExisting) walking the tree directly via Tree().Walk.
func (c *Table) EntryAt(row entity.RowID) Entry { return decode(c.entries.Payload(row)) }

// Lookup finds the named entry's current index root. root is the
// catalog-of-catalogs' own root (txn.Table.IndexRootMaster()). Caller
// must hold Read on both the tree's and entries' regions.
func (c *Table) Lookup(trid txn.TID, root entity.RowID, name string) (Entry, bool, error) {
	row, found, err := c.tree.Search(trid, root, newNameMatcher(name), nil, false)
	if err != nil || !found {
		return Entry{}, false, err
	}
	return decode(c.entries.Payload(row)), true, nil
}

// LockRoot is the select-for-update variant of Lookup: it also sets the
// matched entry's lock field to trid (spec §4.6 lock_catalog_root),
// returning shmerr.ErrTimeout if another transaction already holds it.
// Caller must hold Read on the tree region and Write on the entries
// region for the duration of the call.
func (c *Table) LockRoot(trid txn.TID, root entity.RowID, name string) (entity.RowID, Entry, bool, error) {
	row, found, err := c.tree.Search(trid, root, newNameMatcher(name), nil, true)
	if err != nil || !found {
		return entity.Invalid, Entry{}, false, err
	}
	return row, decode(c.entries.Payload(row)), true, nil
}

// CreateEntry registers a brand-new named index with initialRoot,
// returning the catalog entry's row id and the new catalog-of-catalogs
// root. Caller must hold Write on both the entries and tree regions.
func (c *Table) CreateEntry(trid txn.TID, catalogRoot entity.RowID, name, entityName string, initialRoot entity.RowID) (entity.RowID, entity.RowID, error) {
	row, err := c.entries.CreateTuple(trid)
	if err != nil {
		return entity.Invalid, entity.Invalid, err
	}
	encode(c.entries.Payload(row), Entry{Name: name, EntityName: entityName, Root: initialRoot})

	newCatalogRoot, err := c.tree.Insert(trid, catalogRoot, row)
	if err != nil {
		return entity.Invalid, entity.Invalid, err
	}
	return row, newCatalogRoot, nil
}

// UpdateRoot rewrites entryRow's Root field to newIndexRoot. If the
// snapshot-isolated update_tuple call produces a fresh row (the entry was
// not already Writable to trid), the catalog tree itself is repointed at
// the new row: the old one is deleted and the new one inserted under the
// same name. Returns the possibly-new entry row and the possibly-new
// catalog-of-catalogs root. Caller must hold Write on both entries and
// tree regions.
func (c *Table) UpdateRoot(trid txn.TID, catalogRoot, entryRow, newIndexRoot entity.RowID) (entity.RowID, entity.RowID, error) {
	old := decode(c.entries.Payload(entryRow))

	newRow, err := c.entries.UpdateTuple(trid, entryRow)
	if err != nil {
		return entity.Invalid, entity.Invalid, err
	}
	encode(c.entries.Payload(newRow), Entry{Name: old.Name, EntityName: old.EntityName, Root: newIndexRoot})

	if newRow == entryRow {
		return newRow, catalogRoot, nil
	}

	root, err := c.tree.Delete(trid, catalogRoot, entryRow)
	if err != nil {
		return entity.Invalid, entity.Invalid, err
	}
	root, err = c.tree.Insert(trid, root, newRow)
	if err != nil {
		return entity.Invalid, entity.Invalid, err
	}
	return newRow, root, nil
}

// RootVisible implements txn.RootVisibleFunc for the catalog-of-catalogs
// root: a root is safe to publish as the new index_root_master once its
// node is itself readable to the committing transaction (grounded on
// original_source's IndexManager::is_index_root_valid: "root is valid and
// its tuple is readable"). An Invalid root (empty catalog) is always
// safe to publish.
func (c *Table) RootVisible(trid txn.TID, root entity.RowID) bool {
	if root == entity.Invalid {
		return true
	}
	return c.tree.Nodes().IsReadable(trid, root)
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
