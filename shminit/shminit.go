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

// Package shminit implements Initializer: CreateMemory builds a fresh
// fileset from a parsed config, AttachExisting maps an existing one and
// rediscovers its indices by walking the catalog — neither keeps any
// manifest of "what exists" other than the catalog itself (spec §4.9).
package shminit

import (
	"path/filepath"

	"github.com/google/btree"

	"github.com/erigontech/shmdb/catalog"
	"github.com/erigontech/shmdb/engine"
	"github.com/erigontech/shmdb/entity"
	"github.com/erigontech/shmdb/shm"
	"github.com/erigontech/shmdb/shmconfig"
	"github.com/erigontech/shmdb/shmerr"
	"github.com/erigontech/shmdb/treapindex"
	"github.com/erigontech/shmdb/txn"
)

const (
	fileSuffix = ".table"

	nameEntityMaster  = "EntityMaster"
	nameIndexMgr      = "IndexMgr"
	nameIndexMgrIndex = "IndexMgrIndex"
)

type namedRegion struct {
	name   string
	region *shm.Region
}

func lessRegion(a, b namedRegion) bool { return a.name < b.name }

// Registry is the process-wide set of live attachments: the three
// well-known base pointers plus every discovered entity and index, per
// spec §9 "Global mutable state... pass it explicitly". Built once at
// CreateMemory/AttachExisting time, never read from ambient globals.
type Registry struct {
	dir     string
	regions *btree.BTreeG[namedRegion]

	Txns    *txn.Table
	Catalog *catalog.Table
	Indexes engine.Registry
}

// Names returns every attached region name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.regions.Len())
	r.regions.Ascend(func(nr namedRegion) bool {
		names = append(names, nr.name)
		return true
	})
	return names
}

func (r *Registry) region(name string) (*shm.Region, bool) {
	nr, ok := r.regions.Get(namedRegion{name: name})
	return nr.region, ok
}

func (r *Registry) put(name string, region *shm.Region) {
	r.regions.ReplaceOrInsert(namedRegion{name: name, region: region})
}

func path(dir, name string) string { return filepath.Join(dir, "SHM::"+name+fileSuffix) }

// EntitySchema is the host-supplied, compile-time knowledge a config file
// cannot carry: the payload width and (for indexed entities) comparator
// for each named entity/index, since Go row layouts and comparators are
// plugins with fixed interfaces (spec §1), not serializable config.
type EntitySchema struct {
	UnitSizes map[string]uint64              // entity name -> payload width
	Indexers  map[string]entity.Indexer      // index name -> comparator
}

// CreateMemory builds a brand-new fileset under dir from specs, wiring up
// every Entity and Index record it finds.
func CreateMemory(dir string, specs []shmconfig.RegionSpec, schema EntitySchema) (*Registry, error) {
	reg := &Registry{dir: dir, regions: btree.NewG(32, lessRegion), Indexes: engine.Registry{}}

	var trMgr, indexMgr, indexMgrIndex *shmconfig.RegionSpec
	var entities, indexes []shmconfig.RegionSpec
	for i := range specs {
		s := specs[i]
		switch s.Kind {
		case shmconfig.TrMgr:
			trMgr = &s
		case shmconfig.IndexMgr:
			indexMgr = &s
		case shmconfig.IndexMgrIndex:
			indexMgrIndex = &s
		case shmconfig.Entity, shmconfig.EntityMaster:
			entities = append(entities, s)
		case shmconfig.Index:
			indexes = append(indexes, s)
		}
	}
	if trMgr == nil || indexMgr == nil || indexMgrIndex == nil {
		return nil, shmerr.Fatal(shmerr.ErrConfigFormat, "config missing TrMgr/IndexMgr/IndexMgrIndex")
	}

	txnRegion, err := shm.Create(path(dir, txn.WellKnownName), txn.Size(trMgr.MaxLine))
	if err != nil {
		return nil, err
	}
	txns := txn.Init(txnRegion, trMgr.MaxLine, trMgr.TimeOutMS)
	reg.put(txn.WellKnownName, txnRegion)
	reg.Txns = txns

	entriesRegion, err := shm.Create(path(dir, nameIndexMgr), catalog.Size(indexMgr.MaxLine))
	if err != nil {
		return nil, err
	}
	entries := entity.Init(entriesRegion, txns, nameIndexMgr, indexMgr.MaxLine, catalog.EntrySize, indexMgr.TimeOutMS)
	reg.put(nameIndexMgr, entriesRegion)

	nodesRegion, err := shm.Create(path(dir, nameIndexMgrIndex), treapindex.Size(indexMgrIndex.MaxLine))
	if err != nil {
		return nil, err
	}
	nodes := entity.Init(nodesRegion, txns, nameIndexMgrIndex, indexMgrIndex.MaxLine, treapindex.NodeSize, indexMgrIndex.TimeOutMS)
	reg.put(nameIndexMgrIndex, nodesRegion)

	tree := treapindex.New(nodes, entries, catalog.Indexer)
	cat := catalog.New(entries, tree)
	reg.Catalog = cat

	for _, e := range entities {
		unitSize, ok := schema.UnitSizes[e.EntityName]
		if !ok {
			return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "no UnitSize supplied for entity %q", e.EntityName)
		}
		r, err := shm.Create(path(dir, e.EntityName), entity.Size(e.MaxLine, unitSize))
		if err != nil {
			return nil, err
		}
		entity.Init(r, txns, e.EntityName, e.MaxLine, unitSize, e.TimeOutMS)
		reg.put(e.EntityName, r)
	}

	trid, err := txns.Begin()
	if err != nil {
		return nil, err
	}
	for _, ix := range indexes {
		cmp, ok := schema.Indexers[ix.IndexName]
		if !ok {
			txns.Abort(trid)
			return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "no Indexer supplied for index %q", ix.IndexName)
		}
		baseRegion, ok := reg.region(ix.EntityName)
		if !ok {
			txns.Abort(trid)
			return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "index %q names unknown entity %q", ix.IndexName, ix.EntityName)
		}
		base := entity.New(baseRegion, txns)

		ixNodesRegion, err := shm.Create(path(dir, ix.IndexName), treapindex.Size(ix.MaxLine))
		if err != nil {
			txns.Abort(trid)
			return nil, err
		}
		ixNodes := entity.Init(ixNodesRegion, txns, ix.IndexName, ix.MaxLine, treapindex.NodeSize, ix.TimeOutMS)
		reg.put(ix.IndexName, ixNodesRegion)
		ixTree := treapindex.New(ixNodes, base, cmp)

		// Acquired txn-region first, entity regions after — the same order
		// engine.Connection and gc.Collector.RunOnce use, even though this
		// single-process bootstrap never actually contends with them.
		if err := txns.Region().Acquire(shm.Write); err != nil {
			txns.Abort(trid)
			return nil, err
		}
		if err := ixNodesRegion.Acquire(shm.Write); err != nil {
			txns.Region().Release()
			txns.Abort(trid)
			return nil, err
		}
		if err := entriesRegion.Acquire(shm.Write); err != nil {
			ixNodesRegion.Release()
			txns.Region().Release()
			txns.Abort(trid)
			return nil, err
		}
		if err := nodesRegion.Acquire(shm.Write); err != nil {
			entriesRegion.Release()
			ixNodesRegion.Release()
			txns.Region().Release()
			txns.Abort(trid)
			return nil, err
		}

		_, newCatalogRoot, err := cat.CreateEntry(trid, entity.RowID(txns.IndexRootMaster()), ix.IndexName, ix.EntityName, entity.Invalid)
		if err == nil {
			err = txns.SetIndexRoot(trid, int64(newCatalogRoot))
		}
		nodesRegion.Release()
		entriesRegion.Release()
		ixNodesRegion.Release()
		txns.Region().Release()
		if err != nil {
			txns.Abort(trid)
			return nil, err
		}

		reg.Indexes[ix.IndexName] = &engine.IndexHandle{Base: base, Tree: ixTree}
	}
	if err := txns.Commit(trid, func(t txn.TID, root int64) bool { return cat.RootVisible(t, entity.RowID(root)) }); err != nil {
		return nil, err
	}

	return reg, nil
}

// AttachExisting maps an existing fileset and rediscovers every index by
// walking the catalog-of-catalogs, needing schema (UnitSizes/Indexers)
// for the same reason CreateMemory does: Go row layouts and comparators
// are plugins, not serialized state.
func AttachExisting(dir string, schema EntitySchema) (*Registry, error) {
	reg := &Registry{dir: dir, regions: btree.NewG(32, lessRegion), Indexes: engine.Registry{}}

	txnRegion, err := shm.Open(path(dir, txn.WellKnownName))
	if err != nil {
		return nil, err
	}
	txns := txn.New(txnRegion)
	reg.put(txn.WellKnownName, txnRegion)
	reg.Txns = txns

	entriesRegion, err := shm.Open(path(dir, nameIndexMgr))
	if err != nil {
		return nil, err
	}
	entries := entity.New(entriesRegion, txns)
	reg.put(nameIndexMgr, entriesRegion)

	nodesRegion, err := shm.Open(path(dir, nameIndexMgrIndex))
	if err != nil {
		return nil, err
	}
	nodes := entity.New(nodesRegion, txns)
	reg.put(nameIndexMgrIndex, nodesRegion)

	tree := treapindex.New(nodes, entries, catalog.Indexer)
	cat := catalog.New(entries, tree)
	reg.Catalog = cat

	trid, err := txns.Begin()
	if err != nil {
		return nil, err
	}
	defer txns.Abort(trid) // read-only discovery pass, never committed

	if err := nodesRegion.Acquire(shm.Read); err != nil {
		return nil, err
	}
	if err := entriesRegion.Acquire(shm.Read); err != nil {
		nodesRegion.Release()
		return nil, err
	}
	var walkErr error
	tree.Walk(entity.RowID(txns.IndexRootMaster()), func(row entity.RowID) bool {
		if !entries.IsReadable(trid, row) {
			return true
		}
		ent := cat.EntryAt(row)
		if _, known := reg.regions.Get(namedRegion{name: ent.Name}); known {
			return true
		}

		if _, ok := schema.UnitSizes[ent.EntityName]; !ok {
			walkErr = shmerr.Fatalf(shmerr.ErrCatalogCorrupt, "no UnitSize supplied for rediscovered entity %q", ent.EntityName)
			return false
		}
		cmp, ok := schema.Indexers[ent.Name]
		if !ok {
			walkErr = shmerr.Fatalf(shmerr.ErrCatalogCorrupt, "no Indexer supplied for rediscovered index %q", ent.Name)
			return false
		}

		var base *entity.Table
		if baseRegion, ok := reg.region(ent.EntityName); ok {
			base = entity.New(baseRegion, txns)
		} else {
			baseRegion, err := shm.Open(path(dir, ent.EntityName))
			if err != nil {
				walkErr = err
				return false
			}
			// unitSize is already recorded in baseRegion's own header;
			// it only needed checking above, not reapplying here.
			reg.put(ent.EntityName, baseRegion)
			base = entity.New(baseRegion, txns)
		}

		ixNodesRegion, err := shm.Open(path(dir, ent.Name))
		if err != nil {
			walkErr = err
			return false
		}
		reg.put(ent.Name, ixNodesRegion)
		ixNodes := entity.New(ixNodesRegion, txns)
		reg.Indexes[ent.Name] = &engine.IndexHandle{Base: base, Tree: treapindex.New(ixNodes, base, cmp)}
		return true
	})
	entriesRegion.Release()
	nodesRegion.Release()
	if walkErr != nil {
		return nil, walkErr
	}

	return reg, nil
}

// Close unmaps every region this Registry attached.
func (r *Registry) Close() error {
	var first error
	r.regions.Ascend(func(nr namedRegion) bool {
		if err := nr.region.Close(); err != nil && first == nil {
			first = err
		}
		return true
	})
	return first
}
