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

// Command shmdbd creates or attaches a shmdb fileset and offers a few
// operational subcommands: running one GC pass, dumping the catalog, and
// a micro-benchmark of the begin/insert/commit path.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/erigontech/shmdb/engine"
	"github.com/erigontech/shmdb/gc"
	"github.com/erigontech/shmdb/metrics"
	"github.com/erigontech/shmdb/shmconfig"
	"github.com/erigontech/shmdb/shminit"
)

type createCmd struct {
	Dir    string `arg:"" help:"Directory to create the fileset in."`
	Config string `arg:"" help:"Path to the config file (spec §6 grammar)."`
}

func (c *createCmd) Run(cli *rootCLI) error {
	f, err := os.Open(c.Config)
	if err != nil {
		return err
	}
	defer f.Close()

	specs, err := shmconfig.Parse(f)
	if err != nil {
		return err
	}
	reg, err := shminit.CreateMemory(c.Dir, specs, cli.schema())
	if err != nil {
		return err
	}
	defer reg.Close()

	fmt.Printf("created fileset in %s with %d regions: %v\n", c.Dir, len(reg.Names()), reg.Names())
	return nil
}

type attachCmd struct {
	Dir string `arg:"" help:"Directory holding an existing fileset."`
}

func (c *attachCmd) Run(cli *rootCLI) error {
	reg, err := shminit.AttachExisting(c.Dir, cli.schema())
	if err != nil {
		return err
	}
	defer reg.Close()

	fmt.Printf("attached %s: %d regions, %d indices\n", c.Dir, len(reg.Names()), len(reg.Indexes))
	return nil
}

type gcRunCmd struct {
	Dir string `arg:"" help:"Directory holding an existing fileset."`
}

func (c *gcRunCmd) Run(cli *rootCLI) error {
	reg, err := shminit.AttachExisting(c.Dir, cli.schema())
	if err != nil {
		return err
	}
	defer reg.Close()

	var tables []gc.Table
	for name, h := range reg.Indexes {
		tables = append(tables, gc.Table{Name: name, Entity: h.Base})
		tables = append(tables, gc.Table{Name: name + ".tree", Entity: h.Tree.Nodes()})
	}
	tables = append(tables, gc.Table{Name: "$catalog", Entity: reg.Catalog.Entries()})
	tables = append(tables, gc.Table{Name: "$catalog.tree", Entity: reg.Catalog.Tree().Nodes()})

	collector := gc.New(reg.Txns, tables...)
	if err := collector.RunOnce(); err != nil {
		return err
	}
	fmt.Println("gc pass complete")
	return nil
}

type catalogDumpCmd struct {
	Dir string `arg:"" help:"Directory holding an existing fileset."`
}

func (c *catalogDumpCmd) Run(cli *rootCLI) error {
	reg, err := shminit.AttachExisting(c.Dir, cli.schema())
	if err != nil {
		return err
	}
	defer reg.Close()

	for _, name := range reg.Names() {
		fmt.Println(name)
	}
	return nil
}

type benchCmd struct {
	Dir        string `arg:"" help:"Directory holding an existing fileset."`
	Index      string `help:"Index name to insert into." required:""`
	Iterations int    `help:"Number of insert transactions to run." default:"1000"`
}

func (c *benchCmd) Run(cli *rootCLI) error {
	reg, err := shminit.AttachExisting(c.Dir, cli.schema())
	if err != nil {
		return err
	}
	defer reg.Close()

	h, ok := reg.Indexes[c.Index]
	if !ok {
		return fmt.Errorf("no such index %q", c.Index)
	}
	payload := make([]byte, h.Base.UnitSize())

	start := time.Now()
	for i := 0; i < c.Iterations; i++ {
		err := engine.Run(context.Background(), reg.Txns, reg.Catalog, reg.Indexes, engine.Serializable, engine.DefaultRetryConfig, func(conn *engine.Connection) error {
			_, err := conn.Insert(c.Index, payload)
			return err
		})
		if err != nil {
			return err
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%d inserts in %s (%.0f/s)\n", c.Iterations, elapsed, float64(c.Iterations)/elapsed.Seconds())
	return nil
}

type rootCLI struct {
	Metrics string `help:"Loopback address to serve Prometheus metrics on, empty to disable." default:""`

	Create      createCmd      `cmd:"" help:"Create a brand-new fileset from a config file."`
	Attach      attachCmd      `cmd:"" help:"Attach an existing fileset."`
	GCRun       gcRunCmd       `cmd:"gc-run" help:"Run one GarbageCollector pass."`
	CatalogDump catalogDumpCmd `cmd:"catalog-dump" help:"List every attached region name."`
	Bench       benchCmd       `cmd:"" help:"Run an insert micro-benchmark against one index."`
}

// schema is a stand-in for the host-supplied row layout/comparator
// plugins (spec §1's "external collaborators with fixed interfaces");
// a real deployment links its own schema package in here instead.
func (r *rootCLI) schema() shminit.EntitySchema {
	return shminit.EntitySchema{}
}

func main() {
	var cli rootCLI
	ctx := kong.Parse(&cli, kong.Name("shmdbd"), kong.Description("shmdb fileset operator"))

	if cli.Metrics != "" {
		srv, err := metrics.Serve(cli.Metrics)
		ctx.FatalIfErrorf(err)
		defer srv.Close(context.Background())
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
