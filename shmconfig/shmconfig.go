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

// Package shmconfig parses the Initializer config file grammar (spec §6):
// line-based key=value, '#' comments, continuation lines, records opened
// by one of seven parent tags. It is a hand-rolled scanner rather than a
// markup-library wrapper because the grammar matches no format a pack
// library targets — see DESIGN.md.
package shmconfig

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/erigontech/shmdb/shmerr"
)

// Kind is the parent tag that opened a RegionSpec.
type Kind int

const (
	TrMgr Kind = iota
	EntityMaster
	IndexMgr
	IndexMgrIndex
	Index
	Entity
	IndexEntry
)

var kindNames = map[string]Kind{
	"TrMgr":        TrMgr,
	"EntityMaster": EntityMaster,
	"IndexMgr":     IndexMgr,
	"IndexMgrIndex": IndexMgrIndex,
	"Index":        Index,
	"Entity":       Entity,
	"IndexEntry":   IndexEntry,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "Unknown"
}

// RegionSpec is one parsed record: a parent tag plus whichever child
// tags it carried. Not every field applies to every Kind — shminit reads
// the ones relevant to the Kind it's building.
type RegionSpec struct {
	Kind       Kind
	MaxLine    uint64
	TimeOutMS  uint64
	EntityName string
	IndexName  string
	IndexID    string
	Indexer    string
}

const childMinLen, childMaxLen = 5, 63

// Parse reads the config grammar from r. Continuation lines (a non-empty
// line containing no '=' that isn't a new parent/child key) are appended
// to the previous key's value, space-joined, until the next key line.
// TimeOut's last-seen value becomes the default TimeOutMS for every
// later record that doesn't specify its own.
func Parse(r io.Reader) ([]RegionSpec, error) {
	scanner := bufio.NewScanner(r)

	var specs []RegionSpec
	var cur *RegionSpec
	var lastKey string
	var defaultTimeout uint64

	flush := func() {
		if cur != nil {
			if cur.TimeOutMS == 0 {
				cur.TimeOutMS = defaultTimeout
			}
			specs = append(specs, *cur)
		}
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, hasEq := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		_, isParent := kindNames[key]
		if !hasEq && !isParent {
			// Continuation of the previous key's value.
			if cur == nil || lastKey == "" {
				return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "line %d: continuation with no preceding key", lineNo)
			}
			if err := applyField(cur, lastKey, cur.fieldString(lastKey)+" "+line, &defaultTimeout); err != nil {
				return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "line %d: %v", lineNo, err)
			}
			continue
		}

		if kind, ok := kindNames[key]; ok {
			flush()
			cur = &RegionSpec{Kind: kind}
			lastKey = ""
			if value != "" {
				// A parent tag line may itself carry an inline value,
				// though normally its children follow on later lines.
				continue
			}
			continue
		}

		if cur == nil {
			return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "line %d: child tag %q before any parent tag", lineNo, key)
		}
		if err := applyField(cur, key, value, &defaultTimeout); err != nil {
			return nil, shmerr.Fatalf(shmerr.ErrConfigFormat, "line %d: %v", lineNo, err)
		}
		lastKey = key
	}
	if err := scanner.Err(); err != nil {
		return nil, shmerr.Fatalf(shmerr.ErrFileIO, "reading config: %v", err)
	}
	flush()
	return specs, nil
}

func (s *RegionSpec) fieldString(key string) string {
	switch key {
	case "EntityName":
		return s.EntityName
	case "IndexName":
		return s.IndexName
	case "IndexID":
		return s.IndexID
	case "Indexer":
		return s.Indexer
	default:
		return ""
	}
}

func applyField(s *RegionSpec, key, value string, defaultTimeout *uint64) error {
	switch key {
	case "MaxLine":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("MaxLine must be a decimal >= 1, got %q", value)
		}
		s.MaxLine = n
	case "TimeOut":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("TimeOut must be decimal ms, got %q", value)
		}
		s.TimeOutMS = n
		*defaultTimeout = n
	case "EntityName":
		if err := checkTagLen(value); err != nil {
			return err
		}
		s.EntityName = value
	case "IndexName":
		if err := checkTagLen(value); err != nil {
			return err
		}
		s.IndexName = value
	case "IndexID":
		if err := checkTagLen(value); err != nil {
			return err
		}
		s.IndexID = value
	case "Indexer":
		if err := checkTagLen(value); err != nil {
			return err
		}
		s.Indexer = value
	default:
		return fmt.Errorf("unrecognized key %q", key)
	}
	return nil
}

func checkTagLen(v string) error {
	if len(v) < childMinLen || len(v) > childMaxLen {
		return fmt.Errorf("value %q must be %d..%d characters", v, childMinLen, childMaxLen)
	}
	return nil
}
