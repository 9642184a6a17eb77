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

package shmconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/shmdb/shmerr"
)

func TestParseSingleEntityRecord(t *testing.T) {
	require := require.New(t)
	cfg := `
# a widgets base table
Entity
MaxLine=1000
TimeOut=250
EntityName=widgets_base_table
`
	specs, err := Parse(strings.NewReader(cfg))
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal(Entity, specs[0].Kind)
	require.EqualValues(1000, specs[0].MaxLine)
	require.EqualValues(250, specs[0].TimeOutMS)
	require.Equal("widgets_base_table", specs[0].EntityName)
}

func TestParseMultipleRecordsInOneFile(t *testing.T) {
	require := require.New(t)
	cfg := `
TrMgr
MaxLine=64

Entity
MaxLine=1000
EntityName=widgets_base_table

IndexEntry
IndexName=widgets_by_id_tree
IndexID=by_id_index_xyz
Indexer=widgets_id_comparator
`
	specs, err := Parse(strings.NewReader(cfg))
	require.NoError(err)
	require.Len(specs, 3)
	require.Equal(TrMgr, specs[0].Kind)
	require.Equal(Entity, specs[1].Kind)
	require.Equal(IndexEntry, specs[2].Kind)
	require.Equal("widgets_by_id_tree", specs[2].IndexName)
	require.Equal("by_id_index_xyz", specs[2].IndexID)
	require.Equal("widgets_id_comparator", specs[2].Indexer)
}

func TestParseContinuationLineAppendsToPreviousValue(t *testing.T) {
	require := require.New(t)
	cfg := `
Entity
MaxLine=1000
EntityName=widgets_base
table_continued
`
	specs, err := Parse(strings.NewReader(cfg))
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal("widgets_base table_continued", specs[0].EntityName)
}

func TestParseTimeOutDefaultsPropagateToLaterRecords(t *testing.T) {
	require := require.New(t)
	cfg := `
Entity
MaxLine=1000
TimeOut=500
EntityName=widgets_base_table

Entity
MaxLine=2000
EntityName=gadgets_base_table
`
	specs, err := Parse(strings.NewReader(cfg))
	require.NoError(err)
	require.Len(specs, 2)
	require.EqualValues(500, specs[0].TimeOutMS)
	require.EqualValues(500, specs[1].TimeOutMS, "a record with no TimeOut inherits the last-seen default")
}

func TestParseBlankLinesAndCommentsIgnored(t *testing.T) {
	require := require.New(t)
	cfg := `
# leading comment

Entity
# comment between fields
MaxLine=1000

EntityName=widgets_base_table
`
	specs, err := Parse(strings.NewReader(cfg))
	require.NoError(err)
	require.Len(specs, 1)
	require.Equal("widgets_base_table", specs[0].EntityName)
}

func TestParseMaxLineNonNumericFails(t *testing.T) {
	require := require.New(t)
	cfg := `
Entity
MaxLine=not_a_number
EntityName=widgets_base_table
`
	_, err := Parse(strings.NewReader(cfg))
	require.Error(err)
	require.ErrorIs(err, shmerr.ErrConfigFormat)
}

func TestParseChildTagBeforeParentFails(t *testing.T) {
	require := require.New(t)
	cfg := `MaxLine=1000`
	_, err := Parse(strings.NewReader(cfg))
	require.Error(err)
	require.ErrorIs(err, shmerr.ErrConfigFormat)
}

func TestParseContinuationWithNoPrecedingKeyFails(t *testing.T) {
	require := require.New(t)
	cfg := `
Entity
a continuation line with no key before it
`
	_, err := Parse(strings.NewReader(cfg))
	require.Error(err)
	require.ErrorIs(err, shmerr.ErrConfigFormat)
}

func TestParseEntityNameTooShortFails(t *testing.T) {
	require := require.New(t)
	cfg := `
Entity
MaxLine=1000
EntityName=ab
`
	_, err := Parse(strings.NewReader(cfg))
	require.Error(err)
	require.ErrorIs(err, shmerr.ErrConfigFormat)
}

func TestKindStringRoundTrips(t *testing.T) {
	require := require.New(t)
	for name, kind := range map[string]Kind{
		"TrMgr":         TrMgr,
		"EntityMaster":  EntityMaster,
		"IndexMgr":      IndexMgr,
		"IndexMgrIndex": IndexMgrIndex,
		"Index":         Index,
		"Entity":        Entity,
		"IndexEntry":    IndexEntry,
	} {
		require.Equal(name, kind.String())
	}
}
