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

package shm

import "encoding/binary"

// NameSize is the fixed width of the region name field on disk.
const NameSize = 64

// HeaderSize is the byte width of the common region header, the same for
// every region type. Region-specific tails (e.g. txn.Table's tid_next /
// tid_collecting / tcc_next / index_root_master) start immediately after it.
const HeaderSize = NameSize + 8*6

// Header is the common fixed layout described in spec §6: name, unit_size,
// max_line, memory_size, timeout_ms, free_begin, used_end. It is a view
// constructor over the first HeaderSize bytes of a Region's mapped data —
// callers read/write through Header's accessors, which go straight to the
// backing bytes, so changes are immediately visible to every process with
// the region mapped once the writer's lock is released.
type Header struct {
	b []byte // len(b) == HeaderSize, aliases Region.data[:HeaderSize]
}

// NewHeader wraps the first HeaderSize bytes of buf as a Header view.
func NewHeader(buf []byte) Header {
	if len(buf) < HeaderSize {
		panic("shm: buffer too small for header")
	}
	return Header{b: buf[:HeaderSize]}
}

func (h Header) Name() string {
	n := 0
	for n < NameSize && h.b[n] != 0 {
		n++
	}
	return string(h.b[:n])
}

func (h Header) SetName(name string) {
	clear(h.b[:NameSize])
	copy(h.b[:NameSize], name)
}

func (h Header) UnitSize() uint64     { return binary.LittleEndian.Uint64(h.b[NameSize:]) }
func (h Header) SetUnitSize(v uint64) { binary.LittleEndian.PutUint64(h.b[NameSize:], v) }

func (h Header) MaxLine() uint64     { return binary.LittleEndian.Uint64(h.b[NameSize+8:]) }
func (h Header) SetMaxLine(v uint64) { binary.LittleEndian.PutUint64(h.b[NameSize+8:], v) }

func (h Header) MemorySize() uint64     { return binary.LittleEndian.Uint64(h.b[NameSize+16:]) }
func (h Header) SetMemorySize(v uint64) { binary.LittleEndian.PutUint64(h.b[NameSize+16:], v) }

// TimeoutMS is the spec's configured statement TimeOut in ms; 0 means wait
// forever.
func (h Header) TimeoutMS() uint64     { return binary.LittleEndian.Uint64(h.b[NameSize+24:]) }
func (h Header) SetTimeoutMS(v uint64) { binary.LittleEndian.PutUint64(h.b[NameSize+24:], v) }

func (h Header) FreeBegin() int64     { return int64(binary.LittleEndian.Uint64(h.b[NameSize+32:])) }
func (h Header) SetFreeBegin(v int64) { binary.LittleEndian.PutUint64(h.b[NameSize+32:], uint64(v)) }

func (h Header) UsedEnd() int64     { return int64(binary.LittleEndian.Uint64(h.b[NameSize+40:])) }
func (h Header) SetUsedEnd(v int64) { binary.LittleEndian.PutUint64(h.b[NameSize+40:], uint64(v)) }

// Size computes the total region size for a row-oriented region holding
// maxLine rows of unitSize bytes each, entry size entrySize bytes each,
// plus an extra typeTail bytes for a region-specific header extension
// (e.g. TransactionTable's four counters). Matches spec §4.3:
// size = header + (entry_size+unit_size)*max_line, generalized with a tail.
func Size(maxLine, unitSize, entrySize uint64, typeTail int) uint64 {
	return HeaderSize + uint64(typeTail) + (entrySize+unitSize)*maxLine
}
