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

// Package shm implements Region: a named, persisted, memory-mapped
// fixed-size file region with a typed header and a reentrant advisory
// file-range lock, per spec §4.1.
package shm

import (
	"fmt"
	"os"
	"sync"

	"github.com/anacrolix/log"
	"github.com/c2h5oh/datasize"
	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"

	"github.com/erigontech/shmdb/shmerr"
)

// Region owns its backing file descriptor and mapped byte tail exclusively;
// it is lent out (via Data/Header/Tail) to entity.Table / txn.Table for the
// duration of an operation, per spec §3 Ownership.
type Region struct {
	path string
	file *os.File
	data mmap.MMap

	mu         sync.Mutex
	lockMode   Mode
	lockCount  int

	logger log.Logger
}

// Create opens (creating if absent) the file at path, ensures it is at
// least size bytes (rounded up to a whole number of OS pages) by growing
// with seek+write, then maps it read/write shared. A sibling lock file
// path+".initlock" (gofrs/flock, whole-file flock(2)) serializes this
// create-or-grow race between the first processes to touch the region —
// a distinct, coarser concern than the per-operation fcntl range lock
// acquired later via Acquire/Release.
func Create(path string, size uint64) (*Region, error) {
	initLock := flock.New(path + ".initlock")
	if err := initLock.Lock(); err != nil {
		return nil, shmerr.Fatalf(shmerr.ErrLockFailed, "init-lock %s: %v", path, err)
	}
	defer initLock.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, shmerr.Fatalf(shmerr.ErrFileIO, "open %s: %v", path, err)
	}

	page := uint64(os.Getpagesize())
	want := ((size + page - 1) / page) * page

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, shmerr.Fatalf(shmerr.ErrFileIO, "fstat %s: %v", path, err)
	}
	if uint64(st.Size()) < want {
		if _, err := f.Seek(int64(want)-1, 0); err != nil {
			f.Close()
			return nil, shmerr.Fatalf(shmerr.ErrFileIO, "seek %s: %v", path, err)
		}
		if _, err := f.Write([]byte{0}); err != nil {
			f.Close()
			return nil, shmerr.Fatalf(shmerr.ErrFileIO, "grow %s: %v", path, err)
		}
	}

	return mapRegion(path, f)
}

// Open maps an existing region file at path as-is (no growth), used by
// shminit.AttachExisting to reattach a fileset another process created.
func Open(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, shmerr.Fatalf(shmerr.ErrFileIO, "open %s: %v", path, err)
	}
	return mapRegion(path, f)
}

func mapRegion(path string, f *os.File) (*Region, error) {
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, shmerr.Fatalf(shmerr.ErrMapFailed, "mmap %s: %v", path, err)
	}
	r := &Region{
		path:   path,
		file:   f,
		data:   data,
		logger: log.Default.WithNames("shm"),
	}
	r.logger.Levelf(log.Info, "region mapped path=%s size=%s", path, datasize.ByteSize(len(data)).HumanReadable())
	return r, nil
}

// Data returns the full mapped byte slice (header + type tail + entries +
// payload). Callers slice it themselves per their layout.
func (r *Region) Data() []byte { return r.data }

// Header returns the common-header view over the first HeaderSize bytes.
func (r *Region) Header() Header { return NewHeader(r.data) }

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Acquire takes a blocking range lock covering the whole file. Reentrant:
// a second Acquire from the same Region value while lockCount > 0 just
// increments the counter, UNLESS it would escalate from Read to Write,
// which is forbidden (spec §4.1, §9 Open Question) and returns a fatal
// *shmerr.FatalError without blocking or mutating any state.
func (r *Region) Acquire(mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lockCount > 0 {
		if r.lockMode == Read && mode == Write {
			return shmerr.Fatalf(shmerr.ErrLockFailed,
				"region %s: Read->Write escalation forbidden", r.Header().Name())
		}
		r.lockCount++
		return nil
	}

	if err := fcntlRange(r.file, mode); err != nil {
		return shmerr.Fatalf(shmerr.ErrLockFailed, "flock region %s mode=%d: %v", r.path, mode, err)
	}
	r.lockMode = mode
	r.lockCount = 1
	r.logger.Levelf(log.Debug, "region %s locked mode=%d", r.path, mode)
	return nil
}

// Release decrements the reentrant counter; the final release issues an
// F_UNLCK.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lockCount == 0 {
		return shmerr.Fatal(shmerr.ErrLockFailed, "release without a held lock")
	}
	r.lockCount--
	if r.lockCount == 0 {
		if err := fcntlRange(r.file, Unlocked); err != nil {
			return shmerr.Fatalf(shmerr.ErrLockFailed, "unlock region %s: %v", r.path, err)
		}
		r.lockMode = Unlocked
		r.logger.Levelf(log.Debug, "region %s unlocked", r.path)
	}
	return nil
}

// Close unmaps and closes the backing file. Not safe to call while any
// Acquire is outstanding.
func (r *Region) Close() error {
	if err := r.data.Unmap(); err != nil {
		return fmt.Errorf("unmap %s: %w", r.path, err)
	}
	return r.file.Close()
}
