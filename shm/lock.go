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

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Mode is the advisory lock mode taken on a Region's backing file range.
type Mode int

const (
	Unlocked Mode = iota
	Read
	Write
)

// fcntlRange takes (or releases) a blocking byte-range advisory lock
// covering [0, EOF) of f, matching spec §4.1's "blocking range lock
// covering [0, file_size) on the fd". Len: 0 means "to EOF" in fcntl
// semantics, so the locked range automatically tracks file growth.
func fcntlRange(f *os.File, mode Mode) error {
	var typ int16
	switch mode {
	case Read:
		typ = unix.F_RDLCK
	case Write:
		typ = unix.F_WRLCK
	case Unlocked:
		typ = unix.F_UNLCK
	}
	lk := unix.Flock_t{
		Type:   typ,
		Whence: int16(io.SeekStart),
		Start:  0,
		Len:    0,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}
