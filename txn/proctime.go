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

package txn

import (
	"fmt"
	"golang.org/x/sys/unix"
)

// procStartTime returns the ctime of /proc/<pid>, a cheap, crash-proof
// fingerprint of "this is the same process that started the transaction
// and not a later one that happened to reuse the pid" (spec §4.8 step 1).
func procStartTime(pid int) int64 {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d", pid), &st); err != nil {
		return 0
	}
	return st.Ctim.Sec
}

// ProcessAlive reports whether pid is still the same process recorded at
// Begin time, per spec §4.8 step 1: "Linux: stat(/proc/<pid>) ctime equals
// pid_start_time".
func ProcessAlive(pid int32, startTime int64) bool {
	if pid <= 0 {
		return false
	}
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d", pid), &st); err != nil {
		return false
	}
	return st.Ctim.Sec == startTime
}
