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

// Package shmerr defines the error taxonomy shared by every shmdb package.
//
// Two classes exist. Recoverable sentinels (ErrTimeout, ErrDuplicateKey,
// ErrMemoryFull) are returned bare and are meant to be branched on with
// errors.Is by retry loops and statement callers. Fatal sentinels
// (ErrOutOfRange, ErrLockFailed, ErrMapFailed, ErrCatalogCorrupt, and the
// setup-time errors) are always wrapped in a *FatalError that captures the
// call stack at the point of failure, since a fatal error means an
// invariant was violated and the owning process is expected to log the
// stack and exit rather than continue.
package shmerr

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"
)

// Recoverable errors: surfaced to the Connection API caller, safe to retry.
var (
	ErrTimeout      = errors.New("shmdb: timeout")
	ErrDuplicateKey = errors.New("shmdb: duplicate key")
	ErrMemoryFull   = errors.New("shmdb: memory full")
)

// Misuse errors: caller invoked a statement without a live transaction, or
// named an index the Connection's registry doesn't know about.
var (
	ErrTxnNotStarted = errors.New("shmdb: transaction not started")
	ErrUnknownIndex  = errors.New("shmdb: unknown index")
)

// Fatal errors: always wrapped by Fatal() below. The invariant they signal
// being violated means the calling process cannot safely continue.
var (
	ErrOutOfRange    = errors.New("shmdb: row id out of range")
	ErrLockFailed    = errors.New("shmdb: lock acquisition failed")
	ErrMapFailed     = errors.New("shmdb: mmap failed")
	ErrCatalogCorrupt = errors.New("shmdb: catalog corrupt")
	ErrConfigFormat  = errors.New("shmdb: config format error")
	ErrFileIO        = errors.New("shmdb: file io error")
	ErrTxnTableFull  = errors.New("shmdb: transaction table full")
)

// FatalError wraps a fatal-class sentinel with the stack at the point it
// was raised, and optional free-form context.
type FatalError struct {
	Err   error
	Stack stack.CallStack
	Msg   string
}

func (e *FatalError) Error() string {
	if e.Msg == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Msg)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps a sentinel as a *FatalError, capturing the stack starting at
// Fatal's caller.
func Fatal(err error, msg string) *FatalError {
	return &FatalError{Err: err, Stack: stack.Callers(2), Msg: msg}
}

// Fatalf is Fatal with a formatted message.
func Fatalf(err error, format string, args ...any) *FatalError {
	return &FatalError{Err: err, Stack: stack.Callers(2), Msg: fmt.Sprintf(format, args...)}
}

// ExecResult mirrors the legacy statement-level numeric codes from spec §6,
// alongside the Go error a caller should actually check.
type ExecResult int

const (
	ExecuteOne     ExecResult = 1
	ExecuteOk      ExecResult = 0
	ExecuteErr     ExecResult = -1
	ExecuteDup     ExecResult = -2
	ExecuteMemFull ExecResult = -3
	ExecuteNull    ExecResult = -4
	ExecuteTimeout ExecResult = -5
)

// CodeFor maps an error (possibly nil) to its legacy numeric code.
func CodeFor(err error) ExecResult {
	switch {
	case err == nil:
		return ExecuteOk
	case errors.Is(err, ErrDuplicateKey):
		return ExecuteDup
	case errors.Is(err, ErrMemoryFull):
		return ExecuteMemFull
	case errors.Is(err, ErrTimeout):
		return ExecuteTimeout
	default:
		return ExecuteErr
	}
}
