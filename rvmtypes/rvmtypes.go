// Package rvmtypes consolidates constants shared by the memory, loader,
// machine and engine packages.
package rvmtypes

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Machine States
// ============================================================================

type State uint8

const (
	StateReady   State = iota // built, program not yet loaded
	StateLoaded               // program mapped, pc at entry
	StateRunning              // inside Run
	StateHalted               // exit syscall observed
	StateFaulted              // terminal fault
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ============================================================================
// Memory Page Permissions
// ============================================================================

type Flags uint8

const (
	PageUnmapped   Flags = unix.PROT_NONE
	FlagRead       Flags = unix.PROT_READ
	FlagWrite      Flags = unix.PROT_WRITE
	FlagExec       Flags = unix.PROT_EXEC
	PageMutable          = FlagRead | FlagWrite
	PageImmutable        = FlagRead
	PageExecutable       = FlagRead | FlagExec
)

// WritableAndExecutable reports whether f violates write-xor-execute.
func (f Flags) WritableAndExecutable() bool {
	return f&FlagWrite != 0 && f&FlagExec != 0
}

func (f Flags) String() string {
	b := []byte("---")
	if f&FlagRead != 0 {
		b[0] = 'r'
	}
	if f&FlagWrite != 0 {
		b[1] = 'w'
	}
	if f&FlagExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ============================================================================
// Memory Layout
// ============================================================================

const (
	PageShift = 12
	PageSize  = 1 << PageShift // 4 KiB

	DefaultMemorySize = 4 << 20 // 4 MiB
	DefaultStackSize  = 1 << 20 // 1 MiB, ending at the top of memory
)

func PageDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageUp rounds addr up to a page boundary. ok is false on overflow.
func PageUp(addr uint64) (uint64, bool) {
	r := (addr + PageSize - 1) &^ (PageSize - 1)
	return r, r >= addr
}

// ============================================================================
// Register ABI
// ============================================================================

const RegisterCount = 32

const (
	ZERO = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A4   = 14
	A5   = 15
	A6   = 16
	A7   = 17
	S2   = 18
	S3   = 19
	S4   = 20
	S5   = 21
	S6   = 22
	S7   = 23
	S8   = 24
	S9   = 25
	S10  = 26
	S11  = 27
	T3   = 28
	T4   = 29
	T5   = 30
	T6   = 31
)

var RegisterNames = [RegisterCount]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// ============================================================================
// Syscall Numbers
// ============================================================================

const (
	SyscallExit  = 93
	SyscallDebug = 2177
)
