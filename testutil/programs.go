package testutil

import (
	"github.com/colorfulnotion/rvm/rvmtypes"
)

const (
	TextBase = 0x10000
	DataBase = 0x20000

	SumSyscall = 1111
)

// Program wraps code (and optional data) in an executable ELF whose entry is
// the start of code.
func Program(class64 bool, code *Asm, data []byte) []byte {
	e := ELF{
		Class64: class64,
		Entry:   code.Base,
		Segments: []Segment{
			{Vaddr: code.Base, Data: code.Bytes(), Flags: PF_R | PF_X},
		},
		Sections: true,
	}
	if data != nil {
		e.Segments = append(e.Segments, Segment{Vaddr: DataBase, Data: data, Memsz: rvmtypes.PageSize, Flags: PF_R | PF_W})
	}
	raw, _ := e.Build()
	return raw
}

// SimpleInstructions is the number of instructions Simple executes.
const SimpleInstructions = 517

// Simple counts down from 256 and exits with 0.
func Simple() *Asm {
	return NewAsm(TextBase).
		NOP().
		LI(rvmtypes.T0, 256).
		Label("loop").
		ADDI(rvmtypes.T0, rvmtypes.T0, -1).
		BNE(rvmtypes.T0, rvmtypes.ZERO, "loop").
		Exit(0)
}

// SyscallSum passes vals in a0..a5 to syscall 1111 and exits with whatever
// the handler leaves in a0.
func SyscallSum(vals [6]int32) *Asm {
	a := NewAsm(TextBase)
	for i, v := range vals {
		a.LI(rvmtypes.A0+i, v)
	}
	return a.LI(rvmtypes.A7, SumSyscall).ECALL().
		LI(rvmtypes.A7, rvmtypes.SyscallExit).ECALL()
}

// JumpToData transfers control into the writable data segment.
func JumpToData() *Asm {
	return NewAsm(TextBase).
		LUI(rvmtypes.T0, DataBase).
		JALR(rvmtypes.ZERO, rvmtypes.T0, 0)
}

// JumpToZero transfers control to address 0, which is never mapped.
func JumpToZero() *Asm {
	return NewAsm(TextBase).JALR(rvmtypes.ZERO, rvmtypes.ZERO, 0)
}

// WriteLargeAddress stores at 16 MiB, past the end of default memory.
func WriteLargeAddress() *Asm {
	return NewAsm(TextBase).
		LUI(rvmtypes.T0, 0x1000000).
		SW(rvmtypes.ZERO, rvmtypes.T0, 0).
		Exit(0)
}

// InvalidRead loads from an unmapped page inside memory.
func InvalidRead() *Asm {
	return NewAsm(TextBase).
		LUI(rvmtypes.T0, 0x100000).
		LW(rvmtypes.A0, rvmtypes.T0, 0).
		Exit(0)
}

// StoreToCode writes over its own first instruction.
func StoreToCode() *Asm {
	return NewAsm(TextBase).
		AUIPC(rvmtypes.T0, 0).
		SW(rvmtypes.ZERO, rvmtypes.T0, 0).
		Exit(0)
}

// MisalignedJump jumps to a 32-bit instruction that only has 2-byte
// alignment, which the compressed extension allows.
func MisalignedJump() *Asm {
	return NewAsm(TextBase).
		AUIPC(rvmtypes.T0, 0).
		ADDI(rvmtypes.T0, rvmtypes.T0, 14).
		JALR(rvmtypes.ZERO, rvmtypes.T0, 0).
		Half(0x0001). // c.nop, skipped
		Exit(0)       // starts at offset 14
}

// Mulw multiplies 0x10000 by itself with mulw; the 32-bit product is 0.
// mulw only exists on RV64.
func Mulw() *Asm {
	return NewAsm(TextBase).
		LUI(rvmtypes.T0, 0x10000).
		MULW(rvmtypes.A0, rvmtypes.T0, rvmtypes.T0).
		LI(rvmtypes.A7, rvmtypes.SyscallExit).
		ECALL()
}

// Invalid executes an all-ones word.
func Invalid() *Asm {
	return NewAsm(TextBase).NOP().Word(0xffffffff)
}

// UnknownEcall raises syscall 1111.
func UnknownEcall() *Asm {
	return NewAsm(TextBase).LI(rvmtypes.A7, SumSyscall).ECALL()
}

// Argc exits with argc read from the initial stack pointer plus the first
// byte of argv[1].
func Argc(class64 bool) *Asm {
	a := NewAsm(TextBase)
	if class64 {
		a.LD(rvmtypes.A0, rvmtypes.SP, 0).LD(rvmtypes.T0, rvmtypes.SP, 2*8)
	} else {
		a.LW(rvmtypes.A0, rvmtypes.SP, 0).LW(rvmtypes.T0, rvmtypes.SP, 2*4)
	}
	return a.LBU(rvmtypes.T1, rvmtypes.T0, 0).
		ADD(rvmtypes.A0, rvmtypes.A0, rvmtypes.T1).
		LI(rvmtypes.A7, rvmtypes.SyscallExit).
		ECALL()
}
