package isa

import "strings"

// Opcode identifies a decoded operation. Compressed encodings expand to the
// base opcode they abbreviate.
type Opcode uint8

// RV32I / RV64I base.
const (
	INVALID Opcode = iota
	LUI
	AUIPC
	JAL
	JALR
	BEQ
	BNE
	BLT
	BGE
	BLTU
	BGEU
	LB
	LH
	LW
	LD
	LBU
	LHU
	LWU
	SB
	SH
	SW
	SD
	ADDI
	SLTI
	SLTIU
	XORI
	ORI
	ANDI
	SLLI
	SRLI
	SRAI
	ADD
	SUB
	SLL
	SLT
	SLTU
	XOR
	SRL
	SRA
	OR
	AND
	FENCE
	ECALL
	EBREAK
	ADDIW
	SLLIW
	SRLIW
	SRAIW
	ADDW
	SUBW
	SLLW
	SRLW
	SRAW
)

// M extension.
const (
	MUL Opcode = iota + SRAW + 1
	MULH
	MULHSU
	MULHU
	DIV
	DIVU
	REM
	REMU
	MULW
	DIVW
	DIVUW
	REMW
	REMUW

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	INVALID: "INVALID",
	LUI:     "LUI", AUIPC: "AUIPC", JAL: "JAL", JALR: "JALR",
	BEQ: "BEQ", BNE: "BNE", BLT: "BLT", BGE: "BGE", BLTU: "BLTU", BGEU: "BGEU",
	LB: "LB", LH: "LH", LW: "LW", LD: "LD", LBU: "LBU", LHU: "LHU", LWU: "LWU",
	SB: "SB", SH: "SH", SW: "SW", SD: "SD",
	ADDI: "ADDI", SLTI: "SLTI", SLTIU: "SLTIU", XORI: "XORI", ORI: "ORI", ANDI: "ANDI",
	SLLI: "SLLI", SRLI: "SRLI", SRAI: "SRAI",
	ADD: "ADD", SUB: "SUB", SLL: "SLL", SLT: "SLT", SLTU: "SLTU", XOR: "XOR",
	SRL: "SRL", SRA: "SRA", OR: "OR", AND: "AND",
	FENCE: "FENCE", ECALL: "ECALL", EBREAK: "EBREAK",
	ADDIW: "ADDIW", SLLIW: "SLLIW", SRLIW: "SRLIW", SRAIW: "SRAIW",
	ADDW: "ADDW", SUBW: "SUBW", SLLW: "SLLW", SRLW: "SRLW", SRAW: "SRAW",
	MUL: "MUL", MULH: "MULH", MULHSU: "MULHSU", MULHU: "MULHU",
	DIV: "DIV", DIVU: "DIVU", REM: "REM", REMU: "REMU",
	MULW: "MULW", DIVW: "DIVW", DIVUW: "DIVUW", REMW: "REMW", REMUW: "REMUW",
}

func OpcodeToString(op Opcode) string {
	if op >= opcodeCount {
		return "UNKNOWN"
	}
	return opcodeNames[op]
}

func (op Opcode) String() string {
	return OpcodeToString(op)
}

// OpcodeFromString resolves a mnemonic, case-insensitively.
func OpcodeFromString(name string) (Opcode, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for op := Opcode(1); op < opcodeCount; op++ {
		if opcodeNames[op] == name {
			return op, true
		}
	}
	return INVALID, false
}

// Opcodes lists every valid opcode in numeric order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, opcodeCount-1)
	for op := Opcode(1); op < opcodeCount; op++ {
		out = append(out, op)
	}
	return out
}

func IsBranch(op Opcode) bool {
	return op >= BEQ && op <= BGEU
}

// IsBasicBlockTerminator reports whether control may leave the straight-line
// sequence after op: jumps, branches and environment calls.
func IsBasicBlockTerminator(op Opcode) bool {
	switch op {
	case JAL, JALR, ECALL, EBREAK:
		return true
	}
	return IsBranch(op)
}

func IsLoad(op Opcode) bool {
	return op >= LB && op <= LWU
}

func IsStore(op Opcode) bool {
	return op >= SB && op <= SD
}

// Only64 reports whether op exists only in RV64.
func Only64(op Opcode) bool {
	switch op {
	case LD, LWU, SD, ADDIW, SLLIW, SRLIW, SRAIW, ADDW, SUBW, SLLW, SRLW, SRAW,
		MULW, DIVW, DIVUW, REMW, REMUW:
		return true
	}
	return false
}
