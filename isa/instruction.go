// Package isa decodes RV32IMC / RV64IMC instructions and defines their
// effects on a Machine. Both execution engines run instructions through
// Execute, so they agree on every architectural effect.
package isa

import (
	"fmt"

	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
)

// Instruction is a decoded instruction. Length is 2 for compressed encodings
// and 4 otherwise.
type Instruction struct {
	Op     Opcode `cbor:"1,keyasint"`
	Rd     uint8  `cbor:"2,keyasint"`
	Rs1    uint8  `cbor:"3,keyasint"`
	Rs2    uint8  `cbor:"4,keyasint"`
	Imm    int64  `cbor:"5,keyasint"`
	Length uint8  `cbor:"6,keyasint"`
}

func (inst Instruction) String() string {
	r := func(i uint8) string { return rvmtypes.RegisterNames[i&31] }
	switch {
	case inst.Op == ECALL || inst.Op == EBREAK || inst.Op == FENCE:
		return OpcodeToString(inst.Op)
	case inst.Op == LUI || inst.Op == AUIPC:
		return fmt.Sprintf("%s %s, 0x%x", inst.Op, r(inst.Rd), uint64(inst.Imm)>>12&0xfffff)
	case inst.Op == JAL:
		return fmt.Sprintf("%s %s, %d", inst.Op, r(inst.Rd), inst.Imm)
	case IsBranch(inst.Op):
		return fmt.Sprintf("%s %s, %s, %d", inst.Op, r(inst.Rs1), r(inst.Rs2), inst.Imm)
	case IsLoad(inst.Op) || inst.Op == JALR:
		return fmt.Sprintf("%s %s, %d(%s)", inst.Op, r(inst.Rd), inst.Imm, r(inst.Rs1))
	case IsStore(inst.Op):
		return fmt.Sprintf("%s %s, %d(%s)", inst.Op, r(inst.Rs2), inst.Imm, r(inst.Rs1))
	case hasImmediate(inst.Op):
		return fmt.Sprintf("%s %s, %s, %d", inst.Op, r(inst.Rd), r(inst.Rs1), inst.Imm)
	default:
		return fmt.Sprintf("%s %s, %s, %s", inst.Op, r(inst.Rd), r(inst.Rs1), r(inst.Rs2))
	}
}

// Validate reports whether inst is something Decode could have produced
// for xlen. It guards instructions that did not come from the decoder.
func (inst Instruction) Validate(xlen int) error {
	switch {
	case inst.Op == INVALID || inst.Op >= opcodeCount:
		return fmt.Errorf("%w: opcode %d", vmerrors.ErrInvalidInstruction, inst.Op)
	case inst.Length != 2 && inst.Length != 4:
		return fmt.Errorf("%w: %s with length %d", vmerrors.ErrInvalidInstruction, inst.Op, inst.Length)
	case inst.Rd >= rvmtypes.RegisterCount || inst.Rs1 >= rvmtypes.RegisterCount || inst.Rs2 >= rvmtypes.RegisterCount:
		return fmt.Errorf("%w: %s register out of range", vmerrors.ErrInvalidInstruction, inst.Op)
	case xlen == 32 && Is64Only(inst.Op):
		return fmt.Errorf("%w: %s on a 32-bit machine", vmerrors.ErrInvalidInstruction, inst.Op)
	}
	return nil
}

// Is64Only reports whether op exists only in RV64.
func Is64Only(op Opcode) bool {
	switch op {
	case LWU, LD, SD, ADDIW, SLLIW, SRLIW, SRAIW, ADDW, SUBW, SLLW, SRLW, SRAW,
		MULW, DIVW, DIVUW, REMW, REMUW:
		return true
	}
	return false
}

func hasImmediate(op Opcode) bool {
	switch op {
	case ADDI, SLTI, SLTIU, XORI, ORI, ANDI, SLLI, SRLI, SRAI, ADDIW, SLLIW, SRLIW, SRAIW:
		return true
	}
	return false
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}
