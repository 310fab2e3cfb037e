package isa

import (
	"fmt"

	"github.com/colorfulnotion/rvm/vmerrors"
)

// Decode decodes the parcel returned by an instruction fetch. A parcel whose
// two low bits are not both set is a 16-bit compressed instruction.
func Decode(parcel uint32, xlen int) (Instruction, error) {
	if parcel&3 != 3 {
		return decodeCompressed(uint16(parcel), xlen)
	}
	return decodeStandard(parcel, xlen)
}

// ParcelLength returns the byte length announced by the low half of a parcel.
func ParcelLength(lo uint16) int {
	if lo&3 != 3 {
		return 2
	}
	return 4
}

func invalid(parcel uint32) (Instruction, error) {
	return Instruction{}, fmt.Errorf("%w: 0x%08x", vmerrors.ErrInvalidInstruction, parcel)
}

func decodeStandard(w uint32, xlen int) (Instruction, error) {
	rd := uint8(w >> 7 & 31)
	rs1 := uint8(w >> 15 & 31)
	rs2 := uint8(w >> 20 & 31)
	f3 := w >> 12 & 7
	f7 := w >> 25
	immI := int64(int32(w) >> 20)
	immS := int64(int32(w&0xfe000000)>>20) | int64(w>>7&0x1f)
	immB := signExtend(w>>31&1<<12|w>>7&1<<11|w>>25&0x3f<<5|w>>8&0xf<<1, 13)
	immU := int64(int32(w & 0xfffff000))
	immJ := signExtend(w>>31&1<<20|w>>12&0xff<<12|w>>20&1<<11|w>>21&0x3ff<<1, 21)
	is64 := xlen == 64

	inst := Instruction{Rd: rd, Rs1: rs1, Rs2: rs2, Length: 4}
	switch w & 0x7f {
	case 0x37:
		inst.Op, inst.Imm, inst.Rs1, inst.Rs2 = LUI, immU, 0, 0
	case 0x17:
		inst.Op, inst.Imm, inst.Rs1, inst.Rs2 = AUIPC, immU, 0, 0
	case 0x6f:
		inst.Op, inst.Imm, inst.Rs1, inst.Rs2 = JAL, immJ, 0, 0
	case 0x67:
		if f3 != 0 {
			return invalid(w)
		}
		inst.Op, inst.Imm, inst.Rs2 = JALR, immI, 0
	case 0x63:
		ops := [8]Opcode{BEQ, BNE, INVALID, INVALID, BLT, BGE, BLTU, BGEU}
		inst.Op, inst.Imm, inst.Rd = ops[f3], immB, 0
	case 0x03:
		ops := [8]Opcode{LB, LH, LW, LD, LBU, LHU, LWU, INVALID}
		inst.Op, inst.Imm, inst.Rs2 = ops[f3], immI, 0
	case 0x23:
		ops := [8]Opcode{SB, SH, SW, SD, INVALID, INVALID, INVALID, INVALID}
		inst.Op, inst.Imm, inst.Rd = ops[f3], immS, 0
	case 0x13:
		inst.Imm, inst.Rs2 = immI, 0
		switch f3 {
		case 0:
			inst.Op = ADDI
		case 2:
			inst.Op = SLTI
		case 3:
			inst.Op = SLTIU
		case 4:
			inst.Op = XORI
		case 6:
			inst.Op = ORI
		case 7:
			inst.Op = ANDI
		case 1, 5:
			shamt, hi, sra := w>>20&0x3f, w>>26, uint32(0x10)
			if !is64 {
				shamt, hi, sra = w>>20&0x1f, w>>25, 0x20
			}
			inst.Imm = int64(shamt)
			switch {
			case f3 == 1 && hi == 0:
				inst.Op = SLLI
			case f3 == 5 && hi == 0:
				inst.Op = SRLI
			case f3 == 5 && hi == sra:
				inst.Op = SRAI
			default:
				return invalid(w)
			}
		}
	case 0x1b:
		inst.Imm, inst.Rs2 = immI, 0
		switch {
		case f3 == 0:
			inst.Op = ADDIW
		case f3 == 1 && f7 == 0:
			inst.Op, inst.Imm = SLLIW, int64(rs2)
		case f3 == 5 && f7 == 0:
			inst.Op, inst.Imm = SRLIW, int64(rs2)
		case f3 == 5 && f7 == 0x20:
			inst.Op, inst.Imm = SRAIW, int64(rs2)
		default:
			return invalid(w)
		}
	case 0x33:
		switch f7 {
		case 0x00:
			inst.Op = [8]Opcode{ADD, SLL, SLT, SLTU, XOR, SRL, OR, AND}[f3]
		case 0x20:
			inst.Op = [8]Opcode{SUB, INVALID, INVALID, INVALID, INVALID, SRA, INVALID, INVALID}[f3]
		case 0x01:
			inst.Op = [8]Opcode{MUL, MULH, MULHSU, MULHU, DIV, DIVU, REM, REMU}[f3]
		}
	case 0x3b:
		switch f7 {
		case 0x00:
			inst.Op = [8]Opcode{ADDW, SLLW, INVALID, INVALID, INVALID, SRLW, INVALID, INVALID}[f3]
		case 0x20:
			inst.Op = [8]Opcode{SUBW, INVALID, INVALID, INVALID, INVALID, SRAW, INVALID, INVALID}[f3]
		case 0x01:
			inst.Op = [8]Opcode{MULW, INVALID, INVALID, INVALID, DIVW, DIVUW, REMW, REMUW}[f3]
		}
	case 0x0f:
		// fence and fence.i: a single hart with no caches has nothing to order
		if f3 > 1 {
			return invalid(w)
		}
		inst = Instruction{Op: FENCE, Length: 4}
	case 0x73:
		switch w {
		case 0x00000073:
			inst = Instruction{Op: ECALL, Length: 4}
		case 0x00100073:
			inst = Instruction{Op: EBREAK, Length: 4}
		default:
			return invalid(w)
		}
	}
	if inst.Op == INVALID || (!is64 && Only64(inst.Op)) {
		return invalid(w)
	}
	return inst, nil
}

func decodeCompressed(h uint16, xlen int) (Instruction, error) {
	w := uint32(h)
	is64 := xlen == 64
	f3 := w >> 13
	rdp := uint8(w>>2&7) + 8  // rd' / rs2'
	rs1p := uint8(w>>7&7) + 8 // rs1' / rd'
	rd := uint8(w >> 7 & 31)
	rs2 := uint8(w >> 2 & 31)
	imm6 := signExtend(w>>12&1<<5|w>>2&0x1f, 6)
	shamt := int64(w>>12&1<<5 | w>>2&0x1f)
	c := func(op Opcode, rd, rs1, rs2 uint8, imm int64) (Instruction, error) {
		return Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2, Imm: imm, Length: 2}, nil
	}

	switch w & 3 {
	case 0:
		switch f3 {
		case 0: // c.addi4spn
			imm := int64(w>>11&3<<4 | w>>7&0xf<<6 | w>>6&1<<2 | w>>5&1<<3)
			if imm == 0 {
				return invalid(w)
			}
			return c(ADDI, rdp, 2, 0, imm)
		case 2: // c.lw
			return c(LW, rdp, rs1p, 0, int64(w>>10&7<<3|w>>6&1<<2|w>>5&1<<6))
		case 3: // c.ld
			if is64 {
				return c(LD, rdp, rs1p, 0, int64(w>>10&7<<3|w>>5&3<<6))
			}
		case 6: // c.sw
			return c(SW, 0, rs1p, rdp, int64(w>>10&7<<3|w>>6&1<<2|w>>5&1<<6))
		case 7: // c.sd
			if is64 {
				return c(SD, 0, rs1p, rdp, int64(w>>10&7<<3|w>>5&3<<6))
			}
		}
	case 1:
		switch f3 {
		case 0: // c.addi, c.nop
			return c(ADDI, rd, rd, 0, imm6)
		case 1:
			if is64 { // c.addiw
				if rd == 0 {
					return invalid(w)
				}
				return c(ADDIW, rd, rd, 0, imm6)
			}
			return c(JAL, 1, 0, 0, cjOffset(w)) // c.jal
		case 2: // c.li
			return c(ADDI, rd, 0, 0, imm6)
		case 3:
			if rd == 2 { // c.addi16sp
				imm := signExtend(w>>12&1<<9|w>>6&1<<4|w>>5&1<<6|w>>3&3<<7|w>>2&1<<5, 10)
				if imm == 0 {
					return invalid(w)
				}
				return c(ADDI, 2, 2, 0, imm)
			}
			imm := signExtend(w>>12&1<<17|w>>2&0x1f<<12, 18) // c.lui
			if imm == 0 {
				return invalid(w)
			}
			return c(LUI, rd, 0, 0, imm)
		case 4:
			switch w >> 10 & 3 {
			case 0: // c.srli
				if !is64 && shamt >= 32 {
					return invalid(w)
				}
				return c(SRLI, rs1p, rs1p, 0, shamt)
			case 1: // c.srai
				if !is64 && shamt >= 32 {
					return invalid(w)
				}
				return c(SRAI, rs1p, rs1p, 0, shamt)
			case 2: // c.andi
				return c(ANDI, rs1p, rs1p, 0, imm6)
			case 3:
				sel := w >> 5 & 3
				if w>>12&1 == 0 {
					return c([4]Opcode{SUB, XOR, OR, AND}[sel], rs1p, rs1p, rdp, 0)
				}
				if is64 && sel < 2 {
					return c([2]Opcode{SUBW, ADDW}[sel], rs1p, rs1p, rdp, 0)
				}
			}
		case 5: // c.j
			return c(JAL, 0, 0, 0, cjOffset(w))
		case 6, 7: // c.beqz, c.bnez
			off := signExtend(w>>12&1<<8|w>>10&3<<3|w>>5&3<<6|w>>3&3<<1|w>>2&1<<5, 9)
			op := BEQ
			if f3 == 7 {
				op = BNE
			}
			return c(op, 0, rs1p, 0, off)
		}
	case 2:
		switch f3 {
		case 0: // c.slli
			if !is64 && shamt >= 32 {
				return invalid(w)
			}
			return c(SLLI, rd, rd, 0, shamt)
		case 2: // c.lwsp
			if rd != 0 {
				return c(LW, rd, 2, 0, int64(w>>12&1<<5|w>>4&7<<2|w>>2&3<<6))
			}
		case 3: // c.ldsp
			if is64 && rd != 0 {
				return c(LD, rd, 2, 0, int64(w>>12&1<<5|w>>5&3<<3|w>>2&7<<6))
			}
		case 4:
			if w>>12&1 == 0 {
				if rs2 == 0 { // c.jr
					if rd == 0 {
						return invalid(w)
					}
					return c(JALR, 0, rd, 0, 0)
				}
				return c(ADD, rd, 0, rs2, 0) // c.mv
			}
			switch {
			case rd == 0 && rs2 == 0:
				return Instruction{Op: EBREAK, Length: 2}, nil
			case rs2 == 0: // c.jalr
				return c(JALR, 1, rd, 0, 0)
			default: // c.add
				return c(ADD, rd, rd, rs2, 0)
			}
		case 6: // c.swsp
			return c(SW, 0, 2, rs2, int64(w>>9&0xf<<2|w>>7&3<<6))
		case 7: // c.sdsp
			if is64 {
				return c(SD, 0, 2, rs2, int64(w>>10&7<<3|w>>7&7<<6))
			}
		}
	}
	return invalid(w)
}

func cjOffset(w uint32) int64 {
	return signExtend(w>>12&1<<11|w>>11&1<<4|w>>9&3<<8|w>>8&1<<10|w>>7&1<<6|w>>6&1<<7|w>>3&7<<1|w>>2&1<<5, 12)
}
