package isa

import (
	"fmt"
	"math"

	"github.com/colorfulnotion/rvm/vmerrors"
)

// Machine is the architectural state an instruction acts on. Register writes
// to x0 are discarded and values are truncated to XLEN by the implementation.
type Machine interface {
	XLEN() int
	Register(i int) uint64
	SetRegister(i int, v uint64)
	PC() uint64
	SetPC(pc uint64)
	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, v uint64) error
	Ecall() error
	Ebreak() error
}

// Execute applies inst to m and advances the program counter. An instruction
// that faults returns before any register, memory or pc write, so a failed
// instruction has no architectural effect.
func Execute(inst Instruction, m Machine) error {
	if inst.Length != 2 && inst.Length != 4 {
		return fmt.Errorf("%w: %s with length %d", vmerrors.ErrInvalidInstruction, inst.Op, inst.Length)
	}
	xlen := m.XLEN()
	mask := ^uint64(0)
	if xlen == 32 {
		mask = math.MaxUint32
	}
	signed := func(v uint64) int64 {
		if xlen == 32 {
			return int64(int32(v))
		}
		return int64(v)
	}
	shiftMask := uint64(xlen - 1)

	pc := m.PC()
	next := (pc + uint64(inst.Length)) & mask
	rd := int(inst.Rd)
	rs1 := m.Register(int(inst.Rs1))
	rs2 := m.Register(int(inst.Rs2))
	imm := uint64(inst.Imm) & mask

	switch inst.Op {
	case LUI:
		m.SetRegister(rd, imm)
	case AUIPC:
		m.SetRegister(rd, pc+imm)
	case JAL:
		m.SetRegister(rd, next)
		next = (pc + imm) & mask
	case JALR:
		target := (rs1 + imm) & mask &^ 1
		m.SetRegister(rd, next)
		next = target
	case BEQ, BNE, BLT, BGE, BLTU, BGEU:
		var taken bool
		switch inst.Op {
		case BEQ:
			taken = rs1 == rs2
		case BNE:
			taken = rs1 != rs2
		case BLT:
			taken = signed(rs1) < signed(rs2)
		case BGE:
			taken = signed(rs1) >= signed(rs2)
		case BLTU:
			taken = rs1 < rs2
		case BGEU:
			taken = rs1 >= rs2
		}
		if taken {
			next = (pc + imm) & mask
		}

	case LB, LH, LW, LD, LBU, LHU, LWU:
		addr := (rs1 + imm) & mask
		v, err := m.Load(addr, AccessSize(inst.Op))
		if err != nil {
			return err
		}
		switch inst.Op {
		case LB:
			v = uint64(int64(int8(v)))
		case LH:
			v = uint64(int64(int16(v)))
		case LW:
			v = uint64(int64(int32(v)))
		}
		m.SetRegister(rd, v)
	case SB, SH, SW, SD:
		addr := (rs1 + imm) & mask
		if err := m.Store(addr, AccessSize(inst.Op), rs2); err != nil {
			return err
		}

	case ADDI:
		m.SetRegister(rd, rs1+imm)
	case SLTI:
		m.SetRegister(rd, boolToReg(signed(rs1) < signed(imm)))
	case SLTIU:
		m.SetRegister(rd, boolToReg(rs1 < imm))
	case XORI:
		m.SetRegister(rd, rs1^imm)
	case ORI:
		m.SetRegister(rd, rs1|imm)
	case ANDI:
		m.SetRegister(rd, rs1&imm)
	case SLLI:
		m.SetRegister(rd, rs1<<(imm&shiftMask))
	case SRLI:
		m.SetRegister(rd, rs1>>(imm&shiftMask))
	case SRAI:
		m.SetRegister(rd, uint64(signed(rs1)>>(imm&shiftMask)))

	case ADD:
		m.SetRegister(rd, rs1+rs2)
	case SUB:
		m.SetRegister(rd, rs1-rs2)
	case SLL:
		m.SetRegister(rd, rs1<<(rs2&shiftMask))
	case SLT:
		m.SetRegister(rd, boolToReg(signed(rs1) < signed(rs2)))
	case SLTU:
		m.SetRegister(rd, boolToReg(rs1 < rs2))
	case XOR:
		m.SetRegister(rd, rs1^rs2)
	case SRL:
		m.SetRegister(rd, rs1>>(rs2&shiftMask))
	case SRA:
		m.SetRegister(rd, uint64(signed(rs1)>>(rs2&shiftMask)))
	case OR:
		m.SetRegister(rd, rs1|rs2)
	case AND:
		m.SetRegister(rd, rs1&rs2)

	case FENCE:
	case ECALL:
		if err := m.Ecall(); err != nil {
			return err
		}
	case EBREAK:
		if err := m.Ebreak(); err != nil {
			return err
		}

	case ADDIW:
		m.SetRegister(rd, sext32(uint32(rs1)+uint32(imm)))
	case SLLIW:
		m.SetRegister(rd, sext32(uint32(rs1)<<(imm&31)))
	case SRLIW:
		m.SetRegister(rd, sext32(uint32(rs1)>>(imm&31)))
	case SRAIW:
		m.SetRegister(rd, uint64(int64(int32(rs1)>>(imm&31))))
	case ADDW:
		m.SetRegister(rd, sext32(uint32(rs1)+uint32(rs2)))
	case SUBW:
		m.SetRegister(rd, sext32(uint32(rs1)-uint32(rs2)))
	case SLLW:
		m.SetRegister(rd, sext32(uint32(rs1)<<(rs2&31)))
	case SRLW:
		m.SetRegister(rd, sext32(uint32(rs1)>>(rs2&31)))
	case SRAW:
		m.SetRegister(rd, uint64(int64(int32(rs1)>>(rs2&31))))

	case MUL:
		m.SetRegister(rd, rs1*rs2)
	case MULH, MULHSU, MULHU:
		aSigned, bSigned := inst.Op != MULHU, inst.Op == MULH
		if xlen == 32 {
			m.SetRegister(rd, mulHigh32(rs1, aSigned, rs2, bSigned))
		} else {
			m.SetRegister(rd, mulHigh64(rs1, aSigned, rs2, bSigned))
		}
	case DIV, DIVU, REM, REMU:
		if xlen == 32 {
			m.SetRegister(rd, uint64(divRem32(inst.Op, uint32(rs1), uint32(rs2))))
		} else {
			m.SetRegister(rd, divRem64(inst.Op, rs1, rs2))
		}
	case MULW:
		m.SetRegister(rd, sext32(uint32(rs1)*uint32(rs2)))
	case DIVW:
		m.SetRegister(rd, sext32(divRem32(DIV, uint32(rs1), uint32(rs2))))
	case DIVUW:
		m.SetRegister(rd, sext32(divRem32(DIVU, uint32(rs1), uint32(rs2))))
	case REMW:
		m.SetRegister(rd, sext32(divRem32(REM, uint32(rs1), uint32(rs2))))
	case REMUW:
		m.SetRegister(rd, sext32(divRem32(REMU, uint32(rs1), uint32(rs2))))
	default:
		return fmt.Errorf("%w: opcode %d", vmerrors.ErrInvalidInstruction, inst.Op)
	}

	m.SetPC(next)
	return nil
}

// AccessSize returns the width in bytes of a load or store.
func AccessSize(op Opcode) int {
	switch op {
	case LB, LBU, SB:
		return 1
	case LH, LHU, SH:
		return 2
	case LW, LWU, SW:
		return 4
	case LD, SD:
		return 8
	}
	return 0
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func sext32(v uint32) uint64 {
	return uint64(int64(int32(v)))
}

// divRem64 follows the RISC-V convention: no trap on divide by zero or on
// signed overflow.
func divRem64(op Opcode, a, b uint64) uint64 {
	switch op {
	case DIV:
		switch {
		case b == 0:
			return ^uint64(0)
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return a
		}
		return uint64(int64(a) / int64(b))
	case DIVU:
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case REM:
		switch {
		case b == 0:
			return a
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return 0
		}
		return uint64(int64(a) % int64(b))
	case REMU:
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}

func divRem32(op Opcode, a, b uint32) uint32 {
	switch op {
	case DIV:
		switch {
		case b == 0:
			return math.MaxUint32
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return a
		}
		return uint32(int32(a) / int32(b))
	case DIVU:
		if b == 0 {
			return math.MaxUint32
		}
		return a / b
	case REM:
		switch {
		case b == 0:
			return a
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return 0
		}
		return uint32(int32(a) % int32(b))
	case REMU:
		if b == 0 {
			return a
		}
		return a % b
	}
	return 0
}
