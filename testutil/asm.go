package testutil

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/rvm/rvmtypes"
)

// Asm assembles a linear instruction stream starting at Base. Branch and
// jump targets may be labels defined before or after use.
type Asm struct {
	Base   uint64
	buf    []byte
	labels map[string]uint64
	fixups []fixup
	count  int
}

type fixup struct {
	at    int
	label string
	patch func(off int64) uint32
}

func NewAsm(base uint64) *Asm {
	return &Asm{Base: base, labels: make(map[string]uint64)}
}

// PC is the address of the next emitted instruction.
func (a *Asm) PC() uint64 {
	return a.Base + uint64(len(a.buf))
}

// Count is the number of instructions emitted so far.
func (a *Asm) Count() int {
	return a.count
}

func (a *Asm) Label(name string) *Asm {
	a.labels[name] = a.PC()
	return a
}

func (a *Asm) Word(w uint32) *Asm {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, w)
	a.count++
	return a
}

// Half emits a 16-bit compressed instruction.
func (a *Asm) Half(h uint16) *Asm {
	a.buf = binary.LittleEndian.AppendUint16(a.buf, h)
	a.count++
	return a
}

// Data emits raw bytes that do not count as instructions.
func (a *Asm) Data(b []byte) *Asm {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Asm) ref(label string, patch func(off int64) uint32) *Asm {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: label, patch: patch})
	return a.Word(0)
}

// Bytes resolves labels and returns the machine code.
func (a *Asm) Bytes() []byte {
	out := append([]byte(nil), a.buf...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic(fmt.Sprintf("undefined label %q", f.label))
		}
		off := int64(target) - int64(a.Base+uint64(f.at))
		binary.LittleEndian.PutUint32(out[f.at:], f.patch(off))
	}
	return out
}

func (a *Asm) ADDI(rd, rs1 int, imm int64) *Asm { return a.Word(EncodeI(0x13, 0, rd, rs1, imm)) }
func (a *Asm) SLTI(rd, rs1 int, imm int64) *Asm { return a.Word(EncodeI(0x13, 2, rd, rs1, imm)) }
func (a *Asm) XORI(rd, rs1 int, imm int64) *Asm { return a.Word(EncodeI(0x13, 4, rd, rs1, imm)) }
func (a *Asm) ANDI(rd, rs1 int, imm int64) *Asm { return a.Word(EncodeI(0x13, 7, rd, rs1, imm)) }
func (a *Asm) SLLI(rd, rs1 int, sh int64) *Asm  { return a.Word(EncodeI(0x13, 1, rd, rs1, sh)) }
func (a *Asm) SRLI(rd, rs1 int, sh int64) *Asm  { return a.Word(EncodeI(0x13, 5, rd, rs1, sh)) }
func (a *Asm) SRAI(rd, rs1 int, sh int64) *Asm  { return a.Word(EncodeI(0x13, 5, rd, rs1, sh|0x400)) }
func (a *Asm) ADDIW(rd, rs1 int, imm int64) *Asm {
	return a.Word(EncodeI(0x1b, 0, rd, rs1, imm))
}

func (a *Asm) ADD(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 0, 0, rd, rs1, rs2)) }
func (a *Asm) SUB(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 0, 0x20, rd, rs1, rs2)) }
func (a *Asm) SLL(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 1, 0, rd, rs1, rs2)) }
func (a *Asm) SLT(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 2, 0, rd, rs1, rs2)) }
func (a *Asm) SLTU(rd, rs1, rs2 int) *Asm { return a.Word(EncodeR(0x33, 3, 0, rd, rs1, rs2)) }
func (a *Asm) XOR(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 4, 0, rd, rs1, rs2)) }
func (a *Asm) SRL(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 5, 0, rd, rs1, rs2)) }
func (a *Asm) SRA(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 5, 0x20, rd, rs1, rs2)) }
func (a *Asm) OR(rd, rs1, rs2 int) *Asm   { return a.Word(EncodeR(0x33, 6, 0, rd, rs1, rs2)) }
func (a *Asm) AND(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 7, 0, rd, rs1, rs2)) }
func (a *Asm) MUL(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 0, 1, rd, rs1, rs2)) }
func (a *Asm) MULH(rd, rs1, rs2 int) *Asm { return a.Word(EncodeR(0x33, 1, 1, rd, rs1, rs2)) }
func (a *Asm) MULHSU(rd, rs1, rs2 int) *Asm {
	return a.Word(EncodeR(0x33, 2, 1, rd, rs1, rs2))
}
func (a *Asm) MULHU(rd, rs1, rs2 int) *Asm { return a.Word(EncodeR(0x33, 3, 1, rd, rs1, rs2)) }
func (a *Asm) DIV(rd, rs1, rs2 int) *Asm   { return a.Word(EncodeR(0x33, 4, 1, rd, rs1, rs2)) }
func (a *Asm) DIVU(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 5, 1, rd, rs1, rs2)) }
func (a *Asm) REM(rd, rs1, rs2 int) *Asm   { return a.Word(EncodeR(0x33, 6, 1, rd, rs1, rs2)) }
func (a *Asm) REMU(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x33, 7, 1, rd, rs1, rs2)) }
func (a *Asm) ADDW(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x3b, 0, 0, rd, rs1, rs2)) }
func (a *Asm) SUBW(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x3b, 0, 0x20, rd, rs1, rs2)) }
func (a *Asm) MULW(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x3b, 0, 1, rd, rs1, rs2)) }
func (a *Asm) DIVW(rd, rs1, rs2 int) *Asm  { return a.Word(EncodeR(0x3b, 4, 1, rd, rs1, rs2)) }
func (a *Asm) REMUW(rd, rs1, rs2 int) *Asm { return a.Word(EncodeR(0x3b, 7, 1, rd, rs1, rs2)) }

func (a *Asm) LB(rd, rs1 int, off int64) *Asm  { return a.Word(EncodeI(0x03, 0, rd, rs1, off)) }
func (a *Asm) LW(rd, rs1 int, off int64) *Asm  { return a.Word(EncodeI(0x03, 2, rd, rs1, off)) }
func (a *Asm) LD(rd, rs1 int, off int64) *Asm  { return a.Word(EncodeI(0x03, 3, rd, rs1, off)) }
func (a *Asm) LBU(rd, rs1 int, off int64) *Asm { return a.Word(EncodeI(0x03, 4, rd, rs1, off)) }
func (a *Asm) LWU(rd, rs1 int, off int64) *Asm { return a.Word(EncodeI(0x03, 6, rd, rs1, off)) }
func (a *Asm) SB(rs2, rs1 int, off int64) *Asm { return a.Word(EncodeS(0x23, 0, rs1, rs2, off)) }
func (a *Asm) SW(rs2, rs1 int, off int64) *Asm { return a.Word(EncodeS(0x23, 2, rs1, rs2, off)) }
func (a *Asm) SD(rs2, rs1 int, off int64) *Asm { return a.Word(EncodeS(0x23, 3, rs1, rs2, off)) }

func (a *Asm) LUI(rd int, imm int64) *Asm   { return a.Word(EncodeU(0x37, rd, imm)) }
func (a *Asm) AUIPC(rd int, imm int64) *Asm { return a.Word(EncodeU(0x17, rd, imm)) }
func (a *Asm) JALR(rd, rs1 int, off int64) *Asm {
	return a.Word(EncodeI(0x67, 0, rd, rs1, off))
}
func (a *Asm) ECALL() *Asm  { return a.Word(Ecall) }
func (a *Asm) EBREAK() *Asm { return a.Word(Ebreak) }
func (a *Asm) NOP() *Asm    { return a.Word(Nop) }

func (a *Asm) JAL(rd int, label string) *Asm {
	return a.ref(label, func(off int64) uint32 { return EncodeJ(rd, off) })
}

func (a *Asm) J(label string) *Asm { return a.JAL(rvmtypes.ZERO, label) }

func (a *Asm) branch(f3 uint32, rs1, rs2 int, label string) *Asm {
	return a.ref(label, func(off int64) uint32 { return EncodeB(f3, rs1, rs2, off) })
}

func (a *Asm) BEQ(rs1, rs2 int, label string) *Asm  { return a.branch(0, rs1, rs2, label) }
func (a *Asm) BNE(rs1, rs2 int, label string) *Asm  { return a.branch(1, rs1, rs2, label) }
func (a *Asm) BLT(rs1, rs2 int, label string) *Asm  { return a.branch(4, rs1, rs2, label) }
func (a *Asm) BGE(rs1, rs2 int, label string) *Asm  { return a.branch(5, rs1, rs2, label) }
func (a *Asm) BLTU(rs1, rs2 int, label string) *Asm { return a.branch(6, rs1, rs2, label) }
func (a *Asm) BGEU(rs1, rs2 int, label string) *Asm { return a.branch(7, rs1, rs2, label) }

// LI loads a signed constant below 0x7ffff800 with lui+addi, or a single
// addi when it fits 12 bits.
func (a *Asm) LI(rd int, v int32) *Asm {
	if v >= -2048 && v < 2048 {
		return a.ADDI(rd, rvmtypes.ZERO, int64(v))
	}
	lo := int64(v) << 52 >> 52
	a.LUI(rd, int64(v)-lo)
	if lo != 0 {
		a.ADDI(rd, rd, lo)
	}
	return a
}

// Exit emits the exit syscall with code in a0.
func (a *Asm) Exit(code int32) *Asm {
	return a.LI(rvmtypes.A0, code).LI(rvmtypes.A7, rvmtypes.SyscallExit).ECALL()
}
