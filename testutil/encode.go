// Package testutil builds RISC-V programs and ELF images for tests.
package testutil

// Raw encoders for the base formats. Immediates are taken as int64 and
// truncated to their field width.

func EncodeR(opcode, f3, f7 uint32, rd, rs1, rs2 int) uint32 {
	return f7<<25 | uint32(rs2&31)<<20 | uint32(rs1&31)<<15 | f3<<12 | uint32(rd&31)<<7 | opcode
}

func EncodeI(opcode, f3 uint32, rd, rs1 int, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1&31)<<15 | f3<<12 | uint32(rd&31)<<7 | opcode
}

func EncodeS(opcode, f3 uint32, rs1, rs2 int, imm int64) uint32 {
	u := uint32(imm & 0xfff)
	return u>>5<<25 | uint32(rs2&31)<<20 | uint32(rs1&31)<<15 | f3<<12 | u&0x1f<<7 | opcode
}

func EncodeB(f3 uint32, rs1, rs2 int, off int64) uint32 {
	u := uint32(off & 0x1fff)
	return u>>12&1<<31 | u>>5&0x3f<<25 | uint32(rs2&31)<<20 | uint32(rs1&31)<<15 | f3<<12 | u>>1&0xf<<8 | u>>11&1<<7 | 0x63
}

func EncodeU(opcode uint32, rd int, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | uint32(rd&31)<<7 | opcode
}

func EncodeJ(rd int, off int64) uint32 {
	u := uint32(off & 0x1fffff)
	return u>>20&1<<31 | u>>1&0x3ff<<21 | u>>11&1<<20 | u>>12&0xff<<12 | uint32(rd&31)<<7 | 0x6f
}

const (
	Ecall  uint32 = 0x00000073
	Ebreak uint32 = 0x00100073
	Nop    uint32 = 0x00000013
)
