package testutil

import (
	"encoding/binary"
)

// ELF program header flags.
const (
	PF_X = 1
	PF_W = 2
	PF_R = 4
)

// Segment is one PT_LOAD entry. Memsz defaults to len(Data) when zero.
type Segment struct {
	Vaddr uint64
	Data  []byte
	Memsz uint64
	Flags uint32
}

// ELF describes an executable to serialize.
type ELF struct {
	Class64  bool
	Entry    uint64
	Segments []Segment
	// Sections adds a .text header covering the first executable segment
	// plus a .shstrtab, so tests can corrupt the section table.
	Sections bool
}

// Layout records where Build placed each table.
type Layout struct {
	PhOff      uint64
	PhEntSize  int
	ShOff      uint64
	ShEntSize  int
	SegmentOff []uint64
}

// Header field offsets, for tests that patch headers.
func (e ELF) PhOffField() int {
	if e.Class64 {
		return 32
	}
	return 28
}

func (e ELF) ShOffField() int {
	if e.Class64 {
		return 40
	}
	return 32
}

func (e ELF) PhNumField() int {
	if e.Class64 {
		return 56
	}
	return 44
}

// Build serializes the image: header, program headers, segment bytes,
// section name table, section headers.
func (e ELF) Build() ([]byte, Layout) {
	ehsize, phent, shent := 52, 32, 40
	if e.Class64 {
		ehsize, phent, shent = 64, 56, 64
	}
	le := binary.LittleEndian
	var lay Layout
	lay.PhOff = uint64(ehsize)
	lay.PhEntSize = phent
	lay.ShEntSize = shent

	off := align(uint64(ehsize+phent*len(e.Segments)), 16)
	body := []byte{}
	for _, s := range e.Segments {
		lay.SegmentOff = append(lay.SegmentOff, off)
		body = append(body, s.Data...)
		pad := align(uint64(len(s.Data)), 16) - uint64(len(s.Data))
		body = append(body, make([]byte, pad)...)
		off += uint64(len(s.Data)) + pad
	}

	var shstr []byte
	var shdrs []byte
	shnum := 0
	if e.Sections {
		shstrOff := off
		shstr = []byte("\x00.text\x00.shstrtab\x00")
		off = align(off+uint64(len(shstr)), 16)
		lay.ShOff = off
		textOff, textAddr, textSize := uint64(0), uint64(0), uint64(0)
		for i, s := range e.Segments {
			if s.Flags&PF_X != 0 {
				textOff, textAddr, textSize = lay.SegmentOff[i], s.Vaddr, uint64(len(s.Data))
				break
			}
		}
		shdrs = append(shdrs, e.section(0, 0, 0, 0, 0)...)
		shdrs = append(shdrs, e.section(1, 1, textAddr, textOff, textSize)...)
		shdrs = append(shdrs, e.section(7, 3, 0, shstrOff, uint64(len(shstr)))...)
		shnum = 3
	}

	hdr := make([]byte, ehsize)
	copy(hdr, []byte{0x7f, 'E', 'L', 'F'})
	hdr[4] = 1
	if e.Class64 {
		hdr[4] = 2
	}
	hdr[5] = 1 // little endian
	hdr[6] = 1 // EV_CURRENT
	le.PutUint16(hdr[16:], 2)   // ET_EXEC
	le.PutUint16(hdr[18:], 243) // EM_RISCV
	le.PutUint32(hdr[20:], 1)
	shstrndx := 0
	if shnum > 0 {
		shstrndx = 2
	}
	if e.Class64 {
		le.PutUint64(hdr[24:], e.Entry)
		le.PutUint64(hdr[32:], lay.PhOff)
		le.PutUint64(hdr[40:], lay.ShOff)
		le.PutUint16(hdr[52:], uint16(ehsize))
		le.PutUint16(hdr[54:], uint16(phent))
		le.PutUint16(hdr[56:], uint16(len(e.Segments)))
		le.PutUint16(hdr[58:], uint16(shent))
		le.PutUint16(hdr[60:], uint16(shnum))
		le.PutUint16(hdr[62:], uint16(shstrndx))
	} else {
		le.PutUint32(hdr[24:], uint32(e.Entry))
		le.PutUint32(hdr[28:], uint32(lay.PhOff))
		le.PutUint32(hdr[32:], uint32(lay.ShOff))
		le.PutUint16(hdr[40:], uint16(ehsize))
		le.PutUint16(hdr[42:], uint16(phent))
		le.PutUint16(hdr[44:], uint16(len(e.Segments)))
		le.PutUint16(hdr[46:], uint16(shent))
		le.PutUint16(hdr[48:], uint16(shnum))
		le.PutUint16(hdr[50:], uint16(shstrndx))
	}

	out := hdr
	for i, s := range e.Segments {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		ph := make([]byte, phent)
		le.PutUint32(ph[0:], 1) // PT_LOAD
		if e.Class64 {
			le.PutUint32(ph[4:], s.Flags)
			le.PutUint64(ph[8:], lay.SegmentOff[i])
			le.PutUint64(ph[16:], s.Vaddr)
			le.PutUint64(ph[24:], s.Vaddr)
			le.PutUint64(ph[32:], uint64(len(s.Data)))
			le.PutUint64(ph[40:], memsz)
			le.PutUint64(ph[48:], 0x1000)
		} else {
			le.PutUint32(ph[4:], uint32(lay.SegmentOff[i]))
			le.PutUint32(ph[8:], uint32(s.Vaddr))
			le.PutUint32(ph[12:], uint32(s.Vaddr))
			le.PutUint32(ph[16:], uint32(len(s.Data)))
			le.PutUint32(ph[20:], uint32(memsz))
			le.PutUint32(ph[24:], s.Flags)
			le.PutUint32(ph[28:], 0x1000)
		}
		out = append(out, ph...)
	}
	out = append(out, make([]byte, int(align(uint64(len(out)), 16))-len(out))...)
	out = append(out, body...)
	if shnum > 0 {
		out = append(out, shstr...)
		out = append(out, make([]byte, int(lay.ShOff)-len(out))...)
		out = append(out, shdrs...)
	}
	return out, lay
}

func (e ELF) section(name, typ uint32, addr, off, size uint64) []byte {
	le := binary.LittleEndian
	if e.Class64 {
		b := make([]byte, 64)
		le.PutUint32(b[0:], name)
		le.PutUint32(b[4:], typ)
		le.PutUint64(b[16:], addr)
		le.PutUint64(b[24:], off)
		le.PutUint64(b[32:], size)
		le.PutUint64(b[48:], 1)
		return b
	}
	b := make([]byte, 40)
	le.PutUint32(b[0:], name)
	le.PutUint32(b[4:], typ)
	le.PutUint32(b[12:], uint32(addr))
	le.PutUint32(b[16:], uint32(off))
	le.PutUint32(b[20:], uint32(size))
	le.PutUint32(b[32:], 1)
	return b
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
