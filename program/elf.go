package program

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/rvm/vmerrors"
)

// header is the subset of the ELF file header the layout pass needs.
type header struct {
	class64   bool
	phoff     uint64
	phentsize uint64
	phnum     uint64
	shoff     uint64
	shentsize uint64
	shnum     uint64
	shstrndx  uint64
}

func parseErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", vmerrors.ErrParse, fmt.Sprintf(format, args...))
}

func boundErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", vmerrors.ErrOutOfBound, fmt.Sprintf(format, args...))
}

// rangeEnd returns off+size*count, or ok=false on overflow.
func rangeEnd(off, size, count uint64) (uint64, bool) {
	if count != 0 && size > ^uint64(0)/count {
		return 0, false
	}
	n := size * count
	end := off + n
	return end, end >= off
}

// readHeader validates identification and header fields and checks that the
// program and section header tables lie inside raw. Structural defects are
// ParseError; tables or sections reaching past the input are OutOfBound.
func readHeader(raw []byte, xlen int) (*header, error) {
	if len(raw) < elf.EI_NIDENT {
		return nil, parseErr("truncated identification (%d bytes)", len(raw))
	}
	if !bytes.Equal(raw[:4], []byte(elf.ELFMAG)) {
		return nil, parseErr("bad magic % x", raw[:4])
	}
	var h header
	switch elf.Class(raw[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		h.class64 = true
	case elf.ELFCLASS32:
	default:
		return nil, parseErr("unknown class %d", raw[elf.EI_CLASS])
	}
	if (xlen == 64) != h.class64 {
		return nil, parseErr("%s image on a %d-bit machine", elf.Class(raw[elf.EI_CLASS]), xlen)
	}
	if elf.Data(raw[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, parseErr("not little endian")
	}
	ehsize, phent, shent := 52, uint64(32), uint64(40)
	if h.class64 {
		ehsize, phent, shent = 64, 56, 64
	}
	if len(raw) < ehsize {
		return nil, parseErr("truncated header (%d bytes)", len(raw))
	}
	le := binary.LittleEndian
	if m := elf.Machine(le.Uint16(raw[18:])); m != elf.EM_RISCV {
		return nil, parseErr("machine %s", m)
	}
	if t := elf.Type(le.Uint16(raw[16:])); t != elf.ET_EXEC && t != elf.ET_DYN {
		return nil, parseErr("type %s", t)
	}
	if h.class64 {
		h.phoff = le.Uint64(raw[32:])
		h.shoff = le.Uint64(raw[40:])
		h.phentsize = uint64(le.Uint16(raw[54:]))
		h.phnum = uint64(le.Uint16(raw[56:]))
		h.shentsize = uint64(le.Uint16(raw[58:]))
		h.shnum = uint64(le.Uint16(raw[60:]))
		h.shstrndx = uint64(le.Uint16(raw[62:]))
	} else {
		h.phoff = uint64(le.Uint32(raw[28:]))
		h.shoff = uint64(le.Uint32(raw[32:]))
		h.phentsize = uint64(le.Uint16(raw[42:]))
		h.phnum = uint64(le.Uint16(raw[44:]))
		h.shentsize = uint64(le.Uint16(raw[46:]))
		h.shnum = uint64(le.Uint16(raw[48:]))
		h.shstrndx = uint64(le.Uint16(raw[50:]))
	}

	size := uint64(len(raw))
	if h.phnum == 0 {
		return nil, parseErr("no program headers")
	}
	if h.phentsize != phent {
		return nil, parseErr("program header size %d", h.phentsize)
	}
	if end, ok := rangeEnd(h.phoff, h.phentsize, h.phnum); !ok || end > size {
		return nil, boundErr("program headers at 0x%x x %d past end of input (%d bytes)", h.phoff, h.phnum, size)
	}
	for i := uint64(0); i < h.phnum; i++ {
		ph := raw[h.phoff+i*h.phentsize:]
		if elf.ProgType(le.Uint32(ph)) != elf.PT_LOAD {
			continue
		}
		var off, filesz, memsz uint64
		if h.class64 {
			off, filesz, memsz = le.Uint64(ph[8:]), le.Uint64(ph[32:]), le.Uint64(ph[40:])
		} else {
			off, filesz, memsz = uint64(le.Uint32(ph[4:])), uint64(le.Uint32(ph[16:])), uint64(le.Uint32(ph[20:]))
		}
		if filesz > memsz {
			return nil, parseErr("segment %d file size 0x%x exceeds memory size 0x%x", i, filesz, memsz)
		}
		if end, ok := rangeEnd(off, filesz, 1); !ok || end > size {
			return nil, boundErr("segment %d bytes at 0x%x+0x%x past end of input", i, off, filesz)
		}
	}
	if h.shnum == 0 {
		return &h, nil
	}
	if h.shentsize != shent {
		return nil, parseErr("section header size %d", h.shentsize)
	}
	if end, ok := rangeEnd(h.shoff, h.shentsize, h.shnum); !ok || end > size {
		return nil, boundErr("section headers at 0x%x x %d past end of input (%d bytes)", h.shoff, h.shnum, size)
	}
	if h.shstrndx >= h.shnum {
		return nil, parseErr("section name index %d of %d", h.shstrndx, h.shnum)
	}
	for i := uint64(0); i < h.shnum; i++ {
		sh := raw[h.shoff+i*h.shentsize:]
		var typ elf.SectionType
		var off, sz uint64
		if h.class64 {
			typ, off, sz = elf.SectionType(le.Uint32(sh[4:])), le.Uint64(sh[24:]), le.Uint64(sh[32:])
		} else {
			typ, off, sz = elf.SectionType(le.Uint32(sh[4:])), uint64(le.Uint32(sh[16:])), uint64(le.Uint32(sh[20:]))
		}
		if typ == elf.SHT_NULL || typ == elf.SHT_NOBITS {
			continue
		}
		if end, ok := rangeEnd(off, sz, 1); !ok || end > size {
			return nil, boundErr("section %d at 0x%x+0x%x past end of input", i, off, sz)
		}
	}
	return &h, nil
}
