// Package memory implements the flat, page-permissioned address space a
// machine executes in.
package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"
)

// Memory is a byte addressable space of fixed size. Every page carries a
// permission set; a page with no flags is unmapped. No page is ever writable
// and executable at once.
type Memory struct {
	data   []byte
	flags  []rvmtypes.Flags
	size   uint64
	sealed bool
}

// New maps an anonymous region of size bytes. size must be a non-zero
// multiple of the page size.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%rvmtypes.PageSize != 0 {
		return nil, fmt.Errorf("memory size %d is not a positive multiple of %d", size, rvmtypes.PageSize)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap memory: %v", err)
	}
	return &Memory{
		data:  data,
		flags: make([]rvmtypes.Flags, size/rvmtypes.PageSize),
		size:  size,
	}, nil
}

// Close releases the backing mapping. The memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.flags = nil
	return err
}

func (m *Memory) Size() uint64 {
	return m.size
}

func (m *Memory) Pages() uint64 {
	return uint64(len(m.flags))
}

// Flags returns the permission set of the page holding addr.
func (m *Memory) Flags(addr uint64) rvmtypes.Flags {
	if addr >= m.size {
		return rvmtypes.PageUnmapped
	}
	return m.flags[addr>>rvmtypes.PageShift]
}

// Reset zeroes the whole space, unmaps every page and lifts a seal.
func (m *Memory) Reset() {
	clear(m.data)
	clear(m.flags)
	m.sealed = false
}

// Seal freezes the page permissions: SetPermissions and InitPages fail until
// the next Reset. Contents stay writable through Store and Write.
func (m *Memory) Seal() {
	m.sealed = true
}

func (m *Memory) Sealed() bool {
	return m.sealed
}

// check validates [addr, addr+n) against need. Bounds are checked over the
// whole range before any flag, so an access that is both out of bound and
// lacking permission reports OutOfBound.
func (m *Memory) check(op string, addr, n uint64, need rvmtypes.Flags) error {
	if n == 0 {
		return nil
	}
	end := addr + n
	if end < addr || end > m.size {
		return fmt.Errorf("%w: %s of %d bytes at 0x%x", vmerrors.ErrOutOfBound, op, n, addr)
	}
	first, last := addr>>rvmtypes.PageShift, (end-1)>>rvmtypes.PageShift
	for p := first; p <= last; p++ {
		if m.flags[p] == rvmtypes.PageUnmapped {
			return fmt.Errorf("%w: %s of %d bytes at 0x%x touches unmapped page %d", vmerrors.ErrOutOfBound, op, n, addr, p)
		}
	}
	for p := first; p <= last; p++ {
		if m.flags[p]&need != need {
			return fmt.Errorf("%w: %s at 0x%x on %s page %d", vmerrors.ErrInvalidPermission, op, addr, m.flags[p], p)
		}
	}
	return nil
}

// Load reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *Memory) Load(addr uint64, size int) (uint64, error) {
	if err := m.check("load", addr, uint64(size), rvmtypes.FlagRead); err != nil {
		return 0, err
	}
	b := m.data[addr : addr+uint64(size)]
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported load width %d", size)
}

// Store writes the low size bytes of v little-endian. Nothing is written
// unless every touched page is writable.
func (m *Memory) Store(addr uint64, size int, v uint64) error {
	if err := m.check("store", addr, uint64(size), rvmtypes.FlagWrite); err != nil {
		return err
	}
	b := m.data[addr : addr+uint64(size)]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("unsupported store width %d", size)
	}
	return nil
}

// Read returns a copy of n readable bytes at addr.
func (m *Memory) Read(addr, n uint64) ([]byte, error) {
	if err := m.check("read", addr, n, rvmtypes.FlagRead); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.data[addr:addr+n])
	return out, nil
}

// Write copies b to addr if the whole range is writable.
func (m *Memory) Write(addr uint64, b []byte) error {
	if err := m.check("write", addr, uint64(len(b)), rvmtypes.FlagWrite); err != nil {
		return err
	}
	copy(m.data[addr:], b)
	return nil
}

// Fetch returns the instruction parcel at addr: a 16-bit compressed
// instruction in the low half, or a full 32-bit instruction. The upper half
// is only fetched, and permission-checked, when the low half announces a
// 32-bit encoding.
func (m *Memory) Fetch(addr uint64) (uint32, error) {
	if err := m.check("fetch", addr, 2, rvmtypes.FlagExec); err != nil {
		return 0, err
	}
	lo := uint32(binary.LittleEndian.Uint16(m.data[addr:]))
	if lo&3 != 3 {
		return lo, nil
	}
	if err := m.check("fetch", addr+2, 2, rvmtypes.FlagExec); err != nil {
		return 0, err
	}
	return lo | uint32(binary.LittleEndian.Uint16(m.data[addr+2:]))<<16, nil
}

// SetPermissions sets flags on every page of the page aligned range
// [addr, addr+size). Newly mapped pages read as zero; pages already mapped
// keep their contents. Reserved for program loading; a sealed memory refuses
// it.
func (m *Memory) SetPermissions(addr, size uint64, flags rvmtypes.Flags) error {
	if m.sealed {
		return fmt.Errorf("%w: page permissions are sealed", vmerrors.ErrMachineState)
	}
	if flags.WritableAndExecutable() {
		return fmt.Errorf("%w: pages at 0x%x requested %s", vmerrors.ErrInvalidPermission, addr, flags)
	}
	if addr%rvmtypes.PageSize != 0 || size%rvmtypes.PageSize != 0 {
		return fmt.Errorf("%w: unaligned page range 0x%x+0x%x", vmerrors.ErrOutOfBound, addr, size)
	}
	end := addr + size
	if end < addr || end > m.size {
		return fmt.Errorf("%w: page range 0x%x+0x%x", vmerrors.ErrOutOfBound, addr, size)
	}
	for p := addr >> rvmtypes.PageShift; p < end>>rvmtypes.PageShift; p++ {
		if m.flags[p] == rvmtypes.PageUnmapped {
			base := p << rvmtypes.PageShift
			clear(m.data[base : base+rvmtypes.PageSize])
		}
		m.flags[p] = flags
	}
	return nil
}

// InitPages maps [addr, addr+size) with flags as SetPermissions does and
// copies data to addr+offset.
func (m *Memory) InitPages(addr, size uint64, flags rvmtypes.Flags, data []byte, offset uint64) error {
	if offset > size || uint64(len(data)) > size-offset {
		return fmt.Errorf("%w: %d bytes at offset 0x%x of page range 0x%x+0x%x", vmerrors.ErrOutOfBound, len(data), offset, addr, size)
	}
	if err := m.SetPermissions(addr, size, flags); err != nil {
		return err
	}
	copy(m.data[addr+offset:], data)
	return nil
}

// Digest hashes contents and page flags.
func (m *Memory) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(m.data)
	for _, f := range m.flags {
		h.Write([]byte{byte(f)})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MappedRanges returns the contiguous runs of pages sharing the same flags,
// skipping unmapped space.
func (m *Memory) MappedRanges() []Range {
	var out []Range
	for p := 0; p < len(m.flags); p++ {
		f := m.flags[p]
		if f == rvmtypes.PageUnmapped {
			continue
		}
		start := p
		for p+1 < len(m.flags) && m.flags[p+1] == f {
			p++
		}
		out = append(out, Range{
			Start: uint64(start) << rvmtypes.PageShift,
			End:   uint64(p+1) << rvmtypes.PageShift,
			Flags: f,
		})
	}
	return out
}

// Range is a half-open run of pages with identical flags.
type Range struct {
	Start uint64
	End   uint64
	Flags rvmtypes.Flags
}
