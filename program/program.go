// Package program turns ELF bytes into a validated, immutable Image.
package program

import (
	"bytes"
	"debug/elf"
	"fmt"
	"sort"

	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
	"golang.org/x/crypto/blake2b"
)

// Segment is a loadable range. Bytes past len(Data) up to Memsz, and up to
// the end of the last page, are zero.
type Segment struct {
	Vaddr uint64
	Memsz uint64
	Data  []byte
	Flags rvmtypes.Flags
}

// PageRange returns the page aligned span the segment occupies.
func (s Segment) PageRange() (start, end uint64) {
	start = rvmtypes.PageDown(s.Vaddr)
	end, _ = rvmtypes.PageUp(s.Vaddr + s.Memsz)
	return start, end
}

// Image is a parsed program. It is never mutated after Parse returns.
type Image struct {
	XLEN     int
	Entry    uint64
	Segments []Segment
	Hash     [32]byte
}

// Parse validates raw and returns its Image. Every check runs before any
// memory is touched, so a failed parse has no side effects.
func Parse(raw []byte, opts Options) (*Image, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, err := readHeader(raw, opts.XLEN); err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, parseErr("%v", err)
	}
	defer f.Close()

	img := &Image{
		XLEN:  opts.XLEN,
		Entry: f.Entry,
		Hash:  blake2b.Sum256(raw),
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		// file ranges were bounds checked by readHeader
		if p.Memsz == 0 {
			continue
		}
		flags, err := segmentFlags(p.Flags, opts.WXPolicy, p.Vaddr)
		if err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, Segment{
			Vaddr: p.Vaddr,
			Memsz: p.Memsz,
			Data:  bytes.Clone(raw[p.Off : p.Off+p.Filesz]),
			Flags: flags,
		})
	}
	if len(img.Segments) == 0 {
		return nil, parseErr("no loadable segments")
	}
	if err := img.CheckLayout(opts); err != nil {
		return nil, err
	}
	log.Debug(log.LoaderModule, "program parsed", "entry", fmt.Sprintf("0x%x", img.Entry), "segments", len(img.Segments), "hash", fmt.Sprintf("%x", img.Hash[:8]))
	return img, nil
}

func segmentFlags(pf elf.ProgFlag, policy WXPolicy, vaddr uint64) (rvmtypes.Flags, error) {
	var f rvmtypes.Flags
	if pf&elf.PF_R != 0 {
		f |= rvmtypes.FlagRead
	}
	if pf&elf.PF_W != 0 {
		f |= rvmtypes.FlagWrite
	}
	if pf&elf.PF_X != 0 {
		f |= rvmtypes.FlagExec
	}
	if f.WritableAndExecutable() {
		if policy != WXDowngrade {
			return 0, fmt.Errorf("%w: segment at 0x%x is writable and executable", vmerrors.ErrInvalidPermission, vaddr)
		}
		log.Warn(log.LoaderModule, "segment downgraded to read+execute", "vaddr", fmt.Sprintf("0x%x", vaddr))
		f &^= rvmtypes.FlagWrite
	}
	return f, nil
}

// CheckLayout verifies the segments fit the address space described by opts:
// inside memory, clear of the stack, not overlapping each other and not
// sharing a page with a segment of different permissions.
func (img *Image) CheckLayout(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if img.XLEN != opts.XLEN {
		return parseErr("%d-bit image on a %d-bit machine", img.XLEN, opts.XLEN)
	}
	if img.Entry&1 != 0 {
		return parseErr("misaligned entry 0x%x", img.Entry)
	}
	pages := make(map[uint64]rvmtypes.Flags)
	type span struct{ start, end uint64 }
	var spans []span
	for i, s := range img.Segments {
		end := s.Vaddr + s.Memsz
		if end < s.Vaddr || end > opts.MemorySize {
			return boundErr("segment %d at 0x%x+0x%x outside memory of 0x%x bytes", i, s.Vaddr, s.Memsz, opts.MemorySize)
		}
		pstart, pend := s.PageRange()
		if pend > opts.StackBase() {
			return boundErr("segment %d at 0x%x+0x%x overlaps the stack at 0x%x", i, s.Vaddr, s.Memsz, opts.StackBase())
		}
		for p := pstart >> rvmtypes.PageShift; p < pend>>rvmtypes.PageShift; p++ {
			if f, ok := pages[p]; ok && f != s.Flags {
				return boundErr("segment %d shares page 0x%x with %s segment", i, p<<rvmtypes.PageShift, f)
			}
			pages[p] = s.Flags
		}
		spans = append(spans, span{s.Vaddr, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return boundErr("segments overlap at 0x%x", spans[i].start)
		}
	}
	return nil
}

// PageFlags maps every page index the image occupies to its flags.
func (img *Image) PageFlags() map[uint64]rvmtypes.Flags {
	out := make(map[uint64]rvmtypes.Flags)
	for _, s := range img.Segments {
		start, end := s.PageRange()
		for p := start >> rvmtypes.PageShift; p < end>>rvmtypes.PageShift; p++ {
			out[p] = s.Flags
		}
	}
	return out
}

// ExecutablePages returns the sorted indices of pages mapped executable.
func (img *Image) ExecutablePages() []uint64 {
	var out []uint64
	for p, f := range img.PageFlags() {
		if f&rvmtypes.FlagExec != 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PageBytes returns the initial contents of the page at index p as the
// loader would map it.
func (img *Image) PageBytes(p uint64) []byte {
	page := make([]byte, rvmtypes.PageSize)
	base := p << rvmtypes.PageShift
	for _, s := range img.Segments {
		lo, hi := s.Vaddr, s.Vaddr+uint64(len(s.Data))
		if hi <= base || lo >= base+rvmtypes.PageSize {
			continue
		}
		from, to := max(lo, base), min(hi, base+rvmtypes.PageSize)
		copy(page[from-base:to-base], s.Data[from-lo:to-lo])
	}
	return page
}
