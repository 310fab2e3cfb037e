package machine

import (
	"fmt"

	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
)

// LoadProgram parses raw, maps it and prepares the stack with argv. A
// program that fails validation leaves the machine's memory and registers as
// they were. A handler whose Initialize fails leaves the machine reset, with
// no program loaded.
func (m *Machine) LoadProgram(raw []byte, argv [][]byte) error {
	img, err := program.Parse(raw, m.opts)
	if err != nil {
		return err
	}
	return m.LoadImage(img, argv)
}

// LoadImage maps an already parsed image, with the same failure behavior as
// LoadProgram.
func (m *Machine) LoadImage(img *program.Image, argv [][]byte) error {
	if m.state == rvmtypes.StateRunning {
		return fmt.Errorf("%w: load while running", vmerrors.ErrMachineState)
	}
	if err := img.CheckLayout(m.opts); err != nil {
		return err
	}
	word := uint64(m.opts.XLEN / 8)
	if need := stackFootprint(argv, word); need > m.opts.StackSize {
		return fmt.Errorf("%w: arguments need %d bytes of a %d byte stack", vmerrors.ErrOutOfBound, need, m.opts.StackSize)
	}

	m.Reset()
	for _, s := range img.Segments {
		start, end := s.PageRange()
		if err := m.memory.InitPages(start, end-start, s.Flags, s.Data, s.Vaddr-start); err != nil {
			return err
		}
	}
	if err := m.memory.SetPermissions(m.opts.StackBase(), m.opts.StackSize, rvmtypes.PageMutable); err != nil {
		return err
	}
	if err := m.initializeStack(argv); err != nil {
		return err
	}
	m.pc = img.Entry
	m.programHash = img.Hash
	m.state = rvmtypes.StateLoaded

	for _, h := range m.syscalls {
		if err := h.Initialize(m); err != nil {
			m.Reset()
			return err
		}
	}
	log.Debug(log.LoaderModule, "program loaded", "entry", fmt.Sprintf("0x%x", img.Entry), "argc", len(argv), "sp", fmt.Sprintf("0x%x", m.registers[rvmtypes.SP]))
	return nil
}

// stackFootprint is an upper bound of the bytes initializeStack writes.
func stackFootprint(argv [][]byte, word uint64) uint64 {
	n := uint64(15) + word*uint64(len(argv)+2)
	for _, a := range argv {
		n += uint64(len(a)) + 1
	}
	return n
}

// initializeStack lays out the argument strings at the top of the stack,
// then argc, the argv pointers and a NULL terminator at a 16-byte aligned sp.
func (m *Machine) initializeStack(argv [][]byte) error {
	word := uint64(m.opts.XLEN / 8)
	sp := m.opts.MemorySize
	values := []uint64{uint64(len(argv))}
	for _, a := range argv {
		sp -= uint64(len(a)) + 1
		if err := m.memory.Write(sp, append(append([]byte(nil), a...), 0)); err != nil {
			return err
		}
		values = append(values, sp)
	}
	values = append(values, 0)

	sp -= word * uint64(len(values))
	sp &^= 15
	for i, v := range values {
		if err := m.memory.Store(sp+uint64(i)*word, int(word), v); err != nil {
			return err
		}
	}
	m.SetRegister(rvmtypes.SP, sp)
	return nil
}
