// Package machine holds the architectural state of a RISC-V hart: registers,
// pc, memory, the cycle meter and the syscall chain.
package machine

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/memory"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
)

type Machine struct {
	opts      program.Options
	registers [rvmtypes.RegisterCount]uint64
	pc        uint64
	cycles    uint64
	maxCycles uint64
	meter     CycleMeter
	memory    *memory.Memory
	syscalls  []Syscalls

	state       rvmtypes.State
	running     bool
	exitCode    uint8
	err         error
	programHash [32]byte
}

var _ isa.Machine = (*Machine)(nil)

func (m *Machine) XLEN() int {
	return m.opts.XLEN
}

func (m *Machine) Options() program.Options {
	return m.opts
}

func (m *Machine) mask(v uint64) uint64 {
	if m.opts.XLEN == 32 {
		return uint64(uint32(v))
	}
	return v
}

func (m *Machine) Register(i int) uint64 {
	return m.registers[i&31]
}

// SetRegister writes i, truncated to XLEN. Writes to x0 are dropped.
func (m *Machine) SetRegister(i int, v uint64) {
	if i&31 == rvmtypes.ZERO {
		return
	}
	m.registers[i&31] = m.mask(v)
}

// Registers returns a copy of the register file.
func (m *Machine) Registers() [rvmtypes.RegisterCount]uint64 {
	return m.registers
}

func (m *Machine) PC() uint64 {
	return m.pc
}

func (m *Machine) SetPC(pc uint64) {
	m.pc = m.mask(pc)
}

// OverflowingAdd adds with wraparound at XLEN.
func (m *Machine) OverflowingAdd(a, b uint64) uint64 {
	return m.mask(a + b)
}

// OverflowingSub subtracts with wraparound at XLEN.
func (m *Machine) OverflowingSub(a, b uint64) uint64 {
	return m.mask(a - b)
}

func (m *Machine) Memory() *memory.Memory {
	return m.memory
}

func (m *Machine) Load(addr uint64, size int) (uint64, error) {
	return m.memory.Load(addr, size)
}

func (m *Machine) Store(addr uint64, size int, v uint64) error {
	return m.memory.Store(addr, size, v)
}

func (m *Machine) Ecall() error {
	return m.ecall()
}

// Ebreak is a no-op: no debugger is attached.
func (m *Machine) Ebreak() error {
	return nil
}

func (m *Machine) Cycles() uint64 {
	return m.cycles
}

func (m *Machine) MaxCycles() uint64 {
	return m.maxCycles
}

// SetMaxCycles changes the budget for the next run.
func (m *Machine) SetMaxCycles(n uint64) {
	m.maxCycles = n
}

func (m *Machine) Meter() CycleMeter {
	return m.meter
}

// AddCycles charges c cycles. Exceeding the budget is fatal; effects of the
// instruction being charged are not rolled back.
func (m *Machine) AddCycles(c uint64) error {
	sum, carry := bits.Add64(m.cycles, c, 0)
	if carry != 0 {
		sum = math.MaxUint64
	}
	m.cycles = sum
	if carry != 0 || sum > m.maxCycles {
		return fmt.Errorf("%w: %d > %d", vmerrors.ErrInvalidCycles, sum, m.maxCycles)
	}
	return nil
}

// Charge prices inst with the machine's meter and adds the cost.
func (m *Machine) Charge(inst isa.Instruction) error {
	return m.AddCycles(m.meter.Cycles(inst))
}

// Fetch reads and decodes the instruction at pc, enforcing execute permission.
func (m *Machine) Fetch(pc uint64) (isa.Instruction, error) {
	parcel, err := m.memory.Fetch(pc)
	if err != nil {
		return isa.Instruction{}, err
	}
	inst, err := isa.Decode(parcel, m.opts.XLEN)
	if err != nil {
		return isa.Instruction{}, fmt.Errorf("%w at pc 0x%x", err, pc)
	}
	return inst, nil
}

func (m *Machine) State() rvmtypes.State {
	return m.state
}

// Running reports whether the exit syscall has not been seen yet.
func (m *Machine) Running() bool {
	return m.running
}

func (m *Machine) ExitCode() uint8 {
	return m.exitCode
}

// Err returns the fault that ended the last run, if any.
func (m *Machine) Err() error {
	return m.err
}

// ProgramHash identifies the loaded program.
func (m *Machine) ProgramHash() [32]byte {
	return m.programHash
}

// Begin moves a loaded machine into the running state and seals its page
// permissions until the next load. Engines call it before their first
// instruction.
func (m *Machine) Begin() error {
	if m.state != rvmtypes.StateLoaded {
		return fmt.Errorf("%w: %s", vmerrors.ErrMachineState, m.state)
	}
	m.memory.Seal()
	m.state = rvmtypes.StateRunning
	m.running = true
	return nil
}

// Finish records the outcome of a run. A nil err means the program exited.
func (m *Machine) Finish(err error) (uint8, error) {
	m.running = false
	if err != nil {
		m.state = rvmtypes.StateFaulted
		m.err = err
		return 0, err
	}
	m.state = rvmtypes.StateHalted
	return m.exitCode, nil
}

// Reset clears registers, cycles and memory, returning the machine to the
// ready state. The memory mapping is kept.
func (m *Machine) Reset() {
	m.registers = [rvmtypes.RegisterCount]uint64{}
	m.pc = 0
	m.cycles = 0
	m.running = false
	m.exitCode = 0
	m.err = nil
	m.programHash = [32]byte{}
	m.memory.Reset()
	m.state = rvmtypes.StateReady
}

// Close releases the memory mapping.
func (m *Machine) Close() error {
	return m.memory.Close()
}
