package aot

import (
	"fmt"
	"math/bits"

	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/vmerrors"
)

// Run executes the program loaded in m using the artifact's blocks. Exit
// code, registers, memory, cycles and errors match an interpreted run with
// the same cycle meter.
func Run(a *Artifact, m *machine.Machine) (uint8, error) {
	if err := a.Check(m); err != nil {
		return 0, err
	}
	if err := m.Begin(); err != nil {
		return 0, err
	}
	log.Debug(log.AotModule, "run", "pc", fmt.Sprintf("0x%x", m.PC()), "maxCycles", m.MaxCycles(), "blocks", len(a.Blocks))
	idx := a.blockAt(m.PC())
	for m.Running() {
		if idx < 0 {
			if err := a.step(m); err != nil {
				return a.fault(m, err)
			}
			idx = a.blockAt(m.PC())
			continue
		}
		b := a.Blocks[idx]
		if err := runBlock(b, m); err != nil {
			return a.fault(m, err)
		}
		switch pc := m.PC(); {
		case b.trueBlock >= 0 && pc == b.TruePC:
			idx = b.trueBlock
		case b.nextBlock >= 0 && pc == b.NextPC:
			idx = b.nextBlock
		default:
			idx = a.blockAt(pc)
		}
	}
	log.Debug(log.AotModule, "exit", "code", m.ExitCode(), "cycles", m.Cycles())
	return m.Finish(nil)
}

func (a *Artifact) fault(m *machine.Machine, err error) (uint8, error) {
	log.Debug(log.AotModule, "fault", "pc", fmt.Sprintf("0x%x", m.PC()), "cycles", m.Cycles(), "err", vmerrors.GetErrorName(err))
	return m.Finish(err)
}

// runBlock executes b from its first instruction. When the whole block fits
// in the remaining budget it is charged in two steps, before and after the
// terminator, so syscalls see the same cycle count as under interpretation.
// Otherwise every instruction is charged as it completes.
func runBlock(b *BasicBlock, m *machine.Machine) error {
	total, carry := bits.Add64(m.Cycles(), b.Cycles, 0)
	if carry != 0 || total > m.MaxCycles() {
		return runMetered(b, m)
	}
	last := len(b.Instructions) - 1
	for i, inst := range b.Instructions[:last] {
		if err := isa.Execute(inst, m); err != nil {
			if cerr := m.AddCycles(b.prefix[i]); cerr != nil {
				return cerr
			}
			return err
		}
	}
	if err := m.AddCycles(b.prefix[last]); err != nil {
		return err
	}
	if err := isa.Execute(b.Instructions[last], m); err != nil {
		return err
	}
	return m.AddCycles(b.Costs[last])
}

func runMetered(b *BasicBlock, m *machine.Machine) error {
	for i, inst := range b.Instructions {
		if err := isa.Execute(inst, m); err != nil {
			return err
		}
		if err := m.AddCycles(b.Costs[i]); err != nil {
			return err
		}
	}
	return nil
}

// step runs the single instruction at pc when no block starts there. A pc
// missing from the decode table is handed to the machine, which reports the
// same fault the interpreter would.
func (a *Artifact) step(m *machine.Machine) error {
	pc := m.PC()
	inst, cost, ok := a.decoded(pc)
	if !ok {
		if _, err := m.Fetch(pc); err != nil {
			return err
		}
		return fmt.Errorf("%w: no code at pc 0x%x", vmerrors.ErrArtifactMismatch, pc)
	}
	if err := isa.Execute(inst, m); err != nil {
		return err
	}
	return m.AddCycles(cost)
}
