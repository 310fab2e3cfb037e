// Package asm is the interpreting engine. It drives a loaded Machine one
// instruction at a time: fetch, decode, execute, charge.
package asm

import (
	"fmt"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/vmerrors"
)

// AsmMachine runs a Machine either by interpretation or, when built with an
// artifact, through the AOT runner.
type AsmMachine struct {
	machine  *machine.Machine
	artifact *aot.Artifact
}

// New wraps m. artifact may be nil for plain interpretation.
func New(m *machine.Machine, artifact *aot.Artifact) *AsmMachine {
	return &AsmMachine{machine: m, artifact: artifact}
}

func (a *AsmMachine) Machine() *machine.Machine {
	return a.machine
}

// LoadProgram forwards to the machine.
func (a *AsmMachine) LoadProgram(raw []byte, argv [][]byte) error {
	return a.machine.LoadProgram(raw, argv)
}

// Run executes until the program exits or faults and returns its exit code.
func (a *AsmMachine) Run() (uint8, error) {
	if a.artifact != nil {
		return aot.Run(a.artifact, a.machine)
	}
	m := a.machine
	if err := m.Begin(); err != nil {
		return 0, err
	}
	log.Debug(log.AsmModule, "run", "pc", fmt.Sprintf("0x%x", m.PC()), "maxCycles", m.MaxCycles())
	for m.Running() {
		if err := Step(m); err != nil {
			log.Debug(log.AsmModule, "fault", "pc", fmt.Sprintf("0x%x", m.PC()), "cycles", m.Cycles(), "err", vmerrors.GetErrorName(err))
			return m.Finish(err)
		}
	}
	log.Debug(log.AsmModule, "exit", "code", m.ExitCode(), "cycles", m.Cycles())
	return m.Finish(nil)
}

// Step executes the instruction at pc and charges it. A faulting instruction
// is not charged and leaves pc on itself.
func Step(m *machine.Machine) error {
	inst, err := m.Fetch(m.PC())
	if err != nil {
		return err
	}
	log.Trace(log.AsmModule, "step", "pc", m.PC(), "inst", inst)
	if err := isa.Execute(inst, m); err != nil {
		return err
	}
	return m.Charge(inst)
}
