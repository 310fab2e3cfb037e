package machine

import (
	"github.com/colorfulnotion/rvm/isa"
)

// CycleMeter prices a decoded instruction. Implementations must be pure: the
// same instruction always costs the same.
type CycleMeter interface {
	Cycles(inst isa.Instruction) uint64
}

// CycleFunc adapts a function to CycleMeter.
type CycleFunc func(inst isa.Instruction) uint64

func (f CycleFunc) Cycles(inst isa.Instruction) uint64 {
	return f(inst)
}

// ConstantMeter charges the same amount for every instruction.
type ConstantMeter uint64

func (c ConstantMeter) Cycles(isa.Instruction) uint64 {
	return uint64(c)
}

// TableMeter charges per opcode, falling back to Default.
type TableMeter struct {
	Default uint64
	Costs   map[isa.Opcode]uint64
}

func (t *TableMeter) Cycles(inst isa.Instruction) uint64 {
	if c, ok := t.Costs[inst.Op]; ok {
		return c
	}
	return t.Default
}
