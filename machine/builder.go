package machine

import (
	"math"

	"github.com/colorfulnotion/rvm/memory"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
)

// Builder assembles a Machine. Syscall handlers are consulted in the order
// they are added.
type Builder struct {
	opts      program.Options
	maxCycles uint64
	meter     CycleMeter
	syscalls  []Syscalls
}

// NewBuilder starts from the default layout for xlen, an unlimited budget and
// a cost of one cycle per instruction.
func NewBuilder(xlen int) *Builder {
	return &Builder{
		opts:      program.DefaultOptions(xlen),
		maxCycles: math.MaxUint64,
		meter:     ConstantMeter(1),
	}
}

func (b *Builder) Options(opts program.Options) *Builder {
	b.opts = opts
	return b
}

func (b *Builder) MemorySize(n uint64) *Builder {
	b.opts.MemorySize = n
	return b
}

func (b *Builder) StackSize(n uint64) *Builder {
	b.opts.StackSize = n
	return b
}

func (b *Builder) WXPolicy(p program.WXPolicy) *Builder {
	b.opts.WXPolicy = p
	return b
}

func (b *Builder) MaxCycles(n uint64) *Builder {
	b.maxCycles = n
	return b
}

func (b *Builder) CycleMeter(c CycleMeter) *Builder {
	b.meter = c
	return b
}

func (b *Builder) Syscall(s Syscalls) *Builder {
	b.syscalls = append(b.syscalls, s)
	return b
}

func (b *Builder) Build() (*Machine, error) {
	if err := b.opts.Validate(); err != nil {
		return nil, err
	}
	mem, err := memory.New(b.opts.MemorySize)
	if err != nil {
		return nil, err
	}
	meter := b.meter
	if meter == nil {
		meter = ConstantMeter(1)
	}
	return &Machine{
		opts:      b.opts,
		maxCycles: b.maxCycles,
		meter:     meter,
		memory:    mem,
		syscalls:  append([]Syscalls(nil), b.syscalls...),
		state:     rvmtypes.StateReady,
	}, nil
}
