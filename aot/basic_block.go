package aot

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/rvm/isa"
)

const (
	TRAP_JUMP        = 0 // next instruction could not be decoded ahead of time
	DIRECT_JUMP      = 1
	INDIRECT_JUMP    = 2
	CONDITIONAL      = 3
	FALLTHROUGH_JUMP = 4
	ECALL_JUMP       = 5
)

// maxBlockInstructions bounds a block so the slow path stays short.
const maxBlockInstructions = 1024

// BasicBlock is a straight-line run of pre-decoded instructions starting at a
// leader. Costs are fixed at compile time; Prefix[i] is the cost of the first
// i instructions.
type BasicBlock struct {
	StartPC      uint64            `cbor:"1,keyasint"`
	Instructions []isa.Instruction `cbor:"2,keyasint"`
	Costs        []uint64          `cbor:"3,keyasint"`
	Cycles       uint64            `cbor:"4,keyasint"`
	JumpType     int               `cbor:"5,keyasint"`
	TruePC       uint64            `cbor:"6,keyasint"`
	NextPC       uint64            `cbor:"7,keyasint"` // the "false" successor

	prefix    []uint64
	trueBlock int
	nextBlock int
}

func NewBasicBlock(pc uint64) *BasicBlock {
	return &BasicBlock{StartPC: pc, trueBlock: -1, nextBlock: -1}
}

func (bb *BasicBlock) AddInstruction(inst isa.Instruction, cost uint64) {
	bb.Instructions = append(bb.Instructions, inst)
	bb.Costs = append(bb.Costs, cost)
	bb.Cycles = saturatingAdd(bb.Cycles, cost)
}

// finalize derives the prefix sums.
func (bb *BasicBlock) finalize() {
	bb.prefix = make([]uint64, len(bb.Costs)+1)
	for i, c := range bb.Costs {
		bb.prefix[i+1] = saturatingAdd(bb.prefix[i], c)
	}
	bb.trueBlock, bb.nextBlock = -1, -1
}

func (bb *BasicBlock) String() string {
	var sb strings.Builder
	for i, inst := range bb.Instructions {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(inst.Op.String())
	}
	fmt.Fprintf(&sb, " Cycles: %d", bb.Cycles)
	return sb.String()
}

func JumpTypeString(t int) string {
	switch t {
	case TRAP_JUMP:
		return "trap"
	case DIRECT_JUMP:
		return "direct"
	case INDIRECT_JUMP:
		return "indirect"
	case CONDITIONAL:
		return "conditional"
	case FALLTHROUGH_JUMP:
		return "fallthrough"
	case ECALL_JUMP:
		return "ecall"
	}
	return "unknown"
}

func setJumpMetadata(block *BasicBlock, inst isa.Instruction, pc uint64, mask uint64) {
	next := (pc + uint64(inst.Length)) & mask
	block.NextPC = next
	switch {
	case inst.Op == isa.JAL:
		block.JumpType = DIRECT_JUMP
		block.TruePC = (pc + uint64(inst.Imm)) & mask
	case inst.Op == isa.JALR:
		block.JumpType = INDIRECT_JUMP
	case isa.IsBranch(inst.Op):
		block.JumpType = CONDITIONAL
		block.TruePC = (pc + uint64(inst.Imm)) & mask
	case inst.Op == isa.ECALL || inst.Op == isa.EBREAK:
		block.JumpType = ECALL_JUMP
	default:
		block.JumpType = FALLTHROUGH_JUMP
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}
