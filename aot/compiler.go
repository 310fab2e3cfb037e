// Package aot compiles a program image ahead of time into basic blocks of
// pre-decoded, pre-priced instructions and runs them on a Machine with the
// same observable behavior as the interpreter.
package aot

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
)

// CompileBytes parses raw with opts and compiles it. Malformed input fails
// with the same error kinds as Machine.LoadProgram.
func CompileBytes(raw []byte, meter machine.CycleMeter, opts program.Options) (*Artifact, error) {
	img, err := program.Parse(raw, opts)
	if err != nil {
		return nil, err
	}
	return Compile(img, meter, opts)
}

// Compile decodes every executable halfword of img once, prices it with meter
// and groups reachable code into basic blocks. A nil meter charges one cycle
// per instruction, like a machine built without one.
func Compile(img *program.Image, meter machine.CycleMeter, opts program.Options) (*Artifact, error) {
	if err := img.CheckLayout(opts); err != nil {
		return nil, err
	}
	if meter == nil {
		meter = machine.ConstantMeter(1)
	}
	a := &Artifact{
		Version:          ArtifactVersion,
		XLEN:             img.XLEN,
		Entry:            img.Entry,
		ProgramHash:      img.Hash,
		MeterFingerprint: MeterFingerprint(meter),
	}
	for _, run := range executableRuns(img.ExecutablePages()) {
		var code []byte
		for p := run[0]; p <= run[1]; p++ {
			code = append(code, img.PageBytes(p)...)
		}
		a.Code = append(a.Code, decodeRange(run[0]<<rvmtypes.PageShift, code, img.XLEN, meter))
	}
	a.buildBlocks()
	a.link()
	log.Debug(log.AotModule, "compiled", "hash", fmt.Sprintf("%x", a.ProgramHash[:8]), "ranges", len(a.Code), "blocks", len(a.Blocks), "instructions", a.InstructionCount())
	return a, nil
}

// executableRuns groups sorted page indices into inclusive [first, last] runs
// of consecutive pages.
func executableRuns(pages []uint64) [][2]uint64 {
	var runs [][2]uint64
	for i := 0; i < len(pages); {
		j := i
		for j+1 < len(pages) && pages[j+1] == pages[j]+1 {
			j++
		}
		runs = append(runs, [2]uint64{pages[i], pages[j]})
		i = j + 1
	}
	return runs
}

// decodeRange decodes code at every halfword. Slots that do not hold a valid
// instruction, or hold one running past the end of the range, keep a zero
// Length and are resolved by the machine at run time.
func decodeRange(start uint64, code []byte, xlen int, meter machine.CycleMeter) CodeRange {
	n := len(code) / 2
	r := CodeRange{
		Start:        start,
		Instructions: make([]isa.Instruction, n),
		Costs:        make([]uint64, n),
	}
	for i := 0; i < n; i++ {
		off := 2 * i
		lo := binary.LittleEndian.Uint16(code[off:])
		parcel := uint32(lo)
		if isa.ParcelLength(lo) == 4 {
			if off+4 > len(code) {
				continue
			}
			parcel |= uint32(binary.LittleEndian.Uint16(code[off+2:])) << 16
		}
		inst, err := isa.Decode(parcel, xlen)
		if err != nil {
			continue
		}
		r.Instructions[i] = inst
		r.Costs[i] = meter.Cycles(inst)
	}
	return r
}

// buildBlocks starts a block at the entry point and at the start of every
// code range, then at every static successor of a block already built.
func (a *Artifact) buildBlocks() {
	mask := xlenMask(a.XLEN)
	seen := make(map[uint64]bool)
	work := []uint64{a.Entry}
	for i := len(a.Code) - 1; i >= 0; i-- {
		work = append(work, a.Code[i].Start)
	}
	for len(work) > 0 {
		pc := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[pc] {
			continue
		}
		seen[pc] = true
		if _, _, ok := a.decoded(pc); !ok {
			continue
		}
		block := a.translateBasicBlock(pc, mask)
		a.Blocks = append(a.Blocks, block)
		for _, next := range successors(block) {
			if !seen[next] {
				work = append(work, next)
			}
		}
	}
	sort.Slice(a.Blocks, func(i, j int) bool { return a.Blocks[i].StartPC < a.Blocks[j].StartPC })
}

func (a *Artifact) translateBasicBlock(pc uint64, mask uint64) *BasicBlock {
	block := NewBasicBlock(pc)
	for {
		inst, cost, ok := a.decoded(pc)
		if !ok {
			block.JumpType = TRAP_JUMP
			block.NextPC = pc
			break
		}
		block.AddInstruction(inst, cost)
		if isa.IsBasicBlockTerminator(inst.Op) {
			setJumpMetadata(block, inst, pc, mask)
			break
		}
		pc = (pc + uint64(inst.Length)) & mask
		if len(block.Instructions) == maxBlockInstructions {
			block.JumpType = FALLTHROUGH_JUMP
			block.NextPC = pc
			break
		}
	}
	block.finalize()
	return block
}

// successors lists the statically known pcs control may reach after block.
// The pc following a jump is included because calls return there.
func successors(block *BasicBlock) []uint64 {
	switch block.JumpType {
	case DIRECT_JUMP, CONDITIONAL:
		return []uint64{block.TruePC, block.NextPC}
	case INDIRECT_JUMP, ECALL_JUMP, FALLTHROUGH_JUMP:
		return []uint64{block.NextPC}
	}
	return nil
}

func xlenMask(xlen int) uint64 {
	if xlen == 32 {
		return 0xffffffff
	}
	return ^uint64(0)
}
