package aot

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

const ArtifactVersion = 2

// CodeRange is the decode table of a run of consecutive executable pages,
// one slot per halfword. A slot with zero Length holds no instruction.
type CodeRange struct {
	Start        uint64            `cbor:"1,keyasint"`
	Instructions []isa.Instruction `cbor:"2,keyasint"`
	Costs        []uint64          `cbor:"3,keyasint"`
}

// Artifact is the output of Compile. It is bound to one program by hash and
// to one cycle meter by fingerprint, and is never mutated after
// construction, so any number of machines may run it concurrently.
type Artifact struct {
	Version          uint16        `cbor:"1,keyasint"`
	XLEN             int           `cbor:"2,keyasint"`
	Entry            uint64        `cbor:"3,keyasint"`
	ProgramHash      [32]byte      `cbor:"4,keyasint"`
	Code             []CodeRange   `cbor:"5,keyasint"`
	Blocks           []*BasicBlock `cbor:"6,keyasint"`
	MeterFingerprint [32]byte      `cbor:"7,keyasint"`

	index map[uint64]int
}

// artifactWire has the fields of Artifact and none of its methods, so the
// encoder does not call back into MarshalBinary.
type artifactWire Artifact

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// MarshalBinary encodes the artifact as canonical CBOR, so equal artifacts
// encode to equal bytes.
func (a *Artifact) MarshalBinary() ([]byte, error) {
	return encMode.Marshal((*artifactWire)(a))
}

// UnmarshalArtifact decodes and validates an encoded artifact. Every
// instruction and block is checked, so a corrupted artifact is rejected here
// rather than run.
func UnmarshalArtifact(data []byte) (*Artifact, error) {
	var w artifactWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	a := (*Artifact)(&w)
	if a.Version != ArtifactVersion {
		return nil, fmt.Errorf("%w: artifact version %d, want %d", vmerrors.ErrArtifactMismatch, a.Version, ArtifactVersion)
	}
	if a.XLEN != 32 && a.XLEN != 64 {
		return nil, fmt.Errorf("decode artifact: xlen %d", a.XLEN)
	}
	for i, r := range a.Code {
		if len(r.Instructions) != len(r.Costs) || r.Start%rvmtypes.PageSize != 0 {
			return nil, fmt.Errorf("decode artifact: malformed code range %d", i)
		}
		for slot, inst := range r.Instructions {
			if inst.Length == 0 {
				continue
			}
			if err := inst.Validate(a.XLEN); err != nil {
				return nil, fmt.Errorf("decode artifact: code range %d slot %d: %w", i, slot, err)
			}
		}
	}
	for i, b := range a.Blocks {
		if err := a.validateBlock(b); err != nil {
			return nil, fmt.Errorf("decode artifact: block %d: %w", i, err)
		}
	}
	a.link()
	return a, nil
}

// validateBlock checks that b repeats the decode table from its start pc
// and that its cycle total is the sum of its costs.
func (a *Artifact) validateBlock(b *BasicBlock) error {
	if b == nil || len(b.Instructions) == 0 || len(b.Instructions) != len(b.Costs) {
		return fmt.Errorf("malformed")
	}
	var total uint64
	mask := xlenMask(a.XLEN)
	pc := b.StartPC
	for i, inst := range b.Instructions {
		want, cost, ok := a.decoded(pc)
		if !ok || want != inst || cost != b.Costs[i] {
			return fmt.Errorf("instruction %d at 0x%x does not match the decode table", i, pc)
		}
		total = saturatingAdd(total, cost)
		pc = (pc + uint64(inst.Length)) & mask
	}
	if total != b.Cycles {
		return fmt.Errorf("cycles %d, costs sum to %d", b.Cycles, total)
	}
	return nil
}

// MeterFingerprint identifies a cycle meter by the price it gives every
// opcode in both encodings. Meters that price by operands as well are only
// distinguished where those base prices differ.
func MeterFingerprint(meter machine.CycleMeter) [32]byte {
	var buf []byte
	for _, op := range isa.Opcodes() {
		for _, length := range []uint8{2, 4} {
			buf = binary.LittleEndian.AppendUint64(buf, meter.Cycles(isa.Instruction{Op: op, Length: length}))
		}
	}
	return blake2b.Sum256(buf)
}

// link rebuilds the derived state that is not serialized.
func (a *Artifact) link() {
	a.index = make(map[uint64]int, len(a.Blocks))
	for i, b := range a.Blocks {
		b.finalize()
		a.index[b.StartPC] = i
	}
	for _, b := range a.Blocks {
		if b.JumpType == DIRECT_JUMP || b.JumpType == CONDITIONAL {
			if i, ok := a.index[b.TruePC]; ok {
				b.trueBlock = i
			}
		}
		if b.JumpType != TRAP_JUMP {
			if i, ok := a.index[b.NextPC]; ok {
				b.nextBlock = i
			}
		}
	}
}

// Check reports whether m holds the program the artifact was compiled from
// and prices instructions the same way.
// Machines that are not loaded are left for Begin to reject.
func (a *Artifact) Check(m *machine.Machine) error {
	if m.State() != rvmtypes.StateLoaded {
		return nil
	}
	if m.XLEN() != a.XLEN {
		return fmt.Errorf("%w: %d-bit artifact on a %d-bit machine", vmerrors.ErrArtifactMismatch, a.XLEN, m.XLEN())
	}
	if h := m.ProgramHash(); h != a.ProgramHash {
		return fmt.Errorf("%w: artifact for %x, machine has %x", vmerrors.ErrArtifactMismatch, a.ProgramHash[:8], h[:8])
	}
	if fp := MeterFingerprint(m.Meter()); fp != a.MeterFingerprint {
		return fmt.Errorf("%w: artifact priced by meter %x, machine has %x", vmerrors.ErrArtifactMismatch, a.MeterFingerprint[:8], fp[:8])
	}
	return nil
}

// decoded looks pc up in the decode table.
func (a *Artifact) decoded(pc uint64) (isa.Instruction, uint64, bool) {
	if pc&1 != 0 {
		return isa.Instruction{}, 0, false
	}
	for i := range a.Code {
		r := &a.Code[i]
		if pc < r.Start || pc-r.Start >= 2*uint64(len(r.Instructions)) {
			continue
		}
		slot := (pc - r.Start) / 2
		inst := r.Instructions[slot]
		return inst, r.Costs[slot], inst.Length != 0
	}
	return isa.Instruction{}, 0, false
}

func (a *Artifact) blockAt(pc uint64) int {
	if i, ok := a.index[pc]; ok {
		return i
	}
	return -1
}

// Block returns the block starting at pc, if any.
func (a *Artifact) Block(pc uint64) (*BasicBlock, bool) {
	i := a.blockAt(pc)
	if i < 0 {
		return nil, false
	}
	return a.Blocks[i], true
}

func (a *Artifact) InstructionCount() int {
	n := 0
	for _, b := range a.Blocks {
		n += len(b.Instructions)
	}
	return n
}
