package aot_test

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/colorfulnotion/rvm/aot"
	"github.com/colorfulnotion/rvm/asm"
	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/testutil"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

type sumSyscall struct{}

func (sumSyscall) Initialize(*machine.Machine) error { return nil }

func (sumSyscall) Ecall(m *machine.Machine) (bool, error) {
	if m.Register(rvmtypes.A7) != testutil.SumSyscall {
		return false, nil
	}
	var sum uint64
	for r := rvmtypes.A0; r <= rvmtypes.A5; r++ {
		sum = m.OverflowingAdd(sum, m.Register(r))
	}
	// expose the cycle count so both engines must agree on it mid-block
	m.SetRegister(rvmtypes.A6, m.Cycles())
	m.SetRegister(rvmtypes.A0, sum)
	return true, nil
}

var weightedMeter = &machine.TableMeter{
	Default: 1,
	Costs: map[isa.Opcode]uint64{
		isa.MUL: 3, isa.MULH: 4, isa.MULHU: 4, isa.MULHSU: 4,
		isa.DIV: 9, isa.DIVU: 9, isa.REM: 9, isa.REMU: 9,
		isa.LW: 2, isa.SW: 2, isa.ECALL: 7,
	},
}

// outcome is everything a run leaves behind that the two engines must agree on.
type outcome struct {
	Exit      uint8
	Err       string
	Cycles    uint64
	PC        uint64
	State     string
	Registers [rvmtypes.RegisterCount]uint64
	Memory    string
}

func snapshot(m *machine.Machine, exit uint8, err error) outcome {
	o := outcome{
		Exit:      exit,
		Cycles:    m.Cycles(),
		PC:        m.PC(),
		State:     m.State().String(),
		Registers: m.Registers(),
		Memory:    fmt.Sprintf("%x", m.Memory().Digest()),
	}
	if err != nil {
		o.Err = err.Error()
	}
	return o
}

func newMachine(t testing.TB, xlen int, maxCycles uint64, meter machine.CycleMeter) *machine.Machine {
	t.Helper()
	m, err := machine.NewBuilder(xlen).MaxCycles(maxCycles).CycleMeter(meter).Syscall(sumSyscall{}).Build()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func interpret(t testing.TB, raw []byte, argv [][]byte, xlen int, maxCycles uint64, meter machine.CycleMeter) outcome {
	t.Helper()
	m := newMachine(t, xlen, maxCycles, meter)
	require.NoError(t, m.LoadProgram(raw, argv))
	exit, err := asm.New(m, nil).Run()
	return snapshot(m, exit, err)
}

func compiled(t testing.TB, art *aot.Artifact, raw []byte, argv [][]byte, xlen int, maxCycles uint64, meter machine.CycleMeter) outcome {
	t.Helper()
	m := newMachine(t, xlen, maxCycles, meter)
	require.NoError(t, m.LoadProgram(raw, argv))
	exit, err := aot.Run(art, m)
	return snapshot(m, exit, err)
}

func requireEquivalent(t testing.TB, want, got outcome) {
	t.Helper()
	if diff, modified, err := testutil.JSONDiff(want, got); err == nil && modified {
		t.Fatalf("interpreter and aot runner diverged:\n%s", diff)
	}
	require.Equal(t, want, got)
}

func checkEquivalent(t testing.TB, raw []byte, argv [][]byte, xlen int, maxCycles uint64, meter machine.CycleMeter) outcome {
	t.Helper()
	art, err := aot.CompileBytes(raw, meter, program.DefaultOptions(xlen))
	require.NoError(t, err)
	want := interpret(t, raw, argv, xlen, maxCycles, meter)
	got := compiled(t, art, raw, argv, xlen, maxCycles, meter)
	requireEquivalent(t, want, got)
	return want
}

func fixtures(class64 bool) map[string][]byte {
	out := map[string][]byte{
		"simple":              testutil.Program(class64, testutil.Simple(), nil),
		"syscall sum":         testutil.Program(class64, testutil.SyscallSum([6]int32{1, 2, 3, 4, 5, 6}), nil),
		"jump to data":        testutil.Program(class64, testutil.JumpToData(), []byte{0x13, 0, 0, 0}),
		"jump to zero":        testutil.Program(class64, testutil.JumpToZero(), nil),
		"write large address": testutil.Program(class64, testutil.WriteLargeAddress(), nil),
		"invalid read":        testutil.Program(class64, testutil.InvalidRead(), nil),
		"store to code":       testutil.Program(class64, testutil.StoreToCode(), nil),
		"misaligned jump":     testutil.Program(class64, testutil.MisalignedJump(), nil),
		"invalid instruction": testutil.Program(class64, testutil.Invalid(), nil),
		"unknown ecall":       testutil.Program(class64, testutil.UnknownEcall(), nil),
		"argc":                testutil.Program(class64, testutil.Argc(class64), nil),
	}
	if class64 {
		out["mulw"] = testutil.Program(class64, testutil.Mulw(), nil)
	}
	return out
}

func TestEquivalenceFixtures(t *testing.T) {
	argv := [][]byte{[]byte("prog"), []byte("B")}
	for _, xlen := range []int{32, 64} {
		for name, raw := range fixtures(xlen == 64) {
			t.Run(fmt.Sprintf("%s/rv%d", name, xlen), func(t *testing.T) {
				full := checkEquivalent(t, raw, argv, xlen, math.MaxUint64, nil)
				checkEquivalent(t, raw, argv, xlen, math.MaxUint64, weightedMeter)
				for budget := uint64(0); budget <= full.Cycles && budget < 40; budget++ {
					checkEquivalent(t, raw, argv, xlen, budget, nil)
				}
			})
		}
	}
}

func TestCycleLimit(t *testing.T) {
	raw := testutil.Program(true, testutil.Simple(), nil)
	art, err := aot.CompileBytes(raw, nil, program.DefaultOptions(64))
	require.NoError(t, err)

	o := compiled(t, art, raw, nil, 64, testutil.SimpleInstructions, nil)
	assert.Empty(t, o.Err)
	assert.Equal(t, uint64(testutil.SimpleInstructions), o.Cycles)
	assert.Equal(t, rvmtypes.StateHalted.String(), o.State)

	m := newMachine(t, 64, 500, nil)
	require.NoError(t, m.LoadProgram(raw, nil))
	_, err = aot.Run(art, m)
	require.ErrorIs(t, err, vmerrors.ErrInvalidCycles)
	assert.Equal(t, uint64(501), m.Cycles())
	assert.Equal(t, rvmtypes.StateFaulted, m.State())
}

// randomProgram emits a loop of random arithmetic and data accesses followed
// by the sum syscall and exit. Roughly one program in eight also reads an
// unmapped page somewhere in the loop.
func randomProgram(r *rand.Rand, class64 bool) *testutil.Asm {
	regs := []int{rvmtypes.A0, rvmtypes.A1, rvmtypes.A2, rvmtypes.A3, rvmtypes.A4, rvmtypes.A5, rvmtypes.T0, rvmtypes.T1, rvmtypes.T2}
	reg := func() int { return regs[r.Intn(len(regs))] }
	a := testutil.NewAsm(testutil.TextBase)
	for _, rd := range regs {
		a.LI(rd, int32(r.Uint32()))
	}
	a.LI(rvmtypes.S1, int32(1+r.Intn(16)))
	a.LUI(rvmtypes.S0, testutil.DataBase)
	a.Label("loop")
	faultAt := -1
	n := 8 + r.Intn(40)
	if r.Intn(8) == 0 {
		faultAt = r.Intn(n)
	}
	for i := 0; i < n; i++ {
		if i == faultAt {
			a.LUI(rvmtypes.T3, 0x100000).LW(rvmtypes.T3, rvmtypes.T3, 0)
		}
		rd, rs1, rs2 := reg(), reg(), reg()
		off := int64(r.Intn(1024)) * 4
		switch r.Intn(13) {
		case 0:
			a.ADD(rd, rs1, rs2)
		case 1:
			a.SUB(rd, rs1, rs2)
		case 2:
			[]func(int, int, int) *testutil.Asm{a.XOR, a.OR, a.AND}[r.Intn(3)](rd, rs1, rs2)
		case 3:
			a.MUL(rd, rs1, rs2)
		case 4:
			[]func(int, int, int) *testutil.Asm{a.MULH, a.MULHU, a.MULHSU}[r.Intn(3)](rd, rs1, rs2)
		case 5:
			[]func(int, int, int) *testutil.Asm{a.DIV, a.DIVU, a.REM, a.REMU}[r.Intn(4)](rd, rs1, rs2)
		case 6:
			[]func(int, int, int) *testutil.Asm{a.SLL, a.SRL, a.SRA}[r.Intn(3)](rd, rs1, rs2)
		case 7:
			[]func(int, int, int64) *testutil.Asm{a.ADDI, a.XORI, a.SLTI, a.ANDI}[r.Intn(4)](rd, rs1, int64(r.Intn(4096))-2048)
		case 8:
			[]func(int, int, int64) *testutil.Asm{a.SLLI, a.SRLI, a.SRAI}[r.Intn(3)](rd, rs1, int64(r.Intn(32)))
		case 9:
			a.SW(rs2, rvmtypes.S0, off)
		case 10:
			if r.Intn(2) == 0 {
				a.LW(rd, rvmtypes.S0, off)
			} else {
				a.LBU(rd, rvmtypes.S0, off)
			}
		case 11:
			[]func(int, int, int) *testutil.Asm{a.SLT, a.SLTU}[r.Intn(2)](rd, rs1, rs2)
		case 12:
			if class64 {
				[]func(int, int, int) *testutil.Asm{a.ADDW, a.SUBW, a.MULW, a.DIVW, a.REMUW}[r.Intn(5)](rd, rs1, rs2)
			} else {
				a.ADD(rd, rs1, rs2)
			}
		}
	}
	a.ADDI(rvmtypes.S1, rvmtypes.S1, -1).BNE(rvmtypes.S1, rvmtypes.ZERO, "loop")
	a.LI(rvmtypes.A7, testutil.SumSyscall).ECALL()
	return a.LI(rvmtypes.A7, rvmtypes.SyscallExit).ECALL()
}

func TestEquivalenceRandom(t *testing.T) {
	r := rand.New(rand.NewSource(20261019))
	for i := 0; i < 60; i++ {
		xlen := []int{32, 64}[i%2]
		raw := testutil.Program(xlen == 64, randomProgram(r, xlen == 64), make([]byte, 16))
		meter := machine.CycleMeter(weightedMeter)
		if r.Intn(2) == 0 {
			meter = nil
		}
		full := checkEquivalent(t, raw, nil, xlen, math.MaxUint64, meter)
		budget := r.Uint64n(full.Cycles + 2)
		checkEquivalent(t, raw, nil, xlen, budget, meter)
	}
}

func TestConcurrentArtifactReuse(t *testing.T) {
	raw := testutil.Program(true, testutil.SyscallSum([6]int32{1, 2, 3, 4, 5, 6}), nil)
	art, err := aot.CompileBytes(raw, nil, program.DefaultOptions(64))
	require.NoError(t, err)
	want := interpret(t, raw, nil, 64, math.MaxUint64, nil)

	var g errgroup.Group
	results := make([]outcome, 8)
	for i := range results {
		i := i
		g.Go(func() error {
			m, err := machine.NewBuilder(64).Syscall(sumSyscall{}).Build()
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.LoadProgram(raw, nil); err != nil {
				return err
			}
			exit, err := aot.Run(art, m)
			results[i] = snapshot(m, exit, err)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, got := range results {
		requireEquivalent(t, want, got)
		assert.Equal(t, uint8(21), got.Exit)
	}
}

func TestArtifactMismatch(t *testing.T) {
	art, err := aot.CompileBytes(testutil.Program(true, testutil.Simple(), nil), nil, program.DefaultOptions(64))
	require.NoError(t, err)

	m := newMachine(t, 64, math.MaxUint64, nil)
	require.NoError(t, m.LoadProgram(testutil.Program(true, testutil.Mulw(), nil), nil))
	_, err = aot.Run(art, m)
	require.ErrorIs(t, err, vmerrors.ErrArtifactMismatch)
	assert.Equal(t, rvmtypes.StateLoaded, m.State())

	// same program priced by a different meter
	m = newMachine(t, 64, math.MaxUint64, weightedMeter)
	require.NoError(t, m.LoadProgram(testutil.Program(true, testutil.Simple(), nil), nil))
	_, err = aot.Run(art, m)
	require.ErrorIs(t, err, vmerrors.ErrArtifactMismatch)
	assert.Zero(t, m.Cycles())

	// a table that prices everything at one cycle is the same meter
	m = newMachine(t, 64, math.MaxUint64, &machine.TableMeter{Default: 1})
	require.NoError(t, m.LoadProgram(testutil.Program(true, testutil.Simple(), nil), nil))
	_, err = aot.Run(art, m)
	require.NoError(t, err)

	// an unloaded machine is rejected by its own state check
	_, err = aot.Run(art, newMachine(t, 64, math.MaxUint64, nil))
	assert.ErrorIs(t, err, vmerrors.ErrMachineState)
}

func TestCompileMatchesLoadErrors(t *testing.T) {
	raw := testutil.Program(true, testutil.Simple(), nil)
	badMagic := bytes.Clone(raw)
	badMagic[1] = 'X'
	wx, _ := testutil.ELF{
		Class64: true,
		Entry:   testutil.TextBase,
		Segments: []testutil.Segment{
			{Vaddr: testutil.TextBase, Data: testutil.Simple().Bytes(), Flags: testutil.PF_R | testutil.PF_W | testutil.PF_X},
		},
	}.Build()
	inStack, _ := testutil.ELF{
		Class64: true,
		Entry:   rvmtypes.DefaultMemorySize - rvmtypes.PageSize,
		Segments: []testutil.Segment{
			{Vaddr: rvmtypes.DefaultMemorySize - rvmtypes.PageSize, Data: testutil.Simple().Bytes(), Flags: testutil.PF_R | testutil.PF_X},
		},
	}.Build()

	tests := []struct {
		name string
		raw  []byte
		xlen int
		kind error
	}{
		{"truncated", raw[:40], 64, vmerrors.ErrParse},
		{"bad magic", badMagic, 64, vmerrors.ErrParse},
		{"wrong class", raw, 32, vmerrors.ErrParse},
		{"writable and executable", wx, 64, vmerrors.ErrInvalidPermission},
		{"segment in stack", inStack, 64, vmerrors.ErrOutOfBound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, cerr := aot.CompileBytes(tc.raw, nil, program.DefaultOptions(tc.xlen))
			require.ErrorIs(t, cerr, tc.kind)
			m := newMachine(t, tc.xlen, math.MaxUint64, nil)
			lerr := m.LoadProgram(tc.raw, nil)
			require.ErrorIs(t, lerr, tc.kind)
			assert.Equal(t, lerr.Error(), cerr.Error())
		})
	}
}

func TestBasicBlocks(t *testing.T) {
	art, err := aot.CompileBytes(testutil.Program(true, testutil.Simple(), nil), nil, program.DefaultOptions(64))
	require.NoError(t, err)
	require.Len(t, art.Blocks, 3)

	entry, ok := art.Block(testutil.TextBase)
	require.True(t, ok)
	assert.Len(t, entry.Instructions, 4)
	assert.Equal(t, aot.CONDITIONAL, entry.JumpType)
	assert.Equal(t, uint64(testutil.TextBase+8), entry.TruePC)
	assert.Equal(t, uint64(testutil.TextBase+16), entry.NextPC)
	assert.Equal(t, uint64(4), entry.Cycles)

	loop, ok := art.Block(testutil.TextBase + 8)
	require.True(t, ok)
	assert.Len(t, loop.Instructions, 2)

	exit, ok := art.Block(testutil.TextBase + 16)
	require.True(t, ok)
	assert.Equal(t, aot.ECALL_JUMP, exit.JumpType)
	assert.Equal(t, 9, art.InstructionCount())
}

func TestArtifactEncoding(t *testing.T) {
	raw := testutil.Program(false, testutil.Simple(), nil)
	art, err := aot.CompileBytes(raw, weightedMeter, program.DefaultOptions(32))
	require.NoError(t, err)
	enc, err := art.MarshalBinary()
	require.NoError(t, err)
	again, err := art.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, enc, again)

	decoded, err := aot.UnmarshalArtifact(enc)
	require.NoError(t, err)
	want := compiled(t, art, raw, nil, 32, 300, weightedMeter)
	got := compiled(t, decoded, raw, nil, 32, 300, weightedMeter)
	requireEquivalent(t, want, got)

	_, err = aot.UnmarshalArtifact(enc[:len(enc)/2])
	assert.Error(t, err)
}

func TestCorruptArtifactRejected(t *testing.T) {
	raw := testutil.Program(false, testutil.Simple(), nil)
	art, err := aot.CompileBytes(raw, weightedMeter, program.DefaultOptions(32))
	require.NoError(t, err)
	enc, err := art.MarshalBinary()
	require.NoError(t, err)

	// rewrites the decode table slot holding the entry instruction
	entrySlot := func(a *aot.Artifact) *isa.Instruction {
		r := &a.Code[0]
		return &r.Instructions[(a.Entry-r.Start)/2]
	}
	tests := []struct {
		name    string
		corrupt func(a *aot.Artifact)
	}{
		{"invalid opcode", func(a *aot.Artifact) { entrySlot(a).Op = isa.INVALID }},
		{"opcode out of range", func(a *aot.Artifact) { entrySlot(a).Op = 250 }},
		{"bad length", func(a *aot.Artifact) { entrySlot(a).Length = 3 }},
		{"register out of range", func(a *aot.Artifact) { entrySlot(a).Rd = 40 }},
		{"rv64 opcode in rv32 code", func(a *aot.Artifact) { entrySlot(a).Op = isa.LD }},
		{"block disagrees with decode table", func(a *aot.Artifact) { a.Blocks[0].Instructions[0].Imm++ }},
		{"block cycles", func(a *aot.Artifact) { a.Blocks[0].Cycles = 0 }},
		{"block cost", func(a *aot.Artifact) { a.Blocks[0].Costs[0]++ }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, err := aot.UnmarshalArtifact(enc)
			require.NoError(t, err)
			tc.corrupt(a)
			bad, err := a.MarshalBinary()
			require.NoError(t, err)
			_, err = aot.UnmarshalArtifact(bad)
			assert.Error(t, err)
		})
	}
}

func TestExecuteRejectsUndecodedInstructions(t *testing.T) {
	m := newMachine(t, 64, math.MaxUint64, nil)
	require.NoError(t, m.LoadProgram(testutil.Program(true, testutil.Simple(), nil), nil))
	pc := m.PC()
	for _, inst := range []isa.Instruction{
		{Op: isa.INVALID, Length: 4},
		{Op: 250, Length: 4},
		{Op: isa.ADDI, Rd: 5, Imm: 1, Length: 0},
	} {
		err := isa.Execute(inst, m)
		assert.ErrorIs(t, err, vmerrors.ErrInvalidInstruction, inst.String())
		assert.Equal(t, pc, m.PC())
		assert.Zero(t, m.Register(5))
	}
}
