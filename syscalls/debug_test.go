package syscalls

import (
	"bytes"
	"testing"

	"github.com/colorfulnotion/rvm/asm"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/testutil"
	"github.com/colorfulnotion/rvm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func debugProgram(addr int32) *testutil.Asm {
	return testutil.NewAsm(testutil.TextBase).
		LI(rvmtypes.A0, addr).
		LI(rvmtypes.A7, rvmtypes.SyscallDebug).
		ECALL().
		Exit(3)
}

func runDebug(t *testing.T, d *Debug, raw []byte) (uint8, error) {
	t.Helper()
	m, err := machine.NewBuilder(64).Syscall(d).Build()
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.LoadProgram(raw, nil))
	return asm.New(m, nil).Run()
}

func TestDebug(t *testing.T) {
	var out bytes.Buffer
	raw := testutil.Program(true, debugProgram(testutil.DataBase), []byte("hello\x00ignored"))
	exit, err := runDebug(t, NewDebug(&out), raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), exit)
	assert.Equal(t, "hello\n", out.String())
}

func TestDebugLimit(t *testing.T) {
	var out bytes.Buffer
	raw := testutil.Program(true, debugProgram(testutil.DataBase), []byte("abcdef"))
	_, err := runDebug(t, &Debug{Out: &out, Limit: 3}, raw)
	require.NoError(t, err)
	assert.Equal(t, "abc\n", out.String())
}

func TestDebugFaults(t *testing.T) {
	// the string runs off the end of the only data page
	page := bytes.Repeat([]byte{'x'}, rvmtypes.PageSize)
	raw := testutil.Program(true, debugProgram(testutil.DataBase+rvmtypes.PageSize-2), page)
	_, err := runDebug(t, NewDebug(&bytes.Buffer{}), raw)
	assert.ErrorIs(t, err, vmerrors.ErrOutOfBound)
}

func TestDebugIgnoresOtherNumbers(t *testing.T) {
	m, err := machine.NewBuilder(64).Build()
	require.NoError(t, err)
	defer m.Close()
	m.SetRegister(rvmtypes.A7, 1)
	handled, err := NewDebug(nil).Ecall(m)
	require.NoError(t, err)
	assert.False(t, handled)
}
