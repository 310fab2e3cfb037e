// Package syscalls holds host handlers that can be attached to a Machine.
package syscalls

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/rvmtypes"
)

// DefaultDebugLimit caps the length of a debug message.
const DefaultDebugLimit = 4096

// Debug handles syscall 2177: it reads the NUL-terminated string at a0 and
// writes it, followed by a newline, to Out. With no Out the message is logged
// on the syscall module.
type Debug struct {
	Out   io.Writer
	Limit uint64
}

func NewDebug(out io.Writer) *Debug {
	return &Debug{Out: out, Limit: DefaultDebugLimit}
}

func (d *Debug) Initialize(*machine.Machine) error {
	return nil
}

func (d *Debug) Ecall(m *machine.Machine) (bool, error) {
	if m.Register(rvmtypes.A7) != rvmtypes.SyscallDebug {
		return false, nil
	}
	msg, err := ReadCString(m, m.Register(rvmtypes.A0), d.limit())
	if err != nil {
		return true, err
	}
	if d.Out == nil {
		log.Info(log.SyscallModule, "debug", "msg", string(msg), "pc", fmt.Sprintf("0x%x", m.PC()))
		return true, nil
	}
	if _, err := fmt.Fprintf(d.Out, "%s\n", msg); err != nil {
		return true, fmt.Errorf("debug syscall: %w", err)
	}
	return true, nil
}

func (d *Debug) limit() uint64 {
	if d.Limit == 0 {
		return DefaultDebugLimit
	}
	return d.Limit
}

// ReadCString reads bytes at addr up to the first NUL or limit bytes,
// whichever comes first. Every byte is read with load permission checks.
func ReadCString(m *machine.Machine, addr, limit uint64) ([]byte, error) {
	var out []byte
	for i := uint64(0); i < limit; i++ {
		b, err := m.Load(addr+i, 1)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			break
		}
		out = append(out, byte(b))
	}
	return out, nil
}
