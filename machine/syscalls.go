package machine

import (
	"fmt"

	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"github.com/colorfulnotion/rvm/vmerrors"
)

// Syscalls is a host extension. Initialize runs once after a program is
// loaded. Ecall is offered every environment call the machine does not handle
// itself and reports whether it took it; the number is in a7, arguments in
// a0..a5, and the result goes in a0.
type Syscalls interface {
	Initialize(m *Machine) error
	Ecall(m *Machine) (bool, error)
}

// ecall dispatches an environment call. Exit is built in; the rest go to the
// registered handlers in registration order, and the first to accept wins.
func (m *Machine) ecall() error {
	code := m.registers[rvmtypes.A7]
	if code == rvmtypes.SyscallExit {
		m.exitCode = uint8(m.registers[rvmtypes.A0])
		m.running = false
		log.Debug(log.SyscallModule, "exit", "code", m.exitCode, "cycles", m.cycles)
		return nil
	}
	for _, h := range m.syscalls {
		processed, err := h.Ecall(m)
		if err != nil {
			return err
		}
		if processed {
			log.Trace(log.SyscallModule, "ecall handled", "a7", code, "handler", fmt.Sprintf("%T", h))
			return nil
		}
	}
	return fmt.Errorf("%w: a7=%d at pc 0x%x", vmerrors.ErrInvalidEcall, code, m.pc)
}
