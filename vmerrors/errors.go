// Package vmerrors holds the fault taxonomy shared by the loader, the
// machine and both execution engines.
package vmerrors

import (
	"errors"
	"strings"
)

// Loader and memory errors
var (
	ErrParse             = errors.New("L1|ParseError: Program bytes are not a well-formed RISC-V ELF image.")
	ErrOutOfBound        = errors.New("M1|OutOfBound: Address range lies outside mapped memory or the input buffer.")
	ErrInvalidPermission = errors.New("M2|InvalidPermission: Access violates a page read, write or execute flag.")
)

// Execution errors
var (
	ErrInvalidCycles      = errors.New("X1|InvalidCycles: Cycle budget exceeded.")
	ErrInvalidEcall       = errors.New("X2|InvalidEcall: No syscall handler recognized the environment call.")
	ErrInvalidInstruction = errors.New("X3|InvalidInstruction: Instruction encoding is not supported.")
	ErrMachineState       = errors.New("X4|MachineState: Machine is not ready to run.")
	ErrArtifactMismatch   = errors.New("X5|ArtifactMismatch: Compiled artifact does not belong to the loaded program.")
)

var kinds = []error{
	ErrParse,
	ErrOutOfBound,
	ErrInvalidPermission,
	ErrInvalidCycles,
	ErrInvalidEcall,
	ErrInvalidInstruction,
	ErrMachineState,
	ErrArtifactMismatch,
}

// Kind returns the sentinel err wraps, or nil when err is nil or foreign.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}
