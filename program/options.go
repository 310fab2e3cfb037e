package program

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/rvm/rvmtypes"
)

// WXPolicy decides what happens to a segment asking for write and execute.
type WXPolicy uint8

const (
	WXReject    WXPolicy = iota // fail the load with InvalidPermission
	WXDowngrade                 // map the segment read+execute
)

func ParseWXPolicy(s string) (WXPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return WXReject, nil
	case "downgrade":
		return WXDowngrade, nil
	}
	return WXReject, fmt.Errorf("unknown wx policy %q", s)
}

func (p WXPolicy) String() string {
	if p == WXDowngrade {
		return "downgrade"
	}
	return "reject"
}

// Options fixes the address space a program is laid out in.
type Options struct {
	XLEN       int
	MemorySize uint64
	StackSize  uint64
	WXPolicy   WXPolicy
}

func DefaultOptions(xlen int) Options {
	return Options{
		XLEN:       xlen,
		MemorySize: rvmtypes.DefaultMemorySize,
		StackSize:  rvmtypes.DefaultStackSize,
	}
}

func (o Options) Validate() error {
	if o.XLEN != 32 && o.XLEN != 64 {
		return fmt.Errorf("xlen must be 32 or 64, got %d", o.XLEN)
	}
	if o.MemorySize == 0 || o.MemorySize%rvmtypes.PageSize != 0 {
		return fmt.Errorf("memory size %d is not a positive multiple of %d", o.MemorySize, rvmtypes.PageSize)
	}
	if o.XLEN == 32 && o.MemorySize > 1<<32 {
		return fmt.Errorf("memory size %d exceeds the 32-bit address space", o.MemorySize)
	}
	if o.StackSize%rvmtypes.PageSize != 0 || o.StackSize >= o.MemorySize {
		return fmt.Errorf("stack size %d must be a page multiple below memory size %d", o.StackSize, o.MemorySize)
	}
	return nil
}

// StackBase is the lowest address of the stack region.
func (o Options) StackBase() uint64 {
	return o.MemorySize - o.StackSize
}
