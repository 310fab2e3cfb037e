// Package config handles rvm.toml machine profiles.
package config

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/colorfulnotion/rvm/isa"
	"github.com/colorfulnotion/rvm/log"
	"github.com/colorfulnotion/rvm/machine"
	"github.com/colorfulnotion/rvm/program"
	"github.com/colorfulnotion/rvm/rvmtypes"
	"golang.org/x/crypto/blake2b"
)

// Config is a machine profile.
type Config struct {
	Machine MachineConfig `toml:"machine"`
	Cycles  CyclesConfig  `toml:"cycles"`
	Log     LogConfig     `toml:"log"`
	Cache   CacheConfig   `toml:"cache"`
}

type MachineConfig struct {
	XLEN       int    `toml:"xlen"`
	MemorySize uint64 `toml:"memory_size"`
	StackSize  uint64 `toml:"stack_size"`
	MaxCycles  uint64 `toml:"max_cycles"` // 0 means unlimited
	WXPolicy   string `toml:"wx_policy"`
}

// CyclesConfig prices instructions: Ops maps lower-case mnemonics to costs,
// everything else costs Default.
type CyclesConfig struct {
	Default uint64            `toml:"default"`
	Ops     map[string]uint64 `toml:"ops"`
}

type LogConfig struct {
	Level   string   `toml:"level"`
	Modules []string `toml:"modules"`
	JSON    bool     `toml:"json"`
}

// CacheConfig locates the artifact cache. An empty Path keeps it in memory.
type CacheConfig struct {
	Path string `toml:"path"`
}

func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			XLEN:       64,
			MemorySize: rvmtypes.DefaultMemorySize,
			StackSize:  rvmtypes.DefaultStackSize,
			WXPolicy:   program.WXReject.String(),
		},
		Cycles: CyclesConfig{Default: 1},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the profile at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	cfg := Default()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warn(log.CliModule, "unknown config key", "file", path, "key", key.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := c.Options(); err != nil {
		return err
	}
	if _, err := c.costs(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Options returns the address space layout of the profile.
func (c *Config) Options() (program.Options, error) {
	policy, err := program.ParseWXPolicy(c.Machine.WXPolicy)
	if err != nil {
		return program.Options{}, err
	}
	opts := program.Options{
		XLEN:       c.Machine.XLEN,
		MemorySize: c.Machine.MemorySize,
		StackSize:  c.Machine.StackSize,
		WXPolicy:   policy,
	}
	return opts, opts.Validate()
}

func (c *Config) MaxCycles() uint64 {
	if c.Machine.MaxCycles == 0 {
		return math.MaxUint64
	}
	return c.Machine.MaxCycles
}

func (c *Config) costs() (map[isa.Opcode]uint64, error) {
	out := make(map[isa.Opcode]uint64, len(c.Cycles.Ops))
	for name, cost := range c.Cycles.Ops {
		op, ok := isa.OpcodeFromString(name)
		if !ok {
			return nil, fmt.Errorf("unknown instruction %q in cycles.ops", name)
		}
		out[op] = cost
	}
	return out, nil
}

// Meter builds the cycle meter of the profile.
func (c *Config) Meter() (machine.CycleMeter, error) {
	costs, err := c.costs()
	if err != nil {
		return nil, err
	}
	if len(costs) == 0 {
		return machine.ConstantMeter(c.Cycles.Default), nil
	}
	return &machine.TableMeter{Default: c.Cycles.Default, Costs: costs}, nil
}

// Fingerprint identifies the cost table. Profiles that price every opcode
// the same way share a fingerprint however the table is spelled.
func (c *Config) Fingerprint() ([32]byte, error) {
	costs, err := c.costs()
	if err != nil {
		return [32]byte{}, err
	}
	ops := make([]isa.Opcode, 0, len(costs))
	for op, cost := range costs {
		if cost != c.Cycles.Default {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	buf := binary.LittleEndian.AppendUint64(nil, c.Cycles.Default)
	for _, op := range ops {
		buf = append(buf, byte(op))
		buf = binary.LittleEndian.AppendUint64(buf, costs[op])
	}
	return blake2b.Sum256(buf), nil
}

// Builder returns a machine builder configured by the profile. Syscall
// handlers are left to the caller.
func (c *Config) Builder() (*machine.Builder, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	meter, err := c.Meter()
	if err != nil {
		return nil, err
	}
	return machine.NewBuilder(opts.XLEN).Options(opts).MaxCycles(c.MaxCycles()).CycleMeter(meter), nil
}

// InitLogging installs the root logger described by the profile. Text logs
// go to stderr, JSON logs to w.
func (c *Config) InitLogging(w io.Writer) error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.JSON {
		if err := log.InitJSONLogger(w, c.Log.Level); err != nil {
			return err
		}
	} else {
		log.InitLogger(c.Log.Level)
	}
	if len(c.Log.Modules) > 0 {
		log.EnableModules(strings.Join(c.Log.Modules, ","))
	}
	return nil
}

// Write encodes the profile as TOML.
func (c *Config) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
