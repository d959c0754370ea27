package godetour

import "github.com/qsel/godetour/internal/execpool"

// PoolConfig tunes the executable memory pool shared by every Detour in
// the process. It is a plain struct with defaults rather than a parsed
// configuration file — a handful of tunables embedded directly in caller
// code needs no config-file parser (see DESIGN.md).
type PoolConfig struct {
	// MaxDistance bounds how far a trampoline may be placed from its
	// target, in bytes. Zero uses execpool.DefaultMaxDistance, a 64 KiB
	// safety margin short of the ±2GiB a 32-bit relative branch can reach.
	MaxDistance uintptr
	// SlabSize is the size of a freshly reserved executable region.
	// Zero uses execpool.DefaultSlabSize.
	SlabSize int
}

func (c PoolConfig) toExecpool() execpool.Config {
	cfg := execpool.DefaultConfig()
	if c.MaxDistance != 0 {
		cfg.MaxDistance = c.MaxDistance
	}
	if c.SlabSize != 0 {
		cfg.SlabSize = c.SlabSize
	}
	return cfg
}

var defaultPool = execpool.New(execpool.DefaultConfig())

// SetPoolConfig replaces the process-wide executable memory pool's
// configuration. It must be called before any Detour is constructed;
// detours already holding trampolines from the previous pool are
// unaffected.
func SetPoolConfig(cfg PoolConfig) {
	defaultPool = execpool.New(cfg.toExecpool())
}
