package kernel

import "github.com/kewu1992/pebbles-smp/internal/klog"

// ManagerCPU is the fixed logical id of the manager core (spec.md §5:
// "CPU 0 is the manager").
const ManagerCPU = 0

// Config carries every layout/sizing constant the kernel's subsystems
// need at boot (SPEC_FULL.md §2 ambient stack: "no file/env parsing is
// in scope... config is constructed in-process").
type Config struct {
	NCPU              int // total cores, manager included; workers are 1..NCPU-1
	KStackBits        uint
	PageSize          uintptr
	UserMemStart      uintptr
	UserMemEnd        uintptr
	NumFrames         int
	NumPTPerLock      int
	NumPTLocksPerTask int
	PidBuckets        int
	TidBuckets        int
	Logger            *klog.Logger
}

// DefaultConfig returns a small but workable configuration, suitable for
// tests and the demo entrypoint.
func DefaultConfig() Config {
	const pageSize = 4096
	return Config{
		NCPU:              2,
		KStackBits:        13, // 8 KiB kernel stacks
		PageSize:          pageSize,
		UserMemStart:      0x01000000,
		UserMemEnd:        0xFFFFF000, // user virtual space runs to the top of the 32-bit address space
		NumFrames:         4096,
		NumPTPerLock:      16,
		NumPTLocksPerTask: 64,
		PidBuckets:        64,
		TidBuckets:        64,
		Logger:            klog.Nop(),
	}
}

// Option mutates a Config under construction, matching the functional-
// options style used across the retrieved pack's server configs.
type Option func(*Config)

func WithNCPU(n int) Option { return func(c *Config) { c.NCPU = n } }

func WithKStackBits(b uint) Option { return func(c *Config) { c.KStackBits = b } }

func WithFrames(n int) Option { return func(c *Config) { c.NumFrames = n } }

func WithUserMem(start, end uintptr) Option {
	return func(c *Config) { c.UserMemStart = start; c.UserMemEnd = end }
}

func WithPTPerLock(n int) Option { return func(c *Config) { c.NumPTPerLock = n } }

func WithPTLocksPerTask(n int) Option { return func(c *Config) { c.NumPTLocksPerTask = n } }

func WithLogger(l *klog.Logger) Option { return func(c *Config) { c.Logger = l } }

// NewConfig builds a Config starting from DefaultConfig and applying opts
// in order.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
