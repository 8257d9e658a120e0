// Package klog wraps zap for kernel-wide diagnostic logging. Messages
// stay short and single-line in the teacher's own console-log shape;
// only the sink changes, from a raw console write to a structured
// *zap.Logger.
package klog

import "go.uber.org/zap"

// L is the package-global sugared logger, injected at boot by New and
// read by every subsystem that was handed a *Logger through the Kernel
// struct. Kernel-invariant violations still use Go's built-in panic,
// matching the teacher's panic("...") on init-time failures, this
// logger is for diagnostics, not for asserting invariants.
var L = zap.NewNop().Sugar()

// Logger is the handle threaded through internal/kernel.Kernel and down
// into every subsystem that logs.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New builds a development-mode logger (human-readable, stderr) and
// installs it as the package default L.
func New() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	lg := &Logger{SugaredLogger: z.Sugar(), base: z}
	L = lg.SugaredLogger
	return lg
}

// Nop builds a silent logger, used by tests that don't want console
// noise from kernel diagnostics.
func Nop() *Logger {
	z := zap.NewNop()
	lg := &Logger{SugaredLogger: z.Sugar(), base: z}
	return lg
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// With returns a derived Logger with additional structured fields,
// typically a cpu id (klog.New().With("cpu", id)).
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), base: l.base}
}
