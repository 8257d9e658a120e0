package klog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopNeverPanics(t *testing.T) {
	l := Nop()
	require.NotPanics(t, func() {
		l.Infow("booting", "ncpu", 4)
		l.Debugw("tick", "n", 1)
	})
	require.NoError(t, l.Sync())
}

func TestWithAddsFields(t *testing.T) {
	l := Nop()
	derived := l.With("cpu", 1)
	require.NotNil(t, derived)
	require.NotPanics(t, func() { derived.Infow("cpu online") })
}

func TestNewInstallsPackageGlobal(t *testing.T) {
	l := New()
	defer l.Sync()
	require.Same(t, l.SugaredLogger, L)
}
