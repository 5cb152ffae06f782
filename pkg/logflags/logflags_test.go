package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetupErrors(t *testing.T) {
	require.ErrorIs(t, Setup(false, "unwinder"), errLogstrWithoutLog)
	require.Error(t, Setup(true, "bogus"))
}

func TestSetupComponents(t *testing.T) {
	defer func() { unwinder, registry, cfi = false, false, false }()

	require.NoError(t, Setup(true, "registry,cfi"))
	require.False(t, Unwinder())
	require.True(t, Registry())
	require.True(t, CFI())
}

func TestSetupDefaultsToUnwinder(t *testing.T) {
	defer func() { unwinder, registry, cfi = false, false, false }()

	require.NoError(t, Setup(true, ""))
	require.True(t, Unwinder())
}

func TestSilentLoggerLevel(t *testing.T) {
	require.Equal(t, logrus.PanicLevel, makeLogger(false, logrus.Fields{}).Logger.Level)
	require.Equal(t, logrus.DebugLevel, makeLogger(true, logrus.Fields{}).Logger.Level)
}
