package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/roberta_ists/internal/errs"
)

func TestNew(t *testing.T) {
	logger, err := New("debug")
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud")
	require.True(t, errs.IsConfig(err))
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, OrNop(nil))
}
