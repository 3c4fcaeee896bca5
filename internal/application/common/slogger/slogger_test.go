package slogger

import (
	"batchclassify/internal/application/common/logging"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGlobalLogger_RoutesPackageFunctions(t *testing.T) {
	logger, err := logging.NewApplicationLogger(logging.Config{Level: "DEBUG", Format: "json", Output: "buffer"})
	require.NoError(t, err)
	SetGlobalLogger(logger)
	t.Cleanup(func() { SetGlobalLogger(nil) })

	Info(context.Background(), "Monitor cycle complete", Fields2("resolved", 1, "pending", 2))
	WarnNoCtx("Lease held elsewhere", Field("key", "batchclassify:monitor"))

	output := logging.BufferedOutput(logger)
	assert.Contains(t, output, "Monitor cycle complete")
	assert.Contains(t, output, "Lease held elsewhere")
}

func TestConfigure_RejectsInvalidSettings(t *testing.T) {
	err := Configure(logging.Config{Level: "LOUD", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestFieldsHelpers(t *testing.T) {
	assert.Equal(t, Fields{"a": 1, "b": 2, "c": 3}, Fields3("a", 1, "b", 2, "c", 3))
}
