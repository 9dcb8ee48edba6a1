package common

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLogger(t *testing.T) {
	log := SetupLogger(&LoggingOpts{Debug: true, JSON: true, Service: "enclave", Version: "v1"})
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	log = SetupLogger(&LoggingOpts{})
	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, log.Enabled(context.Background(), slog.LevelInfo))
}
