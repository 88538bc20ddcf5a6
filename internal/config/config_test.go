package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupTauHigh = 0.80
	cfg.DedupTauLow = 0.92
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DedupTauHigh = cfg.DedupTauLow
	require.Error(t, cfg.Validate())
}

func TestValidateThresholdRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupTauHigh = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DedupTieEpsilon = -0.01
	require.Error(t, cfg.Validate())
}

func TestValidateWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JobWorkers = 0
	require.Error(t, cfg.Validate())
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	assert.Same(t, &cfg, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
