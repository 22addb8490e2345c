package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajoshiusc/QRSegment/config"
	"github.com/ajoshiusc/QRSegment/train"
)

func TestOverrides(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, rootCmd.Flags().Parse([]string{
		"--variant", "probabilistic", "-e", "3", "-s", "0.25", "--metrics-db", "m.db",
		"--levels", "0.9,0.5,0.1",
	}))
	require.NoError(t, overrides(rootCmd, &cfg))

	assert.Equal(t, train.Probabilistic, cfg.Train.Variant)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 24, cfg.Train.BatchSize)
	assert.Equal(t, train.OptSGD, cfg.Train.Optimizer)
	assert.Equal(t, 0.25, cfg.Data.Scale)
	assert.Equal(t, "m.db", cfg.Metrics.SQLitePath)
	assert.Equal(t, []float64{0.9, 0.5, 0.1}, cfg.Model.Levels)
	// Untouched flags keep the configured values.
	assert.Equal(t, config.Default().Train.ValPercent, cfg.Train.ValPercent)
	assert.NoError(t, cfg.Validate())
}

func TestVariantKeepsFileSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Shuffle = true
	cfg.Train.Loss = "bceqr"
	cfg.Train.WarmupEpochs = 2
	cfg.Train.ClipNorm = 4
	cfg.Train.Optimizer = train.OptAdam
	require.NoError(t, rootCmd.Flags().Parse([]string{"--variant", "probabilistic"}))
	require.NoError(t, overrides(rootCmd, &cfg))

	assert.Equal(t, train.Probabilistic, cfg.Train.Variant)
	assert.True(t, cfg.Train.Shuffle)
	assert.Equal(t, "bceqr", cfg.Train.Loss)
	assert.Equal(t, 2, cfg.Train.WarmupEpochs)
	assert.Equal(t, 4.0, cfg.Train.ClipNorm)
	assert.Equal(t, train.OptAdam, cfg.Train.Optimizer)
	assert.NoError(t, cfg.Validate())
}
