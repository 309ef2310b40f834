package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultMatch() MatchConfig {
	return MatchConfig{
		AutoThreshold:   0.95,
		ReviewThreshold: 0.80,
		Weights: WeightsConfig{
			Name:        0.40,
			DOB:         0.30,
			Address:     0.20,
			Affiliation: 0.10,
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no config.yaml present

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0.95, cfg.Match.AutoThreshold)
	assert.Equal(t, 0.80, cfg.Match.ReviewThreshold)
	assert.False(t, cfg.Match.KeepRejected)
	assert.Equal(t, 0.40, cfg.Match.Weights.Name)
	assert.Empty(t, cfg.Phone.DefaultRegion)
	assert.Equal(t, 500, cfg.Scan.ChunkSize)
	assert.Equal(t, 4, cfg.Scan.Concurrency)
}

func TestValidateMatch_OK(t *testing.T) {
	assert.NoError(t, ValidateMatch(defaultMatch()))
}

func TestValidateMatch_NegativeWeight(t *testing.T) {
	c := defaultMatch()
	c.Weights.DOB = -0.1
	err := ValidateMatch(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights.dob")
}

func TestValidateMatch_ZeroWeightSum(t *testing.T) {
	c := defaultMatch()
	c.Weights = WeightsConfig{}
	err := ValidateMatch(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight sum")
}

func TestValidateMatch_ThresholdOrder(t *testing.T) {
	c := defaultMatch()
	c.ReviewThreshold = 0.99
	err := ValidateMatch(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review_threshold must be <= auto_threshold")
}

func TestValidateMatch_ThresholdRange(t *testing.T) {
	c := defaultMatch()
	c.AutoThreshold = 1.5
	assert.Error(t, ValidateMatch(c))

	c = defaultMatch()
	c.AutoThreshold = 0
	assert.Error(t, ValidateMatch(c))
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
