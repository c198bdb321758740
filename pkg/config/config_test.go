package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

func TestDefaultProfileValidates(t *testing.T) {
	p := config.DefaultProfile()
	require.NoError(t, p.Validate())
	assert.Equal(t, 1, p.UnitsFor(contracts.DepthShallow))
	assert.Equal(t, 3, p.UnitsFor(contracts.DepthDeep))
	assert.Nil(t, p.TTLFor(contracts.SignalFirstEngagementOccurred))
	require.NotNil(t, p.TTLFor(contracts.SignalRenewalWindowEntered))
	assert.Equal(t, 90, *p.TTLFor(contracts.SignalRenewalWindowEntered))
}

func TestWeightsMustSumToOne(t *testing.T) {
	p := config.DefaultProfile()
	p.HeatWeights.Posture = 0.9
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	body := []byte(`
heat_weights:
  posture: 0.6
  recency: 0.2
  volume: 0.2
pull_budget:
  max_per_day: 5
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	assert.Equal(t, 0.6, p.HeatWeights.Posture)
	assert.Equal(t, int64(5), p.PullBudget.MaxPerDay)
	// untouched defaults survive
	assert.Equal(t, contracts.DepthDeep, p.TierPolicy[contracts.TierHot].DefaultDepth)
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := config.LoadProfile("/nonexistent/profile.yaml")
	require.Error(t, err)
	assert.Equal(t, taxonomy.CodeConfig, taxonomy.Classify(err))
}
