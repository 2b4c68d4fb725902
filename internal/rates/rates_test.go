package rates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

func TestResolveThresholds(t *testing.T) {
	defaults := DefaultTable().Thresholds

	t.Run("empty tenant table falls back to defaults", func(t *testing.T) {
		got := ResolveThresholds(nil, defaults)
		want := []model.TierThreshold{
			{Tier: model.TierPlatinum, MinPoints: 10000},
			{Tier: model.TierGold, MinPoints: 5000},
			{Tier: model.TierSilver, MinPoints: 1000},
			{Tier: model.TierBronze, MinPoints: 0},
		}
		assert.Equal(t, want, got)

		assert.Equal(t, want, ResolveThresholds([]model.TierConfig{}, defaults))
	})

	t.Run("tenant table takes precedence", func(t *testing.T) {
		tenant := []model.TierConfig{
			{Tier: model.TierBronze, MinPoints: 0},
			{Tier: model.TierGold, MinPoints: 800},
			{Tier: model.TierSilver, MinPoints: 200},
		}
		got := ResolveThresholds(tenant, defaults)
		assert.Equal(t, []model.TierThreshold{
			{Tier: model.TierGold, MinPoints: 800},
			{Tier: model.TierSilver, MinPoints: 200},
			{Tier: model.TierBronze, MinPoints: 0},
		}, got)
	})

	t.Run("defaults slice is not reordered", func(t *testing.T) {
		_ = ResolveThresholds(nil, defaults)
		assert.Equal(t, model.TierBronze, defaults[0].Tier)
	})
}

func TestResolveMultiplier(t *testing.T) {
	defaults := DefaultMultipliers()
	tenant := []model.TierConfig{
		{Tier: model.TierSilver, MinPoints: 500, EarnMultiplier: decimal.RequireFromString("1.4")},
		{Tier: model.TierGold, MinPoints: 900},
	}

	tests := []struct {
		name   string
		tier   model.Tier
		tenant []model.TierConfig
		want   string
	}{
		{name: "tenant multiplier", tier: model.TierSilver, tenant: tenant, want: "1.4"},
		{name: "tenant row without multiplier", tier: model.TierGold, tenant: tenant, want: "1.5"},
		{name: "tier missing in tenant table", tier: model.TierPlatinum, tenant: tenant, want: "2"},
		{name: "no tenant table", tier: model.TierSilver, tenant: nil, want: "1.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveMultiplier(tt.tier, tt.tenant, defaults)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestExpiresAt(t *testing.T) {
	from := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	table := DefaultTable()
	exp := table.ExpiresAt(from)
	require.NotNil(t, exp)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), *exp)

	table.ExpirationMonths = 1
	rollover := table.ExpiresAt(time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *rollover)

	table.ExpirationMonths = 0
	assert.Nil(t, table.ExpiresAt(from))
}

func TestLoadTenantTiers(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "tiers.yaml")
		content := `
tenants:
  acme:
    - tier: BRONZE
      min_points: 0
      earn_multiplier: 1
    - tier: SILVER
      min_points: 500
      earn_multiplier: 1.3
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		got, err := LoadTenantTiers(path)
		require.NoError(t, err)
		require.Len(t, got["acme"], 2)
		assert.Equal(t, model.TierSilver, got["acme"][1].Tier)
		assert.Equal(t, int64(500), got["acme"][1].MinPoints)
		assert.True(t, decimal.RequireFromString("1.3").Equal(got["acme"][1].EarnMultiplier))
	})

	t.Run("unknown tier", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		content := `
tenants:
  acme:
    - tier: DIAMOND
      min_points: 0
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := LoadTenantTiers(path)
		require.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTenantTiers(filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})
}
