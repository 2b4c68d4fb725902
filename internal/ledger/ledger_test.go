package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

func lot(points int64, at time.Time) model.Transaction {
	return model.Transaction{
		ID:        uuid.New(),
		Type:      model.TransactionEarn,
		Points:    points,
		Posted:    true,
		CreatedAt: at,
	}
}

func TestAllocate(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	big := lot(100, t1)
	small := lot(50, t2)
	first := lot(50, t1)
	second := lot(50, t2)

	tests := []struct {
		name      string
		lots      []model.Transaction
		requested int64
		want      []model.LotAllocation
		total     int64
	}{
		{
			name:      "single lot covers request",
			lots:      []model.Transaction{big, small},
			requested: 75,
			want:      []model.LotAllocation{{TransactionID: big.ID, Points: 75}},
			total:     75,
		},
		{
			name:      "spills into second lot",
			lots:      []model.Transaction{first, second},
			requested: 75,
			want: []model.LotAllocation{
				{TransactionID: first.ID, Points: 50},
				{TransactionID: second.ID, Points: 25},
			},
			total: 75,
		},
		{
			name:      "capped at availability",
			lots:      []model.Transaction{first},
			requested: 100,
			want:      []model.LotAllocation{{TransactionID: first.ID, Points: 50}},
			total:     50,
		},
		{
			name:      "no lots",
			lots:      nil,
			requested: 10,
			want:      nil,
			total:     0,
		},
		{
			name:      "zero request",
			lots:      []model.Transaction{first},
			requested: 0,
			want:      nil,
			total:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.lots, tt.requested)
			assert.Equal(t, tt.want, got.Lots)
			assert.Equal(t, tt.total, got.Total)
		})
	}
}

func TestAggregate(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	txns := []model.Transaction{
		{AccountID: a, Type: model.TransactionEarn, Points: 100},
		{AccountID: a, Type: model.TransactionRedeem, Points: -30},
		{AccountID: a, Type: model.TransactionEarn, Points: 20},
		{AccountID: b, Type: model.TransactionRedeem, Points: -5},
	}

	deltas := Aggregate(txns)
	require.Len(t, deltas, 2)

	assert.Equal(t, model.AccountDelta{Earned: 120, Redeemed: 30, Qualifying: 120}, deltas[a])
	assert.Equal(t, int64(90), deltas[a].Balance())
	assert.Equal(t, model.AccountDelta{Redeemed: 5}, deltas[b])
	assert.Equal(t, int64(-5), deltas[b].Balance())
}

func TestSortedAccountIDs(t *testing.T) {
	lo := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	mid := uuid.MustParse("00000000-0000-0000-0000-0000000000a0")
	hi := uuid.MustParse("f0000000-0000-0000-0000-000000000000")

	deltas := map[uuid.UUID]model.AccountDelta{hi: {}, lo: {}, mid: {}}
	assert.Equal(t, []uuid.UUID{lo, mid, hi}, SortedAccountIDs(deltas))
}

func TestResolveTier(t *testing.T) {
	thresholds := []model.TierThreshold{
		{Tier: model.TierPlatinum, MinPoints: 10000},
		{Tier: model.TierGold, MinPoints: 5000},
		{Tier: model.TierSilver, MinPoints: 1000},
		{Tier: model.TierBronze, MinPoints: 0},
	}

	tests := []struct {
		points int64
		want   model.Tier
	}{
		{points: 0, want: model.TierBronze},
		{points: 999, want: model.TierBronze},
		{points: 1000, want: model.TierSilver},
		{points: 4999, want: model.TierSilver},
		{points: 5000, want: model.TierGold},
		{points: 10000, want: model.TierPlatinum},
		{points: 250000, want: model.TierPlatinum},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolveTier(tt.points, thresholds), "points=%d", tt.points)
	}

	t.Run("below every threshold falls back to lowest tier", func(t *testing.T) {
		only := []model.TierThreshold{{Tier: model.TierGold, MinPoints: 500}}
		assert.Equal(t, model.TierBronze, ResolveTier(100, only))
	})
}

func TestCalculateEarn(t *testing.T) {
	perDay := decimal.NewFromInt(20)
	perMile := decimal.RequireFromString("0.2")

	tests := []struct {
		name       string
		days       int64
		distance   int64
		multiplier string
		base       int64
		final      int64
	}{
		{name: "bronze", days: 5, distance: 250, multiplier: "1.0", base: 150, final: 150},
		{name: "silver floors once", days: 5, distance: 250, multiplier: "1.25", base: 150, final: 187},
		{name: "distance term floored", days: 5, distance: 99, multiplier: "1.0", base: 119, final: 119},
		{name: "platinum", days: 3, distance: 12, multiplier: "2.0", base: 62, final: 124},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateEarn(tt.days, tt.distance, perDay, perMile, decimal.RequireFromString(tt.multiplier))
			assert.Equal(t, tt.base, got.BasePoints)
			assert.Equal(t, tt.final, got.FinalPoints)
		})
	}

	t.Run("fractional day rate is floored per term", func(t *testing.T) {
		got := CalculateEarn(3, 1, decimal.RequireFromString("2.5"), decimal.RequireFromString("0.9"), decimal.NewFromInt(1))
		assert.Equal(t, int64(7), got.DayPoints)
		assert.Equal(t, int64(0), got.DistancePoints)
		assert.Equal(t, int64(7), got.BasePoints)
	})
}

func TestSpendableAt(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		tx   model.Transaction
		want bool
	}{
		{name: "posted without expiry", tx: model.Transaction{Type: model.TransactionEarn, Posted: true}, want: true},
		{name: "posted not expired", tx: model.Transaction{Type: model.TransactionEarn, Posted: true, ExpiresAt: &future}, want: true},
		{name: "expires exactly now", tx: model.Transaction{Type: model.TransactionEarn, Posted: true, ExpiresAt: &now}, want: false},
		{name: "expired", tx: model.Transaction{Type: model.TransactionEarn, Posted: true, ExpiresAt: &past}, want: false},
		{name: "unposted", tx: model.Transaction{Type: model.TransactionEarn}, want: false},
		{name: "redeem", tx: model.Transaction{Type: model.TransactionRedeem, Posted: true}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tx.SpendableAt(now))
		})
	}
}
