// Package rates содержит настройки начисления баллов и разрешение
// настроек арендатора с откатом на значения по умолчанию.
package rates

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// Table содержит глобальные ставки начисления, пороги и множители уровней.
type Table struct {
	PointsPerDay     decimal.Decimal
	PointsPerMile    decimal.Decimal
	ExpirationMonths int
	Thresholds       []model.TierThreshold
	Multipliers      map[model.Tier]decimal.Decimal
}

// DefaultTable возвращает ставки программы по умолчанию.
func DefaultTable() Table {
	return Table{
		PointsPerDay:     decimal.NewFromInt(20),
		PointsPerMile:    decimal.RequireFromString("0.2"),
		ExpirationMonths: 12,
		Thresholds: []model.TierThreshold{
			{Tier: model.TierBronze, MinPoints: 0},
			{Tier: model.TierSilver, MinPoints: 1000},
			{Tier: model.TierGold, MinPoints: 5000},
			{Tier: model.TierPlatinum, MinPoints: 10000},
		},
		Multipliers: DefaultMultipliers(),
	}
}

// DefaultMultipliers возвращает множители начисления по уровням.
func DefaultMultipliers() map[model.Tier]decimal.Decimal {
	return map[model.Tier]decimal.Decimal{
		model.TierBronze:   decimal.NewFromInt(1),
		model.TierSilver:   decimal.RequireFromString("1.25"),
		model.TierGold:     decimal.RequireFromString("1.5"),
		model.TierPlatinum: decimal.NewFromInt(2),
	}
}

// ExpiresAt возвращает срок действия баллов, начисленных в момент from.
// При неположительном числе месяцев баллы не сгорают.
func (t Table) ExpiresAt(from time.Time) *time.Time {
	if t.ExpirationMonths <= 0 {
		return nil
	}
	exp := from.AddDate(0, t.ExpirationMonths, 0)
	return &exp
}

// ResolveThresholds возвращает таблицу порогов арендатора, если она задана и не пуста,
// иначе глобальную. Результат отсортирован по убыванию порога.
func ResolveThresholds(tenant []model.TierConfig, defaults []model.TierThreshold) []model.TierThreshold {
	var res []model.TierThreshold
	if len(tenant) > 0 {
		res = make([]model.TierThreshold, 0, len(tenant))
		for _, c := range tenant {
			res = append(res, model.TierThreshold{Tier: c.Tier, MinPoints: c.MinPoints})
		}
	} else {
		res = append([]model.TierThreshold(nil), defaults...)
	}

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].MinPoints > res[j].MinPoints
	})
	return res
}

// ResolveMultiplier возвращает множитель уровня из настроек арендатора,
// а если он не задан или равен нулю, глобальный множитель уровня.
func ResolveMultiplier(tier model.Tier, tenant []model.TierConfig, defaults map[model.Tier]decimal.Decimal) decimal.Decimal {
	for _, c := range tenant {
		if c.Tier == tier && c.EarnMultiplier.IsPositive() {
			return c.EarnMultiplier
		}
	}
	if m, ok := defaults[tier]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// tiersFile описывает формат файла с настройками уровней арендаторов.
type tiersFile struct {
	Tenants map[string][]model.TierConfig `yaml:"tenants"`
}

// LoadTenantTiers читает настройки уровней арендаторов из YAML-файла.
func LoadTenantTiers(path string) (map[string][]model.TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file %q: %w", path, err)
	}

	var f tiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file %q: %w", path, err)
	}

	for tenant, tiers := range f.Tenants {
		if err := ValidateTiers(tiers); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}

	return f.Tenants, nil
}

// ValidateTiers проверяет настройки уровней арендатора: известные уровни без повторов,
// неотрицательные пороги и множители.
func ValidateTiers(tiers []model.TierConfig) error {
	seen := make(map[model.Tier]bool, len(tiers))
	for i, c := range tiers {
		if !c.Tier.Valid() {
			return fmt.Errorf("tier %d: unknown tier %q", i, c.Tier)
		}
		if seen[c.Tier] {
			return fmt.Errorf("tier %d: duplicate tier %q", i, c.Tier)
		}
		seen[c.Tier] = true

		if c.MinPoints < 0 {
			return fmt.Errorf("tier %s: negative min_points %d", c.Tier, c.MinPoints)
		}
		if c.EarnMultiplier.IsNegative() {
			return fmt.Errorf("tier %s: negative earn_multiplier %s", c.Tier, c.EarnMultiplier)
		}
	}
	return nil
}
