package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/ledger"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

// ReevaluateTier пересчитывает уровень счёта по квалификационным баллам и таблице порогов
// арендатора (или глобальной, если у арендатора её нет). Уровень записывается только при
// изменении, в любую сторону; Upgraded в результате означает, что уровень изменился.
func (s *Service) ReevaluateTier(ctx context.Context, tenantID, customerID string) (*model.TierChange, error) {
	var res *model.TierChange
	err := s.repo.WithTx(ctx, func(st repository.Store) error {
		found, err := st.FindAccount(ctx, tenantID, customerID)
		if err != nil {
			return err
		}
		a, err := st.LockAccount(ctx, found.ID)
		if err != nil {
			return err
		}

		tenantTiers, err := st.TenantTiers(ctx, tenantID)
		if err != nil {
			return err
		}

		thresholds := rates.ResolveThresholds(tenantTiers, s.rates.Thresholds)
		newTier := ledger.ResolveTier(a.TierQualifyingPoints, thresholds)

		res = &model.TierChange{OldTier: a.Tier, NewTier: newTier, TierDate: a.TierDate}
		if newTier == a.Tier {
			return nil
		}

		at := s.now().UTC()
		if err := st.UpdateAccountTier(ctx, a.ID, newTier, at); err != nil {
			return err
		}
		res.Upgraded = true
		res.TierDate = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Upgraded {
		s.logger.Info("tier changed",
			zap.String("tenant_id", tenantID),
			zap.String("customer_id", customerID),
			zap.String("old_tier", string(res.OldTier)),
			zap.String("new_tier", string(res.NewTier)),
		)
	}
	return res, nil
}

// ReevaluateAccounts пересчитывает уровни перечисленных счетов и возвращает число изменённых.
// Ошибка по одному счёту не прерывает обработку остальных.
func (s *Service) ReevaluateAccounts(ctx context.Context, keys []model.AccountKey) (int, error) {
	var (
		changed int
		errs    []error
	)
	for _, k := range keys {
		res, err := s.ReevaluateTier(ctx, k.TenantID, k.CustomerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reevaluate %s/%s: %w", k.TenantID, k.CustomerID, err))
			continue
		}
		if res.Upgraded {
			changed++
		}
	}
	return changed, errors.Join(errs...)
}

// CalculateEarn считает предварительное начисление за использование.
// Для клиента без счёта используется низший уровень: операция не завершается ошибкой
// из-за отсутствия счёта.
func (s *Service) CalculateEarn(ctx context.Context, tenantID, customerID string, days, distance int64) (*model.EarnCalculation, error) {
	if days < 0 || distance < 0 {
		return nil, fmt.Errorf("%w: days and distance must not be negative", ErrInvalidInput)
	}

	tier := model.LowestTier()
	a, err := s.repo.FindAccount(ctx, tenantID, customerID)
	switch {
	case err == nil:
		tier = a.Tier
	case errors.Is(err, repository.ErrAccountNotFound):
	default:
		return nil, err
	}

	tenantTiers, err := s.repo.TenantTiers(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	multiplier := rates.ResolveMultiplier(tier, tenantTiers, s.rates.Multipliers)
	calc := ledger.CalculateEarn(days, distance, s.rates.PointsPerDay, s.rates.PointsPerMile, multiplier)
	calc.Tier = tier
	return &calc, nil
}

// SeedTenantTiers сохраняет настройки уровней арендаторов, например загруженные из файла.
func (s *Service) SeedTenantTiers(ctx context.Context, tiers map[string][]model.TierConfig) error {
	tenants := make([]string, 0, len(tiers))
	for tenant := range tiers {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	return s.repo.WithTx(ctx, func(st repository.Store) error {
		for _, tenant := range tenants {
			if err := rates.ValidateTiers(tiers[tenant]); err != nil {
				return fmt.Errorf("%w: tenant %s: %v", ErrInvalidInput, tenant, err)
			}
			if err := st.SaveTenantTiers(ctx, tenant, tiers[tenant]); err != nil {
				return err
			}
		}
		return nil
	})
}
