package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-engine/internal/ledger"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

// spendableLots возвращает проведённые и не сгоревшие на момент asOf начисления счёта,
// от старых к новым.
func spendableLots(ctx context.Context, st repository.Store, accountID uuid.UUID, asOf time.Time) ([]model.Transaction, error) {
	posted := true
	return st.FindTransactions(ctx, model.TransactionFilter{
		AccountID: &accountID,
		Type:      model.TransactionEarn,
		Posted:    &posted,
		ActiveAt:  &asOf,
		Order:     model.SortAsc,
	})
}

// AvailablePoints возвращает сумму доступных баллов счёта на момент asOf.
// Непроведённые и сгоревшие начисления не учитываются.
func (s *Service) AvailablePoints(ctx context.Context, accountID uuid.UUID, asOf time.Time) (int64, error) {
	lots, err := spendableLots(ctx, s.repo, accountID, asOf)
	if err != nil {
		return 0, err
	}
	return ledger.Sum(lots), nil
}

// RedemptionBreakdown строит план списания requested баллов по партиям FIFO на текущий момент.
// План ограничен доступными баллами и не считается ошибкой при их нехватке.
func (s *Service) RedemptionBreakdown(ctx context.Context, accountID uuid.UUID, requested int64) (model.Allocation, error) {
	lots, err := spendableLots(ctx, s.repo, accountID, s.now().UTC())
	if err != nil {
		return model.Allocation{}, err
	}
	return ledger.Allocate(lots, requested), nil
}

// Availability возвращает доступные баллы клиента и план списания requested баллов.
// При requested <= 0 план пуст.
func (s *Service) Availability(ctx context.Context, tenantID, customerID string, requested int64) (int64, model.Allocation, error) {
	a, err := s.repo.FindAccount(ctx, tenantID, customerID)
	if err != nil {
		return 0, model.Allocation{}, err
	}

	lots, err := spendableLots(ctx, s.repo, a.ID, s.now().UTC())
	if err != nil {
		return 0, model.Allocation{}, err
	}

	return ledger.Sum(lots), ledger.Allocate(lots, requested), nil
}
