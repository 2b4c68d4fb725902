// Package service реализует бизнес-логику сервиса лояльности: счета, начисления,
// списания, проведение пакетов и пересчёт уровней.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/ledger"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

const (
	recentTransactionsLimit = 10
	defaultPageLimit        = 20
	maxPageLimit            = 100
	accountNumberAttempts   = 5
)

var (
	// ErrInsufficientPoints возвращается, если доступных баллов меньше запрошенного списания.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrInvalidInput возвращается при некорректных параметрах операции.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	repository.Store
	// WithTx выполняет fn как единицу работы: все изменения применяются вместе или не применяются.
	WithTx(ctx context.Context, fn func(repository.Store) error) error
	Close() error
}

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo   Repository
	rates  rates.Table
	logger *zap.Logger

	now           func() time.Time
	accountNumber func(time.Time) (string, error)
}

// NewService создаёт новый сервис с указанным репозиторием и ставками по умолчанию.
func NewService(repo Repository, table rates.Table, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:          repo,
		rates:         table,
		logger:        logger,
		now:           time.Now,
		accountNumber: newAccountNumber,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateAccount открывает счёт клиенту арендатора на низшем уровне.
// Если у клиента уже есть счёт, возвращается repository.ErrAccountExists.
func (s *Service) CreateAccount(ctx context.Context, tenantID, customerID string) (*model.Account, error) {
	for attempt := 0; ; attempt++ {
		now := s.now().UTC()

		number, err := s.accountNumber(now)
		if err != nil {
			return nil, fmt.Errorf("generate account number: %w", err)
		}

		a := &model.Account{
			ID:            uuid.New(),
			TenantID:      tenantID,
			CustomerID:    customerID,
			AccountNumber: number,
			Tier:          model.LowestTier(),
			CreatedAt:     now,
		}

		err = s.repo.CreateAccount(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, repository.ErrAccountNumberTaken) || attempt+1 >= accountNumberAttempts {
			return nil, err
		}
	}
}

// GetAccount возвращает счёт клиента и его последние операции, от новых к старым.
func (s *Service) GetAccount(ctx context.Context, tenantID, customerID string) (*model.AccountDetails, error) {
	a, err := s.repo.FindAccount(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}

	txns, err := s.repo.FindTransactions(ctx, model.TransactionFilter{
		AccountID: &a.ID,
		Order:     model.SortDesc,
		Limit:     recentTransactionsLimit,
	})
	if err != nil {
		return nil, err
	}

	return &model.AccountDetails{Account: *a, RecentTransactions: txns}, nil
}

// Earn создаёт непроведённую операцию начисления. Баллы становятся доступными
// только после проведения пакета и сгорают через настроенное число месяцев.
func (s *Service) Earn(ctx context.Context, req model.EarnRequest) (*model.Transaction, error) {
	if req.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidInput)
	}

	a, err := s.repo.FindAccount(ctx, req.TenantID, req.CustomerID)
	if err != nil {
		return nil, err
	}

	category := req.Category
	if category == "" {
		category = model.CategoryNTM
	}

	now := s.now().UTC()
	t := &model.Transaction{
		ID:          uuid.New(),
		TenantID:    a.TenantID,
		AccountID:   a.ID,
		Type:        model.TransactionEarn,
		Category:    category,
		Points:      req.Points,
		Description: req.Description,
		ExpiresAt:   s.rates.ExpiresAt(now),
		ActivityID:  req.ActivityID,
		CreatedAt:   now,
	}

	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Redeem создаёт непроведённую операцию списания. Проверка доступных баллов и
// создание операции выполняются под блокировкой счёта: списания одного счёта
// выполняются по очереди. Непроведённые списания доступные баллы не уменьшают.
func (s *Service) Redeem(ctx context.Context, req model.RedeemRequest) (*model.Redemption, error) {
	if req.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidInput)
	}

	var res *model.Redemption
	err := s.repo.WithTx(ctx, func(st repository.Store) error {
		found, err := st.FindAccount(ctx, req.TenantID, req.CustomerID)
		if err != nil {
			return err
		}
		a, err := st.LockAccount(ctx, found.ID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		lots, err := spendableLots(ctx, st, a.ID, now)
		if err != nil {
			return err
		}

		available := ledger.Sum(lots)
		if available < req.Points {
			return fmt.Errorf("%w: available %d, requested %d", ErrInsufficientPoints, available, req.Points)
		}

		t := model.Transaction{
			ID:          uuid.New(),
			TenantID:    a.TenantID,
			AccountID:   a.ID,
			Type:        model.TransactionRedeem,
			Category:    model.CategoryRedemption,
			Points:      -req.Points,
			Description: req.Description,
			CreatedAt:   now,
		}
		if err := st.CreateTransaction(ctx, &t); err != nil {
			return err
		}

		res = &model.Redemption{
			Transaction: t,
			Available:   available,
			Remaining:   available - req.Points,
			Allocation:  ledger.Allocate(lots, req.Points),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ListTransactions возвращает страницу истории операций клиента, от новых к старым.
// Номер страницы начинается с 1.
func (s *Service) ListTransactions(ctx context.Context, tenantID, customerID string, page, limit int) (*model.TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	a, err := s.repo.FindAccount(ctx, tenantID, customerID)
	if err != nil {
		return nil, err
	}

	f := model.TransactionFilter{AccountID: &a.ID}
	total, err := s.repo.CountTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	f.Order = model.SortDesc
	f.Offset = (page - 1) * limit
	f.Limit = limit
	txns, err := s.repo.FindTransactions(ctx, f)
	if err != nil {
		return nil, err
	}

	return &model.TransactionPage{
		Transactions: txns,
		Page:         page,
		Limit:        limit,
		Total:        total,
		TotalPages:   int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}
