package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется без БД и в тестах.
// Единица работы выполняется под общей блокировкой над копией состояния,
// которая подменяет исходное только при успешном завершении.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	accounts map[uuid.UUID]model.Account
	// txns хранятся в порядке вставки, он же разрешает равные даты при сортировке.
	txns  []model.Transaction
	tiers map[string][]model.TierConfig
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			accounts: make(map[uuid.UUID]model.Account),
			tiers:    make(map[string][]model.TierConfig),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		accounts: make(map[uuid.UUID]model.Account, len(s.accounts)),
		txns:     make([]model.Transaction, len(s.txns)),
		tiers:    make(map[string][]model.TierConfig, len(s.tiers)),
	}
	for id, a := range s.accounts {
		c.accounts[id] = a
	}
	copy(c.txns, s.txns)
	for tenant, tiers := range s.tiers {
		c.tiers[tenant] = append([]model.TierConfig(nil), tiers...)
	}
	return c
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (m *MemoryRepository) Close() error {
	return nil
}

// WithTx выполняет fn над копией состояния и применяет её, если fn вернула nil.
func (m *MemoryRepository) WithTx(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryRepository) view(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

// FindAccount возвращает счёт клиента арендатора.
func (m *MemoryRepository) FindAccount(ctx context.Context, tenantID, customerID string) (a *model.Account, err error) {
	err = m.view(func(s *memState) error {
		a, err = s.FindAccount(ctx, tenantID, customerID)
		return err
	})
	return a, err
}

// LockAccount возвращает счёт по идентификатору.
func (m *MemoryRepository) LockAccount(ctx context.Context, accountID uuid.UUID) (a *model.Account, err error) {
	err = m.view(func(s *memState) error {
		a, err = s.LockAccount(ctx, accountID)
		return err
	})
	return a, err
}

// CreateAccount создаёт счёт.
func (m *MemoryRepository) CreateAccount(ctx context.Context, a *model.Account) error {
	return m.view(func(s *memState) error { return s.CreateAccount(ctx, a) })
}

// UpdateAccountTier обновляет уровень счёта.
func (m *MemoryRepository) UpdateAccountTier(ctx context.Context, accountID uuid.UUID, tier model.Tier, at time.Time) error {
	return m.view(func(s *memState) error { return s.UpdateAccountTier(ctx, accountID, tier, at) })
}

// ApplyAccountDelta увеличивает агрегаты счёта.
func (m *MemoryRepository) ApplyAccountDelta(ctx context.Context, accountID uuid.UUID, d model.AccountDelta) error {
	return m.view(func(s *memState) error { return s.ApplyAccountDelta(ctx, accountID, d) })
}

// FindTransactions возвращает операции по фильтру.
func (m *MemoryRepository) FindTransactions(ctx context.Context, f model.TransactionFilter) (res []model.Transaction, err error) {
	err = m.view(func(s *memState) error {
		res, err = s.FindTransactions(ctx, f)
		return err
	})
	return res, err
}

// CountTransactions возвращает число операций по фильтру.
func (m *MemoryRepository) CountTransactions(ctx context.Context, f model.TransactionFilter) (n int64, err error) {
	err = m.view(func(s *memState) error {
		n, err = s.CountTransactions(ctx, f)
		return err
	})
	return n, err
}

// CreateTransaction сохраняет операцию.
func (m *MemoryRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	return m.view(func(s *memState) error { return s.CreateTransaction(ctx, t) })
}

// MarkPosted проводит операции.
func (m *MemoryRepository) MarkPosted(ctx context.Context, ids []uuid.UUID, batchID string) (n int64, err error) {
	err = m.view(func(s *memState) error {
		n, err = s.MarkPosted(ctx, ids, batchID)
		return err
	})
	return n, err
}

// TenantTiers возвращает настройки уровней арендатора.
func (m *MemoryRepository) TenantTiers(ctx context.Context, tenantID string) (res []model.TierConfig, err error) {
	err = m.view(func(s *memState) error {
		res, err = s.TenantTiers(ctx, tenantID)
		return err
	})
	return res, err
}

// SaveTenantTiers заменяет настройки уровней арендатора.
func (m *MemoryRepository) SaveTenantTiers(ctx context.Context, tenantID string, tiers []model.TierConfig) error {
	return m.view(func(s *memState) error { return s.SaveTenantTiers(ctx, tenantID, tiers) })
}

func (s *memState) FindAccount(_ context.Context, tenantID, customerID string) (*model.Account, error) {
	for _, a := range s.accounts {
		if a.TenantID == tenantID && a.CustomerID == customerID {
			return &a, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *memState) LockAccount(_ context.Context, accountID uuid.UUID) (*model.Account, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (s *memState) CreateAccount(_ context.Context, a *model.Account) error {
	for _, existing := range s.accounts {
		if existing.TenantID == a.TenantID && existing.CustomerID == a.CustomerID {
			return fmt.Errorf("%w: %s/%s", ErrAccountExists, a.TenantID, a.CustomerID)
		}
		if existing.AccountNumber == a.AccountNumber {
			return fmt.Errorf("%w: %s", ErrAccountNumberTaken, a.AccountNumber)
		}
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *memState) UpdateAccountTier(_ context.Context, accountID uuid.UUID, tier model.Tier, at time.Time) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.Tier = tier
	a.TierDate = &at
	s.accounts[accountID] = a
	return nil
}

func (s *memState) ApplyAccountDelta(_ context.Context, accountID uuid.UUID, d model.AccountDelta) error {
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.CurrentBalance += d.Balance()
	a.TotalEarned += d.Earned
	a.TotalRedeemed += d.Redeemed
	a.TierQualifyingPoints += d.Qualifying
	s.accounts[accountID] = a
	return nil
}

func matches(t model.Transaction, f model.TransactionFilter) bool {
	if f.AccountID != nil && t.AccountID != *f.AccountID {
		return false
	}
	if f.TenantID != "" && t.TenantID != f.TenantID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Posted != nil && t.Posted != *f.Posted {
		return false
	}
	if f.ActiveAt != nil && t.ExpiresAt != nil && !t.ExpiresAt.After(*f.ActiveAt) {
		return false
	}
	return true
}

func (s *memState) FindTransactions(_ context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	var res []model.Transaction
	for _, t := range s.txns {
		if matches(t, f) {
			res = append(res, t)
		}
	}

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if f.Order == model.SortDesc {
		for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
			res[i], res[j] = res[j], res[i]
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(res) {
			return nil, nil
		}
		res = res[f.Offset:]
	}
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *memState) CountTransactions(_ context.Context, f model.TransactionFilter) (int64, error) {
	var n int64
	for _, t := range s.txns {
		if matches(t, f) {
			n++
		}
	}
	return n, nil
}

func (s *memState) CreateTransaction(_ context.Context, t *model.Transaction) error {
	if _, ok := s.accounts[t.AccountID]; !ok {
		return ErrAccountNotFound
	}
	s.txns = append(s.txns, *t)
	return nil
}

func (s *memState) MarkPosted(_ context.Context, ids []uuid.UUID, batchID string) (int64, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var n int64
	for i := range s.txns {
		t := &s.txns[i]
		if !want[t.ID] || t.Posted {
			continue
		}
		id := batchID
		t.Posted = true
		t.BatchID = &id
		n++
	}
	return n, nil
}

func (s *memState) TenantTiers(_ context.Context, tenantID string) ([]model.TierConfig, error) {
	res := append([]model.TierConfig(nil), s.tiers[tenantID]...)
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].MinPoints > res[j].MinPoints
	})
	return res, nil
}

func (s *memState) SaveTenantTiers(_ context.Context, tenantID string, tiers []model.TierConfig) error {
	if len(tiers) == 0 {
		delete(s.tiers, tenantID)
		return nil
	}
	s.tiers[tenantID] = append([]model.TierConfig(nil), tiers...)
	return nil
}
