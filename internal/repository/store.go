package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

var (
	// ErrAccountNotFound возвращается, если счёт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists возвращается при попытке создать второй счёт для клиента арендатора.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNumberTaken возвращается, если сгенерированный номер счёта уже занят.
	ErrAccountNumberTaken = errors.New("account number already taken")
	// ErrBatchConflict возвращается, если часть выбранных операций уже проведена другим пакетом.
	ErrBatchConflict = errors.New("transactions already posted by another batch")
)

// Store описывает операции хранилища счетов и операций.
// Один и тот же набор операций доступен как вне, так и внутри единицы работы.
type Store interface {
	// FindAccount возвращает счёт клиента арендатора.
	FindAccount(ctx context.Context, tenantID, customerID string) (*model.Account, error)
	// LockAccount возвращает счёт по идентификатору и блокирует его до конца единицы работы.
	LockAccount(ctx context.Context, accountID uuid.UUID) (*model.Account, error)
	CreateAccount(ctx context.Context, a *model.Account) error
	UpdateAccountTier(ctx context.Context, accountID uuid.UUID, tier model.Tier, at time.Time) error
	// ApplyAccountDelta атомарно увеличивает агрегаты счёта.
	ApplyAccountDelta(ctx context.Context, accountID uuid.UUID, d model.AccountDelta) error

	FindTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error)
	CountTransactions(ctx context.Context, f model.TransactionFilter) (int64, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	// MarkPosted проводит ещё не проведённые операции из ids с идентификатором пакета
	// и возвращает число проведённых.
	MarkPosted(ctx context.Context, ids []uuid.UUID, batchID string) (int64, error)

	TenantTiers(ctx context.Context, tenantID string) ([]model.TierConfig, error)
	SaveTenantTiers(ctx context.Context, tenantID string, tiers []model.TierConfig) error
}

var (
	_ Store = (*queries)(nil)
	_ Store = (*memState)(nil)
	_ Store = (*MemoryRepository)(nil)
)
