// Package repository содержит реализации хранилища счетов и операций лояльности.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const transactionColumns = `id, tenant_id, account_id, type, category, points, description,
	expiration_date, activity_id, posted, batch_id, transaction_date`

const accountColumns = `id, tenant_id, customer_id, account_number, tier, current_balance,
	total_points_earned, points_redeemed, tier_qualifying_points, tier_date, created_at`

// querier описывает общую часть pgxpool.Pool и pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries реализует Store поверх пула соединений или открытой транзакции.
type queries struct {
	db querier
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	*queries
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// База может ещё подниматься вместе с сервисом.
	if err := withRetry(ctx, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		queries: &queries{db: pool},
		pool:    pool,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при ошибках соединения. Используется только при старте:
// операции над данными не повторяются.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryableStartupError(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryableStartupError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.CannotConnectNow || pgErr.Code == pgerrcode.TooManyConnections
	}

	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Pool возвращает пул соединений для компонентов, работающих с той же БД.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// WithTx выполняет fn в одной транзакции БД. Ошибка fn откатывает все изменения.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		tier string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.CustomerID, &a.AccountNumber, &tier, &a.CurrentBalance,
		&a.TotalEarned, &a.TotalRedeemed, &a.TierQualifyingPoints, &a.TierDate, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	a.Tier = model.Tier(tier)
	return &a, nil
}

// FindAccount возвращает счёт клиента арендатора.
func (q *queries) FindAccount(ctx context.Context, tenantID, customerID string) (*model.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE tenant_id = $1 AND customer_id = $2`,
		tenantID, customerID,
	))
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, err
}

// LockAccount возвращает счёт и блокирует строку до конца транзакции.
func (q *queries) LockAccount(ctx context.Context, accountID uuid.UUID) (*model.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	))
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return a, err
}

// CreateAccount создаёт счёт лояльности.
func (q *queries) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO loyalty_accounts (id, tenant_id, customer_id, account_number, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TenantID, a.CustomerID, a.AccountNumber, string(a.Tier), a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "loyalty_accounts_account_number_key" {
				return fmt.Errorf("%w: %s", ErrAccountNumberTaken, a.AccountNumber)
			}
			return fmt.Errorf("%w: %s/%s", ErrAccountExists, a.TenantID, a.CustomerID)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// UpdateAccountTier обновляет уровень счёта и дату его смены.
func (q *queries) UpdateAccountTier(ctx context.Context, accountID uuid.UUID, tier model.Tier, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE loyalty_accounts SET tier = $2, tier_date = $3, updated_at = now() WHERE id = $1`,
		accountID, string(tier), at,
	)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ApplyAccountDelta увеличивает агрегаты счёта одной командой UPDATE.
func (q *queries) ApplyAccountDelta(ctx context.Context, accountID uuid.UUID, d model.AccountDelta) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE loyalty_accounts
		 SET current_balance = current_balance + $2,
		     total_points_earned = total_points_earned + $3,
		     points_redeemed = points_redeemed + $4,
		     tier_qualifying_points = tier_qualifying_points + $5,
		     updated_at = now()
		 WHERE id = $1`,
		accountID, d.Balance(), d.Earned, d.Redeemed, d.Qualifying,
	)
	if err != nil {
		return fmt.Errorf("apply account delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// buildTransactionWhere собирает условие выборки операций и его аргументы.
func buildTransactionWhere(f model.TransactionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}

	if f.AccountID != nil {
		add("account_id = ?", *f.AccountID)
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Posted != nil {
		add("posted = ?", *f.Posted)
	}
	if f.ActiveAt != nil {
		add("(expiration_date IS NULL OR expiration_date > ?)", *f.ActiveAt)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// FindTransactions возвращает операции по фильтру, упорядоченные по дате создания.
func (q *queries) FindTransactions(ctx context.Context, f model.TransactionFilter) ([]model.Transaction, error) {
	where, args := buildTransactionWhere(f)

	var sb strings.Builder
	sb.WriteString(`SELECT ` + transactionColumns + ` FROM loyalty_transactions`)
	sb.WriteString(where)
	if f.Order == model.SortDesc {
		sb.WriteString(` ORDER BY transaction_date DESC, seq DESC`)
	} else {
		sb.WriteString(` ORDER BY transaction_date ASC, seq ASC`)
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sb.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sb.WriteString(` OFFSET $` + strconv.Itoa(len(args)))
	}
	if f.ForUpdate {
		sb.WriteString(` FOR UPDATE`)
	}

	rows, err := q.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var (
			t        model.Transaction
			txType   string
			category string
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.AccountID, &txType, &category, &t.Points, &t.Description,
			&t.ExpiresAt, &t.ActivityID, &t.Posted, &t.BatchID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = model.TransactionType(txType)
		t.Category = model.Category(category)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountTransactions возвращает число операций по фильтру без учёта пагинации.
func (q *queries) CountTransactions(ctx context.Context, f model.TransactionFilter) (int64, error) {
	where, args := buildTransactionWhere(f)

	var total int64
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM loyalty_transactions`+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return total, nil
}

// CreateTransaction сохраняет новую операцию.
func (q *queries) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO loyalty_transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.TenantID, t.AccountID, string(t.Type), string(t.Category), t.Points, t.Description,
		t.ExpiresAt, t.ActivityID, t.Posted, t.BatchID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// MarkPosted проводит непроведённые операции из ids с указанным идентификатором пакета.
func (q *queries) MarkPosted(ctx context.Context, ids []uuid.UUID, batchID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}

	tag, err := q.db.Exec(ctx,
		`UPDATE loyalty_transactions SET posted = true, batch_id = $2
		 WHERE id = ANY($1::uuid[]) AND posted = false`,
		strIDs, batchID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark posted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TenantTiers возвращает настройки уровней арендатора по убыванию порога.
func (q *queries) TenantTiers(ctx context.Context, tenantID string) ([]model.TierConfig, error) {
	rows, err := q.db.Query(ctx,
		`SELECT tier, min_points, earn_multiplier::text
		 FROM loyalty_tiers
		 WHERE tenant_id = $1
		 ORDER BY min_points DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tiers: %w", err)
	}
	defer rows.Close()

	var res []model.TierConfig
	for rows.Next() {
		var (
			tier       string
			minPoints  int64
			multiplier string
		)
		if err := rows.Scan(&tier, &minPoints, &multiplier); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}

		m, err := decimal.NewFromString(multiplier)
		if err != nil {
			return nil, fmt.Errorf("parse multiplier %q: %w", multiplier, err)
		}

		res = append(res, model.TierConfig{
			Tier:           model.Tier(tier),
			MinPoints:      minPoints,
			EarnMultiplier: m,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveTenantTiers заменяет настройки уровней арендатора.
func (q *queries) SaveTenantTiers(ctx context.Context, tenantID string, tiers []model.TierConfig) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM loyalty_tiers WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete tiers: %w", err)
	}

	for _, t := range tiers {
		_, err := q.db.Exec(ctx,
			`INSERT INTO loyalty_tiers (tenant_id, tier, min_points, earn_multiplier)
			 VALUES ($1, $2, $3, $4::numeric)`,
			tenantID, string(t.Tier), t.MinPoints, t.EarnMultiplier.String(),
		)
		if err != nil {
			return fmt.Errorf("insert tier %s: %w", t.Tier, err)
		}
	}
	return nil
}
