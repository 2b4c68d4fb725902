// Package posting запускает периодическое проведение пакетов операций через очередь river.
// После проведения пакета уровни затронутых счетов пересчитываются.
package posting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// PostBatchArgs содержит аргументы задачи проведения пакета. Пустой TenantID означает всех арендаторов.
type PostBatchArgs struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Kind возвращает тип задачи river.
func (PostBatchArgs) Kind() string { return "post_batch" }

// Poster описывает операции сервиса, нужные задаче.
type Poster interface {
	PostBatch(ctx context.Context, tenantID, batchID string) (*model.BatchResult, error)
	ReevaluateAccounts(ctx context.Context, keys []model.AccountKey) (int, error)
}

// PostBatchWorker проводит пакет и пересчитывает уровни затронутых счетов.
type PostBatchWorker struct {
	river.WorkerDefaults[PostBatchArgs]
	poster Poster
	logger *zap.Logger
}

// NewPostBatchWorker создаёт обработчик задачи проведения пакета.
func NewPostBatchWorker(poster Poster, logger *zap.Logger) *PostBatchWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostBatchWorker{poster: poster, logger: logger}
}

// Work выполняет задачу. Ошибка проведения возвращается river для повтора:
// неудачный пакет ничего не применяет, поэтому повтор безопасен.
// Ошибки пересчёта уровней только логируются, так как пакет уже проведён.
func (w *PostBatchWorker) Work(ctx context.Context, job *river.Job[PostBatchArgs]) error {
	res, err := w.poster.PostBatch(ctx, job.Args.TenantID, "")
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	if res.PostedCount == 0 {
		return nil
	}

	changed, err := w.poster.ReevaluateAccounts(ctx, res.Accounts)
	if err != nil {
		w.logger.Error("failed to reevaluate tiers after batch",
			zap.String("batch_id", res.BatchID),
			zap.Error(err),
		)
	}

	w.logger.Info("scheduled batch completed",
		zap.String("batch_id", res.BatchID),
		zap.Int("posted", res.PostedCount),
		zap.Int("accounts", len(res.Accounts)),
		zap.Int("tier_changes", changed),
	)
	return nil
}

// Migrate применяет миграции схемы river.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// NewClient создаёт клиент river, который ставит задачу проведения пакета каждые interval.
func NewClient(pool *pgxpool.Pool, worker *PostBatchWorker, interval time.Duration) (*river.Client[pgx.Tx], error) {
	if interval <= 0 {
		return nil, fmt.Errorf("batch post interval must be positive, got %s", interval)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, worker)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{PeriodicJob(interval)},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// PeriodicJob описывает периодическую постановку задачи проведения пакета.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return PostBatchArgs{}, &river.InsertOpts{
				UniqueOpts: river.UniqueOpts{ByPeriod: interval},
			}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
