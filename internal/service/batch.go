package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/ledger"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
)

// PostBatch проводит все непроведённые операции (только арендатора tenantID, если он задан)
// одной единицей работы: увеличивает агрегаты затронутых счетов и помечает операции
// проведёнными с идентификатором пакета. При пустом batchID он генерируется.
// При любой ошибке не применяется ничего.
func (s *Service) PostBatch(ctx context.Context, tenantID, batchID string) (*model.BatchResult, error) {
	if batchID == "" {
		batchID = fmt.Sprintf("BATCH-%d", s.now().UnixMilli())
	}

	res := &model.BatchResult{BatchID: batchID}
	err := s.repo.WithTx(ctx, func(st repository.Store) error {
		unposted := false
		txns, err := st.FindTransactions(ctx, model.TransactionFilter{
			TenantID:  tenantID,
			Posted:    &unposted,
			Order:     model.SortAsc,
			ForUpdate: true,
		})
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			return nil
		}

		deltas := ledger.Aggregate(txns)
		keys := make([]model.AccountKey, 0, len(deltas))

		// Счета блокируются в одном порядке, чтобы параллельные пакеты не взаимоблокировались.
		for _, id := range ledger.SortedAccountIDs(deltas) {
			a, err := st.LockAccount(ctx, id)
			if err != nil {
				return fmt.Errorf("lock account %s: %w", id, err)
			}

			d := deltas[id]
			if err := st.ApplyAccountDelta(ctx, id, d); err != nil {
				return err
			}

			res.TotalEarned += d.Earned
			res.TotalRedeemed += d.Redeemed
			keys = append(keys, model.AccountKey{TenantID: a.TenantID, CustomerID: a.CustomerID})
		}

		ids := make([]uuid.UUID, 0, len(txns))
		for _, t := range txns {
			ids = append(ids, t.ID)
		}

		n, err := st.MarkPosted(ctx, ids, batchID)
		if err != nil {
			return err
		}
		if n != int64(len(ids)) {
			return fmt.Errorf("%w: selected %d, posted %d", repository.ErrBatchConflict, len(ids), n)
		}

		res.PostedCount = len(ids)
		res.Accounts = keys
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("post batch %s: %w", batchID, err)
	}

	if res.PostedCount > 0 {
		s.logger.Info("batch posted",
			zap.String("batch_id", res.BatchID),
			zap.String("tenant_id", tenantID),
			zap.Int("posted", res.PostedCount),
			zap.Int64("earned", res.TotalEarned),
			zap.Int64("redeemed", res.TotalRedeemed),
		)
	}

	return res, nil
}
