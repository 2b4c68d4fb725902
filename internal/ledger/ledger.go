// Package ledger содержит чистые функции расчёта баллов: сумму доступных партий,
// план списания FIFO, агрегирование пакета, определение уровня и расчёт начисления.
// Функции не обращаются к хранилищу и работают с уже выбранными данными.
package ledger

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

// Sum возвращает сумму баллов по партиям.
func Sum(lots []model.Transaction) int64 {
	var total int64
	for _, lot := range lots {
		total += lot.Points
	}
	return total
}

// Allocate строит план списания requested баллов из партий, упорядоченных от старых к новым.
// Итог может быть меньше запрошенного, если баллов недостаточно.
func Allocate(lots []model.Transaction, requested int64) model.Allocation {
	var res model.Allocation
	remaining := requested

	for _, lot := range lots {
		if remaining <= 0 {
			break
		}
		if lot.Points <= 0 {
			continue
		}

		use := min(remaining, lot.Points)
		res.Lots = append(res.Lots, model.LotAllocation{
			TransactionID: lot.ID,
			Points:        use,
		})
		res.Total += use
		remaining -= use
	}

	return res
}

// Aggregate группирует непроведённые операции по счетам и считает приращения агрегатов.
// Списания не уменьшают квалификационные баллы.
func Aggregate(txns []model.Transaction) map[uuid.UUID]model.AccountDelta {
	deltas := make(map[uuid.UUID]model.AccountDelta)

	for _, t := range txns {
		d := deltas[t.AccountID]
		switch t.Type {
		case model.TransactionEarn:
			d.Earned += t.Points
			d.Qualifying += t.Points
		case model.TransactionRedeem:
			d.Redeemed += abs(t.Points)
		}
		deltas[t.AccountID] = d
	}

	return deltas
}

// SortedAccountIDs возвращает идентификаторы счетов в детерминированном порядке,
// в котором их следует блокировать.
func SortedAccountIDs(deltas map[uuid.UUID]model.AccountDelta) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// ResolveTier возвращает наивысший уровень, порог которого не превышает points.
// thresholds должны быть отсортированы по убыванию порога.
// Если ни один порог не подходит, возвращается низший уровень.
func ResolveTier(points int64, thresholds []model.TierThreshold) model.Tier {
	for _, th := range thresholds {
		if points >= th.MinPoints {
			return th.Tier
		}
	}
	return model.LowestTier()
}

// CalculateEarn считает базовые и итоговые баллы за использование.
// Каждое слагаемое округляется вниз отдельно, множитель уровня применяется один раз к сумме.
func CalculateEarn(days, distance int64, perDay, perDistance, multiplier decimal.Decimal) model.EarnCalculation {
	dayPoints := decimal.NewFromInt(days).Mul(perDay).Floor().IntPart()
	distancePoints := decimal.NewFromInt(distance).Mul(perDistance).Floor().IntPart()
	base := dayPoints + distancePoints

	return model.EarnCalculation{
		BasePoints:     base,
		DayPoints:      dayPoints,
		DistancePoints: distancePoints,
		Multiplier:     multiplier,
		FinalPoints:    decimal.NewFromInt(base).Mul(multiplier).Floor().IntPart(),
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
