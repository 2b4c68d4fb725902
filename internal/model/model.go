// Package model содержит доменные сущности сервиса лояльности.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tier описывает уровень участника программы лояльности.
type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// Tiers перечисляет уровни от низшего к высшему.
var Tiers = []Tier{TierBronze, TierSilver, TierGold, TierPlatinum}

// LowestTier возвращает низший уровень программы.
func LowestTier() Tier {
	return Tiers[0]
}

// Rank возвращает порядковый номер уровня, -1 для неизвестного значения.
func (t Tier) Rank() int {
	for i, v := range Tiers {
		if v == t {
			return i
		}
	}
	return -1
}

// Valid сообщает, является ли значение известным уровнем.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// TransactionType описывает вид операции с баллами.
type TransactionType string

const (
	TransactionEarn   TransactionType = "EARN"
	TransactionRedeem TransactionType = "REDEEM"
)

// Category описывает причину операции. Значение произвольное, ниже перечислены известные.
type Category string

const (
	CategoryNTM        Category = "NTM"
	CategoryBonus      Category = "BONUS"
	CategoryPromotion  Category = "PROMOTION"
	CategoryAdjustment Category = "ADJUSTMENT"
	CategoryRedemption Category = "REDEMPTION"
)

// Earnable сообщает, можно ли использовать категорию для начисления.
func (c Category) Earnable() bool {
	switch c {
	case CategoryNTM, CategoryBonus, CategoryPromotion, CategoryAdjustment:
		return true
	}
	return false
}

// Account описывает счёт лояльности клиента в рамках арендатора.
// Поля баланса отражают только проведённые операции.
type Account struct {
	ID                   uuid.UUID
	TenantID             string
	CustomerID           string
	AccountNumber        string
	Tier                 Tier
	CurrentBalance       int64
	TotalEarned          int64
	TotalRedeemed        int64
	TierQualifyingPoints int64
	TierDate             *time.Time
	CreatedAt            time.Time
}

// Transaction описывает операцию начисления или списания баллов.
type Transaction struct {
	ID          uuid.UUID
	TenantID    string
	AccountID   uuid.UUID
	Type        TransactionType
	Category    Category
	Points      int64
	Description *string
	ExpiresAt   *time.Time
	ActivityID  *string
	Posted      bool
	BatchID     *string
	CreatedAt   time.Time
}

// SpendableAt сообщает, является ли операция доступной партией баллов на момент asOf.
func (t Transaction) SpendableAt(asOf time.Time) bool {
	if t.Type != TransactionEarn || !t.Posted {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(asOf)
}

// SortOrder задаёт направление сортировки операций по дате создания.
type SortOrder int

const (
	SortAsc SortOrder = iota
	SortDesc
)

// TransactionFilter описывает выборку операций из хранилища.
// Нулевые значения полей не ограничивают выборку.
type TransactionFilter struct {
	AccountID *uuid.UUID
	TenantID  string
	Type      TransactionType
	Posted    *bool
	// ActiveAt оставляет операции без срока действия или со сроком позже указанного момента.
	ActiveAt  *time.Time
	Order     SortOrder
	Offset    int
	Limit     int
	ForUpdate bool
}

// AccountDelta содержит приращения агрегатов счёта при проведении пакета.
type AccountDelta struct {
	Earned     int64
	Redeemed   int64
	Qualifying int64
}

// Balance возвращает изменение текущего баланса.
func (d AccountDelta) Balance() int64 {
	return d.Earned - d.Redeemed
}

// TierThreshold задаёт минимальное число квалификационных баллов для уровня.
type TierThreshold struct {
	Tier      Tier
	MinPoints int64
}

// TierConfig содержит настройку уровня для конкретного арендатора.
type TierConfig struct {
	Tier           Tier            `yaml:"tier"`
	MinPoints      int64           `yaml:"min_points"`
	EarnMultiplier decimal.Decimal `yaml:"earn_multiplier"`
}

// LotAllocation описывает списание из одной партии баллов.
type LotAllocation struct {
	TransactionID uuid.UUID
	Points        int64
}

// Allocation описывает план списания по принципу FIFO.
type Allocation struct {
	Lots  []LotAllocation
	Total int64
}

// AccountDetails содержит счёт и последние операции по нему.
type AccountDetails struct {
	Account            Account
	RecentTransactions []Transaction
}

// EarnRequest описывает запрос на начисление баллов.
type EarnRequest struct {
	TenantID    string
	CustomerID  string
	Category    Category
	Points      int64
	Description *string
	ActivityID  *string
}

// RedeemRequest описывает запрос на списание баллов.
type RedeemRequest struct {
	TenantID    string
	CustomerID  string
	Points      int64
	Description *string
}

// Redemption содержит результат оформления списания.
type Redemption struct {
	Transaction Transaction
	Available   int64
	Remaining   int64
	Allocation  Allocation
}

// TransactionPage содержит страницу истории операций, от новых к старым.
type TransactionPage struct {
	Transactions []Transaction
	Page         int
	Limit        int
	Total        int64
	TotalPages   int
}

// EarnCalculation содержит предварительный расчёт начисления.
type EarnCalculation struct {
	BasePoints     int64
	DayPoints      int64
	DistancePoints int64
	Multiplier     decimal.Decimal
	FinalPoints    int64
	Tier           Tier
}

// TierChange содержит результат пересчёта уровня.
type TierChange struct {
	Upgraded bool
	OldTier  Tier
	NewTier  Tier
	TierDate *time.Time
}

// AccountKey идентифицирует счёт по арендатору и клиенту.
type AccountKey struct {
	TenantID   string
	CustomerID string
}

// BatchResult содержит итог проведения пакета операций.
type BatchResult struct {
	BatchID       string
	PostedCount   int
	TotalEarned   int64
	TotalRedeemed int64
	Accounts      []AccountKey
}
