package handler

import (
	"time"

	"github.com/mmeshcher/loyalty-engine/internal/model"
)

type customerRequest struct {
	CustomerID string `json:"customerId"`
}

type earnRequest struct {
	CustomerID  string  `json:"customerId"`
	Category    string  `json:"category"`
	Points      int64   `json:"points"`
	Description *string `json:"description,omitempty"`
	ActivityID  *string `json:"activityId,omitempty"`
}

type redeemRequest struct {
	CustomerID  string  `json:"customerId"`
	Points      int64   `json:"points"`
	Description *string `json:"description,omitempty"`
}

type calculateRequest struct {
	CustomerID   string `json:"customerId"`
	DurationDays int64  `json:"durationDays"`
	Distance     int64  `json:"distance"`
}

type batchPostRequest struct {
	TenantID string `json:"tenantId"`
	BatchID  string `json:"batchId"`
}

type transactionResponse struct {
	TransactionID   string  `json:"transactionId"`
	Type            string  `json:"type"`
	Category        string  `json:"category"`
	Points          int64   `json:"points"`
	Description     *string `json:"description,omitempty"`
	ExpirationDate  *string `json:"expirationDate,omitempty"`
	ActivityID      *string `json:"activityId,omitempty"`
	Posted          bool    `json:"posted"`
	BatchID         *string `json:"batchId,omitempty"`
	TransactionDate string  `json:"transactionDate"`
}

type accountResponse struct {
	LoyaltyAccountID     string                `json:"loyaltyAccountId"`
	TenantID             string                `json:"tenantId"`
	CustomerID           string                `json:"customerId"`
	AccountNumber        string                `json:"accountNumber"`
	Tier                 string                `json:"tier"`
	CurrentBalance       int64                 `json:"currentBalance"`
	TotalPointsEarned    int64                 `json:"totalPointsEarned"`
	PointsRedeemed       int64                 `json:"pointsRedeemed"`
	TierQualifyingPoints int64                 `json:"tierQualifyingPoints"`
	TierDate             *string               `json:"tierDate,omitempty"`
	CreatedAt            string                `json:"createdAt"`
	RecentTransactions   []transactionResponse `json:"recentTransactions,omitempty"`
}

type earnResponse struct {
	TransactionID  string  `json:"transactionId"`
	Points         int64   `json:"points"`
	ExpirationDate *string `json:"expirationDate,omitempty"`
	Posted         bool    `json:"posted"`
}

type lotResponse struct {
	TransactionID string `json:"transactionId"`
	Points        int64  `json:"points"`
}

type redeemResponse struct {
	TransactionID    string        `json:"transactionId"`
	PointsRedeemed   int64         `json:"pointsRedeemed"`
	RemainingBalance int64         `json:"remainingBalance"`
	Breakdown        []lotResponse `json:"breakdown"`
}

type availabilityResponse struct {
	AvailablePoints int64         `json:"availablePoints"`
	Requested       int64         `json:"requested"`
	Allocated       int64         `json:"allocated"`
	Breakdown       []lotResponse `json:"breakdown"`
}

type paginationResponse struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

type transactionPageResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Pagination   paginationResponse    `json:"pagination"`
}

type calculateResponse struct {
	NTMPoints      int64   `json:"ntmPoints"`
	BasePoints     int64   `json:"basePoints"`
	Promotional    int64   `json:"promotional"`
	Total          int64   `json:"total"`
	Tier           string  `json:"tier"`
	TierMultiplier float64 `json:"tierMultiplier"`
	Calculation    string  `json:"calculation"`
}

type tierResponse struct {
	Upgraded bool    `json:"upgraded"`
	OldTier  string  `json:"oldTier"`
	NewTier  string  `json:"newTier"`
	TierDate *string `json:"tierDate,omitempty"`
}

type batchPostResponse struct {
	PostedCount         int    `json:"postedCount"`
	TotalPointsEarned   int64  `json:"totalPointsEarned"`
	TotalPointsRedeemed int64  `json:"totalPointsRedeemed"`
	BatchID             string `json:"batchId"`
	TierChanges         int    `json:"tierChanges"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func toTransactionResponse(t model.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID:   t.ID.String(),
		Type:            string(t.Type),
		Category:        string(t.Category),
		Points:          t.Points,
		Description:     t.Description,
		ExpirationDate:  formatTime(t.ExpiresAt),
		ActivityID:      t.ActivityID,
		Posted:          t.Posted,
		BatchID:         t.BatchID,
		TransactionDate: t.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionResponses(txns []model.Transaction) []transactionResponse {
	resp := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		resp = append(resp, toTransactionResponse(t))
	}
	return resp
}

func toAccountResponse(a model.Account) accountResponse {
	return accountResponse{
		LoyaltyAccountID:     a.ID.String(),
		TenantID:             a.TenantID,
		CustomerID:           a.CustomerID,
		AccountNumber:        a.AccountNumber,
		Tier:                 string(a.Tier),
		CurrentBalance:       a.CurrentBalance,
		TotalPointsEarned:    a.TotalEarned,
		PointsRedeemed:       a.TotalRedeemed,
		TierQualifyingPoints: a.TierQualifyingPoints,
		TierDate:             formatTime(a.TierDate),
		CreatedAt:            a.CreatedAt.Format(time.RFC3339),
	}
}

func toLotResponses(a model.Allocation) []lotResponse {
	resp := make([]lotResponse, 0, len(a.Lots))
	for _, lot := range a.Lots {
		resp = append(resp, lotResponse{TransactionID: lot.TransactionID.String(), Points: lot.Points})
	}
	return resp
}
