// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/middleware"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
	"github.com/mmeshcher/loyalty-engine/internal/service"
	"github.com/mmeshcher/loyalty-engine/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateAccount(ctx context.Context, tenantID, customerID string) (*model.Account, error)
	GetAccount(ctx context.Context, tenantID, customerID string) (*model.AccountDetails, error)
	Availability(ctx context.Context, tenantID, customerID string, requested int64) (int64, model.Allocation, error)
	Earn(ctx context.Context, req model.EarnRequest) (*model.Transaction, error)
	Redeem(ctx context.Context, req model.RedeemRequest) (*model.Redemption, error)
	ListTransactions(ctx context.Context, tenantID, customerID string, page, limit int) (*model.TransactionPage, error)
	CalculateEarn(ctx context.Context, tenantID, customerID string, days, distance int64) (*model.EarnCalculation, error)
	ReevaluateTier(ctx context.Context, tenantID, customerID string) (*model.TierChange, error)
	PostBatch(ctx context.Context, tenantID, batchID string) (*model.BatchResult, error)
	ReevaluateAccounts(ctx context.Context, keys []model.AccountKey) (int, error)
}

// Options содержит настройки HTTP-слоя.
type Options struct {
	AdminKey           string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	// Rates используются только для текстового описания расчёта.
	Rates rates.Table
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service Service
	logger  *zap.Logger
	auth    *middleware.TenantAuth
	limiter *middleware.RateLimiter
	opts    Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.TenantAuth, opts Options) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		auth:    auth,
		limiter: middleware.NewRateLimiter(opts.RateLimitRPS),
		opts:    opts,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeError переводит ошибки сервиса в HTTP-статусы. Неожиданные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		http.Error(w, "account not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrAccountExists):
		http.Error(w, "account already exists", http.StatusConflict)
	case errors.Is(err, service.ErrInsufficientPoints):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrInvalidInput):
		badRequest(w, err.Error())
	case errors.Is(err, repository.ErrBatchConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// tenant возвращает арендатора из контекста. Маршруты без TenantAuth его не имеют.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return tenantID, ok
}

// CreateAccount открывает счёт клиенту текущего арендатора.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req customerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if !validation.IsValidIdentifier(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}

	a, err := h.service.CreateAccount(r.Context(), tenantID, req.CustomerID)
	if err != nil {
		h.writeError(w, err, "create account", zap.String("tenant", tenantID), zap.String("customer", req.CustomerID))
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(*a))
}

// GetAccount возвращает счёт клиента с последними операциями.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	customerID := chi.URLParam(r, "customerID")
	if !validation.IsValidIdentifier(customerID) {
		badRequest(w, "invalid customerId")
		return
	}

	details, err := h.service.GetAccount(r.Context(), tenantID, customerID)
	if err != nil {
		h.writeError(w, err, "get account", zap.String("tenant", tenantID), zap.String("customer", customerID))
		return
	}

	resp := toAccountResponse(details.Account)
	resp.RecentTransactions = toTransactionResponses(details.RecentTransactions)
	writeJSON(w, http.StatusOK, resp)
}

// GetAvailability возвращает доступные баллы клиента и план списания points баллов.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	customerID := chi.URLParam(r, "customerID")
	if !validation.IsValidIdentifier(customerID) {
		badRequest(w, "invalid customerId")
		return
	}

	var requested int64
	if v := r.URL.Query().Get("points"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "invalid points")
			return
		}
		requested = n
	}

	available, plan, err := h.service.Availability(r.Context(), tenantID, customerID, requested)
	if err != nil {
		h.writeError(w, err, "get availability", zap.String("tenant", tenantID), zap.String("customer", customerID))
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{
		AvailablePoints: available,
		Requested:       requested,
		Allocated:       plan.Total,
		Breakdown:       toLotResponses(plan),
	})
}

// Earn создаёт непроведённое начисление баллов.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req earnRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if !validation.IsValidIdentifier(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}
	if req.Points <= 0 {
		badRequest(w, "points must be positive")
		return
	}

	category := model.Category(req.Category)
	if category == "" {
		category = model.CategoryNTM
	}
	if !category.Earnable() {
		badRequest(w, "invalid category")
		return
	}

	t, err := h.service.Earn(r.Context(), model.EarnRequest{
		TenantID:    tenantID,
		CustomerID:  req.CustomerID,
		Category:    category,
		Points:      req.Points,
		Description: req.Description,
		ActivityID:  req.ActivityID,
	})
	if err != nil {
		h.writeError(w, err, "earn", zap.String("tenant", tenantID), zap.String("customer", req.CustomerID))
		return
	}

	writeJSON(w, http.StatusCreated, earnResponse{
		TransactionID:  t.ID.String(),
		Points:         t.Points,
		ExpirationDate: formatTime(t.ExpiresAt),
		Posted:         t.Posted,
	})
}

// Redeem создаёт непроведённое списание баллов.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if !validation.IsValidIdentifier(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}
	if req.Points <= 0 {
		badRequest(w, "points must be positive")
		return
	}

	res, err := h.service.Redeem(r.Context(), model.RedeemRequest{
		TenantID:    tenantID,
		CustomerID:  req.CustomerID,
		Points:      req.Points,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(w, err, "redeem", zap.String("tenant", tenantID), zap.String("customer", req.CustomerID))
		return
	}

	writeJSON(w, http.StatusCreated, redeemResponse{
		TransactionID:    res.Transaction.ID.String(),
		PointsRedeemed:   req.Points,
		RemainingBalance: res.Remaining,
		Breakdown:        toLotResponses(res.Allocation),
	})
}

func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ListTransactions возвращает страницу истории операций клиента.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	customerID := r.URL.Query().Get("customerId")
	if !validation.IsValidIdentifier(customerID) {
		badRequest(w, "invalid customerId")
		return
	}

	page, ok := queryInt(r, "page")
	if !ok {
		badRequest(w, "invalid page")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}

	res, err := h.service.ListTransactions(r.Context(), tenantID, customerID, page, limit)
	if err != nil {
		h.writeError(w, err, "list transactions", zap.String("tenant", tenantID), zap.String("customer", customerID))
		return
	}

	writeJSON(w, http.StatusOK, transactionPageResponse{
		Transactions: toTransactionResponses(res.Transactions),
		Pagination: paginationResponse{
			Page:       res.Page,
			Limit:      res.Limit,
			Total:      res.Total,
			TotalPages: res.TotalPages,
		},
	})
}

// Calculate возвращает предварительный расчёт начисления.
func (h *Handler) Calculate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req calculateRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if !validation.IsValidIdentifier(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}
	if req.DurationDays < 0 || req.Distance < 0 {
		badRequest(w, "durationDays and distance must not be negative")
		return
	}

	calc, err := h.service.CalculateEarn(r.Context(), tenantID, req.CustomerID, req.DurationDays, req.Distance)
	if err != nil {
		h.writeError(w, err, "calculate", zap.String("tenant", tenantID), zap.String("customer", req.CustomerID))
		return
	}

	writeJSON(w, http.StatusOK, calculateResponse{
		NTMPoints:      calc.FinalPoints,
		BasePoints:     calc.BasePoints,
		Total:          calc.FinalPoints,
		Tier:           string(calc.Tier),
		TierMultiplier: calc.Multiplier.InexactFloat64(),
		Calculation: fmt.Sprintf("%d days × %s = %d + %d miles × %s = %d",
			req.DurationDays, h.opts.Rates.PointsPerDay, calc.DayPoints,
			req.Distance, h.opts.Rates.PointsPerMile, calc.DistancePoints),
	})
}

// CheckTier пересчитывает уровень клиента.
func (h *Handler) CheckTier(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req customerRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if !validation.IsValidIdentifier(req.CustomerID) {
		badRequest(w, "invalid customerId")
		return
	}

	res, err := h.service.ReevaluateTier(r.Context(), tenantID, req.CustomerID)
	if err != nil {
		h.writeError(w, err, "check tier", zap.String("tenant", tenantID), zap.String("customer", req.CustomerID))
		return
	}

	writeJSON(w, http.StatusOK, tierResponse{
		Upgraded: res.Upgraded,
		OldTier:  string(res.OldTier),
		NewTier:  string(res.NewTier),
		TierDate: formatTime(res.TierDate),
	})
}

// BatchPost проводит накопленные операции и пересчитывает уровни затронутых счетов.
// Тело запроса необязательно.
func (h *Handler) BatchPost(w http.ResponseWriter, r *http.Request) {
	var req batchPostRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body")
		return
	}
	if req.TenantID != "" && !validation.IsValidIdentifier(req.TenantID) {
		badRequest(w, "invalid tenantId")
		return
	}

	res, err := h.service.PostBatch(r.Context(), req.TenantID, req.BatchID)
	if err != nil {
		h.writeError(w, err, "batch post", zap.String("tenant", req.TenantID), zap.String("batch", req.BatchID))
		return
	}

	changed, err := h.service.ReevaluateAccounts(r.Context(), res.Accounts)
	if err != nil {
		h.logger.Error("reevaluate tiers after batch error", zap.String("batch", res.BatchID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, batchPostResponse{
		PostedCount:         res.PostedCount,
		TotalPointsEarned:   res.TotalEarned,
		TotalPointsRedeemed: res.TotalRedeemed,
		BatchID:             res.BatchID,
		TierChanges:         changed,
	})
}
