package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-engine/internal/middleware"
	"github.com/mmeshcher/loyalty-engine/internal/model"
	"github.com/mmeshcher/loyalty-engine/internal/rates"
	"github.com/mmeshcher/loyalty-engine/internal/repository"
	"github.com/mmeshcher/loyalty-engine/internal/service"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "admin-key"
)

type stubService struct {
	account    *model.Account
	accountErr error

	details    *model.AccountDetails
	detailsErr error

	available int64
	plan      model.Allocation

	earnTx  *model.Transaction
	earnErr error
	earnReq model.EarnRequest

	redemption *model.Redemption
	redeemErr  error

	page    *model.TransactionPage
	pageErr error
	gotPage [2]int

	calc    *model.EarnCalculation
	calcErr error

	tier    *model.TierChange
	tierErr error

	batch       *model.BatchResult
	batchErr    error
	batchTenant string
	reevaled    []model.AccountKey

	gotTenant string
}

func (s *stubService) CreateAccount(_ context.Context, tenantID, _ string) (*model.Account, error) {
	s.gotTenant = tenantID
	return s.account, s.accountErr
}

func (s *stubService) GetAccount(_ context.Context, tenantID, _ string) (*model.AccountDetails, error) {
	s.gotTenant = tenantID
	return s.details, s.detailsErr
}

func (s *stubService) Availability(_ context.Context, tenantID, _ string, _ int64) (int64, model.Allocation, error) {
	s.gotTenant = tenantID
	return s.available, s.plan, s.detailsErr
}

func (s *stubService) Earn(_ context.Context, req model.EarnRequest) (*model.Transaction, error) {
	s.earnReq = req
	return s.earnTx, s.earnErr
}

func (s *stubService) Redeem(_ context.Context, _ model.RedeemRequest) (*model.Redemption, error) {
	return s.redemption, s.redeemErr
}

func (s *stubService) ListTransactions(_ context.Context, _, _ string, page, limit int) (*model.TransactionPage, error) {
	s.gotPage = [2]int{page, limit}
	return s.page, s.pageErr
}

func (s *stubService) CalculateEarn(_ context.Context, _, _ string, _, _ int64) (*model.EarnCalculation, error) {
	return s.calc, s.calcErr
}

func (s *stubService) ReevaluateTier(_ context.Context, _, _ string) (*model.TierChange, error) {
	return s.tier, s.tierErr
}

func (s *stubService) PostBatch(_ context.Context, tenantID, _ string) (*model.BatchResult, error) {
	s.batchTenant = tenantID
	return s.batch, s.batchErr
}

func (s *stubService) ReevaluateAccounts(_ context.Context, keys []model.AccountKey) (int, error) {
	s.reevaled = keys
	return len(keys), nil
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	return NewHandler(svc, logger, middleware.NewTenantAuth(testSecret), Options{
		AdminKey: testAdminKey,
		Rates:    rates.DefaultTable(),
	})
}

// do выполняет запрос через полный маршрутизатор от имени арендатора tenantID.
func do(t *testing.T, h http.Handler, method, target, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("Authorization", "Bearer "+middleware.NewTenantAuth(testSecret).SignTenant(tenantID))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestRoutes_RequireTenantToken(t *testing.T) {
	router := newTestHandler(t, &stubService{}).SetupRouter()

	rec := do(t, router, http.MethodPost, "/api/loyalty/accounts", "", customerRequest{CustomerID: "c1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAccount(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name       string
		svc        *stubService
		body       any
		wantStatus int
	}{
		{
			name: "created",
			svc: &stubService{account: &model.Account{
				ID: uuid.New(), TenantID: "t1", CustomerID: "c1",
				AccountNumber: "LOY-2026-123451", Tier: model.TierBronze, CreatedAt: now,
			}},
			body:       customerRequest{CustomerID: "c1"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "duplicate",
			svc:        &stubService{accountErr: fmt.Errorf("wrap: %w", repository.ErrAccountExists)},
			body:       customerRequest{CustomerID: "c1"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "invalid customer",
			svc:        &stubService{},
			body:       customerRequest{CustomerID: "bad id"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store failure",
			svc:        &stubService{accountErr: errors.New("connection lost")},
			body:       customerRequest{CustomerID: "c1"},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestHandler(t, tt.svc).SetupRouter()

			rec := do(t, router, http.MethodPost, "/api/loyalty/accounts", "t1", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusCreated {
				resp := decode[accountResponse](t, rec)
				assert.Equal(t, "BRONZE", resp.Tier)
				assert.Equal(t, "LOY-2026-123451", resp.AccountNumber)
				assert.Equal(t, "t1", tt.svc.gotTenant)
			}
		})
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	svc := &stubService{detailsErr: repository.ErrAccountNotFound}
	router := newTestHandler(t, svc).SetupRouter()

	rec := do(t, router, http.MethodGet, "/api/loyalty/accounts/c1", "t1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEarn(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &stubService{earnTx: &model.Transaction{ID: uuid.New(), Points: 150, ExpiresAt: &exp}}
	router := newTestHandler(t, svc).SetupRouter()

	rec := do(t, router, http.MethodPost, "/api/loyalty/earn", "t1", earnRequest{CustomerID: "c1", Points: 150})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[earnResponse](t, rec)
	assert.Equal(t, int64(150), resp.Points)
	require.NotNil(t, resp.ExpirationDate)
	assert.Equal(t, "2027-01-01T00:00:00Z", *resp.ExpirationDate)
	assert.Equal(t, model.CategoryNTM, svc.earnReq.Category)
	assert.Equal(t, "t1", svc.earnReq.TenantID)

	for _, body := range []earnRequest{
		{CustomerID: "c1", Points: 0},
		{CustomerID: "c1", Points: 10, Category: "REDEMPTION"},
		{CustomerID: "", Points: 10},
	} {
		rec = do(t, router, http.MethodPost, "/api/loyalty/earn", "t1", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%+v", body)
	}
}

func TestRedeem_InsufficientPoints(t *testing.T) {
	svc := &stubService{redeemErr: fmt.Errorf("%w: available 40, requested 50", service.ErrInsufficientPoints)}
	router := newTestHandler(t, svc).SetupRouter()

	rec := do(t, router, http.MethodPost, "/api/loyalty/redeem", "t1", redeemRequest{CustomerID: "c1", Points: 50})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "available 40, requested 50")
}

func TestListTransactions_QueryParsing(t *testing.T) {
	svc := &stubService{page: &model.TransactionPage{Page: 2, Limit: 5, Total: 7, TotalPages: 2}}
	router := newTestHandler(t, svc).SetupRouter()

	rec := do(t, router, http.MethodGet, "/api/loyalty/transactions?customerId=c1&page=2&limit=5", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [2]int{2, 5}, svc.gotPage)

	resp := decode[transactionPageResponse](t, rec)
	assert.Equal(t, 2, resp.Pagination.TotalPages)
	assert.NotNil(t, resp.Transactions)

	rec = do(t, router, http.MethodGet, "/api/loyalty/transactions?customerId=c1&page=x", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/loyalty/transactions", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalculate(t *testing.T) {
	svc := &stubService{calc: &model.EarnCalculation{
		BasePoints: 150, DayPoints: 100, DistancePoints: 50,
		Multiplier: decimal.RequireFromString("1.25"), FinalPoints: 187, Tier: model.TierSilver,
	}}
	router := newTestHandler(t, svc).SetupRouter()

	rec := do(t, router, http.MethodPost, "/api/loyalty/calculate", "t1",
		calculateRequest{CustomerID: "c1", DurationDays: 5, Distance: 250})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[calculateResponse](t, rec)
	assert.Equal(t, int64(187), resp.Total)
	assert.Equal(t, int64(187), resp.NTMPoints)
	assert.InDelta(t, 1.25, resp.TierMultiplier, 1e-9)
	assert.Equal(t, "5 days × 20 = 100 + 250 miles × 0.2 = 50", resp.Calculation)
}

func TestBatchPost_RequiresAdminKey(t *testing.T) {
	svc := &stubService{batch: &model.BatchResult{BatchID: "B1"}}
	router := newTestHandler(t, svc).SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/batch-post", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/batch-post", nil)
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "", svc.batchTenant)

	resp := decode[batchPostResponse](t, rec)
	assert.Equal(t, "B1", resp.BatchID)
}

// TestLoyaltyFlow проходит полный сценарий через маршрутизатор, сервис и хранилище в памяти.
func TestLoyaltyFlow(t *testing.T) {
	svc := service.NewService(repository.NewMemoryRepository(), rates.DefaultTable(), zap.NewNop())
	router := newTestHandler(t, svc).SetupRouter()

	admin := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/batch-post",
			bytes.NewBufferString(`{"tenantId":"t1"}`))
		req.Header.Set("X-Admin-Key", testAdminKey)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(t, router, http.MethodPost, "/api/loyalty/accounts", "t1", customerRequest{CustomerID: "c1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "BRONZE", decode[accountResponse](t, rec).Tier)

	rec = do(t, router, http.MethodPost, "/api/loyalty/accounts", "t1", customerRequest{CustomerID: "c1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/loyalty/earn", "t1", earnRequest{CustomerID: "c1", Points: 1200})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/loyalty/redeem", "t1", redeemRequest{CustomerID: "c1", Points: 50})
	require.Equal(t, http.StatusPaymentRequired, rec.Code, "unposted points are not spendable")

	rec = admin()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[batchPostResponse](t, rec)
	assert.Equal(t, 1, batch.PostedCount)
	assert.Equal(t, int64(1200), batch.TotalPointsEarned)
	assert.Equal(t, 1, batch.TierChanges)

	rec = do(t, router, http.MethodGet, "/api/loyalty/accounts/c1", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decode[accountResponse](t, rec)
	assert.Equal(t, int64(1200), acc.CurrentBalance)
	assert.Equal(t, "SILVER", acc.Tier)
	require.Len(t, acc.RecentTransactions, 1)
	assert.True(t, acc.RecentTransactions[0].Posted)

	rec = do(t, router, http.MethodPost, "/api/loyalty/redeem", "t1", redeemRequest{CustomerID: "c1", Points: 50})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	redeem := decode[redeemResponse](t, rec)
	assert.Equal(t, int64(50), redeem.PointsRedeemed)
	assert.Equal(t, int64(1150), redeem.RemainingBalance)
	require.Len(t, redeem.Breakdown, 1)

	rec = do(t, router, http.MethodGet, "/api/loyalty/accounts/c1/available?points=2000", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[availabilityResponse](t, rec)
	assert.Equal(t, int64(1200), avail.AvailablePoints)
	assert.Equal(t, int64(1200), avail.Allocated)

	rec = do(t, router, http.MethodPost, "/api/loyalty/calculate", "t1",
		calculateRequest{CustomerID: "c1", DurationDays: 5, Distance: 250})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(187), decode[calculateResponse](t, rec).Total)

	rec = do(t, router, http.MethodPost, "/api/loyalty/check-tier", "t1", customerRequest{CustomerID: "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[tierResponse](t, rec).Upgraded)

	rec = admin()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[batchPostResponse](t, rec).PostedCount)

	rec = do(t, router, http.MethodGet, "/api/loyalty/transactions?customerId=c1", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[transactionPageResponse](t, rec)
	assert.Equal(t, int64(2), page.Pagination.Total)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "REDEEM", page.Transactions[0].Type)
	assert.Equal(t, int64(-50), page.Transactions[0].Points)

	rec = do(t, router, http.MethodGet, "/api/loyalty/accounts/c1", "t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "accounts are scoped to the tenant")
}
