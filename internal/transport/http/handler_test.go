package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/credit-meter/internal/config"
	"github.com/richardliu001/credit-meter/internal/logger"
	"github.com/richardliu001/credit-meter/internal/model"
	"github.com/richardliu001/credit-meter/internal/repo"
	"github.com/richardliu001/credit-meter/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *service.LedgerService, context.Context) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.ApiKey{}, &model.CreditTransaction{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	svc := service.NewLedgerService(repository, log)

	r := NewRouter(svc, config.RateLimitConfig{RPS: 1000, Burst: 1000}, log)
	return r, svc, context.Background()
}

func seedWalletWithKey(t *testing.T, svc *service.LedgerService, ctx context.Context, balance int64) (*model.Wallet, string) {
	w, err := svc.CreateWallet(ctx, t.Name(), balance)
	assert.NoError(t, err)
	k, err := svc.IssueAPIKey(ctx, w.ID, "test")
	assert.NoError(t, err)
	return w, k.Key
}

func doGet(r *gin.Engine, path, apiKey, idemKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func balanceOf(t *testing.T, svc *service.LedgerService, ctx context.Context, id uint64) int64 {
	w, err := svc.Repo().GetWallet(ctx, svc.Repo().DB(ctx), id)
	assert.NoError(t, err)
	return w.Balance
}

func TestEchoChargesOneCreditOnSuccess(t *testing.T) {
	r, svc, ctx := newTestRouter(t)
	w, key := seedWalletWithKey(t, svc, ctx, 20)

	rec := doGet(r, "/v1/echo", key, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(19), balanceOf(t, svc, ctx, w.ID))

	var committed int64
	svc.Repo().DB(ctx).Model(&model.CreditTransaction{}).
		Where("wallet_id = ? AND tx_status = ?", w.ID, model.TxStatusCommitted).Count(&committed)
	assert.Equal(t, int64(1), committed)
}

func TestEchoWithoutKeyIsUnauthorized(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := doGet(r, "/v1/echo", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEchoDeclinedWhenOutOfCredits(t *testing.T) {
	r, svc, ctx := newTestRouter(t)
	w, key := seedWalletWithKey(t, svc, ctx, 0)

	rec := doGet(r, "/v1/echo", key, "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, int64(0), balanceOf(t, svc, ctx, w.ID))

	var count int64
	svc.Repo().DB(ctx).Model(&model.CreditTransaction{}).Where("wallet_id = ?", w.ID).Count(&count)
	assert.Zero(t, count)
}

func TestIdempotencyKeyReplayChargesOnce(t *testing.T) {
	r, svc, ctx := newTestRouter(t)
	w, key := seedWalletWithKey(t, svc, ctx, 10)

	first := doGet(r, "/v1/echo", key, "retry-abc")
	assert.Equal(t, http.StatusOK, first.Code)
	second := doGet(r, "/v1/echo", key, "retry-abc")
	assert.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, int64(9), balanceOf(t, svc, ctx, w.ID))

	var count int64
	svc.Repo().DB(ctx).Model(&model.CreditTransaction{}).
		Where("wallet_id = ? AND idempotency_key = ?", w.ID, "retry-abc").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestFailedRequestIsNotCharged(t *testing.T) {
	r, svc, ctx := newTestRouter(t)
	w, key := seedWalletWithKey(t, svc, ctx, 10)

	log, _ := logger.NewLogger()
	r.GET("/v1/flaky", APIKeyMiddleware(svc), ChargeCredits(svc, 1, log), func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream died"})
	})

	rec := doGet(r, "/v1/flaky", key, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// reservation reversed, held credit restored
	assert.Equal(t, int64(10), balanceOf(t, svc, ctx, w.ID))

	var reversed int64
	svc.Repo().DB(ctx).Model(&model.CreditTransaction{}).
		Where("wallet_id = ? AND tx_status = ?", w.ID, model.TxStatusReversed).Count(&reversed)
	assert.Equal(t, int64(1), reversed)
}

func TestBalanceEndpointIsAPureRead(t *testing.T) {
	r, svc, ctx := newTestRouter(t)
	w, key := seedWalletWithKey(t, svc, ctx, 42)

	rec := doGet(r, "/v1/balance", key, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":42`)
	assert.Contains(t, rec.Body.String(), w.Name)

	var count int64
	svc.Repo().DB(ctx).Model(&model.CreditTransaction{}).Where("wallet_id = ?", w.ID).Count(&count)
	assert.Zero(t, count)

	rec = doGet(r, "/v1/balance", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
