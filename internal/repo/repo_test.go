package repo

import (
	"context"
	"testing"
	"time"

	"github.com/richardliu001/credit-meter/internal/logger"
	"github.com/richardliu001/credit-meter/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB, context.Context) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.ApiKey{}, &model.CreditTransaction{}))

	r := NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger()))
	return r, db, context.Background()
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func TestAdjustBalanceGuard(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	db.Create(&model.Wallet{ID: 1, Name: "w", Balance: 100})

	bal, err := r.AdjustBalance(ctx, db, 1, -30)
	assert.NoError(t, err)
	assert.Equal(t, int64(70), bal)

	// guard: the debit that would go negative changes nothing
	_, err = r.AdjustBalance(ctx, db, 1, -100)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var w model.Wallet
	assert.NoError(t, db.First(&w, 1).Error)
	assert.Equal(t, int64(70), w.Balance)

	bal, err = r.AdjustBalance(ctx, db, 1, 50)
	assert.NoError(t, err)
	assert.Equal(t, int64(120), bal)

	// draining to exactly zero is allowed
	bal, err = r.AdjustBalance(ctx, db, 1, -120)
	assert.NoError(t, err)
	assert.Zero(t, bal)
}

func TestAdjustBalanceUnknownWallet(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	_, err := r.AdjustBalance(ctx, db, 42, -1)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestUpdateTransactionStatusSingleWinner(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	db.Create(&model.Wallet{ID: 1, Name: "w", Balance: 10})
	tx := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending}
	assert.NoError(t, r.CreateTransaction(ctx, db, tx))

	won, err := r.UpdateTransactionStatus(ctx, db, tx.ID, model.TxStatusPending, model.TxStatusCommitted, "")
	assert.NoError(t, err)
	assert.True(t, won)

	// second attempt finds no pending row to win
	won, err = r.UpdateTransactionStatus(ctx, db, tx.ID, model.TxStatusPending, model.TxStatusReversed, "late")
	assert.NoError(t, err)
	assert.False(t, won)

	got, err := r.GetTransaction(ctx, db, tx.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TxStatusCommitted, got.TxStatus)
}

func TestDuplicateIdempotencyKeyRejectedByStore(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	db.Create(&model.Wallet{ID: 1, Name: "w", Balance: 10})

	key := "dup-key"
	first := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending, IdempotencyKey: &key}
	assert.NoError(t, r.CreateTransaction(ctx, db, first))

	second := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending, IdempotencyKey: &key}
	err := r.CreateTransaction(ctx, db, second)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// rows without a key never collide
	a := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending}
	b := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending}
	assert.NoError(t, r.CreateTransaction(ctx, db, a))
	assert.NoError(t, r.CreateTransaction(ctx, db, b))
}

func TestListStalePendingOrdersOldestFirst(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	db.Create(&model.Wallet{ID: 1, Name: "w", Balance: 10})

	old := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		tx := &model.CreditTransaction{WalletID: 1, Delta: -1, TxType: model.TxTypeDebit, TxStatus: model.TxStatusPending}
		assert.NoError(t, r.CreateTransaction(ctx, db, tx))
		if i < 2 {
			assert.NoError(t, db.Model(&model.CreditTransaction{}).Where("id = ?", tx.ID).
				UpdateColumn("created_at", old.Add(time.Duration(i)*time.Minute)).Error)
		}
	}

	got, err := r.ListStalePending(ctx, db, time.Now().Add(-5*time.Minute), 10)
	assert.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Less(t, got[0].ID, got[1].ID)

	// chunk size caps the batch
	got, err = r.ListStalePending(ctx, db, time.Now().Add(-5*time.Minute), 1)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestGetWalletByAPIKey(t *testing.T) {
	r, db, ctx := newTestRepo(t)
	db.Create(&model.Wallet{ID: 1, Name: "w", Balance: 10})
	assert.NoError(t, r.CreateAPIKey(ctx, &model.ApiKey{WalletID: 1, Key: "live-key", Label: "ci", Active: true}))
	assert.NoError(t, r.CreateAPIKey(ctx, &model.ApiKey{WalletID: 1, Key: "dead-key", Label: "old", Active: false}))

	w, err := r.GetWalletByAPIKey(ctx, "live-key")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), w.ID)

	_, err = r.GetWalletByAPIKey(ctx, "dead-key")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = r.GetWalletByAPIKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}
