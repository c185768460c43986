package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/credit-meter/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned when a debit would push the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrWalletNotFound is returned for an unknown wallet id or API key.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrTransactionNotFound is returned for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// RepositoryInterface restricts Repo methods so services can be unit-tested against a mock.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	AdjustBalance(ctx context.Context, tx *gorm.DB, walletID uint64, delta int64) (int64, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error)
	GetWalletByAPIKey(ctx context.Context, key string) (*model.Wallet, error)
	CreateAPIKey(ctx context.Context, k *model.ApiKey) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.CreditTransaction, error)
	GetTransactionByKey(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey string) (*model.CreditTransaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id uint64, from, to, note string) (bool, error)
	ListStalePending(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]model.CreditTransaction, error)
	ListTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.CreditTransaction, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, walletID uint64, bal int64) error
	GetCachedBalance(ctx context.Context, walletID uint64) (int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// AdjustBalance applies balance := balance + delta as one conditional UPDATE
// guarded by balance + delta >= 0. The guard is evaluated by the store, not
// read-then-write in Go, so concurrent callers cannot race past it. Zero rows
// affected means either the wallet does not exist or the guard failed.
func (r *Repository) AdjustBalance(ctx context.Context, tx *gorm.DB, walletID uint64, delta int64) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND balance + ? >= 0", walletID, delta).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := tx.WithContext(ctx).Model(&model.Wallet{}).Where("id = ?", walletID).Count(&n).Error; err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrWalletNotFound
		}
		return 0, ErrInsufficientFunds
	}
	var w model.Wallet
	if err := tx.WithContext(ctx).Select("balance").Where("id = ?", walletID).First(&w).Error; err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// CreateWallet inserts a wallet row.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Create(w).Error
}

// GetWallet fetches a wallet by id.
func (r *Repository) GetWallet(ctx context.Context, tx *gorm.DB, walletID uint64) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWalletByAPIKey resolves an active API key to its wallet.
func (r *Repository) GetWalletByAPIKey(ctx context.Context, key string) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Joins("JOIN api_key ON api_key.wallet_id = wallet.id").
		Where("api_key.key = ? AND api_key.active = ?", key, true).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// CreateAPIKey inserts an API key row.
func (r *Repository) CreateAPIKey(ctx context.Context, k *model.ApiKey) error {
	return r.db.WithContext(ctx).Create(k).Error
}

// CreateTransaction inserts a ledger entry.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.CreditTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTransaction fetches a ledger entry by id.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTransactionByKey looks up a prior reservation for (wallet, idempotency key).
func (r *Repository) GetTransactionByKey(ctx context.Context, tx *gorm.DB, walletID uint64, idemKey string) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	err := tx.WithContext(ctx).
		Where("wallet_id = ? AND idempotency_key = ?", walletID, idemKey).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTransactionStatus performs the conditional terminal transition
// WHERE tx_status = from. Exactly one of any set of concurrent callers
// wins; the rest see false with no row modified.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx *gorm.DB, id uint64, from, to, note string) (bool, error) {
	updates := map[string]interface{}{
		"tx_status":  to,
		"updated_at": time.Now(),
	}
	if note != "" {
		updates["note"] = note
	}
	res := tx.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("id = ? AND tx_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListStalePending selects pending reservations older than cutoff,
// oldest first. On postgres the rows are claimed with FOR UPDATE SKIP
// LOCKED so overlapping sweep passes never fight over the same batch;
// elsewhere (sqlite in tests) the conditional terminal transition is
// the safety net.
func (r *Repository) ListStalePending(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]model.CreditTransaction, error) {
	q := tx.WithContext(ctx).
		Where("tx_status = ? AND created_at < ?", model.TxStatusPending, cutoff).
		Order("id").
		Limit(limit)
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var txs []model.CreditTransaction
	err := q.Find(&txs).Error
	return txs, err
}

// ListTransactions fetches recent ledger entries for a wallet.
func (r *Repository) ListTransactions(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.CreditTransaction, error) {
	var txs []model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND created_at >= ?", walletID, since).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, bal int64) error {
	return r.rdb.Set(ctx, fmt.Sprintf("balance:%d", walletID), strconv.FormatInt(bal, 10), 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (int64, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("balance:%d", walletID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}
