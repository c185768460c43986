package model

import "time"

const (
	TxTypeDebit  = "debit"
	TxTypeCredit = "credit"

	TxStatusPending   = "pending"
	TxStatusCommitted = "committed"
	TxStatusReversed  = "reversed"
)

// CreditTransaction is the ledger entry. A reservation is written as a
// pending debit and later moves to exactly one terminal status,
// committed or reversed, never back to pending. Rows are never deleted;
// a terminal row is treated as immutable.
//
// The composite unique index on (wallet_id, idempotency_key) is what
// actually enforces at-most-once charging; NULL keys do not collide.
type CreditTransaction struct {
	ID             uint64    `gorm:"primaryKey"`
	WalletID       uint64    `gorm:"not null;index:idx_tx_wallet_created;uniqueIndex:uniq_wallet_idem_key"`
	Delta          int64     `gorm:"not null"` // negative for debits, positive for credits
	TxType         string    `gorm:"size:16;not null"`
	TxStatus       string    `gorm:"size:16;not null;index"`
	IdempotencyKey *string   `gorm:"size:64;uniqueIndex:uniq_wallet_idem_key"`
	RequestID      string    `gorm:"size:64"`
	Note           string    `gorm:"size:240"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index:idx_tx_wallet_created"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (CreditTransaction) TableName() string { return "credit_transaction" }

// Amount is the absolute number of credits this entry moved.
func (t *CreditTransaction) Amount() int64 {
	if t.Delta < 0 {
		return -t.Delta
	}
	return t.Delta
}
