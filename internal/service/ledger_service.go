package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/richardliu001/credit-meter/internal/model"
	"github.com/richardliu001/credit-meter/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome distinguishes the normal, non-error results of Reserve.
type Outcome string

const (
	// OutcomeReserved means a fresh reservation was created and the wallet debited.
	OutcomeReserved Outcome = "reserved"
	// OutcomeAlreadyProcessed means a prior reservation with the same
	// idempotency key was found and no second debit happened.
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

var (
	// ErrInvalidAmount means a non-positive amount was passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidTransition means a terminal-state change was attempted on a
	// transaction already in the other terminal state.
	ErrInvalidTransition = errors.New("invalid transaction state transition")
)

// LedgerService implements the reservation state machine over the ledger
// store: pending -> committed | reversed, plus the credit-side top-up
// operations and the stale-reservation sweep.
type LedgerService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, log: logger}
}

// Reserve debits amount from the wallet and writes a pending debit entry,
// both in one database transaction. With an idempotency key, a prior
// reservation for (wallet, key) is returned as-is with no second debit.
// A duplicate-key insert race is resolved the same way: the loser
// re-fetches the winner's row instead of surfacing the constraint error.
func (s *LedgerService) Reserve(ctx context.Context, walletID uint64, amount int64, requestID, idemKey, note string) (*model.CreditTransaction, Outcome, error) {
	if amount <= 0 {
		return nil, "", ErrInvalidAmount
	}
	var (
		row *model.CreditTransaction
		out Outcome
	)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if idemKey != "" {
			existing, err := s.repo.GetTransactionByKey(ctx, tx, walletID, idemKey)
			if err != nil && !errors.Is(err, repo.ErrTransactionNotFound) {
				return err
			}
			if existing != nil {
				row, out = existing, OutcomeAlreadyProcessed
				return nil
			}
		}

		t := &model.CreditTransaction{
			WalletID:  walletID,
			Delta:     -amount,
			TxType:    model.TxTypeDebit,
			TxStatus:  model.TxStatusPending,
			RequestID: requestID,
			Note:      note,
		}
		if idemKey != "" {
			t.IdempotencyKey = &idemKey
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}

		newBal, err := s.repo.AdjustBalance(ctx, tx, walletID, -amount)
		if err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"tx_id": t.ID, "wallet_id": walletID, "delta": -amount, "balance": newBal,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID, EventType: "CreditsReserved", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, walletID, newBal); err != nil {
			s.log.Warn(err)
		}
		row, out = t, OutcomeReserved
		return nil
	})
	if err != nil {
		// lost an insert race on (wallet, idempotency_key): the winner's
		// committed row is this request's reservation
		if idemKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := s.repo.GetTransactionByKey(ctx, s.repo.DB(ctx), walletID, idemKey)
			if ferr != nil {
				return nil, "", ferr
			}
			return existing, OutcomeAlreadyProcessed, nil
		}
		return nil, "", err
	}
	return row, out, nil
}

// Commit finalizes a pending reservation. Funds were already removed at
// reservation time, so no balance mutation happens here. Committing an
// already-committed transaction is a no-op success; committing a
// reversed one is ErrInvalidTransition.
func (s *LedgerService) Commit(ctx context.Context, txID uint64) (*model.CreditTransaction, error) {
	var row *model.CreditTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := s.repo.UpdateTransactionStatus(ctx, tx, txID, model.TxStatusPending, model.TxStatusCommitted, "")
		if err != nil {
			return err
		}
		curr, err := s.repo.GetTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if !won {
			if curr.TxStatus == model.TxStatusCommitted {
				row = curr
				return nil
			}
			return ErrInvalidTransition
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"tx_id": curr.ID, "wallet_id": curr.WalletID, "delta": curr.Delta,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: curr.WalletID, EventType: "ReservationCommitted", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		row = curr
		return nil
	})
	return row, err
}

const (
	commitAttempts = 3
	commitBackoff  = 50 * time.Millisecond
)

// CommitWithRetry finalizes a reservation, retrying transient store
// failures a few times before giving up. State-machine outcomes
// (no-op success, InvalidTransition, NotFound) are never retried. If
// the store stays down the reservation is left pending for the
// sweeper, so the worst case is an uncharged success, never a stuck
// hold.
func (s *LedgerService) CommitWithRetry(ctx context.Context, txID uint64) (*model.CreditTransaction, error) {
	var (
		row *model.CreditTransaction
		err error
	)
	for attempt := 1; ; attempt++ {
		row, err = s.Commit(ctx, txID)
		if err == nil || errors.Is(err, ErrInvalidTransition) || errors.Is(err, repo.ErrTransactionNotFound) || attempt == commitAttempts {
			return row, err
		}
		s.log.Warnf("commit tx %d attempt %d: %v", txID, attempt, err)
		time.Sleep(time.Duration(attempt) * commitBackoff)
	}
}

// Reverse cancels a pending reservation: the transaction is moved to
// reversed with the reason recorded, and the held amount is restored to
// the wallet, in one database transaction. Reversing an
// already-reversed transaction is a no-op success; reversing a
// committed one is ErrInvalidTransition.
func (s *LedgerService) Reverse(ctx context.Context, txID uint64, reason string) (*model.CreditTransaction, error) {
	var row *model.CreditTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		row, err = s.reverseInTx(ctx, tx, txID, reason)
		return err
	})
	return row, err
}

func (s *LedgerService) reverseInTx(ctx context.Context, tx *gorm.DB, txID uint64, reason string) (*model.CreditTransaction, error) {
	won, err := s.repo.UpdateTransactionStatus(ctx, tx, txID, model.TxStatusPending, model.TxStatusReversed, reason)
	if err != nil {
		return nil, err
	}
	curr, err := s.repo.GetTransaction(ctx, tx, txID)
	if err != nil {
		return nil, err
	}
	if !won {
		if curr.TxStatus == model.TxStatusReversed {
			return curr, nil
		}
		return nil, ErrInvalidTransition
	}

	newBal, err := s.repo.AdjustBalance(ctx, tx, curr.WalletID, curr.Amount())
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"tx_id": curr.ID, "wallet_id": curr.WalletID, "restored": curr.Amount(), "balance": newBal, "reason": reason,
	})
	evt := &model.OutboxEvent{
		Aggregate: "Wallet", AggregateID: curr.WalletID, EventType: "ReservationReversed", Payload: string(payload),
	}
	if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
		return nil, err
	}
	if err := s.repo.CacheBalance(ctx, curr.WalletID, newBal); err != nil {
		s.log.Warn(err)
	}
	return curr, nil
}

// TopUp credits the wallet. A top-up has no in-flight phase, so the
// ledger entry is written committed directly.
func (s *LedgerService) TopUp(ctx context.Context, walletID uint64, amount int64, note string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var row *model.CreditTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		newBal, err := s.repo.AdjustBalance(ctx, tx, walletID, amount)
		if err != nil {
			return err
		}
		t := &model.CreditTransaction{
			WalletID: walletID,
			Delta:    amount,
			TxType:   model.TxTypeCredit,
			TxStatus: model.TxStatusCommitted,
			Note:     note,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"tx_id": t.ID, "wallet_id": walletID, "delta": amount, "balance": newBal,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID, EventType: "TopUp", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, walletID, newBal); err != nil {
			s.log.Warn(err)
		}
		row = t
		return nil
	})
	return row, err
}

// ReverseCredits is the administrative counterpart of TopUp: it removes
// previously granted credits as a committed debit. The non-negativity
// guard applies, so more cannot be clawed back than the wallet holds.
func (s *LedgerService) ReverseCredits(ctx context.Context, walletID uint64, amount int64, note string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var row *model.CreditTransaction
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		newBal, err := s.repo.AdjustBalance(ctx, tx, walletID, -amount)
		if err != nil {
			return err
		}
		t := &model.CreditTransaction{
			WalletID: walletID,
			Delta:    -amount,
			TxType:   model.TxTypeDebit,
			TxStatus: model.TxStatusCommitted,
			Note:     note,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"tx_id": t.ID, "wallet_id": walletID, "delta": -amount, "balance": newBal,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID, EventType: "CreditsReversed", Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		if err := s.repo.CacheBalance(ctx, walletID, newBal); err != nil {
			s.log.Warn(err)
		}
		row = t
		return nil
	})
	return row, err
}

// Sweep reverses reservations stuck in pending longer than staleAfter,
// restoring their held funds, and returns how many it reversed. It
// drains in chunks of chunkSize until no stale rows remain. A single
// row failing its transition is logged and skipped; store errors abort
// the pass and are retried by the scheduling layer.
func (s *LedgerService) Sweep(ctx context.Context, chunkSize int, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	total := 0
	for {
		n := 0
		err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			batch, err := s.repo.ListStalePending(ctx, tx, cutoff, chunkSize)
			if err != nil {
				return err
			}
			for _, t := range batch {
				// savepoint per row: one failed reversal rolls back
				// alone instead of taking the chunk down with it
				rowErr := tx.Transaction(func(rowTx *gorm.DB) error {
					_, err := s.reverseInTx(ctx, rowTx, t.ID, "stale-timeout")
					return err
				})
				if rowErr != nil {
					if errors.Is(rowErr, ErrInvalidTransition) {
						// raced with an explicit commit/reverse, nothing to restore
						s.log.Warnf("sweep: tx %d no longer pending", t.ID)
					} else {
						s.log.Errorf("sweep: reverse tx %d: %v", t.ID, rowErr)
					}
					continue
				}
				n++
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			s.log.Infof("sweep done total=%d", total)
			return total, nil
		}
	}
}

// Balance returns the wallet's available balance, serving from the
// cache when possible. Pure read, no ledger entry is created.
func (s *LedgerService) Balance(ctx context.Context, walletID uint64) (int64, error) {
	if bal, err := s.repo.GetCachedBalance(ctx, walletID); err == nil {
		return bal, nil
	}
	w, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID)
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheBalance(ctx, walletID, w.Balance); err != nil {
		s.log.Warn(err)
	}
	return w.Balance, nil
}

// History fetches recent ledger entries for a wallet.
func (s *LedgerService) History(ctx context.Context, walletID uint64, limit int, since time.Time) ([]model.CreditTransaction, error) {
	return s.repo.ListTransactions(ctx, walletID, limit, since)
}

// CreateWallet provisions a wallet with an optional starting balance.
func (s *LedgerService) CreateWallet(ctx context.Context, name string, initialBalance int64) (*model.Wallet, error) {
	if initialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	w := &model.Wallet{Name: name, Balance: initialBalance}
	if err := s.repo.CreateWallet(ctx, s.repo.DB(ctx), w); err != nil {
		return nil, err
	}
	return w, nil
}

// IssueAPIKey mints a new API key for the wallet.
func (s *LedgerService) IssueAPIKey(ctx context.Context, walletID uint64, label string) (*model.ApiKey, error) {
	if _, err := s.repo.GetWallet(ctx, s.repo.DB(ctx), walletID); err != nil {
		return nil, err
	}
	k := &model.ApiKey{WalletID: walletID, Key: model.GenerateKey(), Label: label, Active: true}
	if err := s.repo.CreateAPIKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// WalletByAPIKey resolves an API key to its wallet for the transport layer.
func (s *LedgerService) WalletByAPIKey(ctx context.Context, key string) (*model.Wallet, error) {
	return s.repo.GetWalletByAPIKey(ctx, key)
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}
