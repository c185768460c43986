package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// Metered composes the three-step charging protocol around an arbitrary
// operation: reserve cost credits, run op, commit the reservation when
// op returns nil, reverse it otherwise. op's result is surfaced to the
// caller unchanged. A replayed idempotency key charges at most once but
// still runs op.
func (s *LedgerService) Metered(ctx context.Context, walletID uint64, cost int64, idemKey, note string, op func(context.Context) error) error {
	tx, _, err := s.Reserve(ctx, walletID, cost, NewRequestID(), idemKey, note)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if _, err := s.Reverse(ctx, tx.ID, "panic"); err != nil && !errors.Is(err, ErrInvalidTransition) {
				s.log.Errorf("reverse tx %d after panic: %v", tx.ID, err)
			}
			panic(r)
		}
	}()

	if opErr := op(ctx); opErr != nil {
		if _, err := s.Reverse(ctx, tx.ID, "operation failed"); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.log.Errorf("reverse tx %d: %v", tx.ID, err)
		}
		return opErr
	}
	if _, err := s.CommitWithRetry(ctx, tx.ID); err != nil {
		s.log.Errorf("commit tx %d: %v", tx.ID, err)
	}
	return nil
}

// NewRequestID returns an opaque correlation id, one per request attempt.
func NewRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
