package auction

import (
	"context"
	"errors"

	"auctionhouse/internal/store"
)

// Deposit credits amount to userID and returns the new balance.
func (e *Engine) Deposit(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return e.adjust(ctx, userID, amount, store.TxDeposit)
}

// Redeem debits amount from userID and returns the new balance. It fails
// with ErrInsufficientFunds rather than overdrawing.
func (e *Engine) Redeem(ctx context.Context, userID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return e.adjust(ctx, userID, -amount, store.TxRedeem)
}

func (e *Engine) adjust(ctx context.Context, userID, delta int64, kind store.TxKind) (int64, error) {
	var balance int64
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return storeErr(err, ErrUserNotFound)
		}
		if u.Balance+delta < 0 {
			return ErrInsufficientFunds
		}
		balance, err = tx.AdjustBalance(ctx, userID, delta)
		if errors.Is(err, store.ErrNegativeBalance) {
			return ErrInsufficientFunds
		}
		if err != nil {
			return storeErr(err, ErrUserNotFound)
		}
		return storeErr(tx.InsertTransaction(ctx, store.Transaction{
			UserID: userID,
			Kind:   kind,
			Amount: delta,
		}), ErrUserNotFound)
	})
	if err != nil {
		return 0, storeErr(err, ErrUserNotFound)
	}

	e.logger.Info("balance adjusted", "user_id", userID, "kind", kind, "amount", delta, "balance", balance)
	return balance, nil
}

// Balance returns the current balance of userID.
func (e *Engine) Balance(ctx context.Context, userID int64) (int64, error) {
	u, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return 0, storeErr(err, ErrUserNotFound)
	}
	return u.Balance, nil
}

// History returns the newest limit balance-log entries of userID.
func (e *Engine) History(ctx context.Context, userID int64, limit int) ([]store.Transaction, error) {
	txs, err := e.store.History(ctx, userID, limit)
	if err != nil {
		return nil, storeErr(err, ErrUserNotFound)
	}
	return txs, nil
}
