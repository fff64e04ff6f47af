// Package auction implements the bid engine and account operations on top of
// a transactional store.
//
// Every price-changing operation follows the same shape: begin a transaction,
// lock the item row, validate against the locked state, write, commit.
// Concurrent operations on one item are therefore totally ordered by lock
// acquisition, and a rejected operation leaves no partial effects.
package auction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"auctionhouse/internal/store"
)

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMaxDuration caps the auction length accepted by CreateItem.
func WithMaxDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxDuration = d
		}
	}
}

type Engine struct {
	store       store.Store
	logger      *slog.Logger
	now         func() time.Time
	maxDuration time.Duration
}

func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		logger:      slog.Default(),
		now:         time.Now,
		maxDuration: 7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store for read-only queries.
func (e *Engine) Store() store.Store { return e.store }

// checkOpen rejects operations on items that can no longer trade.
func (e *Engine) checkOpen(it store.Item) error {
	switch it.Status {
	case store.ItemSold:
		return ErrAlreadySold
	case store.ItemClosed:
		return ErrAuctionEnded
	}
	if !e.now().Before(it.EndsAt) {
		return ErrAuctionEnded
	}
	return nil
}

// PlaceBid raises the price of itemID to amount if amount is strictly above
// the current price at the moment the item lock is acquired. It returns the
// item as committed.
func (e *Engine) PlaceBid(ctx context.Context, bidderID, itemID, amount int64) (store.Item, error) {
	if amount <= 0 {
		return store.Item{}, ErrInvalidAmount
	}

	var out store.Item
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if err := e.checkOpen(it); err != nil {
			return err
		}
		if it.SellerID == bidderID {
			return ErrOwnItem
		}
		if amount <= it.CurrentPrice {
			return ErrBidTooLow
		}

		bidder, err := tx.LockUser(ctx, bidderID)
		if err != nil {
			return storeErr(err, ErrUserNotFound)
		}
		if bidder.Balance < amount {
			return ErrInsufficientFunds
		}

		it.CurrentPrice = amount
		it.WinnerID = bidderID
		it.BidCount++
		if err := tx.UpdateItem(ctx, it); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if _, err := tx.InsertBid(ctx, store.Bid{ItemID: itemID, UserID: bidderID, Amount: amount}); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		out = it
		return nil
	})
	if err != nil {
		return store.Item{}, storeErr(err, ErrItemNotFound)
	}

	e.logger.Debug("bid accepted", "item_id", itemID, "bidder_id", bidderID, "price", amount)
	return out, nil
}

// BuyNow sells itemID to buyerID at its buy-now price. The first buy-now to
// commit wins; later ones fail with ErrAlreadySold.
func (e *Engine) BuyNow(ctx context.Context, buyerID, itemID int64) (store.Item, error) {
	var out store.Item
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if err := e.checkOpen(it); err != nil {
			return err
		}
		if it.BuyNowPrice <= 0 {
			return ErrNoBuyNow
		}
		if it.SellerID == buyerID {
			return ErrOwnItem
		}

		price := it.BuyNowPrice
		if err := e.transfer(ctx, tx, buyerID, it.SellerID, it.ID, price); err != nil {
			return err
		}

		// The buy-now price can sit below a standing bid; the price never
		// moves down.
		if price > it.CurrentPrice {
			it.CurrentPrice = price
		}
		it.WinnerID = buyerID
		it.Status = store.ItemSold
		it.BidCount++
		if err := tx.UpdateItem(ctx, it); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if _, err := tx.InsertBid(ctx, store.Bid{ItemID: itemID, UserID: buyerID, Amount: price}); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		out = it
		return nil
	})
	if err != nil {
		return store.Item{}, storeErr(err, ErrItemNotFound)
	}

	e.logger.Info("item bought", "item_id", itemID, "buyer_id", buyerID, "price", out.BuyNowPrice)
	return out, nil
}

// transfer moves price from buyer to seller and records both sides in the
// transaction log. The item must already be locked by tx. User rows are
// locked in id order.
func (e *Engine) transfer(ctx context.Context, tx store.Tx, buyerID, sellerID, itemID, price int64) error {
	first, second := buyerID, sellerID
	if second < first {
		first, second = second, first
	}
	locked := make(map[int64]store.User, 2)
	for _, id := range []int64{first, second} {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return storeErr(err, ErrUserNotFound)
		}
		locked[id] = u
	}
	if locked[buyerID].Balance < price {
		return ErrInsufficientFunds
	}

	if _, err := tx.AdjustBalance(ctx, buyerID, -price); err != nil {
		if errors.Is(err, store.ErrNegativeBalance) {
			return ErrInsufficientFunds
		}
		return storeErr(err, ErrUserNotFound)
	}
	if _, err := tx.AdjustBalance(ctx, sellerID, price); err != nil {
		return storeErr(err, ErrUserNotFound)
	}
	if err := tx.InsertTransaction(ctx, store.Transaction{
		UserID: buyerID, Kind: store.TxPurchase, Amount: -price, ItemID: itemID,
	}); err != nil {
		return storeErr(err, ErrUserNotFound)
	}
	if err := tx.InsertTransaction(ctx, store.Transaction{
		UserID: sellerID, Kind: store.TxSale, Amount: price, ItemID: itemID,
	}); err != nil {
		return storeErr(err, ErrUserNotFound)
	}
	return nil
}
