package auction

import (
	"context"
	"errors"
	"time"

	"auctionhouse/internal/store"
)

// Settlement is the outcome of closing one expired auction.
type Settlement struct {
	Item  store.Item
	Sold  bool
	Price int64
}

// Remaining returns the whole seconds left on an active item, zero once it
// has ended.
func (e *Engine) Remaining(it store.Item) uint32 {
	d := it.EndsAt.Sub(e.now())
	if d <= 0 {
		return 0
	}
	return uint32((d + time.Second - 1) / time.Second)
}

// Settle closes itemID if its end time has passed. The highest bidder is
// charged and wins when their balance covers the bid; otherwise the item
// closes unsold. ok is false when the item was not due or already settled.
func (e *Engine) Settle(ctx context.Context, itemID int64) (s Settlement, ok bool, err error) {
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if it.Status != store.ItemActive || e.now().Before(it.EndsAt) {
			return nil
		}
		ok = true

		bids, err := tx.Bids(ctx, itemID)
		if err != nil {
			return storeErr(err, ErrItemNotFound)
		}

		it.Status = store.ItemClosed
		it.WinnerID = 0
		if len(bids) > 0 {
			top := bids[0]
			switch err := e.transfer(ctx, tx, top.UserID, it.SellerID, it.ID, top.Amount); {
			case err == nil:
				it.Status = store.ItemSold
				it.WinnerID = top.UserID
				s.Sold = true
				s.Price = top.Amount
			case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrUserNotFound):
				e.logger.Info("top bidder cannot pay, closing unsold",
					"item_id", itemID,
					"bidder_id", top.UserID,
					"amount", top.Amount,
				)
			default:
				return err
			}
		}

		if err := tx.UpdateItem(ctx, it); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		s.Item = it
		return nil
	})
	if err != nil {
		return Settlement{}, false, storeErr(err, ErrItemNotFound)
	}
	if ok {
		e.logger.Info("auction settled",
			"item_id", itemID,
			"sold", s.Sold,
			"winner_id", s.Item.WinnerID,
			"price", s.Price,
		)
	}
	return s, ok, nil
}

// SettleExpired settles every active item whose end time has passed. Items
// that fail to settle are logged and retried on the next call.
func (e *Engine) SettleExpired(ctx context.Context) ([]Settlement, error) {
	active, err := e.store.ActiveItems(ctx)
	if err != nil {
		return nil, storeErr(err, ErrItemNotFound)
	}

	now := e.now()
	var out []Settlement
	for _, it := range active {
		if now.Before(it.EndsAt) {
			continue
		}
		s, ok, err := e.Settle(ctx, it.ID)
		if err != nil {
			e.logger.Warn("settle failed", "item_id", it.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
