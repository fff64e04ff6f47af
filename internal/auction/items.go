package auction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"auctionhouse/internal/store"
)

// NewItem describes an item a seller puts up for auction.
type NewItem struct {
	Name        string
	Description string
	StartPrice  int64
	BuyNowPrice int64
	Duration    time.Duration
}

func (e *Engine) validateItem(n NewItem) error {
	switch {
	case strings.TrimSpace(n.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	case n.StartPrice <= 0:
		return fmt.Errorf("%w: start price must be positive", ErrInvalidItem)
	case n.BuyNowPrice < 0 || (n.BuyNowPrice > 0 && n.BuyNowPrice <= n.StartPrice):
		return fmt.Errorf("%w: buy-now price must be zero or above the start price", ErrInvalidItem)
	case n.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidItem)
	case n.Duration > e.maxDuration:
		return fmt.Errorf("%w: duration exceeds %s", ErrInvalidItem, e.maxDuration)
	}
	return nil
}

// CreateItem lists a new item in roomID on behalf of sellerID.
func (e *Engine) CreateItem(ctx context.Context, sellerID, roomID int64, n NewItem) (store.Item, error) {
	if err := e.validateItem(n); err != nil {
		return store.Item{}, err
	}
	if _, err := e.store.Room(ctx, roomID); err != nil {
		return store.Item{}, storeErr(err, ErrRoomNotFound)
	}

	it, err := e.store.CreateItem(ctx, store.Item{
		RoomID:       roomID,
		Name:         strings.TrimSpace(n.Name),
		Description:  n.Description,
		StartPrice:   n.StartPrice,
		CurrentPrice: n.StartPrice,
		BuyNowPrice:  n.BuyNowPrice,
		SellerID:     sellerID,
		Status:       store.ItemActive,
		EndsAt:       e.now().Add(n.Duration),
	})
	if err != nil {
		return store.Item{}, storeErr(err, ErrRoomNotFound)
	}

	e.logger.Info("item listed", "item_id", it.ID, "room_id", roomID, "seller_id", sellerID)
	return it, nil
}

// DeleteItem withdraws itemID. Only the seller may delete, and only while
// the item is active and has no bids.
func (e *Engine) DeleteItem(ctx context.Context, userID, itemID int64) (store.Item, error) {
	var out store.Item
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		it, err := tx.LockItem(ctx, itemID)
		if err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		if it.SellerID != userID {
			return ErrForbidden
		}
		switch it.Status {
		case store.ItemSold:
			return ErrAlreadySold
		case store.ItemClosed:
			return ErrAuctionEnded
		}
		if it.BidCount > 0 {
			return ErrHasBids
		}
		if err := tx.DeleteItem(ctx, itemID); err != nil {
			return storeErr(err, ErrItemNotFound)
		}
		out = it
		return nil
	})
	if err != nil {
		return store.Item{}, storeErr(err, ErrItemNotFound)
	}

	e.logger.Info("item deleted", "item_id", itemID, "seller_id", userID)
	return out, nil
}

// CreateRoom opens a new auction room.
func (e *Engine) CreateRoom(ctx context.Context, creatorID int64, name, description string) (store.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	r, err := e.store.CreateRoom(ctx, name, description, creatorID)
	if err != nil {
		return store.Room{}, storeErr(err, ErrUserNotFound)
	}
	e.logger.Info("room created", "room_id", r.ID, "creator_id", creatorID)
	return r, nil
}
