package auction

import (
	"errors"
	"fmt"

	"auctionhouse/internal/store"
)

// Business rejections. Each rolls back its transaction with no effects.
var (
	ErrBidTooLow         = errors.New("bid not above current price")
	ErrAlreadySold       = errors.New("item already sold")
	ErrItemNotFound      = errors.New("item not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAuctionEnded      = errors.New("auction ended")
	ErrOwnItem           = errors.New("cannot buy own item")
	ErrNoBuyNow          = errors.New("item has no buy-now price")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidItem       = errors.New("invalid item")
	ErrInvalidRoom       = errors.New("invalid room")
	ErrForbidden         = errors.New("not the seller")
	ErrHasBids           = errors.New("item already has bids")
)

// ErrStoreUnavailable wraps every failure of the persistent store that is
// not a business rejection.
var ErrStoreUnavailable = errors.New("store unavailable")

// storeErr maps a store error to the engine's taxonomy. notFound is the
// sentinel reported for store.ErrNotFound.
func storeErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound
	case isRejection(err):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func isRejection(err error) bool {
	for _, target := range []error{
		ErrBidTooLow, ErrAlreadySold, ErrItemNotFound, ErrUserNotFound, ErrRoomNotFound,
		ErrInsufficientFunds, ErrAuctionEnded, ErrOwnItem, ErrNoBuyNow,
		ErrInvalidAmount, ErrInvalidItem, ErrInvalidRoom, ErrForbidden, ErrHasBids,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
