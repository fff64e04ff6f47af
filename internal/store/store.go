// Package store persists users, rooms, items, bids and the transaction log.
//
// Two implementations are provided: Postgres (lib/pq) for deployments and an
// in-memory store for tests and single-process runs. Both honour the same
// locking contract: rows read through Tx.LockItem and Tx.LockUser stay locked
// until the surrounding InTx call returns.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrClosed   = errors.New("store closed")

	// ErrNegativeBalance is returned by Tx.AdjustBalance when the result
	// would drop below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
)

type ItemStatus string

const (
	ItemActive ItemStatus = "active"
	ItemSold   ItemStatus = "sold"
	ItemClosed ItemStatus = "closed"
)

type TxKind string

const (
	TxDeposit  TxKind = "deposit"
	TxRedeem   TxKind = "redeem"
	TxPurchase TxKind = "purchase"
	TxSale     TxKind = "sale"
)

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Balance      int64
	CreatedAt    time.Time
}

type Room struct {
	ID          int64
	Name        string
	Description string
	CreatedBy   int64
	CreatedAt   time.Time
}

type Item struct {
	ID           int64
	RoomID       int64
	Name         string
	Description  string
	StartPrice   int64
	CurrentPrice int64
	BuyNowPrice  int64 // 0 = no buy-now
	SellerID     int64
	WinnerID     int64 // 0 = none
	BidCount     int
	Status       ItemStatus
	EndsAt       time.Time
	CreatedAt    time.Time
}

type Bid struct {
	ID        int64
	ItemID    int64
	UserID    int64
	Amount    int64
	CreatedAt time.Time
}

// Transaction is one entry of a user's balance log. Amount is signed from
// the user's point of view.
type Transaction struct {
	ID        int64
	UserID    int64
	Kind      TxKind
	Amount    int64
	ItemID    int64
	ItemName  string
	CreatedAt time.Time
}

// Store is the persistent state of the auction service.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	UserByName(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)

	CreateRoom(ctx context.Context, name, description string, createdBy int64) (Room, error)
	Room(ctx context.Context, id int64) (Room, error)
	// Rooms returns rooms whose name contains query, case-insensitively. An
	// empty query matches every room.
	Rooms(ctx context.Context, query string) ([]Room, error)

	CreateItem(ctx context.Context, item Item) (Item, error)
	Item(ctx context.Context, id int64) (Item, error)
	ItemsByRoom(ctx context.Context, roomID int64) ([]Item, error)
	SearchItems(ctx context.Context, query string) ([]Item, error)
	ActiveItems(ctx context.Context) ([]Item, error)

	// History returns the newest limit transactions of userID.
	History(ctx context.Context, userID int64, limit int) ([]Transaction, error)

	// InTx runs fn in a transaction. The transaction commits if fn returns
	// nil and rolls back otherwise. fn must only use tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the write side of the store. Lock order is item before user.
type Tx interface {
	LockItem(ctx context.Context, id int64) (Item, error)
	LockUser(ctx context.Context, id int64) (User, error)

	// UpdateItem writes the mutable fields of item: current price, winner,
	// bid count and status.
	UpdateItem(ctx context.Context, item Item) error
	// AdjustBalance adds delta to the user's balance and returns the result.
	AdjustBalance(ctx context.Context, userID, delta int64) (int64, error)
	InsertBid(ctx context.Context, bid Bid) (Bid, error)
	// Bids returns the bids on itemID, highest amount first.
	Bids(ctx context.Context, itemID int64) ([]Bid, error)
	InsertTransaction(ctx context.Context, t Transaction) error
	DeleteItem(ctx context.Context, id int64) error
}
