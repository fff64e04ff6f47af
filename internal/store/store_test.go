package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auctionhouse/internal/config"
	"auctionhouse/internal/migrations"
)

// backends returns every Store implementation available to the test run.
// Postgres runs only when AUCTION_TEST_DATABASE_URL points at a scratch
// database.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
	}
	dsn := os.Getenv("AUCTION_TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	out["postgres"] = func(t *testing.T) Store {
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)
		_, err = db.Exec(`DROP TABLE IF EXISTS transactions, bids, items, rooms, users, schema_migrations`)
		require.NoError(t, err)
		_, err = migrations.Run(db, nil)
		require.NoError(t, err)
		p := NewPostgres(db, nil)
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

type fixture struct {
	seller, buyer User
	room          Room
	item          Item
}

func seed(t *testing.T, s Store) fixture {
	t.Helper()
	ctx := context.Background()

	seller, err := s.CreateUser(ctx, "seller", "hash")
	require.NoError(t, err)
	buyer, err := s.CreateUser(ctx, "buyer", "hash")
	require.NoError(t, err)
	room, err := s.CreateRoom(ctx, "Vintage Cameras", "old glass", seller.ID)
	require.NoError(t, err)
	item, err := s.CreateItem(ctx, Item{
		RoomID:      room.ID,
		Name:        "Leica M3",
		StartPrice:  100,
		BuyNowPrice: 500,
		SellerID:    seller.ID,
		EndsAt:      time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return fixture{seller: seller, buyer: buyer, room: room, item: item}
}

func TestUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		u, err := s.CreateUser(ctx, "alice", "hash")
		require.NoError(t, err)
		require.NotZero(t, u.ID)
		require.Zero(t, u.Balance)

		_, err = s.CreateUser(ctx, "alice", "other")
		require.ErrorIs(t, err, ErrConflict)

		got, err := s.UserByName(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
		require.Equal(t, "hash", got.PasswordHash)

		_, err = s.UserByName(ctx, "bob")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.UserByID(ctx, u.ID+1000)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRoomsAndItems(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		_, err := s.CreateRoom(ctx, "Stamps", "", f.seller.ID)
		require.NoError(t, err)

		rooms, err := s.Rooms(ctx, "")
		require.NoError(t, err)
		require.Len(t, rooms, 2)

		rooms, err = s.Rooms(ctx, "camera")
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		require.Equal(t, f.room.ID, rooms[0].ID)

		require.Equal(t, ItemActive, f.item.Status)
		require.Equal(t, int64(100), f.item.CurrentPrice)

		items, err := s.ItemsByRoom(ctx, f.room.ID)
		require.NoError(t, err)
		require.Len(t, items, 1)

		items, err = s.SearchItems(ctx, "leica")
		require.NoError(t, err)
		require.Len(t, items, 1)

		items, err = s.SearchItems(ctx, "nikon")
		require.NoError(t, err)
		require.Empty(t, items)

		active, err := s.ActiveItems(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
	})
}

func TestTxCommitAndRollback(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.AdjustBalance(ctx, f.buyer.ID, 1000); err != nil {
				return err
			}
			return tx.InsertTransaction(ctx, Transaction{UserID: f.buyer.ID, Kind: TxDeposit, Amount: 1000})
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.InTx(ctx, func(tx Tx) error {
			it, err := tx.LockItem(ctx, f.item.ID)
			if err != nil {
				return err
			}
			it.CurrentPrice = 999
			if err := tx.UpdateItem(ctx, it); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, f.buyer.ID, -500); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		u, err := s.UserByID(ctx, f.buyer.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1000), u.Balance)

		it, err := s.Item(ctx, f.item.ID)
		require.NoError(t, err)
		require.Equal(t, int64(100), it.CurrentPrice)

		hist, err := s.History(ctx, f.buyer.ID, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		require.Equal(t, TxDeposit, hist[0].Kind)
	})
}

func TestAdjustBalanceNeverNegative(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.AdjustBalance(ctx, f.buyer.ID, -1)
			return err
		})
		require.ErrorIs(t, err, ErrNegativeBalance)
	})
}

func TestBidsOrderedByAmount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			for _, amt := range []int64{150, 300, 200} {
				if _, err := tx.InsertBid(ctx, Bid{ItemID: f.item.ID, UserID: f.buyer.ID, Amount: amt}); err != nil {
					return err
				}
			}
			bids, err := tx.Bids(ctx, f.item.ID)
			if err != nil {
				return err
			}
			require.Len(t, bids, 3)
			require.Equal(t, int64(300), bids[0].Amount)
			require.Equal(t, int64(150), bids[2].Amount)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestDeleteItem(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.DeleteItem(ctx, f.item.ID)
		}))
		_, err := s.Item(ctx, f.item.ID)
		require.ErrorIs(t, err, ErrNotFound)

		err = s.InTx(ctx, func(tx Tx) error {
			_, err := tx.LockItem(ctx, f.item.ID)
			return err
		})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		for i := 1; i <= 5; i++ {
			amount := int64(i * 10)
			require.NoError(t, s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.AdjustBalance(ctx, f.buyer.ID, amount); err != nil {
					return err
				}
				return tx.InsertTransaction(ctx, Transaction{UserID: f.buyer.ID, Kind: TxDeposit, Amount: amount})
			}))
		}

		hist, err := s.History(ctx, f.buyer.ID, 3)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		require.Equal(t, int64(50), hist[0].Amount)
		require.Equal(t, int64(30), hist[2].Amount)
	})
}

func TestConcurrentTransactionsSerializeOnItem(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.InTx(ctx, func(tx Tx) error {
					it, err := tx.LockItem(ctx, f.item.ID)
					if err != nil {
						return err
					}
					it.BidCount++
					return tx.UpdateItem(ctx, it)
				})
			}()
		}
		wg.Wait()

		it, err := s.Item(ctx, f.item.ID)
		require.NoError(t, err)
		require.Equal(t, workers, it.BidCount)
	})
}

func TestTransactionsOnDifferentItemsRunInParallel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)
		other, err := s.CreateItem(ctx, Item{
			RoomID:     f.room.ID,
			Name:       "Rolleiflex",
			StartPrice: 50,
			SellerID:   f.seller.ID,
			EndsAt:     time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		locked := make(chan struct{})
		release := make(chan struct{})
		holder := make(chan error, 1)
		go func() {
			holder <- s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockItem(ctx, f.item.ID); err != nil {
					return err
				}
				close(locked)
				<-release
				return nil
			})
		}()
		<-locked

		done := make(chan error, 1)
		go func() {
			done <- s.InTx(ctx, func(tx Tx) error {
				it, err := tx.LockItem(ctx, other.ID)
				if err != nil {
					return err
				}
				it.BidCount++
				return tx.UpdateItem(ctx, it)
			})
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("transaction on one item waited for a lock held on another")
		}
		close(release)
		require.NoError(t, <-holder)

		it, err := s.Item(ctx, other.ID)
		require.NoError(t, err)
		require.Equal(t, 1, it.BidCount)
	})
}

func TestLockWaitHonoursContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		locked := make(chan struct{})
		release := make(chan struct{})
		holder := make(chan error, 1)
		go func() {
			holder <- s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockUser(ctx, f.buyer.ID); err != nil {
					return err
				}
				close(locked)
				<-release
				return nil
			})
		}()
		<-locked
		defer func() {
			close(release)
			require.NoError(t, <-holder)
		}()

		wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := s.InTx(wctx, func(tx Tx) error {
			_, err := tx.AdjustBalance(wctx, f.buyer.ID, 10)
			return err
		})
		require.Error(t, err)

		u, err := s.UserByID(ctx, f.buyer.ID)
		require.NoError(t, err)
		require.Zero(t, u.Balance)
	})
}

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := seed(t, s)

		_, err := s.CreateRoom(ctx, "100% Vinyl", "", f.seller.ID)
		require.NoError(t, err)
		_, err = s.CreateItem(ctx, Item{
			RoomID:     f.room.ID,
			Name:       "lens_cap",
			StartPrice: 5,
			SellerID:   f.seller.ID,
			EndsAt:     time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		items, err := s.SearchItems(ctx, "_")
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, "lens_cap", items[0].Name)

		items, err = s.SearchItems(ctx, "%")
		require.NoError(t, err)
		require.Empty(t, items)

		rooms, err := s.Rooms(ctx, "%")
		require.NoError(t, err)
		require.Len(t, rooms, 1)
		require.Equal(t, "100% Vinyl", rooms[0].Name)
	})
}

func TestContainsPattern(t *testing.T) {
	require.Equal(t, "%leica%", containsPattern("leica"))
	require.Equal(t, `%50\% off\_sale\\%`, containsPattern(`50% off_sale\`))
	require.Equal(t, "%%", containsPattern(""))
}

func TestBuildConnString(t *testing.T) {
	got := BuildConnString(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		Name:     "auctions",
		User:     "auction",
		Password: "p@ss word/1",
	})

	u, err := url.Parse(got)
	require.NoError(t, err)
	require.Equal(t, "postgres", u.Scheme)
	require.Equal(t, "db.internal:5433", u.Host)
	require.Equal(t, "/auctions", u.Path)
	pw, ok := u.User.Password()
	require.True(t, ok)
	require.Equal(t, "p@ss word/1", pw)
	require.Equal(t, "disable", u.Query().Get("sslmode"))

	got = BuildConnString(config.DatabaseConfig{Host: "h", Port: 1, Name: "n", User: "u", SSLMode: "require"})
	require.Contains(t, got, fmt.Sprintf("sslmode=%s", "require"))
}
