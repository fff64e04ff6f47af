package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"auctionhouse/internal/config"
	"auctionhouse/internal/migrations"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Postgres is a Store backed by PostgreSQL through lib/pq.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := migrations.Run(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("connected to postgres", "host", cfg.Host, "database", cfg.Name)
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgres wraps an existing, already migrated connection pool.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	u := User{Username: username, PasswordHash: passwordHash}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, balance, created_at
	`, username, passwordHash).Scan(&u.ID, &u.Balance, &u.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("user %q: %w", username, ErrConflict)
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

const userColumns = `id, username, password_hash, balance, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Balance, &u.CreatedAt)
	return u, notFound(err)
}

func (p *Postgres) UserByName(ctx context.Context, username string) (User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (p *Postgres) UserByID(ctx context.Context, id int64) (User, error) {
	return scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) CreateRoom(ctx context.Context, name, description string, createdBy int64) (Room, error) {
	r := Room{Name: name, Description: description, CreatedBy: createdBy}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rooms (name, description, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, name, description, createdBy).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	return r, nil
}

const roomColumns = `id, name, description, created_by, created_at`

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedBy, &r.CreatedAt)
	return r, notFound(err)
}

func (p *Postgres) Room(ctx context.Context, id int64) (Room, error) {
	return scanRoom(p.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (p *Postgres) Rooms(ctx context.Context, query string) ([]Room, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE name ILIKE $1 ESCAPE '\'
		ORDER BY id
	`, containsPattern(query))
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateItem(ctx context.Context, item Item) (Item, error) {
	if item.Status == "" {
		item.Status = ItemActive
	}
	if item.CurrentPrice == 0 {
		item.CurrentPrice = item.StartPrice
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO items (room_id, name, description, start_price, current_price,
			buy_now_price, seller_id, status, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`,
		item.RoomID,
		item.Name,
		item.Description,
		item.StartPrice,
		item.CurrentPrice,
		item.BuyNowPrice,
		item.SellerID,
		string(item.Status),
		item.EndsAt,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

const itemColumns = `id, room_id, name, description, start_price, current_price, buy_now_price,
	seller_id, winner_id, bid_count, status, ends_at, created_at`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var (
		it     Item
		winner sql.NullInt64
		status string
	)
	err := row.Scan(
		&it.ID,
		&it.RoomID,
		&it.Name,
		&it.Description,
		&it.StartPrice,
		&it.CurrentPrice,
		&it.BuyNowPrice,
		&it.SellerID,
		&winner,
		&it.BidCount,
		&status,
		&it.EndsAt,
		&it.CreatedAt,
	)
	if err != nil {
		return Item{}, notFound(err)
	}
	it.WinnerID = winner.Int64
	it.Status = ItemStatus(status)
	return it, nil
}

func queryItems(ctx context.Context, q queryer, query string, args ...any) ([]Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *Postgres) Item(ctx context.Context, id int64) (Item, error) {
	return scanItem(p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
}

func (p *Postgres) ItemsByRoom(ctx context.Context, roomID int64) ([]Item, error) {
	return queryItems(ctx, p.db,
		`SELECT `+itemColumns+` FROM items WHERE room_id = $1 ORDER BY id`, roomID)
}

func (p *Postgres) SearchItems(ctx context.Context, query string) ([]Item, error) {
	return queryItems(ctx, p.db,
		`SELECT `+itemColumns+` FROM items WHERE name ILIKE $1 ESCAPE '\' ORDER BY id`, containsPattern(query))
}

// likeEscaper makes user input match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern is the ILIKE pattern for names containing query.
func containsPattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}

func (p *Postgres) ActiveItems(ctx context.Context) ([]Item, error) {
	return queryItems(ctx, p.db,
		`SELECT `+itemColumns+` FROM items WHERE status = $1 ORDER BY id`, string(ItemActive))
}

func (p *Postgres) History(ctx context.Context, userID int64, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.kind, t.amount, t.item_id, COALESCE(i.name, ''), t.created_at
		FROM transactions t
		LEFT JOIN items i ON i.id = t.item_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t      Transaction
			kind   string
			itemID sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &itemID, &t.ItemName, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = TxKind(kind)
		t.ItemID = itemID.Int64
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockItem(ctx context.Context, id int64) (Item, error) {
	return scanItem(t.tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockUser(ctx context.Context, id int64) (User, error) {
	return scanUser(t.tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateItem(ctx context.Context, item Item) error {
	winner := sql.NullInt64{Int64: item.WinnerID, Valid: item.WinnerID != 0}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET current_price = $2, winner_id = $3, bid_count = $4, status = $5
		WHERE id = $1
	`, item.ID, item.CurrentPrice, winner, item.BidCount, string(item.Status))
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return requireRow(res)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID, delta int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE users
		SET balance = balance + $2
		WHERE id = $1 AND balance + $2 >= 0
		RETURNING balance
	`, userID, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := scanUser(t.tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)); lookupErr != nil {
			return 0, lookupErr
		}
		return 0, ErrNegativeBalance
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance: %w", err)
	}
	return balance, nil
}

func (t *pgTx) InsertBid(ctx context.Context, bid Bid) (Bid, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO bids (item_id, user_id, amount)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, bid.ItemID, bid.UserID, bid.Amount).Scan(&bid.ID, &bid.CreatedAt)
	if err != nil {
		return Bid{}, fmt.Errorf("insert bid: %w", err)
	}
	return bid, nil
}

func (t *pgTx) Bids(ctx context.Context, itemID int64) ([]Bid, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, item_id, user_id, amount, created_at
		FROM bids
		WHERE item_id = $1
		ORDER BY amount DESC, id ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.ID, &b.ItemID, &b.UserID, &b.Amount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr Transaction) error {
	itemID := sql.NullInt64{Int64: tr.ItemID, Valid: tr.ItemID != 0}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (user_id, kind, amount, item_id)
		VALUES ($1, $2, $3, $4)
	`, tr.UserID, string(tr.Kind), tr.Amount, itemID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteItem(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
