package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. Transactions take per-row locks on the
// items and users they lock or write, hold them until commit or rollback, and
// buffer writes until commit, so a locked row cannot change under its holder.
type Memory struct {
	itemLocks rowLocks
	userLocks rowLocks

	mu     sync.RWMutex
	now    func() time.Time
	nextID int64
	users  map[int64]User
	names  map[string]int64
	rooms  map[int64]Room
	items  map[int64]Item
	bids   map[int64][]Bid
	txlog  map[int64][]Transaction
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		now:   time.Now,
		users: make(map[int64]User),
		names: make(map[string]int64),
		rooms: make(map[int64]Room),
		items: make(map[int64]Item),
		bids:  make(map[int64][]Bid),
		txlog: make(map[int64][]Transaction),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) CreateUser(_ context.Context, username, passwordHash string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[username]; ok {
		return User{}, fmt.Errorf("user %q: %w", username, ErrConflict)
	}
	u := User{
		ID:           m.id(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    m.now(),
	}
	m.users[u.ID] = u
	m.names[username] = u.ID
	return u, nil
}

func (m *Memory) UserByName(_ context.Context, username string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.names[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) UserByID(_ context.Context, id int64) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) CreateRoom(_ context.Context, name, description string, createdBy int64) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[createdBy]; !ok {
		return Room{}, fmt.Errorf("room creator %d: %w", createdBy, ErrNotFound)
	}
	r := Room{
		ID:          m.id(),
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   m.now(),
	}
	m.rooms[r.ID] = r
	return r, nil
}

func (m *Memory) Room(_ context.Context, id int64) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) Rooms(_ context.Context, query string) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []Room
	for _, r := range m.rooms {
		if strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateItem(_ context.Context, item Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[item.RoomID]; !ok {
		return Item{}, fmt.Errorf("room %d: %w", item.RoomID, ErrNotFound)
	}
	item.ID = m.id()
	item.CreatedAt = m.now()
	if item.Status == "" {
		item.Status = ItemActive
	}
	if item.CurrentPrice == 0 {
		item.CurrentPrice = item.StartPrice
	}
	m.items[item.ID] = item
	return item, nil
}

func (m *Memory) Item(_ context.Context, id int64) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (m *Memory) ItemsByRoom(_ context.Context, roomID int64) ([]Item, error) {
	return m.filterItems(func(it Item) bool { return it.RoomID == roomID }), nil
}

func (m *Memory) SearchItems(_ context.Context, query string) ([]Item, error) {
	q := strings.ToLower(query)
	return m.filterItems(func(it Item) bool {
		return strings.Contains(strings.ToLower(it.Name), q)
	}), nil
}

func (m *Memory) ActiveItems(_ context.Context) ([]Item, error) {
	return m.filterItems(func(it Item) bool { return it.Status == ItemActive }), nil
}

func (m *Memory) filterItems(keep func(Item) bool) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Item
	for _, it := range m.items {
		if keep(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) History(_ context.Context, userID int64, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.txlog[userID]
	out := make([]Transaction, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		t := log[i]
		if it, ok := m.items[t.ItemID]; ok {
			t.ItemName = it.Name
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	tx := &memTx{
		m:       m,
		items:   make(map[int64]Item),
		users:   make(map[int64]User),
		deleted: make(map[int64]bool),
		held:    make(map[rowKey]bool),
	}
	defer tx.unlock()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// rowLocks hands out one lock per row id. A lock is a one-slot channel so
// waiting for it can observe ctx.
type rowLocks struct {
	mu   sync.Mutex
	rows map[int64]chan struct{}
}

func (l *rowLocks) get(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows == nil {
		l.rows = make(map[int64]chan struct{})
	}
	ch, ok := l.rows[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[id] = ch
	}
	return ch
}

type rowKey struct {
	user bool
	id   int64
}

// memTx buffers writes until commit. Reads see the buffered state first.
type memTx struct {
	m       *Memory
	items   map[int64]Item
	users   map[int64]User
	deleted map[int64]bool
	bids    []Bid
	txlog   []Transaction

	held     map[rowKey]bool
	acquired []chan struct{}
}

// lock takes the row lock for key unless the transaction already holds it.
func (t *memTx) lock(ctx context.Context, key rowKey) error {
	if t.held[key] {
		return nil
	}
	locks := &t.m.itemLocks
	if key.user {
		locks = &t.m.userLocks
	}
	ch := locks.get(key.id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.held[key] = true
	t.acquired = append(t.acquired, ch)
	return nil
}

func (t *memTx) lockItem(ctx context.Context, id int64) error {
	return t.lock(ctx, rowKey{id: id})
}

func (t *memTx) lockUser(ctx context.Context, id int64) error {
	return t.lock(ctx, rowKey{user: true, id: id})
}

func (t *memTx) unlock() {
	for i := len(t.acquired) - 1; i >= 0; i-- {
		<-t.acquired[i]
	}
	t.acquired = nil
}

func (t *memTx) item(id int64) (Item, bool) {
	if t.deleted[id] {
		return Item{}, false
	}
	if it, ok := t.items[id]; ok {
		return it, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	it, ok := t.m.items[id]
	return it, ok
}

func (t *memTx) user(id int64) (User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	u, ok := t.m.users[id]
	return u, ok
}

func (t *memTx) LockItem(ctx context.Context, id int64) (Item, error) {
	if err := t.lockItem(ctx, id); err != nil {
		return Item{}, err
	}
	it, ok := t.item(id)
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (t *memTx) LockUser(ctx context.Context, id int64) (User, error) {
	if err := t.lockUser(ctx, id); err != nil {
		return User{}, err
	}
	u, ok := t.user(id)
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (t *memTx) UpdateItem(ctx context.Context, item Item) error {
	if err := t.lockItem(ctx, item.ID); err != nil {
		return err
	}
	cur, ok := t.item(item.ID)
	if !ok {
		return ErrNotFound
	}
	cur.CurrentPrice = item.CurrentPrice
	cur.WinnerID = item.WinnerID
	cur.BidCount = item.BidCount
	cur.Status = item.Status
	t.items[item.ID] = cur
	return nil
}

func (t *memTx) AdjustBalance(ctx context.Context, userID, delta int64) (int64, error) {
	if err := t.lockUser(ctx, userID); err != nil {
		return 0, err
	}
	u, ok := t.user(userID)
	if !ok {
		return 0, ErrNotFound
	}
	if u.Balance+delta < 0 {
		return u.Balance, ErrNegativeBalance
	}
	u.Balance += delta
	t.users[userID] = u
	return u.Balance, nil
}

func (t *memTx) InsertBid(ctx context.Context, bid Bid) (Bid, error) {
	if err := t.lockItem(ctx, bid.ItemID); err != nil {
		return Bid{}, err
	}
	if _, ok := t.item(bid.ItemID); !ok {
		return Bid{}, ErrNotFound
	}
	t.m.mu.Lock()
	bid.ID = t.m.id()
	bid.CreatedAt = t.m.now()
	t.m.mu.Unlock()
	t.bids = append(t.bids, bid)
	return bid, nil
}

func (t *memTx) Bids(_ context.Context, itemID int64) ([]Bid, error) {
	t.m.mu.RLock()
	out := append([]Bid(nil), t.m.bids[itemID]...)
	t.m.mu.RUnlock()

	for _, b := range t.bids {
		if b.ItemID == itemID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr Transaction) error {
	if _, ok := t.user(tr.UserID); !ok {
		return ErrNotFound
	}
	t.m.mu.Lock()
	tr.ID = t.m.id()
	tr.CreatedAt = t.m.now()
	t.m.mu.Unlock()
	t.txlog = append(t.txlog, tr)
	return nil
}

func (t *memTx) DeleteItem(ctx context.Context, id int64) error {
	if err := t.lockItem(ctx, id); err != nil {
		return err
	}
	if _, ok := t.item(id); !ok {
		return ErrNotFound
	}
	t.deleted[id] = true
	delete(t.items, id)
	return nil
}

func (t *memTx) commit() {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, it := range t.items {
		m.items[id] = it
	}
	for id, u := range t.users {
		m.users[id] = u
	}
	for _, b := range t.bids {
		m.bids[b.ItemID] = append(m.bids[b.ItemID], b)
	}
	for _, tr := range t.txlog {
		m.txlog[tr.UserID] = append(m.txlog[tr.UserID], tr)
	}
	for id := range t.deleted {
		delete(m.items, id)
		delete(m.bids, id)
	}
}
