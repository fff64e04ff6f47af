// Package reliability provides at-least-once delivery for frames flagged
// requires-ack: the sender records each such frame until the peer's ACK
// arrives, retransmitting on timeout a bounded number of times.
//
// A Tracker belongs to exactly one sending side of one connection. It never
// deduplicates on the receiving side; receivers observe a retransmitted frame
// with the same request id and payload and must tolerate it.
package reliability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"auctionhouse/internal/protocol"
)

// Defaults for the acknowledgment protocol.
const (
	DefaultAckTimeout    = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultMaxPending    = 100
	DefaultSweepInterval = time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("tracker closed")

// Transport writes serialized frames to the peer.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Config tunes a Tracker. Zero fields take the defaults.
type Config struct {
	AckTimeout    time.Duration
	MaxRetries    int
	MaxPending    int
	SweepInterval time.Duration
	// WriteTimeout bounds each retransmission write. Zero means no bound.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// PendingDelivery tracks one unacknowledged reliable frame.
type PendingDelivery struct {
	RequestID uint32
	Type      protocol.Type
	Frame     []byte
	SentAt    time.Time
	Retries   int
	Active    bool
}

type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the time source used for timeouts.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithFailureHandler registers fn to be called once for every delivery that
// exhausts its retries. fn runs on the sweeping goroutine.
func WithFailureHandler(fn func(PendingDelivery)) Option {
	return func(t *Tracker) { t.onFailed = fn }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      Config
	tr       Transport
	logger   *slog.Logger
	now      func() time.Time
	onFailed func(PendingDelivery)

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*PendingDelivery
	closed  bool
}

func New(tr Transport, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		tr:      tr,
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[uint32]*PendingDelivery),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reserve allocates a fresh request id. Ids increase monotonically, skip
// zero, and never collide with an active PendingDelivery.
func (t *Tracker) Reserve() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserveLocked()
}

func (t *Tracker) reserveLocked() uint32 {
	for {
		t.nextID++
		if t.nextID == 0 {
			continue
		}
		if _, busy := t.pending[t.nextID]; busy {
			continue
		}
		return t.nextID
	}
}

// Send assigns a fresh request id and transmits the frame.
func (t *Tracker) Send(ctx context.Context, typ protocol.Type, flags protocol.Flags, payload []byte) (uint32, error) {
	id := t.Reserve()
	return id, t.SendAs(ctx, id, typ, flags, payload)
}

// SendAs transmits a frame under an id obtained from Reserve. If flags
// request acknowledgment (and the frame is not a broadcast) the frame is
// tracked until Ack or retry exhaustion. A full tracker sends the frame
// untracked.
func (t *Tracker) SendAs(ctx context.Context, id uint32, typ protocol.Type, flags protocol.Flags, payload []byte) error {
	frame, err := protocol.Encode(typ, flags, id, payload)
	if err != nil {
		return err
	}

	tracked := false
	if flags.Has(protocol.FlagRequiresAck) && !flags.Has(protocol.FlagBroadcast) {
		tracked, err = t.track(id, typ, frame)
		if err != nil {
			return err
		}
		if !tracked {
			t.logger.Warn("pending delivery table full, sending untracked",
				"request_id", id,
				"type", typ,
				"capacity", t.cfg.MaxPending,
			)
		}
	}

	if err := t.tr.WriteFrame(ctx, frame); err != nil {
		if tracked {
			t.forget(id)
		}
		return err
	}
	return nil
}

func (t *Tracker) track(id uint32, typ protocol.Type, frame []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, ErrClosed
	}
	if len(t.pending) >= t.cfg.MaxPending {
		return false, nil
	}
	t.pending[id] = &PendingDelivery{
		RequestID: id,
		Type:      typ,
		Frame:     frame,
		SentAt:    t.now(),
		Active:    true,
	}
	return true, nil
}

func (t *Tracker) forget(id uint32) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Ack deactivates the delivery for id. It reports whether an active delivery
// was found; an unknown or repeated ACK is a no-op.
func (t *Tracker) Ack(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pd, ok := t.pending[id]
	if !ok || !pd.Active {
		return false
	}
	pd.Active = false
	delete(t.pending, id)
	return true
}

// Sweep retransmits every delivery whose ACK is overdue and still has
// retries left, and fails those that have none. It returns the number of
// retransmissions and the failed deliveries.
func (t *Tracker) Sweep(ctx context.Context) (int, []PendingDelivery) {
	now := t.now()

	var (
		resend []*PendingDelivery
		frames [][]byte
		failed []PendingDelivery
	)

	t.mu.Lock()
	for id, pd := range t.pending {
		if !pd.Active || now.Sub(pd.SentAt) <= t.cfg.AckTimeout {
			continue
		}
		if pd.Retries >= t.cfg.MaxRetries {
			pd.Active = false
			delete(t.pending, id)
			failed = append(failed, *pd)
			continue
		}
		pd.Retries++
		pd.SentAt = now
		resend = append(resend, pd)
	}
	sort.Slice(resend, func(i, j int) bool { return resend[i].RequestID < resend[j].RequestID })
	for _, pd := range resend {
		frames = append(frames, protocol.MarkRetransmission(pd.Frame))
	}
	t.mu.Unlock()

	for i, frame := range frames {
		wctx, cancel := t.writeContext(ctx)
		err := t.tr.WriteFrame(wctx, frame)
		cancel()
		if err != nil {
			t.logger.Debug("retransmission failed",
				"request_id", resend[i].RequestID,
				"error", err,
			)
		}
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].RequestID < failed[j].RequestID })
	for _, pd := range failed {
		t.logger.Warn("delivery failed after retries",
			"request_id", pd.RequestID,
			"type", pd.Type,
			"retries", pd.Retries,
		)
		if t.onFailed != nil {
			t.onFailed(pd)
		}
	}
	return len(frames), failed
}

func (t *Tracker) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.WriteTimeout > 0 {
		return context.WithTimeout(ctx, t.cfg.WriteTimeout)
	}
	return context.WithCancel(ctx)
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Pending returns a copy of the active delivery for id.
func (t *Tracker) Pending(id uint32) (PendingDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pd, ok := t.pending[id]
	if !ok {
		return PendingDelivery{}, false
	}
	return *pd, true
}

// Len returns the number of active deliveries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close drops all pending deliveries without reporting them and rejects
// further reliable sends.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.pending)
}
