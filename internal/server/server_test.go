package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"auctionhouse/internal/client"
	"auctionhouse/internal/config"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	for _, m := range mutate {
		m(cfg)
	}

	srv := New(cfg, store.NewMemory(), WithLogger(discard))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not shut down")
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, addr, append([]client.Option{client.WithLogger(discard)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func register(t *testing.T, c *client.Client, name string) protocol.LoginResponse {
	t.Helper()
	res, err := c.Register(testCtx(t), name, "secret-"+name)
	require.NoError(t, err)
	require.True(t, res.OK)
	return res
}

func waitEvent(t *testing.T, c *client.Client, typ protocol.Type) protocol.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-c.Events():
			require.True(t, ok, "connection closed while waiting for %s", typ)
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func decode[T any](t *testing.T, payload []byte) T {
	t.Helper()
	v, err := protocol.DecodePayload[T](payload)
	require.NoError(t, err)
	return v
}

// auctionRoom registers a seller, opens a room with one item and returns the
// seller's client with the room and item ids.
func auctionRoom(t *testing.T, addr string, item protocol.CreateItemRequest, opts ...client.Option) (*client.Client, int64, int64) {
	t.Helper()
	ctx := testCtx(t)

	seller := dial(t, addr, opts...)
	register(t, seller, "seller")

	roomID, err := seller.CreateRoom(ctx, "Antiques", "old things")
	require.NoError(t, err)
	require.NoError(t, seller.JoinRoom(ctx, roomID))

	itemID, err := seller.CreateItem(ctx, item)
	require.NoError(t, err)
	return seller, roomID, itemID
}

func vase() protocol.CreateItemRequest {
	return protocol.CreateItemRequest{
		Name:        "Vase",
		StartPrice:  90,
		BuyNowPrice: 500,
		DurationSec: 3600,
	}
}

func TestRegisterAndAccounts(t *testing.T) {
	_, addr := newTestServer(t)
	c := dial(t, addr)
	ctx := testCtx(t)

	res := register(t, c, "alice")
	require.NotZero(t, res.UserID)
	require.NotEmpty(t, res.Token)

	_, err := c.Register(ctx, "alice", "another")
	require.True(t, client.IsCode(err, protocol.CodeConflict), "got %v", err)

	balance, err := c.Deposit(ctx, 500)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	_, err = c.Redeem(ctx, 600)
	require.True(t, client.IsCode(err, protocol.CodeInsufficientFunds), "got %v", err)

	balance, err = c.Redeem(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(400), balance)

	_, err = c.Deposit(ctx, -5)
	require.True(t, client.IsCode(err, protocol.CodeBadRequest), "got %v", err)

	hist, err := c.History(ctx)
	require.NoError(t, err)
	require.Len(t, hist.Entries, 2)
	require.Equal(t, "redeem", hist.Entries[0].Kind)
	require.Equal(t, int64(-100), hist.Entries[0].Amount)
	require.Equal(t, "deposit", hist.Entries[1].Kind)
}

func TestLoginLogout(t *testing.T) {
	_, addr := newTestServer(t)
	ctx := testCtx(t)

	first := dial(t, addr)
	reg := register(t, first, "alice")
	require.NoError(t, first.Logout(ctx, reg.Token))

	_, err := first.Deposit(ctx, 10)
	require.True(t, client.IsCode(err, protocol.CodeUnauthorized), "got %v", err)

	_, err = first.Login(ctx, "alice", "wrong")
	require.True(t, client.IsCode(err, protocol.CodeInvalidCreds), "got %v", err)
	_, err = first.Login(ctx, "nobody", "secret")
	require.True(t, client.IsCode(err, protocol.CodeInvalidCreds), "got %v", err)

	res, err := first.Login(ctx, "alice", "secret-alice")
	require.NoError(t, err)
	require.Equal(t, reg.UserID, res.UserID)
	require.NotEqual(t, reg.Token, res.Token)

	err = first.Logout(ctx, reg.Token)
	require.True(t, client.IsCode(err, protocol.CodeUnauthorized), "stale token must not log out, got %v", err)
}

func TestStateRequirements(t *testing.T) {
	_, addr := newTestServer(t)
	c := dial(t, addr)
	ctx := testCtx(t)

	_, err := c.ListRooms(ctx, "")
	require.True(t, client.IsCode(err, protocol.CodeUnauthorized), "got %v", err)

	register(t, c, "alice")

	_, err = c.ViewItems(ctx)
	require.True(t, client.IsCode(err, protocol.CodeNotInRoom), "got %v", err)
	err = c.LeaveRoom(ctx)
	require.True(t, client.IsCode(err, protocol.CodeNotInRoom), "got %v", err)

	err = c.JoinRoom(ctx, 999)
	require.True(t, client.IsCode(err, protocol.CodeNotFound), "got %v", err)
}

func TestRoomsAndItems(t *testing.T) {
	srv, addr := newTestServer(t)
	seller, roomID, itemID := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	rooms, err := seller.ListRooms(ctx, "antiq")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, roomID, rooms[0].ID)
	require.Equal(t, 1, rooms[0].UserCount)
	require.True(t, rooms[0].Active)

	items, err := seller.ViewItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, itemID, items[0].ID)
	require.Equal(t, int64(90), items[0].CurrentPrice)
	require.Equal(t, "active", items[0].Status)

	found, err := seller.SearchItems(ctx, "vas")
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = seller.CreateItem(ctx, protocol.CreateItemRequest{Name: "Bad", StartPrice: 100, BuyNowPrice: 50, DurationSec: 60})
	require.True(t, client.IsCode(err, protocol.CodeBadRequest), "got %v", err)

	require.NoError(t, seller.LeaveRoom(ctx))
	sess, _, ok := srv.Registry().ByUser(items[0].SellerID)
	require.True(t, ok)
	require.False(t, sess.InRoom())
}

func TestBidBroadcastsToRoom(t *testing.T) {
	srv, addr := newTestServer(t)
	seller, roomID, itemID := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	bidder := dial(t, addr)
	register(t, bidder, "bob")
	_, err := bidder.Deposit(ctx, 1000)
	require.NoError(t, err)

	_, err = bidder.Bid(ctx, itemID, 100)
	require.True(t, client.IsCode(err, protocol.CodeNotInRoom), "got %v", err)

	require.NoError(t, bidder.JoinRoom(ctx, roomID))

	price, err := bidder.Bid(ctx, itemID, 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), price)

	notify := decode[protocol.BidNotify](t, waitEvent(t, seller, protocol.TypeBidNotify).Payload)
	require.Equal(t, itemID, notify.ItemID)
	require.Equal(t, int64(100), notify.NewPrice)
	require.Equal(t, "bob", notify.BidderName)

	_, err = bidder.Bid(ctx, itemID, 80)
	require.True(t, client.IsCode(err, protocol.CodeBidTooLow), "got %v", err)
	_, err = bidder.Bid(ctx, itemID, 100)
	require.True(t, client.IsCode(err, protocol.CodeBidTooLow), "got %v", err)

	_, err = seller.Bid(ctx, itemID, 200)
	require.True(t, client.IsCode(err, protocol.CodeOwnItem), "got %v", err)

	it, err := srv.Engine().Store().Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(100), it.CurrentPrice)
	require.Equal(t, 1, it.BidCount)
}

func TestBuyNow(t *testing.T) {
	_, addr := newTestServer(t)
	seller, roomID, itemID := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	buyers := make([]*client.Client, 2)
	for i, name := range []string{"bob", "carol"} {
		buyers[i] = dial(t, addr)
		register(t, buyers[i], name)
		_, err := buyers[i].Deposit(ctx, 1000)
		require.NoError(t, err)
		require.NoError(t, buyers[i].JoinRoom(ctx, roomID))
	}

	paid, err := buyers[0].BuyNow(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(500), paid)

	_, err = buyers[1].BuyNow(ctx, itemID)
	require.True(t, client.IsCode(err, protocol.CodeAlreadySold), "got %v", err)
	_, err = buyers[1].Bid(ctx, itemID, 600)
	require.True(t, client.IsCode(err, protocol.CodeAlreadySold), "got %v", err)

	sold := decode[protocol.ItemSold](t, waitEvent(t, seller, protocol.TypeItemSold).Payload)
	require.Equal(t, itemID, sold.ItemID)
	require.Equal(t, "bob", sold.WinnerName)
	require.Equal(t, int64(500), sold.FinalPrice)

	balance, err := buyers[0].Deposit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(501), balance)
	balance, err = seller.Deposit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(501), balance)
}

func TestChatExcludesSender(t *testing.T) {
	_, addr := newTestServer(t)
	seller, roomID, _ := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	bob := dial(t, addr)
	register(t, bob, "bob")
	require.NoError(t, bob.JoinRoom(ctx, roomID))

	require.NoError(t, bob.Chat(ctx, "hello room"))

	chat := decode[protocol.ChatNotify](t, waitEvent(t, seller, protocol.TypeChatNotify).Payload)
	require.Equal(t, "bob", chat.SenderName)
	require.Equal(t, "hello room", chat.Text)

	// Frames on one connection are handled in order, so any echo would be
	// queued before this response.
	_, err := bob.ViewItems(ctx)
	require.NoError(t, err)
	for {
		select {
		case msg := <-bob.Events():
			require.NotEqual(t, protocol.TypeChatNotify, msg.Type)
			continue
		default:
		}
		break
	}

	require.NoError(t, bob.Chat(ctx, "   "))
	errMsg := waitEvent(t, bob, protocol.TypeError)
	require.Equal(t, protocol.CodeBadRequest, decode[protocol.Result](t, errMsg.Payload).Code)
}

func TestLoginSupersedesOldSession(t *testing.T) {
	srv, addr := newTestServer(t)
	seller, roomID, _ := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	newer := dial(t, addr)
	res, err := newer.Login(ctx, "seller", "secret-seller")
	require.NoError(t, err)

	waitEvent(t, seller, protocol.TypeSessionSuperseded)
	select {
	case <-seller.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("superseded connection was not closed")
	}

	sess, _, ok := srv.Registry().ByUser(res.UserID)
	require.True(t, ok)
	require.False(t, sess.InRoom())
	require.Empty(t, srv.Registry().RoomMembers(roomID))

	_, err = newer.Deposit(ctx, 5)
	require.NoError(t, err)
}

func TestAuctionSettlesAtEndTime(t *testing.T) {
	srv, addr := newTestServer(t, func(c *config.Config) {
		c.Auction.TimerInterval = 100 * time.Millisecond
	})
	item := vase()
	item.DurationSec = 1
	seller, roomID, itemID := auctionRoom(t, addr, item, client.WithEventBuffer(1024))
	ctx := testCtx(t)

	bob := dial(t, addr, client.WithEventBuffer(1024))
	register(t, bob, "bob")
	_, err := bob.Deposit(ctx, 1000)
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, roomID))
	_, err = bob.Bid(ctx, itemID, 150)
	require.NoError(t, err)

	timer := decode[protocol.TimerUpdate](t, waitEvent(t, seller, protocol.TypeTimerUpdate).Payload)
	require.Equal(t, itemID, timer.ItemID)
	require.LessOrEqual(t, timer.RemainingSec, uint32(1))

	sold := decode[protocol.ItemSold](t, waitEvent(t, seller, protocol.TypeItemSold).Payload)
	require.Equal(t, itemID, sold.ItemID)
	require.Equal(t, "bob", sold.WinnerName)
	require.Equal(t, int64(150), sold.FinalPrice)

	waitEvent(t, bob, protocol.TypeItemSold)

	it, err := srv.Engine().Store().Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, store.ItemSold, it.Status)

	balance, err := bob.Deposit(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(851), balance)

	require.Eventually(t, func() bool {
		for _, peer := range srv.Registry().Peers() {
			if peer.(*connection).tracker.Len() != 0 {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "reliable notices must be acknowledged")
	require.Zero(t, srv.deliveryFailures.Load())
}

// rawConn speaks frames directly so tests can control flags and request ids.
type rawConn struct {
	t  *testing.T
	nc net.Conn
	pc *protocol.Conn
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return &rawConn{t: t, nc: nc, pc: protocol.New(nc)}
}

func (r *rawConn) send(typ protocol.Type, flags protocol.Flags, id uint32, v any) []byte {
	r.t.Helper()
	payload, err := protocol.EncodePayload(v)
	require.NoError(r.t, err)
	frame, err := protocol.Encode(typ, flags, id, payload)
	require.NoError(r.t, err)
	require.NoError(r.t, r.pc.WriteFrame(testCtx(r.t), frame))
	return frame
}

// next returns the next frame that is not a broadcast.
func (r *rawConn) next() protocol.Message {
	r.t.Helper()
	for {
		msg, err := r.pc.ReadNext(testCtx(r.t))
		require.NoError(r.t, err)
		if !msg.Flags.Has(protocol.FlagBroadcast) {
			return msg
		}
	}
}

func (r *rawConn) call(typ protocol.Type, id uint32, v any) protocol.Message {
	r.t.Helper()
	r.send(typ, 0, id, v)
	msg := r.next()
	require.Equal(r.t, id, msg.RequestID)
	return msg
}

func TestRetransmittedBidIsNotReapplied(t *testing.T) {
	srv, addr := newTestServer(t)
	_, roomID, itemID := auctionRoom(t, addr, vase())
	ctx := testCtx(t)

	bob := dialRaw(t, addr)
	bob.call(protocol.TypeRegisterReq, 1, protocol.Credentials{Username: "bob", Password: "secret-bob"})
	bob.call(protocol.TypeDepositReq, 2, protocol.AmountRequest{Amount: 1000})
	bob.call(protocol.TypeJoinRoomReq, 3, protocol.RoomRequest{RoomID: roomID})

	bid := protocol.BidRequest{ItemID: itemID, Amount: 100}
	frame := bob.send(protocol.TypeBidReq, protocol.FlagRequiresAck, 4, bid)

	ack := bob.next()
	require.True(t, ack.Flags.Has(protocol.FlagIsAck))
	require.Equal(t, uint32(4), ack.RequestID)
	require.Equal(t, protocol.TypeBidReq, ack.Type)
	require.Empty(t, ack.Payload)

	first := bob.next()
	require.Equal(t, protocol.TypeBidRes, first.Type)
	require.True(t, decode[protocol.PriceResponse](t, first.Payload).OK)

	require.NoError(t, bob.pc.WriteFrame(ctx, protocol.MarkRetransmission(frame)))
	require.True(t, bob.next().Flags.Has(protocol.FlagIsAck))
	replayed := bob.next()
	require.Equal(t, first.Header, replayed.Header)
	require.Equal(t, first.Payload, replayed.Payload)

	it, err := srv.Engine().Store().Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, 1, it.BidCount)
	require.Equal(t, int64(100), it.CurrentPrice)

	// A retransmission nobody has seen yet is processed normally.
	bob.send(protocol.TypeBidReq, protocol.FlagRetransmit, 5, protocol.BidRequest{ItemID: itemID, Amount: 150})
	res := bob.next()
	require.Equal(t, uint32(5), res.RequestID)
	require.Equal(t, int64(150), decode[protocol.PriceResponse](t, res.Payload).Price)
}

func TestNonRequestTypeIsRejected(t *testing.T) {
	_, addr := newTestServer(t)
	raw := dialRaw(t, addr)

	msg := raw.call(protocol.TypeBidNotify, 7, protocol.BidNotify{ItemID: 1})
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, protocol.CodeUnsupported, decode[protocol.Result](t, msg.Payload).Code)
}

func TestProtocolViolationClosesConnection(t *testing.T) {
	srv, addr := newTestServer(t)
	raw := dialRaw(t, addr)

	raw.call(protocol.TypeRegisterReq, 1, protocol.Credentials{Username: "bob", Password: "secret-bob"})
	require.Equal(t, 1, srv.Registry().Len())

	bad := make([]byte, protocol.HeaderLen)
	bad[0] = 0x7f
	_, err := raw.nc.Write(bad)
	require.NoError(t, err)

	_, err = raw.pc.ReadNext(testCtx(t))
	require.Error(t, err)
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestRegistryFullRejectsConnection(t *testing.T) {
	srv, addr := newTestServer(t, func(c *config.Config) { c.Server.MaxSessions = 1 })

	first := dial(t, addr)
	register(t, first, "alice")
	require.Equal(t, 1, srv.Registry().Len())

	second := dialRaw(t, addr)
	msg, err := second.pc.ReadNext(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, msg.Type)
	require.Equal(t, protocol.CodeRoomFull, decode[protocol.Result](t, msg.Payload).Code)

	_, err = second.pc.ReadNext(testCtx(t))
	require.ErrorIs(t, err, io.EOF)
}

func TestHealthAndWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.HTTPHandler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status     string         `json:"status"`
		Sessions   int            `json:"sessions"`
		Components map[string]any `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "memory", health.Components["store"])

	ws, err := client.DialWebSocket("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", client.WithLogger(discard))
	require.NoError(t, err)
	defer ws.Close()

	res, err := ws.Register(testCtx(t), "wsuser", "secret-ws")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, srv.Registry().Len())

	dbg, err := http.Get(ts.URL + "/debug/sessions")
	require.NoError(t, err)
	defer dbg.Body.Close()
	var listing struct {
		Count    int `json:"count"`
		Sessions []struct {
			Username string `json:"username"`
			State    string `json:"state"`
		} `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(dbg.Body).Decode(&listing))
	require.Equal(t, 1, listing.Count)
	require.Equal(t, "wsuser", listing.Sessions[0].Username)
}

func TestShutdownWaitsForWebSocketSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost
	srv := New(cfg, store.NewMemory(), WithLogger(discard))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(srv.HTTPHandler(context.Background()))
	defer ts.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	ws, err := client.DialWebSocket("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", client.WithLogger(discard))
	require.NoError(t, err)
	defer ws.Close()
	register(t, ws, "drain")
	require.Equal(t, int64(1), srv.live.Load())

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.Zero(t, srv.live.Load())
	require.Zero(t, srv.Registry().Len())

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("websocket client still connected after shutdown")
	}

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
