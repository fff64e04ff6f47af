package server

import (
	"context"
	"errors"

	"auctionhouse/internal/auction"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/session"
)

// requirement is the session state a request type needs before dispatch.
type requirement int

const (
	needNothing requirement = iota
	needLogin
	needRoom
)

func (r requirement) check(sess session.Session) (code, message string) {
	switch {
	case r >= needLogin && !sess.Authenticated():
		return protocol.CodeUnauthorized, "login required"
	case r == needRoom && !sess.InRoom():
		return protocol.CodeNotInRoom, "join a room first"
	}
	return "", ""
}

type request struct {
	conn    *connection
	session session.Session
	msg     protocol.Message
}

type handlerFunc func(ctx context.Context, req *request) outcome

// route binds a request type to its handler and response type. A zero reply
// type means the request is answered only through side effects.
type route struct {
	reply protocol.Type
	need  requirement
	fn    handlerFunc
}

// outcome is what a handler produced: the direct response plus the events
// to fan out once the response is written.
type outcome struct {
	typ        protocol.Type // overrides the route's reply type when set
	reply      any
	broadcasts []broadcast
	notices    []notice
	after      func(ctx context.Context)
}

// broadcast goes to every member of room except one session. room NoRoom
// addresses every session.
type broadcast struct {
	room    int64
	exclude uint64
	typ     protocol.Type
	payload any
}

// notice is a reliable push to whichever session currently holds user.
type notice struct {
	user    int64
	typ     protocol.Type
	payload any
}

func reply(v any) outcome { return outcome{reply: v} }

func (s *Server) buildRoutes() map[protocol.Type]route {
	return map[protocol.Type]route{
		protocol.TypeLoginReq:    {protocol.TypeLoginRes, needNothing, s.handleLogin},
		protocol.TypeRegisterReq: {protocol.TypeRegisterRes, needNothing, s.handleRegister},
		protocol.TypeLogoutReq:   {protocol.TypeLogoutRes, needLogin, s.handleLogout},

		protocol.TypeDepositReq:     {protocol.TypeDepositRes, needLogin, s.handleDeposit},
		protocol.TypeRedeemReq:      {protocol.TypeRedeemRes, needLogin, s.handleRedeem},
		protocol.TypeViewHistoryReq: {protocol.TypeViewHistoryRes, needLogin, s.handleHistory},

		protocol.TypeJoinRoomReq:   {protocol.TypeJoinRoomRes, needLogin, s.handleJoinRoom},
		protocol.TypeLeaveRoomReq:  {protocol.TypeLeaveRoomRes, needRoom, s.handleLeaveRoom},
		protocol.TypeListRoomsReq:  {protocol.TypeListRoomsRes, needLogin, s.handleListRooms},
		protocol.TypeSearchItemReq: {protocol.TypeSearchItemRes, needLogin, s.handleSearchItems},
		protocol.TypeCreateRoomReq: {protocol.TypeCreateRoomRes, needLogin, s.handleCreateRoom},

		protocol.TypeViewItemsReq:  {protocol.TypeViewItemsRes, needRoom, s.handleViewItems},
		protocol.TypeBidReq:        {protocol.TypeBidRes, needRoom, s.handleBid},
		protocol.TypeBuyNowReq:     {protocol.TypeBuyNowRes, needRoom, s.handleBuyNow},
		protocol.TypeChatReq:       {0, needRoom, s.handleChat},
		protocol.TypeCreateItemReq: {protocol.TypeCreateItemRes, needRoom, s.handleCreateItem},
		protocol.TypeDeleteItemReq: {protocol.TypeDeleteItemRes, needRoom, s.handleDeleteItem},
	}
}

// dispatch runs the handler for msg and writes its response. Only a failed
// response write is returned; every other failure becomes a response.
func (s *Server) dispatch(ctx context.Context, c *connection, msg protocol.Message) error {
	rt, ok := s.routes[msg.Type]
	if !ok {
		return c.respond(ctx, msg, protocol.TypeError,
			protocol.Fail(protocol.CodeUnsupported, msg.Type.String()+" is not a request"))
	}

	sess, ok := s.registry.Get(c.id)
	if !ok {
		return nil
	}
	if code, text := rt.need.check(sess); code != "" {
		return c.respond(ctx, msg, protocol.TypeError, protocol.Fail(code, text))
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.Auction.StoreTimeout)
	out := rt.fn(hctx, &request{conn: c, session: sess, msg: msg})
	cancel()

	typ := rt.reply
	if out.typ != 0 {
		typ = out.typ
	}
	if err := c.respond(ctx, msg, typ, out.reply); err != nil {
		return err
	}
	s.fanOut(ctx, out)
	return nil
}

// respond writes the reply to msg and records it for duplicate detection.
func (c *connection) respond(ctx context.Context, msg protocol.Message, typ protocol.Type, v any) error {
	if typ == 0 || v == nil {
		c.replay.Put(msg.RequestID, nil)
		return nil
	}

	payload, err := protocol.EncodePayload(v)
	if err == nil {
		var frame []byte
		frame, err = c.pc.Encode(protocol.Message{
			Header:  protocol.Header{Type: typ, RequestID: msg.RequestID},
			Payload: payload,
		})
		if err == nil {
			c.replay.Put(msg.RequestID, frame)
			return c.write(ctx, frame)
		}
	}

	c.logger.Error("encoding response failed", "type", typ, "request_id", msg.RequestID, "error", err)
	c.sendError(ctx, msg.RequestID, protocol.CodeStoreUnavailable, "response could not be encoded")
	return nil
}

func (s *Server) fanOut(ctx context.Context, out outcome) {
	for _, b := range out.broadcasts {
		payload, err := protocol.EncodePayload(b.payload)
		if err != nil {
			s.logger.Error("encoding broadcast failed", "type", b.typ, "error", err)
			continue
		}
		msg := protocol.Message{Header: protocol.Header{Type: b.typ}, Payload: payload}
		if b.room == session.NoRoom {
			s.registry.BroadcastAll(ctx, msg, b.exclude)
		} else {
			s.registry.BroadcastRoom(ctx, b.room, msg, b.exclude)
		}
	}
	for _, n := range out.notices {
		s.notify(ctx, n)
	}
	if out.after != nil {
		out.after(ctx)
	}
}

// notify sends a reliable push to the live session of n.user, if any.
func (s *Server) notify(ctx context.Context, n notice) {
	_, peer, ok := s.registry.ByUser(n.user)
	if !ok {
		return
	}
	payload, err := protocol.EncodePayload(n.payload)
	if err != nil {
		s.logger.Error("encoding notice failed", "type", n.typ, "error", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.Server.WriteTimeout)
	defer cancel()
	if _, err := peer.SendReliable(wctx, n.typ, payload); err != nil {
		s.logger.Warn("reliable notice failed", "type", n.typ, "user_id", n.user, "error", err)
	}
}

// reject maps an engine or registry error to a response result. Errors
// outside the business taxonomy are logged and reported as store_unavailable.
func (s *Server) reject(req *request, err error) protocol.Result {
	res, known := failure(err)
	if !known {
		req.conn.logger.Error("request failed",
			"type", req.msg.Type,
			"request_id", req.msg.RequestID,
			"error", err,
		)
	}
	return res
}

func failure(err error) (protocol.Result, bool) {
	switch {
	case errors.Is(err, auction.ErrBidTooLow):
		return protocol.Fail(protocol.CodeBidTooLow, err.Error()), true
	case errors.Is(err, auction.ErrAlreadySold):
		return protocol.Fail(protocol.CodeAlreadySold, err.Error()), true
	case errors.Is(err, auction.ErrAuctionEnded):
		return protocol.Fail(protocol.CodeAuctionEnded, err.Error()), true
	case errors.Is(err, auction.ErrInsufficientFunds):
		return protocol.Fail(protocol.CodeInsufficientFunds, err.Error()), true
	case errors.Is(err, auction.ErrNoBuyNow):
		return protocol.Fail(protocol.CodeNoBuyNow, err.Error()), true
	case errors.Is(err, auction.ErrOwnItem):
		return protocol.Fail(protocol.CodeOwnItem, err.Error()), true
	case errors.Is(err, auction.ErrForbidden), errors.Is(err, auction.ErrHasBids):
		return protocol.Fail(protocol.CodeForbidden, err.Error()), true
	case errors.Is(err, auction.ErrItemNotFound),
		errors.Is(err, auction.ErrRoomNotFound),
		errors.Is(err, auction.ErrUserNotFound):
		return protocol.Fail(protocol.CodeNotFound, err.Error()), true
	case errors.Is(err, auction.ErrInvalidAmount),
		errors.Is(err, auction.ErrInvalidItem),
		errors.Is(err, auction.ErrInvalidRoom),
		errors.Is(err, protocol.ErrEnvelope):
		return protocol.Fail(protocol.CodeBadRequest, err.Error()), true
	case errors.Is(err, session.ErrNotAuthenticated):
		return protocol.Fail(protocol.CodeUnauthorized, err.Error()), true
	case errors.Is(err, session.ErrNotInRoom):
		return protocol.Fail(protocol.CodeNotInRoom, err.Error()), true
	case errors.Is(err, session.ErrInvalidRoom):
		return protocol.Fail(protocol.CodeBadRequest, err.Error()), true
	default:
		return protocol.Fail(protocol.CodeStoreUnavailable, "service temporarily unavailable"), false
	}
}

// decodeOptional is DecodePayload for requests whose fields all have
// usable zero values: an empty payload decodes to the zero T.
func decodeOptional[T any](payload []byte) (T, error) {
	if len(payload) == 0 {
		var zero T
		return zero, nil
	}
	return protocol.DecodePayload[T](payload)
}
