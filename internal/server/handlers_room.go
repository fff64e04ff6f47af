package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"auctionhouse/internal/auction"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/store"
)

func (s *Server) handleViewItems(ctx context.Context, req *request) outcome {
	items, err := s.store.ItemsByRoom(ctx, req.session.RoomID)
	if err != nil {
		return reply(protocol.ItemListResponse{Result: s.reject(req, err)})
	}
	return reply(s.itemList(req, items))
}

// inCurrentRoom fails with ErrItemNotFound unless itemID is listed in the
// requesting session's room.
func (s *Server) inCurrentRoom(ctx context.Context, req *request, itemID int64) error {
	it, err := s.store.Item(ctx, itemID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return auction.ErrItemNotFound
	case err != nil:
		return err
	case it.RoomID != req.session.RoomID:
		return auction.ErrItemNotFound
	}
	return nil
}

func (s *Server) handleBid(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.BidRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err)})
	}
	if err := s.inCurrentRoom(ctx, req, body.ItemID); err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err)})
	}

	it, err := s.engine.PlaceBid(ctx, req.session.UserID, body.ItemID, body.Amount)
	if err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err), ItemID: body.ItemID})
	}

	out := reply(protocol.PriceResponse{Result: protocol.OK(), ItemID: it.ID, Price: it.CurrentPrice})
	out.broadcasts = []broadcast{{
		room:    it.RoomID,
		exclude: req.session.ID,
		typ:     protocol.TypeBidNotify,
		payload: protocol.BidNotify{
			ItemID:     it.ID,
			NewPrice:   it.CurrentPrice,
			BidderID:   req.session.UserID,
			BidderName: req.session.Username,
		},
	}}
	return out
}

func (s *Server) handleBuyNow(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.ItemRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err)})
	}
	if err := s.inCurrentRoom(ctx, req, body.ItemID); err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err)})
	}

	it, err := s.engine.BuyNow(ctx, req.session.UserID, body.ItemID)
	if err != nil {
		return reply(protocol.PriceResponse{Result: s.reject(req, err), ItemID: body.ItemID})
	}

	sold := protocol.ItemSold{
		ItemID:     it.ID,
		RoomID:     it.RoomID,
		WinnerID:   req.session.UserID,
		WinnerName: req.session.Username,
		FinalPrice: it.BuyNowPrice,
	}
	out := reply(protocol.PriceResponse{Result: protocol.OK(), ItemID: it.ID, Price: it.BuyNowPrice})
	out.broadcasts = []broadcast{{
		room:    it.RoomID,
		exclude: req.session.ID,
		typ:     protocol.TypeItemSold,
		payload: sold,
	}}
	out.notices = []notice{{user: it.SellerID, typ: protocol.TypeItemSold, payload: sold}}
	return out
}

func (s *Server) handleChat(_ context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.ChatRequest](req.msg.Payload)
	if err == nil && strings.TrimSpace(body.Text) == "" {
		err = errors.Join(protocol.ErrEnvelope, errors.New("empty chat message"))
	}
	if err != nil {
		return outcome{typ: protocol.TypeError, reply: s.reject(req, err)}
	}

	return outcome{broadcasts: []broadcast{{
		room:    req.session.RoomID,
		exclude: req.session.ID,
		typ:     protocol.TypeChatNotify,
		payload: protocol.ChatNotify{
			SenderID:   req.session.UserID,
			SenderName: req.session.Username,
			Text:       body.Text,
		},
	}}}
}

func (s *Server) handleCreateItem(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.CreateItemRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.CreateItemResponse{Result: s.reject(req, err)})
	}
	it, err := s.engine.CreateItem(ctx, req.session.UserID, req.session.RoomID, auction.NewItem{
		Name:        body.Name,
		Description: body.Description,
		StartPrice:  body.StartPrice,
		BuyNowPrice: body.BuyNowPrice,
		Duration:    time.Duration(body.DurationSec) * time.Second,
	})
	if err != nil {
		return reply(protocol.CreateItemResponse{Result: s.reject(req, err)})
	}
	return reply(protocol.CreateItemResponse{Result: protocol.OK(), ItemID: it.ID})
}

func (s *Server) handleDeleteItem(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.ItemRequest](req.msg.Payload)
	if err != nil {
		return reply(s.reject(req, err))
	}
	if err := s.inCurrentRoom(ctx, req, body.ItemID); err != nil {
		return reply(s.reject(req, err))
	}
	if _, err := s.engine.DeleteItem(ctx, req.session.UserID, body.ItemID); err != nil {
		return reply(s.reject(req, err))
	}
	return reply(protocol.OK())
}
