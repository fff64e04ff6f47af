package server

import (
	"context"
	"errors"

	"auctionhouse/internal/auction"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/store"
)

func (s *Server) handleListRooms(ctx context.Context, req *request) outcome {
	q, err := decodeOptional[protocol.QueryRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.RoomListResponse{Result: s.reject(req, err)})
	}
	rooms, err := s.store.Rooms(ctx, q.Query)
	if err != nil {
		return reply(protocol.RoomListResponse{Result: s.reject(req, err)})
	}

	counts := s.registry.RoomCounts()
	infos := make([]protocol.RoomInfo, len(rooms))
	for i, r := range rooms {
		infos[i] = protocol.RoomInfo{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			UserCount:   counts[r.ID],
			Active:      counts[r.ID] > 0,
		}
	}
	return reply(fit(infos, req.conn.pc.MaxPayload(), func(r []protocol.RoomInfo, truncated bool) protocol.RoomListResponse {
		return protocol.RoomListResponse{Result: protocol.OK(), Rooms: r, Truncated: truncated}
	}))
}

func (s *Server) handleSearchItems(ctx context.Context, req *request) outcome {
	q, err := decodeOptional[protocol.QueryRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.ItemListResponse{Result: s.reject(req, err)})
	}
	items, err := s.store.SearchItems(ctx, q.Query)
	if err != nil {
		return reply(protocol.ItemListResponse{Result: s.reject(req, err)})
	}
	return reply(s.itemList(req, items))
}

func (s *Server) handleCreateRoom(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.CreateRoomRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.CreateRoomResponse{Result: s.reject(req, err)})
	}
	room, err := s.engine.CreateRoom(ctx, req.session.UserID, body.Name, body.Description)
	if err != nil {
		return reply(protocol.CreateRoomResponse{Result: s.reject(req, err)})
	}
	return reply(protocol.CreateRoomResponse{Result: protocol.OK(), RoomID: room.ID})
}

func (s *Server) handleJoinRoom(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.RoomRequest](req.msg.Payload)
	if err != nil {
		return reply(s.reject(req, err))
	}
	if _, err := s.store.Room(ctx, body.RoomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = auction.ErrRoomNotFound
		}
		return reply(s.reject(req, err))
	}
	if err := s.registry.JoinRoom(req.session.ID, body.RoomID); err != nil {
		return reply(s.reject(req, err))
	}

	req.conn.logger.Debug("joined room", "room_id", body.RoomID, "previous_room_id", req.session.RoomID)
	return reply(protocol.OK())
}

func (s *Server) handleLeaveRoom(_ context.Context, req *request) outcome {
	left, err := s.registry.LeaveRoom(req.session.ID)
	if err != nil {
		return reply(s.reject(req, err))
	}
	req.conn.logger.Debug("left room", "room_id", left)
	return reply(protocol.OK())
}

func (s *Server) itemList(req *request, items []store.Item) protocol.ItemListResponse {
	infos := make([]protocol.ItemInfo, len(items))
	for i, it := range items {
		infos[i] = itemInfo(it)
	}
	return fit(infos, req.conn.pc.MaxPayload(), func(i []protocol.ItemInfo, truncated bool) protocol.ItemListResponse {
		return protocol.ItemListResponse{Result: protocol.OK(), Items: i, Truncated: truncated}
	})
}

func itemInfo(it store.Item) protocol.ItemInfo {
	return protocol.ItemInfo{
		ID:           it.ID,
		RoomID:       it.RoomID,
		Name:         it.Name,
		Description:  it.Description,
		StartPrice:   it.StartPrice,
		CurrentPrice: it.CurrentPrice,
		BuyNowPrice:  it.BuyNowPrice,
		SellerID:     it.SellerID,
		WinnerID:     it.WinnerID,
		EndsAt:       it.EndsAt.UnixMilli(),
		Status:       string(it.Status),
	}
}
