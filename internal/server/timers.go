package server

import (
	"context"

	"auctionhouse/internal/auction"
	"auctionhouse/internal/protocol"
)

// tickAuctions settles expired auctions and pushes the remaining time of
// every active item to the rooms that have members.
func (s *Server) tickAuctions(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.Auction.StoreTimeout)
	defer cancel()

	settled, err := s.engine.SettleExpired(sctx)
	if err != nil {
		s.logger.Warn("settling auctions failed", "error", err)
	}
	for _, st := range settled {
		s.announce(sctx, st)
	}

	s.pushTimers(sctx)
}

// announce tells the item's room how an auction ended and sends the seller,
// and the winner if any, a reliable notice.
func (s *Server) announce(ctx context.Context, st auction.Settlement) {
	sold := protocol.ItemSold{
		ItemID:   st.Item.ID,
		RoomID:   st.Item.RoomID,
		WinnerID: st.Item.WinnerID,
	}
	out := outcome{notices: []notice{{user: st.Item.SellerID, typ: protocol.TypeItemSold}}}
	if st.Sold {
		sold.FinalPrice = st.Price
		if u, err := s.store.UserByID(ctx, st.Item.WinnerID); err == nil {
			sold.WinnerName = u.Username
		}
		out.notices = append(out.notices, notice{user: st.Item.WinnerID, typ: protocol.TypeItemSold})
	}
	for i := range out.notices {
		out.notices[i].payload = sold
	}
	out.broadcasts = []broadcast{{room: st.Item.RoomID, typ: protocol.TypeItemSold, payload: sold}}

	s.fanOut(ctx, out)
}

func (s *Server) pushTimers(ctx context.Context) {
	counts := s.registry.RoomCounts()
	if len(counts) == 0 {
		return
	}
	active, err := s.store.ActiveItems(ctx)
	if err != nil {
		s.logger.Warn("loading active items failed", "error", err)
		return
	}

	for _, it := range active {
		if counts[it.RoomID] == 0 {
			continue
		}
		remaining := s.engine.Remaining(it)
		if remaining == 0 {
			continue
		}
		payload, err := protocol.EncodePayload(protocol.TimerUpdate{ItemID: it.ID, RemainingSec: remaining})
		if err != nil {
			continue
		}
		s.registry.BroadcastRoom(ctx, it.RoomID, protocol.Message{
			Header:  protocol.Header{Type: protocol.TypeTimerUpdate},
			Payload: payload,
		}, 0)
	}
}
