package server

import (
	"context"

	"auctionhouse/internal/protocol"
	"auctionhouse/internal/store"
)

func (s *Server) handleDeposit(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.AmountRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.BalanceResponse{Result: s.reject(req, err)})
	}
	balance, err := s.engine.Deposit(ctx, req.session.UserID, body.Amount)
	if err != nil {
		return reply(protocol.BalanceResponse{Result: s.reject(req, err)})
	}
	return reply(protocol.BalanceResponse{Result: protocol.OK(), Balance: balance})
}

func (s *Server) handleRedeem(ctx context.Context, req *request) outcome {
	body, err := protocol.DecodePayload[protocol.AmountRequest](req.msg.Payload)
	if err != nil {
		return reply(protocol.BalanceResponse{Result: s.reject(req, err)})
	}
	balance, err := s.engine.Redeem(ctx, req.session.UserID, body.Amount)
	if err != nil {
		return reply(protocol.BalanceResponse{Result: s.reject(req, err)})
	}
	return reply(protocol.BalanceResponse{Result: protocol.OK(), Balance: balance})
}

func (s *Server) handleHistory(ctx context.Context, req *request) outcome {
	txs, err := s.engine.History(ctx, req.session.UserID, s.cfg.Auction.HistoryLimit)
	if err != nil {
		return reply(protocol.HistoryResponse{Result: s.reject(req, err)})
	}

	entries := make([]protocol.HistoryEntry, len(txs))
	for i, t := range txs {
		entries[i] = historyEntry(t)
	}
	return reply(fit(entries, req.conn.pc.MaxPayload(), func(e []protocol.HistoryEntry, truncated bool) protocol.HistoryResponse {
		return protocol.HistoryResponse{Result: protocol.OK(), Entries: e, Truncated: truncated}
	}))
}

func historyEntry(t store.Transaction) protocol.HistoryEntry {
	return protocol.HistoryEntry{
		ID:        t.ID,
		Kind:      string(t.Kind),
		Amount:    t.Amount,
		ItemID:    t.ItemID,
		ItemName:  t.ItemName,
		Status:    "completed",
		Timestamp: t.CreatedAt.UnixMilli(),
	}
}

// fit builds the response for the longest prefix of items whose encoding
// stays within limit bytes.
func fit[T, R any](items []T, limit int, build func([]T, bool) R) R {
	n := len(items)
	for {
		v := build(items[:n], n < len(items))
		b, err := protocol.EncodePayload(v)
		if err != nil || len(b) <= limit || n == 0 {
			return v
		}
		next := n * limit / len(b)
		if next >= n {
			next = n - 1
		}
		n = next
	}
}
