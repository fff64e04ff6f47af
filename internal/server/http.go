package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"auctionhouse/internal/version"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler serves /health and the /ws binary-over-websocket transport.
// Websocket sessions live until their peer leaves or ctx is cancelled, and
// Serve waits for them like any accepted connection.
func (s *Server) HTTPHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/debug/sessions", s.handleSessions)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if !s.track() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.untrack()

		conn, err := s.upgrader.Upgrade(w, r)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.ServeConn(ctx, conn)
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := struct {
		Status           string         `json:"status"`
		Version          string         `json:"version"`
		Sessions         int            `json:"sessions"`
		Connections      int64          `json:"connections"`
		ActiveRooms      int            `json:"active_rooms"`
		DeliveryFailures int64          `json:"delivery_failures"`
		Components       map[string]any `json:"components"`
	}{
		Status:           "healthy",
		Version:          version.Version,
		Sessions:         s.registry.Len(),
		Connections:      s.live.Load(),
		ActiveRooms:      len(s.registry.RoomCounts()),
		DeliveryFailures: s.deliveryFailures.Load(),
		Components:       make(map[string]any),
	}

	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["store"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["store"] = "connected"
		}
	} else {
		health.Components["store"] = "memory"
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	type sessionView struct {
		ID            uint64 `json:"id"`
		UserID        int64  `json:"user_id,omitempty"`
		Username      string `json:"username,omitempty"`
		RoomID        int64  `json:"room_id,omitempty"`
		State         string `json:"state"`
		ConnectedAt   string `json:"connected_at"`
		LastHeartbeat string `json:"last_heartbeat"`
	}

	sessions := s.registry.Sessions()
	views := make([]sessionView, len(sessions))
	for i, sess := range sessions {
		views[i] = sessionView{
			ID:            sess.ID,
			UserID:        sess.UserID,
			Username:      sess.Username,
			RoomID:        sess.RoomID,
			State:         sess.State.String(),
			ConnectedAt:   sess.ConnectedAt.UTC().Format(time.RFC3339),
			LastHeartbeat: sess.LastHeartbeat.UTC().Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"count":    len(views),
		"sessions": views,
	})
}
