package server

import (
	"context"
	"errors"

	"auctionhouse/internal/auth"
	"auctionhouse/internal/protocol"
	"auctionhouse/internal/session"
	"auctionhouse/internal/store"
)

func (s *Server) handleRegister(ctx context.Context, req *request) outcome {
	creds, err := protocol.DecodePayload[protocol.Credentials](req.msg.Payload)
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}
	if err := auth.ValidateCredentials(creds.Username, creds.Password); err != nil {
		return reply(protocol.LoginResponse{Result: protocol.Fail(protocol.CodeBadRequest, err.Error())})
	}

	hash, err := s.hasher.Hash(creds.Password)
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}
	u, err := s.store.CreateUser(ctx, creds.Username, hash)
	if errors.Is(err, store.ErrConflict) {
		return reply(protocol.LoginResponse{Result: protocol.Fail(protocol.CodeConflict, "username already taken")})
	}
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}

	req.conn.logger.Info("user registered", "user_id", u.ID, "username", u.Username)
	return s.bindLogin(req, u)
}

func (s *Server) handleLogin(ctx context.Context, req *request) outcome {
	creds, err := protocol.DecodePayload[protocol.Credentials](req.msg.Payload)
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}

	invalid := protocol.LoginResponse{
		Result: protocol.Fail(protocol.CodeInvalidCreds, "invalid username or password"),
	}
	u, err := s.store.UserByName(ctx, creds.Username)
	if errors.Is(err, store.ErrNotFound) {
		return reply(invalid)
	}
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}
	if err := s.hasher.Verify(u.PasswordHash, creds.Password); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			req.conn.logger.Info("login rejected", "username", creds.Username)
			return reply(invalid)
		}
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}

	return s.bindLogin(req, u)
}

// bindLogin attaches u to the requesting session and places it in the lobby.
// A session previously bound to u is told it was superseded and closed.
func (s *Server) bindLogin(req *request, u store.User) outcome {
	token := auth.NewSessionToken()
	old, err := s.registry.BindUser(req.session.ID, u.ID, u.Username, token)
	if err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}
	if err := s.registry.EnterLobby(req.session.ID); err != nil {
		return reply(protocol.LoginResponse{Result: s.reject(req, err)})
	}

	req.conn.logger.Info("user logged in",
		"user_id", u.ID,
		"username", u.Username,
		"superseded", old != nil,
	)

	out := reply(protocol.LoginResponse{
		Result:  protocol.OK(),
		UserID:  u.ID,
		Token:   token,
		Balance: u.Balance,
	})
	if old != nil {
		out.after = func(ctx context.Context) { s.supersede(ctx, old) }
	}
	return out
}

func (s *Server) supersede(ctx context.Context, old session.Peer) {
	payload, err := protocol.EncodePayload(protocol.SessionSuperseded{
		Message: "logged in from another connection",
	})
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.Server.WriteTimeout)
		_ = old.Send(wctx, protocol.Message{
			Header:  protocol.Header{Type: protocol.TypeSessionSuperseded},
			Payload: payload,
		})
		cancel()
	}
	_ = old.Close()
}

func (s *Server) handleLogout(_ context.Context, req *request) outcome {
	body, err := decodeOptional[protocol.LogoutRequest](req.msg.Payload)
	if err != nil {
		return reply(s.reject(req, err))
	}
	if body.Token != "" && body.Token != req.session.Token {
		return reply(protocol.Fail(protocol.CodeUnauthorized, "token does not match session"))
	}
	if err := s.registry.Unbind(req.session.ID); err != nil {
		return reply(s.reject(req, err))
	}

	req.conn.logger.Info("user logged out", "user_id", req.session.UserID)
	return reply(protocol.OK())
}
