package httpserver

import (
	"net"
	"net/http"
	"time"

	"github.com/and161185/trade-terminal/internal/model"
)

type signupRequest struct {
	Username string `json:"username" validate:"required,max=32"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

type loginRequest struct {
	EmailOrUsername string `json:"email_or_username" validate:"required,max=254"`
	Password        string `json:"password" validate:"required,max=256"`
}

type authResponse struct {
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	User      model.Profile `json:"user"`
}

type walletSetupResponse struct {
	SetupToken string    `json:"setup_token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type walletBindRequest struct {
	SetupToken    string `json:"setup_token" validate:"required"`
	WalletAddress string `json:"wallet_address" validate:"required"`
	Signature     string `json:"signature" validate:"required"`
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleSignup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signupRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		tok, u, err := s.authSvc.Signup(r.Context(), req.Username, req.Email, req.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Token: tok.AccessToken, ExpiresAt: tok.ExpiresAt, User: u.Profile()})
	}
}

func (s *Server) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		tok, u, err := s.authSvc.Login(r.Context(), req.EmailOrUsername, req.Password, remoteIP(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, authResponse{Token: tok.AccessToken, ExpiresAt: tok.ExpiresAt, User: u.Profile()})
	}
}

func (s *Server) handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		u, err := s.authSvc.Me(r.Context(), uid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u.Profile())
	}
}

func (s *Server) handleWalletSetupToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		tok, exp, err := s.authSvc.WalletSetupToken(r.Context(), uid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, walletSetupResponse{SetupToken: tok, ExpiresAt: exp})
	}
}

func (s *Server) handleWalletBind() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		var req walletBindRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		u, err := s.authSvc.BindWallet(r.Context(), uid, req.SetupToken, req.WalletAddress, req.Signature)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u.Profile())
	}
}
