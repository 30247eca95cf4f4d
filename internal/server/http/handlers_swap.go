package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

type historyResponse struct {
	Swaps []model.SwapRecord `json:"swaps"`
}

func (s *Server) handleQuote() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.QuoteRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		q, err := s.swaps.Quote(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func (s *Server) handleBuild() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		var req model.SwapRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.swaps.Build(r.Context(), uid, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		var req model.BatchSwapRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.swaps.Batch(r.Context(), uid, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleExecute answers 502 with a failed status when the chain rejects the transaction.
func (s *Server) handleExecute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		var req model.ExecuteRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		res, err := s.swaps.Execute(r.Context(), uid, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.State == model.StateFailed {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, res)
	}
}

func (s *Server) handleHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", errs.ErrInvalidInput))
				return
			}
			limit = n
		}
		rows, err := s.swaps.History(r.Context(), uid, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rows == nil {
			rows = []model.SwapRecord{}
		}
		writeJSON(w, http.StatusOK, historyResponse{Swaps: rows})
	}
}
