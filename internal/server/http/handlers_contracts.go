package httpserver

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/and161185/trade-terminal/internal/contracts"
)

type contractsResponse struct {
	Contracts []contracts.Info `json:"contracts"`
}

func (s *Server) handleContracts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, contractsResponse{Contracts: s.contracts.List()})
	}
}

func (s *Server) handleContractMetadata() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		md, err := s.contracts.Metadata(mux.Vars(r)["name"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, md)
	}
}

func (s *Server) handleContractRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.contracts.Retry(r.Context(), mux.Vars(r)["name"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// handleContractDispatch forwards the raw body to the plugin and returns its raw result.
func (s *Server) handleContractDispatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		body, err := readBody(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out, err := s.contracts.Dispatch(r.Context(), vars["name"], vars["route"], json.RawMessage(body))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}
