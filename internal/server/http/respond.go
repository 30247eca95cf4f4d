package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
)

// MaxBodyBytes bounds request bodies.
const MaxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status. Server errors are logged with the request stamp.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		st, _ := StampFromCtx(r.Context())
		s.log.Error("request failed",
			zap.Error(err),
			zap.Int("status", status),
			zap.String("request_id", st.ID),
			zap.Time("request_at", st.At),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
	}
	writeJSON(w, status, errorBody{Error: errs.PublicMessage(err)})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, fmt.Errorf("%w: body exceeds %d bytes", errs.ErrTooLarge, MaxBodyBytes)
		}
		return nil, fmt.Errorf("%w: read body", errs.ErrInvalidInput)
	}
	return body, nil
}

// decode reads a JSON body into v and runs struct validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", errs.ErrInvalidInput)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", errs.ErrInvalidInput, validationMessage(err))
	}
	return nil
}
