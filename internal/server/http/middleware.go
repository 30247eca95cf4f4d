package httpserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/trade-terminal/internal/errs"
)

// RequestIDHeader carries the request stamp id on every response.
const RequestIDHeader = "X-Request-ID"

// statusRecorder remembers the status code and passes through Flush and Hijack
// so SSE and WebSocket handlers work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// stamp assigns a request id and timestamp, echoing the id in X-Request-ID.
func (s *Server) stamp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.NewV4()
		if err != nil {
			id = uuid.Nil
		}
		st := Stamp{ID: id.String(), At: s.now().UTC()}
		w.Header().Set(RequestIDHeader, st.ID)
		next.ServeHTTP(w, r.WithContext(WithStamp(r.Context(), st)))
	})
}

// logging writes one line per request; payloads are never logged.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		st, _ := StampFromCtx(r.Context())
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", st.ID),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// recoverer turns a panic into a 500 with the Internal kind.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				st, _ := StampFromCtx(r.Context())
				s.log.Error("panic",
					zap.Any("reason", v),
					zap.ByteString("stack", debug.Stack()),
					zap.String("request_id", st.ID),
					zap.Time("request_at", st.At),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, r, fmt.Errorf("%w: panic", errs.ErrInternal))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// inflight bounds concurrent requests; long-lived streams do not count.
func (s *Server) inflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if route := mux.CurrentRoute(r); route != nil && longLived[route.GetName()] {
			next.ServeHTTP(w, r)
			return
		}
		if !s.sem.TryAcquire(1) {
			s.writeError(w, r, fmt.Errorf("%w: server is busy", errs.ErrBusy))
			return
		}
		defer s.sem.Release(1)
		next.ServeHTTP(w, r)
	})
}

// bearer extracts the token from the Authorization header, or from ?token= when allowed.
func bearer(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// authenticated verifies the bearer token, resolves the user and applies the per-user rate.
// Unauthenticated requests get a bare 401.
func (s *Server) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return s.auth(h, false)
}

func (s *Server) auth(h http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(bearer(r, allowQuery))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		uid, err := claims.UserID()
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		u, err := s.authSvc.Me(r.Context(), uid)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			s.writeError(w, r, err)
			return
		}
		if !u.IsActive {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.rate != nil && !s.rate.Allow(uid) {
			s.writeError(w, r, fmt.Errorf("%w: rate limit exceeded", errs.ErrBusy))
			return
		}
		h(w, r.WithContext(WithUserID(r.Context(), uid)))
	}
}
