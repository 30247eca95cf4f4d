package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/and161185/trade-terminal/internal/chat"
	"github.com/and161185/trade-terminal/internal/errs"
	"github.com/and161185/trade-terminal/internal/model"
)

type friendAction int

const (
	friendRequest friendAction = iota
	friendAccept
	friendBlock
)

type friendResponse struct {
	UserID int64                  `json:"user_id"`
	Status model.FriendshipStatus `json:"status"`
}

type sendRequest struct {
	Body string `json:"body" validate:"required"`
}

func (s *Server) handleFriend(action friendAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		other, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
		if err != nil || other <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: user_id", errs.ErrInvalidInput))
			return
		}

		var st model.FriendshipStatus
		switch action {
		case friendRequest:
			st = model.FriendshipPending
			err = s.chat.RequestFriend(r.Context(), uid, other)
		case friendAccept:
			st = model.FriendshipAccepted
			err = s.chat.AcceptFriend(r.Context(), uid, other)
		case friendBlock:
			st = model.FriendshipBlocked
			err = s.chat.BlockFriend(r.Context(), uid, other)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, friendResponse{UserID: other, Status: st})
	}
}

func (s *Server) handleChatSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		var req sendRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		msg, err := s.chat.Publish(r.Context(), mux.Vars(r)["conversation_id"], uid, req.Body)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleChatTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		if err := s.chat.Typing(r.Context(), mux.Vars(r)["conversation_id"], uid); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// sinceSeq reads ?since_seq=, falling back to the SSE Last-Event-ID header.
func sinceSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("since_seq")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: since_seq must be a non-negative integer", errs.ErrInvalidInput)
	}
	return n, nil
}

// handleChatSubscribe streams a conversation as server-sent events: persisted messages
// after since_seq first, then live messages and typing indicators.
func (s *Server) handleChatSubscribe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromCtx(r.Context())
		since, err := sinceSeq(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		sub, replay, err := s.chat.Subscribe(r.Context(), mux.Vars(r)["conversation_id"], uid, since)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		defer sub.Close()

		rc := http.NewResponseController(w)
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		// Live events can repeat the tail of the replay; nothing else is skipped.
		replayed := since
		for _, m := range replay {
			if err := writeMessageEvent(w, m); err != nil {
				return
			}
			replayed = m.Seq
		}
		if err := rc.Flush(); err != nil {
			return
		}

		keepAlive := time.NewTicker(s.keepAlive)
		defer keepAlive.Stop()
		for {
			var err error
			select {
			case <-r.Context().Done():
				return
			case <-sub.Done():
				// Drain what was queued before the cut, then end the stream.
				for ev := range sub.Events() {
					if ev.Kind == chat.EventMessage && ev.Message.Seq > replayed {
						if writeMessageEvent(w, *ev.Message) != nil {
							return
						}
					}
				}
				_ = rc.Flush()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case chat.EventMessage:
					if ev.Message.Seq <= replayed {
						continue
					}
					err = writeMessageEvent(w, *ev.Message)
				case chat.EventTyping:
					err = writeEvent(w, "typing", "", ev.Typing)
				}
			case <-keepAlive.C:
				_, err = fmt.Fprint(w, ": keep-alive\n\n")
			}
			if err == nil {
				err = rc.Flush()
			}
			if err != nil {
				return
			}
		}
	}
}

func writeMessageEvent(w http.ResponseWriter, m model.Message) error {
	return writeEvent(w, "message", strconv.FormatInt(m.Seq, 10), m)
}

func writeEvent(w http.ResponseWriter, event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", event, id, data)
	} else {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	}
	return err
}
