package httpserver

import (
	"context"
	"time"
)

type ctxKey string

const (
	userIDKey ctxKey = "tt.userID"
	stampKey  ctxKey = "tt.stamp"
)

// Stamp identifies one request.
type Stamp struct {
	ID string
	At time.Time
}

// WithUserID stores the authenticated user ID in context.
func WithUserID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx fetches the user ID from context.
func UserIDFromCtx(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// WithStamp stores the request stamp in context.
func WithStamp(ctx context.Context, s Stamp) context.Context {
	return context.WithValue(ctx, stampKey, s)
}

// StampFromCtx fetches the request stamp from context.
func StampFromCtx(ctx context.Context) (Stamp, bool) {
	s, ok := ctx.Value(stampKey).(Stamp)
	return s, ok
}
