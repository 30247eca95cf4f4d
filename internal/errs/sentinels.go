// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"net/http"
	"strings"
)

// Error kinds. Layers wrap them with fmt.Errorf("%w: ...") and callers test with errors.Is.
var (
	// ErrInvalidInput indicates a request that failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates failed authentication (bad credentials or token).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller without access to the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique constraint violation or incompatible re-registration.
	ErrConflict = errors.New("conflict")

	// ErrUpstream indicates an upstream (oracle, aggregator, RPC) failure with no fallback.
	ErrUpstream = errors.New("upstream error")

	// ErrUnavailable indicates a dependency that is known to be unhealthy.
	ErrUnavailable = errors.New("unavailable")

	// ErrTooLarge indicates a payload exceeding a platform cap.
	ErrTooLarge = errors.New("too large")

	// ErrBusy indicates the server or caller is over its concurrency or rate budget.
	ErrBusy = errors.New("busy")

	// ErrInternal indicates an unexpected server-side failure.
	ErrInternal = errors.New("internal error")
)

var kinds = []struct {
	err    error
	status int
}{
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUpstream, http.StatusBadGateway},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrTooLarge, http.StatusRequestEntityTooLarge},
	{ErrBusy, http.StatusServiceUnavailable},
	{ErrInternal, http.StatusInternalServerError},
}

// Kind returns the sentinel err wraps, or ErrInternal for anything unrecognized.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return ErrInternal
}

// HTTPStatus maps an error to its stable HTTP status code.
func HTTPStatus(err error) int {
	kind := Kind(err)
	for _, k := range kinds {
		if k.err == kind {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage returns a message safe to show to clients.
// Client errors keep the wrapped detail; server errors collapse to the kind text.
func PublicMessage(err error) string {
	kind := Kind(err)
	if HTTPStatus(err) >= http.StatusInternalServerError || !errors.Is(err, kind) {
		return kind.Error()
	}
	msg := err.Error()
	if prefix := kind.Error() + ": "; strings.HasPrefix(msg, prefix) {
		if detail := strings.TrimPrefix(msg, prefix); detail != "" {
			return detail
		}
	}
	return kind.Error()
}
