package dispatch

import (
	"errors"
	"net/http"

	"github.com/noahxzhu/webpush-notify/internal/webpush"
)

// Class is the failure taxonomy the retry and invalidation policy keys on.
type Class int

const (
	ClassNone      Class = iota // delivered
	ClassTransient              // network, timeout, 5xx, 429: retry
	ClassMalformed              // 400 or an unusable subscription: stop, keep
	ClassAuth                   // 401/403: stop, count, prune at the limit
	ClassGone                   // 404/410: stop, prune
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassMalformed:
		return "malformed"
	case ClassAuth:
		return "auth"
	case ClassGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may succeed.
func (c Class) Retryable() bool { return c == ClassTransient }

type statusCoder interface {
	StatusCode() int
}

// Classify maps a delivery error onto the taxonomy. Errors carrying no status
// code are transient unless they are known to be permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return ClassifyStatus(sc.StatusCode())
	}

	if errors.Is(err, webpush.ErrInvalidSubscription) ||
		errors.Is(err, webpush.ErrNotConfigured) ||
		errors.Is(err, errEncodePayload) {
		return ClassMalformed
	}
	// includes context.DeadlineExceeded from the per-attempt timeout
	return ClassTransient
}

// ClassifyStatus maps an HTTP status code from the push service.
func ClassifyStatus(code int) Class {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return ClassGone
	case http.StatusBadRequest:
		return ClassMalformed
	case http.StatusUnauthorized, http.StatusForbidden:
		return ClassAuth
	}
	if code >= 200 && code < 300 {
		return ClassNone
	}
	return ClassTransient
}
