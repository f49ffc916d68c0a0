package services

import "errors"

// Routing-terminal errors: the envelope is logged and dropped, never retried.
var (
	ErrUnknownChannel    = errors.New("no integration matches the inbound channel")
	ErrNoActiveBot       = errors.New("no active bot assigned for this channel")
	ErrBusinessSuspended = errors.New("business is suspended")
)

// Dispatch-terminal errors, recorded on the message row.
var (
	ErrQuotaExceeded = errors.New("conversation quota exceeded")
	ErrReplyTimeout  = errors.New("reply generation timed out")
	ErrReplyFailed   = errors.New("reply generation failed")

	// ErrDeliveryFailed is returned after bounded retries are exhausted. The
	// persisted turn is kept; the conversation record stays the source of truth.
	ErrDeliveryFailed = errors.New("delivery failed after retries")
)

var (
	// ErrDuplicateMessage marks redelivery of an already-stored provider
	// message id. Treated as a no-op by callers.
	ErrDuplicateMessage = errors.New("provider message id already stored")

	// ErrStorageUnavailable means ingestion could not durably record the
	// message. It must fail loudly, never be swallowed.
	ErrStorageUnavailable = errors.New("conversation store unavailable")

	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("entity is not owned by the acting business")
	ErrInvalidInput = errors.New("invalid input")
)
