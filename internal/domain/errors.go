package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrInvalidOffer        = errors.New("invalid offer")
	ErrUnknownSide         = errors.New("unknown side")
	ErrLockHeld            = errors.New("lock already held")
)
