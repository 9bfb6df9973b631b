package app

import "errors"

var (
	// ErrNoText marks inbound updates that carry no text; they are ignored.
	ErrNoText = errors.New("message has no text")
	// ErrRateLimited marks inbound messages dropped by the per-user limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrDispatcherClosed is returned by Dispatch after shutdown began.
	ErrDispatcherClosed = errors.New("report dispatcher closed")
)
