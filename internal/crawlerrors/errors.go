// Package crawlerrors defines the closed error taxonomy shared by every
// component of the crawl engine. Only Kind Fatal is allowed to unwind a
// goroutine boundary; every other kind is handled locally by the caller.
package crawlerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a crawl engine failure so callers can decide whether to
// retry, skip, or fail the job without inspecting error strings.
type Kind string

const (
	// InvalidUrl: URL unparseable or rejected by validity/scope checks.
	// Local to the frontier; never surfaced as a job-level failure.
	InvalidUrl Kind = "InvalidUrl"
	// HttpError: non-2xx response. Fatal for the page, not the job.
	HttpError Kind = "HttpError"
	// Timeout: fetch or KV operation exceeded its deadline.
	Timeout Kind = "Timeout"
	// Transient: KV or network flake. Retried with exponential backoff.
	Transient Kind = "Transient"
	// ParseError: HTML parsing failed. Page marked error, job continues.
	ParseError Kind = "ParseError"
	// CancelledByUser: job status observed as cancelled mid-iteration.
	CancelledByUser Kind = "CancelledByUser"
	// CapacityReached: an enqueue attempt lost the race against maxPages.
	CapacityReached Kind = "CapacityReached"
	// Fatal: invariant violation or unrecoverable KV failure on a
	// critical operation. The only kind allowed to fail the job outright.
	Fatal Kind = "Fatal"
)

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As instead of string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind may be retried at all
// (Transient with backoff, Timeout once — the caller tracks the attempt
// count; this just tells you whether retrying is ever valid).
func Retryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == Transient || ce.Kind == Timeout
}
