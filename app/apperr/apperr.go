// Package apperr defines the error kinds shared by every part of the pipeline.
// Each failure carries a stable Kind that callers can switch on and a
// human-readable detail.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	// Malformed caller input. Never retried.
	Validation Kind = "validation_error"
	// A referenced session or page does not exist.
	NotFound Kind = "not_found"
	// The generation dependency throttled us; the caller may retry after a backoff.
	RateLimited Kind = "upstream_rate_limited"
	// Terminal for the current billing period.
	QuotaExceeded Kind = "upstream_quota_exceeded"
	// The text-generation dependency returned content we can't use.
	ExtractionFailed Kind = "extraction_failed"
	// The embedding dependency failed or returned an unusable vector.
	EmbeddingFailed Kind = "embedding_failed"
	// A store read or write failed.
	Persistence Kind = "persistence_error"

	// Anything that wasn't classified.
	Internal Kind = "internal_error"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or Internal if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Detail returns the human-readable part of err without the kind prefix.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Detail, e.Err)
		}
		return e.Detail
	}
	return err.Error()
}

// Upstream reports whether the error came from a model dependency rather than
// from the caller or the store.
func Upstream(err error) bool {
	switch KindOf(err) {
	case RateLimited, QuotaExceeded, ExtractionFailed, EmbeddingFailed:
		return true
	}
	return false
}

// FromUpstream classifies a failed call to a model dependency. `ctx` is the context the
// call was made with: if it was canceled the cancellation is returned as is, and if its
// deadline passed the failure counts as `kind` with a "timed out" detail. Throttling and
// quota errors are recognized from the provider's message. Everything else is `kind`.
func FromUpstream(ctx context.Context, kind Kind, detail string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(kind, "timed out", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	// OpenAI reports an exhausted quota with a 429 as well, so this has to be checked first
	case strings.Contains(msg, "insufficient_quota"), strings.Contains(msg, "quota"):
		return Wrap(QuotaExceeded, detail, err)
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"), strings.Contains(msg, "too many requests"):
		return Wrap(RateLimited, detail, err)
	}

	return Wrap(kind, detail, err)
}
