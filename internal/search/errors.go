package search

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopscout/shopscout/internal/aggregator"
)

// Class buckets source failures by how the orchestrator should react.
type Class int

const (
	// ClassTransient covers timeouts and network blips: logged, the
	// source stays enabled, the next search tries again.
	ClassTransient Class = iota
	// ClassAuth means the upstream rejected our identity; retrying
	// this session cannot succeed.
	ClassAuth
	// ClassMalformed means we sent something the upstream could not
	// parse; retrying the same session would repeat the mistake.
	ClassMalformed
	// ClassRateLimited means the upstream is shedding us; continuing
	// to hit it would make the lockout worse.
	ClassRateLimited
	// ClassUpstream is a server-side failure; not our fault, worth
	// trying again next search.
	ClassUpstream
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassMalformed:
		return "malformed"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// DisablesSource reports whether this failure class should take the
// source out of rotation for the rest of the session.
func (c Class) DisablesSource() bool {
	switch c {
	case ClassAuth, ClassMalformed, ClassRateLimited:
		return true
	default:
		return false
	}
}

// Classify maps a source error onto the taxonomy. Unknown errors are
// treated as transient: wrongly disabling a healthy source costs more
// than one wasted retry.
func Classify(err error) Class {
	var statusErr *aggregator.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden:
			return ClassAuth
		case statusErr.Code == http.StatusBadRequest || statusErr.Code == http.StatusUnprocessableEntity:
			return ClassMalformed
		case statusErr.Code == http.StatusTooManyRequests:
			return ClassRateLimited
		case statusErr.Code >= 500:
			return ClassUpstream
		default:
			return ClassUpstream
		}
	}

	if errors.Is(err, aggregator.ErrRestartBudgetExhausted) {
		return ClassUpstream
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassTransient
}
