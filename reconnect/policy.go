package reconnect

import (
	"time"

	"github.com/quorumkit/meshwire/pool"
)

// Policy is spec.md §4.9's ReconnectionPolicy.
type Policy struct {
	Enabled       bool
	MaxRetries    int
	Backoff       BackoffStrategy
	ResetThreshold int // not read by ShouldReconnect or NextDelay; nothing in this module calls pool.ResetRetryCount based on it
}

// ShouldReconnect implements spec.md §4.9's decision table: false if
// disabled, or attempt has reached MaxRetries, or reason is one of the
// non-recoverable categories; true otherwise.
func (p Policy) ShouldReconnect(attempt int, reason pool.DisconnectReason) bool {
	if !p.Enabled {
		return false
	}
	if p.MaxRetries > 0 && attempt >= p.MaxRetries {
		return false
	}
	switch reason.Code {
	case pool.CodeLocalClose, pool.CodeGated, pool.CodeLimitExceeded:
		return false
	case pool.CodeError:
		if reason.Category == pool.CategoryProtocol {
			return false
		}
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt.
func (p Policy) NextDelay(attempt int) (delay time.Duration) {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}
