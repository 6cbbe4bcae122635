package client

import (
	"math"
	"time"
)

// ReconnectStrategy bounds the automatic recovery after a transport
// loss: NextDelay shapes the wait between attempts, ShouldRetry caps
// how many are made. Attempts are numbered from zero, so the first
// retry waits InitialDelay and the delay grows by BackoffFactor per
// attempt until MaxDelay clips it. When ShouldRetry says no the
// manager gives up and surfaces the failure to its subscribers.
type ReconnectStrategy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultReconnectStrategy returns the gateway's reference policy:
// five attempts starting at one second, doubling up to thirty.
func DefaultReconnectStrategy() *ReconnectStrategy {
	return &ReconnectStrategy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// NextDelay returns the wait before attempt (0-based), clipped at
// MaxDelay.
func (rs *ReconnectStrategy) NextDelay(attempt int) time.Duration {
	delay := float64(rs.InitialDelay) * math.Pow(rs.BackoffFactor, float64(attempt))
	if delay > float64(rs.MaxDelay) {
		return rs.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether attempt is still within the allowed
// count.
func (rs *ReconnectStrategy) ShouldRetry(attempt int) bool {
	return attempt < rs.MaxRetries
}
