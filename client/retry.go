package client

import (
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryConfiguration controls retries of transient API failures, mirroring
// the retry surface the official client SDKs expose.
type RetryConfiguration struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts" usage:"Maximum number of attempts per request including the first. Default 3."`
	BaseIntervalMs int     `yaml:"base_interval_ms" json:"base_interval_ms" usage:"Base delay in milliseconds between attempts. Default 500."`
	MaxIntervalMs  int     `yaml:"max_interval_ms" json:"max_interval_ms" usage:"Upper bound in milliseconds on the delay between attempts. Default 5000."`
	Jitter         float64 `yaml:"jitter" json:"jitter" usage:"Random jitter factor between 0 and 1 applied to each delay. Default 0.5."`
}

func NewRetryConfiguration() *RetryConfiguration {
	return &RetryConfiguration{
		MaxAttempts:    3,
		BaseIntervalMs: 500,
		MaxIntervalMs:  5000,
		Jitter:         0.5,
	}
}

func (r *RetryConfiguration) Clone() *RetryConfiguration {
	if r == nil {
		return nil
	}
	retryCopy := *r
	return &retryCopy
}

// Interval returns the delay before the given retry attempt (1-based),
// exponential with jitter and capped at MaxIntervalMs.
func (r *RetryConfiguration) Interval(attempt int) time.Duration {
	interval := time.Duration(r.BaseIntervalMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		interval *= 2
	}
	if max := time.Duration(r.MaxIntervalMs) * time.Millisecond; interval > max {
		interval = max
	}
	if r.Jitter > 0 {
		spread := float64(interval) * r.Jitter
		interval = time.Duration(float64(interval) - spread/2 + spread*rand.Float64())
	}
	return interval
}

// Retryable reports whether an error represents a transient server-side
// condition worth retrying. Client-side errors never are.
func Retryable(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
