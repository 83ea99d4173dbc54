package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryIntervalGrowsAndCaps(t *testing.T) {
	retry := &RetryConfiguration{
		MaxAttempts:    5,
		BaseIntervalMs: 100,
		MaxIntervalMs:  400,
		Jitter:         0,
	}

	assert.Equal(t, 100*time.Millisecond, retry.Interval(1))
	assert.Equal(t, 200*time.Millisecond, retry.Interval(2))
	assert.Equal(t, 400*time.Millisecond, retry.Interval(3))
	// Capped from here on.
	assert.Equal(t, 400*time.Millisecond, retry.Interval(4))
}

func TestRetryIntervalJitterBounds(t *testing.T) {
	retry := &RetryConfiguration{
		MaxAttempts:    3,
		BaseIntervalMs: 1000,
		MaxIntervalMs:  1000,
		Jitter:         0.5,
	}

	for i := 0; i < 100; i++ {
		interval := retry.Interval(1)
		assert.GreaterOrEqual(t, interval, 750*time.Millisecond)
		assert.LessOrEqual(t, interval, 1250*time.Millisecond)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), want: true},
		{name: "internal", err: status.Error(codes.Internal, "oops"), want: true},
		{name: "deadline exceeded", err: status.Error(codes.DeadlineExceeded, "slow"), want: true},
		{name: "not found", err: status.Error(codes.NotFound, "missing"), want: false},
		{name: "unauthenticated", err: status.Error(codes.Unauthenticated, "denied"), want: false},
		{name: "invalid argument", err: status.Error(codes.InvalidArgument, "bad"), want: false},
		{name: "plain error", err: errors.New("nope"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
