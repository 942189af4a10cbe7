package engine

import "time"

// BackoffStrategy computes the delay before the next retry attempt.
type BackoffStrategy interface {
	// NextDelay returns the delay before attempt number attempt (0-based).
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff is used when no strategy is configured.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}

	result := time.Duration(float64(eb.InitialDelay) * multiplier)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}
