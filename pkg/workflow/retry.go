package workflow

import "time"

// callOptions configures one checkpointed activity call.
type callOptions struct {
	attempts       int
	initialBackoff time.Duration
}

func defaultCallOptions() callOptions {
	return callOptions{
		attempts:       1,
		initialBackoff: 250 * time.Millisecond,
	}
}

// CallOption configures retry behavior of a Context.Call.
type CallOption func(*callOptions)

// WithRetry sets the total attempt budget for the activity, including the
// first attempt. Terminal errors cancel remaining attempts.
func WithRetry(attempts int) CallOption {
	return func(o *callOptions) {
		if attempts > 0 {
			o.attempts = attempts
		}
	}
}

// WithInitialBackoff sets the first retry delay. Subsequent delays grow
// exponentially.
func WithInitialBackoff(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.initialBackoff = d
		}
	}
}
