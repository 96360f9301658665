package resilience

import "time"

// Operation names shared by the backend client and the queue.
const (
	OpSendResult     = "medflow.send_result"
	OpSearchPatients = "medflow.search_patients"
	OpQueuePublish   = "nats.publish"
)

// Config drives retries and circuit breaking for calls to the clinical
// backend and the task queue. Zero fields take DefaultConfig values.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// OperationAttempts overrides RetryMaxAttempts per operation name.
	// Registry lookups run inline for every file and get a small budget;
	// result publishing keeps the full one.
	OperationAttempts map[string]int

	BreakerEnabled bool
	// BreakerMinRequests is the number of calls observed before the
	// failure ratio may trip the breaker.
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// DefaultConfig suits a slow clinical backend: a publish retry waits long
// enough for a backend restart but stays well under the per-task limits.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 250 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
		RetryMultiplier:     2.0,
		OperationAttempts: map[string]int{
			OpSearchPatients: 1,
		},

		BreakerEnabled:          true,
		BreakerMinRequests:      5,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = def.RetryMaxBackoff
	}
	c.RetryMaxBackoff = max(c.RetryMaxBackoff, c.RetryInitialBackoff)
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = def.RetryMultiplier
	}
	if c.OperationAttempts == nil {
		c.OperationAttempts = def.OperationAttempts
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if c.BreakerHalfOpenMaxCalls == 0 {
		c.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	return c
}

func (c Config) attempts(operation string) int {
	if n, ok := c.OperationAttempts[operation]; ok && n > 0 {
		return n
	}
	return c.RetryMaxAttempts
}

// backoff is the wait after the given failed attempt (1-based), growing
// geometrically and capped at RetryMaxBackoff.
func (c Config) backoff(attempt int) time.Duration {
	wait := float64(c.RetryInitialBackoff)
	for i := 1; i < attempt; i++ {
		wait *= c.RetryMultiplier
		if wait >= float64(c.RetryMaxBackoff) {
			return c.RetryMaxBackoff
		}
	}
	return time.Duration(wait)
}
