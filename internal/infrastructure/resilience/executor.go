package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrorClassification tells the executor whether an attempt may be retried
// and whether it counts against the circuit breaker.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// retryAfterHinter is implemented by upstream errors that carry the wait
// the server asked for (StatusError with a Retry-After header).
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// Executor runs backend calls (medflow.send_result, medflow.search_patients,
// nats.publish) behind one breaker per operation, retrying within the
// operation's attempt budget.
type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = defaultClassifier
	}

	call := attemptLoop{
		cfg:        e.cfg,
		operation:  op,
		budget:     e.cfg.attempts(op),
		fn:         fn,
		classifier: classifier,
	}
	if !e.cfg.BreakerEnabled {
		return call.run(ctx)
	}
	_, err := e.circuitBreaker(op, classifier).Execute(func() (any, error) {
		return nil, call.run(ctx)
	})
	return err
}

type attemptLoop struct {
	cfg        Config
	operation  string
	budget     int
	fn         func(context.Context) error
	classifier ErrorClassifier
}

// run calls fn until it succeeds, fails permanently or the budget is spent.
// The last error is returned as is so callers can classify it again.
func (l attemptLoop) run(ctx context.Context) error {
	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = l.fn(ctx); err == nil {
			return nil
		}
		if attempt >= l.budget || !l.classifier(err).Retryable {
			return err
		}

		wait, hinted := l.wait(attempt, err)
		slog.Warn("backend_retry",
			"operation", l.operation,
			"attempt", attempt,
			"budget", l.budget,
			"wait_ms", wait.Milliseconds(),
			"retry_after", hinted,
			"error", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// wait prefers the server's Retry-After over the computed backoff, capped
// at RetryMaxBackoff so a retry never outlives the task limits.
func (l attemptLoop) wait(attempt int, err error) (time.Duration, bool) {
	wait := l.cfg.backoff(attempt)
	var hinter retryAfterHinter
	if errors.As(err, &hinter) {
		if hint := hinter.RetryAfterHint(); hint > wait {
			return min(hint, l.cfg.RetryMaxBackoff), true
		}
	}
	return wait, false
}

func (e *Executor) circuitBreaker(operation string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[operation]; ok {
		return breaker
	}
	breaker := gobreaker.NewCircuitBreaker[any](e.breakerSettings(operation, classifier))
	e.breakers[operation] = breaker
	return breaker
}

func (e *Executor) breakerSettings(operation string, classifier ErrorClassifier) gobreaker.Settings {
	minRequests := e.cfg.BreakerMinRequests
	ratio := e.cfg.BreakerFailureRatio
	return gobreaker.Settings{
		Name:        operation,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests &&
				float64(counts.TotalFailures) >= ratio*float64(counts.Requests)
		},
		// Rejected payloads (4xx) say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}
}

// BreakerStates reports the state of every breaker created so far, keyed by
// operation name. Used by the health endpoint.
func (e *Executor) BreakerStates() map[string]string {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.breakers))
	for op, breaker := range e.breakers {
		out[op] = breaker.State().String()
	}
	return out
}

// Degraded reports whether any breaker is currently open.
func (e *Executor) Degraded() bool {
	for _, state := range e.BreakerStates() {
		if state == gobreaker.StateOpen.String() {
			return true
		}
	}
	return false
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{RecordFailure: true}
}
