package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultStepTimeout = 10 * time.Minute
	defaultBackoff     = time.Second

	// hardwareRetryCap limits retries charged to hardware-class failures;
	// a faulting controller rarely recovers between immediate attempts.
	hardwareRetryCap = 1
)

// Step is one named, retryable, timeout-bounded unit of work inside a
// workflow. Steps are immutable once the workflow is constructed.
type Step struct {
	Name string
	// Run does the actual work. It reaches collaborators through values
	// captured at pipeline-definition time and through the context's
	// shared state, and classifies its own failures via the StepError
	// constructors in this package.
	Run func(ctx context.Context, c *Context) error
	// Timeout bounds one execution attempt. Zero uses the default.
	Timeout time.Duration
	// MaxRetries is the number of additional attempts after the first
	// failure.
	MaxRetries int
	// Backoff is the base inter-attempt delay, doubled per attempt.
	// Zero uses the default.
	Backoff time.Duration
	// BackoffCap, when set, bounds the exponential growth.
	BackoffCap time.Duration
}

// runStep executes one step under its retry policy and returns the number
// of attempts actually charged. Cancellation is checked before every
// attempt and interrupts backoff sleeps; a cancelled run reports
// ctx.Err(), never a step failure.
func runStep(ctx context.Context, w *Workflow, s Step) (int, error) {
	base := s.Backoff
	if base <= 0 {
		base = defaultBackoff
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	var b retry.Backoff = retry.NewExponential(base)
	if s.BackoffCap > 0 {
		b = retry.WithCappedDuration(s.BackoffCap, b)
	}
	b = retry.WithMaxRetries(uint64(s.MaxRetries), b)

	attempts := 0
	hardwareFailures := 0

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		stepAttempts.WithLabelValues(w.Pipeline, s.Name).Inc()

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.Run(attemptCtx, w.Context())
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			return nil
		}
		// Workflow-level cancellation always wins over the attempt's own
		// failure classification.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || (timedOut && KindOf(err) == KindInternal) {
			err = TimeoutErrorf("attempt exceeded step timeout %s: %v", timeout, err)
		}

		kind := KindOf(err)
		if !kind.Retryable() {
			return err
		}
		if kind == KindHardware {
			hardwareFailures++
			if hardwareFailures > hardwareRetryCap {
				return err
			}
		}
		return retry.RetryableError(err)
	})

	return attempts, err
}
