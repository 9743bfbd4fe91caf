package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"metald/pkg/secrets"
)

func testWorkflow(steps []Step) *Workflow {
	c := NewContext(uuid.New(), "generic", "10.0.0.5", secrets.Credential{})
	return newWorkflow("test", steps, c)
}

func TestRunStepRetryBudget(t *testing.T) {
	tests := []struct {
		name         string
		maxRetries   int
		failures     int // attempts that fail before success; -1 fails forever
		failWith     func() error
		wantAttempts int
		wantErr      bool
		wantKind     ErrorKind
	}{
		{
			name:         "succeeds first try",
			maxRetries:   3,
			failures:     0,
			wantAttempts: 1,
		},
		{
			name:         "recovers within budget",
			maxRetries:   3,
			failures:     2,
			failWith:     func() error { return ConnectionErrorf("bmc unreachable") },
			wantAttempts: 3,
		},
		{
			name:         "exhausts budget",
			maxRetries:   2,
			failures:     -1,
			failWith:     func() error { return ConnectionErrorf("bmc unreachable") },
			wantAttempts: 3,
			wantErr:      true,
			wantKind:     KindConnection,
		},
		{
			name:         "configuration failure is not retried",
			maxRetries:   5,
			failures:     -1,
			failWith:     func() error { return ConfigurationErrorf("bad template") },
			wantAttempts: 1,
			wantErr:      true,
			wantKind:     KindConfiguration,
		},
		{
			name:         "hardware failures get a reduced budget",
			maxRetries:   5,
			failures:     -1,
			failWith:     func() error { return HardwareErrorf("controller fault") },
			wantAttempts: 2,
			wantErr:      true,
			wantKind:     KindHardware,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			s := Step{
				Name:       "probe",
				MaxRetries: tt.maxRetries,
				Backoff:    time.Millisecond,
				Run: func(ctx context.Context, c *Context) error {
					calls++
					if tt.failures < 0 || calls <= tt.failures {
						return tt.failWith()
					}
					return nil
				},
			}
			w := testWorkflow([]Step{s})

			attempts, err := runStep(context.Background(), w, s)
			if attempts != tt.wantAttempts {
				t.Fatalf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("runStep() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != tt.wantKind {
				t.Fatalf("kind = %s, want %s", KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestRunStepTimeoutClassification(t *testing.T) {
	s := Step{
		Name:       "flash",
		Timeout:    20 * time.Millisecond,
		MaxRetries: 1,
		Backoff:    time.Millisecond,
		Run: func(ctx context.Context, c *Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	w := testWorkflow([]Step{s})

	attempts, err := runStep(context.Background(), w, s)
	if err == nil {
		t.Fatal("runStep() expected timeout error")
	}
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindTimeout)
	}
	// Timeouts are retryable with the full budget.
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRunStepTimeoutKeepsStepClassification(t *testing.T) {
	// A step that classified its own failure keeps that class even when it
	// returned right at the attempt deadline.
	s := Step{
		Name:       "apply",
		Timeout:    10 * time.Millisecond,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		Run: func(ctx context.Context, c *Context) error {
			<-ctx.Done()
			return ConfigurationErrorf("unsupported value")
		},
	}
	w := testWorkflow([]Step{s})

	attempts, err := runStep(context.Background(), w, s)
	if KindOf(err) != KindConfiguration {
		t.Fatalf("kind = %s, want %s", KindOf(err), KindConfiguration)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestRunStepCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := Step{
		Name:       "probe",
		MaxRetries: 3,
		Backoff:    5 * time.Second,
		Run: func(ctx context.Context, c *Context) error {
			return ConnectionErrorf("bmc unreachable")
		},
	}
	w := testWorkflow([]Step{s})

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	attempts, err := runStep(ctx, w, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("runStep() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation took %s, backoff sleep was not interrupted", elapsed)
	}
}
