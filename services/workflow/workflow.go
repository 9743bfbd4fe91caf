package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workflow is one instance of a provisioning pipeline bound to one target
// server. The step list is fixed at creation; all mutable fields are
// guarded by mu and written only by the manager and the single goroutine
// executing the workflow. After a terminal transition nothing is mutated
// again.
type Workflow struct {
	ID       uuid.UUID
	Pipeline string

	steps []Step
	wctx  *Context

	mu              sync.RWMutex
	status          Status
	started         bool
	cancelRequested bool
	cancel          context.CancelFunc
	currentStep     int
	stepsDone       int
	subTask         string
	createdAt       time.Time
	startedAt       *time.Time
	completedAt     *time.Time
	err             *Error
}

func newWorkflow(pipeline string, steps []Step, wctx *Context) *Workflow {
	return &Workflow{
		ID:          uuid.New(),
		Pipeline:    pipeline,
		steps:       steps,
		wctx:        wctx,
		status:      StatusPending,
		currentStep: -1,
		createdAt:   time.Now().UTC(),
	}
}

// Context returns the workflow's bound context.
func (w *Workflow) Context() *Context { return w.wctx }

// Steps returns the fixed step list.
func (w *Workflow) Steps() []Step { return w.steps }

// View builds a read-only status snapshot without touching the executing
// goroutine.
func (w *Workflow) View() StatusView {
	w.mu.RLock()
	defer w.mu.RUnlock()

	v := StatusView{
		ID:          w.ID,
		Pipeline:    w.Pipeline,
		ServerID:    w.wctx.ServerID,
		Status:      w.status,
		SubTask:     w.subTask,
		Progress:    w.progressLocked(),
		CreatedAt:   w.createdAt,
		StartedAt:   w.startedAt,
		CompletedAt: w.completedAt,
		Error:       w.err,
	}
	if w.currentStep >= 0 && w.currentStep < len(w.steps) && !w.status.Terminal() {
		v.CurrentStep = w.steps[w.currentStep].Name
	}
	return v
}

func (w *Workflow) progressLocked() int {
	switch {
	case w.status == StatusCompleted:
		return 100
	case len(w.steps) == 0:
		return 0
	default:
		return w.stepsDone * 100 / len(w.steps)
	}
}

// Status returns just the lifecycle state.
func (w *Workflow) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Workflow) currentStepName() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.currentStep >= 0 && w.currentStep < len(w.steps) {
		return w.steps[w.currentStep].Name
	}
	return ""
}

func (w *Workflow) setSubTask(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	w.subTask = text
}

func (w *Workflow) lastSubTask() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subTask
}

// claimStart flips the workflow into its started state exactly once.
func (w *Workflow) claimStart(cancel context.CancelFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusPending || w.started {
		return ErrInvalidState
	}
	w.started = true
	w.cancel = cancel
	return nil
}

// markRunning performs PENDING -> RUNNING once the per-target lock and any
// batch slot are held.
func (w *Workflow) markRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusPending {
		return false
	}
	now := time.Now().UTC()
	w.status = StatusRunning
	w.startedAt = &now
	return true
}

// advance records that step i is about to execute. The index never
// decreases while the workflow is RUNNING.
func (w *Workflow) advance(i int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	if i > w.currentStep {
		w.currentStep = i
	}
	w.subTask = ""
}

func (w *Workflow) stepDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	w.stepsDone++
}

// finish performs the single terminal transition. Calls after the first
// are ignored.
func (w *Workflow) finish(status Status, werr *Error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() || !status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	w.status = status
	w.completedAt = &now
	w.err = werr
	return true
}

// requestCancel records the cancellation request and interrupts the
// executing goroutine if one is running. Terminal workflows are left
// untouched. The second return value reports whether the workflow was
// still unstarted PENDING, which the manager finalizes directly.
func (w *Workflow) requestCancel() (terminal, unstarted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return true, false
	}
	w.cancelRequested = true
	if !w.started {
		return false, true
	}
	if w.cancel != nil {
		w.cancel()
	}
	return false, false
}

func (w *Workflow) cancelled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cancelRequested
}
