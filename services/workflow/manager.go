package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	auditTimeout   = 5 * time.Second
	transcriptSync = 2 * time.Second
)

// Manager creates, runs, tracks and cancels workflows. It owns the
// in-process workflow registry and the per-target lock table; the database
// is only ever used for best-effort audit, never for coordination. One
// manager instance is constructed at process start and handed to every
// caller — there is no ambient global.
//
// Start, Cancel, Status and List only touch the registry and lock table,
// so they return promptly no matter what the running workflows are doing.
type Manager struct {
	logger   *log.Logger
	monitor  *Monitor
	recorder Recorder // nil disables audit writes

	mu        sync.RWMutex
	workflows map[uuid.UUID]*Workflow
	pipelines map[string]Pipeline

	targetMu sync.Mutex
	targets  map[uuid.UUID]chan struct{}
}

// NewManager builds a manager. The recorder may be nil when audit
// persistence is not configured.
func NewManager(monitor *Monitor, recorder Recorder, logger *log.Logger) (*Manager, error) {
	if monitor == nil {
		return nil, errors.New("monitor is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		logger:    logger,
		monitor:   monitor,
		recorder:  recorder,
		workflows: make(map[uuid.UUID]*Workflow),
		pipelines: make(map[string]Pipeline),
		targets:   make(map[uuid.UUID]chan struct{}),
	}, nil
}

// Monitor exposes the progress monitor for subscription surfaces.
func (m *Manager) Monitor() *Monitor { return m.monitor }

// RegisterPipeline adds a named pipeline. Registration happens during
// process wiring, before any Create call.
func (m *Manager) RegisterPipeline(p Pipeline) error {
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	if p.Steps == nil {
		return errors.New("pipeline steps builder is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pipelines[p.Name]; exists {
		return fmt.Errorf("pipeline %q already registered", p.Name)
	}
	m.pipelines[p.Name] = p
	return nil
}

// Create instantiates a PENDING workflow from a registered pipeline bound
// to the given context.
func (m *Manager) Create(pipelineName string, c *Context) (*Workflow, error) {
	if c == nil {
		return nil, errors.New("context is required")
	}
	if c.ServerID == uuid.Nil {
		return nil, errors.New("context server id is required")
	}

	m.mu.RLock()
	p, ok := m.pipelines[pipelineName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, pipelineName)
	}

	steps, err := p.Steps(c)
	if err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", pipelineName, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("pipeline %q produced no steps", pipelineName)
	}

	w := newWorkflow(pipelineName, steps, c)
	c.bind(w, m.monitor)

	m.mu.Lock()
	m.workflows[w.ID] = w
	m.mu.Unlock()

	m.emitStatus(w)
	m.audit(func(ctx context.Context) error {
		return m.recorder.AppendHistory(ctx, HistoryRecord{
			WorkflowID: w.ID,
			ServerID:   c.ServerID,
			Pipeline:   pipelineName,
			Status:     string(StatusPending),
			At:         time.Now().UTC(),
		})
	})

	return w, nil
}

// Start transitions a PENDING workflow toward RUNNING and begins execution
// on a dedicated goroutine. The goroutine first queues on the per-target
// lock, so at most one workflow is ever active against one physical
// server; Start itself never blocks on that lock.
func (m *Manager) Start(id uuid.UUID) error {
	w, err := m.workflow(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.claimStart(cancel); err != nil {
		cancel()
		return err
	}
	go m.execute(ctx, w, nil)
	return nil
}

// StartBatch creates and starts one workflow per context, admitting at
// most maxParallel into RUNNING at a time. Per-target exclusivity still
// applies inside the batch: a server listed twice is serialized.
func (m *Manager) StartBatch(pipelineName string, contexts []*Context, maxParallel int) ([]uuid.UUID, error) {
	if len(contexts) == 0 {
		return nil, errors.New("at least one context is required")
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	created := make([]*Workflow, 0, len(contexts))
	for _, c := range contexts {
		w, err := m.Create(pipelineName, c)
		if err != nil {
			for _, prev := range created {
				m.finalize(prev, StatusCancelled, nil, false)
			}
			return nil, err
		}
		created = append(created, w)
	}

	slots := make(chan struct{}, maxParallel)
	ids := make([]uuid.UUID, 0, len(created))
	for _, w := range created {
		ctx, cancel := context.WithCancel(context.Background())
		if err := w.claimStart(cancel); err != nil {
			// Unreachable for freshly created workflows; guard anyway.
			cancel()
			continue
		}
		ids = append(ids, w.ID)
		go m.execute(ctx, w, slots)
	}
	return ids, nil
}

// Cancel requests cooperative cancellation. Terminal workflows are
// untouched. A running step finishes its in-flight attempt before the
// workflow transitions; a workflow sleeping between retries or queued on a
// lock transitions as soon as it wakes.
func (m *Manager) Cancel(id uuid.UUID) error {
	w, err := m.workflow(id)
	if err != nil {
		return err
	}
	terminal, unstarted := w.requestCancel()
	if terminal {
		return nil
	}
	if unstarted {
		m.finalize(w, StatusCancelled, nil, false)
	}
	return nil
}

// Status returns a read-only snapshot of one workflow.
func (m *Manager) Status(id uuid.UUID) (StatusView, error) {
	w, err := m.workflow(id)
	if err != nil {
		return StatusView{}, err
	}
	return w.View(), nil
}

// List enumerates known workflows matching the filter, oldest first.
func (m *Manager) List(f ListFilter) []StatusView {
	m.mu.RLock()
	views := make([]StatusView, 0, len(m.workflows))
	for _, w := range m.workflows {
		v := w.View()
		if f.matches(v) {
			views = append(views, v)
		}
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID.String() < views[j].ID.String()
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

func (m *Manager) workflow(id uuid.UUID) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, nil
}

// targetLock returns the semaphore channel serializing one server.
func (m *Manager) targetLock(serverID uuid.UUID) chan struct{} {
	m.targetMu.Lock()
	defer m.targetMu.Unlock()
	ch, ok := m.targets[serverID]
	if !ok {
		ch = make(chan struct{}, 1)
		m.targets[serverID] = ch
	}
	return ch
}

// execute runs the workflow's step loop on its dedicated goroutine. slots
// is the batch admission semaphore, nil for singly started workflows.
func (m *Manager) execute(ctx context.Context, w *Workflow, slots chan struct{}) {
	target := m.targetLock(w.Context().ServerID)
	select {
	case target <- struct{}{}:
	case <-ctx.Done():
		m.finalize(w, StatusCancelled, nil, false)
		return
	}
	defer func() { <-target }()

	if slots != nil {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			m.finalize(w, StatusCancelled, nil, false)
			return
		}
		defer func() { <-slots }()
	}

	if w.cancelled() || !w.markRunning() {
		m.finalize(w, StatusCancelled, nil, false)
		return
	}
	workflowsRunning.Inc()
	m.emitStatus(w)
	m.audit(func(actx context.Context) error {
		return m.recorder.UpsertServerStatus(actx, w.Context().ServerID, map[string]any{
			"status":      "provisioning",
			"device_type": w.Context().DeviceType,
			"workflow_id": w.ID.String(),
			"pipeline":    w.Pipeline,
		})
	})

	for i, s := range w.Steps() {
		// Cancellation is honored at every step boundary, even when the
		// previous step was mid-backoff when the request arrived.
		if ctx.Err() != nil || w.cancelled() {
			m.finalize(w, StatusCancelled, nil, true)
			return
		}

		w.advance(i)
		m.monitor.emit(Event{Kind: EventStepStarted, WorkflowID: w.ID, Step: s.Name, Time: time.Now().UTC()})

		attempts, err := runStep(ctx, w, s)

		m.monitor.emit(Event{Kind: EventStepFinished, WorkflowID: w.ID, Step: s.Name, Success: err == nil, Time: time.Now().UTC()})
		m.appendStepHistory(w, s.Name, attempts, err)

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || KindOf(err) == KindCancelled {
				m.finalize(w, StatusCancelled, nil, true)
				return
			}
			m.finalize(w, StatusFailed, &Error{
				Kind:    KindOf(err),
				Message: err.Error(),
				Step:    s.Name,
				SubTask: w.lastSubTask(),
				Hint:    HintOf(err),
			}, true)
			return
		}
		w.stepDone()
	}

	m.finalize(w, StatusCompleted, nil, true)
}

// finalize performs the terminal transition plus the bookkeeping hanging
// off it: metrics, status event, transcript persistence.
func (m *Manager) finalize(w *Workflow, status Status, werr *Error, wasRunning bool) {
	if !w.finish(status, werr) {
		return
	}
	if wasRunning {
		workflowsRunning.Dec()
	}
	workflowsFinished.WithLabelValues(w.Pipeline, string(status)).Inc()
	m.emitStatus(w)

	// Give in-flight progress events a moment to land so the persisted
	// transcript is complete, then record the terminal entry.
	m.monitor.Sync(transcriptSync)
	records := m.monitor.Records(w.ID)

	errorKind := ""
	if werr != nil {
		errorKind = string(werr.Kind)
	}
	m.audit(func(ctx context.Context) error {
		return m.recorder.AppendHistory(ctx, HistoryRecord{
			WorkflowID: w.ID,
			ServerID:   w.Context().ServerID,
			Pipeline:   w.Pipeline,
			Status:     string(status),
			ErrorKind:  errorKind,
			Transcript: records,
			At:         time.Now().UTC(),
		})
	})
	m.audit(func(ctx context.Context) error {
		return m.recorder.UpsertServerStatus(ctx, w.Context().ServerID, map[string]any{
			"status":      serverStatusFor(status),
			"device_type": w.Context().DeviceType,
			"workflow_id": w.ID.String(),
			"pipeline":    w.Pipeline,
		})
	})
	m.monitor.Forget(w.ID)
}

func (m *Manager) appendStepHistory(w *Workflow, step string, attempts int, err error) {
	status := "completed"
	errorKind := ""
	if err != nil {
		status = "failed"
		errorKind = string(KindOf(err))
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
			errorKind = string(KindCancelled)
		}
	}
	m.audit(func(ctx context.Context) error {
		return m.recorder.AppendHistory(ctx, HistoryRecord{
			WorkflowID: w.ID,
			ServerID:   w.Context().ServerID,
			Pipeline:   w.Pipeline,
			Step:       step,
			Attempts:   attempts,
			Status:     status,
			ErrorKind:  errorKind,
			At:         time.Now().UTC(),
		})
	})
}

func (m *Manager) emitStatus(w *Workflow) {
	m.monitor.emit(Event{
		Kind:       EventStatus,
		WorkflowID: w.ID,
		Status:     w.Status(),
		Time:       time.Now().UTC(),
	})
}

// audit runs one best-effort persistence call. Failures are logged and
// swallowed: the audit trail never decides a workflow's fate.
func (m *Manager) audit(fn func(context.Context) error) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.logger.Printf("WARN: audit write failed: %v", err)
	}
}

func serverStatusFor(s Status) string {
	switch s {
	case StatusCompleted:
		return "provisioned"
	case StatusFailed:
		return "provisioning_failed"
	case StatusCancelled:
		return "provisioning_cancelled"
	}
	return "provisioning"
}
