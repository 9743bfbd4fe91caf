package workflow

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates progress events flowing through the monitor.
type EventKind string

const (
	EventSubTask      EventKind = "sub_task"
	EventProgress     EventKind = "progress"
	EventStepStarted  EventKind = "step_started"
	EventStepFinished EventKind = "step_finished"
	EventStatus       EventKind = "status"
)

// Event is one progress notification for one workflow. Delivery to
// subscribers is best-effort and ordered per workflow.
type Event struct {
	Kind       EventKind `json:"kind"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	Step       string    `json:"step,omitempty"`
	SubTask    string    `json:"sub_task,omitempty"`
	Progress   int       `json:"progress,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Success    bool      `json:"success,omitempty"`
	Time       time.Time `json:"time"`

	sync chan struct{} `json:"-"`
}

// Observer receives events. Observers run on the monitor's dispatch
// goroutine; a slow observer delays other observers but never the
// workflows themselves.
type Observer func(Event)

// SubTaskRecord is one completed or in-flight sub-task inside a step.
type SubTaskRecord struct {
	Description string     `json:"description"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     bool       `json:"success"`
}

// OperationRecord collects the sub-task trail of one step execution. It is
// owned by the monitor and only ever written from its dispatch goroutine.
type OperationRecord struct {
	OperationID uuid.UUID       `json:"operation_id"`
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	Step        string          `json:"step"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Success     bool            `json:"success"`
	SubTasks    []SubTaskRecord `json:"subtasks,omitempty"`
}

const defaultQueueSize = 256

type subscriber struct {
	workflowID uuid.UUID // uuid.Nil subscribes to every workflow
	fn         Observer
}

// Monitor fans progress events out to registered observers from a single
// dispatch goroutine fed by a bounded queue. Emission from workflows never
// blocks: when the queue is full the event is dropped and counted.
type Monitor struct {
	logger *log.Logger
	queue  chan Event
	quit   chan struct{}
	done   chan struct{}

	mu      sync.RWMutex
	subs    map[int]subscriber
	nextSub int
	records map[uuid.UUID][]*OperationRecord

	dropped atomic.Int64
}

// NewMonitor starts a monitor with the given queue capacity (0 uses the
// default). Close must be called to stop the dispatch goroutine.
func NewMonitor(queueSize int, logger *log.Logger) *Monitor {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	m := &Monitor{
		logger:  logger,
		queue:   make(chan Event, queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]subscriber),
		records: make(map[uuid.UUID][]*OperationRecord),
	}
	go m.dispatch()
	return m
}

// Close stops the dispatch loop. Events still queued are discarded.
func (m *Monitor) Close() {
	select {
	case <-m.quit:
		return
	default:
	}
	close(m.quit)
	<-m.done
}

// Subscribe registers an observer for one workflow, or for every workflow
// when workflowID is uuid.Nil. The returned token unsubscribes.
func (m *Monitor) Subscribe(workflowID uuid.UUID, fn Observer) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.subs[m.nextSub] = subscriber{workflowID: workflowID, fn: fn}
	return m.nextSub
}

// Unsubscribe removes a previously registered observer.
func (m *Monitor) Unsubscribe(token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, token)
}

// Records returns a copy of the operation records collected for one
// workflow, in step order.
func (m *Monitor) Records(workflowID uuid.UUID) []OperationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.records[workflowID]
	out := make([]OperationRecord, 0, len(recs))
	for _, r := range recs {
		c := *r
		c.SubTasks = append([]SubTaskRecord(nil), r.SubTasks...)
		out = append(out, c)
	}
	return out
}

// Forget drops the records held for a workflow, typically after the audit
// trail has been persisted.
func (m *Monitor) Forget(workflowID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, workflowID)
}

// Dropped reports how many events were discarded because the queue was
// full.
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// Sync blocks until every event emitted before the call has been
// dispatched, bounded by the given timeout. Used by the manager before
// persisting transcripts and heavily by tests.
func (m *Monitor) Sync(timeout time.Duration) bool {
	ev := Event{sync: make(chan struct{})}
	select {
	case m.queue <- ev:
	case <-m.quit:
		return false
	case <-time.After(timeout):
		return false
	}
	select {
	case <-ev.sync:
		return true
	case <-time.After(timeout):
		return false
	}
}

// emit enqueues an event without ever blocking the caller.
func (m *Monitor) emit(ev Event) {
	select {
	case m.queue <- ev:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.Printf("WARN: progress queue full, dropping events (workflow=%s)", ev.WorkflowID)
		}
		progressEventsDropped.Inc()
	}
}

func (m *Monitor) dispatch() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			if ev.sync != nil {
				close(ev.sync)
				continue
			}
			m.record(ev)
			m.deliver(ev)
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) deliver(ev Event) {
	m.mu.RLock()
	fns := make([]Observer, 0, len(m.subs))
	for _, s := range m.subs {
		if s.workflowID == uuid.Nil || s.workflowID == ev.WorkflowID {
			fns = append(fns, s.fn)
		}
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// record maintains the per-step operation records from the event stream.
func (m *Monitor) record(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventStepStarted:
		m.records[ev.WorkflowID] = append(m.records[ev.WorkflowID], &OperationRecord{
			OperationID: uuid.New(),
			WorkflowID:  ev.WorkflowID,
			Step:        ev.Step,
			StartedAt:   ev.Time,
		})
	case EventSubTask:
		rec := m.openRecord(ev.WorkflowID)
		if rec == nil {
			return
		}
		closeSubTask(rec, ev.Time, true)
		rec.SubTasks = append(rec.SubTasks, SubTaskRecord{Description: ev.SubTask, StartedAt: ev.Time})
	case EventStepFinished:
		rec := m.openRecord(ev.WorkflowID)
		if rec == nil {
			return
		}
		closeSubTask(rec, ev.Time, ev.Success)
		t := ev.Time
		rec.CompletedAt = &t
		rec.Success = ev.Success
	}
}

func (m *Monitor) openRecord(workflowID uuid.UUID) *OperationRecord {
	recs := m.records[workflowID]
	if len(recs) == 0 {
		return nil
	}
	last := recs[len(recs)-1]
	if last.CompletedAt != nil {
		return nil
	}
	return last
}

func closeSubTask(rec *OperationRecord, at time.Time, success bool) {
	if len(rec.SubTasks) == 0 {
		return
	}
	last := &rec.SubTasks[len(rec.SubTasks)-1]
	if last.CompletedAt == nil {
		t := at
		last.CompletedAt = &t
		last.Success = success
	}
}
