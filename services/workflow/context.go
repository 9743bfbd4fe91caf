package workflow

import (
	"time"

	"github.com/google/uuid"

	"metald/pkg/secrets"
)

// Context carries per-workflow identity, credentials and inter-step state.
// It is owned by exactly one workflow for its whole lifetime and mutated
// only by the goroutine executing that workflow, so the shared-state map
// needs no locking. Step executors reach collaborator clients only through
// closures bound at pipeline-definition time plus the values stored here.
type Context struct {
	ServerID    uuid.UUID
	DeviceType  string
	TargetIP    string
	Credentials secrets.Credential

	shared map[string]any

	wf  *Workflow
	mon *Monitor
}

// NewContext builds a context for one target server. Identity fields are
// read-only from here on.
func NewContext(serverID uuid.UUID, deviceType, targetIP string, creds secrets.Credential) *Context {
	return &Context{
		ServerID:    serverID,
		DeviceType:  deviceType,
		TargetIP:    targetIP,
		Credentials: creds,
		shared:      make(map[string]any),
	}
}

// bind attaches the context to its workflow and progress monitor. Called
// once by the manager at creation; a context is never rebound.
func (c *Context) bind(wf *Workflow, mon *Monitor) {
	c.wf = wf
	c.mon = mon
}

// Set stores an inter-step value. Keys are documented per pipeline; steps
// read what earlier steps wrote, e.g. the discovered BMC address feeding
// the IPMI configuration step.
func (c *Context) Set(key string, value any) {
	c.shared[key] = value
}

// Value retrieves an inter-step value.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.shared[key]
	return v, ok
}

// String retrieves an inter-step value as a string, false when absent or
// of another type.
func (c *Context) String(key string) (string, bool) {
	v, ok := c.shared[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ReportSubTask publishes the human-readable micro-operation currently in
// flight. It updates the workflow snapshot and emits a monitor event; it
// never blocks on slow subscribers.
func (c *Context) ReportSubTask(text string) {
	if c.wf == nil {
		return
	}
	c.wf.setSubTask(text)
	c.mon.emit(Event{
		Kind:       EventSubTask,
		WorkflowID: c.wf.ID,
		Step:       c.wf.currentStepName(),
		SubTask:    text,
		Time:       time.Now().UTC(),
	})
}

// ReportProgress publishes a coarse percentage for the current step, with
// the same best-effort delivery as ReportSubTask.
func (c *Context) ReportProgress(percent int) {
	if c.wf == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.mon.emit(Event{
		Kind:       EventProgress,
		WorkflowID: c.wf.ID,
		Step:       c.wf.currentStepName(),
		Progress:   percent,
		Time:       time.Now().UTC(),
	})
}
