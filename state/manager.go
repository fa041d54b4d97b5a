package state

import (
	"slices"
	"sync"
)

// Manager owns one session's AgentState. All mutation goes through its
// methods; every applied mutation bumps the version exactly once. Once the
// status reaches a terminal value the state is frozen and further mutation
// attempts are ignored.
//
// The session workflow is the only writer, but query handlers may read from
// other goroutines (the in-memory host serves queries concurrently), so reads
// and writes are guarded by an internal lock.
type Manager struct {
	mu sync.RWMutex
	st AgentState
}

// NewManager creates a Manager with status RUNNING, version 0 and zero turns.
// The custom map seeds caller-supplied fields; it may be nil.
func NewManager(custom map[string]any) *Manager {
	c := make(map[string]any, len(custom))
	for k, v := range custom {
		c[k] = v
	}
	return &Manager{
		st: AgentState{
			Status: StatusRunning,
			Tasks:  make(map[string]*Task),
			Custom: c,
		},
	}
}

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Status
}

// IsRunning reports whether the status is RUNNING.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// IsTerminal reports whether the status admits no further transitions.
func (m *Manager) IsTerminal() bool {
	return m.Status().Terminal()
}

// Version returns the current mutation counter.
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Version
}

// Turns returns the number of completed turns.
func (m *Manager) Turns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Turns
}

// Run transitions the status to RUNNING.
func (m *Manager) Run() { m.transition(StatusRunning) }

// WaitForInput transitions the status to WAITING_FOR_INPUT.
func (m *Manager) WaitForInput() { m.transition(StatusWaitingForInput) }

// Complete transitions the status to COMPLETED. Terminal.
func (m *Manager) Complete() { m.transition(StatusCompleted) }

// Fail transitions the status to FAILED. Terminal.
func (m *Manager) Fail() { m.transition(StatusFailed) }

// Cancel transitions the status to CANCELLED. Terminal.
func (m *Manager) Cancel() { m.transition(StatusCancelled) }

func (m *Manager) transition(next Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	m.st.Status = next
	m.st.Version++
}

// IncrementTurns advances the turn counter by one.
func (m *Manager) IncrementTurns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	m.st.Turns++
	m.st.Version++
}

// Value returns the custom field stored under key.
func (m *Manager) Value(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.st.Custom[key]
	return v, ok
}

// SetValue stores a custom field. Keys shadowing fixed state fields are
// ignored so the query shape stays well-formed.
func (m *Manager) SetValue(key string, value any) {
	if _, reserved := reservedFields[key]; reserved {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	m.st.Custom[key] = value
	m.st.Version++
}

// Task returns a copy of the task with the given id. Unknown ids return ok
// false rather than an error.
func (m *Manager) Task(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.Tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns a copy of every task, ordered by id for deterministic output.
func (m *Manager) Tasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.st.Tasks))
	for _, t := range m.st.Tasks {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b *Task) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// SetTask stores the task keyed by its id, replacing any previous value.
// Callers are responsible for issuing the paired relation update that keeps
// BlockedBy/Blocks bidirectional; the manager stores what it is given.
func (m *Manager) SetTask(t *Task) {
	if t == nil || t.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	m.st.Tasks[t.ID] = t.Clone()
	m.st.Version++
}

// SetTasks stores several tasks as a single logical mutation with one version
// bump. Used by the task update handler to keep both sides of a relation
// change from being observable in a half-applied state.
func (m *Manager) SetTasks(tasks ...*Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	var stored bool
	for _, t := range tasks {
		if t == nil || t.ID == "" {
			continue
		}
		m.st.Tasks[t.ID] = t.Clone()
		stored = true
	}
	if stored {
		m.st.Version++
	}
}

// DeleteTask removes the task with the given id. Removing an unknown id is a
// no-op and does not bump the version.
func (m *Manager) DeleteTask(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	if _, ok := m.st.Tasks[id]; !ok {
		return
	}
	delete(m.st.Tasks, id)
	m.st.Version++
}

// SetTools stores the schema snapshot of the registered tool set.
func (m *Manager) SetTools(tools []ToolSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.Status.Terminal() {
		return
	}
	m.st.Tools = slices.Clone(tools)
	m.st.Version++
}

// Snapshot returns a deep copy of the full state suitable for the host query
// boundary.
func (m *Manager) Snapshot() AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.st
	cp.Tools = slices.Clone(m.st.Tools)
	cp.Tasks = make(map[string]*Task, len(m.st.Tasks))
	for id, t := range m.st.Tasks {
		cp.Tasks[id] = t.Clone()
	}
	cp.Custom = make(map[string]any, len(m.st.Custom))
	for k, v := range m.st.Custom {
		cp.Custom[k] = v
	}
	return cp
}

// ShouldReturnFromWait reports whether a bounded wait for change should
// return: true when the version advanced past lastKnown or the status is
// terminal.
func (m *Manager) ShouldReturnFromWait(lastKnown uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Version > lastKnown || m.st.Status.Terminal()
}
