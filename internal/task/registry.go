package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"delegator/internal/eventbus"
)

// Event types published on the bus. Transition events are "task." + status.
const (
	EventPrefix = "task."
	EventPruned = "task.pruned"
)

// Registry is the authoritative in-memory table of tasks. It is owned by the
// manager and handed to the poller and notifier by reference; nothing is
// ambient or global.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	bus   eventbus.Bus
	now   func() time.Time
}

func NewRegistry(bus eventbus.Bus) *Registry {
	return &Registry{tasks: make(map[string]*Task), bus: bus, now: time.Now}
}

func (r *Registry) emit(ev Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: EventPrefix + string(ev.To), Time: ev.At, Data: ev})
}

// Add creates a queued task. IDs are unique for the life of the registry
// entry; a clash returns ErrDuplicateID.
func (r *Registry) Add(s Spec) (*Task, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, fmt.Errorf("task id is required")
	}
	now := r.now()
	r.mu.Lock()
	if _, ok := r.tasks[s.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}
	t := newTask(s, now, r.emit)
	r.tasks[s.ID] = t
	r.mu.Unlock()

	r.emit(Event{TaskID: t.id, ParentSessionID: t.parentSessionID, AgentKind: t.agentKind, ConcurrencyKey: t.concurrencyKey, To: StatusQueued, At: now})
	return t, nil
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// List returns tasks ordered by creation time. An empty parent lists all.
func (r *Registry) List(parentSessionID string) []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if parentSessionID == "" || t.parentSessionID == parentSessionID {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// InStatus returns the tasks currently in one of the given statuses.
func (r *Registry) InStatus(statuses ...Status) []*Task {
	var out []*Task
	for _, t := range r.List("") {
		st := t.Status()
		for _, want := range statuses {
			if st == want {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Counts returns the number of tasks per status.
func (r *Registry) Counts() map[Status]int {
	out := map[Status]int{}
	for _, t := range r.List("") {
		out[t.Status()]++
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Prune removes terminal tasks that finished more than ttl ago.
func (r *Registry) Prune(ttl time.Duration, now time.Time) []string {
	if ttl <= 0 {
		return nil
	}
	var removed []string
	r.mu.Lock()
	for id, t := range r.tasks {
		t.mu.Lock()
		expired := t.status.Terminal() && !t.finishedAt.IsZero() && now.Sub(t.finishedAt) > ttl
		t.mu.Unlock()
		if expired {
			delete(r.tasks, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(removed)
	if r.bus != nil {
		for _, id := range removed {
			r.bus.Publish(eventbus.Event{Type: EventPruned, Time: now, Data: id})
		}
	}
	return removed
}
