// Package limiter admits delegated tasks per concurrency key.
//
// Each key has its own counter, FIFO wait queue and mutex; keys never
// contend with each other. A released slot is handed straight to the oldest
// waiter for the same key, so a newcomer cannot overtake the queue.
package limiter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"delegator/internal/task"
	"delegator/pkg/logx"
)

// DefaultMax applies to keys with no configured limit.
const DefaultMax = 1

// Config maps concurrency keys to maxima. Keys in Limits are either exact
// concurrency keys ("anthropic/claude-sonnet") or doublestar patterns
// ("anthropic/*"). An exact entry wins; otherwise the longest matching
// pattern does.
type Config struct {
	Default int
	Limits  map[string]int
}

type pattern struct {
	glob string
	max  int
}

type waiter struct {
	owner string
	ch    chan grant
	done  bool // set under keyState.mu once granted or failed
}

type grant struct {
	slot *Slot
	err  error
}

type keyState struct {
	key string

	mu       sync.Mutex
	max      int
	active   int
	queue    []*waiter
	acquired uint64
	released uint64
}

// Limiter hands out Slots. The zero value is not usable; call New.
type Limiter struct {
	log logx.Logger

	mu       sync.Mutex // guards cfg, patterns and the keys map only
	cfg      Config
	patterns []pattern
	keys     map[string]*keyState

	owners sync.Map // owner -> *keyState while queued
}

func New(cfg Config, log logx.Logger) (*Limiter, error) {
	l := &Limiter{log: log.With(logx.String("comp", "limiter")), keys: map[string]*keyState{}}
	if err := l.Apply(cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// Apply swaps the limits. Existing keys pick up their new maximum at once;
// a raised maximum admits queued waiters immediately, a lowered one only
// takes effect as slots are released.
func (l *Limiter) Apply(cfg Config) error {
	if cfg.Default <= 0 {
		cfg.Default = DefaultMax
	}
	var pats []pattern
	exact := map[string]int{}
	for k, v := range cfg.Limits {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v <= 0 {
			return fmt.Errorf("concurrency limit for %q must be positive, got %d", k, v)
		}
		if !hasMeta(k) {
			exact[k] = v
			continue
		}
		if !doublestar.ValidatePattern(k) {
			return fmt.Errorf("invalid concurrency pattern %q", k)
		}
		pats = append(pats, pattern{glob: k, max: v})
	}
	sort.Slice(pats, func(i, j int) bool {
		if len(pats[i].glob) != len(pats[j].glob) {
			return len(pats[i].glob) > len(pats[j].glob)
		}
		return pats[i].glob < pats[j].glob
	})
	cfg.Limits = exact

	l.mu.Lock()
	l.cfg = cfg
	l.patterns = pats
	states := make([]*keyState, 0, len(l.keys))
	for _, ks := range l.keys {
		states = append(states, ks)
	}
	l.mu.Unlock()

	for _, ks := range states {
		max := l.maxFor(ks.key)
		ks.mu.Lock()
		old := ks.max
		ks.max = max
		admitted := l.drainLocked(ks)
		ks.mu.Unlock()
		if old != max {
			l.log.Info("concurrency limit changed", logx.String("key", ks.key), logx.Int("from", old), logx.Int("to", max), logx.Int("admitted", admitted))
		}
	}
	return nil
}

func hasMeta(s string) bool { return strings.ContainsAny(s, "*?[{") }

// MaxFor resolves the configured maximum for key.
func (l *Limiter) MaxFor(key string) int { return l.maxFor(key) }

func (l *Limiter) maxFor(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cfg.Limits[key]; ok {
		return v
	}
	for _, p := range l.patterns {
		if ok, _ := doublestar.Match(p.glob, key); ok {
			return p.max
		}
	}
	return l.cfg.Default
}

func (l *Limiter) state(key string) *keyState {
	l.mu.Lock()
	ks := l.keys[key]
	l.mu.Unlock()
	if ks != nil {
		return ks
	}
	max := l.maxFor(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks = l.keys[key]; ks == nil {
		ks = &keyState{key: key, max: max}
		l.keys[key] = ks
	}
	return ks
}

// Acquire returns a Slot for key, waiting in FIFO order behind earlier
// callers when the key is at capacity. It never times out by itself; the
// wait ends when ctx is done or CancelWaiter(owner) is called, both of which
// yield a *task.AdmissionError.
func (l *Limiter) Acquire(ctx context.Context, key, owner string) (*Slot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("concurrency key is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, &task.AdmissionError{TaskID: owner, Key: key, Err: err}
	}
	ks := l.state(key)

	ks.mu.Lock()
	if ks.active < ks.max && len(ks.queue) == 0 {
		s := l.grantLocked(ks, owner)
		ks.mu.Unlock()
		return s, nil
	}
	w := &waiter{owner: owner, ch: make(chan grant, 1)}
	ks.queue = append(ks.queue, w)
	depth := len(ks.queue)
	if owner != "" {
		l.owners.Store(owner, ks)
	}
	ks.mu.Unlock()
	l.log.Debug("waiting for slot", logx.String("key", key), logx.String("task", owner), logx.Int("position", depth))

	select {
	case g := <-w.ch:
		l.owners.CompareAndDelete(owner, ks)
		return g.slot, g.err
	case <-ctx.Done():
	}

	ks.mu.Lock()
	if !w.done {
		w.done = true
		ks.removeLocked(w)
		ks.mu.Unlock()
		l.owners.CompareAndDelete(owner, ks)
		return nil, &task.AdmissionError{TaskID: owner, Key: key, Err: ctx.Err()}
	}
	ks.mu.Unlock()

	// Lost the race against a handoff or CancelWaiter.
	l.owners.CompareAndDelete(owner, ks)
	g := <-w.ch
	if g.slot != nil {
		g.slot.Release()
		return nil, &task.AdmissionError{TaskID: owner, Key: key, Err: ctx.Err()}
	}
	return nil, g.err
}

// CancelWaiter fails a still-queued Acquire for owner with an AdmissionError
// wrapping task.ErrCancelled. It reports whether a waiter was removed.
func (l *Limiter) CancelWaiter(owner string) bool {
	v, ok := l.owners.Load(owner)
	if !ok {
		return false
	}
	ks := v.(*keyState)
	ks.mu.Lock()
	var w *waiter
	for _, q := range ks.queue {
		if q.owner == owner && !q.done {
			w = q
			break
		}
	}
	if w == nil {
		ks.mu.Unlock()
		return false
	}
	w.done = true
	ks.removeLocked(w)
	ks.mu.Unlock()

	l.owners.CompareAndDelete(owner, ks)
	w.ch <- grant{err: &task.AdmissionError{TaskID: owner, Key: ks.key, Err: task.ErrCancelled}}
	return true
}

func (ks *keyState) removeLocked(w *waiter) {
	for i, q := range ks.queue {
		if q == w {
			ks.queue = append(ks.queue[:i], ks.queue[i+1:]...)
			return
		}
	}
}

func (l *Limiter) grantLocked(ks *keyState, owner string) *Slot {
	ks.active++
	ks.acquired++
	return &Slot{l: l, ks: ks, owner: owner}
}

// drainLocked admits waiters while there is room and returns how many.
func (l *Limiter) drainLocked(ks *keyState) int {
	n := 0
	for ks.active < ks.max && len(ks.queue) > 0 {
		w := ks.queue[0]
		ks.queue = ks.queue[1:]
		w.done = true
		w.ch <- grant{slot: l.grantLocked(ks, w.owner)}
		n++
	}
	return n
}

func (l *Limiter) release(ks *keyState, owner string) {
	ks.mu.Lock()
	ks.active--
	ks.released++
	if ks.active < 0 {
		ks.active = 0
	}
	next := ""
	if ks.active < ks.max && len(ks.queue) > 0 {
		next = ks.queue[0].owner
	}
	l.drainLocked(ks)
	ks.mu.Unlock()
	if next != "" {
		l.log.Debug("slot handed off", logx.String("key", ks.key), logx.String("from", owner), logx.String("to", next))
	}
}

// Slot is one unit of capacity for a key. Release is idempotent: only the
// first call gives the capacity back.
type Slot struct {
	l        *Limiter
	ks       *keyState
	owner    string
	released atomic.Bool
}

func (s *Slot) Key() string   { return s.ks.key }
func (s *Slot) Owner() string { return s.owner }

func (s *Slot) Release() bool {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return false
	}
	s.l.release(s.ks, s.owner)
	return true
}

// Stats is the accounting for one key.
type Stats struct {
	Key      string `json:"key"`
	Max      int    `json:"max"`
	Active   int    `json:"active"`
	Waiting  int    `json:"waiting"`
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
}

// Stats returns the accounting for key. Unknown keys report their
// configured maximum and zero counters.
func (l *Limiter) Stats(key string) Stats {
	l.mu.Lock()
	ks := l.keys[key]
	l.mu.Unlock()
	if ks == nil {
		return Stats{Key: key, Max: l.maxFor(key)}
	}
	return ks.stats()
}

func (ks *keyState) stats() Stats {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return Stats{Key: ks.key, Max: ks.max, Active: ks.active, Waiting: len(ks.queue), Acquired: ks.acquired, Released: ks.released}
}

// Snapshot returns stats for every key seen so far, sorted by key.
func (l *Limiter) Snapshot() []Stats {
	l.mu.Lock()
	states := make([]*keyState, 0, len(l.keys))
	for _, ks := range l.keys {
		states = append(states, ks)
	}
	l.mu.Unlock()
	out := make([]Stats, 0, len(states))
	for _, ks := range states {
		out = append(out, ks.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
