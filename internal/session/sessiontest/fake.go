// Package sessiontest provides a scriptable in-memory session.Client for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"delegator/internal/session"
)

// Call records one collaborator invocation.
type Call struct {
	Op        string
	SessionID string
	ParentID  string
	Prompt    session.Prompt
	Text      string
}

// Fake is a session.Client and session.Aborter backed by memory.
//
// Transcripts are either set directly (SetTranscript) or produced by the
// Respond hook, which sees the per-session fetch count (1-based).
type Fake struct {
	mu sync.Mutex

	seq         int
	calls       []Call
	transcripts map[string][]session.Message
	fetches     map[string]int
	fetchErrs   map[string][]error

	// Optional behavior knobs. Set before use.
	CreateErr error
	SendErr   error
	InjectErr error
	Respond   func(sessionID string, fetch int) ([]session.Message, error)
	// BeforeFetch runs outside the lock; it may block on ctx.
	BeforeFetch func(ctx context.Context, sessionID string) error
	// BeforeCreate and BeforeSend run after the call is recorded, outside
	// the lock. A non-nil error is returned as the call's result.
	BeforeCreate func(ctx context.Context, parentID string) error
	BeforeSend   func(ctx context.Context, sessionID string) error
}

func New() *Fake {
	return &Fake{
		transcripts: map[string][]session.Message{},
		fetches:     map[string]int{},
		fetchErrs:   map[string][]error{},
	}
}

func (f *Fake) CreateSession(ctx context.Context, parentID, title string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "create", ParentID: parentID, Text: title})
	hook := f.BeforeCreate
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, parentID); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", &session.SessionCreateError{ParentID: parentID, Message: "fake refused", Err: f.CreateErr}
	}
	f.seq++
	return fmt.Sprintf("ses_%d", f.seq), ctx.Err()
}

func (f *Fake) SendPrompt(ctx context.Context, sessionID string, p session.Prompt) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: "send", SessionID: sessionID, Prompt: p})
	hook := f.BeforeSend
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, sessionID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	return ctx.Err()
}

func (f *Fake) FetchMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	if hook := f.hook(); hook != nil {
		if err := hook(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "fetch", SessionID: sessionID})
	f.fetches[sessionID]++
	n := f.fetches[sessionID]
	if q := f.fetchErrs[sessionID]; len(q) > 0 {
		f.fetchErrs[sessionID] = q[1:]
		if q[0] != nil {
			return nil, q[0]
		}
	}
	if f.Respond != nil {
		return f.Respond(sessionID, n)
	}
	return append([]session.Message(nil), f.transcripts[sessionID]...), nil
}

func (f *Fake) InjectMessage(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "inject", SessionID: sessionID, Text: text})
	if f.InjectErr != nil {
		return f.InjectErr
	}
	return ctx.Err()
}

func (f *Fake) AbortSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "abort", SessionID: sessionID})
	return nil
}

func (f *Fake) hook() func(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BeforeFetch
}

// SetTranscript replaces the transcript returned for sessionID.
func (f *Fake) SetTranscript(sessionID string, msgs ...session.Message) {
	f.mu.Lock()
	f.transcripts[sessionID] = msgs
	f.mu.Unlock()
}

// FailFetches queues errors returned by the next fetches of sessionID.
// A nil entry lets that fetch succeed.
func (f *Fake) FailFetches(sessionID string, errs ...error) {
	f.mu.Lock()
	f.fetchErrs[sessionID] = append(f.fetchErrs[sessionID], errs...)
	f.mu.Unlock()
}

// Calls returns a copy of all recorded calls, optionally filtered by op.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Fetches returns how many times sessionID was fetched.
func (f *Fake) Fetches(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[sessionID]
}

// Text builds a single-text-part message.
func Text(role session.Role, text string, at time.Time) session.Message {
	return session.Message{Role: role, Parts: []session.Part{{Kind: session.PartText, Text: text}}, CreatedAt: at}
}
