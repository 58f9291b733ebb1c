// Package session defines the execution-session collaborator the scheduler
// consumes: create a child session, send a prompt into it, read its
// transcript, and inject a message into a parent session.
package session

import (
	"context"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartKind string

const (
	PartText     PartKind = "text"
	PartToolCall PartKind = "tool"
	PartOther    PartKind = "other"
)

// Part is one segment of a message. Tool is set only for tool-call parts.
type Part struct {
	Kind PartKind `json:"type"`
	Text string   `json:"text,omitempty"`
	Tool string   `json:"tool,omitempty"`
}

type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt is what gets sent into a freshly created child session.
//
// DisabledTools lists tools the delegated agent must not see; it is how
// recursive delegation is cut off.
type Prompt struct {
	Agent         string
	Model         string
	Text          string
	DisabledTools []string
}

// Client is the transport-agnostic collaborator contract. Every call must
// honor ctx cancellation and deadline.
type Client interface {
	CreateSession(ctx context.Context, parentID, title string) (string, error)
	SendPrompt(ctx context.Context, sessionID string, p Prompt) error
	FetchMessages(ctx context.Context, sessionID string) ([]Message, error)
	InjectMessage(ctx context.Context, sessionID, text string) error
}

// Aborter is implemented by clients that can forcibly stop a session.
type Aborter interface {
	AbortSession(ctx context.Context, sessionID string) error
}

// SessionCreateError is returned when the collaborator refuses to create a session.
type SessionCreateError struct {
	ParentID string
	Message  string
	Err      error
}

func (e *SessionCreateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create session (parent %s): %s: %v", e.ParentID, e.Message, e.Err)
	}
	return fmt.Sprintf("create session (parent %s): %s", e.ParentID, e.Message)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }
