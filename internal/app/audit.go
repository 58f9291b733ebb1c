package app

import (
	"context"
	"encoding/json"
	"time"

	"delegator/internal/eventbus"
	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/pkg/logx"
)

// auditLoop appends one record per task that reaches a terminal status.
// Events already buffered when ctx ends are still written.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.audit(ctx, e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			a.audit(ctx, e)
		}
	}
}

func (a *App) audit(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(task.Event)
	if !ok || !ev.To.Terminal() {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(wctx, a.auditEntry(ev)); err != nil {
		a.log.Warn("audit append failed", logx.String("task", ev.TaskID), logx.Err(err))
	}
}

func (a *App) auditEntry(ev task.Event) storage.AuditEntry {
	e := storage.AuditEntry{
		At:              ev.At,
		TaskID:          ev.TaskID,
		ParentSessionID: ev.ParentSessionID,
		AgentKind:       ev.AgentKind,
		ConcurrencyKey:  ev.ConcurrencyKey,
		Status:          string(ev.To),
		Error:           ev.Error,
	}
	snap, err := a.mgr.Get(ev.TaskID)
	if err != nil {
		return e
	}
	e.ChildSessionID = snap.ChildSessionID
	e.DurationMS = snap.Duration.Milliseconds()
	e.ResultChars = len(snap.Result)
	meta, err := json.Marshal(map[string]any{
		"model":         snap.Model,
		"from":          ev.From,
		"poll_attempts": snap.PollAttempts,
		"messages":      snap.Progress.Messages,
		"tool_calls":    snap.Progress.ToolCalls,
	})
	if err == nil {
		e.MetaJSON = string(meta)
	}
	return e
}
