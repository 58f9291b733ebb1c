package manager

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"delegator/pkg/logx"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// janitor runs the registry prune sweep on a cron schedule.
type janitor struct {
	c *cron.Cron
}

func newJanitor(spec string, fn func(), log logx.Logger) (*janitor, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("prune schedule %q: %w", spec, err)
	}
	cl := cronLogger{log: log.With(logx.String("comp", "janitor"))}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(sched, cron.FuncJob(fn))
	return &janitor{c: c}, nil
}

func (j *janitor) start() { j.c.Start() }

func (j *janitor) stop(ctx context.Context) {
	select {
	case <-j.c.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts logx to cron.Logger. cron's own info chatter goes to
// trace level.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
