package config

import (
	"reflect"

	"delegator/pkg/logx"
)

// SummarizeChange returns the changed sections and compact structured attrs
// for logging a reload. It never includes collaborator URLs verbatim since
// they may carry credentials.
func SummarizeChange(oldS, newS *Settings) ([]string, []logx.Field) {
	if oldS == nil {
		oldS = &Settings{}
	}
	if newS == nil {
		newS = &Settings{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldS.Logging != newS.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newS.Logging.Level),
			logx.Bool("logging.file_enabled", newS.Logging.File.Enabled),
		)
	}

	if oldS.PollInterval != newS.PollInterval ||
		oldS.StabilityThreshold != newS.StabilityThreshold ||
		oldS.FetchRetryMax != newS.FetchRetryMax ||
		oldS.CallTimeout != newS.CallTimeout ||
		oldS.StaleTimeout != newS.StaleTimeout ||
		oldS.TaskTTL != newS.TaskTTL ||
		oldS.PruneSchedule != newS.PruneSchedule ||
		oldS.RetryMax != newS.RetryMax ||
		oldS.RetryBase != newS.RetryBase ||
		oldS.RetryMaxDelay != newS.RetryMaxDelay {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Duration("scheduler.poll_interval", newS.PollInterval),
			logx.Int("scheduler.stability_threshold", newS.StabilityThreshold),
			logx.Duration("scheduler.task_ttl", newS.TaskTTL),
			logx.String("scheduler.prune_schedule", newS.PruneSchedule),
		)
	}

	if oldS.ConcurrencyDefault != newS.ConcurrencyDefault || !reflect.DeepEqual(oldS.ConcurrencyLimits, newS.ConcurrencyLimits) {
		changed = append(changed, "concurrency")
		attrs = append(attrs,
			logx.Int("concurrency.default", newS.ConcurrencyDefault),
			logx.Int("concurrency.limits", len(newS.ConcurrencyLimits)),
		)
	}

	if !reflect.DeepEqual(oldS.Agents, newS.Agents) || !reflect.DeepEqual(oldS.RestrictedTools, newS.RestrictedTools) {
		changed = append(changed, "agents")
		attrs = append(attrs, logx.Int("agents.count", len(newS.Agents)))
	}

	if oldS.Notifier != newS.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newS.Notifier.RatePerSec),
			logx.Int("notifier.max_chars", newS.Notifier.MaxChars),
		)
	}

	// Restart-only sections: reported so operators know the edit is pending.
	if oldS.StorageDriver != newS.StorageDriver || oldS.StoragePath != newS.StoragePath || oldS.StorageBusyTimeout != newS.StorageBusyTimeout {
		changed = append(changed, "storage(restart)")
	}
	if oldS.CollaboratorURL != newS.CollaboratorURL || oldS.CollaboratorTimeout != newS.CollaboratorTimeout {
		changed = append(changed, "collaborator(restart)")
	}
	if oldS.HTTPEnabled != newS.HTTPEnabled || oldS.HTTPAddr != newS.HTTPAddr ||
		oldS.HTTPToken != newS.HTTPToken || oldS.HTTPAllowInsecure != newS.HTTPAllowInsecure || oldS.HTTPPprof != newS.HTTPPprof {
		changed = append(changed, "http(restart)")
	}
	return changed, attrs
}
