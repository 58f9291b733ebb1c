package app

import (
	"delegator/internal/config"
	"delegator/internal/notifier"
	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/internal/task/limiter"
	"delegator/internal/task/manager"
	"delegator/internal/task/poller"
	"delegator/pkg/logx"
)

func logConfig(s *config.Settings) logx.Config {
	return logx.Config{
		Level:   s.Logging.Level,
		Console: s.Logging.Console,
		File: logx.FileConfig{
			Enabled: s.Logging.File.Enabled,
			Path:    s.Logging.File.Path,
		},
	}
}

func storageConfig(s *config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		BusyTimeout: s.StorageBusyTimeout,
	}
}

func limiterConfig(s *config.Settings) limiter.Config {
	return limiter.Config{Default: s.ConcurrencyDefault, Limits: s.ConcurrencyLimits}
}

func retryPolicy(s *config.Settings) task.RetryPolicy {
	return task.RetryPolicy{Max: s.RetryMax, Base: s.RetryBase, MaxDelay: s.RetryMaxDelay}
}

func managerConfig(s *config.Settings) manager.Config {
	agents := make(map[string]manager.Agent, len(s.Agents))
	for k, a := range s.Agents {
		agents[k] = manager.Agent{Kind: a.Kind, Model: a.Model, ConcurrencyKey: a.ConcurrencyKey}
	}
	return manager.Config{
		Agents:          agents,
		RestrictedTools: s.RestrictedTools,
		Retry:           retryPolicy(s),
		CallTimeout:     s.CallTimeout,
		TaskTTL:         s.TaskTTL,
	}
}

func pollerConfig(s *config.Settings) poller.Config {
	return poller.Config{
		Interval:           s.PollInterval,
		StabilityThreshold: s.StabilityThreshold,
		FetchRetryMax:      s.FetchRetryMax,
		CallTimeout:        s.CallTimeout,
		StaleTimeout:       s.StaleTimeout,
		Backoff:            retryPolicy(s),
	}
}

func notifierConfig(s *config.Settings) notifier.Config {
	n := s.Notifier
	return notifier.Config{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase,
		RetryMaxDelay:   n.RetryMaxDelay,
		CallTimeout:     s.CallTimeout,
		MaxChars:        n.MaxChars,
		DedupWindow:     n.DedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}
