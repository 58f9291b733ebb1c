package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"
)

// DefaultRestrictedTools are disabled inside delegated sessions unless the
// config names its own list.
var DefaultRestrictedTools = []string{"delegate_task", "call_agent", "task"}

const DefaultHTTPAddr = "127.0.0.1:7450"

// CronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as "@every 1m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Settings is a validated, defaulted view of Config.
type Settings struct {
	Logging LoggingConfig

	PollInterval       time.Duration
	StabilityThreshold int
	FetchRetryMax      int
	CallTimeout        time.Duration
	StaleTimeout       time.Duration
	TaskTTL            time.Duration
	PruneSchedule      string
	RetryMax           int
	RetryBase          time.Duration
	RetryMaxDelay      time.Duration

	ConcurrencyDefault int
	ConcurrencyLimits  map[string]int

	Agents          map[string]Agent
	RestrictedTools []string

	Notifier Notifier

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	CollaboratorURL     string
	CollaboratorTimeout time.Duration

	HTTPEnabled       bool
	HTTPAddr          string
	HTTPToken         string
	HTTPAllowInsecure bool
	HTTPPprof         bool
}

// Agent is a resolved agent kind. ConcurrencyKey is the model it runs on.
type Agent struct {
	Kind           string
	Model          string
	ConcurrencyKey string
	Description    string
}

type Notifier struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	MaxChars        int
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// AgentKinds returns the allowed agent kinds, sorted.
func (s *Settings) AgentKinds() []string {
	out := make([]string, 0, len(s.Agents))
	for k := range s.Agents {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve validates cfg and applies defaults. All problems are reported
// together.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	intOr := func(p *int, def int) int {
		if p == nil {
			return def
		}
		return *p
	}

	sc := cfg.Scheduler
	s := &Settings{
		Logging:            cfg.Logging,
		PollInterval:       dur("scheduler.poll_interval", sc.PollInterval, 2*time.Second),
		StabilityThreshold: sc.StabilityThreshold,
		FetchRetryMax:      intOr(sc.FetchRetryMax, 3),
		CallTimeout:        dur("scheduler.call_timeout", sc.CallTimeout, 30*time.Second),
		StaleTimeout:       dur("scheduler.stale_timeout", sc.StaleTimeout, 0),
		TaskTTL:            dur("scheduler.task_ttl", sc.TaskTTL, 30*time.Minute),
		PruneSchedule:      strings.TrimSpace(sc.PruneSchedule),
		RetryMax:           intOr(sc.RetryMax, 2),
		RetryBase:          dur("scheduler.retry_base", sc.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:      dur("scheduler.retry_max_delay", sc.RetryMaxDelay, 10*time.Second),
		ConcurrencyDefault: cfg.Concurrency.Default,
		ConcurrencyLimits:  map[string]int{},
		Agents:             map[string]Agent{},
		HTTPEnabled:        cfg.HTTP.Enabled,
		HTTPAddr:           strings.TrimSpace(cfg.HTTP.Addr),
		HTTPToken:          strings.TrimSpace(cfg.HTTP.Token),
		HTTPAllowInsecure:  cfg.HTTP.AllowInsecure,
		HTTPPprof:          cfg.HTTP.Pprof,
	}
	if s.StabilityThreshold == 0 {
		s.StabilityThreshold = 3
	}
	if s.StabilityThreshold < 1 {
		errs = append(errs, fmt.Errorf("scheduler.stability_threshold must be >= 1"))
	}
	if s.FetchRetryMax < 0 || s.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("scheduler retry counts must be >= 0"))
	}
	if s.PruneSchedule == "" {
		s.PruneSchedule = "@every 1m"
	}
	if _, err := CronParser.Parse(s.PruneSchedule); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.prune_schedule: %w", err))
	}

	if s.ConcurrencyDefault < 0 {
		errs = append(errs, fmt.Errorf("concurrency.default must be >= 0"))
	}
	if s.ConcurrencyDefault == 0 {
		s.ConcurrencyDefault = 1
	}
	for k, v := range cfg.Concurrency.Limits {
		k = strings.TrimSpace(k)
		switch {
		case k == "":
			errs = append(errs, fmt.Errorf("concurrency.limits: empty key"))
		case v < 1:
			errs = append(errs, fmt.Errorf("concurrency.limits[%q] must be >= 1", k))
		case !doublestar.ValidatePattern(k):
			errs = append(errs, fmt.Errorf("concurrency.limits[%q]: invalid pattern", k))
		default:
			s.ConcurrencyLimits[k] = v
		}
	}

	if len(cfg.Agents) == 0 {
		errs = append(errs, fmt.Errorf("agents: at least one agent kind is required"))
	}
	for kind, a := range cfg.Agents {
		kind = strings.TrimSpace(kind)
		model := strings.TrimSpace(a.Model)
		if model == "" {
			model = strings.TrimSpace(cfg.DefaultModel)
		}
		if kind == "" {
			errs = append(errs, fmt.Errorf("agents: empty agent kind"))
			continue
		}
		if model == "" {
			errs = append(errs, fmt.Errorf("agents.%s: no model and no default_model", kind))
			continue
		}
		if !strings.Contains(model, "/") {
			errs = append(errs, fmt.Errorf("agents.%s: model %q must be provider/model", kind, model))
			continue
		}
		s.Agents[kind] = Agent{Kind: kind, Model: model, ConcurrencyKey: model, Description: a.Description}
	}

	s.RestrictedTools = DefaultRestrictedTools
	if cfg.RestrictedTools != nil {
		s.RestrictedTools = cfg.RestrictedTools
	}

	n := NotifierConfig{}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	s.Notifier = Notifier{
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       dur("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   dur("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		MaxChars:        n.MaxChars,
		DedupWindow:     dur("notifier.dedup_window", n.DedupWindow, 10*time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.MaxChars < 0 {
		errs = append(errs, fmt.Errorf("notifier: counts must be >= 0"))
	}

	if cfg.Storage != nil {
		s.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		s.StoragePath = strings.TrimSpace(cfg.Storage.Path)
		s.StorageBusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		switch s.StorageDriver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if s.StoragePath == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.StorageDriver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.StorageDriver))
		}
	}
	if s.Notifier.PersistDedup && (s.StorageDriver == "" || s.StorageDriver == "none") {
		errs = append(errs, fmt.Errorf("notifier.persist_dedup requires storage"))
	}

	s.CollaboratorURL = strings.TrimRight(strings.TrimSpace(cfg.Collaborator.BaseURL), "/")
	s.CollaboratorTimeout = dur("collaborator.timeout", cfg.Collaborator.Timeout, 30*time.Second)
	if s.CollaboratorURL == "" {
		errs = append(errs, fmt.Errorf("collaborator.base_url is required"))
	} else if u, err := url.Parse(s.CollaboratorURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("collaborator.base_url %q must be an http(s) URL", s.CollaboratorURL))
	}

	if s.HTTPAddr == "" {
		s.HTTPAddr = DefaultHTTPAddr
	}
	if _, _, err := net.SplitHostPort(s.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("http.addr: %w", err))
	} else if s.HTTPEnabled && s.HTTPToken == "" && !s.HTTPAllowInsecure && !IsLoopbackAddr(s.HTTPAddr) {
		errs = append(errs, fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", s.HTTPAddr))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// IsLoopbackAddr reports whether a host:port binds only to loopback. An
// empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
