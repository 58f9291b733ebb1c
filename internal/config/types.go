package config

// Config is the on-disk schema. All durations are Go duration strings
// ("500ms", "10s", "1m"); omitted fields take the defaults listed on each
// section. Resolve turns it into typed Settings.
type Config struct {
	Logging      LoggingConfig          `json:"logging"`
	Scheduler    SchedulerConfig        `json:"scheduler"`
	Concurrency  ConcurrencyConfig      `json:"concurrency"`
	Agents       map[string]AgentConfig `json:"agents"`
	DefaultModel string                 `json:"default_model,omitempty"`

	// RestrictedTools are disabled inside every delegated session so a
	// delegated agent cannot delegate again. Omitted means the default set.
	RestrictedTools []string `json:"restricted_tools,omitempty"`

	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Collaborator CollaboratorConfig `json:"collaborator"`
	HTTP         HTTPConfig         `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls polling and task lifetime.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "2s"
//   - stability_threshold: 3
//   - fetch_retry_max: 3
//   - call_timeout: "30s"
//   - stale_timeout: "0s" (disabled)
//   - task_ttl: "30m"
//   - prune_schedule: "@every 1m"
//   - retry_max: 2, retry_base: "500ms", retry_max_delay: "10s" (create/send)
type SchedulerConfig struct {
	PollInterval       string `json:"poll_interval,omitempty"`
	StabilityThreshold int    `json:"stability_threshold,omitempty"`
	FetchRetryMax      *int   `json:"fetch_retry_max,omitempty"`
	CallTimeout        string `json:"call_timeout,omitempty"`
	StaleTimeout       string `json:"stale_timeout,omitempty"`
	TaskTTL            string `json:"task_ttl,omitempty"`
	PruneSchedule      string `json:"prune_schedule,omitempty"`
	RetryMax           *int   `json:"retry_max,omitempty"`
	RetryBase          string `json:"retry_base,omitempty"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
}

// ConcurrencyConfig bounds running tasks per concurrency key
// ("provider/model"). Limits keys may be exact keys or glob patterns
// ("anthropic/*").
type ConcurrencyConfig struct {
	Default int            `json:"default,omitempty"`
	Limits  map[string]int `json:"limits,omitempty"`
}

// AgentConfig describes one delegatable agent kind.
type AgentConfig struct {
	Model       string `json:"model,omitempty"` // "provider/model"; falls back to default_model
	Description string `json:"description,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, defaults apply.
type NotifierConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	MaxChars        int    `json:"max_chars,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/delegator.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CollaboratorConfig points at the agent session server.
type CollaboratorConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback addr requires Token or AllowInsecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:7450"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mounts /debug/pprof behind the same token
}
