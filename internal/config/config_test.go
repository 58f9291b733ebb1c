package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegator/pkg/logx"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true},
  "scheduler": {"poll_interval": "500ms", "stability_threshold": 4, "task_ttl": "1h"},
  "concurrency": {"default": 2, "limits": {"anthropic/*": 3, "anthropic/claude-opus-4": 1}},
  "agents": {"explore": {"model": "anthropic/claude-haiku-4"}, "oracle": {}},
  "default_model": "openai/gpt-5",
  "collaborator": {"base_url": "http://127.0.0.1:4096/"}
}`

const yamlConfig = `
logging:
  level: debug
  console: true
scheduler:
  poll_interval: 500ms
  stability_threshold: 4
  task_ttl: 1h
concurrency:
  default: 2
  limits:
    "anthropic/*": 3
    anthropic/claude-opus-4: 1
agents:
  explore:
    model: anthropic/claude-haiku-4
  oracle: {}
default_model: openai/gpt-5
collaborator:
  base_url: http://127.0.0.1:4096/
`

const tomlConfig = `
default_model = "openai/gpt-5"

[logging]
level = "debug"
console = true

[scheduler]
poll_interval = "500ms"
stability_threshold = 4
task_ttl = "1h"

[concurrency]
default = 2
[concurrency.limits]
"anthropic/*" = 3
"anthropic/claude-opus-4" = 1

[agents.explore]
model = "anthropic/claude-haiku-4"
[agents.oracle]

[collaborator]
base_url = "http://127.0.0.1:4096/"
`

func TestParseFormatsAgree(t *testing.T) {
	for name, tc := range map[string]struct{ file, body string }{
		"json": {"c.json", jsonConfig},
		"yaml": {"c.yaml", yamlConfig},
		"toml": {"c.toml", tomlConfig},
	} {
		t.Run(name, func(t *testing.T) {
			snap, err := ParseBytes(tc.file, []byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, name, snap.Format)

			s := snap.Settings
			assert.Equal(t, 500*time.Millisecond, s.PollInterval)
			assert.Equal(t, 4, s.StabilityThreshold)
			assert.Equal(t, time.Hour, s.TaskTTL)
			assert.Equal(t, 3, s.FetchRetryMax)
			assert.Equal(t, "@every 1m", s.PruneSchedule)
			assert.Equal(t, 2, s.ConcurrencyDefault)
			assert.Equal(t, map[string]int{"anthropic/*": 3, "anthropic/claude-opus-4": 1}, s.ConcurrencyLimits)
			assert.Equal(t, "anthropic/claude-haiku-4", s.Agents["explore"].ConcurrencyKey)
			assert.Equal(t, "openai/gpt-5", s.Agents["oracle"].Model)
			assert.Equal(t, []string{"explore", "oracle"}, s.AgentKinds())
			assert.Equal(t, DefaultRestrictedTools, s.RestrictedTools)
			assert.Equal(t, "http://127.0.0.1:4096", s.CollaboratorURL)
			assert.Equal(t, DefaultHTTPAddr, s.HTTPAddr)
		})
	}
}

func TestUnknownFieldsAreRejected(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"agents": {}, "colaborator": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colaborator")

	_, err = ParseBytes("c.json", []byte(jsonConfig+`{}`))
	assert.Error(t, err)
}

func TestResolveReportsEveryProblem(t *testing.T) {
	cfg := &Config{
		Scheduler:   SchedulerConfig{PollInterval: "soon", PruneSchedule: "whenever"},
		Concurrency: ConcurrencyConfig{Limits: map[string]int{"p/m": 0}},
		Agents:      map[string]AgentConfig{"explore": {}},
		Notifier:    &NotifierConfig{PersistDedup: true},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"poll_interval", "prune_schedule", `"p/m"`, "agents.explore", "persist_dedup", "base_url"} {
		assert.Contains(t, msg, want)
	}
}

func TestPublicHTTPAddrNeedsToken(t *testing.T) {
	base := func(http HTTPConfig) *Config {
		return &Config{
			Agents:       map[string]AgentConfig{"explore": {Model: "p/m"}},
			Collaborator: CollaboratorConfig{BaseURL: "http://127.0.0.1:4096"},
			HTTP:         http,
		}
	}
	_, err := Resolve(base(HTTPConfig{Enabled: true, Addr: ":7450"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.token")

	for _, h := range []HTTPConfig{
		{Enabled: true, Addr: ":7450", Token: "s3cret"},
		{Enabled: true, Addr: "0.0.0.0:7450", AllowInsecure: true},
		{Enabled: true, Addr: "localhost:7450"},
		{Enabled: false, Addr: ":7450"},
	} {
		_, err := Resolve(base(h))
		assert.NoError(t, err, "%+v", h)
	}

	assert.True(t, IsLoopbackAddr("[::1]:80"))
	assert.False(t, IsLoopbackAddr("10.0.0.1:80"))
	assert.False(t, IsLoopbackAddr("nonsense"))
}

func TestSummarizeChange(t *testing.T) {
	a, err := ParseBytes("c.json", []byte(jsonConfig))
	require.NoError(t, err)
	b, err := ParseBytes("c.json", []byte(strings.Replace(jsonConfig, `"default": 2`, `"default": 5`, 1)))
	require.NoError(t, err)

	changed, attrs := SummarizeChange(a.Settings, b.Settings)
	assert.Equal(t, []string{"concurrency"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(a.Settings, a.Settings)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "delegator.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonConfig), 0o600))

	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond) // let the watcher register

	// Invalid edits are ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{"agents": `), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, m.Get().Settings.ConcurrencyDefault)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(jsonConfig, `"default": 2`, `"default": 6`, 1)), 0o600))
	select {
	case snap := <-updates:
		assert.Equal(t, 6, snap.Settings.ConcurrencyDefault)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, 6, m.Get().Settings.ConcurrencyDefault)

	cancel()
	require.NoError(t, <-done)
}
