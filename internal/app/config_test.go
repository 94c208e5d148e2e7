package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	if yaml != "" {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())
	}
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(newTestViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Detection.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Detection.Window)
	assert.Equal(t, 24*time.Hour, cfg.Cooldown.Base)
	assert.Equal(t, 10*time.Minute, cfg.Distributed.Window)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.Whitelist)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "file", cfg.Sources[0].Type)
	assert.Equal(t, "/var/log/auth.log", cfg.Sources[0].Path)
	assert.True(t, cfg.Sources[0].Follow)

	mc := cfg.MonitorConfig()
	assert.Equal(t, 5, mc.Threshold)
	assert.Equal(t, 4, mc.Pool.Workers)
	assert.Equal(t, 1024, mc.Pool.BufferSize)
	assert.Equal(t, 2.0, mc.Cooldown.Factor)
	assert.Equal(t, 720*time.Hour, mc.Cooldown.Max)
}

func TestLoadConfig_FromFile(t *testing.T) {
	v := newTestViper(t, `
detection:
  threshold: 3
  window: 2m
cooldown:
  base: 1h
  max: 8h
whitelist:
  - 10.0.0.0/8
sources:
  - type: journald
    units: [sshd]
firewall:
  backends: [nftables]
`)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Detection.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.Detection.Window)
	assert.Equal(t, time.Hour, cfg.Cooldown.Base)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Whitelist)
	assert.Equal(t, "journald", cfg.Sources[0].Type)
	assert.Equal(t, []string{"sshd"}, cfg.Sources[0].Units)
	assert.Equal(t, []string{"nftables"}, cfg.Firewall.Backends)
}

func TestConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  any
		field  string
		reason string
	}{
		{"threshold below one", "detection.threshold", 0, "detection.threshold", "must be greater than or equal to 1"},
		{"unknown backend", "firewall.backends", []string{"pf"}, "firewall.backends[0]", "must be one of"},
		{"bad whitelist entry", "whitelist", []string{"10.0.0.0/33"}, "whitelist[0]", "must be an IP address or CIDR prefix"},
		{"bad log level", "logging.level", "verbose", "logging.level", "must be one of"},
		{"bad admin address", "admin.listen", "localhost", "admin.listen", "must be host:port"},
		{"empty admin address", "admin.listen", "", "admin.listen", "required"},
		{"max shorter than base", "cooldown.max", "1h", "cooldown.max", "must not be shorter"},
		{"retry interval inverted", "firewall.retry.max_interval", "1ms", "firewall.retry.max_interval", "must not be less than initial_interval"},
		{"command backend without templates", "firewall.backends", []string{"command"}, "firewall.command", "templates are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper(t, "")
			v.Set(tt.key, tt.value)

			_, err := LoadConfig(v)
			require.Error(t, err)

			var cve *ConfigValidationError
			require.ErrorAs(t, err, &cve)
			assert.Equal(t, tt.field, cve.Field)
			assert.Contains(t, cve.Reason, tt.reason)
		})
	}
}

func TestConfig_FileSourceRequiresPath(t *testing.T) {
	v := newTestViper(t, "")
	v.Set("sources", []map[string]any{{"type": "file"}})

	_, err := LoadConfig(v)
	var cve *ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, "sources[0].path", cve.Field)
}

func TestConfigKey(t *testing.T) {
	assert.Equal(t, "firewall.retry.max_interval", configKey("Config.Firewall.Retry.MaxInterval"))
	assert.Equal(t, "pipeline.inbound_buffer", configKey("Config.Pipeline.InboundBuffer"))
	assert.Equal(t, "alerts.json.enabled", configKey("Config.Alerts.JSON.Enabled"))
}

type fakeWhitelistTarget struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeWhitelistTarget) ReplaceWhitelist(_ context.Context, entries []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), entries...))
	return nil
}

func TestConfigWatcher_Apply(t *testing.T) {
	v := newTestViper(t, "")
	current, err := LoadConfig(v)
	require.NoError(t, err)

	target := &fakeWhitelistTarget{}
	w := NewConfigWatcher(v, current, target)
	ctx := context.Background()

	// Unchanged whitelist does not touch the monitor.
	require.NoError(t, w.Apply(ctx))
	assert.Empty(t, target.calls)
	assert.Equal(t, int64(1), w.Reloads())

	v.Set("whitelist", []string{"127.0.0.1", "192.0.2.0/24"})
	v.Set("detection.threshold", 7)
	require.NoError(t, w.Apply(ctx))
	require.Len(t, target.calls, 1)
	assert.Equal(t, []string{"127.0.0.1", "192.0.2.0/24"}, target.calls[0])
	assert.Equal(t, 7, w.Current().Detection.Threshold)

	// An invalid reload keeps the previous configuration.
	v.Set("whitelist", []string{"not-an-address"})
	assert.Error(t, w.Apply(ctx))
	assert.Len(t, target.calls, 1)
	assert.Equal(t, []string{"127.0.0.1", "192.0.2.0/24"}, w.Current().Whitelist)
	assert.Equal(t, int64(2), w.Reloads())
}

func TestRestartRequired(t *testing.T) {
	a, err := LoadConfig(newTestViper(t, ""))
	require.NoError(t, err)
	b := *a
	b.Whitelist = []string{"10.0.0.1"}
	assert.Empty(t, restartRequired(a, &b))

	b.Detection.Threshold = 9
	b.Pipeline.Workers = 8
	assert.Equal(t, []string{"detection", "pipeline"}, restartRequired(a, &b))
}
