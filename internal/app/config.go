package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/sshwarden/internal/adapters/detection"
)

// Config is the decoded configuration file.
type Config struct {
	Detection   DetectionConfig   `mapstructure:"detection"`
	Distributed DistributedConfig `mapstructure:"distributed"`
	Cooldown    CooldownConfig    `mapstructure:"cooldown"`
	Firewall    FirewallConfig    `mapstructure:"firewall"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	State       StateConfig       `mapstructure:"state"`
	Whitelist   []string          `mapstructure:"whitelist" validate:"dive,ip|cidr"`
	Sources     []SourceConfig    `mapstructure:"sources" validate:"dive"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type DetectionConfig struct {
	Threshold     int           `mapstructure:"threshold" validate:"gte=1"`
	Window        time.Duration `mapstructure:"window" validate:"gt=0"`
	MaxIdentities int           `mapstructure:"max_identities" validate:"gte=1"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl" validate:"gte=0"`
}

type DistributedConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Threshold    int           `mapstructure:"threshold" validate:"gte=2"`
	Window       time.Duration `mapstructure:"window" validate:"gt=0"`
	GlobalBucket bool          `mapstructure:"global_bucket"`
}

type CooldownConfig struct {
	Base             time.Duration `mapstructure:"base" validate:"gte=0"`
	EscalationFactor float64       `mapstructure:"escalation_factor" validate:"gte=1"`
	Max              time.Duration `mapstructure:"max" validate:"gte=0"`
	PermanentAfter   int           `mapstructure:"permanent_after" validate:"gte=0"`
}

type FirewallConfig struct {
	Simulate           bool           `mapstructure:"simulate"`
	Backends           []string       `mapstructure:"backends" validate:"dive,oneof=ufw iptables nftables nft command simulate"`
	FallbackToSimulate bool           `mapstructure:"fallback_to_simulate"`
	Retry              RetryConfig    `mapstructure:"retry"`
	CallTimeout        time.Duration  `mapstructure:"call_timeout" validate:"gt=0"`
	MaxSyncAttempts    int            `mapstructure:"max_sync_attempts" validate:"gte=1"`
	IPTables           IPTablesConfig `mapstructure:"iptables"`
	NFTables           NFTablesConfig `mapstructure:"nftables"`
	Command            CommandConfig  `mapstructure:"command"`
}

type RetryConfig struct {
	Attempts        int           `mapstructure:"attempts" validate:"gte=1,lte=20"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `mapstructure:"max_interval" validate:"gtefield=InitialInterval"`
}

type IPTablesConfig struct {
	Chain string `mapstructure:"chain" validate:"required"`
}

type NFTablesConfig struct {
	Table string `mapstructure:"table" validate:"required,alphanum"`
}

type CommandConfig struct {
	Block   string `mapstructure:"block"`
	Unblock string `mapstructure:"unblock"`
	Probe   string `mapstructure:"probe"`
}

type PipelineConfig struct {
	InboundBuffer     int           `mapstructure:"inbound_buffer" validate:"gte=1"`
	OutboundBuffer    int           `mapstructure:"outbound_buffer" validate:"gte=1"`
	Workers           int           `mapstructure:"workers" validate:"gte=1,lte=256"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" validate:"gte=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ExitOnEOF         bool          `mapstructure:"exit_on_eof"`
	QuarantinePath    string        `mapstructure:"quarantine_path"`
}

type StateConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type SourceConfig struct {
	Type          string   `mapstructure:"type" validate:"oneof=file journald"`
	Path          string   `mapstructure:"path" validate:"required_if=Type file"`
	Follow        bool     `mapstructure:"follow"`
	FromBeginning bool     `mapstructure:"from_beginning"`
	Units         []string `mapstructure:"units"`
}

type AdminConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Listen    string `mapstructure:"listen" validate:"omitempty,hostname_port"`
	RateLimit int    `mapstructure:"rate_limit" validate:"gte=0"`
}

type AlertsConfig struct {
	JSON       JSONAlertsConfig `mapstructure:"json"`
	MemorySize int              `mapstructure:"memory_size" validate:"gte=1"`
	Log        bool             `mapstructure:"log"`
}

type JSONAlertsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Stdout  bool   `mapstructure:"stdout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("detection.threshold", 5)
	v.SetDefault("detection.window", "60s")
	v.SetDefault("detection.max_identities", detection.DefaultMaxIdentities)
	v.SetDefault("detection.idle_ttl", "10m")

	v.SetDefault("distributed.enabled", true)
	v.SetDefault("distributed.threshold", detection.DefaultDistributedThreshold)
	v.SetDefault("distributed.window", "10m")
	v.SetDefault("distributed.global_bucket", true)

	v.SetDefault("cooldown.base", "24h")
	v.SetDefault("cooldown.escalation_factor", 2.0)
	v.SetDefault("cooldown.max", "720h")
	v.SetDefault("cooldown.permanent_after", 0)

	v.SetDefault("firewall.simulate", false)
	v.SetDefault("firewall.backends", []string{"ufw", "iptables", "nftables"})
	v.SetDefault("firewall.fallback_to_simulate", false)
	v.SetDefault("firewall.retry.attempts", 3)
	v.SetDefault("firewall.retry.initial_interval", "200ms")
	v.SetDefault("firewall.retry.max_interval", "2s")
	v.SetDefault("firewall.call_timeout", "10s")
	v.SetDefault("firewall.max_sync_attempts", 10)
	v.SetDefault("firewall.iptables.chain", "INPUT")
	v.SetDefault("firewall.nftables.table", "sshwarden")

	v.SetDefault("pipeline.inbound_buffer", 4096)
	v.SetDefault("pipeline.outbound_buffer", 1024)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.sweep_interval", "30s")
	v.SetDefault("pipeline.reconcile_interval", "5m")
	v.SetDefault("pipeline.shutdown_timeout", "10s")
	v.SetDefault("pipeline.exit_on_eof", false)

	v.SetDefault("state.path", "/var/lib/sshwarden/state.db")
	v.SetDefault("whitelist", []string{"127.0.0.1", "::1"})
	v.SetDefault("sources", []map[string]any{
		{"type": "file", "path": "/var/log/auth.log", "follow": true, "from_beginning": false},
	})

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", "127.0.0.1:9091")
	v.SetDefault("admin.rate_limit", 60)

	v.SetDefault("alerts.json.enabled", false)
	v.SetDefault("alerts.json.path", "")
	v.SetDefault("alerts.json.stdout", true)
	v.SetDefault("alerts.memory_size", 256)
	v.SetDefault("alerts.log", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.compress", true)
}

// LoadConfig decodes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return &ConfigValidationError{
				Field:  configKey(fe.Namespace()),
				Value:  fe.Value(),
				Reason: formatValidationError(fe),
			}
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Cooldown.Base > 0 && c.Cooldown.Max > 0 && c.Cooldown.Max < c.Cooldown.Base {
		return &ConfigValidationError{Field: "cooldown.max", Value: c.Cooldown.Max, Reason: "must not be shorter than cooldown.base"}
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		return &ConfigValidationError{Field: "admin.listen", Value: c.Admin.Listen, Reason: "this field is required when admin is enabled"}
	}
	if slices.Contains(c.Firewall.Backends, "command") && (c.Firewall.Command.Block == "" || c.Firewall.Command.Unblock == "") {
		return &ConfigValidationError{Field: "firewall.command", Value: c.Firewall.Command.Block, Reason: "block and unblock templates are required for the command backend"}
	}
	return nil
}

// configKey turns a validator namespace like Config.Firewall.Retry.Attempts
// into the matching config key.
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prev := rune(s[i-1])
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "this field is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must not be less than %s", toSnake(fe.Param()))
	case "ip|cidr":
		return "must be an IP address or CIDR prefix"
	case "hostname_port":
		return "must be host:port"
	case "alphanum":
		return "must be alphanumeric"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

// MonitorConfig maps the file configuration onto the monitor's settings.
func (c *Config) MonitorConfig() MonitorConfig {
	return MonitorConfig{
		Tracker: detection.TrackerConfig{
			Window:        c.Detection.Window,
			IdleTTL:       c.Detection.IdleTTL,
			MaxIdentities: c.Detection.MaxIdentities,
		},
		Threshold:            c.Detection.Threshold,
		DistributedEnabled:   c.Distributed.Enabled,
		DistributedThreshold: c.Distributed.Threshold,
		Correlation: detection.CorrelatorConfig{
			Window:       c.Distributed.Window,
			GlobalBucket: c.Distributed.GlobalBucket,
		},
		Whitelist: c.Whitelist,
		Cooldown: CooldownPolicy{
			Base:           c.Cooldown.Base,
			Factor:         c.Cooldown.EscalationFactor,
			Max:            c.Cooldown.Max,
			PermanentAfter: c.Cooldown.PermanentAfter,
		},
		Pool: ActionPoolConfig{
			Workers:        c.Pipeline.Workers,
			BufferSize:     c.Pipeline.OutboundBuffer,
			QuarantinePath: c.Pipeline.QuarantinePath,
		},
		InboundBuffer:     c.Pipeline.InboundBuffer,
		SweepInterval:     c.Pipeline.SweepInterval,
		ReconcileInterval: c.Pipeline.ReconcileInterval,
		ShutdownTimeout:   c.Pipeline.ShutdownTimeout,
		MaxSyncAttempts:   c.Firewall.MaxSyncAttempts,
		ExitOnEOF:         c.Pipeline.ExitOnEOF,
	}
}

// WhitelistTarget receives whitelist changes from a config reload.
type WhitelistTarget interface {
	ReplaceWhitelist(ctx context.Context, entries []string) error
}

// ConfigWatcher applies configuration file changes at runtime. Only the
// whitelist is live; any other change is reported as needing a restart.
type ConfigWatcher struct {
	v       *viper.Viper
	target  WhitelistTarget
	mu      sync.Mutex
	current *Config
	stopped atomic.Bool
	reloads atomic.Int64
}

func NewConfigWatcher(v *viper.Viper, current *Config, target WhitelistTarget) *ConfigWatcher {
	return &ConfigWatcher{v: v, current: current, target: target}
}

// Start begins watching the config file. Viper re-reads the file before
// invoking the change callback.
func (w *ConfigWatcher) Start(ctx context.Context) {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if w.stopped.Load() || ctx.Err() != nil {
			return
		}
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")

		if err := w.Apply(ctx); err != nil {
			log.Error().Err(err).Msg("Config reload rejected, keeping current configuration")
		}
	})
	w.v.WatchConfig()
	log.Info().Str("config", w.v.ConfigFileUsed()).Msg("Hot-reload config watching started")
}

// Apply decodes the configuration currently held by viper and pushes the
// live parts to the target.
func (w *ConfigWatcher) Apply(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next, err := LoadConfig(w.v)
	if err != nil {
		return err
	}

	if !slices.Equal(w.current.Whitelist, next.Whitelist) {
		if err := w.target.ReplaceWhitelist(ctx, next.Whitelist); err != nil {
			return fmt.Errorf("failed to apply whitelist: %w", err)
		}
	}

	if restart := restartRequired(w.current, next); len(restart) > 0 {
		log.Warn().
			Strs("sections", restart).
			Msg("Configuration changes outside the whitelist require a restart")
	}

	w.current = next
	w.reloads.Add(1)
	log.Info().Int("whitelist", len(next.Whitelist)).Msg("Configuration hot-reloaded successfully")
	return nil
}

// restartRequired lists the top-level sections that differ between a and b,
// ignoring the whitelist.
func restartRequired(a, b *Config) []string {
	var out []string
	av, bv := reflect.ValueOf(*a), reflect.ValueOf(*b)
	t := av.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("mapstructure")
		if name == "whitelist" {
			continue
		}
		if !reflect.DeepEqual(av.Field(i).Interface(), bv.Field(i).Interface()) {
			out = append(out, name)
		}
	}
	return out
}

func (w *ConfigWatcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many reloads were applied.
func (w *ConfigWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Stop makes further change notifications no-ops. Viper offers no way to
// remove the file watch itself.
func (w *ConfigWatcher) Stop() {
	if w.stopped.CompareAndSwap(false, true) {
		log.Info().Msg("Hot-reload config watcher stopped")
	}
}
