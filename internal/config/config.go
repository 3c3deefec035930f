// Package config loads the typed keyproxy configuration through Viper.
//
// Every field has an explicit default registered in setDefaults; logic
// elsewhere never falls back to "or-default" values on its own.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete process configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Proxy      ProxyConfig      `mapstructure:"proxy" yaml:"proxy"`
	Targets    []Target         `mapstructure:"targets" yaml:"targets"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	State      StateConfig      `mapstructure:"state" yaml:"state"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Sweep      SweepConfig      `mapstructure:"sweep" yaml:"sweep"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig configures the proxy listener.
type ServerConfig struct {
	// Listen is the proxy listen address. Default ":8080".
	Listen string `mapstructure:"listen" yaml:"listen"`
	// ReadTimeout bounds reading the inbound request. Default 30s.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout bounds writing the response. Default 0: forwarding is
	// already bounded by each target's timeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// IdleTimeout for keep-alive connections. Default 120s.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// ShutdownTimeout bounds graceful shutdown. Default 15s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AdminConfig configures the administrative listener.
type AdminConfig struct {
	// Listen is the admin listen address. Default "127.0.0.1:9090".
	// An empty value disables the admin listener.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// Token is the bearer token required on /api routes. Default "" (no auth).
	Token string `mapstructure:"token" yaml:"token"` //nolint:gosec // G101: config field name, not a credential
	// RateLimit is the per-IP request rate on /api routes. Default 20.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	// RateBurst is the per-IP burst size. Default 40.
	RateBurst int `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// ProxyConfig configures routing and forwarding.
type ProxyConfig struct {
	// IDHeaders lists routing header names in priority order, matched
	// case-insensitively. Default ["x-bot-appid"].
	IDHeaders []string `mapstructure:"id_headers" yaml:"id_headers"`
	// FailThreshold is the consecutive failure count that marks a target
	// failed and triggers an alert. Default 10.
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	// ProbeTimeout bounds one health probe. Default 5s.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	// NotifyTimeout bounds one notifier call. Default 10s.
	NotifyTimeout time.Duration `mapstructure:"notify_timeout" yaml:"notify_timeout"`
	// MaxRedirects followed by forwarded requests. Default 5.
	MaxRedirects int `mapstructure:"max_redirects" yaml:"max_redirects"`
	// ProbeMaxRedirects followed by health probes. Default 2.
	ProbeMaxRedirects int `mapstructure:"probe_max_redirects" yaml:"probe_max_redirects"`
	// ServerName is sent as X-Proxy-Server and as the fallback User-Agent.
	// Default "keyproxy/2.0".
	ServerName string `mapstructure:"server_name" yaml:"server_name"`
	// Debug includes internal error detail in 500 responses. Default false.
	Debug bool `mapstructure:"debug" yaml:"debug"`
	// Maintenance is the initial maintenance state.
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
}

// MaintenanceConfig is the initial maintenance-mode state.
type MaintenanceConfig struct {
	// Enabled short-circuits every proxied request with 503. Default false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Message returned in the 503 body.
	Message string `mapstructure:"message" yaml:"message"`
	// RetryAfter is sent as the Retry-After header. Default 1h.
	RetryAfter time.Duration `mapstructure:"retry_after" yaml:"retry_after"`
}

// MonitoringConfig configures persisted per-target request statistics.
type MonitoringConfig struct {
	// EnableMetrics toggles persisted statistics. Default true.
	EnableMetrics bool `mapstructure:"enable_metrics" yaml:"enable_metrics"`
	// RetentionDays after which idle statistics are purged. Default 30.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// Retention returns the retention window as a duration.
func (m MonitoringConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

// StateConfig selects the state store backend.
type StateConfig struct {
	// Driver is one of "memory", "json", "sqlite". Default "json".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Dir holds the JSON state files. Default "./data".
	Dir string `mapstructure:"dir" yaml:"dir"`
	// DSN is the SQLite database path. Default "./data/keyproxy.db".
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// FlushInterval batches JSON writes of request metrics and the
	// invalid key cache. Zero writes through on every change. Default 1s.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// NotifyConfig lists the notification channels. When no channel is
// configured notifications are written to the log only.
type NotifyConfig struct {
	Webhooks     []WebhookConfig      `mapstructure:"webhooks" yaml:"webhooks"`
	Alertmanager []AlertmanagerConfig `mapstructure:"alertmanager" yaml:"alertmanager"`
	CloudEvents  []CloudEventsConfig  `mapstructure:"cloudevents" yaml:"cloudevents"`
}

// WebhookConfig holds configuration for webhook notification delivery.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url" json:"url"`
	Secret  string            `mapstructure:"secret" yaml:"secret,omitempty" json:"secret,omitempty"` //nolint:gosec // G101: config field name, not a credential
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty" json:"headers,omitempty"`
}

// AlertmanagerConfig holds configuration for Alertmanager-compatible delivery.
type AlertmanagerConfig struct {
	URL    string `mapstructure:"url" yaml:"url" json:"url"`
	Secret string `mapstructure:"secret" yaml:"secret,omitempty" json:"secret,omitempty"` //nolint:gosec // G101: config field name, not a credential
}

// CloudEventsConfig holds configuration for CloudEvents HTTP delivery.
type CloudEventsConfig struct {
	URL string `mapstructure:"url" yaml:"url" json:"url"`
	// Source is the CloudEvents source attribute. Default "keyproxy".
	Source string `mapstructure:"source" yaml:"source" json:"source"`
}

// SweepConfig configures the background probe sweep for idle targets.
type SweepConfig struct {
	// Interval between sweeps. Default 0 (disabled); probes are then only
	// triggered by traffic.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Workers bounds concurrent probes per sweep. Default 4.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// ReportConfig configures the scheduled status report.
type ReportConfig struct {
	// Schedule is a standard 5-field cron expression. Default "" (disabled).
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default "info".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is json or console. Default "json".
	Format string `mapstructure:"format" yaml:"format"`
	// Dir, when set, receives a rolling daily log file YYYY-MM-DD.log.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Target is a configured backend selected by routing key. Targets are
// immutable after load.
type Target struct {
	ID          string `mapstructure:"id" yaml:"id" json:"id"`
	Name        string `mapstructure:"name" yaml:"name" json:"name"`
	Description string `mapstructure:"description" yaml:"description" json:"description"`
	URL         string `mapstructure:"url" yaml:"url" json:"url"`
	// Timeout bounds one forwarded request. Default 30s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	// HealthCheck is the probe path appended to URL. Default "/".
	HealthCheck string `mapstructure:"health_check" yaml:"health_check" json:"health_check"`
	// HealthCheckInterval is the minimum time between probes. Default 60s.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval" json:"health_check_interval"`
}

// ProbeURL returns the full health probe URL.
func (t Target) ProbeURL() string {
	return strings.TrimRight(t.URL, "/") + t.HealthCheck
}

// Target defaults applied to every entry missing a value.
const (
	DefaultTargetTimeout       = 30 * time.Second
	DefaultTargetHealthCheck   = "/"
	DefaultTargetProbeInterval = 60 * time.Second
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("admin.listen", "127.0.0.1:9090")
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 20)
	v.SetDefault("admin.rate_burst", 40)

	v.SetDefault("proxy.id_headers", []string{"x-bot-appid"})
	v.SetDefault("proxy.fail_threshold", 10)
	v.SetDefault("proxy.probe_timeout", "5s")
	v.SetDefault("proxy.notify_timeout", "10s")
	v.SetDefault("proxy.max_redirects", 5)
	v.SetDefault("proxy.probe_max_redirects", 2)
	v.SetDefault("proxy.server_name", "keyproxy/2.0")
	v.SetDefault("proxy.debug", false)
	v.SetDefault("proxy.maintenance.enabled", false)
	v.SetDefault("proxy.maintenance.message", "Service under maintenance, please retry later")
	v.SetDefault("proxy.maintenance.retry_after", "1h")

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.retention_days", 30)

	v.SetDefault("state.driver", "json")
	v.SetDefault("state.dir", "./data")
	v.SetDefault("state.dsn", "./data/keyproxy.db")
	v.SetDefault("state.flush_interval", "1s")

	v.SetDefault("sweep.interval", "0s")
	v.SetDefault("sweep.workers", 4)

	v.SetDefault("report.schedule", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.dir", "")
}

// Load reads configuration from file and environment variables, applies
// defaults and validates the result. The Viper instance is returned so the
// caller can report which file was used.
func Load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("keyproxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/keyproxy")
	}

	// Environment variable support: KP_PROXY_FAIL_THRESHOLD=3
	v.SetEnvPrefix("KP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// FromViper decodes, defaults and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyTargetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyTargetDefaults() {
	for i := range c.Targets {
		t := &c.Targets[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.Name == "" {
			t.Name = t.ID
		}
		if t.Timeout <= 0 {
			t.Timeout = DefaultTargetTimeout
		}
		if t.HealthCheck == "" {
			t.HealthCheck = DefaultTargetHealthCheck
		}
		if t.HealthCheckInterval <= 0 {
			t.HealthCheckInterval = DefaultTargetProbeInterval
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Proxy.IDHeaders) == 0 {
		errs = append(errs, errors.New("proxy.id_headers must list at least one header"))
	}
	for _, h := range c.Proxy.IDHeaders {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, errors.New("proxy.id_headers contains an empty header name"))
		}
	}
	if c.Proxy.FailThreshold < 1 {
		errs = append(errs, fmt.Errorf("proxy.fail_threshold must be >= 1, got %d", c.Proxy.FailThreshold))
	}
	if c.Proxy.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("proxy.probe_timeout must be positive"))
	}
	if c.Proxy.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("proxy.notify_timeout must be positive"))
	}
	if c.Proxy.MaxRedirects < 0 || c.Proxy.ProbeMaxRedirects < 0 {
		errs = append(errs, errors.New("proxy redirect limits must not be negative"))
	}
	if c.Proxy.Maintenance.RetryAfter < 0 {
		errs = append(errs, errors.New("proxy.maintenance.retry_after must not be negative"))
	}
	if c.Monitoring.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("monitoring.retention_days must be >= 1, got %d", c.Monitoring.RetentionDays))
	}

	switch c.State.Driver {
	case "memory":
	case "json":
		if c.State.Dir == "" {
			errs = append(errs, errors.New("state.dir is required for the json driver"))
		}
		if c.State.FlushInterval < 0 {
			errs = append(errs, errors.New("state.flush_interval must not be negative"))
		}
	case "sqlite":
		if c.State.DSN == "" {
			errs = append(errs, errors.New("state.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.driver %q: must be memory, json or sqlite", c.State.Driver))
	}

	if c.Sweep.Interval < 0 {
		errs = append(errs, errors.New("sweep.interval must not be negative"))
	}
	if c.Sweep.Interval > 0 && c.Sweep.Workers < 1 {
		errs = append(errs, errors.New("sweep.workers must be >= 1 when the sweep is enabled"))
	}
	if c.Admin.RateLimit < 0 || c.Admin.RateBurst < 0 {
		errs = append(errs, errors.New("admin rate limits must not be negative"))
	}

	switch c.Logging.Format {
	case "json", "console", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: must be json or console", c.Logging.Format))
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("targets[%d]: id is required", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
		if err := validateTargetURL(t.URL); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d] %q: %w", i, t.ID, err))
		}
		if !strings.HasPrefix(t.HealthCheck, "/") {
			errs = append(errs, fmt.Errorf("targets[%d] %q: health_check must start with /", i, t.ID))
		}
	}

	for i, w := range c.Notify.Webhooks {
		if err := validateTargetURL(w.URL); err != nil {
			errs = append(errs, fmt.Errorf("notify.webhooks[%d]: %w", i, err))
		}
	}
	for i, a := range c.Notify.Alertmanager {
		if err := validateTargetURL(a.URL); err != nil {
			errs = append(errs, fmt.Errorf("notify.alertmanager[%d]: %w", i, err))
		}
	}
	for i, ce := range c.Notify.CloudEvents {
		if err := validateTargetURL(ce.URL); err != nil {
			errs = append(errs, fmt.Errorf("notify.cloudevents[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func validateTargetURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q: missing host", raw)
	}
	return nil
}

// Registry returns the read-only target registry built from Targets.
func (c *Config) Registry() *Registry {
	return NewRegistry(c.Targets)
}

// Registry is an immutable lookup table of targets by id.
type Registry struct {
	byID  map[string]Target
	order []Target
}

// NewRegistry indexes targets by id. Later duplicates are ignored;
// Validate rejects them before a registry is ever built in production.
func NewRegistry(targets []Target) *Registry {
	r := &Registry{byID: make(map[string]Target, len(targets))}
	for _, t := range targets {
		if _, dup := r.byID[t.ID]; dup {
			continue
		}
		r.byID[t.ID] = t
		r.order = append(r.order, t)
	}
	return r
}

// Lookup returns the target registered under id.
func (r *Registry) Lookup(id string) (Target, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// All returns the targets in configuration order.
func (r *Registry) All() []Target {
	out := make([]Target, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	return len(r.order)
}
