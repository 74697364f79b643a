// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/ratelimit"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Generator GeneratorConfig `yaml:"generator"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Templates TemplatesConfig `yaml:"templates"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit throttles each caller of the /v1 API; zero values disable it.
	RateLimit ratelimit.Limits `yaml:"rate_limit"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // empty disables authentication
}

// GeneratorConfig holds the rule generator settings.
type GeneratorConfig struct {
	HtaccessTimeout      int      `yaml:"htaccess_timeout"` // seconds; > 0 switches to absolute expiry
	ValidHtaccessHeaders []string `yaml:"valid_htaccess_headers"`
	DebugHeaders         bool     `yaml:"debug_headers"`
	RedirectAfterTimeout bool     `yaml:"send_cache_control_header_redirect_after_cache_timeout"`
	HtaccessTemplateName string   `yaml:"htaccess_template_name"` // empty = built-in template
	FileMode             uint32   `yaml:"file_mode"`
	RegenerateWorkers    int      `yaml:"regenerate_workers"`
	RegenerateOnStart    bool     `yaml:"regenerate_on_start"`
	Root                 string   `yaml:"root"` // empty = any absolute target path
}

// SweeperConfig controls the expired-entry sweeper.
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// TemplatesConfig controls the parsed template cache.
type TemplatesConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Setting keys read by the rule generator.
const (
	KeyHtaccessTimeout      = "htaccessTimeout"
	KeyValidHtaccessHeaders = "validHtaccessHeaders"
	KeyDebugHeaders         = "debugHeaders"
	KeyRedirectAfterTimeout = "sendCacheControlHeaderRedirectAfterCacheTimeout"
	KeyHtaccessTemplateName = "htaccessTemplateName"
)

// Settings returns the generator section as a flat key/value view.
func (c *Config) Settings() *Settings {
	return NewSettings(map[string]string{
		KeyHtaccessTimeout:      strconv.Itoa(c.Generator.HtaccessTimeout),
		KeyValidHtaccessHeaders: strings.Join(c.Generator.ValidHtaccessHeaders, ","),
		KeyDebugHeaders:         strconv.FormatBool(c.Generator.DebugHeaders),
		KeyRedirectAfterTimeout: strconv.FormatBool(c.Generator.RedirectAfterTimeout),
		KeyHtaccessTemplateName: c.Generator.HtaccessTemplateName,
	})
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", htrules.ErrConfiguration)
	}
	if rl := c.Server.RateLimit; rl.Requests < 0 || rl.Events < 0 {
		return fmt.Errorf("%w: server.rate_limit values must not be negative", htrules.ErrConfiguration)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", htrules.ErrConfiguration)
	}
	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("%w: sweeper.interval must be positive", htrules.ErrConfiguration)
	}
	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("%w: sweeper.batch_size must be positive", htrules.ErrConfiguration)
	}
	if c.Templates.CacheSize <= 0 {
		return fmt.Errorf("%w: templates.cache_size must be positive", htrules.ErrConfiguration)
	}
	if c.Generator.FileMode&^0o777 != 0 {
		return fmt.Errorf("%w: generator.file_mode %o has bits outside 0777", htrules.ErrConfiguration, c.Generator.FileMode)
	}
	if r := c.Generator.Root; r != "" && !filepath.IsAbs(r) {
		return fmt.Errorf("%w: generator.root %q must be an absolute path", htrules.ErrConfiguration, r)
	}
	if c.Generator.RegenerateWorkers <= 0 {
		return fmt.Errorf("%w: generator.regenerate_workers must be positive", htrules.ErrConfiguration)
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("%w: telemetry.tracing.sample_rate %v out of [0,1]", htrules.ErrConfiguration, r)
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		return fmt.Errorf("%w: telemetry.tracing.endpoint is required when tracing is enabled", htrules.ErrConfiguration)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %w", htrules.ErrConfiguration, err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "htrules.db",
		},
		Generator: GeneratorConfig{
			ValidHtaccessHeaders: []string{
				"Content-Type",
				"Content-Language",
				"Content-Security-Policy",
				"Link",
				"X-Frame-Options",
				"X-Xss-Protection",
				"X-Content-Type-Options",
				"Strict-Transport-Security",
				"Referrer-Policy",
			},
			FileMode:          0o644,
			RegenerateWorkers: 4,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			BatchSize: 500,
		},
		Templates: TemplatesConfig{
			CacheSize: 64,
			CacheTTL:  10 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", htrules.ErrConfiguration, err)
	}
	return cfg, nil
}
