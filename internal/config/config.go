package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigurationError aborts startup; an invalid decision configuration must
// never run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Trust   TrustConfig   `yaml:"trust"`
	Access  AccessConfig  `yaml:"access"`
	Monitor MonitorConfig `yaml:"monitor"`
	Threat  ThreatConfig  `yaml:"threat"`
	Audit   AuditConfig   `yaml:"audit"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type TrustConfig struct {
	Weights       TrustWeights    `yaml:"weights"`
	Thresholds    TrustThresholds `yaml:"thresholds"`
	ScorerTimeout time.Duration   `yaml:"scorer_timeout"`
	AuthTTL       time.Duration   `yaml:"auth_ttl"`
}

type TrustWeights struct {
	Identity float64 `yaml:"identity"`
	Device   float64 `yaml:"device"`
	Network  float64 `yaml:"network"`
	Context  float64 `yaml:"context"`
	Behavior float64 `yaml:"behavior"`
}

type TrustThresholds struct {
	Allow    float64 `yaml:"allow"`
	Monitor  float64 `yaml:"monitor"`
	Verify   float64 `yaml:"verify"`
	Restrict float64 `yaml:"restrict"`
}

// AccessConfig declares the deployment's authorization rules. Sections left
// empty leave the matching checker out of the combiner.
type AccessConfig struct {
	// PrincipalRoles maps principal id -> held roles.
	PrincipalRoles map[string][]string `yaml:"principal_roles"`
	// ResourceRoles maps resource -> roles that may access it.
	ResourceRoles map[string][]string `yaml:"resource_roles"`
	// ResourceAttributes maps resource -> attribute key/value pairs a
	// request must carry.
	ResourceAttributes map[string]map[string]string `yaml:"resource_attributes"`
	// BlockedActions maps resource -> actions never allowed.
	BlockedActions map[string][]string `yaml:"blocked_actions"`
	// AllowedHours maps resource -> [start, end) local hours.
	AllowedHours map[string][2]int `yaml:"allowed_hours"`
}

type MonitorConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	DegradationDelta  float64       `yaml:"degradation_delta"`
	TerminateBelow    float64       `yaml:"terminate_below"`
	MaxReauthAttempts int           `yaml:"max_reauth_attempts"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	ReauthDeadline    time.Duration `yaml:"reauth_deadline"`
}

type ThreatConfig struct {
	Threshold        float64       `yaml:"threshold"`
	TTL              time.Duration `yaml:"ttl"`
	DetectorTimeout  time.Duration `yaml:"detector_timeout"`
	CriticalInterval time.Duration `yaml:"critical_interval"`
	HighInterval     time.Duration `yaml:"high_interval"`
	ElevatedInterval time.Duration `yaml:"elevated_interval"`
	LowInterval      time.Duration `yaml:"low_interval"`
}

type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	BufferSize  int    `yaml:"buffer_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Trust: TrustConfig{
			Weights: TrustWeights{
				Identity: 0.25,
				Device:   0.20,
				Network:  0.15,
				Context:  0.20,
				Behavior: 0.20,
			},
			Thresholds: TrustThresholds{
				Allow:    0.9,
				Monitor:  0.7,
				Verify:   0.5,
				Restrict: 0.3,
			},
			ScorerTimeout: 250 * time.Millisecond,
			AuthTTL:       time.Hour,
		},
		Monitor: MonitorConfig{
			SweepInterval:     30 * time.Second,
			DegradationDelta:  0.2,
			TerminateBelow:    0.5,
			MaxReauthAttempts: 3,
			InactivityTimeout: 30 * time.Minute,
			ReauthDeadline:    5 * time.Minute,
		},
		Threat: ThreatConfig{
			Threshold:        0.7,
			TTL:              24 * time.Hour,
			DetectorTimeout:  250 * time.Millisecond,
			CriticalInterval: 30 * time.Second,
			HighInterval:     60 * time.Second,
			ElevatedInterval: 5 * time.Minute,
			LowInterval:      10 * time.Minute,
		},
		Audit: AuditConfig{BufferSize: 1024},
	}
}

// Load reads the YAML file at path on top of the defaults and validates the
// result. A missing path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TRUSTPLANE_* environment overrides for common deployment
// knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("TRUSTPLANE_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("TRUSTPLANE_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("TRUSTPLANE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TRUSTPLANE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TRUSTPLANE_POSTGRES_DSN"); v != "" {
		c.Audit.PostgresDSN = v
	}
	if v := os.Getenv("TRUSTPLANE_THREAT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Threat.Threshold = f
		}
	}
	if v := os.Getenv("TRUSTPLANE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.SweepInterval = d
		}
	}
}

// Validate rejects configurations that would corrupt decisions.
func (c *Config) Validate() error {
	w := c.Trust.Weights
	sum := w.Identity + w.Device + w.Network + w.Context + w.Behavior
	if math.Abs(sum-1.0) > 1e-6 {
		return &ConfigurationError{
			Field:  "trust.weights",
			Reason: fmt.Sprintf("must sum to 1.0, got %.6f", sum),
		}
	}
	for name, v := range map[string]float64{
		"identity": w.Identity, "device": w.Device, "network": w.Network,
		"context": w.Context, "behavior": w.Behavior,
	} {
		if v < 0 || v > 1 {
			return &ConfigurationError{Field: "trust.weights." + name, Reason: "must be in [0,1]"}
		}
	}

	th := c.Trust.Thresholds
	if !(th.Allow > th.Monitor && th.Monitor > th.Verify && th.Verify > th.Restrict && th.Restrict > 0) {
		return &ConfigurationError{
			Field:  "trust.thresholds",
			Reason: "must be strictly descending and positive",
		}
	}

	if c.Monitor.DegradationDelta <= 0 || c.Monitor.DegradationDelta >= 1 {
		return &ConfigurationError{Field: "monitor.degradation_delta", Reason: "must be in (0,1)"}
	}
	if c.Monitor.TerminateBelow <= 0 || c.Monitor.TerminateBelow >= 1 {
		return &ConfigurationError{Field: "monitor.terminate_below", Reason: "must be in (0,1)"}
	}
	if c.Threat.Threshold <= 0 || c.Threat.Threshold > 1 {
		return &ConfigurationError{Field: "threat.threshold", Reason: "must be in (0,1]"}
	}
	if c.Server.Port == "" {
		return &ConfigurationError{Field: "server.port", Reason: "must not be empty"}
	}
	return nil
}
