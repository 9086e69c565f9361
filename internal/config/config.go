// Package config loads the worker process's layered configuration: YAML
// file defaults, then environment variable overrides, the way
// cmd/alfred-worker expects at startup. Bootstrap-time validation failures
// are reported as *svcerr.Error with Code CONFIG_9001 so callers exit
// non-zero without the process ever entering its run loop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/service_layer/internal/svcerr"
)

// ServerConfig controls the control-plane HTTP server (internal/httpapi).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// AttestationConfig holds the trust roots the enclave RPC client verifies
// every attested key against (spec §4.6 step 3, §6 env vars).
type AttestationConfig struct {
	ExpectedRuntime     string        `json:"expected_runtime" yaml:"expected_runtime" env:"TEE_EXPECTED_RUNTIME"`
	AllowedMeasurements []string      `json:"allowed_measurements" yaml:"allowed_measurements" env:"TEE_ALLOWED_MEASUREMENTS"`
	PublicKeyBase64     string        `json:"public_key_base64" yaml:"public_key_base64" env:"TEE_ATTESTATION_PUBLIC_KEY"`
	MaxAgeSeconds        int          `json:"max_age_seconds" yaml:"max_age_seconds" env:"TEE_ATTESTATION_MAX_AGE_SECONDS"`
}

// MaxAge returns the configured attestation evidence staleness bound.
func (a AttestationConfig) MaxAge() time.Duration {
	return time.Duration(a.MaxAgeSeconds) * time.Second
}

// EnclaveConfig controls the host's connection to the enclave runtime.
type EnclaveConfig struct {
	BaseURL         string `json:"base_url" yaml:"base_url" env:"ENCLAVE_RUNTIME_BASE_URL"`
	SharedSecret    string `json:"shared_secret" yaml:"shared_secret" env:"ENCLAVE_RPC_SHARED_SECRET"`
	RequestTimeoutSeconds int `json:"request_timeout_seconds" yaml:"request_timeout_seconds" env:"ENCLAVE_RPC_TIMEOUT_SECONDS"`
	DevShim         bool   `json:"dev_shim" yaml:"dev_shim" env:"ENCLAVE_DEV_SHIM"`
}

// RequestTimeout returns the per-call enclave RPC timeout.
func (e EnclaveConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSeconds) * time.Second
}

// WorkerConfig controls the scheduler/job-engine poll cadence and leasing.
type WorkerConfig struct {
	TickSeconds      int `json:"tick_seconds" yaml:"tick_seconds" env:"WORKER_TICK_SECONDS"`
	RuleClaimBatch   int `json:"rule_claim_batch" yaml:"rule_claim_batch" env:"WORKER_RULE_CLAIM_BATCH"`
	JobClaimBatch    int `json:"job_claim_batch" yaml:"job_claim_batch" env:"WORKER_JOB_CLAIM_BATCH"`
	LeaseTTLSeconds  int `json:"lease_ttl_seconds" yaml:"lease_ttl_seconds" env:"WORKER_LEASE_TTL_SECONDS"`
}

// Tick returns the scheduler/job-engine poll interval.
func (w WorkerConfig) Tick() time.Duration {
	return time.Duration(w.TickSeconds) * time.Second
}

// LeaseTTL returns the lease duration granted on claim.
func (w WorkerConfig) LeaseTTL() time.Duration {
	return time.Duration(w.LeaseTTLSeconds) * time.Second
}

// Environment is the runtime profile; it gates the enclave dev shim.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvDevelopment Environment = "development"
)

// Config is the top-level worker process configuration.
type Config struct {
	AppEnv       Environment        `json:"app_env" yaml:"app_env" env:"APP_ENV"`
	Server       ServerConfig       `json:"server" yaml:"server"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Attestation  AttestationConfig  `json:"attestation" yaml:"attestation"`
	Enclave      EnclaveConfig      `json:"enclave" yaml:"enclave"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	DataEncryptionKeyBase64 string  `json:"data_encryption_key" yaml:"data_encryption_key" env:"DATA_ENCRYPTION_KEY"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		AppEnv: EnvProduction,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Attestation: AttestationConfig{
			MaxAgeSeconds: 30,
		},
		Enclave: EnclaveConfig{
			RequestTimeoutSeconds: 10,
		},
		Worker: WorkerConfig{
			TickSeconds:     30,
			RuleClaimBatch:  100,
			JobClaimBatch:   50,
			LeaseTTLSeconds: 300,
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variable overrides, then validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TEE_ALLOWED_MEASUREMENTS")); raw != "" {
		cfg.Attestation.AllowedMeasurements = splitCSV(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces the bootstrap-failure contract of spec §6/§7:
// ConfigInvalid aborts startup rather than allowing a misconfigured
// process to run with a silently weakened trust boundary.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return svcerr.ConfigInvalid("database.dsn", "DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Attestation.ExpectedRuntime) == "" {
		return svcerr.ConfigInvalid("attestation.expected_runtime", "TEE_EXPECTED_RUNTIME is required")
	}
	if len(c.Attestation.AllowedMeasurements) == 0 {
		return svcerr.ConfigInvalid("attestation.allowed_measurements", "TEE_ALLOWED_MEASUREMENTS must list at least one measurement")
	}
	if strings.TrimSpace(c.Attestation.PublicKeyBase64) == "" {
		return svcerr.ConfigInvalid("attestation.public_key", "TEE_ATTESTATION_PUBLIC_KEY is required")
	}
	if c.Attestation.MaxAgeSeconds <= 0 {
		return svcerr.ConfigInvalid("attestation.max_age_seconds", "TEE_ATTESTATION_MAX_AGE_SECONDS must be positive")
	}
	if strings.TrimSpace(c.Enclave.BaseURL) == "" {
		return svcerr.ConfigInvalid("enclave.base_url", "ENCLAVE_RUNTIME_BASE_URL is required")
	}
	if c.Worker.TickSeconds <= 0 {
		return svcerr.ConfigInvalid("worker.tick_seconds", "WORKER_TICK_SECONDS must be positive")
	}
	if strings.TrimSpace(c.DataEncryptionKeyBase64) == "" {
		return svcerr.ConfigInvalid("data_encryption_key", "DATA_ENCRYPTION_KEY is required")
	}
	if c.Enclave.DevShim && c.AppEnv != EnvDevelopment {
		return svcerr.ConfigInvalid("enclave.dev_shim", "ENCLAVE_DEV_SHIM may only be set when APP_ENV=development")
	}
	return nil
}
