package config

import (
	"os"
	"testing"

	"github.com/R3E-Network/service_layer/internal/svcerr"
)

func validConfig() *Config {
	cfg := New()
	cfg.Database.DSN = "postgres://localhost/alfred?sslmode=disable"
	cfg.Attestation.ExpectedRuntime = "sgx-occlum-1.2"
	cfg.Attestation.AllowedMeasurements = []string{"abc123"}
	cfg.Attestation.PublicKeyBase64 = "YWJjMTIz"
	cfg.Enclave.BaseURL = "https://enclave.internal:8443"
	cfg.DataEncryptionKeyBase64 = "ZGF0YS1rZXktMzItYnl0ZXMtbG9uZy1wbGFjZWhvbGRlcg=="
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsMissingDatabaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DSN = ""

	err := cfg.Validate()
	svcErr, ok := svcerr.As(err)
	if !ok {
		t.Fatalf("expected *svcerr.Error, got %v", err)
	}
	if svcErr.Code != svcerr.CodeConfigInvalid {
		t.Errorf("Code = %v, want %v", svcErr.Code, svcerr.CodeConfigInvalid)
	}
}

func TestValidateRejectsMissingAllowedMeasurements(t *testing.T) {
	cfg := validConfig()
	cfg.Attestation.AllowedMeasurements = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty allowed measurements")
	}
}

func TestValidateRejectsDevShimOutsideDevelopment(t *testing.T) {
	cfg := validConfig()
	cfg.Enclave.DevShim = true
	cfg.AppEnv = EnvProduction

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dev shim outside development")
	}
}

func TestValidateAllowsDevShimInDevelopment(t *testing.T) {
	cfg := validConfig()
	cfg.Enclave.DevShim = true
	cfg.AppEnv = EnvDevelopment

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected dev shim to be allowed in development, got %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/alfred_test?sslmode=disable")
	t.Setenv("TEE_EXPECTED_RUNTIME", "sgx-occlum-1.2")
	t.Setenv("TEE_ALLOWED_MEASUREMENTS", "abc123, def456")
	t.Setenv("TEE_ATTESTATION_PUBLIC_KEY", "YWJjMTIz")
	t.Setenv("TEE_ATTESTATION_MAX_AGE_SECONDS", "30")
	t.Setenv("ENCLAVE_RUNTIME_BASE_URL", "https://enclave.internal:8443")
	t.Setenv("DATA_ENCRYPTION_KEY", "ZGF0YS1rZXktMzItYnl0ZXMtbG9uZy1wbGFjZWhvbGRlcg==")
	t.Setenv("CONFIG_FILE", "")
	_ = os.Unsetenv("APP_ENV")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "postgres://localhost/alfred_test?sslmode=disable" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if len(cfg.Attestation.AllowedMeasurements) != 2 {
		t.Errorf("AllowedMeasurements = %v, want 2 entries", cfg.Attestation.AllowedMeasurements)
	}
}
