package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"escrowflow/dividend"
	"escrowflow/gateway"
)

const sample = `
service: escrowd
env: staging
database:
  url: postgres://escrow@localhost/escrow
  max_conns: 20
escrow:
  auto_release_window: 48h
  settlement_lease: 90s
  fees:
    platform_fee_bps: 1500
    community_share_bps: 300
gateway:
  test_mode: false
  default: stripe
  regions:
    EU: adyen
  checkout_ttl: 10m
  backends:
    - name: stripe
      base_url: https://api.stripe.test
      commission: application_fee
      timeout: 5s
council:
  timeout: 45s
  judges:
    - name: vision
      endpoint: https://judge.test/v1
dividend:
  time_zone: America/New_York
  weights:
    savings_generated: 2
review:
  backend: redis
  redis_addr: localhost:6379
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Env != "staging" || cfg.Database.MaxConns != 20 {
		t.Fatalf("unexpected env/database: %q %d", cfg.Env, cfg.Database.MaxConns)
	}
	if cfg.Escrow.AutoReleaseWindow.Duration != 48*time.Hour {
		t.Fatalf("expected 48h window, got %v", cfg.Escrow.AutoReleaseWindow.Duration)
	}
	if cfg.Escrow.SettlementLease.Duration != 90*time.Second {
		t.Fatalf("expected 90s lease, got %v", cfg.Escrow.SettlementLease.Duration)
	}
	if cfg.Council.Timeout.Duration != 45*time.Second {
		t.Fatalf("expected 45s council timeout, got %v", cfg.Council.Timeout.Duration)
	}
	if cfg.Escrow.MinDisputeReason != 10 {
		t.Fatalf("expected default min dispute reason 10, got %d", cfg.Escrow.MinDisputeReason)
	}

	backends := cfg.RESTBackends()
	if len(backends) != 1 {
		t.Fatalf("expected one backend, got %d", len(backends))
	}
	if backends[0].Commission != gateway.CommissionStyle("application_fee") || backends[0].Timeout != 5*time.Second {
		t.Fatalf("unexpected backend %+v", backends[0])
	}

	policy := cfg.GatewayPolicy()
	if policy.Regions["EU"] != "adyen" || policy.TestMode {
		t.Fatalf("unexpected policy %+v", policy)
	}

	w, err := cfg.DividendWeights()
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	if w[dividend.KindSavingsGenerated] != 2 || w[dividend.KindAcceptedAnswer] != 50 {
		t.Fatalf("unexpected weights %v", w)
	}

	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.String() != "America/New_York" {
		t.Fatalf("unexpected location %s", loc)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@db/escrow")
	t.Setenv("ESCROWFLOW_LOG_LEVEL", "debug")
	t.Setenv("ESCROWFLOW_GATEWAY_TEST_MODE", "true")
	t.Setenv("ESCROWFLOW_COUNCIL_TIMEOUT", "30s")
	t.Setenv("VISION_KEY", "secret")
	t.Setenv("ESCROWFLOW_JUDGE_KEYS", "vision=VISION_KEY")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Database.URL != "postgres://env@db/escrow" {
		t.Fatalf("database url not overridden: %q", cfg.Database.URL)
	}
	if cfg.Log.Level != "debug" || !cfg.Gateway.TestMode {
		t.Fatalf("unexpected log level %q / test mode %v", cfg.Log.Level, cfg.Gateway.TestMode)
	}
	if cfg.Council.Timeout.Duration != 30*time.Second {
		t.Fatalf("expected 30s council timeout, got %v", cfg.Council.Timeout.Duration)
	}
	if len(cfg.Council.Judges) != 1 || cfg.Council.Judges[0].APIKey != "secret" {
		t.Fatalf("expected judge key resolved from env, got %+v", cfg.Council.Judges)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@db/escrow")

	cases := map[string]string{
		"bad duration": "escrow:\n  settlement_lease: soon\n",
		"bad backend":  "review:\n  backend: kafka\n",
		"bad zone":     "dividend:\n  time_zone: Mars/Olympus\n",
		"bad fees":     "escrow:\n  fees:\n    platform_fee_bps: 20000\n",
		"no default":   "gateway:\n  test_mode: false\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected load to fail")
			}
		})
	}
}

func TestValidateRequiresDatabase(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing database url rejected")
	}
	cfg.Database.URL = "postgres://x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBadTestModeOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@db/escrow")
	t.Setenv("ESCROWFLOW_GATEWAY_TEST_MODE", "maybe")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected bad boolean override rejected")
	}
}
