package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GUARDIAN_HASH_SECRET", "hash-secret")
	t.Setenv("GUARDIAN_WEBHOOK_SECRET", "webhook-secret")
	t.Setenv("GUARDIAN_TOKEN_SIGNING_KEY", strings.Repeat("k", 32))
	t.Setenv("GUARDIAN_STORE_DRIVER", "sqlite")
	t.Setenv("GUARDIAN_STORE_DSN", "/tmp/guardian.db")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TokenTTL != 10*time.Minute {
		t.Errorf("expected 10m token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.OTPSkew != 1 {
		t.Errorf("expected skew 1, got %d", cfg.OTPSkew)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Addr)
	}
	if cfg.WebhookTolerance != 0 {
		t.Errorf("expected tolerance off by default, got %s", cfg.WebhookTolerance)
	}
	th := cfg.Decisions.Thresholds()
	if th.MinInteractions != 5 || th.MinTransactions != 1 {
		t.Errorf("unexpected thresholds %+v", th)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("expected info level, got %s", cfg.Level())
	}
}

func TestLoadMissingSecretsIsFatal(t *testing.T) {
	for _, name := range []string{
		"GUARDIAN_HASH_SECRET",
		"GUARDIAN_WEBHOOK_SECRET",
		"GUARDIAN_TOKEN_SIGNING_KEY",
		"GUARDIAN_STORE_DRIVER",
		"GUARDIAN_STORE_DSN",
	} {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, "")
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error with %s empty", name)
			}
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("expected error to name %s, got %v", name, err)
			}
		})
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]struct {
		name, value, want string
	}{
		"driver":      {"GUARDIAN_STORE_DRIVER", "mysql", "GUARDIAN_STORE_DRIVER"},
		"short key":   {"GUARDIAN_TOKEN_SIGNING_KEY", "short", "at least 32 bytes"},
		"ttl too big": {"GUARDIAN_TOKEN_TTL", "2h", "GUARDIAN_TOKEN_TTL"},
		"negative":    {"GUARDIAN_MIN_INTERACTIONS", "-1", "must not be negative"},
		"log level":   {"GUARDIAN_LOG_LEVEL", "loud", "unknown level"},
		"not a dur":   {"GUARDIAN_RESUME_WINDOW", "soon", "parse env:"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.name, tc.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Config{
		Ledger:          LedgerConfig{Store: StoreConfig{Driver: "x", MaxConns: 1, OpTimeout: time.Second}},
		TokenSigningKey: "k",
		LogLevel:        "info",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"GUARDIAN_STORE_DRIVER", "GUARDIAN_TOKEN_SIGNING_KEY", "GUARDIAN_TOKEN_TTL", "GUARDIAN_RESUME_WINDOW"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in %v", want, err)
		}
	}
}

func TestDriverNormalized(t *testing.T) {
	setRequired(t)
	t.Setenv("GUARDIAN_STORE_DRIVER", " Postgres ")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.Store.Driver != DriverPostgres {
		t.Fatalf("expected postgres, got %q", cfg.Ledger.Store.Driver)
	}
}

func TestSectionsLoadAlone(t *testing.T) {
	t.Setenv("GUARDIAN_STORE_DRIVER", "sqlite")
	t.Setenv("GUARDIAN_STORE_DSN", "/tmp/guardian.db")

	store, err := LoadStore()
	if err != nil {
		t.Fatalf("store section needs only store variables: %v", err)
	}
	if store.MaxConns != 4 || store.OpTimeout != 5*time.Second {
		t.Fatalf("unexpected store defaults %+v", store)
	}
	if _, err := LoadLedger(); err == nil || !strings.Contains(err.Error(), "GUARDIAN_HASH_SECRET") {
		t.Fatalf("expected ledger section to require the hash secret, got %v", err)
	}
	t.Setenv("GUARDIAN_HASH_SECRET", "s")
	if _, err := LoadLedger(); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected full config to require server secrets")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("%s: expected %s, got %s (%v)", in, want, got, err)
		}
	}
}
