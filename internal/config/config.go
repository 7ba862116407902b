// Package config loads guardian's runtime configuration from the
// environment.
//
// Sections can be loaded on their own so that offline commands (audit
// verify, principal add) need only the variables they use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/mode"
)

// ExitConfig is the process exit code for unusable configuration (EX_CONFIG).
const ExitConfig = 78

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and tunes the ledger store.
type StoreConfig struct {
	Driver      string        `env:"GUARDIAN_STORE_DRIVER,required,notEmpty"`
	DSN         string        `env:"GUARDIAN_STORE_DSN,required,notEmpty"`
	MaxConns    int           `env:"GUARDIAN_STORE_MAX_CONNS"    envDefault:"4"`
	OpTimeout   time.Duration `env:"GUARDIAN_STORE_OP_TIMEOUT"   envDefault:"5s"`
	BusyTimeout time.Duration `env:"GUARDIAN_STORE_BUSY_TIMEOUT" envDefault:"5s"`
	Schema      string        `env:"GUARDIAN_STORE_SCHEMA"`
}

// LedgerConfig is the store plus the integrity-hash secret.
type LedgerConfig struct {
	HashSecret string `env:"GUARDIAN_HASH_SECRET,required,notEmpty"`
	Store      StoreConfig
}

// DecisionConfig drives evaluation and mode resolution.
type DecisionConfig struct {
	RulesPath       string        `env:"GUARDIAN_RULES_PATH"`
	RulesDebounce   time.Duration `env:"GUARDIAN_RULES_DEBOUNCE"   envDefault:"500ms"`
	MinInteractions int           `env:"GUARDIAN_MIN_INTERACTIONS" envDefault:"5"`
	MinTransactions int           `env:"GUARDIAN_MIN_TRANSACTIONS" envDefault:"1"`
}

// Config is everything `guardian serve` needs.
type Config struct {
	Addr              string        `env:"GUARDIAN_ADDR"                envDefault:":8080"`
	RequestTimeout    time.Duration `env:"GUARDIAN_REQUEST_TIMEOUT"     envDefault:"30s"`
	ReadHeaderTimeout time.Duration `env:"GUARDIAN_READ_HEADER_TIMEOUT" envDefault:"5s"`
	LogLevel          string        `env:"GUARDIAN_LOG_LEVEL"           envDefault:"info"`
	OTLPEndpoint      string        `env:"GUARDIAN_OTLP_ENDPOINT"`

	WebhookSecret    string        `env:"GUARDIAN_WEBHOOK_SECRET,required,notEmpty"`
	WebhookTolerance time.Duration `env:"GUARDIAN_WEBHOOK_TOLERANCE"`

	TokenSigningKey string        `env:"GUARDIAN_TOKEN_SIGNING_KEY,required,notEmpty"`
	TokenTTL        time.Duration `env:"GUARDIAN_TOKEN_TTL"    envDefault:"10m"`
	TokenIssuer     string        `env:"GUARDIAN_TOKEN_ISSUER" envDefault:"guardian"`
	OTPSkew         uint          `env:"GUARDIAN_OTP_SKEW"     envDefault:"1"`
	LoginRate       float64       `env:"GUARDIAN_LOGIN_RATE"   envDefault:"5"`
	LoginBurst      int           `env:"GUARDIAN_LOGIN_BURST"  envDefault:"5"`

	ResumeWindow time.Duration `env:"GUARDIAN_RESUME_WINDOW" envDefault:"15m"`

	Ledger    LedgerConfig
	Decisions DecisionConfig
}

// Load parses and validates the full server configuration.
func Load() (Config, error) {
	var cfg Config
	if err := parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStore parses and validates the store section only.
func LoadStore() (StoreConfig, error) {
	var cfg StoreConfig
	if err := parse(&cfg); err != nil {
		return StoreConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

// LoadLedger parses and validates the ledger section only.
func LoadLedger() (LedgerConfig, error) {
	var cfg LedgerConfig
	if err := parse(&cfg); err != nil {
		return LedgerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return LedgerConfig{}, err
	}
	return cfg, nil
}

// LoadDecisions parses and validates the decision section only.
func LoadDecisions() (DecisionConfig, error) {
	var cfg DecisionConfig
	if err := parse(&cfg); err != nil {
		return DecisionConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return DecisionConfig{}, err
	}
	return cfg, nil
}

func parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate normalizes the driver name and checks bounds.
func (c *StoreConfig) Validate() error {
	var errs []error
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver != DriverSQLite && c.Driver != DriverPostgres {
		errs = append(errs, fmt.Errorf("GUARDIAN_STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Driver))
	}
	if c.MaxConns <= 0 {
		errs = append(errs, errors.New("GUARDIAN_STORE_MAX_CONNS must be positive"))
	}
	if c.OpTimeout <= 0 {
		errs = append(errs, errors.New("GUARDIAN_STORE_OP_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// Validate checks the store section; the secret is enforced while parsing.
func (c *LedgerConfig) Validate() error {
	return c.Store.Validate()
}

// Validate checks the trust floor.
func (c *DecisionConfig) Validate() error {
	if c.MinInteractions < 0 || c.MinTransactions < 0 {
		return errors.New("GUARDIAN_MIN_INTERACTIONS and GUARDIAN_MIN_TRANSACTIONS must not be negative")
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errs := []error{c.Ledger.Validate(), c.Decisions.Validate()}
	if len(c.TokenSigningKey) < identity.MinSigningKeyLen {
		errs = append(errs, fmt.Errorf("GUARDIAN_TOKEN_SIGNING_KEY must be at least %d bytes", identity.MinSigningKeyLen))
	}
	if c.TokenTTL <= 0 || c.TokenTTL > identity.MaxTokenTTL {
		errs = append(errs, fmt.Errorf("GUARDIAN_TOKEN_TTL must be in (0, %s]", identity.MaxTokenTTL))
	}
	if c.WebhookTolerance < 0 {
		errs = append(errs, errors.New("GUARDIAN_WEBHOOK_TOLERANCE must not be negative"))
	}
	if c.LoginRate < 0 || c.LoginBurst < 0 {
		errs = append(errs, errors.New("GUARDIAN_LOGIN_RATE and GUARDIAN_LOGIN_BURST must not be negative"))
	}
	if c.ResumeWindow <= 0 {
		errs = append(errs, errors.New("GUARDIAN_RESUME_WINDOW must be positive"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Thresholds is the trust floor for the mode resolver.
func (c DecisionConfig) Thresholds() mode.Thresholds {
	return mode.Thresholds{MinInteractions: c.MinInteractions, MinTransactions: c.MinTransactions}
}

// Throttle is the login throttle configuration.
func (c Config) Throttle() identity.ThrottleConfig {
	return identity.ThrottleConfig{PerMinute: c.LoginRate, Burst: c.LoginBurst}
}

// Level returns the configured log level, info when unparsable.
func (c Config) Level() slog.Level {
	l, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("GUARDIAN_LOG_LEVEL: unknown level %q", s)
	}
	return l, nil
}
