// Package identity is the credential authority: it verifies one-time codes
// against provisioned principals and issues short-lived signed tokens.
//
// Tokens are stateless. Validity is decided by signature and expiry at
// verification time; there is no session table and no revocation list.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/ppiankov/guardian/internal/model"
)

const (
	// DefaultTokenTTL is the default token lifetime.
	DefaultTokenTTL = 10 * time.Minute
	// MaxTokenTTL bounds operator-configured lifetimes.
	MaxTokenTTL = 1 * time.Hour
	// DefaultSkew accepts one 30s step either side of now.
	DefaultSkew = 1
	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "guardian"
	// MinSigningKeyLen is the shortest accepted HMAC signing key.
	MinSigningKeyLen = 32

	totpPeriod = 30
)

// dummySecret is validated against when the principal is unknown so that
// unknown and known principals cost the same work.
const dummySecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

// PrincipalSource loads principals fresh on every call.
type PrincipalSource interface {
	Principal(ctx context.Context, id string) (*model.Principal, error)
}

// Config configures an Authority.
type Config struct {
	SigningKey []byte
	TokenTTL   time.Duration
	Skew       uint
	Issuer     string
	Throttle   ThrottleConfig
	Now        func() time.Time
}

// Authority authenticates principals and issues and verifies tokens.
type Authority struct {
	src      PrincipalSource
	key      []byte
	ttl      time.Duration
	skew     uint
	issuer   string
	throttle *Throttle
	now      func() time.Time
}

// IssuedToken is a freshly signed token.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Claims    Claims    `json:"-"`
}

// New creates an Authority.
func New(src PrincipalSource, cfg Config) (*Authority, error) {
	if src == nil {
		return nil, errors.New("identity: principal source is required")
	}
	if len(cfg.SigningKey) < MinSigningKeyLen {
		return nil, fmt.Errorf("identity: signing key must be at least %d bytes", MinSigningKeyLen)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.TokenTTL > MaxTokenTTL {
		return nil, fmt.Errorf("identity: token ttl %s exceeds maximum %s", cfg.TokenTTL, MaxTokenTTL)
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authority{
		src:      src,
		key:      cfg.SigningKey,
		ttl:      cfg.TokenTTL,
		skew:     cfg.Skew,
		issuer:   cfg.Issuer,
		throttle: NewThrottle(cfg.Throttle),
		now:      cfg.Now,
	}, nil
}

// TokenTTL returns the configured token lifetime.
func (a *Authority) TokenTTL() time.Duration { return a.ttl }

// Authenticate verifies code for principalID and issues a token.
// Unknown principal, inactive principal, bad code and throttled attempts
// all return model.ErrAuthentication. Store failures are returned as is.
//
// Attempts are throttled per principal and client address (see WithClient),
// so failures from one client do not lock the principal out elsewhere.
func (a *Authority) Authenticate(ctx context.Context, principalID, code string) (IssuedToken, error) {
	principalID = strings.TrimSpace(principalID)
	if !a.throttle.Allow(principalID + "@" + clientFrom(ctx)) {
		return IssuedToken{}, model.ErrAuthentication
	}

	p, err := a.check(ctx, principalID, code)
	if err != nil {
		if errors.Is(err, errRejected) {
			return IssuedToken{}, model.ErrAuthentication
		}
		return IssuedToken{}, err
	}
	return a.issue(p)
}

// VerifyCode re-verifies code for principalID independently of any token.
// Every rejection returns model.ErrInvalidOTP.
func (a *Authority) VerifyCode(ctx context.Context, principalID, code string) (*model.Principal, error) {
	p, err := a.check(ctx, strings.TrimSpace(principalID), code)
	if err != nil {
		if errors.Is(err, errRejected) {
			return nil, model.ErrInvalidOTP
		}
		return nil, err
	}
	return p, nil
}

var errRejected = errors.New("rejected")

type clientKey struct{}

// WithClient tags ctx with the address of the client attempting to log in.
// Authenticate throttles per principal and client; untagged contexts share
// one bucket per principal.
func WithClient(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, clientKey{}, addr)
}

func clientFrom(ctx context.Context) string {
	addr, _ := ctx.Value(clientKey{}).(string)
	return addr
}

// check loads the principal and validates the code. Any credential problem
// is errRejected; only store failures pass through. Every attempt, empty
// input included, does one lookup and one TOTP validation.
func (a *Authority) check(ctx context.Context, principalID, code string) (*model.Principal, error) {
	p, err := a.src.Principal(ctx, principalID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			a.validate(code, dummySecret)
			return nil, errRejected
		}
		return nil, err
	}
	valid := a.validate(code, p.OTPSecret)
	if !p.Active || !valid {
		return nil, errRejected
	}
	return p, nil
}

func (a *Authority) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, a.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      a.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// Code returns the current code for secret. Used by enrollment checks and
// tests.
func (a *Authority) Code(secret string) (string, error) {
	return totp.GenerateCodeCustom(secret, a.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// NewSecret generates a TOTP secret for out-of-band provisioning and the
// otpauth:// URL an authenticator app can enroll from.
func NewSecret(issuer, account string) (secret, url string, err error) {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("identity: generate secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}
