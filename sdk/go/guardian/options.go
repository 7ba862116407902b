package guardian

import (
	"net/http"
	"time"
)

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithTimeout bounds each call. Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) { c.userAgent = ua }
}

// GuardOption configures a single Guard call.
type GuardOption func(*guardConfig)

type guardConfig struct {
	charging  bool
	confirmed bool
}

// Charging marks the guarded action as moving money, so CanCharge must
// hold too.
func Charging() GuardOption {
	return func(g *guardConfig) { g.charging = true }
}

// Confirmed tells Guard the customer already confirmed the action, which
// satisfies SUPERVISED mode's confirmation requirement.
func Confirmed() GuardOption {
	return func(g *guardConfig) { g.confirmed = true }
}
