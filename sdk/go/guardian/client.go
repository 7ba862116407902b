package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Header names understood by the server.
const (
	HeaderOTP       = "X-Guardian-OTP"
	HeaderRequestID = "X-Request-ID"
)

const defaultTimeout = 10 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client calls a guardian server. Safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("guardian: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("guardian: base url must be http or https, got %q", baseURL)
	}
	cfg := clientConfig{timeout: defaultTimeout, userAgent: "guardian-go"}
	for _, o := range opts {
		o(&cfg)
	}
	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	return &Client{base: u, http: hc, userAgent: cfg.userAgent}, nil
}

// Evaluate classifies c without recording it.
func (c *Client) Evaluate(ctx context.Context, in Context) (*Evaluation, error) {
	var out Evaluation
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Mode resolves the operating mode for an already classified tier.
func (c *Client) Mode(ctx context.Context, in ModeRequest) (*Mode, error) {
	var out Mode
	if err := c.do(ctx, http.MethodPost, "/v1/mode", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide classifies, resolves and records a decision.
func (c *Client) Decide(ctx context.Context, in DecideRequest) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/v1/decisions", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges a one-time code for a token.
func (c *Client) Login(ctx context.Context, principalID, otp string) (*Token, error) {
	var out Token
	body := map[string]string{"principal_id": principalID, "otp": otp}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Override supersedes a blocked decision. token comes from Login and otp
// must be a fresh one-time code.
func (c *Client) Override(ctx context.Context, token, otp string, in OverrideRequest) (*OverrideResult, error) {
	var out OverrideResult
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set(HeaderOTP, otp)
	if err := c.do(ctx, http.MethodPost, "/v1/overrides", h, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the aggregate ledger counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/v1/overrides/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Latest returns the n most recent ledger entries, newest first. n <= 0
// uses the server default.
func (c *Client) Latest(ctx context.Context, n int) ([]Entry, error) {
	path := "/v1/ledger/latest"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	var out []Entry
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entry returns one ledger entry.
func (c *Client) Entry(ctx context.Context, eventID string) (*Entry, error) {
	var out Entry
	if err := c.do(ctx, http.MethodGet, "/v1/ledger/"+url.PathEscape(eventID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the server to re-read its rule file. Needs an ARCHITECT
// token.
func (c *Client) Reload(ctx context.Context, token string) (version string, generation uint64, err error) {
	var out struct {
		Version    string `json:"rule_version"`
		Generation uint64 `json:"rule_generation"`
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if err := c.do(ctx, http.MethodPost, "/v1/admin/reload", h, nil, &out); err != nil {
		return "", 0, err
	}
	return out.Version, out.Generation, nil
}

type envelope struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, h http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("guardian: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("guardian: build request: %w", err)
	}
	for k, vv := range h {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("guardian: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("guardian: read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{
				StatusCode: resp.StatusCode,
				RequestID:  resp.Header.Get(HeaderRequestID),
				Code:       "http_" + strconv.Itoa(resp.StatusCode),
				Message:    http.StatusText(resp.StatusCode),
			}
		}
		return fmt.Errorf("guardian: decode response: %w", err)
	}
	if resp.StatusCode >= 300 || env.Error != nil {
		apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: env.RequestID}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else {
			apiErr.Code = "http_" + strconv.Itoa(resp.StatusCode)
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if len(env.Result) == 0 {
		return errors.New("guardian: response has no result")
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("guardian: decode result: %w", err)
	}
	return nil
}
