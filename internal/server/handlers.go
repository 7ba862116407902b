package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/guardian/internal/gateway"
	"github.com/ppiankov/guardian/internal/guardian"
	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/model"
	"github.com/ppiankov/guardian/internal/override"
	"github.com/ppiankov/guardian/internal/policy"
)

// ModeRequest is the body of POST /v1/mode.
type ModeRequest struct {
	PrincipalID string             `json:"principal_id"`
	RiskState   model.RiskState    `json:"risk_state"`
	Counters    mode.TrustCounters `json:"trust_counters"`
}

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	PrincipalID string `json:"principal_id"`
	OTP         string `json:"otp"`
}

// OverrideBody is the body of POST /v1/overrides. Credentials travel in
// headers.
type OverrideBody struct {
	OriginalEventID string          `json:"original_event_id"`
	TargetDecision  string          `json:"target_decision"`
	Reason          string          `json:"reason"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
}

// ReloadResult is returned by POST /v1/admin/reload.
type ReloadResult struct {
	Version    string `json:"rule_version"`
	Generation uint64 `json:"rule_generation"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountOverrides(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	table, gen := s.svc.Rules().Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"rule_version":    table.Version,
		"rule_generation": gen,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var c policy.Context
	if err := readJSON(w, r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.svc.Evaluate(c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, ev)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Resolve(req.PrincipalID, req.RiskState, req.Counters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, m)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req guardian.DecideRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Decide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusCreated, d)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := identity.WithClient(r.Context(), clientAddr(r))
	tok, err := s.authority.Authenticate(ctx, req.PrincipalID, req.OTP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, tok)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	token, ok := identity.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		s.writeError(w, r, model.ErrInvalidToken)
		return
	}
	var body OverrideBody
	if err := readJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.overrides.Execute(r.Context(), override.Request{
		Token:           token,
		OTP:             r.Header.Get(HeaderOTP),
		OriginalEventID: body.OriginalEventID,
		TargetDecision:  body.TargetDecision,
		Reason:          body.Reason,
		Evidence:        body.Evidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusCreated, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, st)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.writeError(w, r, model.ErrInvalidInput.With("n must be a positive integer"))
			return
		}
		n = v
	}
	entries, err := s.store.Latest(r.Context(), n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, entries)
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, e)
}

// handlePaymentWebhook answers 200 for every delivery whose signature
// verifies so the gateway stops retrying it.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, gateway.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, model.ErrInvalidInput.With("delivery exceeds %d bytes", gateway.MaxBodyBytes))
		return
	}
	res, err := s.gateway.Process(r.Context(), raw, r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, r, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	version, gen, err := s.ReloadRules()
	if err != nil {
		s.writeError(w, r, model.ErrInvalidInput.With("rule reload failed, %s still active", version))
		return
	}
	s.writeResult(w, r, http.StatusOK, ReloadResult{Version: version, Generation: gen})
}

// requireArchitect admits only bearer tokens carrying the ARCHITECT role.
func (s *Server) requireArchitect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, model.ErrInvalidToken)
			return
		}
		claims, err := s.authority.VerifyToken(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if claims.Role != model.RoleArchitect {
			s.writeError(w, r, model.ErrForbidden.With("admin operations need ARCHITECT"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
