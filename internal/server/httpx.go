package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ppiankov/guardian/internal/model"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type ctxKey int

const requestIDKey ctxKey = iota

func newRequestID() string { return "req_" + uuid.NewString() }

// requestID tags every request with an id, echoed in the response header
// and in error bodies.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := newRequestID()
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return newRequestID()
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// clientAddr is the peer host of r. Forwarding headers are ignored, so a
// client cannot pick its own throttle bucket.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return model.ErrInvalidInput.With("request body exceeds %d bytes", maxBodyBytes)
		}
		return model.ErrInvalidInput.With("malformed JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return model.ErrInvalidInput.With("request body must hold a single JSON object")
	}
	return nil
}

type errorBody struct {
	RequestID string      `json:"request_id"`
	Error     errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind model.Kind) int {
	switch kind {
	case model.KindInput:
		return http.StatusBadRequest
	case model.KindAuthentication:
		return http.StatusUnauthorized
	case model.KindAuthorization:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps detail for input and lookup errors only. Credential
// and authorization failures get their fixed message; anything else is
// opaque.
func publicMessage(err error) string {
	var e *model.Error
	if !errors.As(err, &e) {
		return model.ErrInternal.Message
	}
	switch e.Kind {
	case model.KindInput, model.KindNotFound:
		return e.Message
	case model.KindAuthentication, model.KindAuthorization, model.KindTransientStore:
		if base, ok := sentinels[e.Code]; ok {
			return base.Message
		}
	}
	return model.ErrInternal.Message
}

var sentinels = func() map[string]*model.Error {
	m := map[string]*model.Error{}
	for _, e := range []*model.Error{
		model.ErrAuthentication, model.ErrInvalidToken, model.ErrInvalidOTP,
		model.ErrScopeDenied, model.ErrIllegalStateTransition, model.ErrForbidden, model.ErrBadSignature,
		model.ErrTransientStore,
	} {
		m[e.Code] = e
	}
	return m
}()

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusOf(kind)
	id := requestIDFrom(r.Context())
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	s.log.Log(r.Context(), level, "request failed",
		"request_id", id,
		"path", r.URL.Path,
		"kind", string(kind),
		"code", model.CodeOf(err),
		"error", err,
	)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{
		RequestID: id,
		Error:     errorDetail{Code: model.CodeOf(err), Message: publicMessage(err)},
	})
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, status int, v any) {
	writeJSON(w, status, map[string]any{
		"request_id": requestIDFrom(r.Context()),
		"result":     v,
	})
}
