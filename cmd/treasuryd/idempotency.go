package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"treasury/pkg/httpx"
	"treasury/pkg/store"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}

// idempotent replays the stored response of a mutating request carrying an
// Idempotency-Key. Keys are scoped to the caller; a reused key with a
// different request body is refused.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if s.Idempotency == nil || key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		limit := s.MaxBodyBytes
		if limit <= 0 {
			limit = httpx.MaxBodyBytes
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		if int64(len(body)) > limit {
			httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		scope := caller(r)
		sum := sha256.Sum256([]byte(r.Method + "\n" + r.URL.Path + "\n" + string(body)))
		fingerprint := hex.EncodeToString(sum[:])

		prev, replay, err := s.Idempotency.Begin(r.Context(), scope, key, fingerprint)
		switch {
		case errors.Is(err, store.ErrInFlight):
			httpx.ErrorCode(w, http.StatusConflict, "idempotency_in_flight", err.Error())
			return
		case errors.Is(err, store.ErrKeyConflict):
			httpx.ErrorCode(w, http.StatusUnprocessableEntity, "idempotency_conflict", err.Error())
			return
		case errors.Is(err, store.ErrInvalidRequest):
			httpx.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		case err != nil:
			s.Log.Error().Err(err).Msg("idempotency store unavailable")
			httpx.ErrorCode(w, http.StatusServiceUnavailable, "unavailable", "idempotency store unavailable")
			return
		}
		if replay {
			w.Header().Set(replayedHeader, "true")
			if len(prev.Body) == 0 {
				w.WriteHeader(prev.Status)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(prev.Status)
			_, _ = w.Write(prev.Body)
			return
		}

		rec := &captureWriter{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		// Store outside the request context so a disconnecting client
		// cannot leave the key claimed.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		out := bytes.TrimSpace(rec.buf.Bytes())
		if rec.status >= 500 || (len(out) > 0 && !json.Valid(out)) {
			if err := s.Idempotency.Abort(ctx, scope, key); err != nil {
				s.Log.Warn().Err(err).Str("key", key).Msg("release idempotency key")
			}
			return
		}
		var stored json.RawMessage
		if len(out) > 0 {
			stored = json.RawMessage(out)
		}
		if err := s.Idempotency.Finish(ctx, scope, key, store.Response{Fingerprint: fingerprint, Status: rec.status, Body: stored}); err != nil {
			s.Log.Warn().Err(err).Str("key", key).Msg("store idempotent response")
		}
	})
}
