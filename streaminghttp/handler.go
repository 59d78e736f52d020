// Package streaminghttp exposes the gateway over the streamable HTTP
// transport: a single endpoint accepting POST for protocol calls, GET for a
// server-to-client event stream, and DELETE for session termination.
package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/sigyl-dev/mcp-gateway/auth"
	"github.com/sigyl-dev/mcp-gateway/internal/jsonrpc"
	"github.com/sigyl-dev/mcp-gateway/internal/logctx"
	"github.com/sigyl-dev/mcp-gateway/metrics"
	"github.com/sigyl-dev/mcp-gateway/secrets"
	"github.com/sigyl-dev/mcp-gateway/sessions"
	"github.com/sigyl-dev/mcp-gateway/tenant"
	"github.com/sigyl-dev/mcp-gateway/toolserver"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	mcpSessionIDHeader = "Mcp-Session-Id"
	apiKeyHeader       = "X-Sigyl-Api-Key"
	apiKeyQueryParam   = "apiKey"

	defaultKeepAlive = 25 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error envelope at the given HTTP status,
// echoing the caller's request ID so the client can correlate the failure.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithEmitter enables usage reporting for standard-tier calls.
func WithEmitter(e *metrics.Emitter) Option {
	return func(h *Handler) { h.emitter = e }
}

// WithKeepAliveInterval overrides the SSE keepalive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// Handler implements the streamable HTTP transport in front of per-call tool
// server instances.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	validator auth.KeyValidator
	tenants   *tenant.Resolver
	config    *secrets.Resolver
	store     sessions.Store
	factory   toolserver.Factory
	emitter   *metrics.Emitter
	keepAlive time.Duration
}

func New(endpoint string, validator auth.KeyValidator, tenants *tenant.Resolver, config *secrets.Resolver, store sessions.Store, factory toolserver.Factory, opts ...Option) (*Handler, error) {
	if endpoint == "" || !strings.HasPrefix(endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be a rooted path, got %q", endpoint)
	}

	h := &Handler{
		validator: validator,
		tenants:   tenants,
		config:    config,
		store:     store,
		factory:   factory,
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.New(slog.DiscardHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpoint), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpoint), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpoint), h.handleDelete)
	// Tenant-prefixed form: /@owner/repo<endpoint>. The wildcard segments
	// also admit paths without the "@" marker; tenant resolution falls back
	// to its other strategies for those.
	mux.HandleFunc(fmt.Sprintf("POST /{owner}/{repo}%s", endpoint), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET /{owner}/{repo}%s", endpoint), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE /{owner}/{repo}%s", endpoint), h.handleDelete)
	h.mux = mux

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkCredential extracts and validates the caller's credential. On failure
// it writes the response and returns ok=false.
func (h *Handler) checkCredential(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.Verdict, string, bool) {
	apiKey := r.Header.Get(apiKeyHeader)
	if apiKey == "" {
		apiKey = r.URL.Query().Get(apiKeyQueryParam)
	}
	if apiKey == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		writeJSONError(w, http.StatusUnauthorized, "missing api key")
		return auth.Verdict{}, "", false
	}

	verdict, err := h.validator.Validate(ctx, apiKey)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "credential validation failed")
		return auth.Verdict{}, "", false
	}
	if !verdict.Valid {
		h.log.InfoContext(ctx, "auth.check.fail")
		writeJSONError(w, http.StatusUnauthorized, "invalid api key")
		return auth.Verdict{}, "", false
	}
	h.log.InfoContext(ctx, "auth.ok", slog.String("tier", string(verdict.Tier)))
	return verdict, apiKey, true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	verdict, apiKey, ok := h.checkCredential(ctx, r, w)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty request body")
		return
	}
	if trimmed[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}
	req := msg.AsRequest()
	if req == nil {
		// Client-originated response; nothing routes back on a per-call
		// instance, so acknowledge and drop.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   msg.Type(),
	})

	rec := &statusRecorder{ResponseWriter: w}

	if verdict.Tier == auth.TierMaster {
		h.servePassthrough(ctx, rec, req, trimmed)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	var tenantID string
	if sessionID == "" {
		tenantID = h.serveInitialize(ctx, rec, r, req, trimmed, apiKey)
		sessionID = rec.Header().Get(mcpSessionIDHeader)
	} else {
		tenantID = h.serveSessionCall(ctx, rec, req, trimmed, sessionID)
	}

	h.report(r, tenantID, sessionID, apiKey, rec, len(body), start)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// servePassthrough handles operator-tier calls: no tenant scoping, no session
// record, no usage reporting. Each call gets a fresh instance with an empty
// configuration.
func (h *Handler) servePassthrough(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, raw []byte) {
	inst, err := h.factory.NewServer(ctx, secrets.ResolvedConfig{})
	if err != nil {
		h.log.ErrorContext(ctx, "toolserver.build.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to start tool server")
		return
	}
	defer func() { _ = inst.Close(context.WithoutCancel(ctx)) }()

	resp, err := inst.Handle(ctx, raw)
	if err != nil {
		h.log.ErrorContext(ctx, "toolserver.call.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "tool server call failed")
		return
	}
	h.writeResult(ctx, w, resp)
}

// serveInitialize handles the first call of a conversation: the request must
// be an initialize, the caller's tenant and configuration are resolved, and
// the session record is persisted before the call is forwarded. If the
// forward fails the record is removed so no session is ever observable for a
// conversation that never initialized. Returns the resolved tenant for
// reporting.
func (h *Handler) serveInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, raw []byte, apiKey string) string {
	if req.Method != "initialize" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidSession, "no valid session: send an initialize request first")
		return ""
	}

	tenantID, ok := h.tenants.Resolve(r)
	if !ok {
		h.log.WarnContext(ctx, "tenant.resolve.fail")
		writeJSONError(w, http.StatusBadRequest, "unable to determine target package")
		return ""
	}
	ctx = logctx.WithTenantData(ctx, &logctx.TenantData{TenantID: tenantID})

	cfg, err := h.config.Resolve(ctx, tenantID, apiKey)
	if err != nil {
		var cve *secrets.ConfigValidationError
		if errors.As(err, &cve) {
			h.log.WarnContext(ctx, "config.validate.fail", slog.String("err", cve.Error()))
			writeJSONError(w, http.StatusInternalServerError, cve.Error())
			return tenantID
		}
		h.log.ErrorContext(ctx, "config.resolve.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve package configuration")
		return tenantID
	}

	now := time.Now().UTC()
	record := &sessions.Record{
		ID:             sessions.NewSessionID(),
		Tenant:         tenantID,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: record.ID, Tenant: tenantID})

	if err := h.store.Create(ctx, record); err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return tenantID
	}

	inst, err := h.factory.NewServer(ctx, record.Config)
	if err != nil {
		h.discardSession(ctx, record.ID)
		h.log.ErrorContext(ctx, "toolserver.build.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to start tool server")
		return tenantID
	}
	defer func() { _ = inst.Close(context.WithoutCancel(ctx)) }()

	resp, err := inst.Handle(ctx, raw)
	if err != nil {
		h.discardSession(ctx, record.ID)
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "tool server initialization failed")
		return tenantID
	}

	w.Header().Set(mcpSessionIDHeader, record.ID)
	h.writeResult(ctx, w, resp)
	h.log.InfoContext(ctx, "session.initialize.ok")
	return tenantID
}

// serveSessionCall handles a continuation call against an existing session.
// Forwarding failures leave the session intact so the client can retry.
func (h *Handler) serveSessionCall(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, raw []byte, sessionID string) string {
	record, err := h.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.load.miss")
			writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.ErrorCodeInvalidSession, "session not found or expired")
			return ""
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return ""
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: record.ID, Tenant: record.Tenant})

	inst, err := h.factory.NewServer(ctx, record.Config)
	if err != nil {
		h.log.ErrorContext(ctx, "toolserver.build.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to start tool server")
		return record.Tenant
	}
	defer func() { _ = inst.Close(context.WithoutCancel(ctx)) }()

	resp, err := inst.Handle(ctx, raw)
	if err != nil {
		h.log.ErrorContext(ctx, "toolserver.call.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "tool server call failed")
		return record.Tenant
	}

	if err := h.store.Touch(ctx, record.ID, time.Now().UTC()); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	h.writeResult(ctx, w, resp)
	return record.Tenant
}

// writeResult writes a forwarded response body, or 202 for notifications
// that produce none.
func (h *Handler) writeResult(ctx context.Context, w http.ResponseWriter, resp []byte) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

// discardSession removes a record created for a conversation whose initialize
// never completed. Uses a detached context so cleanup survives client
// disconnects.
func (h *Handler) discardSession(ctx context.Context, sessionID string) {
	if err := h.store.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
		h.log.WarnContext(ctx, "session.discard.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must include text/event-stream")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	verdict, _, ok := h.checkCredential(ctx, r, w)
	if !ok {
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if verdict.Tier != auth.TierMaster {
		if sessionID == "" {
			h.log.WarnContext(ctx, "session.id.missing")
			writeJSONError(w, http.StatusBadRequest, "missing session id")
			return
		}
		record, err := h.store.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				h.log.InfoContext(ctx, "session.load.miss")
				writeJSONError(w, http.StatusBadRequest, "session not found or expired")
				return
			}
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: record.ID, Tenant: record.Tenant})
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	// Per-call instances never push server-originated messages, so the
	// stream only carries keepalives until the client disconnects or the
	// session ends.
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-ticker.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end")
				return
			}
			wf.Flush()
			if sessionID != "" {
				if err := h.store.Touch(ctx, sessionID, time.Now().UTC()); err != nil {
					if errors.Is(err, sessions.ErrSessionNotFound) {
						h.log.InfoContext(ctx, "sse.session.gone")
						return
					}
					h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
				}
			}
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if _, _, ok := h.checkCredential(ctx, r, w); !ok {
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		return
	}

	record, err := h.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			writeJSONError(w, http.StatusBadRequest, "session not found or expired")
			return
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: record.ID, Tenant: record.Tenant})

	if err := h.store.Delete(ctx, sessionID); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if h.emitter != nil {
		h.emitter.ForgetSession(sessionID)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// report queues a usage event for a standard-tier call. Operator calls never
// reach here.
func (h *Handler) report(r *http.Request, tenantID, sessionID, apiKey string, rec *statusRecorder, reqSize int, start time.Time) {
	if h.emitter == nil {
		return
	}

	ev := metrics.Event{
		SessionID:   sessionID,
		PackageName: tenantID,
		UserAPIKey:  metrics.RedactKey(apiKey),
		ClientIP:    clientIP(r),
		UserAgent:   r.UserAgent(),
		Request: metrics.RequestInfo{
			Method:    r.Method,
			URL:       r.URL.Path,
			SizeBytes: reqSize,
		},
		Response: metrics.ResponseInfo{
			StatusCode: rec.status(),
			SizeBytes:  rec.written,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
	if ev.Response.StatusCode >= 400 {
		ev.Error = &metrics.ErrorInfo{Message: http.StatusText(ev.Response.StatusCode)}
	}
	h.emitter.Report(ev)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the status code and body size for usage reporting.
type statusRecorder struct {
	http.ResponseWriter
	code    int
	written int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.written += n
	return n, err
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// lockedWriteFlusher serializes concurrent writes/flushes on an SSE stream
// and refuses to write after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}
