// Package api is the transport surface of the dispatch service: REST entry
// points, the staff/table websocket, the agent bridge socket and the
// operator endpoints.
package api

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/veasyo/internal/audit"
	"github.com/example/veasyo/internal/bridge"
	"github.com/example/veasyo/internal/identity"
	"github.com/example/veasyo/internal/lifecycle"
	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/internal/scaling"
	"github.com/example/veasyo/pkg/veasyoapi"
)

type Server struct {
	engine     *lifecycle.Engine
	dispatcher *bridge.Dispatcher
	hub        *rooms.Hub
	relay      *scaling.Relay
	resolver   identity.Resolver
	trail      *audit.Trail
	auth       *authorizer
	logger     *zap.Logger
}

func NewServer(
	engine *lifecycle.Engine,
	dispatcher *bridge.Dispatcher,
	hub *rooms.Hub,
	relay *scaling.Relay,
	resolver identity.Resolver,
	trail *audit.Trail,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:     engine,
		dispatcher: dispatcher,
		hub:        hub,
		relay:      relay,
		resolver:   resolver,
		trail:      trail,
		auth:       newAuthorizerFromEnv(),
		logger:     logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/requests/", s.handleRequestAction)
	mux.HandleFunc("/v1/ws", s.handleClientSocket)
	mux.HandleFunc("/v1/bridge/ws", s.handleAgentSocket)
	mux.HandleFunc("/v1/bridge/test", s.handleBridgeTest)
	mux.HandleFunc("/v1/admin/audit", s.handleAuditEvents)
	return withTracing(s.withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	stats := s.engine.Stats()
	tenants := make([]veasyoapi.TenantCacheStats, 0, len(stats.PerTenant))
	for _, tenant := range s.engine.Shards().Tenants() {
		tenants = append(tenants, veasyoapi.TenantCacheStats{Tenant: tenant, Entries: stats.PerTenant[tenant]})
	}
	writeJSON(w, http.StatusOK, veasyoapi.StatusResponse{
		TenantCount:  stats.TenantCount,
		TotalEntries: stats.TotalEntries,
		Tenants:      tenants,
		Relay:        s.relay.Status(),
		BridgeAgents: s.dispatcher.Tenants(),
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRequest(w, r)
	case http.MethodGet:
		s.handleListRequests(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req veasyoapi.CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.engine.Create(r.Context(), req.Tenant, req.Table, req.Type, req.Note)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created.View())
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}
	if _, ok := s.requireTenantAccess(w, r, tenant); !ok {
		return
	}
	live, err := s.engine.ListActive(r.Context(), tenant)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	out := make([]veasyoapi.RequestView, 0, len(live))
	for _, req := range live {
		out = append(out, req.View())
	}
	writeJSON(w, http.StatusOK, veasyoapi.ListRequestsResponse{Tenant: tenant, Returned: len(out), Requests: out})
}

// handleRequestAction serves POST /v1/requests/{id}/acknowledge|complete|cancel.
func (s *Server) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	requestID, action := parts[0], parts[1]

	switch action {
	case "acknowledge":
		var body veasyoapi.AcknowledgeRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, ok := s.requireTenantAccess(w, r, body.Tenant); !ok {
			return
		}
		updated, found, err := s.engine.Acknowledge(r.Context(), requestID, body.User, body.Tenant)
		s.writeTransitionResult(w, updated, found, err)
	case "complete":
		var body veasyoapi.TransitionRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, ok := s.requireTenantAccess(w, r, body.Tenant); !ok {
			return
		}
		updated, found, err := s.engine.Complete(r.Context(), requestID, body.Tenant)
		s.writeTransitionResult(w, updated, found, err)
	case "cancel":
		var body veasyoapi.TransitionRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, ok := s.requireTenantAccess(w, r, body.Tenant); !ok {
			return
		}
		updated, found, err := s.engine.Cancel(r.Context(), requestID, body.Tenant)
		s.writeTransitionResult(w, updated, found, err)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) writeTransitionResult(w http.ResponseWriter, updated lifecycle.ActiveRequest, found bool, err error) {
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, updated.View())
}

func (s *Server) handleBridgeTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req veasyoapi.TestJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenantID, ok, err := s.resolver.ResolveTenant(r.Context(), req.Tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tenant: "+req.Tenant)
		return
	}
	if _, ok := s.requireTenantAccess(w, r, tenantID); !ok {
		return
	}

	payload, _ := json.Marshal(map[string]string{"kind": "test", "text": req.Text})
	resp, err := s.dispatcher.SubmitJob(r.Context(), tenantID, payload)
	if err != nil {
		s.trail.Append(audit.Event{
			Action: "bridge.test", Tenant: tenantID, Resource: resp.JobID,
			Result: "error", Details: err.Error(),
		})
		switch {
		case errors.Is(err, bridge.ErrAgentNotConnected):
			// The printer being offline is the venue's condition, not a
			// server fault.
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, bridge.ErrAgentTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, bridge.ErrAgentRejected), errors.Is(err, bridge.ErrTransport):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.trail.Append(audit.Event{
		Action: "bridge.test", Tenant: tenantID, Resource: resp.JobID, Result: "ok",
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = v
	}
	events := s.trail.ListEvents(audit.Query{
		Limit:  limit,
		Offset: offset,
		Action: strings.TrimSpace(r.URL.Query().Get("action")),
		Actor:  strings.TrimSpace(r.URL.Query().Get("actor")),
		Tenant: strings.TrimSpace(r.URL.Query().Get("tenant")),
		Result: strings.TrimSpace(r.URL.Query().Get("result")),
	})
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv") {
		writeAuditCSV(w, events)
		return
	}
	out := make([]veasyoapi.AuditEventView, 0, len(events))
	for _, e := range events {
		out = append(out, veasyoapi.AuditEventView{
			ID:        e.ID,
			Action:    e.Action,
			Actor:     e.Actor,
			Tenant:    e.Tenant,
			Resource:  e.Resource,
			Result:    e.Result,
			Details:   e.Details,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, veasyoapi.ListAuditEventsResponse{
		Returned: len(out),
		Limit:    limit,
		Offset:   offset,
		Events:   out,
	})
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	var verr *lifecycle.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireTenantAccess(w http.ResponseWriter, r *http.Request, tenant string) (principal, bool) {
	p, code, msg := s.auth.authorize(r)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	if !s.auth.enabled {
		return p, true
	}
	if !p.canAccessTenant(tenant) {
		writeError(w, http.StatusForbidden, "tenant access denied")
		return principal{}, false
	}
	return p, true
}

func writeAuditCSV(w http.ResponseWriter, events []audit.Event) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "action", "actor", "tenant", "resource", "prev_hash", "event_hash", "result", "details"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.Action,
			e.Actor,
			e.Tenant,
			e.Resource,
			e.PrevHash,
			e.EventHash,
			e.Result,
			e.Details,
		})
	}
	cw.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the middleware wrappers.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
