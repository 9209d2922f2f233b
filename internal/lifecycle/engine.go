package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/veasyo/internal/audit"
	"github.com/example/veasyo/internal/cache"
	"github.com/example/veasyo/internal/identity"
	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/internal/persistence"
	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/pkg/veasyoapi"
)

// Broadcaster is the slice of the rooms hub the engine needs.
type Broadcaster interface {
	Broadcast(room, event string, data any)
}

// BridgeSubmitter pushes an integration job to the tenant's on-prem agent.
type BridgeSubmitter interface {
	SubmitJob(ctx context.Context, tenantID string, payload []byte) (veasyoapi.TestJobResponse, error)
}

// IntegrationJob is the payload handed to the device bridge on request
// creation.
type IntegrationJob struct {
	Kind      string `json:"kind"` // "print" or "alert"
	RequestID string `json:"request_id"`
	Tenant    string `json:"tenant"`
	Table     string `json:"table"`
	Type      string `json:"type"`
	Note      string `json:"note,omitempty"`
}

type Options struct {
	// LiveTTL is the shard entry expiry. A safety net for abandoned
	// requests, not the primary removal path.
	LiveTTL time.Duration
	// RemovalGrace delays shard removal after a terminal transition so the
	// final broadcast reaches subscribers still rendering the prior state.
	RemovalGrace time.Duration
	ShardMax     int
}

func (o *Options) applyDefaults() {
	if o.LiveTTL <= 0 {
		o.LiveTTL = 2 * time.Hour
	}
	if o.RemovalGrace <= 0 {
		o.RemovalGrace = 5 * time.Second
	}
	if o.ShardMax <= 0 {
		o.ShardMax = 500
	}
}

// Engine drives request state. Transitions for one request id are serialized
// by a stripe lock held across the shard update and the resulting broadcasts,
// so subscribers observe one id's updates in transition order.
type Engine struct {
	shards   *cache.ShardManager[ActiveRequest]
	resolver identity.Resolver
	store    persistence.Store
	hub      Broadcaster
	bridge   BridgeSubmitter // nil when no bridge is wired
	trail    *audit.Trail    // nil disables auditing
	logger   *zap.Logger
	opts     Options

	stripes [64]sync.Mutex

	now func() time.Time
}

func NewEngine(
	resolver identity.Resolver,
	store persistence.Store,
	hub Broadcaster,
	bridge BridgeSubmitter,
	trail *audit.Trail,
	logger *zap.Logger,
	opts Options,
) *Engine {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		shards:   cache.NewShardManager[ActiveRequest](opts.ShardMax),
		resolver: resolver,
		store:    store,
		hub:      hub,
		bridge:   bridge,
		trail:    trail,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Shards exposes the live store for the sweeper and the status endpoint.
func (e *Engine) Shards() *cache.ShardManager[ActiveRequest] { return e.shards }

func (e *Engine) Stats() cache.Stats { return e.shards.Stats() }

// Create registers a new service call and returns it immediately. Durable
// write and hardware integrations run detached; only identity problems fail
// the caller.
func (e *Engine) Create(ctx context.Context, tenantRef, tableRef, requestType, note string) (ActiveRequest, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.create",
		attribute.String("tenant_ref", tenantRef), attribute.String("request_type", requestType))
	defer span.End()

	tenantID, tableID, err := e.resolveRefs(ctx, tenantRef, tableRef)
	if err != nil {
		return ActiveRequest{}, err
	}
	if requestType == "" {
		return ActiveRequest{}, &ValidationError{Reason: "request type is required"}
	}
	if len(note) > MaxNoteLength {
		note = note[:MaxNoteLength]
	}

	req := ActiveRequest{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		TableID:   tableID,
		Type:      requestType,
		Status:    StatusPending,
		Note:      note,
		CreatedAt: e.now().UTC(),
	}

	mu := e.stripe(req.ID)
	mu.Lock()
	e.shards.Set(tenantID, req.ID, req, e.opts.LiveTTL)
	view := req.View()
	e.hub.Broadcast(rooms.StaffRoom(tenantID), rooms.EventNewRequest, view)
	e.hub.Broadcast(rooms.TableRoom(tenantID, tableID), rooms.EventRequestReceived, view)
	mu.Unlock()

	observability.Default.IncCounter("requests_created_total",
		map[string]string{"tenant": tenantID, "request_type": requestType}, 1)
	e.audit("request.create", tenantID, req.ID, "ok", "")

	Go(e.logger, "persist-create", func() {
		rec := persistence.RequestRecord{
			ID: req.ID, TenantID: tenantID, TableID: tableID,
			Type: requestType, Status: StatusPending, Note: note, CreatedAt: req.CreatedAt,
		}
		if err := e.store.PersistCreate(context.Background(), rec); err != nil {
			e.logger.Error("durable create failed",
				zap.String("tenant", tenantID), zap.String("request", req.ID), zap.Error(err))
		}
	})
	Go(e.logger, "integration-trigger", func() { e.triggerIntegrations(req) })

	return req, nil
}

// Acknowledge moves pending|acknowledged to acknowledged. Re-acknowledgement
// by a different user overwrites AcknowledgedBy. The second return is false
// when the id is not live, a normal outcome.
func (e *Engine) Acknowledge(ctx context.Context, requestID, userID, tenantRef string) (ActiveRequest, bool, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.acknowledge", attribute.String("request", requestID))
	defer span.End()

	tenantID, ok, err := e.resolveTenant(ctx, tenantRef)
	if err != nil || !ok {
		return ActiveRequest{}, false, err
	}

	updated, applied := e.transition(tenantID, requestID, e.opts.LiveTTL, func(r ActiveRequest) (ActiveRequest, bool) {
		if r.terminal() {
			return r, false
		}
		r.Status = StatusAcknowledged
		r.AcknowledgedBy = userID
		return r, true
	})
	if !applied {
		return ActiveRequest{}, false, nil
	}

	observability.Default.IncCounter("requests_acknowledged_total", map[string]string{"tenant": tenantID}, 1)
	e.audit("request.acknowledge", tenantID, requestID, "ok", "user="+userID)
	Go(e.logger, "persist-acknowledge", func() {
		if err := e.store.PersistAcknowledge(context.Background(), requestID, tenantID, userID); err != nil {
			e.logger.Error("durable acknowledge failed",
				zap.String("tenant", tenantID), zap.String("request", requestID), zap.Error(err))
		}
	})
	return updated, true, nil
}

// Complete moves the request to completed, stamps the wall-clock duration and
// schedules removal from the live shard after the grace delay.
func (e *Engine) Complete(ctx context.Context, requestID, tenantRef string) (ActiveRequest, bool, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.complete", attribute.String("request", requestID))
	defer span.End()

	tenantID, ok, err := e.resolveTenant(ctx, tenantRef)
	if err != nil || !ok {
		return ActiveRequest{}, false, err
	}

	now := e.now()
	updated, applied := e.transition(tenantID, requestID, 0, func(r ActiveRequest) (ActiveRequest, bool) {
		if r.terminal() {
			return r, false
		}
		r.Status = StatusCompleted
		d := int64(now.Sub(r.CreatedAt).Seconds())
		if d < 0 {
			d = 0
		}
		r.DurationSeconds = d
		return r, true
	})
	if !applied {
		return ActiveRequest{}, false, nil
	}

	e.scheduleRemoval(tenantID, requestID)
	observability.Default.IncCounter("requests_completed_total", map[string]string{"tenant": tenantID}, 1)
	e.audit("request.complete", tenantID, requestID, "ok", fmt.Sprintf("duration_seconds=%d", updated.DurationSeconds))
	duration := updated.DurationSeconds
	Go(e.logger, "persist-complete", func() {
		if err := e.store.PersistComplete(context.Background(), requestID, tenantID, duration); err != nil {
			e.logger.Error("durable complete failed",
				zap.String("tenant", tenantID), zap.String("request", requestID), zap.Error(err))
		}
	})
	return updated, true, nil
}

// Cancel moves the request to cancelled with the same removal treatment as
// completion, without a duration.
func (e *Engine) Cancel(ctx context.Context, requestID, tenantRef string) (ActiveRequest, bool, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.cancel", attribute.String("request", requestID))
	defer span.End()

	tenantID, ok, err := e.resolveTenant(ctx, tenantRef)
	if err != nil || !ok {
		return ActiveRequest{}, false, err
	}

	updated, applied := e.transition(tenantID, requestID, 0, func(r ActiveRequest) (ActiveRequest, bool) {
		if r.terminal() {
			return r, false
		}
		r.Status = StatusCancelled
		return r, true
	})
	if !applied {
		return ActiveRequest{}, false, nil
	}

	e.scheduleRemoval(tenantID, requestID)
	observability.Default.IncCounter("requests_cancelled_total", map[string]string{"tenant": tenantID}, 1)
	e.audit("request.cancel", tenantID, requestID, "ok", "")
	Go(e.logger, "persist-cancel", func() {
		if err := e.store.PersistCancel(context.Background(), requestID, tenantID); err != nil {
			e.logger.Error("durable cancel failed",
				zap.String("tenant", tenantID), zap.String("request", requestID), zap.Error(err))
		}
	})
	return updated, true, nil
}

// ListActive returns the tenant's live requests in creation order.
func (e *Engine) ListActive(ctx context.Context, tenantRef string) ([]ActiveRequest, error) {
	tenantID, ok, err := e.resolver.ResolveTenant(ctx, tenantRef)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	if !ok {
		return nil, &ValidationError{Reason: "unknown tenant: " + tenantRef}
	}
	return e.shards.Values(tenantID), nil
}

// transition applies fn under the request's stripe lock and broadcasts the
// update to both rooms before releasing it. fn reports whether the state
// change applies; terminal entries waiting out the grace delay refuse it.
func (e *Engine) transition(tenantID, requestID string, ttl time.Duration, fn func(ActiveRequest) (ActiveRequest, bool)) (ActiveRequest, bool) {
	mu := e.stripe(requestID)
	mu.Lock()
	defer mu.Unlock()

	applied := false
	updated, live := e.shards.Shard(tenantID).Update(requestID, ttl, func(r ActiveRequest) ActiveRequest {
		next, ok := fn(r)
		applied = ok
		return next
	})
	if !live || !applied {
		return ActiveRequest{}, false
	}

	view := updated.View()
	e.hub.Broadcast(rooms.StaffRoom(tenantID), rooms.EventRequestUpdate, view)
	e.hub.Broadcast(rooms.TableRoom(tenantID, updated.TableID), rooms.EventRequestUpdate, view)
	return updated, true
}

func (e *Engine) scheduleRemoval(tenantID, requestID string) {
	time.AfterFunc(e.opts.RemovalGrace, func() {
		e.shards.Delete(tenantID, requestID)
	})
}

// triggerIntegrations reads the tenant's hardware settings and submits bridge
// jobs accordingly. Runs detached; failures are logged and dropped.
func (e *Engine) triggerIntegrations(req ActiveRequest) {
	if e.bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	settings, err := e.store.IntegrationSettings(ctx, req.TenantID)
	if err != nil {
		e.logger.Warn("integration settings unavailable",
			zap.String("tenant", req.TenantID), zap.String("request", req.ID), zap.Error(err))
		return
	}
	if settings.PrinterEnabled && settings.AutoPrint {
		e.submitIntegration(ctx, req, "print")
	}
	if settings.SpeakerEnabled {
		e.submitIntegration(ctx, req, "alert")
	}
}

func (e *Engine) submitIntegration(ctx context.Context, req ActiveRequest, kind string) {
	payload, err := json.Marshal(IntegrationJob{
		Kind: kind, RequestID: req.ID, Tenant: req.TenantID,
		Table: req.TableID, Type: req.Type, Note: req.Note,
	})
	if err != nil {
		e.logger.Error("marshal integration job", zap.String("request", req.ID), zap.Error(err))
		return
	}
	if _, err := e.bridge.SubmitJob(ctx, req.TenantID, payload); err != nil {
		e.logger.Warn("integration job failed",
			zap.String("tenant", req.TenantID), zap.String("request", req.ID),
			zap.String("kind", kind), zap.Error(err))
		observability.Default.IncCounter("integration_jobs_failed_total",
			map[string]string{"tenant": req.TenantID, "kind": kind}, 1)
		return
	}
	observability.Default.IncCounter("integration_jobs_total",
		map[string]string{"tenant": req.TenantID, "kind": kind}, 1)
}

func (e *Engine) resolveRefs(ctx context.Context, tenantRef, tableRef string) (string, string, error) {
	tenantID, ok, err := e.resolver.ResolveTenant(ctx, tenantRef)
	if err != nil {
		return "", "", fmt.Errorf("resolve tenant: %w", err)
	}
	if !ok {
		return "", "", &ValidationError{Reason: "unknown tenant: " + tenantRef}
	}
	tableID, ok, err := e.resolver.ResolveTable(ctx, tableRef, tenantID)
	if err != nil {
		return "", "", fmt.Errorf("resolve table: %w", err)
	}
	if !ok {
		return "", "", &ValidationError{Reason: "unknown table: " + tableRef}
	}
	return tenantID, tableID, nil
}

// resolveTenant is the transition-path variant: an unknown tenant reads as
// not-found rather than a validation failure, since the request cannot be
// live under a tenant that does not exist.
func (e *Engine) resolveTenant(ctx context.Context, tenantRef string) (string, bool, error) {
	tenantID, ok, err := e.resolver.ResolveTenant(ctx, tenantRef)
	if err != nil {
		return "", false, fmt.Errorf("resolve tenant: %w", err)
	}
	return tenantID, ok, nil
}

func (e *Engine) audit(action, tenantID, requestID, result, details string) {
	if e.trail == nil {
		return
	}
	e.trail.Append(audit.Event{
		Action:   action,
		Tenant:   tenantID,
		Resource: requestID,
		Result:   result,
		Details:  details,
	})
}

func (e *Engine) stripe(requestID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(requestID))
	return &e.stripes[h.Sum32()%uint32(len(e.stripes))]
}
