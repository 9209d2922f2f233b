package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/veasyo/internal/audit"
	"github.com/example/veasyo/internal/identity"
	"github.com/example/veasyo/internal/persistence"
	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/pkg/veasyoapi"
)

type broadcastCall struct {
	room  string
	event string
	view  veasyoapi.RequestView
}

type fakeHub struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (h *fakeHub) Broadcast(room, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	view, _ := data.(veasyoapi.RequestView)
	h.calls = append(h.calls, broadcastCall{room: room, event: event, view: view})
}

func (h *fakeHub) snapshot() []broadcastCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]broadcastCall, len(h.calls))
	copy(out, h.calls)
	return out
}

type fakeBridge struct {
	mu   sync.Mutex
	jobs []IntegrationJob
}

func (b *fakeBridge) SubmitJob(_ context.Context, _ string, payload []byte) (veasyoapi.TestJobResponse, error) {
	var job IntegrationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return veasyoapi.TestJobResponse{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs = append(b.jobs, job)
	return veasyoapi.TestJobResponse{Success: true}, nil
}

func (b *fakeBridge) kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j.Kind)
	}
	return out
}

type testEnv struct {
	engine *Engine
	hub    *fakeHub
	store  *persistence.MemoryStore
	bridge *fakeBridge
	trail  *audit.Trail
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := identity.NewMemoryDirectory()
	dir.AddTenant("mario-pizzeria", "t1")
	dir.AddTenant("t1", "t1")
	dir.AddTable("t1", "5", "table-5")
	dir.AddTable("t1", "table-5", "table-5")
	resolver := identity.NewCachingResolver(dir, time.Minute, 100)
	t.Cleanup(resolver.Stop)

	env := &testEnv{
		hub:    &fakeHub{},
		store:  persistence.NewMemoryStore(),
		bridge: &fakeBridge{},
		trail:  audit.NewTrail(100),
	}
	env.engine = NewEngine(resolver, env.store, env.hub, env.bridge, env.trail, zap.NewNop(), opts)
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t, Options{RemovalGrace: 30 * time.Millisecond})
	ctx := context.Background()

	req, err := env.engine.Create(ctx, "mario-pizzeria", "5", "bill", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if req.Status != StatusPending || req.TenantID != "t1" || req.TableID != "table-5" {
		t.Fatalf("created = %+v", req)
	}

	live, err := env.engine.ListActive(ctx, "t1")
	if err != nil || len(live) != 1 || live[0].ID != req.ID {
		t.Fatalf("ListActive after create = %v, %v", live, err)
	}

	acked, found, err := env.engine.Acknowledge(ctx, req.ID, "waiter-7", "t1")
	if err != nil || !found {
		t.Fatalf("Acknowledge: found=%v err=%v", found, err)
	}
	if acked.Status != StatusAcknowledged || acked.AcknowledgedBy != "waiter-7" {
		t.Fatalf("acknowledged = %+v", acked)
	}

	done, found, err := env.engine.Complete(ctx, req.ID, "t1")
	if err != nil || !found {
		t.Fatalf("Complete: found=%v err=%v", found, err)
	}
	if done.Status != StatusCompleted || done.DurationSeconds < 0 {
		t.Fatalf("completed = %+v", done)
	}

	// Gone from the live list once the grace delay passes.
	waitFor(t, "grace removal", func() bool {
		live, _ := env.engine.ListActive(ctx, "t1")
		return len(live) == 0
	})

	// The durable copy converges.
	waitFor(t, "durable record", func() bool {
		_, res, ok := env.store.Record(req.ID)
		return ok && res.Status == "completed"
	})
}

func TestCreateBroadcastsToBothRooms(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, err := env.engine.Create(context.Background(), "t1", "table-5", "water", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	calls := env.hub.snapshot()
	if len(calls) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(calls))
	}
	if calls[0].room != rooms.StaffRoom("t1") || calls[0].event != rooms.EventNewRequest {
		t.Fatalf("staff broadcast = %+v", calls[0])
	}
	if calls[1].room != rooms.TableRoom("t1", "table-5") || calls[1].event != rooms.EventRequestReceived {
		t.Fatalf("table broadcast = %+v", calls[1])
	}
	if calls[0].view.ID != req.ID || calls[0].view.Status != StatusPending {
		t.Fatalf("broadcast view = %+v", calls[0].view)
	}
}

func TestTransitionBroadcastsUpdateToBothRooms(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	if _, found, _ := env.engine.Acknowledge(context.Background(), req.ID, "w1", "t1"); !found {
		t.Fatalf("acknowledge not found")
	}

	calls := env.hub.snapshot()
	if len(calls) != 4 {
		t.Fatalf("broadcasts = %d, want 4", len(calls))
	}
	for _, c := range calls[2:] {
		if c.event != rooms.EventRequestUpdate {
			t.Fatalf("transition event = %q", c.event)
		}
		if c.view.Status != StatusAcknowledged {
			t.Fatalf("transition view status = %q", c.view.Status)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	tests := []struct {
		name   string
		tenant string
		table  string
		rtype  string
	}{
		{"unknown tenant", "nope", "5", "bill"},
		{"unknown table", "mario-pizzeria", "99", "bill"},
		{"missing type", "mario-pizzeria", "5", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Create(context.Background(), tt.tenant, tt.table, tt.rtype, "")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestNoteBounded(t *testing.T) {
	env := newTestEnv(t, Options{})
	long := strings.Repeat("x", MaxNoteLength+200)
	req, err := env.engine.Create(context.Background(), "t1", "table-5", "bill", long)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(req.Note) != MaxNoteLength {
		t.Fatalf("note length = %d, want %d", len(req.Note), MaxNoteLength)
	}
}

func TestTransitionOnAbsentIDIsNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, found, err := env.engine.Acknowledge(context.Background(), "no-such-id", "w1", "t1"); found || err != nil {
		t.Fatalf("acknowledge absent: found=%v err=%v", found, err)
	}
	if _, found, _ := env.engine.Complete(context.Background(), "no-such-id", "t1"); found {
		t.Fatalf("complete absent must be not-found")
	}
	if _, found, _ := env.engine.Cancel(context.Background(), "no-such-id", "t1"); found {
		t.Fatalf("cancel absent must be not-found")
	}
}

func TestTerminalEntryRejectsFurtherTransitions(t *testing.T) {
	env := newTestEnv(t, Options{RemovalGrace: time.Minute})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	if _, found, _ := env.engine.Complete(context.Background(), req.ID, "t1"); !found {
		t.Fatalf("complete failed")
	}

	// Still in the shard during the grace window, but terminal.
	if _, found, _ := env.engine.Acknowledge(context.Background(), req.ID, "w1", "t1"); found {
		t.Fatalf("acknowledge succeeded on a completed request")
	}
	if _, found, _ := env.engine.Cancel(context.Background(), req.ID, "t1"); found {
		t.Fatalf("cancel succeeded on a completed request")
	}
}

func TestReacknowledgeOverwritesUser(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	env.engine.Acknowledge(context.Background(), req.ID, "waiter-1", "t1")
	acked, found, err := env.engine.Acknowledge(context.Background(), req.ID, "waiter-2", "t1")
	if err != nil || !found {
		t.Fatalf("re-acknowledge: found=%v err=%v", found, err)
	}
	if acked.AcknowledgedBy != "waiter-2" {
		t.Fatalf("acknowledgedBy = %q", acked.AcknowledgedBy)
	}
}

func TestCancelCarriesNoDuration(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	cancelled, found, err := env.engine.Cancel(context.Background(), req.ID, "t1")
	if err != nil || !found {
		t.Fatalf("Cancel: found=%v err=%v", found, err)
	}
	if cancelled.Status != StatusCancelled || cancelled.DurationSeconds != 0 {
		t.Fatalf("cancelled = %+v", cancelled)
	}
}

func TestCompletionDurationFromCreation(t *testing.T) {
	env := newTestEnv(t, Options{})
	base := time.Now().UTC()
	env.engine.now = func() time.Time { return base }
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")

	env.engine.now = func() time.Time { return base.Add(42 * time.Second) }
	done, found, _ := env.engine.Complete(context.Background(), req.ID, "t1")
	if !found || done.DurationSeconds != 42 {
		t.Fatalf("duration = %d, want 42", done.DurationSeconds)
	}
}

func TestIntegrationJobsFollowSettings(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.store.SetIntegrationSettings("t1", persistence.IntegrationSettings{
		PrinterEnabled: true, AutoPrint: true, SpeakerEnabled: true,
	})

	req, err := env.engine.Create(context.Background(), "t1", "table-5", "bill", "extra ketchup")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "integration jobs", func() bool { return len(env.bridge.kinds()) == 2 })
	kinds := env.bridge.kinds()
	if kinds[0] != "print" || kinds[1] != "alert" {
		t.Fatalf("job kinds = %v", kinds)
	}
	env.bridge.mu.Lock()
	job := env.bridge.jobs[0]
	env.bridge.mu.Unlock()
	if job.RequestID != req.ID || job.Note != "extra ketchup" {
		t.Fatalf("job payload = %+v", job)
	}
}

func TestIntegrationJobsSkippedWhenDisabled(t *testing.T) {
	env := newTestEnv(t, Options{})
	// Printer enabled but auto-print off, speaker off.
	env.store.SetIntegrationSettings("t1", persistence.IntegrationSettings{PrinterEnabled: true})

	env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	time.Sleep(50 * time.Millisecond)
	if n := len(env.bridge.kinds()); n != 0 {
		t.Fatalf("bridge got %d jobs, want 0", n)
	}
}

func TestConcurrentTransitionsSettleTerminal(t *testing.T) {
	env := newTestEnv(t, Options{RemovalGrace: time.Minute})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")

	var wg sync.WaitGroup
	outcomes := make([]bool, 3)
	ops := []func() (ActiveRequest, bool, error){
		func() (ActiveRequest, bool, error) {
			return env.engine.Acknowledge(context.Background(), req.ID, "w1", "t1")
		},
		func() (ActiveRequest, bool, error) { return env.engine.Complete(context.Background(), req.ID, "t1") },
		func() (ActiveRequest, bool, error) { return env.engine.Cancel(context.Background(), req.ID, "t1") },
	}
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op func() (ActiveRequest, bool, error)) {
			defer wg.Done()
			_, found, _ := op()
			outcomes[i] = found
		}(i, op)
	}
	wg.Wait()

	// Complete and cancel race; exactly one of them wins.
	if outcomes[1] == outcomes[2] {
		t.Fatalf("complete=%v cancel=%v, exactly one terminal transition must win", outcomes[1], outcomes[2])
	}
	got, ok := env.engine.Shards().Get("t1", req.ID)
	if !ok || !got.terminal() {
		t.Fatalf("final state = %+v ok=%v, want terminal", got, ok)
	}
}

func TestAuditTrailRecordsTransitions(t *testing.T) {
	env := newTestEnv(t, Options{})
	req, _ := env.engine.Create(context.Background(), "t1", "table-5", "bill", "")
	env.engine.Acknowledge(context.Background(), req.ID, "w1", "t1")
	env.engine.Complete(context.Background(), req.ID, "t1")

	events := env.trail.ListEvents(audit.Query{Tenant: "t1"})
	if len(events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(events))
	}
	if events[0].Action != "request.complete" || events[2].Action != "request.create" {
		t.Fatalf("audit order: first=%q last=%q", events[0].Action, events[2].Action)
	}
}
