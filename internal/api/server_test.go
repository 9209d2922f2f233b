package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/veasyo/internal/audit"
	"github.com/example/veasyo/internal/bridge"
	"github.com/example/veasyo/internal/identity"
	"github.com/example/veasyo/internal/lifecycle"
	"github.com/example/veasyo/internal/persistence"
	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/internal/scaling"
	"github.com/example/veasyo/pkg/veasyoapi"
)

type serverEnv struct {
	server *Server
	ts     *httptest.Server
	store  *persistence.MemoryStore
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	dir := identity.NewMemoryDirectory()
	dir.AddTenant("mario-pizzeria", "t1")
	dir.AddTenant("t1", "t1")
	dir.AddTable("t1", "5", "table-5")
	dir.AddTable("t1", "table-5", "table-5")
	resolver := identity.NewCachingResolver(dir, time.Minute, 100)
	t.Cleanup(resolver.Stop)

	logger := zap.NewNop()
	store := persistence.NewMemoryStore()
	hub := rooms.NewHub(logger)
	trail := audit.NewTrail(1000)
	dispatcher := bridge.NewDispatcher(bridge.NewRegistry(), 0, logger)
	engine := lifecycle.NewEngine(resolver, store, hub, dispatcher, trail, logger,
		lifecycle.Options{RemovalGrace: 50 * time.Millisecond})

	srv := NewServer(engine, dispatcher, hub, scaling.NewDisabled(), resolver, trail, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &serverEnv{server: srv, ts: ts, store: store}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateAndListRequests(t *testing.T) {
	env := newServerEnv(t)

	resp := postJSON(t, env.ts.URL+"/v1/requests", veasyoapi.CreateRequestRequest{
		Tenant: "mario-pizzeria", Table: "5", Type: "bill",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[veasyoapi.RequestView](t, resp)
	if created.Status != "pending" || created.Tenant != "t1" || created.Table != "table-5" {
		t.Fatalf("created = %+v", created)
	}

	listResp, err := http.Get(env.ts.URL + "/v1/requests?tenant=t1")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	list := decode[veasyoapi.ListRequestsResponse](t, listResp)
	if list.Returned != 1 || list.Requests[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}
}

func TestCreateValidationMapsTo400(t *testing.T) {
	env := newServerEnv(t)
	resp := postJSON(t, env.ts.URL+"/v1/requests", veasyoapi.CreateRequestRequest{
		Tenant: "no-such-tenant", Table: "5", Type: "bill",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTransitionEndpoints(t *testing.T) {
	env := newServerEnv(t)
	created := decode[veasyoapi.RequestView](t, postJSON(t, env.ts.URL+"/v1/requests",
		veasyoapi.CreateRequestRequest{Tenant: "t1", Table: "5", Type: "call"}))

	ackResp := postJSON(t, env.ts.URL+"/v1/requests/"+created.ID+"/acknowledge",
		veasyoapi.AcknowledgeRequestRequest{Tenant: "t1", User: "waiter-7"})
	if ackResp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status = %d", ackResp.StatusCode)
	}
	acked := decode[veasyoapi.RequestView](t, ackResp)
	if acked.Status != "acknowledged" || acked.AcknowledgedBy != "waiter-7" {
		t.Fatalf("acked = %+v", acked)
	}

	doneResp := postJSON(t, env.ts.URL+"/v1/requests/"+created.ID+"/complete",
		veasyoapi.TransitionRequestRequest{Tenant: "t1"})
	done := decode[veasyoapi.RequestView](t, doneResp)
	if done.Status != "completed" {
		t.Fatalf("completed = %+v", done)
	}

	// Terminal entry rejects further transitions during the grace window.
	cancelResp := postJSON(t, env.ts.URL+"/v1/requests/"+created.ID+"/cancel",
		veasyoapi.TransitionRequestRequest{Tenant: "t1"})
	if cancelResp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel after complete status = %d, want 404", cancelResp.StatusCode)
	}
	cancelResp.Body.Close()
}

func TestTransitionUnknownIDIs404(t *testing.T) {
	env := newServerEnv(t)
	resp := postJSON(t, env.ts.URL+"/v1/requests/nope/acknowledge",
		veasyoapi.AcknowledgeRequestRequest{Tenant: "t1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBridgeTestWithoutAgentIs409(t *testing.T) {
	env := newServerEnv(t)
	resp := postJSON(t, env.ts.URL+"/v1/bridge/test", veasyoapi.TestJobRequest{Tenant: "t1", Text: "hello"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusEndpoint(t *testing.T) {
	env := newServerEnv(t)
	postJSON(t, env.ts.URL+"/v1/requests", veasyoapi.CreateRequestRequest{Tenant: "t1", Table: "5", Type: "bill"}).Body.Close()

	resp, err := http.Get(env.ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	status := decode[veasyoapi.StatusResponse](t, resp)
	if status.TenantCount != 1 || status.TotalEntries != 1 {
		t.Fatalf("status = %+v", status)
	}
	if status.Relay.Enabled {
		t.Fatalf("disabled relay reported enabled")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	env := newServerEnv(t)
	resp, err := http.Get(env.ts.URL + "/v1/metrics")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(env.ts.URL + "/v1/metrics/prometheus")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("prometheus metrics: %v status=%d", err, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("prometheus content type = %q", ct)
	}
	resp.Body.Close()
}

func TestAuditEndpointJSONAndCSV(t *testing.T) {
	env := newServerEnv(t)
	postJSON(t, env.ts.URL+"/v1/requests", veasyoapi.CreateRequestRequest{Tenant: "t1", Table: "5", Type: "bill"}).Body.Close()

	resp, err := http.Get(env.ts.URL + "/v1/admin/audit?tenant=t1")
	if err != nil {
		t.Fatalf("GET audit: %v", err)
	}
	events := decode[veasyoapi.ListAuditEventsResponse](t, resp)
	if events.Returned != 1 || events.Events[0].Action != "request.create" {
		t.Fatalf("audit = %+v", events)
	}
	if events.Events[0].EventHash == "" {
		t.Fatalf("audit event missing hash")
	}

	csvResp, err := http.Get(env.ts.URL + "/v1/admin/audit?format=csv")
	if err != nil {
		t.Fatalf("GET audit csv: %v", err)
	}
	defer csvResp.Body.Close()
	if ct := csvResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("csv content type = %q", ct)
	}
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v status=%d", err, resp.StatusCode)
	}
	resp.Body.Close()
}
