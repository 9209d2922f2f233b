package audit

import (
	"fmt"
	"testing"
)

func TestAppendChainsHashes(t *testing.T) {
	trail := NewTrail(100)
	first := trail.Append(Event{Action: "request.create", Actor: "token:staff", Tenant: "t1", Result: "ok"})
	second := trail.Append(Event{Action: "request.cancel", Actor: "token:staff", Tenant: "t1", Result: "ok"})

	if first.PrevHash != "" {
		t.Fatalf("first event prev hash = %q, want empty", first.PrevHash)
	}
	if second.PrevHash != first.EventHash {
		t.Fatalf("chain broken: second.PrevHash=%q first.EventHash=%q", second.PrevHash, first.EventHash)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("ids = %d, %d", first.ID, second.ID)
	}
	if !trail.Verify() {
		t.Fatalf("freshly built chain must verify")
	}
}

func TestListEventsNewestFirstWithFilters(t *testing.T) {
	trail := NewTrail(100)
	for i := 0; i < 5; i++ {
		trail.Append(Event{Action: "request.create", Actor: "token:a", Tenant: "t1", Result: "ok", Details: fmt.Sprintf("n=%d", i)})
	}
	trail.Append(Event{Action: "bridge.test", Actor: "token:b", Tenant: "t2", Result: "error"})

	got := trail.ListEvents(Query{Tenant: "t1", Limit: 3})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Details != "n=4" || got[2].Details != "n=2" {
		t.Fatalf("not newest first: %q .. %q", got[0].Details, got[2].Details)
	}

	errs := trail.ListEvents(Query{Result: "error"})
	if len(errs) != 1 || errs[0].Action != "bridge.test" {
		t.Fatalf("result filter returned %+v", errs)
	}
}

func TestTrailBoundDropsOldestButChainVerifies(t *testing.T) {
	trail := NewTrail(3)
	for i := 0; i < 10; i++ {
		trail.Append(Event{Action: "request.create", Details: fmt.Sprintf("n=%d", i)})
	}
	got := trail.ListEvents(Query{Limit: 10})
	if len(got) != 3 {
		t.Fatalf("bound not enforced: len=%d", len(got))
	}
	if got[0].Details != "n=9" {
		t.Fatalf("newest = %q", got[0].Details)
	}
	if !trail.Verify() {
		t.Fatalf("truncated chain must still verify")
	}
}
