// Package audit keeps a tamper-evident log of privileged actions taken
// against the dispatch service. Events form a hash chain so truncation or
// edits in the middle of the log are detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Event is one audited action.
type Event struct {
	ID         int64
	Action     string
	Actor      string
	Tenant     string
	RemoteAddr string
	Resource   string
	PrevHash   string
	EventHash  string
	Result     string
	Details    string
	CreatedAt  time.Time
}

// Query filters ListEvents. Zero values match everything.
type Query struct {
	Limit  int
	Offset int
	Action string
	Actor  string
	Tenant string
	Result string
	From   time.Time
	To     time.Time
}

// Trail is an in-memory hash-chained event log bounded to maxEvents. When the
// bound is reached the oldest events are discarded; the chain stays valid
// because each surviving event still carries the hash of its predecessor.
type Trail struct {
	mu        sync.Mutex
	events    []Event
	nextID    int64
	maxEvents int
}

func NewTrail(maxEvents int) *Trail {
	if maxEvents <= 0 {
		maxEvents = 10_000
	}
	return &Trail{
		events:    make([]Event, 0, 128),
		nextID:    1,
		maxEvents: maxEvents,
	}
}

func (t *Trail) Append(event Event) Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(t.events) > 0 {
		event.PrevHash = t.events[len(t.events)-1].EventHash
	}
	event.EventHash = computeEventHash(event)
	event.ID = t.nextID
	t.nextID++
	t.events = append(t.events, event)
	if len(t.events) > t.maxEvents {
		t.events = t.events[len(t.events)-t.maxEvents:]
	}
	return event
}

// ListEvents returns matching events newest first.
func (t *Trail) ListEvents(query Query) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	filtered := make([]Event, 0, len(t.events))
	for _, e := range t.events {
		if query.Action != "" && e.Action != query.Action {
			continue
		}
		if query.Actor != "" && e.Actor != query.Actor {
			continue
		}
		if query.Tenant != "" && e.Tenant != query.Tenant {
			continue
		}
		if query.Result != "" && e.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && e.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && e.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, e)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]Event, 0, len(items))
	// Newest first for the operator-facing endpoint.
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out
}

// Verify walks the chain oldest to newest and reports whether every event
// hash still matches its contents and predecessor.
func (t *Trail) Verify() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.events {
		if i > 0 && e.PrevHash != t.events[i-1].EventHash {
			return false
		}
		check := e
		check.EventHash = ""
		if computeEventHash(check) != e.EventHash {
			return false
		}
	}
	return true
}

func computeEventHash(event Event) string {
	payload := map[string]any{
		"action":      event.Action,
		"actor":       event.Actor,
		"tenant":      event.Tenant,
		"remote_addr": event.RemoteAddr,
		"resource":    event.Resource,
		"prev_hash":   event.PrevHash,
		"result":      event.Result,
		"details":     event.Details,
		"created_at":  event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
