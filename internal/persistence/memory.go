package persistence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps durable records in process. It backs tests and standalone
// deployments without a CRUD backend.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]RequestRecord
	acks     map[string]string // request id -> user id
	results  map[string]Result
	settings map[string]IntegrationSettings
}

// Result captures the terminal outcome of a durable record.
type Result struct {
	Status          string
	DurationSeconds int64
	FinishedAt      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]RequestRecord),
		acks:     make(map[string]string),
		results:  make(map[string]Result),
		settings: make(map[string]IntegrationSettings),
	}
}

func (m *MemoryStore) SetIntegrationSettings(tenantID string, s IntegrationSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[tenantID] = s
}

func (m *MemoryStore) PersistCreate(_ context.Context, rec RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) PersistAcknowledge(_ context.Context, id, tenantID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok && rec.TenantID == tenantID {
		m.acks[id] = userID
	}
	return nil
}

func (m *MemoryStore) PersistComplete(_ context.Context, id, tenantID string, durationSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok && rec.TenantID == tenantID {
		m.results[id] = Result{Status: "completed", DurationSeconds: durationSeconds, FinishedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryStore) PersistCancel(_ context.Context, id, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok && rec.TenantID == tenantID {
		m.results[id] = Result{Status: "cancelled", FinishedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemoryStore) IntegrationSettings(_ context.Context, tenantID string) (IntegrationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[tenantID], nil
}

// Record returns the durable copy of a request, with its ack/result merged in.
func (m *MemoryStore) Record(id string) (RequestRecord, Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return RequestRecord{}, Result{}, false
	}
	res := m.results[id]
	if user, acked := m.acks[id]; acked && res.Status == "" {
		res.Status = "acknowledged:" + user
	}
	return rec, res, true
}
