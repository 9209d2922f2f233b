// Package persistence is the client side of the durable CRUD backend. Every
// write here is fire-and-forget from the lifecycle engine's point of view: the
// in-memory state and broadcast path are the real-time source of truth and the
// durable store converges eventually.
package persistence

import (
	"context"
	"time"
)

// RequestRecord is the durable shape of a service request.
type RequestRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	TableID   string    `json:"table_id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IntegrationSettings describes a tenant's hardware integrations.
type IntegrationSettings struct {
	PrinterEnabled bool `json:"printer_enabled"`
	AutoPrint      bool `json:"auto_print"`
	SpeakerEnabled bool `json:"speaker_enabled"`
}

type Store interface {
	PersistCreate(ctx context.Context, rec RequestRecord) error
	PersistAcknowledge(ctx context.Context, id, tenantID, userID string) error
	PersistComplete(ctx context.Context, id, tenantID string, durationSeconds int64) error
	PersistCancel(ctx context.Context, id, tenantID string) error
	IntegrationSettings(ctx context.Context, tenantID string) (IntegrationSettings, error)
}
