// Package lifecycle owns the service-request state machine. The live shard
// cache is the real-time source of truth; durable writes and hardware side
// effects run detached and converge eventually.
package lifecycle

import (
	"time"

	"github.com/example/veasyo/pkg/veasyoapi"
)

// Request statuses. Completed and cancelled are terminal.
const (
	StatusPending      = "pending"
	StatusAcknowledged = "acknowledged"
	StatusCompleted    = "completed"
	StatusCancelled    = "cancelled"
)

// MaxNoteLength bounds the customer's free-text note.
const MaxNoteLength = 500

// ActiveRequest is the live representation of one service call. Stored by
// value in the tenant shard; all mutation happens through shard Update.
type ActiveRequest struct {
	ID              string
	TenantID        string
	TableID         string
	Type            string
	Status          string
	Note            string
	AcknowledgedBy  string
	CreatedAt       time.Time
	DurationSeconds int64
}

func (r ActiveRequest) terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// View shapes the request for consumers (broadcast frames, REST responses).
func (r ActiveRequest) View() veasyoapi.RequestView {
	return veasyoapi.RequestView{
		ID:              r.ID,
		Tenant:          r.TenantID,
		Table:           r.TableID,
		Type:            r.Type,
		Status:          r.Status,
		Note:            r.Note,
		AcknowledgedBy:  r.AcknowledgedBy,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339Nano),
		DurationSeconds: r.DurationSeconds,
	}
}

// ValidationError marks caller mistakes (unknown tenant or table, missing
// request type). Transports map it to a 4xx.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }
