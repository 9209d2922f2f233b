// Package veasyoapi holds the wire types shared between the dispatch service,
// the browser/tablet clients and the on-prem bridge agent.
package veasyoapi

// RequestView is the representation of a service request shaped for consumers
// (staff dashboards, table clients, REST callers).
type RequestView struct {
	ID              string `json:"id"`
	Tenant          string `json:"tenant"`
	Table           string `json:"table"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
	AcknowledgedBy  string `json:"acknowledged_by,omitempty"`
	CreatedAt       string `json:"created_at"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

type CreateRequestRequest struct {
	Tenant string `json:"tenant"`
	Table  string `json:"table"`
	Type   string `json:"type"`
	Note   string `json:"note,omitempty"`
}

type AcknowledgeRequestRequest struct {
	Tenant string `json:"tenant"`
	User   string `json:"user,omitempty"`
}

type TransitionRequestRequest struct {
	Tenant string `json:"tenant"`
}

type ListRequestsResponse struct {
	Tenant   string        `json:"tenant"`
	Returned int           `json:"returned"`
	Requests []RequestView `json:"requests"`
}

// Envelope frames every websocket message in both directions. Data carries the
// event-specific payload.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Inbound websocket event payloads (customer/staff clients).

type NewRequestEvent struct {
	Table string `json:"table"`
	Type  string `json:"type"`
	Note  string `json:"note,omitempty"`
}

type AcknowledgeRequestEvent struct {
	RequestID string `json:"request_id"`
	User      string `json:"user,omitempty"`
}

type CompleteRequestEvent struct {
	RequestID string `json:"request_id"`
}

type CancelRequestEvent struct {
	RequestID string `json:"request_id"`
}

// Bridge message types exchanged with the on-prem agent. Correlation is purely
// by JobID; the agent may answer out of order.
const (
	BridgeTypeHello  = "hello"
	BridgeTypeJob    = "job"
	BridgeTypeResult = "result"
	BridgeTypeStatus = "status"
)

type BridgeMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

type TestJobRequest struct {
	Tenant string `json:"tenant"`
	Text   string `json:"text,omitempty"`
}

type TestJobResponse struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Health/observability surface.

type TenantCacheStats struct {
	Tenant  string `json:"tenant"`
	Entries int    `json:"entries"`
}

type RelayStatus struct {
	Enabled           bool   `json:"enabled"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

type StatusResponse struct {
	TenantCount  int                `json:"tenant_count"`
	TotalEntries int                `json:"total_entries"`
	Tenants      []TenantCacheStats `json:"tenants,omitempty"`
	Relay        RelayStatus        `json:"relay"`
	BridgeAgents []string           `json:"bridge_agents,omitempty"`
}

type AuditEventView struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Tenant    string `json:"tenant,omitempty"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result"`
	Details   string `json:"details,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EventHash string `json:"event_hash,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListAuditEventsResponse struct {
	Returned int              `json:"returned"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	Events   []AuditEventView `json:"events"`
}
