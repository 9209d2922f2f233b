package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/veasyo/internal/archive"
	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/pkg/veasyoapi"
)

const (
	defaultJobTimeout = 15 * time.Second
	minJobTimeout     = 10 * time.Second
	maxJobTimeout     = 20 * time.Second
)

type jobResult struct {
	success bool
	message string
}

// Dispatcher owns the pending-job table and pairs submissions with agent
// replies by job id. Each job resolves exactly once: the first of reply,
// timeout or caller cancellation removes the pending entry, and anything
// arriving later finds nothing to resolve.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *zap.Logger
	archiver archive.Archiver

	mu      sync.Mutex
	pending map[string]chan jobResult
}

func NewDispatcher(registry *Registry, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout < minJobTimeout || timeout > maxJobTimeout {
		timeout = defaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		archiver: archive.Nop{},
		pending:  make(map[string]chan jobResult),
	}
}

// SetArchiver wires job-outcome archival. Called once at bootstrap.
func (d *Dispatcher) SetArchiver(a archive.Archiver) {
	if a != nil {
		d.archiver = a
	}
}

// SubmitJob pushes payload to the tenant's agent and blocks for the result.
// Fails fast with ErrAgentNotConnected when no agent is registered.
func (d *Dispatcher) SubmitJob(ctx context.Context, tenantID string, payload []byte) (veasyoapi.TestJobResponse, error) {
	conn, ok := d.registry.Get(tenantID)
	if !ok {
		observability.Default.IncCounter("bridge_jobs_total", map[string]string{"result": "not_connected"}, 1)
		return veasyoapi.TestJobResponse{}, ErrAgentNotConnected
	}

	jobID := uuid.NewString()
	ch := make(chan jobResult, 1)
	d.mu.Lock()
	d.pending[jobID] = ch
	d.mu.Unlock()

	msg := veasyoapi.BridgeMessage{Type: veasyoapi.BridgeTypeJob, JobID: jobID, Payload: payload}
	if err := conn.send(msg); err != nil {
		d.take(jobID)
		observability.Default.IncCounter("bridge_jobs_total", map[string]string{"result": "transport_error"}, 1)
		return veasyoapi.TestJobResponse{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		d.archiveOutcome(tenantID, jobID, res)
		if !res.success {
			observability.Default.IncCounter("bridge_jobs_total", map[string]string{"result": "rejected"}, 1)
			return veasyoapi.TestJobResponse{JobID: jobID, Message: res.message},
				fmt.Errorf("%w: %s", ErrAgentRejected, res.message)
		}
		observability.Default.IncCounter("bridge_jobs_total", map[string]string{"result": "ok"}, 1)
		return veasyoapi.TestJobResponse{JobID: jobID, Success: true, Message: res.message}, nil
	case <-timer.C:
		d.take(jobID)
		observability.Default.IncCounter("bridge_jobs_total", map[string]string{"result": "timeout"}, 1)
		return veasyoapi.TestJobResponse{JobID: jobID}, ErrAgentTimeout
	case <-ctx.Done():
		d.take(jobID)
		return veasyoapi.TestJobResponse{JobID: jobID}, ctx.Err()
	}
}

// archiveOutcome stores the resolved job for later diagnosis. Detached and
// best-effort.
func (d *Dispatcher) archiveOutcome(tenantID, jobID string, res jobResult) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("job archival panicked", zap.Any("panic", r))
			}
		}()
		record, err := json.Marshal(map[string]any{
			"tenant":      tenantID,
			"job_id":      jobID,
			"success":     res.success,
			"message":     res.message,
			"resolved_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		key := fmt.Sprintf("%s/%s.json", tenantID, jobID)
		if err := d.archiver.Put(ctx, key, record); err != nil {
			d.logger.Warn("job archival failed",
				zap.String("tenant", tenantID), zap.String("job", jobID), zap.Error(err))
		}
	}()
}

// resolve completes a pending job. Returns false when the job already
// resolved or never existed; such replies are dropped.
func (d *Dispatcher) resolve(jobID string, success bool, message string) bool {
	ch := d.take(jobID)
	if ch == nil {
		return false
	}
	ch <- jobResult{success: success, message: message}
	return true
}

// take removes and returns the pending channel for jobID. At most one caller
// gets a non-nil channel, which is what makes resolution exactly-once.
func (d *Dispatcher) take(jobID string) chan jobResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := d.pending[jobID]
	delete(d.pending, jobID)
	return ch
}

func (d *Dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Tenants exposes the registry view for the status endpoint.
func (d *Dispatcher) Tenants() []string {
	return d.registry.Tenants()
}
