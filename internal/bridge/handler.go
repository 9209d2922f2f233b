package bridge

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/pkg/veasyoapi"
)

// HandleAgent runs the read loop for one authenticated agent socket. The
// first message must be a hello; after that the agent sends results and
// status heartbeats. Blocks until the socket breaks, then unregisters.
func (d *Dispatcher) HandleAgent(tenantID string, sock agentSocket) error {
	var hello veasyoapi.BridgeMessage
	if err := sock.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != veasyoapi.BridgeTypeHello {
		return fmt.Errorf("first message type %q, want %q", hello.Type, veasyoapi.BridgeTypeHello)
	}

	conn := &AgentConn{TenantID: tenantID, AgentID: hello.AgentID, sock: sock}
	if prev := d.registry.Register(conn); prev != nil {
		// Newest socket wins; the replaced one is likely a dead TCP
		// session the agent abandoned.
		prev.sock.Close()
		d.logger.Info("agent reconnected, replacing socket",
			zap.String("tenant", tenantID), zap.String("agent", hello.AgentID))
	}
	defer func() {
		d.registry.Unregister(conn)
		observability.Default.SetGauge("bridge_agents_connected", nil, float64(len(d.registry.Tenants())))
	}()
	observability.Default.SetGauge("bridge_agents_connected", nil, float64(len(d.registry.Tenants())))
	d.logger.Info("agent connected", zap.String("tenant", tenantID), zap.String("agent", hello.AgentID))

	for {
		var msg veasyoapi.BridgeMessage
		if err := sock.ReadJSON(&msg); err != nil {
			d.logger.Info("agent disconnected",
				zap.String("tenant", tenantID), zap.String("agent", hello.AgentID), zap.Error(err))
			return nil
		}
		switch msg.Type {
		case veasyoapi.BridgeTypeResult:
			if !d.resolve(msg.JobID, msg.Success, msg.Message) {
				observability.Default.IncCounter("bridge_late_results_total", nil, 1)
				d.logger.Debug("late or unknown job result dropped",
					zap.String("tenant", tenantID), zap.String("job", msg.JobID))
			}
		case veasyoapi.BridgeTypeStatus:
			// Heartbeat only. The read itself proves liveness.
		default:
			d.logger.Warn("unexpected agent message type",
				zap.String("tenant", tenantID), zap.String("type", msg.Type))
		}
	}
}
