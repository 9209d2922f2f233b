package bridge

import (
	"sort"
	"sync"
	"time"

	"github.com/example/veasyo/pkg/veasyoapi"
)

const agentWriteWait = 10 * time.Second

// agentSocket is the slice of *websocket.Conn the bridge needs. Tests plug in
// in-memory fakes.
type agentSocket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// AgentConn is one registered agent socket. Writes are serialized because
// websocket connections allow only one concurrent writer.
type AgentConn struct {
	TenantID string
	AgentID  string

	sock    agentSocket
	writeMu sync.Mutex
}

func (c *AgentConn) send(msg veasyoapi.BridgeMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return c.sock.WriteJSON(msg)
}

// Registry maps tenant id to its single live agent socket. A tenant has at
// most one agent; a new registration replaces the old one (agent restart,
// network flap) and the replaced socket is closed by the caller.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConn
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentConn)}
}

// Register installs conn as the tenant's agent and returns the connection it
// displaced, if any.
func (r *Registry) Register(conn *AgentConn) *AgentConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.agents[conn.TenantID]
	r.agents[conn.TenantID] = conn
	return prev
}

// Unregister removes conn only while it is still the tenant's current agent.
// A stale disconnect arriving after a replacement must not evict the newer
// socket.
func (r *Registry) Unregister(conn *AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[conn.TenantID] == conn {
		delete(r.agents, conn.TenantID)
	}
}

func (r *Registry) Get(tenantID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.agents[tenantID]
	return conn, ok
}

// Tenants lists tenants with a connected agent, sorted, for the status
// endpoint.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
