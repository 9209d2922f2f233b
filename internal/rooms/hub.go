package rooms

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/pkg/veasyoapi"
)

// Relay forwards a marshalled frame to the other instances of the service.
// Local delivery never waits on it.
type Relay interface {
	Publish(room string, frame []byte) error
}

// Hub tracks room membership and fans frames out to member sessions. Sends
// are non-blocking: a session whose buffer is full loses the frame rather
// than stalling delivery to the rest of the room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}

	relay  Relay
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[*Session]struct{}),
		logger: logger,
	}
}

// SetRelay wires the cross-instance relay. Called once at bootstrap, before
// any traffic.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

func (h *Hub) Join(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.joined[room] = struct{}{}
}

func (h *Hub) Leave(room string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, s)
}

// Detach removes the session from every room it joined and closes its send
// queue. Safe to call more than once.
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	for room := range s.joined {
		h.leaveLocked(room, s)
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) leaveLocked(room string, s *Session) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, s)
	delete(s.joined, room)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast marshals one frame for the room and delivers it to local members
// and to the relay. Marshal errors are logged and the frame is dropped.
func (h *Hub) Broadcast(room, event string, data any) {
	frame, err := json.Marshal(veasyoapi.Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("marshal broadcast frame", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(room, frame)
	if h.relay != nil {
		if err := h.relay.Publish(room, frame); err != nil {
			h.logger.Warn("relay publish failed", zap.String("room", room), zap.Error(err))
			observability.Default.IncCounter("relay_publish_errors_total", nil, 1)
		}
	}
}

// DeliverLocal hands a frame received from the relay to local members only.
// It never re-publishes, so frames cannot loop between instances.
func (h *Hub) DeliverLocal(room string, frame []byte) {
	h.deliver(room, frame)
}

func (h *Hub) deliver(room string, frame []byte) {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		if !s.enqueue(frame) {
			observability.Default.IncCounter("ws_frames_dropped_total", map[string]string{"room": room}, 1)
			h.logger.Warn("slow websocket consumer, frame dropped", zap.String("room", room), zap.String("session", s.ID))
		}
	}
}

// RoomSize reports current membership, mainly for tests and the status
// endpoint.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
