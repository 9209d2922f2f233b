package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/pkg/veasyoapi"
)

const (
	clientReadLimit = 1 << 16 // 64 KiB per inbound frame
	pongWait        = 70 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the edge proxy; the service itself
	// accepts any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inboundEnvelope defers payload decoding until the event name is known.
type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleClientSocket serves GET /v1/ws?tenant=&table=&role=. Staff sessions
// join the tenant staff room; table sessions join their table room only.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	tenantRef := r.URL.Query().Get("tenant")
	tableRef := r.URL.Query().Get("table")
	role := r.URL.Query().Get("role")
	if role == "" {
		role = "table"
	}
	if role != "staff" && role != "table" {
		writeError(w, http.StatusBadRequest, "role must be staff or table")
		return
	}

	tenantID, ok, err := s.resolver.ResolveTenant(r.Context(), tenantRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tenant: "+tenantRef)
		return
	}
	var tableID string
	if role == "table" {
		tableID, ok, err = s.resolver.ResolveTable(r.Context(), tableRef, tenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown table: "+tableRef)
			return
		}
	}
	if role == "staff" {
		if _, ok := s.requireTenantAccess(w, r, tenantID); !ok {
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := rooms.NewSession(conn)
	if role == "staff" {
		s.hub.Join(rooms.StaffRoom(tenantID), session)
	} else {
		s.hub.Join(rooms.TableRoom(tenantID, tableID), session)
	}
	go session.WritePump()

	s.logger.Info("client connected",
		zap.String("tenant", tenantID), zap.String("role", role), zap.String("session", session.ID))
	s.clientReadLoop(conn, session, tenantID, tableID, role)
}

// clientReadLoop decodes inbound events and drives the lifecycle engine.
// Exits when the socket breaks and detaches the session.
func (s *Server) clientReadLoop(conn *websocket.Conn, session *rooms.Session, tenantID, tableID, role string) {
	defer s.hub.Detach(session)
	conn.SetReadLimit(clientReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env inboundEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			s.logger.Info("client disconnected",
				zap.String("tenant", tenantID), zap.String("session", session.ID), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.dispatchClientEvent(ctx, env, tenantID, tableID, role)
		cancel()
	}
}

func (s *Server) dispatchClientEvent(ctx context.Context, env inboundEnvelope, tenantID, tableID, role string) {
	switch env.Event {
	case "new_request":
		var ev veasyoapi.NewRequestEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		table := ev.Table
		if role == "table" {
			// A table client may only raise requests for its own table.
			table = tableID
		}
		if _, err := s.engine.Create(ctx, tenantID, table, ev.Type, ev.Note); err != nil {
			s.logger.Warn("ws create rejected", zap.String("tenant", tenantID), zap.Error(err))
		}
	case "acknowledge_request":
		if role != "staff" {
			return
		}
		var ev veasyoapi.AcknowledgeRequestEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		s.engine.Acknowledge(ctx, ev.RequestID, ev.User, tenantID)
	case "complete_request":
		if role != "staff" {
			return
		}
		var ev veasyoapi.CompleteRequestEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		s.engine.Complete(ctx, ev.RequestID, tenantID)
	case "cancel_request":
		var ev veasyoapi.CancelRequestEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		s.engine.Cancel(ctx, ev.RequestID, tenantID)
	default:
		s.logger.Debug("unknown client event", zap.String("event", env.Event))
	}
}

// handleAgentSocket serves GET /v1/bridge/ws?tenant=. Requires the agent
// scope when auth is enabled; the read loop lives in the bridge package.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	tenantRef := r.URL.Query().Get("tenant")
	tenantID, ok, err := s.resolver.ResolveTenant(r.Context(), tenantRef)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown tenant: "+tenantRef)
		return
	}
	if _, authorized := s.requireScopes(w, r, "agent", "operator"); !authorized {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	defer conn.Close()
	if err := s.dispatcher.HandleAgent(tenantID, conn); err != nil {
		s.logger.Warn("agent session ended", zap.String("tenant", tenantID), zap.Error(err))
	}
}
