// Package connection maintains the agent's outbound websocket to the dispatch
// service and routes jobs to the executor.
package connection

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/veasyo/agent/internal/config"
	"github.com/example/veasyo/agent/internal/executor"
	"github.com/example/veasyo/agent/internal/telemetry"
	"github.com/example/veasyo/pkg/veasyoapi"
)

const writeWait = 10 * time.Second

type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Loop dials the dispatch service and serves jobs until the context ends.
// Each dropped connection is retried with capped exponential backoff.
type Loop struct {
	cfg       config.Config
	exec      *executor.Executor
	logger    *zap.Logger
	telemetry telemetry.Client

	// dial is swappable in tests.
	dial func(ctx context.Context) (wsConn, error)
}

func NewLoop(cfg config.Config, exec *executor.Executor, logger *zap.Logger, tc telemetry.Client) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tc == nil {
		tc = telemetry.NewNop()
	}
	l := &Loop{cfg: cfg, exec: exec, logger: logger, telemetry: tc}
	l.dial = l.dialDispatch
	return l
}

func (l *Loop) dialDispatch(ctx context.Context) (wsConn, error) {
	u := l.cfg.DispatchURL + "?tenant=" + url.QueryEscape(l.cfg.Tenant)
	header := http.Header{}
	if l.cfg.APIToken != "" {
		header.Set("Authorization", "Bearer "+l.cfg.APIToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	backoff := l.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := l.dial(ctx)
		if err != nil {
			l.logger.Warn("dial dispatch", zap.Error(err), zap.Duration("retry_in", backoff))
			l.telemetry.Incr("dial_failures")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, l.cfg.ReconnectCap)
			continue
		}
		backoff = l.cfg.ReconnectBase
		l.logger.Info("connected to dispatch", zap.String("agent_id", l.cfg.AgentID))
		l.telemetry.Incr("connects")
		l.serve(ctx, conn)
	}
}

// serve runs one connection until it drops or ctx ends. The write mutex keeps
// result and status frames from interleaving.
func (l *Loop) serve(ctx context.Context, conn wsConn) {
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msg veasyoapi.BridgeMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := write(veasyoapi.BridgeMessage{Type: veasyoapi.BridgeTypeHello, AgentID: l.cfg.AgentID}); err != nil {
		l.logger.Warn("send hello", zap.Error(err))
		return
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(l.cfg.StatusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				if err := write(veasyoapi.BridgeMessage{Type: veasyoapi.BridgeTypeStatus, AgentID: l.cfg.AgentID}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg veasyoapi.BridgeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("connection lost", zap.Error(err))
				l.telemetry.Incr("disconnects")
			}
			return
		}
		if msg.Type != veasyoapi.BridgeTypeJob {
			l.logger.Debug("ignoring frame", zap.String("type", msg.Type))
			continue
		}
		go l.runJob(serveCtx, msg, write)
	}
}

func (l *Loop) runJob(ctx context.Context, msg veasyoapi.BridgeMessage, write func(veasyoapi.BridgeMessage) error) {
	jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result := veasyoapi.BridgeMessage{Type: veasyoapi.BridgeTypeResult, AgentID: l.cfg.AgentID, JobID: msg.JobID}
	outcome, err := l.exec.Execute(jobCtx, msg.Payload)
	if err != nil {
		l.logger.Warn("job failed", zap.String("job_id", msg.JobID), zap.Error(err))
		l.telemetry.Incr("jobs_failed")
		result.Success = false
		result.Message = err.Error()
	} else {
		l.telemetry.Incr("jobs_completed")
		result.Success = true
		result.Message = outcome
	}
	if err := write(result); err != nil {
		l.logger.Warn("send result", zap.String("job_id", msg.JobID), zap.Error(err))
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
