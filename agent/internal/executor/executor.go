// Package executor runs bridge jobs against the venue's local hardware.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/veasyo/agent/internal/config"
	"github.com/example/veasyo/agent/internal/telemetry"
)

// Job is the payload pushed down from the dispatch service.
type Job struct {
	Kind      string `json:"kind"` // print, alert or test
	RequestID string `json:"request_id,omitempty"`
	Tenant    string `json:"tenant,omitempty"`
	Table     string `json:"table,omitempty"`
	Type      string `json:"type,omitempty"`
	Note      string `json:"note,omitempty"`
	Text      string `json:"text,omitempty"`
}

type Executor struct {
	cfg       config.Config
	logger    *zap.Logger
	telemetry telemetry.Client

	// dial is swappable in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func New(cfg config.Config, logger *zap.Logger, tc telemetry.Client) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tc == nil {
		tc = telemetry.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		logger:    logger,
		telemetry: tc,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Execute runs one job and returns a human-readable outcome message.
func (e *Executor) Execute(ctx context.Context, payload []byte) (string, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return "", fmt.Errorf("decode job payload: %w", err)
	}
	e.telemetry.Incr("jobs_received")

	switch job.Kind {
	case "test":
		e.logger.Info("test job", zap.String("text", job.Text))
		return "test ok", nil
	case "print":
		return e.print(ctx, job)
	case "alert":
		return e.alert(ctx, job)
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (e *Executor) print(ctx context.Context, job Job) (string, error) {
	if e.cfg.ExecuteMode == "log" {
		e.logger.Info("print job (log mode)",
			zap.String("request", job.RequestID), zap.String("table", job.Table), zap.String("type", job.Type))
		return "printed (log mode)", nil
	}
	if e.cfg.PrinterAddr == "" {
		return "", fmt.Errorf("printer address not configured")
	}
	conn, err := e.dial(ctx, e.cfg.PrinterAddr)
	if err != nil {
		return "", fmt.Errorf("printer unreachable: %w", err)
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	ticket := renderTicket(job)
	if _, err := conn.Write([]byte(ticket)); err != nil {
		return "", fmt.Errorf("printer write: %w", err)
	}
	e.telemetry.Incr("jobs_printed")
	return "printed", nil
}

func (e *Executor) alert(ctx context.Context, job Job) (string, error) {
	if e.cfg.ExecuteMode == "log" || e.cfg.SpeakerCommand == "" {
		e.logger.Info("alert job (log mode)",
			zap.String("request", job.RequestID), zap.String("table", job.Table))
		return "alerted (log mode)", nil
	}
	parts := strings.Fields(e.cfg.SpeakerCommand)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("speaker command: %w", err)
	}
	e.telemetry.Incr("jobs_alerted")
	return "alerted", nil
}

// renderTicket produces the plain-text slip sent to the printer. Receipt
// formatting beyond this stays on the printer's own configuration.
func renderTicket(job Job) string {
	var b strings.Builder
	b.WriteString("TABLE " + job.Table + "\n")
	b.WriteString(strings.ToUpper(job.Type) + "\n")
	if job.Note != "" {
		b.WriteString(job.Note + "\n")
	}
	b.WriteString(time.Now().Format("15:04:05") + "\n\n")
	return b.String()
}
