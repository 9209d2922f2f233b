package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/veasyo/agent/internal/config"
	"github.com/example/veasyo/agent/internal/executor"
	"github.com/example/veasyo/pkg/veasyoapi"
)

type fakeConn struct {
	in chan veasyoapi.BridgeMessage

	mu     sync.Mutex
	out    []veasyoapi.BridgeMessage
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan veasyoapi.BridgeMessage, 8)}
}

func (c *fakeConn) ReadJSON(v any) error {
	msg, ok := <-c.in
	if !ok {
		return errors.New("closed")
	}
	*(v.(*veasyoapi.BridgeMessage)) = msg
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, v.(veasyoapi.BridgeMessage))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []veasyoapi.BridgeMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]veasyoapi.BridgeMessage, len(c.out))
	copy(out, c.out)
	return out
}

func testLoop(t *testing.T) *Loop {
	t.Helper()
	cfg := config.Config{
		AgentID:        "agent-test",
		Tenant:         "t1",
		ExecuteMode:    "log",
		StatusInterval: time.Hour,
		ReconnectBase:  time.Millisecond,
		ReconnectCap:   8 * time.Millisecond,
	}
	return NewLoop(cfg, executor.New(cfg, nil, nil), nil, nil)
}

func waitForSent(t *testing.T, c *fakeConn, n int) []veasyoapi.BridgeMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames, have %d", n, len(c.sent()))
	return nil
}

func TestServeSendsHelloFirst(t *testing.T) {
	l := testLoop(t)
	conn := newFakeConn()
	close(conn.in)

	l.serve(context.Background(), conn)

	sent := conn.sent()
	if len(sent) != 1 || sent[0].Type != veasyoapi.BridgeTypeHello {
		t.Fatalf("expected a single hello frame, got %+v", sent)
	}
	if sent[0].AgentID != "agent-test" {
		t.Fatalf("hello carries agent id %q", sent[0].AgentID)
	}
	if !conn.closed {
		t.Fatal("connection not closed after serve")
	}
}

func TestServeAnswersJobWithResult(t *testing.T) {
	l := testLoop(t)
	conn := newFakeConn()
	conn.in <- veasyoapi.BridgeMessage{
		Type:    veasyoapi.BridgeTypeJob,
		JobID:   "job-1",
		Payload: []byte(`{"kind":"test","text":"ping"}`),
	}

	done := make(chan struct{})
	go func() {
		l.serve(context.Background(), conn)
		close(done)
	}()

	sent := waitForSent(t, conn, 2)
	close(conn.in)
	<-done

	result := sent[1]
	if result.Type != veasyoapi.BridgeTypeResult || result.JobID != "job-1" {
		t.Fatalf("unexpected result frame %+v", result)
	}
	if !result.Success || result.Message != "test ok" {
		t.Fatalf("unexpected outcome %+v", result)
	}
}

func TestServeReportsJobFailure(t *testing.T) {
	l := testLoop(t)
	conn := newFakeConn()
	conn.in <- veasyoapi.BridgeMessage{
		Type:    veasyoapi.BridgeTypeJob,
		JobID:   "job-2",
		Payload: []byte(`{"kind":"espresso"}`),
	}

	done := make(chan struct{})
	go func() {
		l.serve(context.Background(), conn)
		close(done)
	}()

	sent := waitForSent(t, conn, 2)
	close(conn.in)
	<-done

	result := sent[1]
	if result.Success {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if result.Message == "" {
		t.Fatal("failure message missing")
	}
}

func TestServeIgnoresNonJobFrames(t *testing.T) {
	l := testLoop(t)
	conn := newFakeConn()
	conn.in <- veasyoapi.BridgeMessage{Type: veasyoapi.BridgeTypeStatus}
	conn.in <- veasyoapi.BridgeMessage{
		Type:    veasyoapi.BridgeTypeJob,
		JobID:   "job-3",
		Payload: []byte(`{"kind":"test"}`),
	}

	done := make(chan struct{})
	go func() {
		l.serve(context.Background(), conn)
		close(done)
	}()

	sent := waitForSent(t, conn, 2)
	close(conn.in)
	<-done

	if sent[1].JobID != "job-3" {
		t.Fatalf("status frame should not produce output, got %+v", sent[1])
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	l := testLoop(t)

	var mu sync.Mutex
	dials := 0
	l.dial = func(ctx context.Context) (wsConn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("refused")
		}
		conn := newFakeConn()
		close(conn.in) // drop immediately after hello
		return conn, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if dials < 3 {
		t.Fatalf("expected redials after failure and drop, got %d", dials)
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	cases := []struct {
		current, max, want time.Duration
	}{
		{500 * time.Millisecond, 30 * time.Second, time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := nextBackoff(tc.current, tc.max); got != tc.want {
			t.Fatalf("nextBackoff(%v, %v) = %v, want %v", tc.current, tc.max, got, tc.want)
		}
	}
}
