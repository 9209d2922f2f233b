package scaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type captureFanout struct {
	mu     sync.Mutex
	rooms  []string
	frames [][]byte
}

func (c *captureFanout) DeliverLocal(room string, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, room)
	c.frames = append(c.frames, frame)
}

func relayForTest(fanout LocalFanout) *Relay {
	r := NewDisabled()
	r.fanout = fanout
	return r
}

func TestHandleFrameSkipsOwnOrigin(t *testing.T) {
	fanout := &captureFanout{}
	r := relayForTest(fanout)

	own, _ := json.Marshal(frame{Origin: r.origin, Room: "tenant/t1/staff", Frame: json.RawMessage(`{"event":"new_request"}`)})
	r.handleFrame(own)
	if len(fanout.rooms) != 0 {
		t.Fatalf("own frame was delivered back, double delivery")
	}

	remote, _ := json.Marshal(frame{Origin: "other-instance", Room: "tenant/t1/staff", Frame: json.RawMessage(`{"event":"new_request"}`)})
	r.handleFrame(remote)
	if len(fanout.rooms) != 1 || fanout.rooms[0] != "tenant/t1/staff" {
		t.Fatalf("remote frame not delivered: %v", fanout.rooms)
	}
}

func TestHandleFrameIgnoresGarbage(t *testing.T) {
	fanout := &captureFanout{}
	r := relayForTest(fanout)

	r.handleFrame([]byte("not json"))
	r.handleFrame([]byte(`{"origin":"x","room":"","frame":{}}`))
	r.handleFrame([]byte(`{"origin":"x","room":"tenant/t1/staff"}`))
	if len(fanout.rooms) != 0 {
		t.Fatalf("malformed frames were delivered: %v", fanout.rooms)
	}
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{500 * time.Millisecond, time.Second},
		{time.Second, 2 * time.Second},
		{20 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.current, 30*time.Second); got != tt.want {
			t.Fatalf("nextBackoff(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}
}

func TestRegisterFailureGoesDormantAtLimit(t *testing.T) {
	r := NewDisabled()
	r.opts.MaxReconnects = 3
	for i := 0; i < 2; i++ {
		if r.registerFailure() {
			t.Fatalf("dormant after %d failures, limit is 3", i+1)
		}
	}
	if !r.registerFailure() {
		t.Fatalf("not dormant at the limit")
	}
	if st := r.Status(); st.Enabled {
		t.Fatalf("dormant relay still reports enabled")
	}
	if err := r.Publish("tenant/t1/staff", []byte("{}")); err != nil {
		t.Fatalf("dormant publish must degrade to a no-op, got %v", err)
	}
}

func TestDisabledRelayStatus(t *testing.T) {
	r := NewDisabled()
	st := r.Status()
	if st.Enabled || st.Connected {
		t.Fatalf("disabled relay status = %+v", st)
	}
	if err := r.Publish("room", []byte("{}")); err != nil {
		t.Fatalf("disabled publish: %v", err)
	}
}

func TestConnectedResetsAttempts(t *testing.T) {
	r := NewDisabled()
	r.opts.MaxReconnects = 10
	r.registerFailure()
	r.registerFailure()
	r.setConnected(true)
	if st := r.Status(); st.ReconnectAttempts != 0 || !st.Connected {
		t.Fatalf("status after connect = %+v", st)
	}
}
