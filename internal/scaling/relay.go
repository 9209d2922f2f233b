// Package scaling connects multiple dispatch instances through redis pub/sub
// so a broadcast on one instance reaches sessions held by the others. The
// relay is optional: without a redis address the service runs single-instance
// and every other component behaves the same.
package scaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/veasyo/internal/observability"
	"github.com/example/veasyo/pkg/veasyoapi"
)

// LocalFanout delivers a relayed frame to sessions on this instance.
type LocalFanout interface {
	DeliverLocal(room string, frame []byte)
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// MaxReconnects bounds consecutive failed subscribe attempts. When hit
	// the relay goes dormant and the instance keeps serving local traffic.
	// Zero means retry forever.
	MaxReconnects int
}

func (o *Options) applyDefaults() {
	if o.Channel == "" {
		o.Channel = "veasyo:rooms"
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 30 * time.Second
	}
}

// frame is the wire shape on the relay channel. Origin lets every instance
// skip frames it published itself, since redis echoes to all subscribers.
type frame struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

type Relay struct {
	opts    Options
	origin  string
	enabled bool

	pub    *redis.Client
	sub    *redis.Client
	fanout LocalFanout
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	attempts  int
	lastErr   string
	dormant   bool
}

// NewRelay builds a redis-backed relay. Separate connections for publish and
// subscribe, since a subscribed redis connection cannot issue other commands.
func NewRelay(opts Options, fanout LocalFanout, logger *zap.Logger) *Relay {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		opts:    opts,
		origin:  uuid.NewString(),
		enabled: true,
		pub:     redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}),
		sub:     redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}),
		fanout:  fanout,
		logger:  logger,
	}
}

// NewDisabled returns a relay that publishes nothing and reports itself
// disabled. Used when no redis address is configured.
func NewDisabled() *Relay {
	return &Relay{origin: uuid.NewString(), logger: zap.NewNop()}
}

func (r *Relay) Publish(room string, payload []byte) error {
	if !r.enabled || r.isDormant() {
		return nil
	}
	b, err := json.Marshal(frame{Origin: r.origin, Room: room, Frame: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, r.opts.Channel, b).Err(); err != nil {
		r.noteError(err)
		return err
	}
	observability.Default.IncCounter("relay_frames_published_total", nil, 1)
	return nil
}

// Run subscribes and pumps relayed frames into the local fanout until the
// context ends. Reconnects with exponential backoff; after MaxReconnects
// consecutive failures it goes dormant instead of spinning.
func (r *Relay) Run(ctx context.Context) error {
	if !r.enabled {
		<-ctx.Done()
		return nil
	}
	go r.pingLoop(ctx)

	backoff := r.opts.ReconnectBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub := r.sub.Subscribe(ctx, r.opts.Channel)
		_, err := sub.Receive(ctx)
		if err != nil {
			sub.Close()
			r.noteError(err)
			if r.registerFailure() {
				r.logger.Error("relay dormant after repeated reconnect failures", zap.Error(err))
				<-ctx.Done()
				return nil
			}
			r.logger.Warn("relay subscribe failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, r.opts.ReconnectCap)
			continue
		}

		r.setConnected(true)
		backoff = r.opts.ReconnectBase
		r.logger.Info("relay subscribed", zap.String("channel", r.opts.Channel))

		for msg := range sub.Channel() {
			r.handleFrame([]byte(msg.Payload))
		}
		sub.Close()
		r.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("relay subscription lost, reconnecting")
	}
}

func (r *Relay) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		r.logger.Warn("relay frame undecodable", zap.Error(err))
		return
	}
	if f.Origin == r.origin {
		return
	}
	if f.Room == "" || len(f.Frame) == 0 {
		return
	}
	observability.Default.IncCounter("relay_frames_received_total", nil, 1)
	r.fanout.DeliverLocal(f.Room, f.Frame)
}

func (r *Relay) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.pub.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				r.noteError(err)
			}
		}
	}
}

func (r *Relay) Status() veasyoapi.RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return veasyoapi.RelayStatus{
		Enabled:           r.enabled && !r.dormant,
		Connected:         r.connected,
		ReconnectAttempts: r.attempts,
		LastError:         r.lastErr,
	}
}

func (r *Relay) Close() error {
	if !r.enabled {
		return nil
	}
	r.sub.Close()
	return r.pub.Close()
}

func (r *Relay) setConnected(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = v
	if v {
		r.attempts = 0
		r.lastErr = ""
	}
}

func (r *Relay) noteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err.Error()
}

// registerFailure counts one failed attempt and reports whether the relay
// should go dormant.
func (r *Relay) registerFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.opts.MaxReconnects > 0 && r.attempts >= r.opts.MaxReconnects {
		r.dormant = true
		return true
	}
	return false
}

func (r *Relay) isDormant() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dormant
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
