// Package bootstrap assembles the dispatch service from environment
// configuration.
package bootstrap

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/veasyo/internal/archive"
	"github.com/example/veasyo/internal/audit"
	"github.com/example/veasyo/internal/bridge"
	"github.com/example/veasyo/internal/identity"
	"github.com/example/veasyo/internal/lifecycle"
	"github.com/example/veasyo/internal/persistence"
	"github.com/example/veasyo/internal/rooms"
	"github.com/example/veasyo/internal/scaling"
)

// Core holds every long-lived component of the dispatch service.
type Core struct {
	Engine     *lifecycle.Engine
	Hub        *rooms.Hub
	Relay      *scaling.Relay
	Dispatcher *bridge.Dispatcher
	Resolver   identity.Resolver
	Trail      *audit.Trail
	Store      persistence.Store

	resolverStop func()
	storeStop    func()
}

// NewCoreFromEnv wires the service. With no backend URL configured the
// in-memory store and an open directory keep a standalone instance working.
func NewCoreFromEnv(logger *zap.Logger) (*Core, error) {
	core := &Core{}

	backendURL := getenv("VEASYO_BACKEND_URL", "")
	backendToken := os.Getenv("VEASYO_BACKEND_TOKEN")
	settingsTTL := getenvDuration("VEASYO_SETTINGS_TTL", time.Minute)
	if backendURL != "" {
		httpStore := persistence.NewHTTPStore(backendURL, backendToken, settingsTTL)
		core.Store = httpStore
		core.storeStop = httpStore.Stop
		resolver := identity.NewCachingResolver(httpStore,
			getenvDuration("VEASYO_RESOLVER_TTL", 5*time.Minute),
			uint64(getenvInt("VEASYO_RESOLVER_CAP", 10_000)))
		core.Resolver = resolver
		core.resolverStop = resolver.Stop
	} else {
		core.Store = persistence.NewMemoryStore()
		resolver := identity.NewCachingResolver(identity.NewOpenDirectory(),
			getenvDuration("VEASYO_RESOLVER_TTL", 5*time.Minute),
			uint64(getenvInt("VEASYO_RESOLVER_CAP", 10_000)))
		core.Resolver = resolver
		core.resolverStop = resolver.Stop
		logger.Info("no backend configured, running with in-memory store and open directory")
	}

	core.Trail = audit.NewTrail(getenvInt("VEASYO_AUDIT_MAX_EVENTS", 10_000))
	core.Hub = rooms.NewHub(logger.Named("rooms"))

	if addr := getenv("VEASYO_REDIS_ADDR", ""); addr != "" {
		core.Relay = scaling.NewRelay(scaling.Options{
			Addr:          addr,
			Password:      os.Getenv("VEASYO_REDIS_PASSWORD"),
			DB:            getenvInt("VEASYO_REDIS_DB", 0),
			Channel:       getenv("VEASYO_REDIS_CHANNEL", "veasyo:rooms"),
			ReconnectBase: getenvDuration("VEASYO_RELAY_BACKOFF_BASE", 500*time.Millisecond),
			ReconnectCap:  getenvDuration("VEASYO_RELAY_BACKOFF_CAP", 30*time.Second),
			MaxReconnects: getenvInt("VEASYO_RELAY_MAX_RECONNECTS", 0),
		}, core.Hub, logger.Named("relay"))
		core.Hub.SetRelay(core.Relay)
	} else {
		core.Relay = scaling.NewDisabled()
	}

	core.Dispatcher = bridge.NewDispatcher(bridge.NewRegistry(),
		getenvDuration("VEASYO_BRIDGE_TIMEOUT", 15*time.Second), logger.Named("bridge"))
	if endpoint := getenv("VEASYO_ARCHIVE_ENDPOINT", ""); endpoint != "" {
		archiver, err := archive.NewMinioArchiver(archive.MinioOptions{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("VEASYO_ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("VEASYO_ARCHIVE_SECRET_KEY"),
			Bucket:    getenv("VEASYO_ARCHIVE_BUCKET", "veasyo-bridge-jobs"),
			UseSSL:    getenvBool("VEASYO_ARCHIVE_USE_SSL", false),
		})
		if err != nil {
			return nil, err
		}
		core.Dispatcher.SetArchiver(archiver)
	}

	core.Engine = lifecycle.NewEngine(
		core.Resolver,
		core.Store,
		core.Hub,
		core.Dispatcher,
		core.Trail,
		logger.Named("lifecycle"),
		lifecycle.Options{
			LiveTTL:      getenvDuration("VEASYO_REQUEST_TTL", 2*time.Hour),
			RemovalGrace: getenvDuration("VEASYO_REMOVAL_GRACE", 5*time.Second),
			ShardMax:     getenvInt("VEASYO_SHARD_MAX", 500),
		},
	)
	return core, nil
}

// Stop releases component resources. Safe to call once after the run group
// exits.
func (c *Core) Stop() {
	if c.Relay != nil {
		c.Relay.Close()
	}
	if c.resolverStop != nil {
		c.resolverStop()
	}
	if c.storeStop != nil {
		c.storeStop()
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
