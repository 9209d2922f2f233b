// Package identity resolves the tenant/table references arriving on the
// transport layer. References are sometimes durable ids and sometimes
// human-readable slugs; resolution goes through a directory lookup with a
// bounded TTL cache in front.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

type Resolver interface {
	// ResolveTenant maps a tenant reference (durable id or slug) to its
	// durable id. The second return is false when the reference is unknown.
	ResolveTenant(ctx context.Context, ref string) (string, bool, error)
	// ResolveTable maps a table reference (durable id or display code) within
	// a tenant to its durable id.
	ResolveTable(ctx context.Context, ref, tenantID string) (string, bool, error)
}

// Directory is the lookup side of the CRUD backend consumed by the resolver.
type Directory interface {
	LookupTenant(ctx context.Context, slug string) (string, bool, error)
	LookupTable(ctx context.Context, slug, tenantID string) (string, bool, error)
}

// CachingResolver short-circuits canonical ids and caches slug lookups.
type CachingResolver struct {
	dir     Directory
	tenants *ttlcache.Cache[string, string]
	tables  *ttlcache.Cache[string, string]
}

func NewCachingResolver(dir Directory, ttl time.Duration, capacity uint64) *CachingResolver {
	r := &CachingResolver{
		dir: dir,
		tenants: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithCapacity[string, string](capacity),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		tables: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithCapacity[string, string](capacity),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	go r.tenants.Start()
	go r.tables.Start()
	return r
}

func (r *CachingResolver) Stop() {
	r.tenants.Stop()
	r.tables.Stop()
}

func (r *CachingResolver) ResolveTenant(ctx context.Context, ref string) (string, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false, nil
	}
	if isDurableID(ref) {
		return ref, true, nil
	}
	if item := r.tenants.Get(ref); item != nil {
		return item.Value(), true, nil
	}
	id, ok, err := r.dir.LookupTenant(ctx, ref)
	if err != nil || !ok {
		return "", false, err
	}
	r.tenants.Set(ref, id, ttlcache.DefaultTTL)
	return id, true, nil
}

func (r *CachingResolver) ResolveTable(ctx context.Context, ref, tenantID string) (string, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || tenantID == "" {
		return "", false, nil
	}
	if isDurableID(ref) {
		return ref, true, nil
	}
	key := tenantID + "/" + ref
	if item := r.tables.Get(key); item != nil {
		return item.Value(), true, nil
	}
	id, ok, err := r.dir.LookupTable(ctx, ref, tenantID)
	if err != nil || !ok {
		return "", false, err
	}
	r.tables.Set(key, id, ttlcache.DefaultTTL)
	return id, true, nil
}

// isDurableID reports whether ref is already a canonical identifier rather
// than a slug or display code.
func isDurableID(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}
