package identity

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Directory used in tests and standalone
// deployments without a CRUD backend.
type MemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[string]string            // slug -> durable id
	tables  map[string]map[string]string // tenant id -> display code -> durable id
	open    bool
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		tenants: make(map[string]string),
		tables:  make(map[string]map[string]string),
	}
}

// NewOpenDirectory resolves every non-empty reference to itself. Used when no
// directory backend is configured and identifiers are trusted as-is.
func NewOpenDirectory() *MemoryDirectory {
	d := NewMemoryDirectory()
	d.open = true
	return d
}

func (d *MemoryDirectory) AddTenant(slug, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[slug] = id
}

func (d *MemoryDirectory) AddTable(tenantID, code, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byCode, ok := d.tables[tenantID]
	if !ok {
		byCode = make(map[string]string)
		d.tables[tenantID] = byCode
	}
	byCode[code] = id
}

func (d *MemoryDirectory) LookupTenant(_ context.Context, slug string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.tenants[slug]; ok {
		return id, true, nil
	}
	if d.open {
		return slug, true, nil
	}
	return "", false, nil
}

func (d *MemoryDirectory) LookupTable(_ context.Context, code, tenantID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if byCode, ok := d.tables[tenantID]; ok {
		if id, ok := byCode[code]; ok {
			return id, true, nil
		}
	}
	if d.open {
		return code, true, nil
	}
	return "", false, nil
}
