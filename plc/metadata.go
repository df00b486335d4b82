package plc

import (
	"context"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	metadataTTL     = 5 * time.Minute
	activeSetKey    = "__active_set"
	cleanupInterval = 10 * time.Minute
)

// MetadataCache wraps a MetadataSource with a TTL cache. Reads hit the cache
// first; Invalidate drops entries after a write-through so the next read sees
// fresh bounds and addresses.
type MetadataCache struct {
	source MetadataSource
	cache  *gocache.Cache
}

// NewMetadataCache creates a cache over source with the standard 5-minute TTL.
func NewMetadataCache(source MetadataSource) *MetadataCache {
	return &MetadataCache{
		source: source,
		cache:  gocache.New(metadataTTL, cleanupInterval),
	}
}

// ParameterByID returns metadata for one parameter.
func (m *MetadataCache) ParameterByID(ctx context.Context, id string) (Parameter, error) {
	if hit, ok := m.cache.Get(id); ok {
		return hit.(Parameter), nil
	}
	p, err := m.source.ParameterByID(ctx, id)
	if err != nil {
		return Parameter{}, err
	}
	m.cache.SetDefault(id, p)
	return p, nil
}

// ActiveParameters returns all active parameters.
func (m *MetadataCache) ActiveParameters(ctx context.Context) ([]Parameter, error) {
	if hit, ok := m.cache.Get(activeSetKey); ok {
		return hit.([]Parameter), nil
	}
	params, err := m.source.ActiveParameters(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.SetDefault(activeSetKey, params)
	for _, p := range params {
		m.cache.SetDefault(p.ID, p)
	}
	return params, nil
}

// Invalidate drops a single parameter and the active set.
func (m *MetadataCache) Invalidate(id string) {
	m.cache.Delete(id)
	m.cache.Delete(activeSetKey)
}

// Flush drops the whole cache.
func (m *MetadataCache) Flush() {
	m.cache.Flush()
}

// registerGroup is a run of parameters with contiguous Modbus addresses,
// readable with a single holding-register read.
type registerGroup struct {
	start  uint16
	count  uint16
	params []Parameter
}

// groupContiguous sorts parameters by address and splits them into contiguous
// runs. A gap of one or more addresses starts a new group. This keeps the
// bulk-read hot path at one Modbus round trip per run instead of one per
// parameter.
func groupContiguous(params []Parameter) []registerGroup {
	if len(params) == 0 {
		return nil
	}
	sorted := make([]Parameter, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModbusAddress < sorted[j].ModbusAddress
	})

	var groups []registerGroup
	current := registerGroup{
		start:  sorted[0].ModbusAddress,
		count:  1,
		params: []Parameter{sorted[0]},
	}
	for _, p := range sorted[1:] {
		if p.ModbusAddress == current.start+current.count {
			current.count++
			current.params = append(current.params, p)
			continue
		}
		if p.ModbusAddress == current.start+current.count-1 {
			// Two parameters sharing one address read the same register.
			current.params = append(current.params, p)
			continue
		}
		groups = append(groups, current)
		current = registerGroup{start: p.ModbusAddress, count: 1, params: []Parameter{p}}
	}
	return append(groups, current)
}
