// Package regions keeps the store-local registry of region metadata.
package regions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"nyxkv/internal/meta"
	regionpkg "nyxkv/internal/region"

	"github.com/huandu/skiplist"
	"go.uber.org/zap"
)

const regionKeyPrefix = "region/"

var (
	// ErrRegionExists is returned by AddRegion for an id already registered.
	ErrRegionExists = errors.New("regions: region already registered")
	// ErrRegionNotFound is returned when updating an unknown region.
	ErrRegionNotFound = errors.New("regions: region not found")
)

// Persister is the subset of the metadata store the registry writes through to.
type Persister interface {
	Put(bucket string, key, value []byte) error
	Delete(bucket string, keys ...[]byte) error
	ForEach(bucket string, fn func(key, value []byte) error) error
}

// Manager maintains region metadata for a store. Every mutation is written
// through to the persister before it becomes visible.
type Manager struct {
	mu      sync.RWMutex
	regions map[regionpkg.ID]*regionpkg.Region
	// byStart maps a start key to the set of regions beginning there.
	byStart *skiplist.SkipList
	store   Persister
	logger  *zap.Logger
}

// NewManager constructs an empty registry. store may be nil for a purely
// in-memory registry.
func NewManager(store Persister, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		regions: make(map[regionpkg.ID]*regionpkg.Region),
		byStart: skiplist.New(skiplist.Bytes),
		store:   store,
		logger:  logger.Named("regions"),
	}
}

// Load replaces the in-memory view with the persisted regions.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	loaded := make(map[regionpkg.ID]*regionpkg.Region)
	err := m.store.ForEach(meta.BucketRegion, func(_, v []byte) error {
		var r regionpkg.Region
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		loaded[r.ID] = &r
		return nil
	})
	if err != nil {
		return fmt.Errorf("load regions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = loaded
	m.byStart = skiplist.New(skiplist.Bytes)
	for _, r := range loaded {
		m.indexLocked(r)
	}
	m.logger.Info("regions loaded", zap.Int("count", len(loaded)))
	return nil
}

// GetRegion returns a copy of the region metadata.
func (m *Manager) GetRegion(id regionpkg.ID) (*regionpkg.Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok {
		return nil, false
	}
	cp := r.Clone()
	return &cp, true
}

// AddRegion registers a new region.
func (m *Manager) AddRegion(r *regionpkg.Region) error {
	if r == nil || r.ID == 0 {
		return fmt.Errorf("regions: invalid region")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[r.ID]; ok {
		return fmt.Errorf("%w: %d", ErrRegionExists, r.ID)
	}
	cp := r.Clone()
	if err := m.persistLocked(&cp); err != nil {
		return err
	}
	m.regions[cp.ID] = &cp
	m.indexLocked(&cp)
	return nil
}

// UpdateState moves a region to a new lifecycle state.
func (m *Manager) UpdateState(id regionpkg.ID, state regionpkg.State) error {
	return m.mutate(id, func(r *regionpkg.Region) {
		r.State = state
	})
}

// UpdateRange replaces the key range and bumps the range epoch.
func (m *Manager) UpdateRange(id regionpkg.ID, kr regionpkg.KeyRange) error {
	return m.mutate(id, func(r *regionpkg.Region) {
		r.Range = kr.Clone()
		r.Epoch.Version++
	})
}

// UpdatePeers replaces the peer set and bumps the configuration epoch.
func (m *Manager) UpdatePeers(id regionpkg.ID, peers []regionpkg.Peer) error {
	return m.mutate(id, func(r *regionpkg.Region) {
		r.Peers = append([]regionpkg.Peer(nil), peers...)
		r.Epoch.ConfVersion++
	})
}

// UpdateLeader records the latest known leader peer id.
func (m *Manager) UpdateLeader(id regionpkg.ID, leader uint64) error {
	return m.mutate(id, func(r *regionpkg.Region) {
		r.Leader = leader
	})
}

func (m *Manager) mutate(id regionpkg.ID, fn func(*regionpkg.Region)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.regions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRegionNotFound, id)
	}
	next := cur.Clone()
	fn(&next)
	if err := m.persistLocked(&next); err != nil {
		return err
	}
	m.unindexLocked(cur)
	m.regions[id] = &next
	m.indexLocked(&next)
	return nil
}

// DeleteRegion drops the region metadata. Deleting an unknown region is a no-op.
func (m *Manager) DeleteRegion(id regionpkg.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.regions[id]
	if !ok {
		return nil
	}
	if m.store != nil {
		if err := m.store.Delete(meta.BucketRegion, meta.Uint64Key(regionKeyPrefix, uint64(id))); err != nil {
			return fmt.Errorf("delete region %d: %w", id, err)
		}
	}
	m.unindexLocked(cur)
	delete(m.regions, id)
	return nil
}

// Regions returns a snapshot of all regions ordered by start key.
func (m *Manager) Regions() []regionpkg.Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]regionpkg.Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Range.Start, out[j].Range.Start); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetAllAliveRegions returns every region that still owns data here.
func (m *Manager) GetAllAliveRegions() []regionpkg.Region {
	all := m.Regions()
	out := all[:0]
	for _, r := range all {
		if r.State.Alive() {
			out = append(out, r)
		}
	}
	return out
}

// RegionForKey finds the alive region containing key, preferring the one
// with the greatest start key.
func (m *Manager) RegionForKey(key []byte) *regionpkg.Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for elem := m.byStart.Back(); elem != nil; elem = elem.Prev() {
		if bytes.Compare(elem.Key().([]byte), key) > 0 {
			continue
		}
		ids := elem.Value.(map[regionpkg.ID]struct{})
		var best *regionpkg.Region
		for id := range ids {
			r := m.regions[id]
			if r == nil || !r.State.Alive() || !r.ContainsKey(key) {
				continue
			}
			if best == nil || r.ID < best.ID {
				best = r
			}
		}
		if best != nil {
			cp := best.Clone()
			return &cp
		}
	}
	return nil
}

func (m *Manager) persistLocked(r *regionpkg.Region) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := m.store.Put(meta.BucketRegion, meta.Uint64Key(regionKeyPrefix, uint64(r.ID)), data); err != nil {
		return fmt.Errorf("persist region %d: %w", r.ID, err)
	}
	return nil
}

func (m *Manager) indexLocked(r *regionpkg.Region) {
	start := append([]byte{}, r.Range.Start...)
	var ids map[regionpkg.ID]struct{}
	if elem := m.byStart.Get(start); elem != nil {
		ids = elem.Value.(map[regionpkg.ID]struct{})
	} else {
		ids = make(map[regionpkg.ID]struct{})
		m.byStart.Set(start, ids)
	}
	ids[r.ID] = struct{}{}
}

func (m *Manager) unindexLocked(r *regionpkg.Region) {
	start := append([]byte{}, r.Range.Start...)
	elem := m.byStart.Get(start)
	if elem == nil {
		return
	}
	ids := elem.Value.(map[regionpkg.ID]struct{})
	delete(ids, r.ID)
	if len(ids) == 0 {
		m.byStart.Remove(start)
	}
}
