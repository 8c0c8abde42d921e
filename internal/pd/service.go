package pd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"nyxkv/internal/meta"

	"go.uber.org/zap"
)

// BucketStore holds the latest heartbeat of each store.
const BucketStore = "pd_store"

const storeKeyPrefix = "store/"

// Service stores PD metadata, optionally persisting to a meta store.
type Service struct {
	mu     sync.RWMutex
	stores map[uint64]StoreHeartbeat
	meta   *meta.Store
	logger *zap.Logger
}

var _ Heartbeater = (*Service)(nil)

// NewService creates a pure in-memory PD service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{stores: make(map[uint64]StoreHeartbeat), logger: logger.Named("pd")}
}

// NewPersistentService persists heartbeats under dir so PD metadata survives restarts.
func NewPersistentService(dir string, logger *zap.Logger) (*Service, error) {
	store, err := meta.Open(dir, BucketStore)
	if err != nil {
		return nil, fmt.Errorf("open pd storage: %w", err)
	}
	svc := NewService(logger)
	svc.meta = store
	if err := svc.load(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

// HandleHeartbeat stores the latest heartbeat from a store.
func (s *Service) HandleHeartbeat(_ context.Context, hb StoreHeartbeat) (StoreHeartbeatResponse, error) {
	if hb.StoreID == 0 {
		return StoreHeartbeatResponse{}, fmt.Errorf("heartbeat without store id")
	}
	s.mu.Lock()
	s.stores[hb.StoreID] = hb
	s.mu.Unlock()

	if err := s.persist(hb); err != nil {
		s.logger.Warn("persist heartbeat failed", zap.Uint64("store", hb.StoreID), zap.Error(err))
	}
	s.logger.Debug("store heartbeat", zap.Uint64("store", hb.StoreID), zap.Int("regions", len(hb.Regions)))
	return StoreHeartbeatResponse{}, nil
}

// Store returns the last heartbeat for a given store.
func (s *Service) Store(id uint64) (StoreHeartbeat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hb, ok := s.stores[id]
	return hb, ok
}

// Stores returns all known store heartbeats ordered by store id.
func (s *Service) Stores() []StoreHeartbeat {
	s.mu.RLock()
	out := make([]StoreHeartbeat, 0, len(s.stores))
	for _, hb := range s.stores {
		out = append(out, hb)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StoreID < out[j].StoreID })
	return out
}

// Close releases persistent resources if present.
func (s *Service) Close() error {
	if s.meta != nil {
		return s.meta.Close()
	}
	return nil
}

func (s *Service) load() error {
	return s.meta.ForEach(BucketStore, func(key, value []byte) error {
		var hb StoreHeartbeat
		if err := json.Unmarshal(value, &hb); err != nil {
			return fmt.Errorf("decode heartbeat %s: %w", key, err)
		}
		s.stores[hb.StoreID] = hb
		return nil
	})
}

func (s *Service) persist(hb StoreHeartbeat) error {
	if s.meta == nil {
		return nil
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return s.meta.Put(BucketStore, meta.Uint64Key(storeKeyPrefix, hb.StoreID), data)
}
