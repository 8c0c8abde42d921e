// Package heartbeat reports the store's regions to the coordinator on an
// interval and whenever a region command asks for an immediate report.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"nyxkv/internal/pd"
	"nyxkv/internal/region"
	"nyxkv/internal/regionctl"

	"go.uber.org/zap"
)

const defaultInterval = 10 * time.Second

// Config identifies the reporting store.
type Config struct {
	StoreID  uint64
	Address  string
	Interval time.Duration
}

// RegionLister lists the regions hosted by the store.
type RegionLister interface {
	Regions() []region.Region
}

// NodeLookup resolves the local raft member of a region.
type NodeLookup interface {
	GetNode(id region.ID) (regionctl.GroupNode, bool)
}

// Reporter sends store heartbeats. It implements regionctl.Notifier.
type Reporter struct {
	cfg     Config
	regions RegionLister
	nodes   NodeLookup
	client  pd.Heartbeater
	logger  *zap.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ regionctl.Notifier = (*Reporter)(nil)

// New builds a reporter. nodes may be nil when regions are not replicated.
func New(cfg Config, regions RegionLister, nodes NodeLookup, client pd.Heartbeater, logger *zap.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		cfg:     cfg,
		regions: regions,
		nodes:   nodes,
		client:  client,
		logger:  logger.Named("heartbeat"),
		trigger: make(chan struct{}, 1),
	}
}

// TriggerStoreHeartbeat requests an immediate heartbeat. Requests arriving
// while one is already pending are coalesced.
func (r *Reporter) TriggerStoreHeartbeat(id region.ID) {
	select {
	case r.trigger <- struct{}{}:
		r.logger.Debug("heartbeat triggered", zap.Uint64("region", uint64(id)))
	default:
	}
}

// Start runs the heartbeat loop until Stop.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop ends the loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.send(ctx)
	for {
		select {
		case <-ticker.C:
			r.send(ctx)
		case <-r.trigger:
			r.send(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reporter) send(ctx context.Context) {
	if err := r.Send(ctx); err != nil {
		r.logger.Warn("store heartbeat failed", zap.Error(err))
	}
}

// Send builds and pushes one heartbeat.
func (r *Reporter) Send(ctx context.Context) error {
	_, err := r.client.HandleHeartbeat(ctx, r.Build(time.Now()))
	return err
}

// Build snapshots the store's regions into a heartbeat.
func (r *Reporter) Build(now time.Time) pd.StoreHeartbeat {
	hb := pd.StoreHeartbeat{
		StoreID:   r.cfg.StoreID,
		Address:   r.cfg.Address,
		Timestamp: now,
	}
	regions := r.regions.Regions()
	hb.Regions = make([]pd.RegionHeartbeat, 0, len(regions))
	for _, reg := range regions {
		rh := pd.RegionHeartbeat{Region: reg, StoreID: r.cfg.StoreID, Role: region.Voter}
		if p, ok := reg.PeerOnStore(r.cfg.StoreID); ok {
			rh.PeerID = p.ID
			rh.Role = p.Role
		}
		if r.nodes != nil {
			if n, ok := r.nodes.GetNode(reg.ID); ok {
				rh.Region.Leader = n.LeaderID()
			}
		}
		hb.Regions = append(hb.Regions, rh)
	}
	return hb
}
