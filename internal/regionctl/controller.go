package regionctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nyxkv/internal/region"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const sharedExecutorName = "shared"

// ExecContext is the request scope a task executes under.
type ExecContext struct {
	RequestID string
	CommandID uint64
	RegionID  region.ID
	Enqueued  time.Time
}

type execContextKey struct{}

// ExecContextFrom returns the scope attached by the controller, if any.
func ExecContextFrom(ctx context.Context) (ExecContext, bool) {
	ec, ok := ctx.Value(execContextKey{}).(ExecContext)
	return ec, ok
}

// Result is the outcome of one command of a Submit batch.
type Result struct {
	CommandID uint64
	Type      CommandType
	Err       error
}

// ExecutorInfo describes a registered per-region executor.
type ExecutorInfo struct {
	RegionID region.ID
	Pending  int
}

// Controller validates, records and routes region commands onto per-region
// executors, plus one shared executor for region-agnostic work.
type Controller struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	executors map[region.ID]*Executor
	shared    *Executor
	// recovered holds ids already re-queued by Recover in this process.
	recovered map[uint64]struct{}

	lastID atomic.Uint64

	stopCompact chan struct{}
	wg          sync.WaitGroup
}

// NewController checks deps and builds a controller. Call Init before Dispatch.
func NewController(deps Deps) (*Controller, error) {
	if deps.Ledger == nil || deps.Registry == nil || deps.Engine == nil {
		return nil, fmt.Errorf("regionctl: ledger, registry and engine are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		deps:      deps,
		logger:    deps.Logger.Named("regionctl"),
		tracer:    otel.Tracer("nyxkv/regionctl"),
		executors: make(map[region.ID]*Executor),
		recovered: make(map[uint64]struct{}),
	}, nil
}

// Ledger exposes the command ledger for read-only queries.
func (c *Controller) Ledger() *Ledger { return c.deps.Ledger }

// replication returns the engine's replication capability, if it has one.
func (c *Controller) replication() (ReplicatedGroupProvider, bool) {
	rp, ok := c.deps.Engine.(ReplicatedGroupProvider)
	return rp, ok
}

// Init starts the shared executor and one executor per alive region.
func (c *Controller) Init() error {
	shared := NewExecutor(sharedExecutorName, c.logger)
	if err := shared.Start(); err != nil {
		return fmt.Errorf("start shared executor: %w", err)
	}
	c.mu.Lock()
	c.shared = shared
	c.mu.Unlock()

	for _, r := range c.deps.Registry.GetAllAliveRegions() {
		if err := c.RegisterExecutor(r.ID); err != nil {
			return fmt.Errorf("register executor for region %d: %w", r.ID, err)
		}
		c.deps.Metrics.AddRegion(r.ID, r.State)
	}

	if c.deps.CompactInterval > 0 && !c.deps.Retention.Disabled() {
		c.stopCompact = make(chan struct{})
		c.wg.Add(1)
		go c.compactLoop(c.deps.CompactInterval)
	}
	return nil
}

// Dispatch records cmd and routes it to its executor. A known id is
// rejected with ErrDuplicateCommand. If routing fails after the command was
// recorded, the command is marked FAIL so recovery does not retry it.
func (c *Controller) Dispatch(ctx context.Context, cmd *RegionCommand) error {
	if err := cmd.checkShape(); err != nil {
		return err
	}
	if _, ok := c.deps.Ledger.Get(cmd.ID); ok {
		c.deps.Metrics.observeReject(cmd.Type, ErrDuplicateCommand)
		return newError(CodeDuplicateCommand, "repeat region command %d", cmd.ID)
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if err := c.deps.Ledger.Add(cmd); err != nil {
		c.deps.Metrics.observeReject(cmd.Type, err)
		return err
	}
	c.deps.Metrics.observeDispatch(cmd.Type)

	if err := c.route(ctx, cmd.Clone()); err != nil {
		c.failUnrouted(cmd, err)
		return err
	}
	return nil
}

func (c *Controller) failUnrouted(cmd *RegionCommand, err error) {
	c.logger.Error("route region command failed",
		zap.Uint64("command", cmd.ID), zap.Uint64("region", uint64(cmd.RegionID)),
		zap.Stringer("type", cmd.Type), zap.Error(err))
	if uerr := c.deps.Ledger.UpdateStatus(cmd.ID, StatusFail); uerr != nil {
		c.logger.Warn("mark unrouted command failed", zap.Uint64("command", cmd.ID), zap.Error(uerr))
		return
	}
	c.deps.Metrics.observeFinish(cmd.Type, StatusFail, 0)
}

// route picks the executor for cmd and submits its task.
func (c *Controller) route(ctx context.Context, cmd *RegionCommand) error {
	c.logger.Debug("dispatch region command",
		zap.Uint64("command", cmd.ID), zap.Uint64("region", uint64(cmd.RegionID)), zap.Stringer("type", cmd.Type))

	if cmd.Type == CommandCreate {
		if err := c.RegisterExecutor(cmd.RegionID); err != nil {
			return newError(CodeInternal, "register executor for region %d: %v", cmd.RegionID, err)
		}
	}

	var exec *Executor
	switch cmd.Type {
	case CommandPurge, CommandDestroyExecutor:
		c.mu.RLock()
		exec = c.shared
		c.mu.RUnlock()
	default:
		exec = c.executor(cmd.RegionID)
	}
	if exec == nil {
		return newError(CodeRegionQueueNotFound, "no executor for region %d", cmd.RegionID)
	}

	t, err := c.buildTask(cmd)
	if err != nil {
		return err
	}
	ec := ExecContext{
		RequestID: uuid.NewString(),
		CommandID: cmd.ID,
		RegionID:  cmd.RegionID,
		Enqueued:  time.Now(),
	}
	runCtx := context.WithValue(context.WithoutCancel(ctx), execContextKey{}, ec)
	if err := exec.Execute(&taskRunner{ctl: c, cmd: cmd, task: t, ctx: runCtx}); err != nil {
		return newError(CodeInternal, "execute region command %d: %v", cmd.ID, err)
	}
	return nil
}

func (c *Controller) executor(id region.ID) *Executor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executors[id]
}

// Recover re-routes every command still in status NONE, in id order.
// Commands that cannot be routed are marked FAIL. A command is re-queued at
// most once per process, so repeated calls do not stack duplicate runs.
func (c *Controller) Recover() error {
	pending := c.deps.Ledger.List(StatusFilter(StatusNone))
	c.logger.Info("recovering region commands", zap.Int("count", len(pending)))
	for _, cmd := range pending {
		c.mu.Lock()
		_, seen := c.recovered[cmd.ID]
		c.recovered[cmd.ID] = struct{}{}
		c.mu.Unlock()
		if seen {
			continue
		}
		if err := c.route(context.Background(), cmd); err != nil {
			c.failUnrouted(cmd, err)
		}
	}
	return nil
}

// RegisterExecutor creates and starts the executor of a region if absent.
func (c *Controller) RegisterExecutor(id region.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.executors[id]; ok {
		return nil
	}
	exec := NewExecutor(fmt.Sprintf("region-%d", id), c.logger)
	if err := exec.Start(); err != nil {
		return err
	}
	c.executors[id] = exec
	c.deps.Metrics.setExecutors(len(c.executors))
	return nil
}

// UnRegisterExecutor removes the region executor and stops it after its
// queued tasks have run. It must not be called from that executor's own task.
func (c *Controller) UnRegisterExecutor(id region.ID) {
	c.mu.Lock()
	exec, ok := c.executors[id]
	if ok {
		delete(c.executors, id)
	}
	n := len(c.executors)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.deps.Metrics.setExecutors(n)
	exec.Stop()
}

// Destroy stops every executor and background loop.
func (c *Controller) Destroy() {
	if c.stopCompact != nil {
		close(c.stopCompact)
		c.wg.Wait()
		c.stopCompact = nil
	}

	c.mu.Lock()
	execs := maps.Values(c.executors)
	c.executors = make(map[region.ID]*Executor)
	shared := c.shared
	c.mu.Unlock()

	for _, exec := range execs {
		exec.Stop()
	}
	if shared != nil {
		shared.Stop()
	}
	c.deps.Metrics.setExecutors(0)
}

// GetAllRegion returns the ids of regions with a registered executor, ascending.
func (c *Controller) GetAllRegion() []region.ID {
	c.mu.RLock()
	ids := maps.Keys(c.executors)
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Executors describes the registered per-region executors, ascending by region.
func (c *Controller) Executors() []ExecutorInfo {
	c.mu.RLock()
	out := make([]ExecutorInfo, 0, len(c.executors))
	for id, exec := range c.executors {
		out = append(out, ExecutorInfo{RegionID: id, Pending: exec.Pending()})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

// PreValidate checks cmd against current state without recording or running it.
func (c *Controller) PreValidate(cmd *RegionCommand) error {
	if err := cmd.checkShape(); err != nil {
		return err
	}
	t, err := c.buildTask(cmd)
	if err != nil {
		return err
	}
	return t.PreValidate()
}

// Submit rejects ids already in the ledger, then prevalidates and dispatches
// the rest. It returns one result per command; the returned error is the
// first command's error.
func (c *Controller) Submit(ctx context.Context, cmds []*RegionCommand) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		var err error
		if cmd != nil {
			if _, ok := c.deps.Ledger.Get(cmd.ID); ok {
				err = newError(CodeDuplicateCommand, "repeat region command %d", cmd.ID)
			}
		}
		if err == nil {
			err = c.PreValidate(cmd)
		}
		if err == nil {
			err = c.Dispatch(ctx, cmd)
		} else if cmd != nil {
			c.deps.Metrics.observeReject(cmd.Type, err)
		}
		res := Result{Err: err}
		if cmd != nil {
			res.CommandID = cmd.ID
			res.Type = cmd.Type
		}
		if err != nil {
			c.logger.Debug("region command rejected", zap.Uint64("command", res.CommandID), zap.Error(err))
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return results, nil
	}
	return results, results[0].Err
}

// NewCommandID returns a locally generated command id derived from the wall
// clock in nanoseconds, strictly increasing within this process.
func (c *Controller) NewCommandID() uint64 {
	for {
		now := uint64(time.Now().UnixNano())
		last := c.lastID.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastID.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (c *Controller) compactLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CompactLedger(time.Now())
		case <-c.stopCompact:
			return
		}
	}
}

// CompactLedger applies the configured retention policy once.
func (c *Controller) CompactLedger(now time.Time) int {
	n, err := c.deps.Ledger.Compact(c.deps.Retention, now)
	if err != nil {
		c.logger.Error("ledger compaction failed", zap.Error(err))
		return 0
	}
	c.deps.Metrics.addCompacted(n)
	return n
}

// taskRunner adapts a task to the executor: it skips commands that already
// finished, records the terminal status and fires the notification.
type taskRunner struct {
	ctl  *Controller
	cmd  *RegionCommand
	task task
	ctx  context.Context
}

func (r *taskRunner) Run(context.Context) error {
	c := r.ctl
	if cur, ok := c.deps.Ledger.Get(r.cmd.ID); ok && cur.Status.Terminal() {
		c.logger.Info("skip finished region command",
			zap.Uint64("command", r.cmd.ID), zap.Stringer("status", cur.Status))
		return nil
	}

	ctx, span := c.tracer.Start(r.ctx, "regionctl."+r.cmd.Type.String(), trace.WithAttributes(
		attribute.Int64("region.id", int64(r.cmd.RegionID)),
		attribute.Int64("command.id", int64(r.cmd.ID)),
	))
	defer span.End()

	start := time.Now()
	err := r.runTask(ctx)
	status := StatusDone
	if err != nil {
		status = StatusFail
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("region command failed",
			zap.Uint64("command", r.cmd.ID), zap.Uint64("region", uint64(r.cmd.RegionID)),
			zap.Stringer("type", r.cmd.Type), zap.Error(err))
	}

	if uerr := c.deps.Ledger.UpdateStatus(r.cmd.ID, status); uerr != nil {
		c.logger.Warn("record command status failed", zap.Uint64("command", r.cmd.ID), zap.Error(uerr))
	} else {
		c.deps.Metrics.observeFinish(r.cmd.Type, status, time.Since(start))
	}

	if r.cmd.Notify {
		c.deps.Notifier.TriggerStoreHeartbeat(r.cmd.RegionID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", r.cmd, err)
	}
	return nil
}

// runTask converts a panicking task into a failure so the command still
// reaches a terminal status.
func (r *taskRunner) runTask(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.ctl.logger.Error("region command panicked",
				zap.Uint64("command", r.cmd.ID), zap.Any("panic", p), zap.Stack("stack"))
			err = newError(CodeInternal, "%s panicked: %v", r.cmd.Type, p)
		}
	}()
	return r.task.Run(ctx)
}
