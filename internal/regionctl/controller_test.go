package regionctl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nyxkv/internal/meta"
	"nyxkv/internal/region"
	"nyxkv/internal/regions"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Deps{})
	require.Error(t, err)
}

func TestDispatchDuplicateCommand(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(11, 1, &SnapshotRequest{RegionID: 1}, false)))
	err := h.ctl.Dispatch(context.Background(), NewCommand(11, 1, &SnapshotRequest{RegionID: 1}, false))
	require.ErrorIs(t, err, ErrDuplicateCommand)

	require.Equal(t, StatusDone, h.waitStatus(t, 11))
	require.Equal(t, 1, h.ledger.Len())
}

func TestDispatchWithoutExecutorMarksFail(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	require.NoError(t, h.registry.AddRegion(&region.Region{ID: 4, State: region.StateNormal}))

	err := h.ctl.Dispatch(context.Background(), NewCommand(1, 4, &SnapshotRequest{RegionID: 4}, false))
	require.ErrorIs(t, err, ErrRegionQueueNotFound)

	cmd, ok := h.ledger.Get(1)
	require.True(t, ok)
	require.Equal(t, StatusFail, cmd.Status)
	require.Empty(t, h.ledger.List(StatusFilter(StatusNone)))
}

func TestDispatchUnsupportedMerge(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	merge := NewCommand(3, 1, &MergeRequest{SourceRegionID: 1, TargetRegionID: 2}, false)
	require.ErrorIs(t, h.ctl.PreValidate(merge), ErrUnsupportedCommand)

	require.ErrorIs(t, h.ctl.Dispatch(context.Background(), merge), ErrUnsupportedCommand)
	cmd, ok := h.ledger.Get(3)
	require.True(t, ok)
	require.Equal(t, StatusFail, cmd.Status)
}

func TestDispatchRejectsMalformedCommands(t *testing.T) {
	h := newHarness(t, &fakeEngine{})

	require.ErrorIs(t, h.ctl.Dispatch(context.Background(), nil), ErrInvalidParameters)
	require.ErrorIs(t, h.ctl.Dispatch(context.Background(), NewCommand(0, 1, &SnapshotRequest{}, false)), ErrInvalidParameters)

	mismatched := NewCommand(5, 1, &SnapshotRequest{}, false)
	mismatched.Type = CommandDelete
	require.ErrorIs(t, h.ctl.Dispatch(context.Background(), mismatched), ErrInvalidParameters)
	require.Zero(t, h.ledger.Len())
}

func TestSubmitReportsPerCommandResults(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	results, err := h.ctl.Submit(context.Background(), []*RegionCommand{
		NewCommand(1, 1, &PurgeRequest{RegionID: 1}, false),
		NewCommand(2, 1, &SnapshotRequest{RegionID: 1}, false),
	})
	require.ErrorIs(t, err, ErrRegionNotDeleted)
	require.Len(t, results, 2)
	require.Equal(t, uint64(1), results[0].CommandID)
	require.Equal(t, CommandPurge, results[0].Type)
	require.Equal(t, CodeRegionNotDeleted, CodeOf(results[0].Err))
	require.NoError(t, results[1].Err)

	// Prevalidation failures never reach the ledger.
	_, ok := h.ledger.Get(1)
	require.False(t, ok)
	require.Equal(t, StatusDone, h.waitStatus(t, 2))

	results, err = h.ctl.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestNotifyTriggersHeartbeat(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(1, 1, &SnapshotRequest{RegionID: 1}, true)))
	require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(2, 1, &SnapshotRequest{RegionID: 1}, false)))
	h.waitStatus(t, 1)
	h.waitStatus(t, 2)
	require.Equal(t, 1, h.notifier.count())
}

type overlapEngine struct {
	fakeEngine
	running    atomic.Int32
	maxRunning atomic.Int32
}

func (e *overlapEngine) Snapshot(ctx context.Context, id region.ID) error {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		m := e.maxRunning.Load()
		if n <= m || e.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(100 * time.Microsecond)
	return e.fakeEngine.Snapshot(ctx, id)
}

func TestTasksOfOneRegionNeverOverlap(t *testing.T) {
	eng := &overlapEngine{}
	h := newHarness(t, eng)
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	var next atomic.Uint64
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := next.Add(1)
				_ = h.ctl.Dispatch(context.Background(), NewCommand(id, 1, &SnapshotRequest{RegionID: 1}, false))
			}
		}()
	}
	wg.Wait()
	for id := uint64(1); id <= 100; id++ {
		require.Equal(t, StatusDone, h.waitStatus(t, id))
	}
	require.Equal(t, int32(1), eng.maxRunning.Load())
}

func TestRecoverReplaysPendingCommands(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := meta.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	registry := regions.NewManager(store, logger)
	require.NoError(t, registry.AddRegion(&region.Region{
		ID:    1,
		Range: region.KeyRange{Start: []byte("a"), End: []byte("m")},
		State: region.StateNormal,
	}))

	// A DELETE recorded before a restart that never ran.
	seed := NewLedger(store, logger)
	require.NoError(t, seed.Add(NewCommand(500, 1, &DeleteRequest{RegionID: 1}, false)))
	finished := NewCommand(400, 1, &SnapshotRequest{RegionID: 1}, false)
	require.NoError(t, seed.Add(finished))
	require.NoError(t, seed.UpdateStatus(400, StatusFail))

	ledger := NewLedger(store, logger)
	require.NoError(t, ledger.LoadAll())
	require.NoError(t, registry.Load())

	eng := &fakeEngine{}
	ctl, err := NewController(Deps{StoreID: 1, Ledger: ledger, Registry: registry, Engine: eng, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, ctl.Init())
	defer ctl.Destroy()
	require.Equal(t, []region.ID{1}, ctl.GetAllRegion())

	require.NoError(t, ctl.Recover())
	require.NoError(t, ctl.Recover())

	require.Eventually(t, func() bool {
		return len(ledger.List(StatusFilter(StatusNone))) == 0
	}, 5*time.Second, 5*time.Millisecond)

	cmd, _ := ledger.Get(500)
	require.Equal(t, StatusDone, cmd.Status)
	old, _ := ledger.Get(400)
	require.Equal(t, StatusFail, old.Status)

	_, ok := registry.GetRegion(1)
	require.False(t, ok)
	eng.mu.Lock()
	require.Len(t, eng.deleted, 1)
	eng.mu.Unlock()
	require.Eventually(t, func() bool { return len(ctl.GetAllRegion()) == 0 }, 5*time.Second, 5*time.Millisecond)

	// Nothing left to replay.
	require.NoError(t, ctl.Recover())
	require.Empty(t, ledger.List(StatusFilter(StatusNone)))
}

func TestRegisterAndDestroyExecutors(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	require.NoError(t, h.ctl.RegisterExecutor(3))
	require.NoError(t, h.ctl.RegisterExecutor(1))
	require.NoError(t, h.ctl.RegisterExecutor(3))
	require.Equal(t, []region.ID{1, 3}, h.ctl.GetAllRegion())

	infos := h.ctl.Executors()
	require.Len(t, infos, 2)
	require.Equal(t, region.ID(1), infos[0].RegionID)

	h.ctl.UnRegisterExecutor(3)
	h.ctl.UnRegisterExecutor(42)
	require.Equal(t, []region.ID{1}, h.ctl.GetAllRegion())

	h.ctl.Destroy()
	require.Empty(t, h.ctl.GetAllRegion())
}

func TestNewCommandIDIsMonotonic(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	prev := h.ctl.NewCommandID()
	for i := 0; i < 1000; i++ {
		id := h.ctl.NewCommandID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestCompactLedgerUsesRetention(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	h := newHarness(t, &fakeEngine{}, func(d *Deps) {
		d.Metrics = metrics
		d.Retention = RetentionPolicy{MaxFinished: 1}
	})
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(id, 1, &SnapshotRequest{RegionID: 1}, false)))
		h.waitStatus(t, id)
	}
	require.Equal(t, 2, h.ctl.CompactLedger(time.Now()))
	require.Equal(t, 1, h.ledger.Len())
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.compacted))
}

func TestControllerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")
	h := newHarness(t, &fakeEngine{}, func(d *Deps) { d.Metrics = metrics })
	h.addRegion(t, 1, "a", "m", region.StateNormal)

	require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(1, 1, &SnapshotRequest{RegionID: 1}, false)))
	require.NoError(t, h.ctl.Dispatch(context.Background(), NewCommand(2, 1, &PurgeRequest{RegionID: 1}, false)))
	require.Error(t, h.ctl.Dispatch(context.Background(), NewCommand(1, 1, &SnapshotRequest{RegionID: 1}, false)))
	h.waitStatus(t, 1)
	h.waitStatus(t, 2)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.dispatched.WithLabelValues("SNAPSHOT")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.rejected.WithLabelValues("SNAPSHOT", "DuplicateCommand")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.finished.WithLabelValues("SNAPSHOT", "DONE")) == 1 &&
			testutil.ToFloat64(metrics.finished.WithLabelValues("PURGE", "FAIL")) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.executors))
}
