package regionctl

import (
	"bytes"
	"context"
	"fmt"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"

	"go.uber.org/zap"
)

// SplitApplier completes a split once its record has been committed by the
// write path. It implements engine.SplitHandler.
type SplitApplier struct {
	ctl *Controller
}

var _ engine.SplitHandler = (*SplitApplier)(nil)

// SplitApplier returns the handler that finishes splits proposed by SPLIT commands.
func (c *Controller) SplitApplier() *SplitApplier {
	return &SplitApplier{ctl: c}
}

// ApplySplit moves [key, end) of the parent into the child. The child must
// have been created as a split child (STANDBY); the parent is SPLITTING
// while the ranges are rewritten and both regions end NORMAL.
func (a *SplitApplier) ApplySplit(ctx context.Context, regionID region.ID, datum engine.SplitDatum) error {
	c := a.ctl
	if datum.FromRegionID != regionID {
		return fmt.Errorf("split record for region %d applied on region %d", datum.FromRegionID, regionID)
	}
	logger := c.logger.With(zap.Uint64("from", uint64(datum.FromRegionID)),
		zap.Uint64("to", uint64(datum.ToRegionID)), zap.Binary("key", datum.SplitKey))

	parent, ok := c.deps.Registry.GetRegion(datum.FromRegionID)
	if !ok {
		return newError(CodeRegionNotFound, "split parent %d not found", datum.FromRegionID)
	}
	child, ok := c.deps.Registry.GetRegion(datum.ToRegionID)
	if !ok {
		return newError(CodeRegionNotFound, "split child %d not found", datum.ToRegionID)
	}
	if child.State != region.StateStandby {
		return newError(CodeRegionStateInvalid, "split child %d is %s, want STANDBY", child.ID, child.State)
	}
	if !parent.Range.StrictlyContains(datum.SplitKey) {
		return newError(CodeKeyInvalid, "split key %x outside region %d range %s", datum.SplitKey, parent.ID, parent.Range)
	}

	if err := c.setState(parent.ID, region.StateSplitting); err != nil {
		return err
	}

	childEnd := child.Range.End
	if len(childEnd) == 0 || bytes.Compare(childEnd, datum.SplitKey) <= 0 {
		childEnd = parent.Range.End
	}
	childRange := region.KeyRange{Start: datum.SplitKey, End: childEnd}.Clone()
	parentRange := region.KeyRange{Start: parent.Range.Start, End: datum.SplitKey}.Clone()

	if err := c.deps.Registry.UpdateRange(child.ID, childRange); err != nil {
		return newError(CodeInternal, "update child range: %v", err)
	}
	if err := c.deps.Registry.UpdateRange(parent.ID, parentRange); err != nil {
		return newError(CodeInternal, "update parent range: %v", err)
	}

	for _, id := range []region.ID{child.ID, parent.ID} {
		if err := c.deps.Engine.Snapshot(ctx, id); err != nil {
			logger.Warn("snapshot after split failed", zap.Uint64("region", uint64(id)), zap.Error(err))
		}
	}

	if err := c.setState(child.ID, region.StateNormal); err != nil {
		return err
	}
	if err := c.setState(parent.ID, region.StateNormal); err != nil {
		return err
	}
	logger.Info("region split applied",
		zap.Stringer("parent_range", parentRange), zap.Stringer("child_range", childRange))
	c.deps.Notifier.TriggerStoreHeartbeat(parent.ID)
	return nil
}
