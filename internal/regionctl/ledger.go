package regionctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"nyxkv/internal/meta"
	"nyxkv/internal/region"

	"github.com/google/btree"
	art "github.com/plar/go-adaptive-radix-tree"
	"go.uber.org/zap"
)

const commandKeyPrefix = "region_cmd/"

// ErrCommandFinished is returned when updating a command that already reached DONE or FAIL.
var ErrCommandFinished = errors.New("regionctl: command already finished")

// MetaStore is the durable namespace the ledger writes through to.
type MetaStore interface {
	Put(bucket string, key, value []byte) error
	Delete(bucket string, keys ...[]byte) error
	ForEach(bucket string, fn func(key, value []byte) error) error
}

// Filter narrows Ledger.List. Zero values match everything.
type Filter struct {
	Status   *CommandStatus
	RegionID region.ID
}

// StatusFilter builds a filter on status only.
func StatusFilter(s CommandStatus) Filter {
	return Filter{Status: &s}
}

func (f Filter) match(cmd *RegionCommand) bool {
	if f.Status != nil && cmd.Status != *f.Status {
		return false
	}
	if f.RegionID != 0 && cmd.RegionID != f.RegionID {
		return false
	}
	return true
}

// RetentionPolicy decides which finished commands Compact reclaims.
// The zero value retains everything.
type RetentionPolicy struct {
	// MaxFinished bounds the number of DONE/FAIL commands kept; 0 means unbounded.
	MaxFinished int
	// MinAge protects finished commands younger than this from reclamation.
	MinAge time.Duration
}

// Disabled reports whether the policy never reclaims anything.
func (p RetentionPolicy) Disabled() bool {
	return p.MaxFinished <= 0 && p.MinAge <= 0
}

// Ledger is the durable record of every region command seen by this store.
// Records are indexed by id (btree) and by region (radix tree keyed
// region||id); the stored values are never mutated in place.
type Ledger struct {
	mu       sync.RWMutex
	byID     *btree.BTreeG[*RegionCommand]
	byRegion art.Tree
	store    MetaStore
	logger   *zap.Logger
}

// NewLedger constructs an empty ledger. store may be nil for tests that do
// not need durability.
func NewLedger(store MetaStore, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		byID:     newIDIndex(),
		byRegion: art.New(),
		store:    store,
		logger:   logger.Named("ledger"),
	}
}

func newIDIndex() *btree.BTreeG[*RegionCommand] {
	return btree.NewG(16, func(a, b *RegionCommand) bool { return a.ID < b.ID })
}

func regionIndexKey(regionID region.ID, id uint64) art.Key {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(regionID))
	binary.BigEndian.PutUint64(key[8:], id)
	return key
}

func commandKey(id uint64) []byte {
	return meta.Uint64Key(commandKeyPrefix, id)
}

// LoadAll replaces the index with every record found in the durable namespace.
func (l *Ledger) LoadAll() error {
	if l.store == nil {
		return nil
	}
	byID := newIDIndex()
	byRegion := art.New()
	err := l.store.ForEach(meta.BucketRegionCommand, func(k, v []byte) error {
		cmd, err := DecodeCommand(v)
		if err != nil {
			return fmt.Errorf("decode %x: %w", k, err)
		}
		byID.ReplaceOrInsert(cmd)
		byRegion.Insert(regionIndexKey(cmd.RegionID, cmd.ID), cmd)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load region commands: %w", err)
	}
	l.mu.Lock()
	l.byID = byID
	l.byRegion = byRegion
	l.mu.Unlock()
	l.logger.Info("region commands loaded", zap.Int("count", byID.Len()))
	return nil
}

// Add records a new command. It fails with ErrDuplicateCommand if the id is known.
func (l *Ledger) Add(cmd *RegionCommand) error {
	if cmd == nil {
		return newError(CodeInvalidParameters, "command is nil")
	}
	rec := cmd.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID.Get(rec); ok {
		return newError(CodeDuplicateCommand, "command %d already exists", rec.ID)
	}
	if err := l.persistLocked(rec); err != nil {
		return err
	}
	l.indexLocked(rec)
	return nil
}

// UpdateStatus moves a command to status. Unknown ids are logged and
// ignored; a command that already reached a terminal status is left
// untouched and ErrCommandFinished is returned.
func (l *Ledger) UpdateStatus(id uint64, status CommandStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.byID.Get(&RegionCommand{ID: id})
	if !ok {
		l.logger.Warn("update status of unknown command", zap.Uint64("command", id), zap.Stringer("status", status))
		return nil
	}
	if cur.Status.Terminal() {
		l.logger.Warn("refusing to change finished command",
			zap.Uint64("command", id), zap.Stringer("from", cur.Status), zap.Stringer("to", status))
		return fmt.Errorf("%w: command %d is %s", ErrCommandFinished, id, cur.Status)
	}
	if cur.Status == status {
		return nil
	}
	next := cur.Clone()
	next.Status = status
	if err := l.persistLocked(next); err != nil {
		return err
	}
	l.indexLocked(next)
	return nil
}

// Get returns a copy of the command with id.
func (l *Ledger) Get(id uint64) (*RegionCommand, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cmd, ok := l.byID.Get(&RegionCommand{ID: id})
	if !ok {
		return nil, false
	}
	return cmd.Clone(), true
}

// List returns copies of the matching commands in ascending id order.
func (l *Ledger) List(f Filter) []*RegionCommand {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*RegionCommand
	if f.RegionID != 0 {
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(f.RegionID))
		l.byRegion.ForEachPrefix(prefix, func(node art.Node) bool {
			if node.Kind() != art.Leaf {
				return true
			}
			cmd := node.Value().(*RegionCommand)
			if f.match(cmd) {
				out = append(out, cmd.Clone())
			}
			return true
		})
		return out
	}
	l.byID.Ascend(func(cmd *RegionCommand) bool {
		if f.match(cmd) {
			out = append(out, cmd.Clone())
		}
		return true
	})
	return out
}

// ListAll returns every command in ascending id order.
func (l *Ledger) ListAll() []*RegionCommand {
	return l.List(Filter{})
}

// Len reports the number of recorded commands.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byID.Len()
}

// Compact reclaims finished commands according to policy and returns how
// many were removed. Commands in status NONE are never reclaimed.
func (l *Ledger) Compact(policy RetentionPolicy, now time.Time) (int, error) {
	if policy.Disabled() {
		return 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var finished []*RegionCommand
	l.byID.Ascend(func(cmd *RegionCommand) bool {
		if cmd.Status.Terminal() {
			finished = append(finished, cmd)
		}
		return true
	})
	excess := len(finished)
	if policy.MaxFinished > 0 {
		excess = len(finished) - policy.MaxFinished
	}
	if excess <= 0 {
		return 0, nil
	}

	var victims []*RegionCommand
	for _, cmd := range finished {
		if len(victims) == excess {
			break
		}
		if policy.MinAge > 0 && now.Sub(cmd.CreatedAt) < policy.MinAge {
			continue
		}
		victims = append(victims, cmd)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if l.store != nil {
		keys := make([][]byte, 0, len(victims))
		for _, cmd := range victims {
			keys = append(keys, commandKey(cmd.ID))
		}
		if err := l.store.Delete(meta.BucketRegionCommand, keys...); err != nil {
			return 0, fmt.Errorf("compact region commands: %w", err)
		}
	}
	for _, cmd := range victims {
		l.byID.Delete(cmd)
		l.byRegion.Delete(regionIndexKey(cmd.RegionID, cmd.ID))
	}
	l.logger.Info("region commands compacted", zap.Int("removed", len(victims)), zap.Int("remaining", l.byID.Len()))
	return len(victims), nil
}

func (l *Ledger) persistLocked(cmd *RegionCommand) error {
	if l.store == nil {
		return nil
	}
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := l.store.Put(meta.BucketRegionCommand, commandKey(cmd.ID), data); err != nil {
		return fmt.Errorf("persist command %d: %w", cmd.ID, err)
	}
	return nil
}

func (l *Ledger) indexLocked(cmd *RegionCommand) {
	l.byID.ReplaceOrInsert(cmd)
	l.byRegion.Insert(regionIndexKey(cmd.RegionID, cmd.ID), cmd)
}
