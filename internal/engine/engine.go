// Package engine is the raw (non-replicated) storage engine backing region
// data. It stores every region in one pebble instance, keyed by user key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"nyxkv/internal/region"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	fileLockName    = "flock"
	dataDirName     = "db"
	snapshotDirName = "snapshots"

	dataPrefix = 'z'
)

var (
	ErrKeyIsEmpty      = errors.New("engine: key is empty")
	ErrKeyNotFound     = errors.New("engine: key not found")
	ErrDatabaseIsUsing = errors.New("engine: data directory is used by another process")
	ErrClosed          = errors.New("engine: closed")
	// ErrNoSplitHandler is returned when a batch carries a split record and
	// nothing is registered to apply it.
	ErrNoSplitHandler = errors.New("engine: no split handler registered")
)

// SplitHandler applies a committed split record.
type SplitHandler interface {
	ApplySplit(ctx context.Context, regionID region.ID, datum SplitDatum) error
}

// Engine wraps a pebble database guarded by a directory lock.
type Engine struct {
	opts      Options
	db        *pebble.DB
	fileLock  *flock.Flock
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger

	mu           sync.RWMutex
	splitHandler SplitHandler

	inflight sync.WaitGroup
	closed   atomic.Bool
}

// Open opens the engine rooted at opts.DirPath.
func Open(opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.DirPath == "" {
		return nil, fmt.Errorf("engine: data directory is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DirPath, 0o755); err != nil {
		return nil, err
	}

	fileLock := flock.New(filepath.Join(opts.DirPath, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, ErrDatabaseIsUsing
	}

	dbOpts := &pebble.Options{}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		dbOpts.Cache = cache
	}
	db, err := pebble.Open(filepath.Join(opts.DirPath, dataDirName), dbOpts)
	if err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("open pebble at %s: %w", opts.DirPath, err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}
	return &Engine{
		opts:      opts,
		db:        db,
		fileLock:  fileLock,
		writeOpts: writeOpts,
		logger:    logger.Named("engine"),
	}, nil
}

// SetSplitHandler installs the hook invoked for split records.
func (e *Engine) SetSplitHandler(h SplitHandler) {
	e.mu.Lock()
	e.splitHandler = h
	e.mu.Unlock()
}

// Put writes a single key outside of any region batch.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Set(DataKey(key), value, e.writeOpts)
}

// Get reads a single key.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	value, closer, err := e.db.Get(DataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

// DeleteRange removes every key of kr.
func (e *Engine) DeleteRange(ctx context.Context, kr region.KeyRange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}
	lower, upper := dataRange(kr)
	if err := e.db.DeleteRange(lower, upper, e.writeOpts); err != nil {
		return fmt.Errorf("delete range %s: %w", kr, err)
	}
	return nil
}

// Snapshot writes a point-in-time checkpoint of the store for the region,
// replacing any previous one.
func (e *Engine) Snapshot(ctx context.Context, id region.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}
	dir := e.SnapshotDir(id)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear snapshot dir: %w", err)
	}
	if err := e.db.Checkpoint(dir); err != nil {
		return fmt.Errorf("checkpoint region %d: %w", id, err)
	}
	e.logger.Debug("region snapshot written", zap.Uint64("region", uint64(id)), zap.String("dir", dir))
	return nil
}

// SnapshotDir returns the checkpoint location for a region.
func (e *Engine) SnapshotDir(id region.ID) string {
	return filepath.Join(e.opts.DirPath, snapshotDirName, fmt.Sprintf("region-%d", id))
}

// Write applies batch synchronously. Data mutations preceding a split record
// are committed before the split handler runs.
func (e *Engine) Write(ctx context.Context, regionID region.ID, batch *WriteBatch) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if batch.Len() == 0 {
		return nil
	}
	pb := e.db.NewBatch()
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		err := pb.Commit(e.writeOpts)
		_ = pb.Close()
		pb = e.db.NewBatch()
		pending = 0
		return err
	}
	defer func() { _ = pb.Close() }()

	for _, m := range batch.Mutations {
		var err error
		switch m.Kind {
		case MutationPut:
			err = pb.Set(DataKey(m.Key), m.Value, nil)
		case MutationDelete:
			err = pb.Delete(DataKey(m.Key), nil)
		case MutationDeleteRange:
			lower, upper := dataRange(region.KeyRange{Start: m.Key, End: m.End})
			err = pb.DeleteRange(lower, upper, nil)
		case MutationSplit:
			if err := flush(); err != nil {
				return err
			}
			if err := e.applySplit(ctx, regionID, m.Split); err != nil {
				return err
			}
			continue
		default:
			err = fmt.Errorf("engine: unknown mutation kind %d", m.Kind)
		}
		if err != nil {
			return err
		}
		pending++
	}
	return flush()
}

func (e *Engine) applySplit(ctx context.Context, regionID region.ID, datum *SplitDatum) error {
	if datum == nil {
		return fmt.Errorf("engine: split mutation without datum")
	}
	e.mu.RLock()
	h := e.splitHandler
	e.mu.RUnlock()
	if h == nil {
		return ErrNoSplitHandler
	}
	return h.ApplySplit(ctx, regionID, *datum)
}

// AsyncWrite applies batch on a background goroutine and reports the outcome
// through cb. The returned error only covers submission.
func (e *Engine) AsyncWrite(ctx context.Context, regionID region.ID, batch *WriteBatch, cb func(error)) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if batch == nil {
		return fmt.Errorf("engine: nil batch")
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		err := e.Write(context.WithoutCancel(ctx), regionID, batch)
		if err != nil {
			e.logger.Warn("async write failed", zap.Uint64("region", uint64(regionID)), zap.Error(err))
		}
		if cb != nil {
			cb(err)
		}
	}()
	return nil
}

// Close waits for in-flight async writes, then closes pebble and releases the lock.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.inflight.Wait()
	err := e.db.Close()
	if unlockErr := e.fileLock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// DataKey maps a user key into the data keyspace.
func DataKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, dataPrefix)
	return append(out, key...)
}

func dataRange(kr region.KeyRange) ([]byte, []byte) {
	lower := DataKey(kr.Start)
	if len(kr.End) == 0 {
		return lower, []byte{dataPrefix + 1}
	}
	return lower, DataKey(kr.End)
}
