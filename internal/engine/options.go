package engine

// Options configures the raw storage engine.
type Options struct {
	// DirPath is the data directory; pebble files live under DirPath/db.
	DirPath string

	// SyncWrites forces an fsync on every committed batch.
	SyncWrites bool

	// CacheSize is the pebble block cache size in bytes. Zero uses pebble's default.
	CacheSize int64
}

// DefaultOptions returns options suitable for tests and single node runs.
func DefaultOptions(dir string) Options {
	return Options{
		DirPath:    dir,
		SyncWrites: true,
		CacheSize:  64 << 20,
	}
}
