package config

import (
	"fmt"
	"path/filepath"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/logging"
	"nyxkv/internal/raftstore"
	"nyxkv/internal/regionctl"
	grpcserver "nyxkv/internal/server/grpc"
)

// Engine kinds.
const (
	EngineMono = "mono"
	EngineRaft = "raft"
)

type ServerConfig struct {
	StoreID   uint64          `yaml:"storeID"`
	DataDir   string          `yaml:"dataDir"`
	Engine    EngineConfig    `yaml:"engine"`
	Raft      RaftConfig      `yaml:"raft"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Log       logging.Config  `yaml:"log"`
}

type EngineConfig struct {
	// Kind is "mono" for a single replica engine or "raft" for one raft
	// group per region.
	Kind       string `yaml:"kind"`
	SyncWrites bool   `yaml:"syncWrites"`
	CacheSize  int64  `yaml:"cacheSize"`
}

type RaftConfig struct {
	TickInterval           Duration `yaml:"tickInterval"`
	ElectionTick           int      `yaml:"electionTick"`
	HeartbeatTick          int      `yaml:"heartbeatTick"`
	SnapshotCatchUpEntries uint64   `yaml:"snapshotCatchUpEntries"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	// Address of the /metrics listener; empty disables it.
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type TracingConfig struct {
	// Endpoint of the OTLP gRPC collector; empty disables export.
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type HeartbeatConfig struct {
	Interval Duration `yaml:"interval"`
	// Coordinator is the address heartbeats are pushed to; empty disables them.
	Coordinator string `yaml:"coordinator"`
}

type LedgerConfig struct {
	Retention       RetentionConfig `yaml:"retention"`
	CompactInterval Duration        `yaml:"compactInterval"`
}

type RetentionConfig struct {
	MaxFinished int      `yaml:"maxFinished"`
	MinAge      Duration `yaml:"minAge"`
}

// Default returns a single store configuration listening on localhost.
func Default() *ServerConfig {
	return &ServerConfig{
		StoreID: 1,
		DataDir: "/tmp/nyxkv",
		Engine:  EngineConfig{Kind: EngineRaft, SyncWrites: true, CacheSize: 64 << 20},
		Raft: RaftConfig{
			TickInterval:           Duration(100 * time.Millisecond),
			ElectionTick:           10,
			HeartbeatTick:          1,
			SnapshotCatchUpEntries: 5000,
		},
		GRPC:      GRPCConfig{Address: "127.0.0.1:20160"},
		Metrics:   MetricsConfig{Address: "127.0.0.1:20180", Namespace: "nyxkv"},
		Tracing:   TracingConfig{Insecure: true, SampleRatio: 1},
		Heartbeat: HeartbeatConfig{Interval: Duration(10 * time.Second)},
		Log:       logging.Config{Level: "info"},
	}
}

// Validate reports the first invalid setting.
func (c *ServerConfig) Validate() error {
	if c.StoreID == 0 {
		return fmt.Errorf("config: storeID must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must be set")
	}
	switch c.Engine.Kind {
	case EngineMono, EngineRaft:
	default:
		return fmt.Errorf("config: unknown engine kind %q", c.Engine.Kind)
	}
	if c.Engine.Kind == EngineRaft {
		if c.Raft.TickInterval <= 0 {
			return fmt.Errorf("config: raft.tickInterval must be positive")
		}
		if c.Raft.HeartbeatTick <= 0 || c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
			return fmt.Errorf("config: raft.electionTick must exceed raft.heartbeatTick")
		}
	}
	if c.GRPC.Address == "" {
		return fmt.Errorf("config: grpc.address must be set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sampleRatio must be within [0, 1]")
	}
	if c.Heartbeat.Coordinator != "" && c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("config: heartbeat.interval must be positive")
	}
	if c.Ledger.Retention.MaxFinished < 0 || c.Ledger.Retention.MinAge < 0 || c.Ledger.CompactInterval < 0 {
		return fmt.Errorf("config: ledger retention values must not be negative")
	}
	return nil
}

func (c *ServerConfig) MetaDir() string {
	return filepath.Join(c.DataDir, "meta")
}

func (c *ServerConfig) EngineOptions() engine.Options {
	return engine.Options{
		DirPath:    filepath.Join(c.DataDir, "data"),
		SyncWrites: c.Engine.SyncWrites,
		CacheSize:  c.Engine.CacheSize,
	}
}

func (c *ServerConfig) RaftConfig() raftstore.Config {
	return raftstore.Config{
		StoreID:                c.StoreID,
		Dir:                    filepath.Join(c.DataDir, "raft"),
		TickInterval:           c.Raft.TickInterval.Std(),
		ElectionTick:           c.Raft.ElectionTick,
		HeartbeatTick:          c.Raft.HeartbeatTick,
		SnapshotCatchUpEntries: c.Raft.SnapshotCatchUpEntries,
	}
}

func (c *ServerConfig) RetentionPolicy() regionctl.RetentionPolicy {
	return regionctl.RetentionPolicy{
		MaxFinished: c.Ledger.Retention.MaxFinished,
		MinAge:      c.Ledger.Retention.MinAge.Std(),
	}
}

func (c *ServerConfig) GRPCConfig() grpcserver.Config {
	return grpcserver.Config{Address: c.GRPC.Address}
}

// Duration reads Go duration strings such as "250ms" from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
