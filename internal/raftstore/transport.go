package raftstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"nyxkv/internal/region"
	"nyxkv/pkg/api"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport carries raft messages of every region group hosted on a store.
// Peers are addressed by raft peer id.
type Transport interface {
	Send(id region.ID, msgs []raftpb.Message) error
	AddPeer(peerID uint64, addr string)
	RemovePeer(peerID uint64)
	Close() error
}

// NewNoopTransport drops every message; enough for single replica groups.
func NewNoopTransport() Transport {
	return noopTransport{}
}

type noopTransport struct{}

func (noopTransport) Send(region.ID, []raftpb.Message) error { return nil }
func (noopTransport) AddPeer(uint64, string)                 {}
func (noopTransport) RemovePeer(uint64)                      {}
func (noopTransport) Close() error                           { return nil }

// Dialer abstracts dialing so tests can inject in-memory connections.
type Dialer interface {
	Dial(ctx context.Context, target string) (*grpc.ClientConn, error)
}

// DefaultDialer dials plaintext gRPC with the JSON codec and tracing enabled.
type DefaultDialer struct{}

func (DefaultDialer) Dial(_ context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
}

type clientStream struct {
	conn   *grpc.ClientConn
	stream api.RaftTransport_SendClient
}

// GRPCTransport streams raft messages to remote stores, one client stream
// per destination peer.
type GRPCTransport struct {
	mu        sync.RWMutex
	addresses map[uint64]string
	streams   map[uint64]*clientStream
	dialer    Dialer
	logger    *zap.Logger
}

// NewGRPCTransport builds a transport. A nil dialer uses DefaultDialer.
func NewGRPCTransport(dialer Dialer, logger *zap.Logger) *GRPCTransport {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		addresses: make(map[uint64]string),
		streams:   make(map[uint64]*clientStream),
		dialer:    dialer,
		logger:    logger.Named("raft-transport"),
	}
}

func (t *GRPCTransport) AddPeer(peerID uint64, addr string) {
	if addr == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.addresses[peerID]; ok && old != addr {
		t.closeStreamLocked(peerID)
	}
	t.addresses[peerID] = addr
}

func (t *GRPCTransport) RemovePeer(peerID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.addresses, peerID)
	t.closeStreamLocked(peerID)
}

// Send groups msgs by destination and writes them to that peer's stream.
// A broken stream is dropped and redialed on the next send.
func (t *GRPCTransport) Send(id region.ID, msgs []raftpb.Message) error {
	var errs []error
	for _, msg := range msgs {
		if msg.To == 0 {
			continue
		}
		cs, err := t.ensureStream(msg.To)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := msg.Marshal()
		if err != nil {
			return err
		}
		if err := cs.stream.Send(&api.RaftMessage{RegionID: uint64(id), To: msg.To, Message: data}); err != nil {
			t.mu.Lock()
			t.closeStreamLocked(msg.To)
			t.mu.Unlock()
			errs = append(errs, fmt.Errorf("send to peer %d: %w", msg.To, err))
		}
	}
	return errors.Join(errs...)
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.streams {
		t.closeStreamLocked(id)
	}
	return nil
}

func (t *GRPCTransport) ensureStream(to uint64) (*clientStream, error) {
	t.mu.RLock()
	cs, ok := t.streams[to]
	addr := t.addresses[to]
	t.mu.RUnlock()
	if ok {
		return cs, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("unknown address for peer %d", to)
	}
	conn, err := t.dialer.Dial(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	stream, err := api.NewRaftTransportClient(conn).Send(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	cs = &clientStream{conn: conn, stream: stream}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.streams[to]; ok {
		_, _ = stream.CloseAndRecv()
		_ = conn.Close()
		return existing, nil
	}
	t.streams[to] = cs
	t.logger.Debug("raft stream opened", zap.Uint64("peer", to), zap.String("addr", addr))
	return cs, nil
}

func (t *GRPCTransport) closeStreamLocked(to uint64) {
	cs, ok := t.streams[to]
	if !ok {
		return
	}
	_, _ = cs.stream.CloseAndRecv()
	_ = cs.conn.Close()
	delete(t.streams, to)
}

// MessageStepper delivers an inbound raft message to the local group.
type MessageStepper interface {
	Step(ctx context.Context, id region.ID, msg raftpb.Message) error
}

// TransportServer receives raft streams from remote stores.
type TransportServer struct {
	stepper MessageStepper
	logger  *zap.Logger
}

// NewTransportServer routes inbound messages to stepper.
func NewTransportServer(stepper MessageStepper, logger *zap.Logger) *TransportServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransportServer{stepper: stepper, logger: logger.Named("raft-transport")}
}

func (s *TransportServer) Send(stream api.RaftTransport_SendServer) error {
	for {
		in, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&api.RaftAck{})
		}
		if err != nil {
			return err
		}
		var msg raftpb.Message
		if err := msg.Unmarshal(in.Message); err != nil {
			return err
		}
		// Messages for groups this store no longer hosts are expected
		// during membership changes.
		if err := s.stepper.Step(stream.Context(), region.ID(in.RegionID), msg); err != nil {
			s.logger.Debug("drop raft message", zap.Uint64("region", in.RegionID),
				zap.Uint64("to", msg.To), zap.Error(err))
		}
	}
}
