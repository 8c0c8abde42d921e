package regionctl

import (
	"encoding/json"
	"fmt"
	"time"

	"nyxkv/internal/region"

	"google.golang.org/protobuf/encoding/protowire"
)

// Ledger record layout. Scalar header fields are protobuf varints so the
// record stays readable by any protobuf decoder; the payload is JSON.
const (
	fieldID        protowire.Number = 1
	fieldRegionID  protowire.Number = 2
	fieldType      protowire.Number = 3
	fieldStatus    protowire.Number = 4
	fieldNotify    protowire.Number = 5
	fieldCreatedAt protowire.Number = 6
	fieldPayload   protowire.Number = 7
)

// EncodeCommand serializes a command for the ledger.
func EncodeCommand(cmd *RegionCommand) ([]byte, error) {
	var payload []byte
	if cmd.Payload != nil {
		var err error
		payload, err = json.Marshal(cmd.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload of command %d: %w", cmd.ID, err)
		}
	}
	b := make([]byte, 0, 32+len(payload))
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, cmd.ID)
	b = protowire.AppendTag(b, fieldRegionID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.RegionID))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Type))
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd.Status))
	b = protowire.AppendTag(b, fieldNotify, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(cmd.Notify))
	if !cmd.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(cmd.CreatedAt.UnixNano()))
	}
	if payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b, nil
}

// DecodeCommand is the inverse of EncodeCommand. Unknown fields are skipped.
func DecodeCommand(b []byte) (*RegionCommand, error) {
	cmd := &RegionCommand{}
	var payload []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			payload = v
			b = b[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			switch num {
			case fieldID:
				cmd.ID = v
			case fieldRegionID:
				cmd.RegionID = region.ID(v)
			case fieldType:
				cmd.Type = CommandType(v)
			case fieldStatus:
				cmd.Status = CommandStatus(v)
			case fieldNotify:
				cmd.Notify = protowire.DecodeBool(v)
			case fieldCreatedAt:
				cmd.CreatedAt = time.Unix(0, int64(v))
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	if payload != nil {
		p, err := decodePayload(cmd.Type, payload)
		if err != nil {
			return nil, fmt.Errorf("decode payload of command %d: %w", cmd.ID, err)
		}
		cmd.Payload = p
	}
	return cmd, nil
}

// NewPayload returns an empty payload for t.
func NewPayload(t CommandType) (Payload, error) {
	switch t {
	case CommandCreate:
		return &CreateRequest{}, nil
	case CommandDelete:
		return &DeleteRequest{}, nil
	case CommandSplit:
		return &SplitRequest{}, nil
	case CommandMerge:
		return &MergeRequest{}, nil
	case CommandChangePeer:
		return &ChangePeerRequest{}, nil
	case CommandTransferLeader:
		return &TransferLeaderRequest{}, nil
	case CommandSnapshot:
		return &SnapshotRequest{}, nil
	case CommandPurge:
		return &PurgeRequest{}, nil
	case CommandStop:
		return &StopRequest{}, nil
	case CommandDestroyExecutor:
		return &DestroyExecutorRequest{}, nil
	default:
		return nil, newError(CodeUnsupportedCommand, "no payload for command type %s", t)
	}
}

func decodePayload(t CommandType, data []byte) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}
