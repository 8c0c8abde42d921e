// Package regionctl accepts region administration commands from the
// coordinator, records them in a durable ledger and executes them on
// per-region queues.
package regionctl

import (
	"fmt"
	"time"

	"nyxkv/internal/region"
)

// CommandType enumerates the region administration commands.
type CommandType int32

const (
	CommandNone CommandType = iota
	CommandCreate
	CommandDelete
	CommandSplit
	CommandMerge
	CommandChangePeer
	CommandTransferLeader
	CommandSnapshot
	CommandPurge
	CommandStop
	CommandDestroyExecutor
)

var commandTypeNames = map[CommandType]string{
	CommandNone:            "NONE",
	CommandCreate:          "CREATE",
	CommandDelete:          "DELETE",
	CommandSplit:           "SPLIT",
	CommandMerge:           "MERGE",
	CommandChangePeer:      "CHANGE_PEER",
	CommandTransferLeader:  "TRANSFER_LEADER",
	CommandSnapshot:        "SNAPSHOT",
	CommandPurge:           "PURGE",
	CommandStop:            "STOP",
	CommandDestroyExecutor: "DESTROY_EXECUTOR",
}

func (t CommandType) String() string {
	if name, ok := commandTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int32(t))
}

// ParseCommandType converts a name such as "SPLIT" into a CommandType.
func ParseCommandType(name string) (CommandType, bool) {
	for t, n := range commandTypeNames {
		if n == name && t != CommandNone {
			return t, true
		}
	}
	return CommandNone, false
}

// CommandStatus is the execution status of a RegionCommand. DONE and FAIL are terminal.
type CommandStatus int32

const (
	StatusNone CommandStatus = iota
	StatusDone
	StatusFail
)

func (s CommandStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusDone:
		return "DONE"
	case StatusFail:
		return "FAIL"
	default:
		return fmt.Sprintf("CommandStatus(%d)", int32(s))
	}
}

// Terminal reports whether the status can no longer change.
func (s CommandStatus) Terminal() bool {
	return s == StatusDone || s == StatusFail
}

// Payload is the type specific body of a RegionCommand. The set of
// implementations is closed; see the Request types below.
type Payload interface {
	CommandType() CommandType
	clone() Payload
}

type CreateRequest struct {
	Definition region.Definition
	// SplitFromRegionID is non-zero when the region is the child of a split.
	SplitFromRegionID region.ID
}

type DeleteRequest struct {
	RegionID region.ID
}

type SplitRequest struct {
	FromRegionID region.ID
	ToRegionID   region.ID
	WatershedKey []byte
}

type ChangePeerRequest struct {
	Definition region.Definition
}

type TransferLeaderRequest struct {
	Peer region.Peer
}

type SnapshotRequest struct {
	RegionID region.ID
}

type PurgeRequest struct {
	RegionID region.ID
}

type StopRequest struct {
	RegionID region.ID
}

type DestroyExecutorRequest struct {
	RegionID region.ID
}

// MergeRequest is accepted by the ledger but no task executes it.
type MergeRequest struct {
	SourceRegionID region.ID
	TargetRegionID region.ID
}

func (*CreateRequest) CommandType() CommandType          { return CommandCreate }
func (*DeleteRequest) CommandType() CommandType          { return CommandDelete }
func (*SplitRequest) CommandType() CommandType           { return CommandSplit }
func (*ChangePeerRequest) CommandType() CommandType      { return CommandChangePeer }
func (*TransferLeaderRequest) CommandType() CommandType  { return CommandTransferLeader }
func (*SnapshotRequest) CommandType() CommandType        { return CommandSnapshot }
func (*PurgeRequest) CommandType() CommandType           { return CommandPurge }
func (*StopRequest) CommandType() CommandType            { return CommandStop }
func (*DestroyExecutorRequest) CommandType() CommandType { return CommandDestroyExecutor }
func (*MergeRequest) CommandType() CommandType           { return CommandMerge }

func (p *CreateRequest) clone() Payload {
	cp := *p
	cp.Definition = cloneDefinition(p.Definition)
	return &cp
}

func (p *DeleteRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *SplitRequest) clone() Payload {
	cp := *p
	cp.WatershedKey = append([]byte(nil), p.WatershedKey...)
	return &cp
}

func (p *ChangePeerRequest) clone() Payload {
	return &ChangePeerRequest{Definition: cloneDefinition(p.Definition)}
}

func (p *TransferLeaderRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *SnapshotRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *PurgeRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *StopRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *DestroyExecutorRequest) clone() Payload {
	cp := *p
	return &cp
}

func (p *MergeRequest) clone() Payload {
	cp := *p
	return &cp
}

func cloneDefinition(def region.Definition) region.Definition {
	def.Range = def.Range.Clone()
	if len(def.Peers) > 0 {
		def.Peers = append([]region.Peer(nil), def.Peers...)
	}
	return def
}

// RegionCommand is a durable unit of region administration work.
type RegionCommand struct {
	ID        uint64
	RegionID  region.ID
	Type      CommandType
	Status    CommandStatus
	Notify    bool
	Payload   Payload
	CreatedAt time.Time
}

// NewCommand builds a command in status NONE whose type follows the payload.
func NewCommand(id uint64, regionID region.ID, payload Payload, notify bool) *RegionCommand {
	cmd := &RegionCommand{
		ID:        id,
		RegionID:  regionID,
		Notify:    notify,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if payload != nil {
		cmd.Type = payload.CommandType()
	}
	return cmd
}

// Clone returns a deep copy so callers can never mutate ledger state.
func (c *RegionCommand) Clone() *RegionCommand {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Payload != nil {
		cp.Payload = c.Payload.clone()
	}
	return &cp
}

func (c *RegionCommand) String() string {
	return fmt.Sprintf("command(id=%d region=%d type=%s status=%s)", c.ID, c.RegionID, c.Type, c.Status)
}

// checkShape rejects commands whose header and payload disagree.
func (c *RegionCommand) checkShape() error {
	if c == nil {
		return newError(CodeInvalidParameters, "command is nil")
	}
	if c.ID == 0 {
		return newError(CodeInvalidParameters, "command id is zero")
	}
	if c.Payload == nil {
		return newError(CodeInvalidParameters, "command %d has no payload", c.ID)
	}
	if c.Payload.CommandType() != c.Type {
		return newError(CodeInvalidParameters, "command %d type %s does not match payload %s",
			c.ID, c.Type, c.Payload.CommandType())
	}
	if target, ok := payloadRegion(c.Payload); ok && target != c.RegionID {
		return newError(CodeInvalidParameters, "command %d targets region %d but is addressed to region %d",
			c.ID, target, c.RegionID)
	}
	return nil
}

// payloadRegion returns the region a payload acts on. The command must be
// addressed to that region so it runs on that region's queue.
func payloadRegion(p Payload) (region.ID, bool) {
	switch req := p.(type) {
	case *CreateRequest:
		return req.Definition.ID, true
	case *ChangePeerRequest:
		return req.Definition.ID, true
	case *SplitRequest:
		return req.FromRegionID, true
	case *DeleteRequest:
		return req.RegionID, true
	case *SnapshotRequest:
		return req.RegionID, true
	case *PurgeRequest:
		return req.RegionID, true
	case *StopRequest:
		return req.RegionID, true
	case *DestroyExecutorRequest:
		return req.RegionID, true
	case *MergeRequest:
		return req.SourceRegionID, true
	}
	return 0, false
}
