package region

import (
	"bytes"
	"fmt"
)

// ID uniquely identifies a Region.
type ID uint64

// KeyRange describes the inclusive-exclusive key range handled by a Region.
type KeyRange struct {
	Start []byte
	End   []byte // empty slice denotes infinity
}

// Clone returns a deep copy of the range.
func (kr KeyRange) Clone() KeyRange {
	return KeyRange{
		Start: append([]byte(nil), kr.Start...),
		End:   append([]byte(nil), kr.End...),
	}
}

// StrictlyContains reports whether key lies inside the range and differs from
// its start key. An empty end is treated as +inf.
func (kr KeyRange) StrictlyContains(key []byte) bool {
	if bytes.Compare(key, kr.Start) <= 0 {
		return false
	}
	if len(kr.End) > 0 && bytes.Compare(key, kr.End) >= 0 {
		return false
	}
	return true
}

func (kr KeyRange) String() string {
	return fmt.Sprintf("[%x, %x)", kr.Start, kr.End)
}

// Epoch tracks structural changes of a Region.
type Epoch struct {
	// Version increases when the key range of a Region changes (split/merge).
	Version uint64
	// ConfVersion increases when the peer set changes (add/remove peers).
	ConfVersion uint64
}

// PeerRole distinguishes voting members from learners.
type PeerRole int

const (
	// Voter is a full voting member of the Region's Raft group.
	Voter PeerRole = iota
	// Learner only receives logs; not part of quorum until promoted.
	Learner
)

func (r PeerRole) String() string {
	if r == Learner {
		return "learner"
	}
	return "voter"
}

// Peer describes a Region replica hosted on a Store.
type Peer struct {
	ID      uint64
	StoreID uint64
	Role    PeerRole
	// Address is the raft endpoint of the hosting store, "host:port".
	Address string
}

// State captures the lifecycle of a Region.
type State int

const (
	StateNew State = iota
	StateNormal
	// StateStandby is a split child waiting for its parent to hand over data.
	StateStandby
	StateSplitting
	StateMerging
	StateDeleting
	StateDeleted
	// StateOrphan marks a replica no longer known to the coordinator.
	StateOrphan
)

var stateNames = map[State]string{
	StateNew:       "NEW",
	StateNormal:    "NORMAL",
	StateStandby:   "STANDBY",
	StateSplitting: "SPLITTING",
	StateMerging:   "MERGING",
	StateDeleting:  "DELETING",
	StateDeleted:   "DELETED",
	StateOrphan:    "ORPHAN",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState converts the textual form produced by String back into a State.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// Alive reports whether the region still holds data on this store.
func (s State) Alive() bool {
	return s != StateDeleted && s != StateOrphan
}

// Definition is the coordinator-side description of a region used to
// create or reconfigure a replica.
type Definition struct {
	ID    ID
	Range KeyRange
	Epoch Epoch
	Peers []Peer
}

// Voters returns the voting members of the definition.
func (d Definition) Voters() []Peer {
	out := make([]Peer, 0, len(d.Peers))
	for _, p := range d.Peers {
		if p.Role == Voter {
			out = append(out, p)
		}
	}
	return out
}

// PeerOnStore returns the peer hosted on storeID, if any.
func (d Definition) PeerOnStore(storeID uint64) (Peer, bool) {
	for _, p := range d.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// Region aggregates metadata describing a single shard of the keyspace.
type Region struct {
	ID     ID
	Range  KeyRange
	Epoch  Epoch
	Peers  []Peer
	State  State
	Leader uint64 // Peer ID currently considered leader (best-effort hint)
}

// FromDefinition builds region metadata in state NEW.
func FromDefinition(def Definition) *Region {
	r := &Region{
		ID:    def.ID,
		Range: def.Range.Clone(),
		Epoch: def.Epoch,
		State: StateNew,
	}
	if len(def.Peers) > 0 {
		r.Peers = append([]Peer(nil), def.Peers...)
	}
	return r
}

// Definition converts the region back into its coordinator description.
func (r *Region) Definition() Definition {
	c := r.Clone()
	return Definition{ID: c.ID, Range: c.Range, Epoch: c.Epoch, Peers: c.Peers}
}

// ContainsKey reports whether the region manages the provided key.
func (r *Region) ContainsKey(key []byte) bool {
	if r == nil {
		return false
	}
	if len(r.Range.Start) > 0 && bytes.Compare(key, r.Range.Start) < 0 {
		return false
	}
	if len(r.Range.End) > 0 && bytes.Compare(key, r.Range.End) >= 0 {
		return false
	}
	return true
}

// PeerOnStore returns the replica of this region hosted on storeID.
func (r *Region) PeerOnStore(storeID uint64) (Peer, bool) {
	if r == nil {
		return Peer{}, false
	}
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// Clone returns a copy of the Region metadata for safe mutation.
func (r *Region) Clone() Region {
	if r == nil {
		return Region{}
	}
	cp := *r
	cp.Range = r.Range.Clone()
	if len(r.Peers) > 0 {
		cp.Peers = append([]Peer(nil), r.Peers...)
	}
	return cp
}
