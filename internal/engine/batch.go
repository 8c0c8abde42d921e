package engine

import (
	"encoding/json"

	"nyxkv/internal/region"
)

// MutationKind enumerates the operations a WriteBatch can carry.
type MutationKind uint8

const (
	MutationPut MutationKind = iota + 1
	MutationDelete
	MutationDeleteRange
	MutationSplit
)

// SplitDatum is the replicated record that moves the upper half of a
// parent region's key range into a child region.
type SplitDatum struct {
	FromRegionID region.ID
	ToRegionID   region.ID
	SplitKey     []byte
}

// Mutation is a single entry of a WriteBatch.
type Mutation struct {
	Kind  MutationKind
	Key   []byte      `json:",omitempty"`
	Value []byte      `json:",omitempty"`
	End   []byte      `json:",omitempty"`
	Split *SplitDatum `json:",omitempty"`
}

// WriteBatch collects mutations applied atomically to a single region.
type WriteBatch struct {
	Mutations []Mutation
}

// NewWriteBatch returns an empty batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Put stages a key/value write.
func (wb *WriteBatch) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	wb.Mutations = append(wb.Mutations, Mutation{
		Kind:  MutationPut,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	return nil
}

// Delete stages a point deletion.
func (wb *WriteBatch) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	wb.Mutations = append(wb.Mutations, Mutation{Kind: MutationDelete, Key: append([]byte(nil), key...)})
	return nil
}

// DeleteRange stages the removal of every key in kr.
func (wb *WriteBatch) DeleteRange(kr region.KeyRange) {
	kr = kr.Clone()
	wb.Mutations = append(wb.Mutations, Mutation{Kind: MutationDeleteRange, Key: kr.Start, End: kr.End})
}

// Split stages a split record. The engine hands it to the registered
// SplitHandler when the batch is applied.
func (wb *WriteBatch) Split(datum SplitDatum) {
	datum.SplitKey = append([]byte(nil), datum.SplitKey...)
	wb.Mutations = append(wb.Mutations, Mutation{Kind: MutationSplit, Split: &datum})
}

// Len reports the number of staged mutations.
func (wb *WriteBatch) Len() int {
	if wb == nil {
		return 0
	}
	return len(wb.Mutations)
}

// Encode serializes the batch for replication.
func (wb *WriteBatch) Encode() ([]byte, error) {
	return json.Marshal(wb)
}

// DecodeWriteBatch is the inverse of Encode.
func DecodeWriteBatch(data []byte) (*WriteBatch, error) {
	var wb WriteBatch
	if err := json.Unmarshal(data, &wb); err != nil {
		return nil, err
	}
	return &wb, nil
}
