package batch

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/shannynalayna/splinter/pkg/types"
)

// Op is a single opaque state-change operation. A tombstone op has
// Delete set and no value.
type Op struct {
	Delete bool        `json:"delete,omitempty"`
	Key    types.Key   `json:"key"`
	Value  types.Value `json:"value,omitempty"`
}

// Batch groups ordered state-change operations agreed on atomically by
// one two-phase-commit round.
type Batch struct {
	ops []Op
}

func New() *Batch {
	return &Batch{}
}

func (b *Batch) Put(key types.Key, value types.Value) {
	b.ops = append(b.ops, Op{Key: key, Value: value})
}

func (b *Batch) Delete(key types.Key) {
	b.ops = append(b.ops, Op{Delete: true, Key: key})
}

func (b *Batch) Clear() {
	b.ops = b.ops[:0]
}

func (b *Batch) Count() int {
	return len(b.ops)
}

// Ops returns the operations in submission order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// ID derives the deterministic batch identifier from the owning service,
// the assigned sequence number, and the operation contents. Every
// participant computes the same ID for the same offer.
func ID(service types.ServiceID, seq types.SeqNum, ops []Op) types.BatchID {
	h := sha256.New()
	h.Write([]byte(service))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(seq))
	h.Write(buf[:])
	for _, op := range ops {
		if op.Delete {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(op.Key)))
		h.Write(buf[:4])
		h.Write(op.Key)
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(op.Value)))
		h.Write(buf[:4])
		h.Write(op.Value)
	}
	return types.BatchID(hex.EncodeToString(h.Sum(nil)))
}
