package merkle

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/shannynalayna/splinter/pkg/batch"
	"github.com/shannynalayna/splinter/pkg/splerrors"
	"github.com/shannynalayna/splinter/pkg/types"
)

type kvMap = skipmap.FuncMap[[]byte, []byte]

func newKVMap() *kvMap {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// snapshot is one committed, immutable version of the key/value set.
type snapshot struct {
	entries *kvMap
	root    types.StateRoot
}

// Store is a versioned key/value store summarized by a deterministic
// Merkle root per version. Reads are safe from any goroutine; commits are
// serialized (the owning consensus engine is the single writer).
type Store struct {
	mu sync.Mutex

	versions *skipmap.FuncMap[uint64, *snapshot]
	current  atomic.Pointer[snapshot]
	version  atomic.Uint64
}

func NewStore() *Store {
	s := &Store{
		versions: skipmap.NewFunc[uint64, *snapshot](func(a, b uint64) bool { return a < b }),
	}
	empty := &snapshot{entries: newKVMap(), root: rootString(emptyRoot())}
	s.versions.Store(0, empty)
	s.current.Store(empty)
	return s
}

// Get reads a key at the latest committed version.
func (s *Store) Get(key types.Key) (types.Value, error) {
	return lookup(s.current.Load(), key)
}

// GetAt reads a key at a specific committed version.
func (s *Store) GetAt(key types.Key, version types.Version) (types.Value, error) {
	snap, ok := s.versions.Load(uint64(version))
	if !ok {
		return nil, fmt.Errorf("version %d: %w", version, splerrors.ErrNotFound)
	}
	return lookup(snap, key)
}

func lookup(snap *snapshot, key types.Key) (types.Value, error) {
	value, ok := snap.entries.Load(key)
	if !ok {
		return nil, splerrors.ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// CurrentVersion returns the latest committed version number.
func (s *Store) CurrentVersion() types.Version {
	return types.Version(s.version.Load())
}

// CurrentRoot returns the root hash of the latest committed version.
func (s *Store) CurrentRoot() types.StateRoot {
	return s.current.Load().root
}

// RootAt returns the root hash of a specific committed version.
func (s *Store) RootAt(version types.Version) (types.StateRoot, error) {
	snap, ok := s.versions.Load(uint64(version))
	if !ok {
		return "", fmt.Errorf("version %d: %w", version, splerrors.ErrNotFound)
	}
	return snap.root, nil
}

// NewChangeSet opens a staging handle against the latest committed version.
func (s *Store) NewChangeSet() *ChangeSet {
	return &ChangeSet{
		store:         s,
		parent:        s.current.Load(),
		parentVersion: types.Version(s.version.Load()),
	}
}

// ChangeSet stages operations against a parent version without touching
// committed state until Commit.
type ChangeSet struct {
	store         *Store
	parent        *snapshot
	parentVersion types.Version
	staged        []batch.Op
	closed        bool
}

// Stage records a put. Later operations on the same key win.
func (cs *ChangeSet) Stage(key types.Key, value types.Value) {
	cs.staged = append(cs.staged, batch.Op{Key: cloneBytes(key), Value: cloneBytes(value)})
}

// Delete records a tombstone.
func (cs *ChangeSet) Delete(key types.Key) {
	cs.staged = append(cs.staged, batch.Op{Delete: true, Key: cloneBytes(key)})
}

// Apply stages a whole batch in order.
func (cs *ChangeSet) Apply(ops []batch.Op) {
	for _, op := range cs.cloneOps(ops) {
		cs.staged = append(cs.staged, op)
	}
}

func (cs *ChangeSet) cloneOps(ops []batch.Op) []batch.Op {
	out := make([]batch.Op, len(ops))
	for i, op := range ops {
		out[i] = batch.Op{Delete: op.Delete, Key: cloneBytes(op.Key), Value: cloneBytes(op.Value)}
	}
	return out
}

// Root computes the root the store would have after committing the staged
// operations. It has no side effects and may be called repeatedly.
func (cs *ChangeSet) Root() types.StateRoot {
	return rootString(computeRoot(cs.merged()))
}

// merged flattens parent state plus staged operations into sorted leaves.
func (cs *ChangeSet) merged() []leaf {
	combined := make(map[string][]byte)
	cs.parent.entries.Range(func(key, value []byte) bool {
		combined[string(key)] = value
		return true
	})
	for _, op := range cs.staged {
		if op.Delete {
			delete(combined, string(op.Key))
			continue
		}
		combined[string(op.Key)] = op.Value
	}

	keys := make([]string, 0, len(combined))
	for k := range combined {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]leaf, len(keys))
	for i, k := range keys {
		leaves[i] = leaf{key: []byte(k), value: combined[k]}
	}
	return leaves
}

// Commit durably installs the staged operations as the next version and
// returns it along with the new root. The change set must descend from the
// latest committed version; a stale handle fails without modifying state.
func (s *Store) Commit(cs *ChangeSet) (types.Version, types.StateRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.closed {
		return 0, "", fmt.Errorf("change set already resolved: %w", splerrors.ErrClosed)
	}
	if cs.store != s || uint64(cs.parentVersion) != s.version.Load() {
		return 0, "", fmt.Errorf("stale change set (parent version %d, current %d): %w",
			cs.parentVersion, s.version.Load(), splerrors.ErrStorageFailure)
	}

	leaves := cs.merged()
	entries := newKVMap()
	for _, l := range leaves {
		entries.Store(l.key, l.value)
	}
	snap := &snapshot{entries: entries, root: rootString(computeRoot(leaves))}

	next := s.version.Add(1)
	s.versions.Store(next, snap)
	s.current.Store(snap)
	cs.closed = true

	return types.Version(next), snap.root, nil
}

// Discard drops a change set without committing it.
func (s *Store) Discard(cs *ChangeSet) {
	cs.closed = true
	cs.staged = nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
