// Package checkpoint holds the immutable, sorted list of (height, hash)
// pairs that the header queue treats as axiomatic.
package checkpoint

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Checkpoint pins a known-good block hash at a specific height.
type Checkpoint struct {
	Height uint64
	Hash   chainhash.Hash
}

// Set is an immutable, height-ascending list of checkpoints with no
// duplicate or contradictory entries.
type Set struct {
	ordered  []Checkpoint
	byHeight map[uint64]chainhash.Hash
}

// New sorts and validates the given checkpoints, rejecting duplicate
// heights (whether or not their hashes agree — a duplicate height is
// always a configuration error) and returning the resulting immutable Set.
func New(points []Checkpoint) (*Set, error) {
	ordered := make([]Checkpoint, len(points))
	copy(ordered, points)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Height < ordered[j].Height })

	byHeight := make(map[uint64]chainhash.Hash, len(ordered))
	for i, cp := range ordered {
		if i > 0 && ordered[i-1].Height == cp.Height {
			return nil, fmt.Errorf("checkpoint: duplicate height %d", cp.Height)
		}
		byHeight[cp.Height] = cp.Hash
	}
	return &Set{ordered: ordered, byHeight: byHeight}, nil
}

// Highest returns the checkpoint with the greatest height, or false if the
// set is empty.
func (s *Set) Highest() (Checkpoint, bool) {
	if len(s.ordered) == 0 {
		return Checkpoint{}, false
	}
	return s.ordered[len(s.ordered)-1], true
}

// Contains returns the pinned hash at height, if any checkpoint exists
// there.
func (s *Set) Contains(height uint64) (chainhash.Hash, bool) {
	h, ok := s.byHeight[height]
	return h, ok
}

// InRange returns every checkpoint with first <= height <= last, in
// ascending height order.
func (s *Set) InRange(first, last uint64) []Checkpoint {
	lo := sort.Search(len(s.ordered), func(i int) bool { return s.ordered[i].Height >= first })
	var out []Checkpoint
	for i := lo; i < len(s.ordered) && s.ordered[i].Height <= last; i++ {
		out = append(out, s.ordered[i])
	}
	return out
}

// Len reports the number of configured checkpoints.
func (s *Set) Len() int { return len(s.ordered) }
