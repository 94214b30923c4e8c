// Package chain declares the local persisted blockchain as header sync
// consumes it: height/gap/header lookups. The actual storage engine is an
// external collaborator (spec.md §1); this package only states the
// contract and, for tests, a small in-memory implementation of it.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chaincore/headersync/internal/blockheader"
)

// ErrNotFound is returned when a required header is missing locally.
var ErrNotFound = errors.New("chain: header not found")

// GapRange brackets the first hole in the locally persisted chain: Before
// is the highest known height below the hole, After is the lowest known
// height above it (the hole itself is the open interval between them).
type GapRange struct {
	Before uint64
	After  uint64
}

// LocalChain is the read surface the session needs from the persistent
// blockchain/database (spec.md §6).
type LocalChain interface {
	LastHeight() (uint64, error)
	GapRange() (GapRange, bool, error)
	Header(height uint64) (blockheader.Summary, error)
}

// Memory is an in-memory LocalChain used by tests and by the reference
// cmd/headersyncd wiring. It is not a production storage engine.
type Memory struct {
	mu      sync.RWMutex
	headers map[uint64]blockheader.Summary
	gap     *GapRange
}

// NewMemory builds a Memory chain seeded with the given headers, keyed by
// height. Headers must include a height-0 genesis if height 0 is ever
// queried.
func NewMemory(headers map[uint64]blockheader.Summary) *Memory {
	cp := make(map[uint64]blockheader.Summary, len(headers))
	for k, v := range headers {
		cp[k] = v
	}
	return &Memory{headers: cp}
}

// SetGap configures a gap range to be reported by GapRange; pass nil to
// clear it.
func (m *Memory) SetGap(g *GapRange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gap = g
}

// Put inserts or overwrites a header.
func (m *Memory) Put(h blockheader.Summary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[h.Height] = h
}

func (m *Memory) LastHeight() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.headers) == 0 {
		return 0, fmt.Errorf("chain: empty chain: %w", ErrNotFound)
	}
	heights := make([]uint64, 0, len(m.headers))
	for h := range m.headers {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights[len(heights)-1], nil
}

func (m *Memory) GapRange() (GapRange, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.gap == nil {
		return GapRange{}, false, nil
	}
	return *m.gap, true, nil
}

func (m *Memory) Header(height uint64) (blockheader.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.headers[height]
	if !ok {
		return blockheader.Summary{}, fmt.Errorf("chain: height %d: %w", height, ErrNotFound)
	}
	return h, nil
}
