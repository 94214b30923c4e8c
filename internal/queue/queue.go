// Package queue implements the shared, ordered, contiguous header buffer
// that the session and every attached peer protocol append into. All
// mutation is serialized through a single mutex; batches are validated in
// full before any part of them is committed.
package queue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chaincore/headersync/internal/blockheader"
	"github.com/chaincore/headersync/internal/checkpoint"
)

// Sentinel errors, matching spec §7's peer-local error kinds.
var (
	ErrAlreadyInitialized  = errors.New("queue: already initialized")
	ErrNotInitialized      = errors.New("queue: not initialized")
	ErrDiscontinuousHeight = errors.New("queue: discontinuous height")
	ErrInvalidHeader       = errors.New("queue: invalid header")
	ErrCheckpointMismatch  = errors.New("queue: checkpoint mismatch")
	ErrBadProofOfWork      = errors.New("queue: bad proof of work")
	ErrExceedsStopHeight   = errors.New("queue: batch exceeds stop height")
	ErrEmptyBatch          = errors.New("queue: empty batch")
	ErrRollbackAboveTail   = errors.New("queue: rollback target above current tail")
	ErrRollbackBelowSeed   = errors.New("queue: rollback target below seed")
)

// CheckpointMismatchError carries the full detail of a failed checkpoint
// agreement check (spec.md §8, supplemented diagnostics).
type CheckpointMismatchError struct {
	Height   uint64
	Expected chainhash.Hash
	Got      chainhash.Hash
}

func (e *CheckpointMismatchError) Error() string {
	return fmt.Sprintf("queue: checkpoint mismatch at height %d: expected %s, got %s",
		e.Height, e.Expected, e.Got)
}

func (e *CheckpointMismatchError) Unwrap() error { return ErrCheckpointMismatch }

// stageCacheBytes bounds the fastcache used to hand dequeued batches to a
// downstream block-body consumer without growing an unbounded slice.
const stageCacheBytes = 4 * 1024 * 1024

// Queue is the ordered, contiguous buffer of header summaries covering
// [firstHeight, tailHeight], bounded above by lastHeight.
type Queue struct {
	mu sync.Mutex

	checkpoints *checkpoint.Set
	powLimit    *big.Int

	initialized bool
	seed        blockheader.Summary
	firstHeight uint64
	lastHeight  uint64
	headers     []blockheader.Summary

	stage *fastcache.Cache
}

// New constructs an empty queue bound to the given checkpoint set and
// network proof-of-work limit (the highest target any block may state).
func New(checkpoints *checkpoint.Set, powLimit *big.Int) *Queue {
	return &Queue{
		checkpoints: checkpoints,
		powLimit:    powLimit,
		stage:       fastcache.New(stageCacheBytes),
	}
}

// Initialize records the seed header the queue builds on and the stop
// height the queue must not exceed. It fails with ErrAlreadyInitialized if
// called more than once.
func (q *Queue) Initialize(seed blockheader.Summary, lastHeight uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initialized {
		return ErrAlreadyInitialized
	}
	q.seed = seed
	q.firstHeight = seed.Height + 1
	q.lastHeight = lastHeight
	q.initialized = true
	return nil
}

// Empty reports whether the queue has accepted any headers yet.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.headers) == 0
}

// Size reports the number of headers currently buffered.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.headers)
}

// TailHeight returns the height of the last accepted header, or the seed's
// height if none have been accepted yet.
func (q *Queue) TailHeight() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tailHeightLocked()
}

func (q *Queue) tailHeightLocked() uint64 {
	if len(q.headers) == 0 {
		return q.seed.Height
	}
	return q.headers[len(q.headers)-1].Height
}

// TailHash returns the hash of the last accepted header, or the seed's
// hash if none have been accepted yet. Peer protocols use this to build
// the locator for their next get-headers request.
func (q *Queue) TailHash() chainhash.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.headers) == 0 {
		return q.seed.Hash
	}
	return q.headers[len(q.headers)-1].Hash
}

// IsFull reports whether the queue has reached its terminal bound.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tailHeightLocked() == q.lastHeight
}

// LastHeight returns the configured stop height.
func (q *Queue) LastHeight() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastHeight
}

// Enqueue validates and appends a contiguous run of header summaries
// starting at tailHeight+1. The batch is atomic: either every header is
// accepted, or the queue is left byte-for-byte unchanged and the first
// violation is returned.
func (q *Queue) Enqueue(batch []blockheader.Summary) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.initialized {
		return ErrNotInitialized
	}

	prevHash := q.seed.Hash
	expectHeight := q.firstHeight
	if len(q.headers) > 0 {
		tail := q.headers[len(q.headers)-1]
		prevHash = tail.Hash
		expectHeight = tail.Height + 1
	}

	for i, h := range batch {
		if h.Height != expectHeight {
			return fmt.Errorf("%w: header[%d] height %d, expected %d", ErrDiscontinuousHeight, i, h.Height, expectHeight)
		}
		if h.PrevHash != prevHash {
			return fmt.Errorf("%w: header[%d] prev %s != expected %s", ErrDiscontinuousHeight, i, h.PrevHash, prevHash)
		}
		if h.Height > q.lastHeight {
			return fmt.Errorf("%w: header[%d] height %d exceeds stop height %d", ErrExceedsStopHeight, i, h.Height, q.lastHeight)
		}
		if err := blockheader.CheckProofOfWork(h.Hash, h.Bits, q.powLimit); err != nil {
			return fmt.Errorf("%w: header[%d]: %v", ErrBadProofOfWork, i, err)
		}
		if cpHash, ok := q.checkpoints.Contains(h.Height); ok && cpHash != h.Hash {
			return &CheckpointMismatchError{Height: h.Height, Expected: cpHash, Got: h.Hash}
		}

		prevHash = h.Hash
		expectHeight = h.Height + 1
	}

	q.headers = append(q.headers, batch...)
	return nil
}

// Dequeue removes and returns the first n headers, for downstream
// block-body fetch. It also stages the batch in a bounded cache keyed by
// height so a consumer that only holds height references can look up the
// summary without retaining the whole slice. Returns fewer than n headers
// if the queue holds fewer. The last dequeued header becomes the base the
// remaining and future headers link to, so TailHeight, TailHash and
// RollbackTo keep working after a dequeue.
func (q *Queue) Dequeue(n int) []blockheader.Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.headers) {
		n = len(q.headers)
	}
	out := make([]blockheader.Summary, n)
	copy(out, q.headers[:n])
	q.headers = q.headers[n:]
	if n > 0 {
		q.seed = out[n-1]
		q.firstHeight = q.seed.Height + 1
	}

	for _, h := range out {
		q.stage.Set(heightKey(h.Height), h.Hash[:])
	}
	return out
}

// StagedHash returns the hash staged for height by a prior Dequeue, if
// still resident in the staging cache.
func (q *Queue) StagedHash(height uint64) (chainhash.Hash, bool) {
	var h chainhash.Hash
	buf, ok := q.stage.HasGet(nil, heightKey(height))
	if !ok || len(buf) != chainhash.HashSize {
		return h, false
	}
	copy(h[:], buf)
	return h, true
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}

// RollbackTo truncates the queue so tailHeight becomes height, used when a
// peer that contributed tail headers is disproven. height must be between
// the seed's height (inclusive, meaning "discard everything") and the
// current tail.
func (q *Queue) RollbackTo(height uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if height < q.seed.Height {
		return ErrRollbackBelowSeed
	}
	tail := q.tailHeightLocked()
	if height > tail {
		return ErrRollbackAboveTail
	}
	if height == q.seed.Height {
		q.headers = q.headers[:0]
		return nil
	}
	keep := height - q.firstHeight + 1
	q.headers = q.headers[:keep]
	return nil
}
