// Package session implements the header-sync controller: it derives the
// sync range from the local chain, spawns peer header-sync protocols
// against the shared queue, applies adaptive back-off across peer
// failures, and completes exactly once when the queue is full or the
// session is stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/chaincore/headersync/chain"
	"github.com/chaincore/headersync/internal/blockheader"
	"github.com/chaincore/headersync/internal/checkpoint"
	"github.com/chaincore/headersync/internal/queue"
	"github.com/chaincore/headersync/p2p"
	"github.com/chaincore/headersync/protocol"
)

// Sentinel errors (spec.md §7).
var (
	ErrAlreadyStarted  = errors.New("session: already started")
	ErrNotFound        = errors.New("session: required header not found locally")
	ErrOperationFailed = errors.New("session: local chain query failed")
	ErrCancelled       = errors.New("session: cancelled")
)

// InitialFloor is the session's starting minimum per-peer throughput,
// honest peers commonly exceed it by orders of magnitude on early chain
// history; it is a floor, not a cap.
const InitialFloor = 10000.0

// BackoffFactor is the load-bearing multiplicative back-off applied to the
// floor on every observed peer failure; any value in (0, 1) preserves
// correctness, larger values decay more slowly and so recover slower after
// a bad-peer streak.
const BackoffFactor = 0.75

// MinFloor is the absolute lower bound the floor may decay to.
const MinFloor = 1.0

// Outcome is delivered to the session handler exactly once.
type Outcome struct {
	Err error // nil means Success
}

// Handler is invoked exactly once when the session completes, whether by
// success, cancellation, or an unrecoverable local-chain error.
type Handler func(Outcome)

// Config tunes the session's behavior; zero values fall back to package
// defaults.
type Config struct {
	InitialFloor  float64
	BackoffFactor float64
	ParallelPeers int // concurrent outstanding peer attempts; default 1
	OwnVersion    uint32
	PowLimit      *big.Int
}

func (c Config) withDefaults() Config {
	if c.InitialFloor == 0 {
		c.InitialFloor = InitialFloor
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = BackoffFactor
	}
	if c.ParallelPeers == 0 {
		c.ParallelPeers = 1
	}
	return c
}

// Progress is a point-in-time snapshot of session advancement (a
// supplemented feature beyond spec.md, purely observational).
type Progress struct {
	SeedHeight      uint64
	StopHeight      uint64
	TailHeight      uint64
	HeadersWanted   uint64
	HeadersQueued   uint64
	CurrentFloor    float64
	PeersAttempted  int
	FloorReductions int
	PeersInFlight   []string
}

// Session is the header-sync controller.
type Session struct {
	chain       chain.LocalChain
	connector   p2p.Connector
	checkpoints *checkpoint.Set
	cfg         Config

	queue *queue.Queue

	started atomic.Bool
	cancel  context.CancelFunc

	completeOnce sync.Once
	handler      Handler

	mu              sync.Mutex
	floor           float64
	peersAttempted  int
	floorReductions int
	inFlight        mapset.Set[string]
	failures        map[string]int

	seed       blockheader.Summary
	stopHeight uint64
	stopHash   [32]byte
}

// New constructs a session over the given local chain and networking
// connector, validating headers against checkpoints.
func New(localChain chain.LocalChain, connector p2p.Connector, checkpoints *checkpoint.Set, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		chain:       localChain,
		connector:   connector,
		checkpoints: checkpoints,
		cfg:         cfg,
		floor:       cfg.InitialFloor,
		inFlight:    mapset.NewSet[string](),
		failures:    make(map[string]int),
	}
}

// FailureCount reports how many times the named peer authority has been
// dropped by the protocol state machine so far (supplemented observational
// data, spec.md's §4.D back-off logic does not consult it).
func (s *Session) FailureCount(authority string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[authority]
}

// Start determines the sync range and, unless it is already empty, begins
// peer acquisition. handler fires exactly once, either from Start itself
// (empty range) or from the orchestration loop. Start returns
// ErrAlreadyStarted if called more than once.
func (s *Session) Start(handler Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.handler = handler

	seed, stop, empty, err := s.deriveRange()
	if err != nil {
		s.complete(Outcome{Err: err})
		return nil
	}
	s.seed = seed
	s.stopHeight = stop.Height
	s.stopHash = stop.Hash

	if empty {
		log.Info("session: sync range empty, nothing to do", "height", seed.Height)
		s.complete(Outcome{Err: nil})
		return nil
	}

	s.queue = queue.New(s.checkpoints, s.cfg.PowLimit)
	if err := s.queue.Initialize(seed, stop.Height); err != nil {
		s.complete(Outcome{Err: fmt.Errorf("%w: %v", ErrOperationFailed, err)})
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	log.Info("session: starting header sync", "seed", seed.Height, "stop", stop.Height, "floor", s.floor)
	go s.run(ctx)
	return nil
}

// Stop is idempotent and non-blocking: it signals every in-flight peer
// protocol to exit at its next suspension point. If no peer has already
// succeeded, the handler fires with ErrCancelled.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.complete(Outcome{Err: ErrCancelled})
}

// Progress reports a snapshot of current sync advancement.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		SeedHeight:      s.seed.Height,
		StopHeight:      s.stopHeight,
		CurrentFloor:    s.floor,
		PeersAttempted:  s.peersAttempted,
		FloorReductions: s.floorReductions,
		PeersInFlight:   s.inFlight.ToSlice(),
	}
	if s.stopHeight > s.seed.Height {
		p.HeadersWanted = s.stopHeight - s.seed.Height
	}
	if s.queue != nil {
		p.TailHeight = s.queue.TailHeight()
		if p.TailHeight > s.seed.Height {
			p.HeadersQueued = p.TailHeight - s.seed.Height
		}
	}
	return p
}

// Queue exposes the completed (or in-progress) header queue to the
// block-body download session, per spec.md §6 "Exposed upward".
func (s *Session) Queue() *queue.Queue { return s.queue }

func (s *Session) complete(o Outcome) {
	s.completeOnce.Do(func() {
		if o.Err != nil {
			log.Info("session: completed", "outcome", "failure", "err", o.Err)
		} else {
			log.Info("session: completed", "outcome", "success")
		}
		if s.handler != nil {
			s.handler(o)
		}
	})
}

// deriveRange implements spec.md §4.D's sync-range derivation.
func (s *Session) deriveRange() (seed blockheader.Summary, stop blockheader.Summary, empty bool, err error) {
	last, err := s.chain.LastHeight()
	if err != nil {
		return seed, stop, false, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}

	var first, stopHeight uint64
	gap, hasGap, err := s.chain.GapRange()
	if err != nil {
		return seed, stop, false, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	if hasGap {
		first = gap.Before - 1
		stopHeight = gap.After
	} else {
		first = last
		stopHeight = last
	}

	seedHeader, err := s.chain.Header(first)
	if err != nil {
		return seed, stop, false, fmt.Errorf("%w: seed at %d: %v", ErrNotFound, first, err)
	}
	seed = seedHeader

	if cpTop, ok := s.checkpoints.Highest(); ok && cpTop.Height > stopHeight {
		stop = blockheader.Summary{Height: cpTop.Height, Hash: cpTop.Hash}
		return seed, stop, false, nil
	}
	if first == stopHeight {
		return seed, seed, true, nil
	}
	stopHeader, err := s.chain.Header(stopHeight)
	if err != nil {
		return seed, stop, false, fmt.Errorf("%w: stop at %d: %v", ErrNotFound, stopHeight, err)
	}
	return seed, stopHeader, false, nil
}

// run is the peer orchestration loop: it keeps cfg.ParallelPeers workers
// attempting peers concurrently until one fills the queue or the session
// is cancelled.
func (s *Session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.ParallelPeers; i++ {
		g.Go(func() error {
			s.worker(gctx)
			return nil
		})
	}
	_ = g.Wait()
	// If every worker returned without a prior success (e.g. the context
	// was cancelled externally before Stop() recorded it), make sure the
	// handler still fires exactly once.
	s.complete(Outcome{Err: ErrCancelled})
}

// worker repeatedly acquires a peer channel and attaches the header-sync
// protocol to it until the queue fills, the peer attempt succeeds, or ctx
// is cancelled.
func (s *Session) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.queue.IsFull() {
			s.complete(Outcome{Err: nil})
			return
		}

		ch, err := s.connector.Connect(ctx, p2p.HandshakeParams{
			OwnVersion:        s.cfg.OwnVersion,
			OwnServices:       p2p.NoServices,
			MinPeerVersion:    s.cfg.OwnVersion,
			MinPeerServices:   p2p.NodeNetwork,
			RelayTransactions: false,
		})
		if err != nil {
			// No back-off on connect failure alone: retry immediately, but
			// still respect cancellation so this doesn't spin after stop().
			log.Debug("session: connect failed, retrying", "err", pkgerrors.Wrap(err, "connector"))
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		s.mu.Lock()
		s.peersAttempted++
		s.inFlight.Add(ch.Authority())
		floorSnapshot := s.floor
		s.mu.Unlock()

		outcome, err := protocol.Attach(ctx, protocol.Params{
			Channel:  ch,
			Queue:    s.queue,
			Floor:    floorSnapshot,
			Version:  s.cfg.OwnVersion,
			StopHash: s.stopHash,
		})

		s.mu.Lock()
		s.inFlight.Remove(ch.Authority())
		s.mu.Unlock()

		if outcome == protocol.OutcomeSuccess {
			s.complete(Outcome{Err: nil})
			return
		}

		if errors.Is(err, protocol.ErrCancelled) {
			return
		}

		log.Warn("session: peer dropped", "peer", ch.Authority(), "err", err)
		s.mu.Lock()
		s.failures[ch.Authority()]++
		s.mu.Unlock()
		s.applyBackoff()
	}
}

// applyBackoff lowers the floor multiplicatively on an observed peer
// failure, skipping the decrement if the queue is already full (it would
// only needlessly depress the floor while a concurrent peer is finishing).
func (s *Session) applyBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.IsFull() {
		return
	}
	next := s.floor * s.cfg.BackoffFactor
	if next < MinFloor {
		next = MinFloor
	}
	s.floor = next
	s.floorReductions++
	log.Info("session: rate floor reduced", "floor", s.floor)
}
