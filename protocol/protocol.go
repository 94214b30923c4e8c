// Package protocol drives a single peer channel through the header-sync
// state machine: issue get-headers, consume headers, append to the shared
// queue, sample throughput, and terminate on any violation. Within one
// peer, handler invocations are serialized by this package driving a
// single goroutine per channel; across peers they run concurrently.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/log"

	"github.com/chaincore/headersync/internal/blockheader"
	"github.com/chaincore/headersync/internal/queue"
	"github.com/chaincore/headersync/internal/ratetracker"
	"github.com/chaincore/headersync/p2p"
)

// RequestTimeout bounds how long the protocol waits for a headers reply
// before treating the channel as gone.
const RequestTimeout = 30 * time.Second

// Outcome is the terminal result of one Attach call, surfaced to the
// session's back-off loop (spec.md §4.C, §7).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Sentinel errors for the Terminal(...) transitions in spec.md §4.C.
var (
	ErrInvalidHeader = errors.New("protocol: invalid header batch")
	ErrChannelSlow   = errors.New("protocol: channel below rate floor")
	ErrChannelGone   = errors.New("protocol: channel disconnected or timed out")
	ErrStalled       = errors.New("protocol: peer stalled (empty reply before queue full)")
	ErrCancelled     = errors.New("protocol: session cancelled")
)

// Params configures one Attach call.
type Params struct {
	Channel  p2p.Channel
	Queue    *queue.Queue
	Floor    float64 // rate floor snapshot at attach time
	Version  uint32
	StopHash chainhash.Hash
}

// Attach runs the full Idle->Requesting->Validating->... state machine for
// one channel until it completes the queue, is dropped, or the session is
// cancelled via ctx. It blocks the calling goroutine; the session runs one
// goroutine per concurrently attached peer.
func Attach(ctx context.Context, p Params) (Outcome, error) {
	q := p.Queue
	rate := ratetracker.New()

	headersCh := make(chan *p2p.Headers, 1)
	p.Channel.Subscribe(p2p.MsgHeaders, func(msg p2p.Message) {
		if h, ok := msg.(*p2p.Headers); ok {
			select {
			case headersCh <- h:
			default:
				log.Warn("protocol: dropping headers reply, channel busy", "peer", p.Channel.Authority())
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			p.Channel.Stop()
			return OutcomeFailure, ErrCancelled
		default:
		}

		if err := requestNext(p.Channel, q, p.Version, p.StopHash); err != nil {
			p.Channel.Stop()
			return OutcomeFailure, fmt.Errorf("%w: %v", ErrChannelGone, err)
		}

		var msg *p2p.Headers
		timer := time.NewTimer(RequestTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.Channel.Stop()
			return OutcomeFailure, ErrCancelled
		case <-timer.C:
			p.Channel.Stop()
			return OutcomeFailure, fmt.Errorf("%w: request timed out after %s", ErrChannelGone, RequestTimeout)
		case msg = <-headersCh:
			timer.Stop()
		}

		if len(msg.Raw) == 0 {
			if q.IsFull() {
				return OutcomeSuccess, nil
			}
			p.Channel.Stop()
			return OutcomeFailure, ErrStalled
		}

		batch := summarize(msg.Raw, q.TailHeight()+1)
		if err := q.Enqueue(batch); err != nil {
			log.Error("protocol: batch rejected", "peer", p.Channel.Authority(), "err", err)
			p.Channel.Stop()
			return OutcomeFailure, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
		}
		rate.Sample(len(batch))
		log.Debug("protocol: batch accepted", "peer", p.Channel.Authority(), "count", len(batch), "tail", q.TailHeight())

		if q.IsFull() {
			return OutcomeSuccess, nil
		}

		if rate.BelowFloor(p.Floor) {
			p.Channel.Stop()
			return OutcomeFailure, fmt.Errorf("%w: rate %.0f/s below floor %.0f/s", ErrChannelSlow, rate.CurrentRate(), p.Floor)
		}
	}
}

// requestNext issues a get-headers request rooted at the queue's current
// tail (or the seed, if the queue is empty).
func requestNext(ch p2p.Channel, q *queue.Queue, version uint32, stopHash chainhash.Hash) error {
	locator := []chainhash.Hash{q.TailHash()}
	return ch.Send(&p2p.GetHeaders{
		Version:  version,
		Locator:  locator,
		StopHash: stopHash,
	})
}

// summarize assigns sequential heights (starting at from) to a batch of
// raw wire headers and reduces each to the summary the queue retains.
func summarize(raw []*blockheader.Raw, from uint64) []blockheader.Summary {
	out := make([]blockheader.Summary, len(raw))
	for i, r := range raw {
		out[i] = blockheader.SummaryOf(r, from+uint64(i))
	}
	return out
}
