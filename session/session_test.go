package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/chaincore/headersync/chain"
	"github.com/chaincore/headersync/internal/blockheader"
	"github.com/chaincore/headersync/internal/checkpoint"
	"github.com/chaincore/headersync/p2p"
)

const easyBits = uint32(0x207fffff)

var easyPowLimit = blockheader.CompactToBig(easyBits)

func powSatisfied(h chainhash.Hash, target *big.Int) bool {
	var reversed chainhash.Hash
	for i, b := range h {
		reversed[chainhash.HashSize-1-i] = b
	}
	return new(big.Int).SetBytes(reversed[:]).Cmp(target) <= 0
}

func mineNonce(r *blockheader.Raw) {
	for nonce := uint32(0); ; nonce++ {
		r.Nonce = nonce
		if powSatisfied(r.Hash(), easyPowLimit) {
			return
		}
	}
}

// minedChain builds n consecutive, proof-of-work-satisfying raw headers
// following seed, returning both the raw wire form (what a peer "sends")
// and the resulting summaries (what the checkpoint/queue sees).
func minedChain(seed blockheader.Summary, n int) ([]*blockheader.Raw, []blockheader.Summary) {
	raw := make([]*blockheader.Raw, n)
	summaries := make([]blockheader.Summary, n)
	prev := seed.Hash
	for i := 0; i < n; i++ {
		r := &blockheader.Raw{
			PrevBlock: prev,
			Bits:      easyBits,
			Timestamp: time.Unix(2000+int64(i), 0).UTC(),
		}
		mineNonce(r)
		raw[i] = r
		s := blockheader.SummaryOf(r, seed.Height+1+uint64(i))
		summaries[i] = s
		prev = s.Hash
	}
	return raw, summaries
}

// fakeChannel replies with a scripted sequence of raw header batches (one
// per Send call) or, past the end of the script, an empty reply.
type fakeChannel struct {
	name    string
	mu      sync.Mutex
	replies [][]*blockheader.Raw
	round   int
	handler func(p2p.Message)
	sendErr error
}

func (f *fakeChannel) Authority() string         { return f.name }
func (f *fakeChannel) NegotiatedVersion() uint32 { return 1 }
func (f *fakeChannel) Stop()                     {}

func (f *fakeChannel) Send(p2p.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	if f.round >= len(f.replies) {
		// Script exhausted: this peer goes silent, like a connection that
		// stopped responding. The caller times out or the context cancels.
		f.mu.Unlock()
		return nil
	}
	raw := f.replies[f.round]
	f.round++
	handler := f.handler
	f.mu.Unlock()

	go handler(&p2p.Headers{Raw: raw})
	return nil
}

func (f *fakeChannel) Subscribe(msgType p2p.MessageType, handler func(p2p.Message)) {
	if msgType == p2p.MsgHeaders {
		f.mu.Lock()
		f.handler = handler
		f.mu.Unlock()
	}
}

// fakeConnector hands out channels from a fixed list, one per Connect
// call; once exhausted it blocks until ctx is cancelled, mirroring a real
// connector that simply has no more peers to offer.
type fakeConnector struct {
	mu       sync.Mutex
	channels []p2p.Channel
	next     int
}

func (c *fakeConnector) Connect(ctx context.Context, _ p2p.HandshakeParams) (p2p.Channel, error) {
	c.mu.Lock()
	if c.next < len(c.channels) {
		ch := c.channels[c.next]
		c.next++
		c.mu.Unlock()
		return ch, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func awaitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("session did not complete in time")
		return Outcome{}
	}
}

// TestStartEmptyRangeCompletesImmediately covers the "empty sync" scenario:
// the local chain holds a single header at height 10 and no checkpoint is
// configured, so there is nothing to fetch and no peer is ever contacted.
func TestStartEmptyRangeCompletesImmediately(t *testing.T) {
	seed := blockheader.Summary{Height: 10, Hash: hashFor(10)}
	localChain := chain.NewMemory(map[uint64]blockheader.Summary{10: seed})
	cps, err := checkpoint.New(nil)
	require.NoError(t, err)

	connector := &fakeConnector{} // would block forever if ever dialed
	sess := New(localChain, connector, cps, Config{})

	done := make(chan Outcome, 1)
	require.NoError(t, sess.Start(func(o Outcome) { done <- o }))

	o := awaitOutcome(t, done)
	require.NoError(t, o.Err)
	require.Nil(t, sess.Queue(), "an empty range never initializes a queue")
}

// TestStartTwiceReturnsAlreadyStarted covers spec.md's single-shot Start
// contract.
func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	seed := blockheader.Summary{Height: 1, Hash: hashFor(1)}
	localChain := chain.NewMemory(map[uint64]blockheader.Summary{1: seed})
	cps, err := checkpoint.New(nil)
	require.NoError(t, err)

	sess := New(localChain, &fakeConnector{}, cps, Config{})
	require.NoError(t, sess.Start(func(Outcome) {}))
	require.ErrorIs(t, sess.Start(func(Outcome) {}), ErrAlreadyStarted)
}

// TestSingleHonestPeerFillsQueue covers the "single honest peer" scenario:
// a checkpoint sits ahead of the local tip, and one well-behaved peer
// delivers the entire range in one batch.
func TestSingleHonestPeerFillsQueue(t *testing.T) {
	seed := blockheader.Summary{Height: 0, Hash: hashFor(0)}
	raw, summaries := minedChain(seed, 5)
	tail := summaries[len(summaries)-1]

	cps, err := checkpoint.New([]checkpoint.Checkpoint{{Height: tail.Height, Hash: tail.Hash}})
	require.NoError(t, err)

	localChain := chain.NewMemory(map[uint64]blockheader.Summary{0: seed})
	peer := &fakeChannel{name: "honest-peer", replies: [][]*blockheader.Raw{raw}}
	connector := &fakeConnector{channels: []p2p.Channel{peer}}

	sess := New(localChain, connector, cps, Config{PowLimit: easyPowLimit})
	done := make(chan Outcome, 1)
	require.NoError(t, sess.Start(func(o Outcome) { done <- o }))

	o := awaitOutcome(t, done)
	require.NoError(t, o.Err)
	require.True(t, sess.Queue().IsFull())
	require.Equal(t, tail.Height, sess.Queue().TailHeight())
}

// TestFailingPeerThenHonestPeerBacksOffAndRecovers covers the
// back-off scenario: the first peer's connection fails on its first
// get-headers request, the session backs off its rate floor and tries
// again, and a second, honest peer completes the range.
func TestFailingPeerThenHonestPeerBacksOffAndRecovers(t *testing.T) {
	seed := blockheader.Summary{Height: 0, Hash: hashFor(0)}
	raw, summaries := minedChain(seed, 3)
	tail := summaries[len(summaries)-1]

	cps, err := checkpoint.New([]checkpoint.Checkpoint{{Height: tail.Height, Hash: tail.Hash}})
	require.NoError(t, err)

	localChain := chain.NewMemory(map[uint64]blockheader.Summary{0: seed})

	badPeer := &fakeChannel{name: "bad-peer", sendErr: errors.New("connection reset")}
	goodPeer := &fakeChannel{name: "good-peer", replies: [][]*blockheader.Raw{raw}}
	connector := &fakeConnector{channels: []p2p.Channel{badPeer, goodPeer}}

	sess := New(localChain, connector, cps, Config{PowLimit: easyPowLimit})
	done := make(chan Outcome, 1)
	require.NoError(t, sess.Start(func(o Outcome) { done <- o }))

	o := awaitOutcome(t, done)
	require.NoError(t, o.Err)
	require.True(t, sess.Queue().IsFull())

	require.Equal(t, 1, sess.FailureCount("bad-peer"))
	p := sess.Progress()
	require.Equal(t, 1, p.FloorReductions)
	require.InDelta(t, InitialFloor*BackoffFactor, p.CurrentFloor, 0.001)
}

// TestGapFillDerivesBracketingRange covers the "gap fill" scenario
// (spec.md §8 scenario 5): chain has heights 0..500 and 1000..2000
// persisted with a gap between; the derived range must seed from 499 and
// stop at 1000, so the queue's tail_height reaches exactly 1000 (already
// locally known) on completion.
func TestGapFillDerivesBracketingRange(t *testing.T) {
	headers := map[uint64]blockheader.Summary{
		499:  {Height: 499, Hash: hashFor(499)},
		1000: {Height: 1000, Hash: hashFor(1000)},
		2000: {Height: 2000, Hash: hashFor(2000)},
	}
	localChain := chain.NewMemory(headers)
	localChain.SetGap(&chain.GapRange{Before: 500, After: 1000})
	cps, err := checkpoint.New(nil)
	require.NoError(t, err)

	sess := New(localChain, &fakeConnector{}, cps, Config{})
	seed, stop, empty, err := sess.deriveRange()
	require.NoError(t, err)
	require.False(t, empty)
	require.Equal(t, uint64(499), seed.Height)
	require.Equal(t, uint64(1000), stop.Height)
}

// TestStopCancelsInFlightSync covers the "external stop" scenario: Stop
// fires the handler with ErrCancelled even though a peer is mid-flight and
// never replies.
func TestStopCancelsInFlightSync(t *testing.T) {
	seed := blockheader.Summary{Height: 0, Hash: hashFor(0)}
	cps, err := checkpoint.New([]checkpoint.Checkpoint{{Height: 50, Hash: hashFor(50)}})
	require.NoError(t, err)

	localChain := chain.NewMemory(map[uint64]blockheader.Summary{0: seed})
	stuckPeer := &fakeChannel{name: "stuck-peer"} // never replies
	connector := &fakeConnector{channels: []p2p.Channel{stuckPeer}}

	sess := New(localChain, connector, cps, Config{})
	done := make(chan Outcome, 1)
	require.NoError(t, sess.Start(func(o Outcome) { done <- o }))

	// Give the worker a moment to dial the stuck peer and issue its first
	// get-headers request before stopping.
	time.Sleep(50 * time.Millisecond)
	sess.Stop()

	o := awaitOutcome(t, done)
	require.ErrorIs(t, o.Err, ErrCancelled)
}

// TestCompletionHandlerFiresExactlyOnce is testable property 4: however
// many goroutines race to finish or to stop the session, the handler runs
// exactly once.
func TestCompletionHandlerFiresExactlyOnce(t *testing.T) {
	seed := blockheader.Summary{Height: 0, Hash: hashFor(0)}
	raw, summaries := minedChain(seed, 2)
	tail := summaries[len(summaries)-1]

	cps, err := checkpoint.New([]checkpoint.Checkpoint{{Height: tail.Height, Hash: tail.Hash}})
	require.NoError(t, err)

	localChain := chain.NewMemory(map[uint64]blockheader.Summary{0: seed})
	peer := &fakeChannel{name: "peer", replies: [][]*blockheader.Raw{raw}}
	connector := &fakeConnector{channels: []p2p.Channel{peer}}

	sess := New(localChain, connector, cps, Config{PowLimit: easyPowLimit})

	var calls int
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	require.NoError(t, sess.Start(func(Outcome) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
	}))

	// Race a concurrent Stop against the in-flight success.
	go sess.Stop()
	go sess.Stop()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("handler never fired")
	}
	time.Sleep(50 * time.Millisecond) // let any racing completions settle

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func hashFor(h uint64) chainhash.Hash {
	var out chainhash.Hash
	out[0] = byte(h)
	out[1] = byte(h >> 8)
	out[2] = byte(h >> 16)
	out[3] = byte(h >> 24)
	return out
}
