// Command headersyncd wires the header-sync session against a local chain
// store and a networking connector and runs it to completion or until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/chaincore/headersync/chain"
	"github.com/chaincore/headersync/internal/blockheader"
	"github.com/chaincore/headersync/internal/checkpoint"
	"github.com/chaincore/headersync/p2p"
	"github.com/chaincore/headersync/session"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit ... 5=trace)",
		Value: 3,
	}
	seedHeightFlag = &cli.Uint64Flag{
		Name:  "seed-height",
		Usage: "height of the locally persisted seed header to sync forward from",
	}
	stopHeightFlag = &cli.Uint64Flag{
		Name:  "stop-height",
		Usage: "height to stop syncing at",
	}
)

func main() {
	app := &cli.App{
		Name:   "headersyncd",
		Usage:  "run a Bitcoin header-sync session against a chain store and peer connector",
		Flags:  []cli.Flag{verbosityFlag, seedHeightFlag, stopHeightFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run demonstrates the wiring a production deployment must supply: a
// chain.LocalChain backed by real storage and a p2p.Connector backed by a
// real networking stack. Neither is part of this core (spec.md §1), so
// this entrypoint only seeds an in-memory chain from --seed-height and
// (optionally) --stop-height to confirm the wiring compiles and the
// handler fires; a real deployment's chain store determines these from
// persisted state instead of flags.
func run(c *cli.Context) error {
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, true))
	glogger.Verbosity(log.FromLegacyLevel(c.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))

	cps, err := checkpoint.New(nil)
	if err != nil {
		return fmt.Errorf("headersyncd: building checkpoint set: %w", err)
	}

	seedHeight := c.Uint64(seedHeightFlag.Name)
	seed := blockheader.Summary{Height: seedHeight}
	known := map[uint64]blockheader.Summary{seedHeight: seed}

	localChain := chain.NewMemory(known)
	if stopHeight := c.Uint64(stopHeightFlag.Name); stopHeight > seedHeight {
		stop := blockheader.Summary{Height: stopHeight}
		localChain.Put(stop)
		localChain.SetGap(&chain.GapRange{Before: seedHeight + 1, After: stopHeight})
		log.Info("headersyncd: syncing a known gap", "seed", seedHeight, "stop", stopHeight)
	}

	sess := session.New(localChain, noopConnector{}, cps, session.Config{})

	done := make(chan session.Outcome, 1)
	if err := sess.Start(func(o session.Outcome) { done <- o }); err != nil {
		return fmt.Errorf("headersyncd: starting session: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case o := <-done:
		if o.Err != nil {
			return fmt.Errorf("headersyncd: session ended: %w", o.Err)
		}
		log.Info("headersyncd: session complete")
	case <-sig:
		log.Info("headersyncd: interrupted, stopping session")
		sess.Stop()
		<-done
	}
	return nil
}

// noopConnector never produces a peer; it exists so this entrypoint links
// and runs without a real networking stack wired in. A production
// deployment replaces this with a connector over its own p2p layer.
type noopConnector struct{}

func (noopConnector) Connect(ctx context.Context, _ p2p.HandshakeParams) (p2p.Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
