// Package clocksync aligns the coprocessor's free-running timer with the host's cycle
// counter.
//
// The host stamps its counter and asks the coprocessor for a stamp of its own. The
// round trip delta is measured until it's stable, and the offset is taken at the
// midpoint of the last round: host - offset == coprocessor at the moment the
// coprocessor stamped.
package clocksync

import (
	"context"
	"fmt"
	"runtime"
)

// Config tunes the convergence loop. The defaults were found empirically.
type Config struct {

	// Jitter is the initial tolerance, in host cycles, between consecutive round
	// trip deltas. The default is 16.
	Jitter uint32

	// Step relaxes Jitter after Rounds rounds without convergence. The default is 16.
	Step uint32

	// Matches is the number of consecutive matching rounds needed to converge.
	// The default is 5.
	Matches int

	// Rounds is the number of rounds tried at each jitter tolerance. The default is 20.
	Rounds int
}

// Link carries one side of the exchange.
type Link interface {

	// Start stamps the host counter and asks the coprocessor for a stamp.
	Start(host uint32)

	// Reply returns the coprocessor's stamp once it has answered.
	Reply() (dsp uint32, ok bool)

	// Finish publishes the offset and ends the exchange.
	Finish(offset uint32)
}

// Result describes a completed synchronization.
type Result struct {
	Offset uint32 // host - Offset == coprocessor
	Rounds int
	Jitter uint32 // tolerance at convergence
	Delta  uint32 // last round trip in host cycles
}

func (cfg Config) withDefaults() Config {
	if cfg.Jitter == 0 {
		cfg.Jitter = 16
	}

	if cfg.Step == 0 {
		cfg.Step = 16
	}

	if cfg.Matches == 0 {
		cfg.Matches = 5
	}

	if cfg.Rounds == 0 {
		cfg.Rounds = 20
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.Matches < 1 || cfg.Rounds < 1 {
		return fmt.Errorf("clocksync: bad config: %d matches, %d rounds", cfg.Matches, cfg.Rounds)
	}

	return nil
}

// Sync runs rounds over l until the round trip converges. There is no timeout: the
// coprocessor is trusted to answer. Cancel ctx to give up. The caller should have
// interrupts disabled.
func Sync(ctx context.Context, l Link, now func() uint32, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}

	var (
		jitter  = cfg.Jitter
		matches int
		rounds  int
		total   int
		prev    uint32
	)

	for {
		t0 := now()
		l.Start(t0)

		var dsp uint32
		for {
			d, ok := l.Reply()
			if ok {
				dsp = d
				break
			}

			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("clocksync: %w", err)
			}

			runtime.Gosched()
		}

		delta := now() - t0
		total++

		if total > 1 && absDiff(delta, prev) <= jitter {
			matches++
		} else {
			matches = 0
		}

		prev = delta

		if matches >= cfg.Matches {
			off := t0 + delta/2 - dsp
			l.Finish(off)

			return Result{Offset: off, Rounds: total, Jitter: jitter, Delta: delta}, nil
		}

		if rounds++; rounds >= cfg.Rounds {
			jitter += cfg.Step
			rounds = 0
			matches = 0
		}
	}
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}

	return b - a
}
