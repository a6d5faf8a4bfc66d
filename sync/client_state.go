package sync

import (
	"context"
	"encoding/json"
	"fmt"
)

// stateSentinel is the payload published when signalling entry into a
// state. Only the assigned sequence number matters; the payload is inert.
var stateSentinel = json.RawMessage(`"entered"`)

// SignalEntry signals this instance's entry into a state, and returns the
// number of instances that have signalled so far, this one included. The
// returned value doubles as this instance's rank in the state: ranks are
// unique, contiguous from 1, and assigned in signalling order.
func (c *Client) SignalEntry(ctx context.Context, state State) (after uint64, err error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return 0, ErrNoRunParameters
	}

	key := state.Key(rp)
	c.log.Debugw("signalling entry to state", "key", key)

	seq, err := c.publishKey(ctx, key, stateSentinel)
	if err != nil {
		return 0, err
	}

	c.log.Debugw("new value of state", "key", key, "value", seq)
	return seq, nil
}

// MustSignalEntry calls SignalEntry, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustSignalEntry(ctx context.Context, state State) (current uint64) {
	current, err := c.SignalEntry(ctx, state)
	if err != nil {
		panic(err)
	}
	return current
}

// ClaimSequence claims the next value of a distributed counter, returning a
// value that is unique among all claimants and dense: N claims yield exactly
// the values 1..N. It is the primitive behind rank assignment.
func (c *Client) ClaimSequence(ctx context.Context, counter State) (seq uint64, err error) {
	return c.SignalEntry(ctx, counter)
}

// Barrier sets a barrier on the supplied State that fires when target
// instances (or more) have signalled entry into it.
//
// The caller should monitor the channel C returned inside the Barrier
// object. If the barrier is satisfied, the value sent will be nil. If the
// context fires, or the connection to the sync service closes, the error is
// propagated instead.
//
// The barrier observes every signal from the beginning of the state, so it
// resolves immediately if the target was already met before the call, and it
// may be set before, after, or interleaved with the signals it counts.
//
// There is no built-in timeout; compose with a context deadline to bound
// the wait. A barrier with a zero or negative target is satisfied
// immediately, and a warning is logged, as this is likely a usage error.
//
// The Barrier channel is owned by the Client, and by no means should the
// caller close it.
func (c *Client) Barrier(ctx context.Context, state State, target int) (*Barrier, error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return nil, ErrNoRunParameters
	}

	key := state.Key(rp)
	b := &Barrier{
		C:      make(chan error, 1),
		state:  state,
		key:    key,
		target: uint64(target),
	}

	if target <= 0 {
		c.log.Warnw("barrier with non-positive target; satisfying immediately", "key", key, "target", target)
		b.C <- nil
		return b, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := c.d.subscribe(subCtx, key, 1)
	if err != nil {
		cancel()
		return nil, err
	}

	go c.barrierWorker(subCtx, b, sub, cancel)

	return b, nil
}

// MustBarrier calls Barrier, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustBarrier(ctx context.Context, state State, target int) *Barrier {
	b, err := c.Barrier(ctx, state, target)
	if err != nil {
		panic(err)
	}
	return b
}

// barrierWorker watches the state's signal stream until the highest
// observed sequence number reaches the barrier target, then resolves C.
func (c *Client) barrierWorker(ctx context.Context, b *Barrier, sub *subscription, cancel context.CancelFunc) {
	defer cancel()

	for ev := range sub.outCh {
		if ev.Seq >= b.target {
			c.log.Debugw("barrier satisfied", "state", b.state, "key", b.key, "target", b.target, "seq", ev.Seq)
			b.C <- nil
			cancel()
			for range sub.outCh {
			}
			return
		}
	}

	// Stream ended before the target was reached.
	err := ctx.Err()
	if err == nil {
		err = sub.err
	}
	if err == nil {
		err = ErrConnectionClosed
	}
	c.log.Debugw("barrier failed", "state", b.state, "key", b.key, "target", b.target, "error", err)
	b.C <- err
}

// SignalAndWait composes SignalEntry and Barrier, signalling entry on the
// supplied state, and then awaiting until the target number of instances
// have done the same.
//
// The returned error will be nil if the barrier was met successfully, or
// non-nil if the context expired, or some other error occurred.
func (c *Client) SignalAndWait(ctx context.Context, state State, target int) (seq uint64, err error) {
	seq, err = c.SignalEntry(ctx, state)
	if err != nil {
		return 0, fmt.Errorf("failed while signalling entry to state %s: %w", state, err)
	}

	// The barrier replays the state from the beginning, so our own signal
	// above is counted even though it precedes the barrier.
	b, err := c.Barrier(ctx, state, target)
	if err != nil {
		return 0, fmt.Errorf("failed while setting barrier for state %s, with target %d: %w", state, target, err)
	}

	return seq, <-b.C
}

// MustSignalAndWait calls SignalAndWait, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustSignalAndWait(ctx context.Context, state State, target int) (seq uint64) {
	seq, err := c.SignalAndWait(ctx, state, target)
	if err != nil {
		panic(err)
	}
	return seq
}
