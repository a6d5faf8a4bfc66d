package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/testground/sync-client/runtime"
)

// eventsKey is the key of the run-wide event stream, contextualized to a
// set of RunParams.
func eventsKey(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:run_events", rp.TestRun, rp.TestPlan, rp.TestCase)
}

// SignalEvent publishes a run event on the run's event stream, where the
// scheduler and observers can consume it.
func (c *Client) SignalEvent(ctx context.Context, event *runtime.Event) (seq uint64, err error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return 0, ErrNoRunParameters
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	return c.publishKey(ctx, eventsKey(rp), data)
}

// SubscribeEvents subscribes to the run's event stream, sending every event
// from the beginning of the run to ch. When delivery stops, ch is closed and
// the cause is available on Subscription.Done().
func (c *Client) SubscribeEvents(ctx context.Context, ch chan *runtime.Event) (*Subscription, error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return nil, ErrNoRunParameters
	}

	subCtx, cancel := context.WithCancel(ctx)
	inner, err := c.d.subscribe(subCtx, eventsKey(rp), 1)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		key:    inner.key,
		doneCh: make(chan error, 1),
		cancel: cancel,
	}

	go func() {
		var cause error

		for ev := range inner.outCh {
			event := new(runtime.Event)
			if err := json.Unmarshal(ev.Payload, event); err != nil {
				c.log.Warnw("failed to decode run event", "seq", ev.Seq, "error", err)
				cause = err
				cancel()
				break
			}

			select {
			case ch <- event:
			case <-subCtx.Done():
				cause = subCtx.Err()
				cancel()
			}
			if cause != nil {
				break
			}
		}

		s.settle(inner, cause, func() { close(ch) })
	}()

	return s, nil
}
