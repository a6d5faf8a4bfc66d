package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/testground/sync-client/service"
)

// SubscribeOption configures a Subscribe call.
type SubscribeOption func(o *subscribeOpts)

type subscribeOpts struct {
	from uint64
}

// SubscribeFrom resumes the subscription cursor at the supplied sequence
// number instead of the beginning of the topic. Events with a lower seq are
// skipped; everything at or above it is delivered.
func SubscribeFrom(seq uint64) SubscribeOption {
	return func(o *subscribeOpts) {
		o.from = seq
	}
}

// Publish publishes an item on the supplied topic, returning the sequence
// number the service assigned to it. The assigned seq is the item's position
// in the topic: the first publish gets 1.
func (c *Client) Publish(ctx context.Context, topic *Topic, payload interface{}) (seq uint64, err error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return 0, ErrNoRunParameters
	}

	if !topic.validatePayload(payload) {
		return 0, fmt.Errorf("payload type does not match topic type; expected: %s, was: %T", topic.Type, payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	return c.publishKey(ctx, topic.Key(rp), data)
}

// publishKey publishes a raw payload on an already-contextualized key.
func (c *Client) publishKey(ctx context.Context, key string, payload json.RawMessage) (uint64, error) {
	resp, err := c.d.call(ctx, &service.Request{
		PublishRequest: &service.PublishRequest{Topic: key, Payload: payload},
	})
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, &RemoteError{Message: resp.Error}
	}

	var seq uint64
	if err := json.Unmarshal(resp.Result, &seq); err != nil {
		return 0, &ProtocolError{Err: fmt.Errorf("publish result is not a sequence number: %w", err)}
	}

	c.log.Debugw("published item", "key", key, "seq", seq)
	return seq, nil
}

// Subscribe subscribes to a topic, consuming ordered, typed elements from
// it and sending them to channel ch. The refinement of ch must match the
// topic type, or the call fails; as a special case, a chan *service.TopicEvent
// receives the raw (seq, payload) stream undecoded.
//
// Every subscriber receives the full history of the topic from the beginning
// (or from the SubscribeFrom cursor), followed by live items, each exactly
// once and in sequence order. When delivery stops for any reason, ch is
// closed and the cause is sent on Subscription.Done().
func (c *Client) Subscribe(ctx context.Context, topic *Topic, ch interface{}, opts ...SubscribeOption) (*Subscription, error) {
	rp := c.extractor(ctx)
	if rp == nil {
		return nil, ErrNoRunParameters
	}

	chV := reflect.ValueOf(ch)
	if k := chV.Kind(); k != reflect.Chan {
		return nil, fmt.Errorf("value is not a channel: %T", ch)
	}
	if dir := chV.Type().ChanDir(); dir != reflect.BothDir && dir != reflect.SendDir {
		return nil, fmt.Errorf("channel is not writable: %T", ch)
	}

	elem := chV.Type().Elem()
	raw := elem == reflect.TypeOf(&service.TopicEvent{})
	if !raw {
		ttyp := topic.Type
		if ttyp.Kind() == reflect.Ptr {
			ttyp = ttyp.Elem()
		}
		etyp := elem
		if etyp.Kind() == reflect.Ptr {
			etyp = etyp.Elem()
		}
		if ttyp != etyp {
			return nil, fmt.Errorf("channel element type does not match topic type; expected: %s, was: %s", topic.Type, elem)
		}
	}

	o := subscribeOpts{from: 1}
	for _, opt := range opts {
		opt(&o)
	}

	subCtx, cancel := context.WithCancel(ctx)
	inner, err := c.d.subscribe(subCtx, topic.Key(rp), o.from)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Subscription{
		topic:  topic,
		key:    inner.key,
		doneCh: make(chan error, 1),
		cancel: cancel,
	}

	go c.pump(subCtx, s, inner, chV, elem, raw)

	return s, nil
}

// MustSubscribe calls Subscribe, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustSubscribe(ctx context.Context, topic *Topic, ch interface{}, opts ...SubscribeOption) *Subscription {
	sub, err := c.Subscribe(ctx, topic, ch, opts...)
	if err != nil {
		panic(err)
	}
	return sub
}

// pump moves events from the dispatcher cursor into the consumer's typed
// channel, decoding payloads along the way. It closes the consumer channel
// on end of stream and reports the cause on doneCh.
func (c *Client) pump(ctx context.Context, s *Subscription, inner *subscription, chV reflect.Value, elem reflect.Type, raw bool) {
	var cause error

	for ev := range inner.outCh {
		var v reflect.Value
		if raw {
			v = reflect.ValueOf(ev)
		} else {
			val, err := s.topic.decodePayload(ev.Payload)
			if err != nil {
				c.log.Warnw("failed to decode item on subscription", "key", s.key, "seq", ev.Seq, "error", err)
				cause = err
				s.cancel()
				break
			}
			if elem.Kind() == reflect.Ptr {
				v = val
			} else {
				v = val.Elem()
			}
		}

		cases := []reflect.SelectCase{
			{Dir: reflect.SelectSend, Chan: chV, Send: v},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		}
		if chosen, _, _ := reflect.Select(cases); chosen == 1 {
			cause = ctx.Err()
			s.cancel()
			break
		}
	}

	s.settle(inner, cause, chV.Close)
}

// settle finishes a subscription whose delivery has stopped: it drains the
// cursor so the dispatcher can complete the teardown, resolves the terminal
// cause (falling back through the cursor's own cause to
// ErrConnectionClosed), closes the consumer channel, and reports the cause
// on doneCh.
func (s *Subscription) settle(inner *subscription, cause error, closeConsumer func()) {
	for range inner.outCh {
	}
	if cause == nil {
		cause = inner.err
	}
	if cause == nil {
		cause = ErrConnectionClosed
	}

	closeConsumer()
	s.doneCh <- cause
}
