package sync

import "context"

// MustPublish calls Publish, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustPublish(ctx context.Context, topic *Topic, payload interface{}) (seq uint64) {
	seq, err := c.Publish(ctx, topic, payload)
	if err != nil {
		panic(err)
	}
	return seq
}

// PublishAndWait composes Publish and a Barrier. It first publishes the
// provided payload to the specified topic, then waits for a barrier on the
// supplied state to reach the indicated target.
//
// If the publish fails, PublishAndWait short-circuits and returns a non-nil
// error and a zero sequence. If Publish succeeds but the Barrier fails, the
// seq number will be greater than zero.
func (c *Client) PublishAndWait(ctx context.Context, topic *Topic, payload interface{}, state State, target int) (seq uint64, err error) {
	seq, err = c.Publish(ctx, topic, payload)
	if err != nil {
		return 0, err
	}

	b, err := c.Barrier(ctx, state, target)
	if err != nil {
		return seq, err
	}

	return seq, <-b.C
}

// MustPublishAndWait calls PublishAndWait, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustPublishAndWait(ctx context.Context, topic *Topic, payload interface{}, state State, target int) (seq uint64) {
	seq, err := c.PublishAndWait(ctx, topic, payload, state, target)
	if err != nil {
		panic(err)
	}
	return seq
}

// PublishSubscribe publishes the payload on the supplied Topic, then
// subscribes to it, sending payloads to the supplied typed channel.
//
// If the publish fails, PublishSubscribe short-circuits and returns a
// non-nil error and a zero sequence. If Publish succeeds but Subscribe
// fails, the seq number will be greater than zero, but the returned
// Subscription will be nil, and the error, non-nil.
func (c *Client) PublishSubscribe(ctx context.Context, topic *Topic, payload interface{}, ch interface{}) (seq uint64, sub *Subscription, err error) {
	seq, err = c.Publish(ctx, topic, payload)
	if err != nil {
		return 0, nil, err
	}
	sub, err = c.Subscribe(ctx, topic, ch)
	if err != nil {
		return seq, nil, err
	}
	return seq, sub, nil
}

// MustPublishSubscribe calls PublishSubscribe, panicking if it errors.
//
// Suitable for shorthanding in test plans.
func (c *Client) MustPublishSubscribe(ctx context.Context, topic *Topic, payload interface{}, ch interface{}) (seq uint64, sub *Subscription) {
	seq, sub, err := c.PublishSubscribe(ctx, topic, payload, ch)
	if err != nil {
		panic(err)
	}
	return seq, sub
}
