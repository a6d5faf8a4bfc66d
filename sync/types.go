package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/testground/sync-client/runtime"
)

// State is the name of a distributed state counter. Instances signal entry
// into a State, and set barriers that fire when the counter reaches a
// target.
type State string

// Key gets the state's topic key, contextualized to a set of RunParams.
func (s State) Key(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:states:%s", rp.TestRun, rp.TestPlan, rp.TestCase, string(s))
}

// Topic is a named typed channel for payload exchange between instances.
type Topic struct {
	Name string
	Type reflect.Type
}

// NewTopic constructs a Topic with the type of the supplied prototype value.
func NewTopic(name string, prototype interface{}) *Topic {
	return &Topic{Name: name, Type: reflect.TypeOf(prototype)}
}

// Key gets the topic key, contextualized to a set of RunParams.
func (t *Topic) Key(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:topics:%s", rp.TestRun, rp.TestPlan, rp.TestCase, t.Name)
}

// validatePayload checks that the payload conforms to the topic type,
// disregarding pointer indirection.
func (t *Topic) validatePayload(val interface{}) bool {
	ttyp, vtyp := t.Type, reflect.TypeOf(val)
	if ttyp.Kind() == reflect.Ptr {
		ttyp = ttyp.Elem()
	}
	if vtyp.Kind() == reflect.Ptr {
		vtyp = vtyp.Elem()
	}
	return ttyp == vtyp
}

// decodePayload deserializes an incoming payload into a new value of the
// topic type.
func (t *Topic) decodePayload(raw json.RawMessage) (reflect.Value, error) {
	typ := t.Type
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	payload := reflect.New(typ)
	if err := json.Unmarshal(raw, payload.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to decode as type %s: %s", t.Type, string(raw))
	}
	return payload, nil
}

// Barrier represents a barrier over a State. The caller should monitor the
// channel C: a nil value means the barrier reached its target; a non-nil
// value carries the reason the barrier can never be satisfied (context
// expiry, or the connection closing). C is owned by the Client and must not
// be closed by the caller.
type Barrier struct {
	C chan error

	state  State
	key    string
	target uint64
}

// Subscription represents a receive channel for data being published in a
// Topic.
type Subscription struct {
	topic *Topic
	key   string

	doneCh chan error
	cancel context.CancelFunc
}

// Done returns a channel that receives the terminal status of the
// subscription exactly once: the reason delivery stopped. The payload
// channel is closed at the same time (end of stream).
func (s *Subscription) Done() <-chan error {
	return s.doneCh
}

// Cancel stops this subscription locally. Delivery to its channel ceases,
// the channel is closed, and the routing entry is removed; other
// subscriptions to the same topic are unaffected. A best-effort cancel
// request is sent so the service stops pushing events for it.
func (s *Subscription) Cancel() {
	s.cancel()
}
