package sync

import (
	"context"
	"strconv"
	gosync "sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/testground/sync-client/service"
)

// pendingCall is a request awaiting its response. respCh has capacity 1 and
// is written to at most once by the dispatcher; it is closed without a value
// when the connection goes away.
type pendingCall struct {
	id     string
	respCh chan *service.Response
}

// subscription is the dispatcher-side state of one topic subscription. The
// dispatcher feeds inCh; the forward goroutine buffers the backlog and feeds
// outCh, so a consumer that stops draining stalls only its own cursor, never
// the routing of unrelated operations. Consumers read outCh until it is
// closed, then read err for the cause.
type subscription struct {
	ctx   context.Context
	key   string
	reqID string

	// next is the lowest sequence number this cursor still wants. Events
	// below it are skipped, which is what makes resumption work.
	next uint64

	inCh  chan *service.TopicEvent
	outCh chan *service.TopicEvent
	err   error
}

// forward shuttles events from inCh to outCh through an unbounded backlog.
// It always accepts from inCh, so the dispatcher never blocks on this
// cursor; order and exactly-once delivery are preserved. Once the
// dispatcher closes inCh, the backlog is flushed and outCh is closed.
func (sub *subscription) forward() {
	var backlog []*service.TopicEvent

	in := sub.inCh
	for in != nil || len(backlog) > 0 {
		var out chan *service.TopicEvent
		var head *service.TopicEvent
		if len(backlog) > 0 {
			out = sub.outCh
			head = backlog[0]
		}

		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			backlog = append(backlog, ev)
		case out <- head:
			backlog = backlog[1:]
		}
	}

	close(sub.outCh)
}

// dispatcher owns the pending-call table and the subscription routing table.
// Both are confined to the run goroutine; every mutation travels through a
// channel, so no locks guard them.
type dispatcher struct {
	tr  *transport
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	nextID uint64 // atomic; correlation ids are never reused

	callCh       chan *pendingCall
	cancelCallCh chan string
	subCh        chan *subscription
	unsubCh      chan *subscription

	// closedCh unblocks everything still parked on the dispatcher once the
	// connection is gone.
	closedCh chan struct{}

	calls map[string]*pendingCall
	subs  map[string][]*subscription
}

func newDispatcher(ctx context.Context, tr *transport, log *zap.SugaredLogger) *dispatcher {
	ctx, cancel := context.WithCancel(ctx)
	d := &dispatcher{
		tr:           tr,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		callCh:       make(chan *pendingCall),
		cancelCallCh: make(chan string),
		subCh:        make(chan *subscription),
		unsubCh:      make(chan *subscription),
		closedCh:     make(chan struct{}),
		calls:        map[string]*pendingCall{},
		subs:         map[string][]*subscription{},
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *dispatcher) assignID() string {
	return strconv.FormatUint(atomic.AddUint64(&d.nextID, 1), 10)
}

// call performs a request/response exchange. It registers a response slot,
// writes the frame, and parks the caller until the response arrives, the
// caller's context fires, or the connection closes.
func (d *dispatcher) call(ctx context.Context, req *service.Request) (*service.Response, error) {
	if req.ID == "" {
		req.ID = d.assignID()
	}

	pc := &pendingCall{id: req.ID, respCh: make(chan *service.Response, 1)}

	select {
	case d.callCh <- pc:
	case <-d.closedCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := d.tr.writeFrame(req); err != nil {
		d.dropCall(pc.id)
		return nil, err
	}

	select {
	case resp, ok := <-pc.respCh:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return resp, nil
	case <-ctx.Done():
		d.dropCall(pc.id)
		return nil, ctx.Err()
	}
}

func (d *dispatcher) dropCall(id string) {
	select {
	case d.cancelCallCh <- id:
	case <-d.closedCh:
	}
}

// subscribe opens a cursor over key, delivering events with seq >= from on
// the returned subscription's outCh. The routing entry is installed before
// the subscribe request goes out, so replayed events racing the response
// cannot be missed. Cancelling ctx removes the cursor locally and sends a
// best-effort cancel to the service.
func (d *dispatcher) subscribe(ctx context.Context, key string, from uint64) (*subscription, error) {
	sub := &subscription{
		ctx:   ctx,
		key:   key,
		reqID: d.assignID(),
		next:  from,
		inCh:  make(chan *service.TopicEvent, 1),
		outCh: make(chan *service.TopicEvent, 32),
	}
	go sub.forward()

	select {
	case d.subCh <- sub:
	case <-d.closedCh:
		close(sub.inCh)
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		close(sub.inCh)
		return nil, ctx.Err()
	}

	req := &service.Request{
		ID:               sub.reqID,
		SubscribeRequest: &service.SubscribeRequest{Topic: key},
	}
	resp, err := d.call(ctx, req)
	if err != nil {
		d.discardSub(sub)
		return nil, err
	}
	if resp.Error != "" {
		d.discardSub(sub)
		return nil, &RemoteError{Message: resp.Error}
	}

	d.wg.Add(1)
	go d.monitor(sub)

	return sub, nil
}

// monitor waits for the subscription's context to fire, then removes the
// routing entry and tells the service to stop pushing. The cancel frame is
// best-effort: the local removal alone guarantees no further delivery.
func (d *dispatcher) monitor(sub *subscription) {
	defer d.wg.Done()

	select {
	case <-sub.ctx.Done():
		d.dropSub(sub)
		_ = d.tr.writeFrame(&service.Request{ID: sub.reqID, IsCancel: true})
	case <-d.closedCh:
	}
}

func (d *dispatcher) dropSub(sub *subscription) {
	select {
	case d.unsubCh <- sub:
	case <-d.closedCh:
	}
}

// discardSub removes a subscription that never made it into the caller's
// hands, draining anything already buffered so its forwarder can exit.
func (d *dispatcher) discardSub(sub *subscription) {
	d.dropSub(sub)
	go func() {
		for range sub.outCh {
		}
	}()
}

func (d *dispatcher) run() {
	defer d.wg.Done()

	frames := d.tr.frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				d.fail()
				return
			}
			d.route(frame)

		case pc := <-d.callCh:
			d.calls[pc.id] = pc

		case id := <-d.cancelCallCh:
			delete(d.calls, id)

		case sub := <-d.subCh:
			d.subs[sub.key] = append(d.subs[sub.key], sub)

		case sub := <-d.unsubCh:
			d.removeSub(sub, sub.ctx.Err())

		case <-d.ctx.Done():
			d.fail()
			return
		}
	}
}

// route interprets one inbound frame. Malformed and unknown frames are
// dropped with a warning; they never affect in-flight requests.
func (d *dispatcher) route(frame []byte) {
	resp, ev, err := decodeFrame(frame)
	switch {
	case err != nil:
		d.log.Warnw("dropping uninterpretable frame", "error", &ProtocolError{Err: err}, "frame", string(frame))

	case resp != nil:
		pc, ok := d.calls[resp.ID]
		if !ok {
			d.log.Warnw("dropping response with unknown id", "id", resp.ID)
			return
		}
		delete(d.calls, resp.ID)
		pc.respCh <- resp

	case ev != nil:
		d.deliver(ev)
	}
}

// deliver fans a topic event out to every live cursor on its topic. Each
// cursor skips events below its own start and advances independently;
// delivery is in seq order because frames arrive in order and are routed by
// this single goroutine. The handoff is to the cursor's forwarder, which is
// always ready, so a stalled consumer cannot hold up routing for anyone
// else.
func (d *dispatcher) deliver(ev *service.TopicEvent) {
	var dead []*subscription

	for _, sub := range d.subs[ev.Topic] {
		if ev.Seq < sub.next {
			continue
		}

		select {
		case sub.inCh <- ev:
			sub.next = ev.Seq + 1
		case <-sub.ctx.Done():
			dead = append(dead, sub)
		case <-d.ctx.Done():
			return
		}
	}

	for _, sub := range dead {
		d.removeSub(sub, sub.ctx.Err())
	}
}

// removeSub deregisters a subscription and closes its channel with the
// supplied cause. Safe to call for a subscription already removed.
func (d *dispatcher) removeSub(sub *subscription, err error) {
	subs := d.subs[sub.key]
	for i, s := range subs {
		if s != sub {
			continue
		}
		d.subs[sub.key] = append(subs[:i], subs[i+1:]...)
		if len(d.subs[sub.key]) == 0 {
			delete(d.subs, sub.key)
		}
		sub.err = err
		close(sub.inCh)
		return
	}
}

// fail is the terminal path: every pending call and every subscription
// learns that the connection is gone, and anything parked on the dispatcher
// is released via closedCh.
func (d *dispatcher) fail() {
	for id, pc := range d.calls {
		delete(d.calls, id)
		close(pc.respCh)
	}
	for key, subs := range d.subs {
		for _, sub := range subs {
			sub.err = ErrConnectionClosed
			close(sub.inCh)
		}
		delete(d.subs, key)
	}

	close(d.closedCh)

	// Drain any frames still arriving so the transport read loop can exit.
	go func() {
		for range d.tr.frames() {
		}
	}()
}

// wait blocks until the dispatcher and its monitors have wound down. The
// transport must already be closing, or the run loop will not exit.
func (d *dispatcher) wait() {
	d.cancel()
	d.wg.Wait()
}
