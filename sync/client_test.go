package sync

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testground/sync-client/logging"
	"github.com/testground/sync-client/runtime"
)

func TestBoundClientBootstrap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client, err := NewBoundClient(ctx, runenv)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if client.GlobalSeq() != 1 {
		t.Fatalf("expected global seq 1; got %d", client.GlobalSeq())
	}
	if client.GroupSeq() != 1 {
		t.Fatalf("expected group seq 1; got %d", client.GroupSeq())
	}
}

func TestBoundClientBootstrapMultipleInstances(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	// Both instances share the same run, so they bootstrap against each
	// other: neither returns until both have signalled network readiness.
	runenv := randomRunEnv(t, 2, srv.Addr())

	var clients [2]*Client
	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		i := i
		grp.Go(func() error {
			c, err := NewBoundClient(gctx, runenv)
			if err != nil {
				return err
			}
			clients[i] = c
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
	defer clients[0].Close()
	defer clients[1].Close()

	seqs := map[uint64]bool{clients[0].GlobalSeq(): true, clients[1].GlobalSeq(): true}
	if !seqs[1] || !seqs[2] {
		t.Fatalf("expected global seqs {1, 2}; got %d and %d", clients[0].GlobalSeq(), clients[1].GlobalSeq())
	}
}

func TestBoundClientNetworkReadinessHook(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	var hookRan bool
	client, err := NewBoundClient(ctx, runenv, WithNetworkReadiness(func(ctx context.Context, client *Client) error {
		hookRan = true
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if !hookRan {
		t.Fatal("expected network readiness hook to run during bootstrap")
	}
}

func TestGenericClientRequiresRunParams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client, err := NewGenericClient(ctx, logging.S(), srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	state := State("orbit")

	if _, err := client.SignalEntry(ctx, state); !errors.Is(err, ErrNoRunParameters) {
		t.Fatalf("expected ErrNoRunParameters on unbound context; got: %v", err)
	}

	bound := WithRunParams(ctx, &runenv.RunParams)
	if seq, err := client.SignalEntry(bound, state); err != nil {
		t.Fatal(err)
	} else if seq != 1 {
		t.Fatalf("expected seq 1; got %d", seq)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Grab an ephemeral port and release it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	_, err = NewGenericClient(ctx, logging.S(), addr)
	if err == nil {
		t.Fatal("expected a dial error")
	}

	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a *ConnectionError; got: %v", err)
	}
}

func TestConnectionClosedFansOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	topic := NewTopic("points", point{})

	ch := make(chan point, 1)
	sub, err := client.Subscribe(ctx, topic, ch)
	if err != nil {
		t.Fatal(err)
	}

	b, err := client.Barrier(ctx, State("unreached"), 5)
	if err != nil {
		t.Fatal(err)
	}

	// Kill the service: the connection drop is terminal, and everything
	// outstanding must learn about it.
	closeFn()

	if err := <-sub.Done(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed on subscription; got: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscription channel to be closed")
	}
	if err := <-b.C; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed on barrier; got: %v", err)
	}

	if _, err := client.Publish(ctx, topic, point{X: 1}); !errors.Is(err, ErrConnectionClosed) {
		// A write that races the close may surface as a transport error
		// instead; both mark the same terminal condition.
		var cerr *ConnectionError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected a terminal connection error; got: %v", err)
		}
	}
}

func TestRunEventsRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	if _, err := client.SignalEvent(ctx, runtime.NewMessageEvent("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := client.SignalEvent(ctx, runtime.NewSuccessEvent(runenv.TestGroupID)); err != nil {
		t.Fatal(err)
	}

	ch := make(chan *runtime.Event, 2)
	if _, err := client.SubscribeEvents(ctx, ch); err != nil {
		t.Fatal(err)
	}

	ev := <-ch
	if ev.MessageEvent == nil || ev.MessageEvent.Message != "hello" {
		t.Fatalf("expected message event; got %s", ev.Type())
	}

	ev = <-ch
	if ev.SuccessEvent == nil || ev.SuccessEvent.Group != runenv.TestGroupID {
		t.Fatalf("expected success event; got %s", ev.Type())
	}
}
