package sync

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestBarrier(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	state := State("yoda")
	b, err := client.Barrier(ctx, state, 10)
	if err != nil {
		t.Fatal(err)
	}
	ch := b.C

	for i := 1; i <= 10; i++ {
		if curr, err := client.SignalEntry(ctx, state); err != nil {
			t.Fatal(err)
		} else if curr != uint64(i) {
			t.Fatalf("expected current count to be: %d; was: %d", i, curr)
		}
	}

	if err := <-ch; err != nil {
		t.Fatal(err)
	}
}

func TestBarrierBeyondTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	state := State("yoda")
	for i := 1; i <= 20; i++ {
		if curr, err := client.SignalEntry(ctx, state); err != nil {
			t.Fatal(err)
		} else if curr != uint64(i) {
			t.Fatalf("expected current count to be: %d; was: %d", i, curr)
		}
	}

	ch := client.MustBarrier(ctx, state, 10).C
	if err := <-ch; err != nil {
		t.Fatal(err)
	}
}

func TestBarrierZero(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	ch := client.MustBarrier(ctx, State("apollo"), 0).C
	select {
	case err := <-ch:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Error("expected immediate satisfaction on zero target")
	}
}

func TestBarrierNeverEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	state := State("hoth")
	ch := client.MustBarrier(ctx, state, 4).C

	for i := 0; i < 3; i++ {
		client.MustSignalEntry(ctx, state)
	}

	select {
	case err := <-ch:
		t.Fatalf("barrier resolved below target: %v", err)
	case <-time.After(500 * time.Millisecond):
	}

	client.MustSignalEntry(ctx, state)
	if err := <-ch; err != nil {
		t.Fatal(err)
	}
}

func TestBarrierCancel(t *testing.T) {
	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, context.Background(), runenv)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())

	state := State("yoda")
	ch := client.MustBarrier(ctx, state, 10).C
	cancel()

	select {
	case err := <-ch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context cancelled error; instead got: %s", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("expected a cancel")
	}
}

func TestBarrierDeadline(t *testing.T) {
	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, context.Background(), runenv)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	ch := client.MustBarrier(ctx, State("yoda"), 10).C

	select {
	case err := <-ch:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded error; instead got: %s", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("expected a cancel")
	}
}

func TestSignalAndWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 10, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		grp.Go(func() error {
			_, err := client.SignalAndWait(gctx, State("amber"), 10)
			return err
		})
	}

	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSignalAndWaitTimeout(t *testing.T) {
	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 10, srv.Addr())

	client := unboundClient(t, context.Background(), runenv)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)

	// launch only 9 instead of 10.
	for i := 0; i < 9; i++ {
		grp.Go(func() error {
			_, err := client.SignalAndWait(gctx, State("amber"), 10)
			return err
		})
	}

	if err := grp.Wait(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded error; got: %s", err)
	}
}

func TestClaimSequenceIsDense(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeFn := ensureServer(t)
	defer closeFn()

	runenv := randomRunEnv(t, 1, srv.Addr())

	client := unboundClient(t, ctx, runenv)
	defer client.Close()

	const n = 20
	counter := State("ranks")

	var mu gosync.Mutex
	claimed := make([]uint64, 0, n)

	grp, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		grp.Go(func() error {
			seq, err := client.ClaimSequence(gctx, counter)
			if err != nil {
				return err
			}
			mu.Lock()
			claimed = append(claimed, seq)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		t.Fatal(err)
	}

	// N concurrent claims must yield exactly the values 1..N.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i] < claimed[j] })
	for i, seq := range claimed {
		if seq != uint64(i+1) {
			t.Fatalf("claimed sequences are not dense: %v", claimed)
		}
	}
}
