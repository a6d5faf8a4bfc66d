package sync

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/rs/xid"

	"github.com/testground/sync-client/logging"
	"github.com/testground/sync-client/runtime"
	"github.com/testground/sync-client/service"
)

// randomRunEnv generates a random RunEnv for testing purposes, bound to the
// supplied sync service address.
func randomRunEnv(tb testing.TB, instances int, addr string) *runtime.RunEnv {
	tb.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		tb.Fatalf("invalid sync service address %q: %s", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		tb.Fatalf("invalid sync service port %q: %s", portStr, err)
	}

	_, subnet, _ := net.ParseCIDR("16.0.0.1/16")

	return runtime.NewRunEnv(runtime.RunParams{
		TestPlan:               "testplan-" + xid.New().String(),
		TestCase:               "testcase-" + xid.New().String(),
		TestRun:                "testrun-" + xid.New().String(),
		TestSidecar:            false,
		TestSubnet:             &runtime.IPNet{IPNet: *subnet},
		TestInstanceCount:      instances,
		TestGroupID:            "single",
		TestGroupInstanceCount: instances,
		TestInstanceParams:     make(map[string]string),
		Hostname:               "instance-" + xid.New().String(),
		SyncServiceHost:        host,
		SyncServicePort:        port,
	})
}

// ensureServer starts an in-process sync service on an ephemeral port.
func ensureServer(tb testing.TB) (srv *service.Server, close func()) {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	svc := service.New(ctx, logging.S())
	srv, err := service.NewServer(svc, "127.0.0.1:0")
	if err != nil {
		cancel()
		tb.Fatalf("failed to start sync service: %s", err)
	}
	go func() { _ = srv.Serve() }()

	return srv, func() {
		_ = srv.Close()
		svc.Close()
		cancel()
	}
}

// unboundClient creates a client connected to the runenv's sync service,
// skipping the bootstrap handshake so tests control every signal.
func unboundClient(tb testing.TB, ctx context.Context, runenv *runtime.RunEnv) *Client {
	tb.Helper()

	client, err := newClient(ctx, runenv.SLogger(), runenv.SyncServiceAddress(), func(ctx context.Context) *runtime.RunParams {
		return &runenv.RunParams
	})
	if err != nil {
		tb.Fatalf("failed to create client: %s", err)
	}
	return client
}
