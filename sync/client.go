package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/testground/sync-client/runtime"
)

// States every instance participates in during bootstrap.
const (
	// StateInitializedGlobal is the state every instance signals on startup
	// to claim its global sequence number.
	StateInitializedGlobal = State("initialized_global")

	// StateNetworkInitialized is the state instances signal and wait on once
	// their network is ready.
	StateNetworkInitialized = State("network-initialized")
)

// stateInitializedGroup returns the state a group's instances signal to
// claim their group sequence number.
func stateInitializedGroup(groupID string) State {
	return State("initialized_group_" + groupID)
}

// Client is a client for the sync service. It maintains a single multiplexed
// connection over which all publishes, subscriptions, signals and barriers
// travel.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	log       *zap.SugaredLogger
	extractor func(ctx context.Context) (rp *runtime.RunParams)

	tr *transport
	d  *dispatcher

	networkHook func(ctx context.Context, client *Client) error

	globalSeq uint64
	groupSeq  uint64
}

// Option configures a Client.
type Option func(c *Client)

// WithNetworkReadiness installs a hook that runs during bootstrap, after the
// instance has claimed its sequence numbers and before it signals
// StateNetworkInitialized. Use it to apply network configuration that the
// rest of the run depends on.
func WithNetworkReadiness(hook func(ctx context.Context, client *Client) error) Option {
	return func(c *Client) {
		c.networkHook = hook
	}
}

// NewBoundClient dials the sync service designated by the RunEnv, performs
// the bootstrap handshake, and returns a Client bound to that run. All
// operations are automatically scoped to the run's keyspace.
//
// The context passed in here governs the lifecycle of the client. Cancelling
// it will cancel all ongoing operations. However, for a clean closure, the
// user should call Close().
//
// For test plans, a suitable context to pass here is the background context.
func NewBoundClient(ctx context.Context, runenv *runtime.RunEnv, opts ...Option) (*Client, error) {
	c, err := newClient(ctx, runenv.SLogger(), runenv.SyncServiceAddress(), func(ctx context.Context) *runtime.RunParams {
		return &runenv.RunParams
	}, opts...)
	if err != nil {
		return nil, err
	}

	if err := c.bootstrap(ctx, &runenv.RunParams); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bootstrap failed: %w", err)
	}

	return c, nil
}

// MustBoundClient creates a new bound client by calling NewBoundClient, and
// panicking if it errors.
func MustBoundClient(ctx context.Context, runenv *runtime.RunEnv, opts ...Option) *Client {
	c, err := NewBoundClient(ctx, runenv, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewGenericClient returns a Client bound to no run. It performs no
// bootstrap, and all operations expect to find RunParams in the supplied
// context; call WithRunParams to bind them. It is intended for services that
// operate across runs, like the sidecar.
func NewGenericClient(ctx context.Context, log *zap.SugaredLogger, addr string) (*Client, error) {
	return newClient(ctx, log, addr, GetRunParams)
}

// MustGenericClient creates a new generic client by calling
// NewGenericClient, and panicking if it errors.
func MustGenericClient(ctx context.Context, log *zap.SugaredLogger, addr string) *Client {
	c, err := NewGenericClient(ctx, log, addr)
	if err != nil {
		panic(err)
	}
	return c
}

func newClient(ctx context.Context, log *zap.SugaredLogger, addr string, extractor func(ctx context.Context) *runtime.RunParams, opts ...Option) (*Client, error) {
	tr, err := dialTransport(ctx, addr, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sync service: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		extractor: extractor,
		tr:        tr,
		d:         newDispatcher(ctx, tr, log),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// bootstrap claims this instance's global and group sequence numbers, runs
// the network readiness hook if one is installed, and synchronizes with the
// other instances on StateNetworkInitialized. The steps are strictly
// ordered.
func (c *Client) bootstrap(ctx context.Context, rp *runtime.RunParams) error {
	seq, err := c.SignalEntry(ctx, StateInitializedGlobal)
	if err != nil {
		return fmt.Errorf("failed to claim global sequence number: %w", err)
	}
	c.globalSeq = seq

	seq, err = c.SignalEntry(ctx, stateInitializedGroup(rp.TestGroupID))
	if err != nil {
		return fmt.Errorf("failed to claim group sequence number: %w", err)
	}
	c.groupSeq = seq

	c.log.Debugw("claimed sequence numbers", "global_seq", c.globalSeq, "group_seq", c.groupSeq)

	if _, err := c.SignalEvent(ctx, runtime.NewStageStartEvent(string(StateNetworkInitialized), rp.TestGroupID)); err != nil {
		return err
	}

	if c.networkHook != nil {
		if err := c.networkHook(ctx, c); err != nil {
			return fmt.Errorf("network readiness hook failed: %w", err)
		}
	}

	if _, err := c.SignalAndWait(ctx, StateNetworkInitialized, rp.TestInstanceCount); err != nil {
		return fmt.Errorf("failed to synchronize on %s: %w", StateNetworkInitialized, err)
	}

	if _, err := c.SignalEvent(ctx, runtime.NewStageEndEvent(string(StateNetworkInitialized), rp.TestGroupID)); err != nil {
		return err
	}

	return nil
}

// GlobalSeq returns the sequence number this instance claimed among all
// instances of the run. It is only meaningful on a bound client.
func (c *Client) GlobalSeq() uint64 {
	return c.globalSeq
}

// GroupSeq returns the sequence number this instance claimed within its
// group. It is only meaningful on a bound client.
func (c *Client) GroupSeq() uint64 {
	return c.groupSeq
}

// Close closes this client, cancels ongoing operations, and releases
// resources. Pending calls fail with ErrConnectionClosed and all
// subscription channels are closed.
func (c *Client) Close() error {
	c.cancel()
	err := c.tr.close()
	c.d.wait()
	return err
}
