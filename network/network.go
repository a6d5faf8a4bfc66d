// Package network carries the network configuration instances hand to the
// sidecar: traffic shaping rules for the data plane, and the helpers to wait
// for the network to come up before a test case starts exchanging traffic.
// Applying the configuration at the OS level is the sidecar's job; this
// package only publishes the desired state and synchronizes on the outcome.
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/testground/sync-client/runtime"
	"github.com/testground/sync-client/sync"
)

// ErrNoTrafficShaping is returned from functions in this package when
// traffic shaping is not available, such as when running without a sidecar.
var ErrNoTrafficShaping = fmt.Errorf("no traffic shaping available with this runner")

const (
	// Magic values monitored on the runner side to detect when test plan
	// instances are initialised and at the stage of actually running a test.
	NetworkInitialisationSuccessful = "network initialisation successful"
	NetworkInitialisationFailed     = "network initialisation failed"
)

// DefaultDataNetwork is the name of the data network instances exchange test
// traffic on.
const DefaultDataNetwork = "default"

type FilterAction int

const (
	Accept FilterAction = iota
	Reject
	Drop
)

// RoutingPolicyType defines a certain routing policy to a network.
type RoutingPolicyType string

const (
	AllowAll = RoutingPolicyType("allow_all")
	DenyAll  = RoutingPolicyType("deny_all")
)

// LinkShape defines how egress traffic should be shaped.
type LinkShape struct {
	// Latency is the egress latency.
	Latency time.Duration `json:"latency"`

	// Jitter is the egress jitter.
	Jitter time.Duration `json:"jitter"`

	// Bandwidth is egress bytes per second.
	Bandwidth uint64 `json:"bandwidth"`

	// Filter applies to all inbound traffic.
	Filter FilterAction `json:"filter"`

	// Loss is the egress packet loss (%).
	Loss float32 `json:"loss"`

	// Corrupt is the egress packet corruption probability (%).
	Corrupt float32 `json:"corrupt"`

	// CorruptCorr is the egress packet corruption correlation (%).
	CorruptCorr float32 `json:"corrupt_corr"`

	// Reorder is the probability that an egress packet will be reordered (%).
	//
	// Reordered packets skip the latency delay and are sent immediately, so
	// a non-zero Latency is required for this option to make sense.
	Reorder float32 `json:"reorder"`

	// ReorderCorr is the egress packet reordering correlation (%).
	ReorderCorr float32 `json:"reorder_corr"`

	// Duplicate is the percentage of packets that are duplicated (%).
	Duplicate float32 `json:"duplicate"`

	// DuplicateCorr is the correlation between egress packet duplication (%).
	DuplicateCorr float32 `json:"duplicate_corr"`
}

// LinkRule applies a LinkShape to a subnet.
type LinkRule struct {
	LinkShape
	Subnet runtime.IPNet `json:"subnet"`
}

// Config specifies how an instance's network should be configured.
type Config struct {
	// Network is the name of the network to configure.
	Network string `json:"network"`

	// IPv4 sets the IP address of this network device. If unspecified, the
	// sidecar leaves it alone.
	IPv4 *runtime.IPNet `json:"ipv4,omitempty"`

	// Enable enables this network device.
	Enable bool `json:"enable"`

	// Default is the default link shaping rule.
	Default LinkShape `json:"default"`

	// Rules defines how traffic should be shaped to different subnets.
	Rules []LinkRule `json:"rules,omitempty"`

	// CallbackState is signalled by the sidecar when the link changes have
	// been applied. Instances use the same state to wait for all, or a
	// subset of, instances to enter the desired network state. See
	// CallbackTarget.
	CallbackState sync.State `json:"callback_state"`

	// CallbackTarget is the number of instances that need to have signalled
	// on CallbackState to consider the configuration operation a success.
	//
	// A zero value falls back to runenv.TestInstanceCount, i.e. all
	// instances participating in the test run.
	CallbackTarget int `json:"-"`

	// RoutingPolicy defines the data routing policy of this instance,
	// affecting access to networks other than the data network, e.g.
	// external Internet access.
	RoutingPolicy RoutingPolicyType `json:"routing_policy"`
}

// WaitNetworkInitialized waits for the sidecar to initialize this instance's
// network, if the sidecar is enabled. It records the run-level messages the
// runner watches for.
func WaitNetworkInitialized(ctx context.Context, runenv *runtime.RunEnv, client *sync.Client) error {
	if runenv.TestSidecar {
		b, err := client.Barrier(ctx, sync.StateNetworkInitialized, runenv.TestInstanceCount)
		if err == nil {
			err = <-b.C
		}
		if err != nil {
			runenv.RecordMessage(NetworkInitialisationFailed)
			return fmt.Errorf("failed to initialize network: %w", err)
		}
	}
	runenv.RecordMessage(NetworkInitialisationSuccessful)
	return nil
}

// ConfigureNetwork asks the sidecar to configure this instance's network
// according to config, then waits until config.CallbackTarget instances
// (defaulting to all instances in the run) have their configuration applied.
func ConfigureNetwork(ctx context.Context, runenv *runtime.RunEnv, client *sync.Client, config *Config) error {
	if !runenv.TestSidecar {
		return ErrNoTrafficShaping
	}

	hostname := runenv.Hostname
	if hostname == "" {
		return fmt.Errorf("cannot configure network: instance hostname unknown")
	}

	if config.CallbackState == "" {
		return fmt.Errorf("failed to configure network: no callback state provided")
	}

	target := config.CallbackTarget
	if target == 0 {
		target = runenv.TestInstanceCount
	}

	topic := sync.NewTopic("network:"+hostname, &Config{})
	if _, err := client.Publish(ctx, topic, config); err != nil {
		return fmt.Errorf("failed to publish network config: %w", err)
	}

	b, err := client.Barrier(ctx, config.CallbackState, target)
	if err != nil {
		return fmt.Errorf("failed to configure network: %w", err)
	}
	if err := <-b.C; err != nil {
		return fmt.Errorf("failed to configure network: %w", err)
	}

	runenv.RecordMessage("network configuration applied: %s", config.Network)
	return nil
}
