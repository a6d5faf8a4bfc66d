package runtime

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EnvTestPlan               = "TEST_PLAN"
	EnvTestCase               = "TEST_CASE"
	EnvTestRun                = "TEST_RUN"
	EnvTestRepo               = "TEST_REPO"
	EnvTestBranch             = "TEST_BRANCH"
	EnvTestTag                = "TEST_TAG"
	EnvTestSidecar            = "TEST_SIDECAR"
	EnvTestSubnet             = "TEST_SUBNET"
	EnvTestStartTime          = "TEST_START_TIME"
	EnvTestInstanceCount      = "TEST_INSTANCE_COUNT"
	EnvTestInstanceRole       = "TEST_INSTANCE_ROLE"
	EnvTestInstanceParams     = "TEST_INSTANCE_PARAMS"
	EnvTestGroupID            = "TEST_GROUP_ID"
	EnvTestGroupInstanceCount = "TEST_GROUP_INSTANCE_COUNT"
	EnvHostname               = "HOSTNAME"
	EnvSyncServiceHost        = "SYNC_SERVICE_HOST"
	EnvSyncServicePort        = "SYNC_SERVICE_PORT"
	EnvInfluxDBURL            = "INFLUXDB_URL"

	defaultSyncServiceHost = "testground-sync-service"
	defaultSyncServicePort = 5050
)

var validate = validator.New()

// IPNet is a wrapper over net.IPNet that serializes to and from its CIDR
// representation.
type IPNet struct {
	net.IPNet
}

func (i IPNet) MarshalJSON() ([]byte, error) {
	if len(i.IP) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(i.String())
}

func (i *IPNet) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return err
	}
	i.IPNet = *ipnet
	return nil
}

// RunParams encapsulates the parameters of this test run, as supplied by the
// scheduler through the process environment.
type RunParams struct {
	TestPlan string `json:"plan" validate:"required"`
	TestCase string `json:"case" validate:"required"`
	TestRun  string `json:"run" validate:"required"`

	TestRepo   string `json:"repo,omitempty"`
	TestBranch string `json:"branch,omitempty"`
	TestTag    string `json:"tag,omitempty"`

	TestInstanceCount  int               `json:"instances" validate:"gte=1"`
	TestInstanceRole   string            `json:"role,omitempty"`
	TestInstanceParams map[string]string `json:"params,omitempty"`

	TestGroupID            string `json:"group,omitempty"`
	TestGroupInstanceCount int    `json:"group_instances,omitempty"`

	// TestSidecar is true if this run has a sidecar shaping its network.
	TestSidecar bool `json:"test_sidecar,omitempty"`

	TestSubnet    *IPNet    `json:"network,omitempty"`
	TestStartTime time.Time `json:"start_time,omitempty"`

	Hostname string `json:"hostname,omitempty"`

	SyncServiceHost string `json:"sync_service_host,omitempty"`
	SyncServicePort int    `json:"sync_service_port,omitempty"`

	InfluxDBURL string `json:"influxdb_url,omitempty"`
}

// SyncServiceAddress returns the host:port of the sync service endpoint,
// falling back to the well-known in-cluster address when unset.
func (rp *RunParams) SyncServiceAddress() string {
	host, port := rp.SyncServiceHost, rp.SyncServicePort
	if host == "" {
		host = defaultSyncServiceHost
	}
	if port == 0 {
		port = defaultSyncServicePort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CurrentRunParams parses the run parameters from this process' environment.
func CurrentRunParams() (*RunParams, error) {
	return ParseRunParams(os.Environ())
}

// ParseRunParams parses a list of environment variables into a RunParams.
func ParseRunParams(env []string) (*RunParams, error) {
	m, err := toMap(env)
	if err != nil {
		return nil, err
	}

	rp := &RunParams{
		TestPlan:               m[EnvTestPlan],
		TestCase:               m[EnvTestCase],
		TestRun:                m[EnvTestRun],
		TestRepo:               m[EnvTestRepo],
		TestBranch:             m[EnvTestBranch],
		TestTag:                m[EnvTestTag],
		TestSidecar:            toBool(m[EnvTestSidecar]),
		TestInstanceCount:      toInt(m[EnvTestInstanceCount]),
		TestInstanceRole:       m[EnvTestInstanceRole],
		TestInstanceParams:     unpackParams(m[EnvTestInstanceParams]),
		TestGroupID:            m[EnvTestGroupID],
		TestGroupInstanceCount: toInt(m[EnvTestGroupInstanceCount]),
		Hostname:               m[EnvHostname],
		SyncServiceHost:        m[EnvSyncServiceHost],
		SyncServicePort:        toInt(m[EnvSyncServicePort]),
		InfluxDBURL:            m[EnvInfluxDBURL],
	}

	if rp.TestGroupID == "" {
		rp.TestGroupID = "single"
	}
	if rp.TestGroupInstanceCount <= 0 {
		rp.TestGroupInstanceCount = rp.TestInstanceCount
	}

	if s := m[EnvTestSubnet]; s != "" {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTestSubnet, err)
		}
		rp.TestSubnet = &IPNet{IPNet: *ipnet}
	}
	if s := m[EnvTestStartTime]; s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvTestStartTime, err)
		}
		rp.TestStartTime = t
	}

	if err := validate.Struct(rp); err != nil {
		return nil, fmt.Errorf("invalid run parameters: %w", err)
	}

	return rp, nil
}

// ToEnvVars serializes the run parameters back into the environment variable
// form consumed by ParseRunParams.
func (rp *RunParams) ToEnvVars() map[string]string {
	packParams := func(in map[string]string) string {
		arr := make([]string, 0, len(in))
		for k, v := range in {
			arr = append(arr, k+"="+v)
		}
		return strings.Join(arr, "|")
	}

	out := map[string]string{
		EnvTestPlan:               rp.TestPlan,
		EnvTestCase:               rp.TestCase,
		EnvTestRun:                rp.TestRun,
		EnvTestRepo:               rp.TestRepo,
		EnvTestBranch:             rp.TestBranch,
		EnvTestTag:                rp.TestTag,
		EnvTestSidecar:            strconv.FormatBool(rp.TestSidecar),
		EnvTestInstanceCount:      strconv.Itoa(rp.TestInstanceCount),
		EnvTestInstanceRole:       rp.TestInstanceRole,
		EnvTestInstanceParams:     packParams(rp.TestInstanceParams),
		EnvTestGroupID:            rp.TestGroupID,
		EnvTestGroupInstanceCount: strconv.Itoa(rp.TestGroupInstanceCount),
		EnvHostname:               rp.Hostname,
	}

	if rp.TestSubnet != nil {
		out[EnvTestSubnet] = rp.TestSubnet.String()
	}
	if !rp.TestStartTime.IsZero() {
		out[EnvTestStartTime] = rp.TestStartTime.Format(time.RFC3339)
	}
	if rp.SyncServiceHost != "" {
		out[EnvSyncServiceHost] = rp.SyncServiceHost
	}
	if rp.SyncServicePort != 0 {
		out[EnvSyncServicePort] = strconv.Itoa(rp.SyncServicePort)
	}
	if rp.InfluxDBURL != "" {
		out[EnvInfluxDBURL] = rp.InfluxDBURL
	}

	return out
}

func toMap(env []string) (map[string]string, error) {
	m := make(map[string]string, len(env))
	for _, s := range env {
		i := strings.IndexByte(s, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid environment variable: %s", s)
		}
		m[s[:i]] = s[i+1:]
	}
	return m, nil
}

func unpackParams(packed string) map[string]string {
	split := strings.Split(packed, "|")
	params := make(map[string]string, len(split))
	for _, s := range split {
		v := strings.SplitN(s, "=", 2)
		if len(v) != 2 {
			continue
		}
		params[v[0]] = v[1]
	}
	return params
}

func toInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func toBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}
