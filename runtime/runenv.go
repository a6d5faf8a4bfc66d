// Package runtime exposes the test run's environment to the instance: the
// run parameters supplied by the scheduler, typed access to per-instance
// parameters, run loggers, run events, and the metrics recorder.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	gosync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RunEnv encapsulates the context of this test run.
type RunEnv struct {
	RunParams

	logger  *zap.Logger
	slogger *zap.SugaredLogger

	metricsOnce gosync.Once
	metrics     *Metrics
}

// NewRunEnv constructs a RunEnv from the given run parameters.
func NewRunEnv(params RunParams) *RunEnv {
	re := &RunEnv{RunParams: params}
	re.initLoggers()
	return re
}

// CurrentRunEnv populates a RunEnv from this process' environment.
func CurrentRunEnv() (*RunEnv, error) {
	rp, err := CurrentRunParams()
	if err != nil {
		return nil, err
	}
	return NewRunEnv(*rp), nil
}

// ParseRunEnv parses a list of environment variables into a RunEnv.
func ParseRunEnv(env []string) (*RunEnv, error) {
	rp, err := ParseRunParams(env)
	if err != nil {
		return nil, err
	}
	return NewRunEnv(*rp), nil
}

func (re *RunEnv) initLoggers() {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		_ = level.UnmarshalText([]byte(l))
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	re.logger = logger.With(
		zap.String("plan", re.TestPlan),
		zap.String("case", re.TestCase),
		zap.String("run", re.TestRun),
		zap.String("group", re.TestGroupID),
		zap.Int("instances", re.TestInstanceCount),
	)
	re.slogger = re.logger.Sugar()
}

// SLogger returns the sugared logger bound to this run.
func (re *RunEnv) SLogger() *zap.SugaredLogger {
	return re.slogger
}

// Loggers returns the loggers bound to this run.
func (re *RunEnv) Loggers() (*zap.Logger, *zap.SugaredLogger) {
	return re.logger, re.slogger
}

// M returns the metrics recorder for this run. Recording is disabled (a
// no-op) when no InfluxDB endpoint is configured.
func (re *RunEnv) M() *Metrics {
	re.metricsOnce.Do(func() {
		re.metrics = newMetrics(re)
	})
	return re.metrics
}

// RecordMessage records an informational message emitted by this instance.
func (re *RunEnv) RecordMessage(msg string, a ...interface{}) {
	if len(a) > 0 {
		msg = fmt.Sprintf(msg, a...)
	}
	re.recordEvent(&Event{MessageEvent: &MessageEvent{Message: msg}})
}

// RecordStart records that this instance started running its test case.
func (re *RunEnv) RecordStart() {
	re.recordEvent(&Event{StartEvent: &StartEvent{Runenv: re.TestRun}})
}

// RecordSuccess records that this instance succeeded.
func (re *RunEnv) RecordSuccess() {
	re.recordEvent(&Event{SuccessEvent: &SuccessEvent{Group: re.TestGroupID}})
}

// RecordFailure records that this instance failed with the supplied error.
func (re *RunEnv) RecordFailure(err error) {
	re.recordEvent(&Event{FailureEvent: &FailureEvent{Group: re.TestGroupID, Error: err.Error()}})
}

// RecordCrash records that this instance crashed with the supplied error.
func (re *RunEnv) RecordCrash(err interface{}, stacktrace string) {
	re.recordEvent(&Event{CrashEvent: &CrashEvent{
		Group:      re.TestGroupID,
		Error:      fmt.Sprintf("%s", err),
		Stacktrace: stacktrace,
	}})
}

func (re *RunEnv) recordEvent(event *Event) {
	re.logger.Info("", zap.Object("event", event))
}

// Close flushes the loggers and stops the metrics recorder.
func (re *RunEnv) Close() error {
	var result *multierror.Error

	if re.metrics != nil {
		if err := re.metrics.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// stdout sync errors are expected on some platforms; ignore them.
	_ = re.logger.Sync()

	return result.ErrorOrNil()
}

// IsParamSet checks if a certain parameter was set for this instance.
func (re *RunEnv) IsParamSet(name string) bool {
	_, ok := re.TestInstanceParams[name]
	return ok
}

// StringParam returns a string parameter, panicking if it was not set.
func (re *RunEnv) StringParam(name string) string {
	v, ok := re.TestInstanceParams[name]
	if !ok {
		panic(fmt.Errorf("%s was not set", name))
	}
	return v
}

// IntParam returns an int parameter, panicking if it was not set or if the
// conversion failed.
func (re *RunEnv) IntParam(name string) int {
	i, err := strconv.Atoi(re.StringParam(name))
	if err != nil {
		panic(err)
	}
	return i
}

// BooleanParam returns the boolean value of the parameter, or false if not
// passed.
func (re *RunEnv) BooleanParam(name string) bool {
	return re.TestInstanceParams[name] == "true"
}

// DurationParam returns a duration parameter, panicking if it was not set
// or if the conversion failed.
func (re *RunEnv) DurationParam(name string) time.Duration {
	d, err := time.ParseDuration(re.StringParam(name))
	if err != nil {
		panic(err)
	}
	return d
}

// SizeParam parses a size parameter in human-readable form (e.g. "64KB"),
// panicking if it was not set or if the conversion failed.
func (re *RunEnv) SizeParam(name string) uint64 {
	m, err := humanize.ParseBytes(re.StringParam(name))
	if err != nil {
		panic(err)
	}
	return m
}

// JSONParam unmarshals a JSON parameter into the supplied value, panicking
// if it was not set or if the unmarshal failed.
func (re *RunEnv) JSONParam(name string, v interface{}) {
	if err := json.Unmarshal([]byte(re.StringParam(name)), v); err != nil {
		panic(err)
	}
}

// StringArrayParam returns an array of strings parameter, panicking on
// error.
func (re *RunEnv) StringArrayParam(name string) []string {
	var a []string
	re.JSONParam(name, &a)
	return a
}
