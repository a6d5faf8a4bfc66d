package runtime

import (
	gosync "sync"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
)

const (
	metricsDatabase   = "testground"
	metricsBuffer     = 1024
	metricsFlushEvery = time.Second
)

// Metrics records observations against the run's InfluxDB backend. It is
// strictly fire-and-forget: recording never blocks the caller and write
// failures are logged, never surfaced. When no endpoint is configured every
// operation is a no-op.
type Metrics struct {
	re *RunEnv

	client  client.Client
	pointCh chan *client.Point

	wg      gosync.WaitGroup
	closeCh chan struct{}
	once    gosync.Once
}

func newMetrics(re *RunEnv) *Metrics {
	m := &Metrics{re: re, closeCh: make(chan struct{})}

	if re.InfluxDBURL == "" {
		return m
	}

	c, err := client.NewHTTPClient(client.HTTPConfig{Addr: re.InfluxDBURL})
	if err != nil {
		re.slogger.Warnw("failed to create influxdb client; metrics disabled", "error", err)
		return m
	}

	m.client = c
	m.pointCh = make(chan *client.Point, metricsBuffer)

	m.wg.Add(1)
	go m.worker()

	return m
}

// RecordPoint records a single observation under the supplied measurement
// name. The run's identifiers are attached as tags. If the recorder cannot
// keep up, points are dropped rather than blocking the caller.
func (m *Metrics) RecordPoint(name string, value float64, tags map[string]string) {
	if m.client == nil {
		return
	}

	all := map[string]string{
		"plan":  m.re.TestPlan,
		"case":  m.re.TestCase,
		"run":   m.re.TestRun,
		"group": m.re.TestGroupID,
	}
	for k, v := range tags {
		all[k] = v
	}

	p, err := client.NewPoint(name, all, map[string]interface{}{"value": value}, time.Now())
	if err != nil {
		m.re.slogger.Warnw("failed to create metric point", "name", name, "error", err)
		return
	}

	select {
	case m.pointCh <- p:
	default:
		m.re.slogger.Debugw("metrics buffer full; dropping point", "name", name)
	}
}

func (m *Metrics) worker() {
	defer m.wg.Done()

	tick := time.NewTicker(metricsFlushEvery)
	defer tick.Stop()

	var batch []*client.Point
	flush := func() {
		if len(batch) == 0 {
			return
		}
		bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: metricsDatabase, Precision: "ns"})
		if err != nil {
			m.re.slogger.Warnw("failed to create metrics batch", "error", err)
			batch = batch[:0]
			return
		}
		bp.AddPoints(batch)
		if err := m.client.Write(bp); err != nil {
			m.re.slogger.Warnw("failed to write metrics batch", "points", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case p := <-m.pointCh:
			batch = append(batch, p)
		case <-tick.C:
			flush()
		case <-m.closeCh:
			// Drain whatever is already buffered, then flush once.
			for {
				select {
				case p := <-m.pointCh:
					batch = append(batch, p)
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}

// Close flushes buffered points and releases the recorder.
func (m *Metrics) Close() error {
	m.once.Do(func() { close(m.closeCh) })
	m.wg.Wait()

	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
