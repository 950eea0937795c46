// Package telemetry records pipeline stage timings.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/scanstream/backend/internal/config"
)

const (
	measurement        = "pipeline_stage"
	defaultPingTimeout = 5 * time.Second
)

// Recorder observes the duration and outcome of one pipeline stage.
type Recorder interface {
	ObserveStage(stage string, d time.Duration, err error)
}

// Nop discards observations.
type Nop struct{}

func (Nop) ObserveStage(string, time.Duration, error) {}

var (
	ErrDisabled         = errors.New("telemetry: influxdb disabled")
	ErrConnectionFailed = errors.New("telemetry: influxdb connection failed")
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Influx writes one point per stage to InfluxDB v2. Writes are batched and
// non-blocking.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time
}

// Connect pings the server and returns a batching recorder.
func Connect(cfg config.InfluxDBConfig) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	return &Influx{
		client: client,
		writer: client.WriteAPI(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}, nil
}

func (i *Influx) ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	point := write.NewPoint(
		measurement,
		map[string]string{
			"stage":   stage,
			"outcome": outcome,
		},
		map[string]interface{}{
			"duration_ms": float64(d) / float64(time.Millisecond),
		},
		i.now(),
	)
	i.writer.WritePoint(point)
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() {
	i.writer.Flush()
	if i.client != nil {
		i.client.Close()
	}
}
