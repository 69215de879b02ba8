package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
)

// InfluxSink subscribes to P2-Telemetry events and writes one point per
// sample to the "ecu_telemetry" measurement, with one field per decoded
// signal and the sample's source and quality as tags.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bus      *eventbus.Bus
	log      *logrus.Entry

	stop chan struct{}
	done chan struct{}
}

// NewInfluxSink connects to an InfluxDB instance and returns a sink
// ready to Run against bus.
func NewInfluxSink(url, token, org, bucket string, bus *eventbus.Bus, log *logrus.Entry) (*InfluxSink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	client := influxdb2.NewClient(url, token)

	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("telemetry: connect to influxdb: %w", err)
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		bus:      bus,
		log:      log.WithField("component", "telemetry_influx_sink"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run subscribes to telemetry events and writes them until Close is
// called. Intended to be launched in its own goroutine.
func (s *InfluxSink) Run() {
	defer close(s.done)
	sub := s.bus.Subscribe(eventbus.PriorityTelemetry)

	for {
		select {
		case <-s.stop:
			return
		case ev := <-sub:
			s.write(ev)
		}
	}
}

func (s *InfluxSink) write(ev eventbus.Event) {
	var sample Sample
	if err := json.Unmarshal(ev.Data, &sample); err != nil {
		s.log.WithError(err).Warn("failed to decode telemetry event for influx write")
		return
	}

	fields := make(map[string]interface{}, len(sample.Signals))
	for name, value := range sample.Signals {
		fields[name] = value
	}
	if len(fields) == 0 {
		return
	}

	point := influxdb2.NewPoint(
		"ecu_telemetry",
		map[string]string{
			"source":  sample.Source,
			"quality": string(sample.Quality),
		},
		fields,
		sample.Timestamp,
	)

	if err := s.writeAPI.WritePoint(context.Background(), point); err != nil {
		s.log.WithError(err).Warn("failed to write telemetry point")
	}
}

// Close stops the sink and releases the InfluxDB client.
func (s *InfluxSink) Close() error {
	close(s.stop)
	<-s.done
	s.client.Close()
	return nil
}
