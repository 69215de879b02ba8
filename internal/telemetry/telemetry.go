// Package telemetry runs the live telemetry streamer: a fixed-rate
// loop that drains frames from a transport, decodes signals, and
// publishes changed samples to the event bus at P2 priority.
package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ecusafe/internal/eventbus"
	"ecusafe/internal/signal"
	"ecusafe/internal/transport"
)

var errAlreadyStreaming = errors.New("telemetry: streamer already running")

// Quality reports how complete a Sample's decode was.
type Quality string

const (
	QualityGood    Quality = "Good"
	QualityPoor    Quality = "Poor"
	QualityInvalid Quality = "Invalid"
)

// Sample is one published telemetry observation.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Signals   map[string]float64 `json:"signals"`
	Source    string             `json:"source"`
	SampleHz  float64            `json:"sample_rate_hz"`
	Quality   Quality            `json:"quality"`
}

// Config parameterizes the streaming loop.
type Config struct {
	SampleRateHz    float64
	EnabledSignals  []string
	FramesPerTick   int
	FrameDeadline   time.Duration
	ChangeThreshold float64
}

// DefaultConfig samples at 10 Hz, up to 10 frames per tick, a 10 ms
// per-frame deadline, and a 0.01 absolute change threshold.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:  10.0,
		FramesPerTick: 10,
		FrameDeadline: 10 * time.Millisecond,
		EnabledSignals: []string{
			"engine_rpm", "vehicle_speed", "boost_pressure", "maf_airflow",
			"throttle_position", "lambda", "ignition_timing", "iat", "ect",
			"fuel_pressure",
		},
		ChangeThreshold: 0.01,
	}
}

// Streamer owns the background telemetry loop.
type Streamer struct {
	cfg       Config
	transport transport.Transport
	decoder   *signal.Decoder
	bus       *eventbus.Bus
	log       *logrus.Entry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a Streamer over t, publishing samples to bus.
func New(cfg Config, t transport.Transport, bus *eventbus.Bus, log *logrus.Entry) *Streamer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Streamer{
		cfg:       cfg,
		transport: t,
		decoder:   signal.NewDecoder(),
		bus:       bus,
		log:       log.WithField("component", "telemetry"),
	}
}

// Start begins the sample loop. Returns an error if already running.
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errAlreadyStreaming
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
	s.log.WithField("sample_rate_hz", s.cfg.SampleRateHz).Info("telemetry stream started")
	return nil
}

// Stop halts the sample loop and waits for it to exit.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.log.Info("telemetry stream stopped")
}

// IsRunning reports whether the loop is active.
func (s *Streamer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reconfigure swaps in a new Config, restarting the loop if it is
// currently running so the new sample rate and signal list take effect
// immediately. Used by the config hot-reload path for non-safety-
// critical tunables.
func (s *Streamer) Reconfigure(cfg Config) {
	s.mu.Lock()
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	if wasRunning {
		if err := s.Start(); err != nil {
			s.log.WithError(err).Warn("failed to restart telemetry stream after reconfigure")
		}
	}
}

func (s *Streamer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(float64(time.Second) / s.cfg.SampleRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastValues := make(map[string]float64)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick(lastValues)
		}
	}
}

func (s *Streamer) tick(lastValues map[string]float64) {
	decoded := make(map[string]float64)
	framesSeen := 0

	for i := 0; i < s.cfg.FramesPerTick; i++ {
		f, ok, err := s.transport.ReceiveFrame(s.cfg.FrameDeadline)
		if err != nil || !ok {
			break
		}
		framesSeen++
		for name, value := range s.decoder.DecodeFrame(f) {
			decoded[name] = value
		}
	}

	filtered := make(map[string]float64, len(s.cfg.EnabledSignals))
	for _, name := range s.cfg.EnabledSignals {
		if v, ok := decoded[name]; ok {
			filtered[name] = v
		}
	}

	hasChanges := false
	for name, value := range filtered {
		last, seen := lastValues[name]
		if !seen || absDiff(last, value) > s.cfg.ChangeThreshold {
			hasChanges = true
			break
		}
	}

	if !hasChanges && framesSeen > 0 {
		return
	}

	for k, v := range filtered {
		lastValues[k] = v
	}

	quality := QualityGood
	switch {
	case framesSeen == 0:
		quality = QualityInvalid
	case len(filtered) < len(s.cfg.EnabledSignals):
		quality = QualityPoor
	}

	sample := Sample{
		Timestamp: time.Now(),
		Signals:   filtered,
		Source:    "CAN",
		SampleHz:  s.cfg.SampleRateHz,
		Quality:   quality,
	}

	data, err := json.Marshal(sample)
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal telemetry sample")
		return
	}

	ev, err := eventbus.NewEvent(eventbus.PriorityTelemetry, "telemetry_sample", json.RawMessage(data), false)
	if err != nil {
		s.log.WithError(err).Warn("failed to build telemetry event")
		return
	}
	s.bus.SendTelemetry(ev)
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
