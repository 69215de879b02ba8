package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// SendError taxonomy for the three non-best-effort classes.
var (
	ErrQueueFull      = fmt.Errorf("eventbus: queue full")
	ErrNoSubscribers  = fmt.Errorf("eventbus: no subscribers")
)

// AckError reports a failed acknowledgment.
type AckError struct {
	NotFound    bool
	Persistence error
}

func (e *AckError) Error() string {
	if e.NotFound {
		return "eventbus: pending delivery not found"
	}
	return fmt.Sprintf("eventbus: ack persistence failure: %v", e.Persistence)
}

// broadcaster fans Events out to a set of subscriber channels.
type broadcaster struct {
	mu          sync.Mutex
	subscribers []chan Event
	queueSize   int
}

func newBroadcaster(queueSize int) *broadcaster {
	return &broadcaster{queueSize: queueSize}
}

func (b *broadcaster) subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.queueSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// tryBroadcast attempts a non-blocking send to every subscriber,
// returning how many succeeded and how many were full.
func (b *broadcaster) tryBroadcast(ev Event) (sent int, full int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			sent++
		default:
			full++
		}
	}
	return sent, full
}

func (b *broadcaster) maxDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	max := 0
	for _, ch := range b.subscribers {
		if n := len(ch); n > max {
			max = n
		}
	}
	return max
}

// Bus is the prioritized event bus: one durable safety channel plus
// three broadcast classes.
type Bus struct {
	cfg         Config
	persistence Persistence
	log         *logrus.Entry
	metrics     *busMetrics

	safetyQueue chan SafetyEvent
	safetySubs  []chan SafetyEvent
	safetyMu    sync.Mutex

	flash     *broadcaster
	telemetry *broadcaster
	logs      *broadcaster

	pendingMu sync.Mutex
	pending   map[string]*PendingDelivery

	stop chan struct{}
}

// New builds a Bus, starts its safety processor, and — if persistence
// is enabled — redelivers any SafetyEvent left pending from a prior run
// (at-least-once redelivery; duplicates are distinguished by event id).
func New(cfg Config, persistence Persistence, reg prometheus.Registerer, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if persistence == nil {
		persistence = NewMemoryPersistence()
	}

	bus := &Bus{
		cfg:         cfg,
		persistence: persistence,
		log:         log.WithField("component", "eventbus"),
		metrics:     newBusMetrics(reg),
		safetyQueue: make(chan SafetyEvent, cfg.SafetyQueueMaxMemory),
		flash:       newBroadcaster(cfg.FlashQueueSize),
		telemetry:   newBroadcaster(cfg.TelemetryQueueSize),
		logs:        newBroadcaster(cfg.LogQueueSize),
		pending:     make(map[string]*PendingDelivery),
		stop:        make(chan struct{}),
	}

	go bus.runSafetyProcessor()

	if cfg.PersistenceEnabled {
		pending, err := persistence.LoadPending()
		if err != nil {
			return nil, fmt.Errorf("eventbus: load pending on startup: %w", err)
		}
		for _, ev := range pending {
			bus.log.WithField("event_id", ev.Event.ID).Info("redelivering unacknowledged safety event")
			bus.safetyQueue <- ev
		}
	}

	return bus, nil
}

// NewEvent builds an Event with a fresh id and current timestamp.
func NewEvent(priority Priority, eventType string, data interface{}, requiresAck bool) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("eventbus: marshal event data: %w", err)
	}
	return Event{
		ID:          uuid.NewString(),
		Priority:    priority,
		EventType:   eventType,
		Data:        raw,
		Timestamp:   time.Now(),
		RequiresAck: requiresAck,
	}, nil
}

// SendSafety persists and enqueues a P0-Safety event. The call does not
// return success until the event is durably stored; the in-memory
// queue bounds the producer (it blocks once SafetyQueueMaxMemory is
// reached), but persistence, not the queue, is the durability barrier.
func (b *Bus) SendSafety(event SafetyEvent) error {
	if err := b.persistence.Store(event); err != nil {
		return fmt.Errorf("eventbus: persist safety event: %w", err)
	}
	b.metrics.sent.WithLabelValues(PrioritySafety.String()).Inc()
	b.safetyQueue <- event // blocks if the in-memory bound is reached
	return nil
}

// runSafetyProcessor drains persisted safety events, tracks a
// PendingDelivery for each, and fans it out to safety subscribers.
func (b *Bus) runSafetyProcessor() {
	for {
		select {
		case <-b.stop:
			return
		case event := <-b.safetyQueue:
			b.pendingMu.Lock()
			b.pending[event.Event.ID] = &PendingDelivery{Event: event, SentAt: time.Now()}
			b.pendingMu.Unlock()

			b.safetyMu.Lock()
			for _, ch := range b.safetySubs {
				select {
				case ch <- event:
				default:
					b.log.WithField("event_id", event.Event.ID).Warn("safety subscriber channel full, event stays pending")
				}
			}
			b.safetyMu.Unlock()
		}
	}
}

// SendFlash broadcasts a P1-Flash event. Returns ErrNoSubscribers if
// nobody is listening, or ErrQueueFull if any subscriber's channel is
// saturated — P1 never drops silently.
func (b *Bus) SendFlash(event Event) error {
	if b.flash.count() == 0 {
		return ErrNoSubscribers
	}
	_, full := b.flash.tryBroadcast(event)
	b.metrics.sent.WithLabelValues(PriorityFlash.String()).Inc()
	b.metrics.depth.WithLabelValues(PriorityFlash.String()).Set(float64(b.flash.maxDepth()))
	if full > 0 {
		return ErrQueueFull
	}
	return nil
}

// SendTelemetry best-effort broadcasts a P2-Telemetry event. Overflow
// is dropped silently; the drop counter is incremented.
func (b *Bus) SendTelemetry(event Event) {
	sent, full := b.telemetry.tryBroadcast(event)
	_ = sent
	b.metrics.sent.WithLabelValues(PriorityTelemetry.String()).Inc()
	if full > 0 {
		b.metrics.dropped.WithLabelValues(PriorityTelemetry.String()).Add(float64(full))
	}
	b.metrics.depth.WithLabelValues(PriorityTelemetry.String()).Set(float64(b.telemetry.maxDepth()))
}

// SendLog best-effort broadcasts a P3-Log event, identical policy to
// SendTelemetry.
func (b *Bus) SendLog(event Event) {
	sent, full := b.logs.tryBroadcast(event)
	_ = sent
	b.metrics.sent.WithLabelValues(PriorityLog.String()).Inc()
	if full > 0 {
		b.metrics.dropped.WithLabelValues(PriorityLog.String()).Add(float64(full))
	}
	b.metrics.depth.WithLabelValues(PriorityLog.String()).Set(float64(b.logs.maxDepth()))
}

// SubscribeSafety returns a channel of SafetyEvents. Use AcknowledgeSafety
// to clear a delivered event's pending state.
func (b *Bus) SubscribeSafety() <-chan SafetyEvent {
	ch := make(chan SafetyEvent, b.cfg.SafetyQueueMaxMemory)
	b.safetyMu.Lock()
	b.safetySubs = append(b.safetySubs, ch)
	b.safetyMu.Unlock()
	return ch
}

// Subscribe returns a channel of Events for priority. Calling it with
// PrioritySafety panics — safety subscribers must use SubscribeSafety,
// which carries the richer SafetyEvent type and ack tracking.
func (b *Bus) Subscribe(priority Priority) <-chan Event {
	switch priority {
	case PrioritySafety:
		panic("eventbus: use SubscribeSafety for PrioritySafety")
	case PriorityFlash:
		return b.flash.subscribe()
	case PriorityTelemetry:
		return b.telemetry.subscribe()
	case PriorityLog:
		return b.logs.subscribe()
	default:
		panic(fmt.Sprintf("eventbus: unknown priority %v", priority))
	}
}

// AcknowledgeSafety removes eventID's PendingDelivery and marks it
// delivered in the persistence layer.
func (b *Bus) AcknowledgeSafety(eventID string) error {
	b.pendingMu.Lock()
	_, ok := b.pending[eventID]
	if ok {
		delete(b.pending, eventID)
	}
	b.pendingMu.Unlock()

	if !ok {
		return &AckError{NotFound: true}
	}

	if err := b.persistence.MarkDelivered(eventID); err != nil {
		return &AckError{Persistence: err}
	}
	b.metrics.delivered.Inc()
	return nil
}

// PendingCount reports how many safety events await acknowledgment.
func (b *Bus) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// Close stops the safety processor goroutine.
func (b *Bus) Close() {
	close(b.stop)
}
