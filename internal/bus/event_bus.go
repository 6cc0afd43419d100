// Package bus fans service events out to in-process subscribers.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventIdentityCreated     EventType = "identity.created"
	EventCredentialIssued    EventType = "credential.issued"
	EventPresentationCreated EventType = "presentation.created"
	EventDIDResolved         EventType = "did.resolved"

	EventLog EventType = "log"
)

// AllEventTypes lists every event type published by the service.
var AllEventTypes = []EventType{
	EventIdentityCreated,
	EventCredentialIssued,
	EventPresentationCreated,
	EventDIDResolved,
	EventLog,
}

type Event struct {
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

type EventHandler func(event Event)

// Publisher is the narrow view of the bus handed to producers.
type Publisher interface {
	PublishAsync(eventType EventType, payload map[string]interface{})
}

const queueSize = 100

type subscription struct {
	id     uint64
	handle EventHandler
}

// EventBus delivers events from a bounded queue on a single dispatcher
// goroutine. Each handler call runs on its own goroutine.
type EventBus struct {
	logger *logrus.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	nextID atomic.Uint64

	mu   sync.RWMutex
	subs map[EventType][]subscription
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	eb := &EventBus{
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
		subs:   make(map[EventType][]subscription),
	}
	go eb.dispatch()
	return eb
}

// Subscribe registers handler for one event type. The returned func removes it.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) (cancel func()) {
	return eb.subscribe([]EventType{eventType}, handler)
}

// SubscribeAll registers handler for every type in AllEventTypes.
func (eb *EventBus) SubscribeAll(handler EventHandler) (cancel func()) {
	return eb.subscribe(AllEventTypes, handler)
}

func (eb *EventBus) subscribe(types []EventType, handler EventHandler) func() {
	sub := subscription{id: eb.nextID.Add(1), handle: handler}

	eb.mu.Lock()
	for _, t := range types {
		eb.subs[t] = append(eb.subs[t], sub)
	}
	eb.mu.Unlock()
	eb.logger.Debugf("Subscription %d registered for %d event types", sub.id, len(types))

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(sub.id, types) })
	}
}

func (eb *EventBus) unsubscribe(id uint64, types []EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range types {
		current := eb.subs[t]
		kept := make([]subscription, 0, len(current))
		for _, s := range current {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		eb.subs[t] = kept
	}
}

// Publish enqueues event, dropping it when the bus is stopped or the queue
// is full.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if eb.stopped() {
		return
	}
	select {
	case eb.queue <- event:
	default:
		// A log event here would re-enter the log hook.
		if event.Type != EventLog {
			eb.logger.Warnf("Event queue full, dropping %s", event.Type)
		}
	}
}

func (eb *EventBus) PublishAsync(eventType EventType, payload map[string]interface{}) {
	event := Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
	go eb.Publish(event)
}

func (eb *EventBus) stopped() bool {
	select {
	case <-eb.done:
		return true
	default:
		return false
	}
}

func (eb *EventBus) dispatch() {
	for {
		select {
		case <-eb.done:
			return
		case event := <-eb.queue:
			eb.mu.RLock()
			subs := eb.subs[event.Type]
			eb.mu.RUnlock()
			for _, sub := range subs {
				go eb.deliver(sub, event)
			}
		}
	}
}

func (eb *EventBus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Errorf("Subscription %d panicked on %s: %v", sub.id, event.Type, r)
		}
	}()
	sub.handle(event)
}

// Stop ends event delivery. Events published afterwards are dropped.
func (eb *EventBus) Stop() {
	eb.once.Do(func() {
		close(eb.done)
		eb.logger.Info("EventBus stopped")
	})
}
