package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope kinds published on the bus.
const (
	KindTrustEvaluated    = "trust.evaluated"
	KindAccessGranted     = "access.granted"
	KindAccessDenied      = "access.denied"
	KindSessionCreated    = "session.created"
	KindSessionDegraded   = "session.degraded"
	KindSessionTerminated = "session.terminated"
	KindThreatDetected    = "threat.detected"
	KindIncidentResponse  = "incident.response"
	KindPolicyApplied     = "policy.applied"
)

// Emitter publishes framework events. Both the in-memory Bus and test fakes
// satisfy it.
type Emitter interface {
	Emit(kind, source, subject string, data map[string]interface{})
}

// Envelope is the wire shape for every framework event.
type Envelope struct {
	ID      string                 `json:"id"`
	Kind    string                 `json:"kind"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with generated id and timestamp.
func NewEnvelope(kind, source, subject string, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:      uuid.NewString(),
		Kind:    kind,
		Source:  source,
		Subject: subject,
		Time:    time.Now(),
		Data:    data,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub bus. Delivery to a full subscriber drops the
// event; publishing never blocks.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Envelope
	allSubs     []chan *Envelope
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[string][]chan *Envelope),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving the named kinds, or every event
// when no kinds are given.
func (b *Bus) Subscribe(kinds ...string) chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Envelope, b.bufferSize)
	if len(kinds) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, k := range kinds {
			b.subscribers[k] = append(b.subscribers[k], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[k] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers to all matching subscribers without blocking.
func (b *Bus) Publish(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[env.Kind] {
		select {
		case ch <- env:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Emit creates and publishes an envelope.
func (b *Bus) Emit(kind, source, subject string, data map[string]interface{}) {
	b.Publish(NewEnvelope(kind, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
