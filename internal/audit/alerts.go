package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecurityAlert is an operator-facing notification raised by the incident
// responder and the continuous monitor.
type SecurityAlert struct {
	ID          string    `json:"id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Detail      string    `json:"detail,omitempty"`
	ThreatID    string    `json:"threat_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	PrincipalID string    `json:"principal_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAlert fills the generated fields.
func NewAlert(severity, title string) SecurityAlert {
	return SecurityAlert{ID: uuid.NewString(), Severity: severity, Title: title, Timestamp: time.Now()}
}

// AlertSink receives alerts. Raise must not block.
type AlertSink interface {
	Raise(alert SecurityAlert)
}

// MemoryAlertSink keeps alerts in memory and fans them out to subscriber
// channels with a non-blocking send.
type MemoryAlertSink struct {
	mu     sync.Mutex
	alerts []SecurityAlert
	subs   map[chan SecurityAlert]struct{}
	limit  int
}

func NewMemoryAlertSink(limit int) *MemoryAlertSink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryAlertSink{
		subs:  make(map[chan SecurityAlert]struct{}),
		limit: limit,
	}
}

func (s *MemoryAlertSink) Raise(alert SecurityAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.alerts) >= s.limit {
		s.alerts = s.alerts[1:]
	}
	s.alerts = append(s.alerts, alert)
	for ch := range s.subs {
		select {
		case ch <- alert:
		default:
			// Slow subscriber misses the alert rather than stalling the raiser.
		}
	}
}

// Subscribe returns a buffered channel of future alerts and a cancel func.
func (s *MemoryAlertSink) Subscribe() (<-chan SecurityAlert, func()) {
	ch := make(chan SecurityAlert, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Alerts returns a copy of the retained alerts.
func (s *MemoryAlertSink) Alerts() []SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SecurityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
