package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/internal/trust"
)

// Remediation is the monitor's verdict for a degraded session.
type Remediation string

const (
	RemediationNone      Remediation = "none"
	RemediationReauth    Remediation = "require_reauthentication"
	RemediationTerminate Remediation = "terminate"
)

// Evaluator re-scores a request; satisfied by *trust.Compositor.
type Evaluator interface {
	Evaluate(ctx context.Context, req *trust.AccessRequest) *trust.Evaluation
}

// RequestBuilder constructs the "most recent known state" request for a
// session sweep. The default refreshes the session's last request with the
// current timestamp; deployments wire collectors that refresh network and
// context fields too.
type RequestBuilder func(s *Session, now time.Time) *trust.AccessRequest

// MonitorConfig configures the continuous monitor.
type MonitorConfig struct {
	SweepInterval     time.Duration // how often to re-evaluate live sessions
	DegradationDelta  float64       // degrade when current < initial - delta
	TerminateBelow    float64       // terminate instead of re-auth below this
	MaxReauthAttempts int           // failed re-auths before termination
	InactivityTimeout time.Duration // terminate sessions idle longer than this
	ReauthDeadline    time.Duration // pending re-auth older than this terminates
}

// SweepStats summarizes one monitor sweep.
type SweepStats struct {
	Evaluated  int
	Degraded   int
	Terminated int
	Failed     int
}

// MonitorOutcome is the per-session result of a sweep, surfaced to the
// caller for auditing.
type MonitorOutcome struct {
	SessionID   string
	Remediation Remediation
	Score       float64
}

// Monitor periodically re-evaluates every Active/Degraded session through
// the trust compositor and drives remediation when trust degrades. One
// session's evaluation failure never aborts the sweep.
type Monitor struct {
	registry  *Registry
	evaluator Evaluator
	build     RequestBuilder
	cfg       MonitorConfig

	// OnOutcome, when set, observes each remediation decision.
	OnOutcome func(MonitorOutcome)
	// OnSweep, when set, runs after every sweep pass. The engine hangs
	// policy re-enforcement here so connection-time limits fire on the
	// sweep cadence.
	OnSweep func(ctx context.Context)

	mu         sync.Mutex
	boostedTo  time.Duration
	boostUntil time.Time
	degradedAt map[string]time.Time // session id -> when re-auth was demanded
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewMonitor creates a continuous monitor.
func NewMonitor(registry *Registry, evaluator Evaluator, cfg MonitorConfig) *Monitor {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.DegradationDelta == 0 {
		cfg.DegradationDelta = 0.2
	}
	if cfg.TerminateBelow == 0 {
		cfg.TerminateBelow = 0.5
	}
	if cfg.MaxReauthAttempts == 0 {
		cfg.MaxReauthAttempts = 3
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 30 * time.Minute
	}
	if cfg.ReauthDeadline == 0 {
		cfg.ReauthDeadline = 5 * time.Minute
	}
	return &Monitor{
		registry:   registry,
		evaluator:  evaluator,
		build:      defaultRequestBuilder,
		cfg:        cfg,
		degradedAt: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// SetRequestBuilder replaces the default sweep request builder.
func (m *Monitor) SetRequestBuilder(b RequestBuilder) {
	if b != nil {
		m.build = b
	}
}

func defaultRequestBuilder(s *Session, now time.Time) *trust.AccessRequest {
	if s.LastRequest == nil {
		return nil
	}
	req := *s.LastRequest
	req.RequestID = uuid.NewString()
	req.Timestamp = now
	req.Context.Timestamp = now
	return &req
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	slog.Info("continuous monitor started", "sweep_interval", m.cfg.SweepInterval, "degradation_delta", m.cfg.DegradationDelta)
	go func() {
		timer := time.NewTimer(m.interval())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				m.Sweep(ctx)
				timer.Reset(m.interval())
			case <-m.stopCh:
				slog.Info("continuous monitor stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// BoostFrequency temporarily tightens the sweep interval, used by incident
// response to raise monitoring pressure on an elevated threat level.
func (m *Monitor) BoostFrequency(interval, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boostedTo = interval
	m.boostUntil = time.Now().Add(duration)
	slog.Info("monitor frequency boosted", "interval", interval, "until", m.boostUntil.Format(time.RFC3339))
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.boostedTo > 0 && time.Now().Before(m.boostUntil) {
		return m.boostedTo
	}
	return m.cfg.SweepInterval
}

// Sweep runs a single evaluation pass over all live sessions.
func (m *Monitor) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := time.Now()

	for _, s := range m.registry.Live() {
		outcome, err := m.evaluateSession(ctx, s, now)
		if err != nil {
			// Isolate per-session failures: log and continue the sweep.
			slog.Warn("session evaluation failed", "session_id", s.ID, "error", err)
			stats.Failed++
			continue
		}
		stats.Evaluated++
		switch outcome.Remediation {
		case RemediationReauth:
			stats.Degraded++
		case RemediationTerminate:
			stats.Terminated++
		}
		if m.OnOutcome != nil {
			m.OnOutcome(outcome)
		}
	}

	if m.OnSweep != nil {
		m.OnSweep(ctx)
	}

	if stats.Degraded > 0 || stats.Terminated > 0 || stats.Failed > 0 {
		slog.Info("monitor sweep",
			"evaluated", stats.Evaluated,
			"degraded", stats.Degraded,
			"terminated", stats.Terminated,
			"failed", stats.Failed)
	}
	return stats
}

func (m *Monitor) evaluateSession(ctx context.Context, s *Session, now time.Time) (outcome MonitorOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sweepPanic{session: s.ID, value: r}
		}
	}()

	outcome = MonitorOutcome{SessionID: s.ID, Remediation: RemediationNone}

	// Inactivity ends a session before trust is even consulted.
	if now.Sub(s.LastActivity) > m.cfg.InactivityTimeout {
		_ = m.registry.Terminate(ctx, s.ID, "inactivity timeout")
		outcome.Remediation = RemediationTerminate
		return outcome, nil
	}

	// Pending re-auth that nobody answered terminates on deadline.
	if s.ReauthPending {
		m.mu.Lock()
		demanded, tracked := m.degradedAt[s.ID]
		m.mu.Unlock()
		if tracked && now.Sub(demanded) > m.cfg.ReauthDeadline {
			_ = m.registry.Terminate(ctx, s.ID, "re-authentication deadline expired")
			m.forget(s.ID)
			outcome.Remediation = RemediationTerminate
			return outcome, nil
		}
	}

	req := m.build(s, now)
	if req == nil {
		return outcome, nil
	}

	eval := m.evaluator.Evaluate(ctx, req)
	if applyErr := m.registry.ApplyEvaluation(ctx, s.ID, eval); applyErr != nil {
		return outcome, applyErr
	}
	outcome.Score = eval.CompositeScore

	outcome.Remediation = m.remediate(ctx, s, eval.CompositeScore)
	return outcome, nil
}

// remediate applies the degradation rule: a drop of more than the delta
// below the initial trust score degrades the session; below the terminate
// floor the session ends, otherwise re-authentication is demanded.
func (m *Monitor) remediate(ctx context.Context, s *Session, current float64) Remediation {
	if current >= s.InitialTrustScore-m.cfg.DegradationDelta {
		return RemediationNone
	}

	if current < m.cfg.TerminateBelow {
		_ = m.registry.Terminate(ctx, s.ID, "trust collapse")
		m.forget(s.ID)
		return RemediationTerminate
	}

	_ = m.registry.MarkDegraded(ctx, s.ID)
	m.mu.Lock()
	if _, ok := m.degradedAt[s.ID]; !ok {
		m.degradedAt[s.ID] = time.Now()
	}
	m.mu.Unlock()
	return RemediationReauth
}

// ResolveReauth reports a re-authentication result for a degraded session.
func (m *Monitor) ResolveReauth(ctx context.Context, sessionID string, success bool) (State, error) {
	state, err := m.registry.CompleteReauth(ctx, sessionID, success, m.cfg.MaxReauthAttempts)
	if err != nil {
		return state, err
	}
	if success || state == StateTerminated {
		m.forget(sessionID)
	}
	return state, nil
}

func (m *Monitor) forget(sessionID string) {
	m.mu.Lock()
	delete(m.degradedAt, sessionID)
	m.mu.Unlock()
}

type sweepPanic struct {
	session string
	value   interface{}
}

func (p *sweepPanic) Error() string {
	return "panic evaluating session " + p.session
}
