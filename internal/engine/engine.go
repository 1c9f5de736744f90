// Package engine composes the decision core: trust evaluation, access
// control, session lifecycle, threat detection, and incident response
// behind one activation boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trustplane/trustplane/internal/access"
	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/incident"
	"github.com/trustplane/trustplane/internal/monitoring"
	"github.com/trustplane/trustplane/internal/policy"
	"github.com/trustplane/trustplane/internal/session"
	"github.com/trustplane/trustplane/internal/threat"
	"github.com/trustplane/trustplane/internal/trust"
)

// Sentinel errors for the engine's public operations.
var (
	ErrFrameworkNotActive   = errors.New("framework not active")
	ErrAccessDenied         = errors.New("access denied")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPolicyNotFound       = policy.ErrPolicyNotFound
)

// Options carries the injectable collaborators. Zero values get working
// in-memory defaults.
type Options struct {
	PostureCollector trust.PostureCollector
	Verifier         trust.BehaviorVerifier
	Model            threat.Model
	SnapshotStore    session.SnapshotStore
	AuditSink        audit.Sink
	AlertSink        audit.AlertSink
	Registerer       prometheus.Registerer
	Checkers         []access.Checker // appended after the built-in trust and policy checkers
	Signatures       []threat.Signature
}

// Engine is the composed decision core.
type Engine struct {
	cfg       *config.Config
	snapshots session.SnapshotStore

	compositor *trust.Compositor
	combiner   *access.Combiner
	registry   *session.Registry
	monitor    *session.Monitor
	threats    *threat.Engine
	queue      *threat.Queue
	responder  *incident.Responder
	policies   *policy.Store
	bus        *events.Bus
	auditLog   audit.Sink
	alerts     audit.AlertSink
	metrics    *monitoring.Metrics

	mu      sync.Mutex
	active  bool
	cancel  context.CancelFunc
	workers chan struct{}
}

// New builds an engine from configuration. Nothing runs until Activate.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.PostureCollector == nil {
		opts.PostureCollector = &trust.StaticPostureCollector{}
	}
	if opts.Verifier == nil {
		opts.Verifier = &trust.StaticBehaviorVerifier{}
	}
	if opts.Model == nil {
		opts.Model = &threat.StaticModel{}
	}
	if opts.AuditSink == nil {
		opts.AuditSink = audit.NewMemorySink(0)
	}
	if opts.AlertSink == nil {
		opts.AlertSink = audit.NewMemoryAlertSink(0)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	trustPolicy := trust.Policy{
		Version: 1,
		Weights: trust.Weights{
			Identity: cfg.Trust.Weights.Identity,
			Device:   cfg.Trust.Weights.Device,
			Context:  cfg.Trust.Weights.Context,
			Network:  cfg.Trust.Weights.Network,
			Behavior: cfg.Trust.Weights.Behavior,
		},
		Thresholds: trust.Thresholds{
			Allow:    cfg.Trust.Thresholds.Allow,
			Monitor:  cfg.Trust.Thresholds.Monitor,
			Verify:   cfg.Trust.Thresholds.Verify,
			Restrict: cfg.Trust.Thresholds.Restrict,
		},
	}
	if err := trustPolicy.Validate(); err != nil {
		return nil, &config.ConfigurationError{Field: "trust", Reason: err.Error()}
	}

	compositor := trust.NewCompositor(trustPolicy, trust.ScorerSet{
		Identity: trust.NewIdentityScorer(opts.Verifier, trust.IdentityScorerConfig{AuthTTL: cfg.Trust.AuthTTL}),
		Device:   trust.NewDeviceScorer(opts.PostureCollector, trust.DeviceScorerConfig{}),
		Network:  trust.NewNetworkScorer(),
		Context:  trust.NewContextScorer(trust.ContextScorerConfig{}),
		Behavior: trust.NewBehaviorScorer(trust.BehaviorScorerConfig{}),
	}, trust.CompositorConfig{ScorerTimeout: cfg.Trust.ScorerTimeout})

	registry := session.NewRegistry(opts.SnapshotStore)
	policyStore := policy.NewStore(registry)

	// The policy store doubles as the combiner's policy port: blocked
	// principals are denied at access check, not just restricted after.
	checkers := append([]access.Checker{
		&access.TrustChecker{},
		&access.PolicyChecker{Evaluator: policyStore},
	}, opts.Checkers...)
	combiner := access.NewCombiner(access.CombinerConfig{CheckTimeout: cfg.Trust.ScorerTimeout}, checkers...)

	monitor := session.NewMonitor(registry, compositor, session.MonitorConfig{
		SweepInterval:     cfg.Monitor.SweepInterval,
		DegradationDelta:  cfg.Monitor.DegradationDelta,
		TerminateBelow:    cfg.Monitor.TerminateBelow,
		MaxReauthAttempts: cfg.Monitor.MaxReauthAttempts,
		InactivityTimeout: cfg.Monitor.InactivityTimeout,
		ReauthDeadline:    cfg.Monitor.ReauthDeadline,
	})

	queue := threat.NewQueue(0)
	threatEngine := threat.NewEngine(threat.DetectorSet{
		Network:    threat.NewNetworkDetector(threat.NetworkDetectorConfig{}),
		Behavioral: threat.NewBehavioralDetector(threat.BehavioralDetectorConfig{}),
		Signature:  threat.NewSignatureDetector(opts.Signatures),
		Anomaly:    threat.NewAnomalyDetector(threat.AnomalyDetectorConfig{}),
		ML:         threat.NewMLDetector(opts.Model),
	}, queue, threat.EngineConfig{
		ThreatThreshold: cfg.Threat.Threshold,
		ThreatTTL:       cfg.Threat.TTL,
		DetectorTimeout: cfg.Threat.DetectorTimeout,
		Intervals: threat.ScanIntervals{
			Critical: cfg.Threat.CriticalInterval,
			High:     cfg.Threat.HighInterval,
			Elevated: cfg.Threat.ElevatedInterval,
			Low:      cfg.Threat.LowInterval,
		},
	})

	responder := incident.NewResponder(registry, monitor, opts.AlertSink, opts.AuditSink, incident.ResponderConfig{})
	bus := events.NewBus(0)
	metrics := monitoring.NewMetrics(opts.Registerer)

	e := &Engine{
		cfg:        cfg,
		snapshots:  opts.SnapshotStore,
		compositor: compositor,
		combiner:   combiner,
		registry:   registry,
		monitor:    monitor,
		threats:    threatEngine,
		queue:      queue,
		responder:  responder,
		policies:   policyStore,
		bus:        bus,
		auditLog:   opts.AuditSink,
		alerts:     opts.AlertSink,
		metrics:    metrics,
		workers:    make(chan struct{}, 32),
	}

	monitor.OnOutcome = e.onMonitorOutcome
	monitor.OnSweep = func(ctx context.Context) {
		e.policies.EnforceAll(ctx)
	}
	return e, nil
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Activate starts the background loops. Idempotent.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Warm restart: adopt sessions the snapshot store saw live before the
	// last shutdown, so the monitor resumes sweeping them.
	if loader, ok := e.snapshots.(session.Loader); ok {
		if restored, err := loader.LoadSessions(ctx); err != nil {
			slog.Warn("session snapshot load failed", "error", err)
		} else if n := e.registry.Restore(restored); n > 0 {
			slog.Info("sessions restored from snapshots", "count", n)
		}
	}

	e.monitor.Start(runCtx)
	e.threats.Start(runCtx)
	e.responder.Run(runCtx, e.threats.Notifications())
	go e.metricsLoop(runCtx)

	e.active = true
	slog.Info("decision core activated",
		"sweep_interval", e.cfg.Monitor.SweepInterval,
		"threat_threshold", e.cfg.Threat.Threshold)
	return nil
}

// Shutdown stops the background loops and flushes the audit trail.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	e.active = false

	e.monitor.Stop()
	e.threats.Stop()
	e.responder.Stop()
	if e.cancel != nil {
		e.cancel()
	}

	if err := e.auditLog.Close(); err != nil {
		slog.Warn("audit sink close failed", "error", err)
	}
	slog.Info("decision core stopped")
	return nil
}

// Active reports whether the engine is accepting operations.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) requireActive() error {
	if !e.Active() {
		return ErrFrameworkNotActive
	}
	return nil
}

// metricsLoop keeps gauges current on a fixed cadence.
func (e *Engine) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.metrics.ActiveSessions.Set(float64(e.registry.LiveCount()))
			e.metrics.SetThreatLevel(string(e.threats.CurrentLevel()))
		case <-ctx.Done():
			return
		}
	}
}

// ============================================================================
// TRUST + ACCESS
// ============================================================================

// EvaluateTrust runs the composite trust evaluation for a request.
func (e *Engine) EvaluateTrust(ctx context.Context, req *trust.AccessRequest) (*trust.Evaluation, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}

	// Bounded evaluation concurrency: each evaluation fans out five scorer
	// goroutines, so an unbounded caller burst multiplies fast.
	select {
	case e.workers <- struct{}{}:
		defer func() { <-e.workers }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	start := time.Now()
	eval := e.compositor.Evaluate(ctx, req)
	e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	e.metrics.CompositeScore.Observe(eval.CompositeScore)
	e.metrics.EvaluationsTotal.WithLabelValues(string(eval.Recommendation)).Inc()

	rec := audit.NewRecord("trust_evaluation")
	rec.PrincipalID = req.PrincipalID
	rec.Outcome = string(eval.Recommendation)
	rec.Detail = map[string]interface{}{
		"request_id":   req.RequestID,
		"composite":    eval.CompositeScore,
		"risk_factors": eval.RiskFactors,
	}
	e.auditLog.Append(rec)
	e.bus.Emit(events.KindTrustEvaluated, "compositor", req.RequestID, map[string]interface{}{
		"principal_id": req.PrincipalID,
		"composite":    eval.CompositeScore,
	})
	return eval, nil
}

// CheckAccess evaluates trust then runs the access combiner.
func (e *Engine) CheckAccess(ctx context.Context, req *trust.AccessRequest) (access.Decision, *trust.Evaluation, error) {
	if err := e.requireActive(); err != nil {
		return access.Decision{}, nil, err
	}

	eval, err := e.EvaluateTrust(ctx, req)
	if err != nil {
		return access.Decision{}, nil, err
	}

	decision := e.combiner.CheckAccess(ctx, &access.Request{
		PrincipalID: req.PrincipalID,
		Resource:    req.Resource,
		Action:      req.Action,
		Attributes:  req.Attributes,
		Timestamp:   req.Timestamp,
		Evaluation:  eval,
	})

	outcome := "denied"
	kind := events.KindAccessDenied
	if decision.Granted {
		outcome = "granted"
		kind = events.KindAccessGranted
	}
	e.metrics.DecisionsTotal.WithLabelValues(outcome).Inc()

	rec := audit.NewRecord("access_decision")
	rec.PrincipalID = req.PrincipalID
	rec.Outcome = outcome
	rec.Detail = map[string]interface{}{
		"request_id": req.RequestID,
		"resource":   req.Resource,
		"action":     req.Action,
		"reason":     decision.Reason,
	}
	e.auditLog.Append(rec)
	e.bus.Emit(kind, "combiner", req.RequestID, map[string]interface{}{
		"principal_id": req.PrincipalID,
		"resource":     req.Resource,
		"reason":       decision.Reason,
	})
	return decision, eval, nil
}

// EnforceAccess is CheckAccess with a hard error on denial.
func (e *Engine) EnforceAccess(ctx context.Context, req *trust.AccessRequest) (access.Decision, error) {
	decision, _, err := e.CheckAccess(ctx, req)
	if err != nil {
		return decision, err
	}
	if !decision.Granted {
		return decision, fmt.Errorf("%w: %s", ErrAccessDenied, decision.Reason)
	}
	return decision, nil
}

// ============================================================================
// SESSIONS
// ============================================================================

// Authenticate evaluates a request and, on a granting decision, opens a
// monitored session. A denying decision fails authentication.
func (e *Engine) Authenticate(ctx context.Context, req *trust.AccessRequest) (*session.Session, access.Decision, error) {
	decision, eval, err := e.CheckAccess(ctx, req)
	if err != nil {
		return nil, decision, err
	}
	if !decision.Granted {
		return nil, decision, fmt.Errorf("%w: %s", ErrAuthenticationFailed, decision.Reason)
	}

	s := e.registry.Create(ctx, req.PrincipalID, req, eval)
	e.bus.Emit(events.KindSessionCreated, "registry", s.ID, map[string]interface{}{
		"principal_id":  req.PrincipalID,
		"initial_score": s.InitialTrustScore,
	})

	rec := audit.NewRecord("session_created")
	rec.PrincipalID = req.PrincipalID
	rec.SessionID = s.ID
	rec.Outcome = string(eval.Recommendation)
	e.auditLog.Append(rec)
	return s, decision, nil
}

// GetSession returns one session.
func (e *Engine) GetSession(id string) (*session.Session, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	return e.registry.Get(id)
}

// Sessions returns all live sessions.
func (e *Engine) Sessions() ([]*session.Session, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	return e.registry.Live(), nil
}

// TerminateSession ends a session explicitly.
func (e *Engine) TerminateSession(ctx context.Context, id, reason string) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	if err := e.registry.Terminate(ctx, id, reason); err != nil {
		return err
	}
	e.metrics.SessionsTerminated.WithLabelValues("logout").Inc()
	e.bus.Emit(events.KindSessionTerminated, "registry", id, map[string]interface{}{"reason": reason})
	return nil
}

// ResolveReauth reports a re-authentication result for a degraded session.
func (e *Engine) ResolveReauth(ctx context.Context, sessionID string, success bool) (session.State, error) {
	if err := e.requireActive(); err != nil {
		return "", err
	}
	return e.monitor.ResolveReauth(ctx, sessionID, success)
}

// RecordActivity refreshes a session's activity clock and last request.
func (e *Engine) RecordActivity(ctx context.Context, sessionID string, req *trust.AccessRequest) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	return e.registry.RecordActivity(ctx, sessionID, req)
}

// onMonitorOutcome feeds monitor remediation into metrics, audit, and the
// event bus.
func (e *Engine) onMonitorOutcome(o session.MonitorOutcome) {
	switch o.Remediation {
	case session.RemediationReauth:
		e.metrics.SessionsDegraded.Inc()
		e.bus.Emit(events.KindSessionDegraded, "monitor", o.SessionID, map[string]interface{}{"score": o.Score})
	case session.RemediationTerminate:
		e.metrics.SessionsTerminated.WithLabelValues("trust_collapse").Inc()
		e.bus.Emit(events.KindSessionTerminated, "monitor", o.SessionID, map[string]interface{}{"score": o.Score})
	default:
		return
	}

	rec := audit.NewRecord("session_remediation")
	rec.SessionID = o.SessionID
	rec.Outcome = string(o.Remediation)
	rec.Detail = map[string]interface{}{"score": o.Score}
	e.auditLog.Append(rec)
}

// ============================================================================
// THREATS + INCIDENTS
// ============================================================================

// IngestEvent queues a security event for the next scan.
func (e *Engine) IngestEvent(ev threat.SecurityEvent) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	e.queue.Push(ev)
	return nil
}

// AnalyzeEvent runs every detector against one event immediately.
func (e *Engine) AnalyzeEvent(ctx context.Context, ev threat.SecurityEvent) (*threat.Analysis, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	analysis, err := e.threats.AnalyzeEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if analysis.Threat != nil {
		e.metrics.ThreatsDetected.WithLabelValues(analysis.Threat.Severity.String()).Inc()
		e.bus.Emit(events.KindThreatDetected, "threat-engine", analysis.Threat.ID, map[string]interface{}{
			"type":     string(analysis.Threat.Type),
			"severity": analysis.Threat.Severity.String(),
		})
	}
	return analysis, nil
}

// PerformThreatScan runs an on-demand scan.
func (e *Engine) PerformThreatScan(ctx context.Context, scanType threat.ScanType, custom []threat.DetectorKind) (*threat.ScanResult, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	result, err := e.threats.PerformScan(ctx, scanType, custom)
	if err != nil {
		return nil, err
	}
	e.metrics.ScansTotal.WithLabelValues(string(scanType)).Inc()
	for _, t := range result.Threats {
		e.metrics.ThreatsDetected.WithLabelValues(t.Severity.String()).Inc()
	}
	e.metrics.SetThreatLevel(string(e.threats.CurrentLevel()))
	return result, nil
}

// ActiveThreats lists unresolved threats within TTL.
func (e *Engine) ActiveThreats() ([]*threat.DetectedThreat, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	return e.threats.ActiveThreats(), nil
}

// ThreatLevel returns the current aggregate level.
func (e *Engine) ThreatLevel() (threat.Level, error) {
	if err := e.requireActive(); err != nil {
		return "", err
	}
	return e.threats.CurrentLevel(), nil
}

// RespondToThreat runs the incident responder for a known threat now,
// outside the notification loop. An empty action uses the severity routing;
// an explicit action overrides it.
func (e *Engine) RespondToThreat(ctx context.Context, threatID string, action incident.Action) (incident.ResponseResult, error) {
	if err := e.requireActive(); err != nil {
		return incident.ResponseResult{}, err
	}
	t, err := e.threats.GetThreat(threatID)
	if err != nil {
		return incident.ResponseResult{}, err
	}
	result, err := e.responder.RespondWith(ctx, t, action)
	if err != nil {
		return incident.ResponseResult{}, err
	}
	e.metrics.ResponsesTotal.WithLabelValues(string(result.Action)).Inc()
	e.bus.Emit(events.KindIncidentResponse, "responder", threatID, map[string]interface{}{
		"action":  string(result.Action),
		"success": result.Success,
	})
	return result, nil
}

// UpdateThreatStatus advances a threat's lifecycle.
func (e *Engine) UpdateThreatStatus(id string, status threat.Status) error {
	if err := e.requireActive(); err != nil {
		return err
	}
	return e.threats.UpdateStatus(id, status)
}

// ============================================================================
// POLICIES
// ============================================================================

// AddSecurityPolicy registers and enforces a new policy.
func (e *Engine) AddSecurityPolicy(ctx context.Context, p policy.SecurityPolicy) (*policy.SecurityPolicy, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	added, err := e.policies.Add(ctx, p)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(events.KindPolicyApplied, "policy-store", added.ID, map[string]interface{}{"version": added.Version})
	return added, nil
}

// UpdateSecurityPolicy replaces a policy and re-enforces it.
func (e *Engine) UpdateSecurityPolicy(ctx context.Context, id string, p policy.SecurityPolicy) (*policy.SecurityPolicy, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	updated, err := e.policies.Update(ctx, id, p)
	if err != nil {
		return nil, err
	}
	e.bus.Emit(events.KindPolicyApplied, "policy-store", id, map[string]interface{}{"version": updated.Version})
	return updated, nil
}

// SecurityPolicies lists all policies.
func (e *Engine) SecurityPolicies() ([]*policy.SecurityPolicy, error) {
	if err := e.requireActive(); err != nil {
		return nil, err
	}
	return e.policies.All(), nil
}

// ============================================================================
// INTROSPECTION
// ============================================================================

// Bus exposes the event bus for stream consumers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Alerts exposes the alert sink.
func (e *Engine) Alerts() audit.AlertSink { return e.alerts }

// Stats returns a status snapshot.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"active":          e.Active(),
		"live_sessions":   e.registry.LiveCount(),
		"threat":          e.threats.Stats(),
		"lockdown_active": e.responder.LockdownActive(),
		"policy_count":    len(e.policies.All()),
	}
}
