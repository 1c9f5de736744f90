package threat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrThreatNotFound is returned for unknown threat ids.
var ErrThreatNotFound = errors.New("threat not found")

// ErrInvalidTransition is returned when a status update would move the
// lifecycle backward.
var ErrInvalidTransition = errors.New("invalid threat status transition")

// EventSource supplies pending security events for periodic scans. The API
// layer and collectors push into it; the engine drains it each sweep.
type EventSource interface {
	Drain(max int) []SecurityEvent
}

// ScanIntervals maps the process-wide threat level onto the scan cadence.
// Rising threat tightens the loop; this feedback is applied explicitly by
// the scan loop resetting its timer after every pass.
type ScanIntervals struct {
	Critical time.Duration
	High     time.Duration
	Elevated time.Duration
	Low      time.Duration
}

// EngineConfig configures the detection engine.
type EngineConfig struct {
	ThreatThreshold  float64       // mean detector score at/above which an event is a threat
	ThreatTTL        time.Duration // unresolved threats older than this are purged
	DetectorTimeout  time.Duration // per-detector deadline
	ScanBatchSize    int           // events drained per scan
	NotifyBufferSize int           // detected-threat channel depth (drop-oldest)
	Intervals        ScanIntervals
}

// Engine runs the detectors, owns the active-threat set, and publishes
// detected threats to the incident responder over a bounded channel.
type Engine struct {
	mu      sync.RWMutex
	threats map[string]*DetectedThreat

	detectors map[DetectorKind]Detector
	source    EventSource
	cfg       EngineConfig
	notify    chan *DetectedThreat
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// DetectorSet is the closed set of detectors the engine scans with.
type DetectorSet struct {
	Network    Detector
	Behavioral Detector
	Signature  Detector
	Anomaly    Detector
	ML         Detector
}

// NewEngine creates a detection engine.
func NewEngine(set DetectorSet, source EventSource, cfg EngineConfig) *Engine {
	if cfg.ThreatThreshold == 0 {
		cfg.ThreatThreshold = 0.7
	}
	if cfg.ThreatTTL == 0 {
		cfg.ThreatTTL = 24 * time.Hour
	}
	if cfg.DetectorTimeout == 0 {
		cfg.DetectorTimeout = 250 * time.Millisecond
	}
	if cfg.ScanBatchSize == 0 {
		cfg.ScanBatchSize = 256
	}
	if cfg.NotifyBufferSize == 0 {
		cfg.NotifyBufferSize = 128
	}
	if cfg.Intervals.Critical == 0 {
		cfg.Intervals.Critical = 30 * time.Second
	}
	if cfg.Intervals.High == 0 {
		cfg.Intervals.High = 60 * time.Second
	}
	if cfg.Intervals.Elevated == 0 {
		cfg.Intervals.Elevated = 5 * time.Minute
	}
	if cfg.Intervals.Low == 0 {
		cfg.Intervals.Low = 10 * time.Minute
	}

	detectors := make(map[DetectorKind]Detector)
	for _, d := range []Detector{set.Network, set.Behavioral, set.Signature, set.Anomaly, set.ML} {
		if d != nil {
			detectors[d.Kind()] = d
		}
	}

	return &Engine{
		threats:   make(map[string]*DetectedThreat),
		detectors: detectors,
		source:    source,
		cfg:       cfg,
		notify:    make(chan *DetectedThreat, cfg.NotifyBufferSize),
		stopCh:    make(chan struct{}),
	}
}

// Notifications is the bounded channel of newly detected threats. When the
// consumer falls behind the engine drops the oldest pending notification
// rather than blocking detection.
func (e *Engine) Notifications() <-chan *DetectedThreat { return e.notify }

// Start launches the periodic scan loop. The timer is re-armed after every
// pass with the interval for the current threat level.
func (e *Engine) Start(ctx context.Context) {
	slog.Info("threat engine started", "threshold", e.cfg.ThreatThreshold, "ttl", e.cfg.ThreatTTL)
	go func() {
		timer := time.NewTimer(e.ScanInterval())
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				if _, err := e.PerformScan(ctx, ScanIncremental, nil); err != nil {
					slog.Warn("periodic scan failed", "error", err)
				}
				timer.Reset(e.ScanInterval())
			case <-e.stopCh:
				slog.Info("threat engine stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scan loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// detectorsFor resolves a scan type to the detector subset it runs.
func (e *Engine) detectorsFor(scanType ScanType, custom []DetectorKind) ([]Detector, error) {
	var kinds []DetectorKind
	switch scanType {
	case ScanQuick:
		kinds = []DetectorKind{DetectorSignature}
	case ScanComprehensive:
		kinds = []DetectorKind{DetectorNetwork, DetectorBehavioral, DetectorSignature, DetectorAnomaly, DetectorML}
	case ScanIncremental:
		kinds = []DetectorKind{DetectorNetwork, DetectorBehavioral, DetectorSignature, DetectorAnomaly}
	case ScanCustom:
		if len(custom) == 0 {
			return nil, errors.New("custom scan requires an explicit detector subset")
		}
		kinds = custom
	default:
		return nil, fmt.Errorf("unknown scan type %q", scanType)
	}

	out := make([]Detector, 0, len(kinds))
	for _, k := range kinds {
		if d, ok := e.detectors[k]; ok {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no detectors available for scan type %q", scanType)
	}
	return out, nil
}

// PerformScan drains pending events and analyzes each with the detector
// subset for the scan type. Per-event failures are logged and skipped.
func (e *Engine) PerformScan(ctx context.Context, scanType ScanType, custom []DetectorKind) (*ScanResult, error) {
	detectors, err := e.detectorsFor(scanType, custom)
	if err != nil {
		return nil, err
	}

	e.purgeExpired()

	result := &ScanResult{
		ScanID:    uuid.NewString(),
		Type:      scanType,
		StartedAt: time.Now(),
	}
	for _, d := range detectors {
		result.DetectorsUsed = append(result.DetectorsUsed, d.Kind())
	}

	var events []SecurityEvent
	if e.source != nil {
		events = e.source.Drain(e.cfg.ScanBatchSize)
	}

	for _, ev := range events {
		analysis, analyzeErr := e.analyze(ctx, ev, detectors)
		if analyzeErr != nil {
			slog.Warn("event analysis failed", "event_id", ev.ID, "error", analyzeErr)
			continue
		}
		result.EventsAnalyzed++
		if analysis.Threat != nil {
			result.Threats = append(result.Threats, analysis.Threat)
		}
	}

	result.Duration = time.Since(result.StartedAt)
	if len(result.Threats) > 0 {
		slog.Info("scan completed",
			"scan_id", result.ScanID,
			"type", scanType,
			"events", result.EventsAnalyzed,
			"threats", len(result.Threats),
			"level", e.CurrentLevel())
	}
	return result, nil
}

// AnalyzeEvent runs all detectors against a single event.
func (e *Engine) AnalyzeEvent(ctx context.Context, ev SecurityEvent) (*Analysis, error) {
	detectors, err := e.detectorsFor(ScanComprehensive, nil)
	if err != nil {
		return nil, err
	}
	return e.analyze(ctx, ev, detectors)
}

func (e *Engine) analyze(ctx context.Context, ev SecurityEvent, detectors []Detector) (*Analysis, error) {
	type outcome struct {
		kind      DetectorKind
		detection Detection
		err       error
	}
	results := make(chan outcome, len(detectors))

	for _, d := range detectors {
		go func(d Detector) {
			detectCtx, cancel := context.WithTimeout(ctx, e.cfg.DetectorTimeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{kind: d.Kind(), err: fmt.Errorf("detector panic: %v", r)}
					}
				}()
				det, err := d.Analyze(detectCtx, ev)
				done <- outcome{kind: d.Kind(), detection: det, err: err}
			}()

			select {
			case o := <-done:
				results <- o
			case <-detectCtx.Done():
				// Degraded confidence, never an unbounded hang.
				results <- outcome{kind: d.Kind(), detection: Detection{Score: 0, Confidence: 0}}
			}
		}(d)
	}

	analysis := &Analysis{
		EventID:    ev.ID,
		Detections: make(map[DetectorKind]Detection, len(detectors)),
	}

	var scoreSum, confSum float64
	contributing := 0
	for range detectors {
		o := <-results
		if o.err != nil {
			slog.Warn("detector failed", "detector", o.kind, "event_id", ev.ID, "error", o.err)
			continue
		}
		analysis.Detections[o.kind] = o.detection
		scoreSum += o.detection.Score
		confSum += o.detection.Confidence
		contributing++
	}

	if contributing == 0 {
		return nil, errors.New("no detector produced a result")
	}

	analysis.MeanScore = scoreSum / float64(contributing)
	analysis.Confidence = confSum / float64(contributing)
	analysis.IsThreat = analysis.MeanScore >= e.cfg.ThreatThreshold

	if analysis.IsThreat {
		analysis.Threat = e.recordThreat(ev, analysis)
	}
	return analysis, nil
}

func (e *Engine) recordThreat(ev SecurityEvent, analysis *Analysis) *DetectedThreat {
	tType := threatTypeFor(ev, analysis.Detections)
	var assets []string
	if ev.Source != "" {
		assets = append(assets, ev.Source)
	}
	var indicators []string
	for _, d := range analysis.Detections {
		indicators = append(indicators, d.Indicators...)
	}

	t := &DetectedThreat{
		ID:             uuid.NewString(),
		Type:           tType,
		Severity:       severityForScore(analysis.MeanScore),
		Title:          threatTitle(tType, ev),
		Description:    fmt.Sprintf("mean detector score %.2f (confidence %.2f): %v", analysis.MeanScore, analysis.Confidence, indicators),
		DetectionDate:  time.Now(),
		Confidence:     analysis.Confidence,
		AffectedAssets: assets,
		Status:         StatusDetected,
		SourceEventID:  ev.ID,
		PrincipalID:    ev.PrincipalID,
		SessionID:      ev.SessionID,
	}

	e.mu.Lock()
	e.threats[t.ID] = t
	e.mu.Unlock()

	e.publish(t)
	slog.Info("threat detected", "threat_id", t.ID, "type", t.Type, "severity", t.Severity.String(), "source", ev.Source)
	return copyThreat(t)
}

// publish sends on the bounded notification channel, dropping the oldest
// pending entry when the consumer is behind.
func (e *Engine) publish(t *DetectedThreat) {
	for {
		select {
		case e.notify <- copyThreat(t):
			return
		default:
			select {
			case dropped := <-e.notify:
				slog.Warn("notification queue full, dropping oldest", "dropped_threat_id", dropped.ID)
			default:
			}
		}
	}
}

// ActiveThreats returns copies of all tracked threats that are neither
// resolved, false positives, nor past their TTL.
func (e *Engine) ActiveThreats() []*DetectedThreat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cutoff := time.Now().Add(-e.cfg.ThreatTTL)
	out := make([]*DetectedThreat, 0, len(e.threats))
	for _, t := range e.threats {
		if t.Status == StatusResolved || t.Status == StatusFalsePositive {
			continue
		}
		if t.DetectionDate.Before(cutoff) {
			continue
		}
		out = append(out, copyThreat(t))
	}
	return out
}

// GetThreat returns a copy of one threat.
func (e *Engine) GetThreat(id string) (*DetectedThreat, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.threats[id]
	if !ok {
		return nil, ErrThreatNotFound
	}
	return copyThreat(t), nil
}

// UpdateStatus advances a threat's lifecycle. Backward moves are rejected;
// severity never changes.
func (e *Engine) UpdateStatus(id string, status Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threats[id]
	if !ok {
		return ErrThreatNotFound
	}
	if !canTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
	}
	t.Status = status
	if status == StatusResolved || status == StatusFalsePositive {
		now := time.Now()
		t.ResolutionDate = &now
	}
	return nil
}

// CurrentLevel derives the process-wide threat level from the active set:
// any Critical threat forces Critical, any High forces High, six or more
// Medium threats force Elevated, otherwise the level scales with count.
func (e *Engine) CurrentLevel() Level {
	active := e.ActiveThreats()

	mediums := 0
	highest := Severity(-1)
	for _, t := range active {
		if t.Severity > highest {
			highest = t.Severity
		}
		if t.Severity == SeverityMedium {
			mediums++
		}
	}

	switch {
	case highest >= SeverityCritical:
		return LevelCritical
	case highest >= SeverityHigh:
		return LevelHigh
	case mediums >= 6:
		return LevelElevated
	case len(active) >= 3:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ScanInterval returns the cadence for the current threat level.
func (e *Engine) ScanInterval() time.Duration {
	switch e.CurrentLevel() {
	case LevelCritical:
		return e.cfg.Intervals.Critical
	case LevelHigh:
		return e.cfg.Intervals.High
	case LevelElevated, LevelMedium:
		return e.cfg.Intervals.Elevated
	default:
		return e.cfg.Intervals.Low
	}
}

// purgeExpired drops threats older than the TTL from the tracked set,
// bounding the set's size and the per-sweep cost.
func (e *Engine) purgeExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-e.cfg.ThreatTTL)
	purged := 0
	for id, t := range e.threats {
		if t.DetectionDate.Before(cutoff) {
			delete(e.threats, id)
			purged++
		}
	}
	if purged > 0 {
		slog.Info("expired threats purged", "count", purged)
	}
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	tracked := len(e.threats)
	e.mu.RUnlock()
	return map[string]interface{}{
		"tracked_threats":  tracked,
		"active_threats":   len(e.ActiveThreats()),
		"threat_level":     string(e.CurrentLevel()),
		"threat_threshold": e.cfg.ThreatThreshold,
		"scan_interval":    e.ScanInterval().String(),
	}
}

func copyThreat(t *DetectedThreat) *DetectedThreat {
	copied := *t
	if t.ResolutionDate != nil {
		rd := *t.ResolutionDate
		copied.ResolutionDate = &rd
	}
	copied.AffectedAssets = append([]string(nil), t.AffectedAssets...)
	return &copied
}

// ============================================================================
// EVENT QUEUE
// ============================================================================

// Queue is a bounded in-memory EventSource. Producers push collected events;
// when full the oldest event is dropped so ingestion never blocks.
type Queue struct {
	mu     sync.Mutex
	events []SecurityEvent
	limit  int
}

// NewQueue creates a queue holding at most limit events.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 4096
	}
	return &Queue{limit: limit}
}

// Push enqueues an event, dropping the oldest when full.
func (q *Queue) Push(ev SecurityEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.limit {
		q.events = q.events[1:]
	}
	q.events = append(q.events, ev)
}

// Drain removes and returns up to max pending events.
func (q *Queue) Drain(max int) []SecurityEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.events) {
		max = len(q.events)
	}
	out := make([]SecurityEvent, max)
	copy(out, q.events[:max])
	q.events = q.events[max:]
	return out
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
