package threat

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
)

// DetectorKind identifies one of the five detectors. The set is closed.
type DetectorKind string

const (
	DetectorNetwork    DetectorKind = "network"
	DetectorBehavioral DetectorKind = "behavioral"
	DetectorSignature  DetectorKind = "signature"
	DetectorAnomaly    DetectorKind = "anomaly"
	DetectorML         DetectorKind = "ml"
)

// Detection is one detector's contribution for an event.
type Detection struct {
	Score      float64  `json:"score"`      // 0.0 - 1.0
	Confidence float64  `json:"confidence"` // 0.0 - 1.0
	Indicators []string `json:"indicators,omitempty"`
}

// Detector analyzes a single security event. Implementations must respect
// ctx; the engine enforces a per-detector deadline and skips overruns with
// degraded confidence.
type Detector interface {
	Kind() DetectorKind
	Analyze(ctx context.Context, ev SecurityEvent) (Detection, error)
}

// ============================================================================
// SIGNATURE DETECTOR
// ============================================================================

// Signature is one known-bad pattern.
type Signature struct {
	ID      string
	Pattern string
}

// SignatureDetector matches event payloads against a known-bad pattern set.
type SignatureDetector struct {
	mu         sync.RWMutex
	signatures []Signature
}

func NewSignatureDetector(signatures []Signature) *SignatureDetector {
	return &SignatureDetector{signatures: signatures}
}

// AddSignature appends a pattern at runtime.
func (d *SignatureDetector) AddSignature(sig Signature) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signatures = append(d.signatures, sig)
}

func (d *SignatureDetector) Kind() DetectorKind { return DetectorSignature }

func (d *SignatureDetector) Analyze(_ context.Context, ev SecurityEvent) (Detection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var hits []string
	for _, sig := range d.signatures {
		if sig.Pattern != "" && strings.Contains(ev.Payload, sig.Pattern) {
			hits = append(hits, "signature match: "+sig.ID)
		}
	}
	if len(hits) == 0 {
		return Detection{Score: 0.0, Confidence: 0.95}, nil
	}
	return Detection{Score: 0.95, Confidence: 0.95, Indicators: hits}, nil
}

// ============================================================================
// NETWORK DETECTOR
// ============================================================================

// NetworkDetectorConfig tunes the network traffic heuristics.
type NetworkDetectorConfig struct {
	SuspiciousPorts  []int
	ExfilBytesOut    int64   // outbound volume considered exfiltration-sized
	FloodRequestRate float64 // req/s from one source considered a flood
}

// NetworkDetector scores connection metadata: suspicious destination ports,
// exfiltration-sized outbound transfers, request floods.
type NetworkDetector struct {
	cfg   NetworkDetectorConfig
	ports map[int]struct{}
}

func NewNetworkDetector(cfg NetworkDetectorConfig) *NetworkDetector {
	if len(cfg.SuspiciousPorts) == 0 {
		cfg.SuspiciousPorts = []int{1337, 4444, 5555, 6667, 31337}
	}
	if cfg.ExfilBytesOut == 0 {
		cfg.ExfilBytesOut = 50 << 20 // 50 MiB
	}
	if cfg.FloodRequestRate == 0 {
		cfg.FloodRequestRate = 200
	}
	ports := make(map[int]struct{}, len(cfg.SuspiciousPorts))
	for _, p := range cfg.SuspiciousPorts {
		ports[p] = struct{}{}
	}
	return &NetworkDetector{cfg: cfg, ports: ports}
}

func (d *NetworkDetector) Kind() DetectorKind { return DetectorNetwork }

func (d *NetworkDetector) Analyze(_ context.Context, ev SecurityEvent) (Detection, error) {
	score := 0.0
	var indicators []string

	if _, bad := d.ports[ev.DestinationPort]; bad {
		score += 0.5
		indicators = append(indicators, fmt.Sprintf("suspicious destination port %d", ev.DestinationPort))
	}
	if ev.BytesOut >= d.cfg.ExfilBytesOut {
		score += 0.4
		indicators = append(indicators, fmt.Sprintf("outbound volume %d bytes", ev.BytesOut))
	}
	if ev.RequestRate >= d.cfg.FloodRequestRate {
		score += 0.3
		indicators = append(indicators, fmt.Sprintf("request flood %.0f req/s", ev.RequestRate))
	}
	if score > 1.0 {
		score = 1.0
	}
	return Detection{Score: score, Confidence: 0.85, Indicators: indicators}, nil
}

// ============================================================================
// BEHAVIORAL DETECTOR
// ============================================================================

// BehavioralDetectorConfig tunes the principal-behavior heuristics.
type BehavioralDetectorConfig struct {
	MaxFailedLogins int
	NightStartHour  int
	NightEndHour    int
}

// BehavioralDetector scores credential-abuse patterns: bursts of failed
// logins and activity at hours the principal never works.
type BehavioralDetector struct {
	cfg BehavioralDetectorConfig
}

func NewBehavioralDetector(cfg BehavioralDetectorConfig) *BehavioralDetector {
	if cfg.MaxFailedLogins == 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.NightStartHour == 0 {
		cfg.NightStartHour = 23
	}
	if cfg.NightEndHour == 0 {
		cfg.NightEndHour = 5
	}
	return &BehavioralDetector{cfg: cfg}
}

func (d *BehavioralDetector) Kind() DetectorKind { return DetectorBehavioral }

func (d *BehavioralDetector) Analyze(_ context.Context, ev SecurityEvent) (Detection, error) {
	score := 0.0
	var indicators []string

	if ev.FailedLogins >= d.cfg.MaxFailedLogins {
		score += 0.7
		indicators = append(indicators, fmt.Sprintf("%d failed logins", ev.FailedLogins))
	} else if ev.FailedLogins > 0 {
		score += 0.1 * float64(ev.FailedLogins)
	}

	hour := ev.Timestamp.Hour()
	if hour >= d.cfg.NightStartHour || hour < d.cfg.NightEndHour {
		score += 0.2
		indicators = append(indicators, "activity during dead hours")
	}
	if score > 1.0 {
		score = 1.0
	}
	return Detection{Score: score, Confidence: 0.8, Indicators: indicators}, nil
}

// ============================================================================
// ANOMALY DETECTOR
// ============================================================================

// AnomalyDetectorConfig tunes the statistical anomaly heuristics.
type AnomalyDetectorConfig struct {
	EntropyThreshold float64 // payload Shannon entropy above this is suspect
	JitterWindow     int
}

// AnomalyDetector flags statistical outliers: payload entropy spikes
// (encrypted or steganographic content in channels that should carry plain
// business data) and timing-channel jitter per source.
type AnomalyDetector struct {
	cfg AnomalyDetectorConfig

	mu      sync.Mutex
	lastAt  map[string]int64     // source -> last event unix nanos
	jitters map[string][]float64 // source -> inter-event deltas (seconds)
}

func NewAnomalyDetector(cfg AnomalyDetectorConfig) *AnomalyDetector {
	if cfg.EntropyThreshold == 0 {
		cfg.EntropyThreshold = 5.5
	}
	if cfg.JitterWindow == 0 {
		cfg.JitterWindow = 10
	}
	return &AnomalyDetector{
		cfg:     cfg,
		lastAt:  make(map[string]int64),
		jitters: make(map[string][]float64),
	}
}

func (d *AnomalyDetector) Kind() DetectorKind { return DetectorAnomaly }

func (d *AnomalyDetector) Analyze(_ context.Context, ev SecurityEvent) (Detection, error) {
	score := 0.0
	var indicators []string

	if ev.Payload != "" {
		entropy := shannonEntropy(ev.Payload)
		if entropy > d.cfg.EntropyThreshold {
			score += 0.6
			indicators = append(indicators, fmt.Sprintf("payload entropy %.2f exceeds %.2f", entropy, d.cfg.EntropyThreshold))
		}
	}

	if v := d.recordJitter(ev); v > 1.0 {
		score += 0.3
		indicators = append(indicators, fmt.Sprintf("timing jitter variance %.2f", v))
	}
	if score > 1.0 {
		score = 1.0
	}
	return Detection{Score: score, Confidence: 0.75, Indicators: indicators}, nil
}

func (d *AnomalyDetector) recordJitter(ev SecurityEvent) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp.UnixNano()
	last, seen := d.lastAt[ev.Source]
	d.lastAt[ev.Source] = now
	if !seen {
		return 0
	}

	delta := float64(now-last) / 1e9
	history := append(d.jitters[ev.Source], delta)
	if len(history) > d.cfg.JitterWindow {
		history = history[1:]
	}
	d.jitters[ev.Source] = history
	return variance(history)
}

// shannonEntropy measures payload randomness. Plain business text sits
// around 3.5-4.5 bits; encrypted or packed payloads spike toward 7+.
func shannonEntropy(data string) float64 {
	if len(data) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range data {
		counts[r]++
		total++
	}
	var entropy float64
	for _, count := range counts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	var out float64
	for _, v := range data {
		out += (v - mean) * (v - mean)
	}
	return out / float64(len(data))
}

// ============================================================================
// ML DETECTOR
// ============================================================================

// Model is the port to an external classification model.
type Model interface {
	Predict(ctx context.Context, ev SecurityEvent) (score, confidence float64, err error)
}

// MLDetector wraps an external model behind the Detector contract. A model
// failure reports zero confidence rather than breaking the scan.
type MLDetector struct {
	model Model
}

func NewMLDetector(model Model) *MLDetector { return &MLDetector{model: model} }

func (d *MLDetector) Kind() DetectorKind { return DetectorML }

func (d *MLDetector) Analyze(ctx context.Context, ev SecurityEvent) (Detection, error) {
	if d.model == nil {
		return Detection{Score: 0, Confidence: 0}, nil
	}
	score, confidence, err := d.model.Predict(ctx, ev)
	if err != nil {
		return Detection{}, fmt.Errorf("model prediction: %w", err)
	}
	var indicators []string
	if score >= 0.7 {
		indicators = append(indicators, fmt.Sprintf("model score %.2f", score))
	}
	return Detection{Score: score, Confidence: confidence, Indicators: indicators}, nil
}

// StaticModel is a deterministic fake for tests and unwired deployments.
type StaticModel struct {
	Scores     map[string]float64 // event id -> score
	Default    float64
	Confidence float64
}

func (m *StaticModel) Predict(_ context.Context, ev SecurityEvent) (float64, float64, error) {
	conf := m.Confidence
	if conf == 0 {
		conf = 0.7
	}
	if s, ok := m.Scores[ev.ID]; ok {
		return s, conf, nil
	}
	return m.Default, conf, nil
}
