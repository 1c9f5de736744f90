// Package threat implements the multi-engine threat-detection pipeline and
// its scan/alert lifecycle. Detectors score security events independently;
// the engine fuses their scores, tracks active threats with a TTL-bounded
// set, and derives a process-wide threat level that feeds back into the
// scan cadence.
package threat

import (
	"fmt"
	"time"
)

// Severity orders threats. Immutable after a threat is created.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Type categorizes a detected threat.
type Type string

const (
	TypeMalware         Type = "malware"
	TypeIntrusion       Type = "intrusion"
	TypeExfiltration    Type = "data_exfiltration"
	TypeCredentialAbuse Type = "credential_abuse"
	TypeAnomaly         Type = "anomaly"
)

// Status is the threat lifecycle state. It advances only forward, except
// that any unresolved threat may be reclassified as a false positive.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusMitigated     Status = "mitigated"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

var statusOrder = map[Status]int{
	StatusDetected:      0,
	StatusInvestigating: 1,
	StatusContained:     2,
	StatusMitigated:     3,
	StatusResolved:      4,
}

// canTransition reports whether a status change is legal.
func canTransition(from, to Status) bool {
	if from == StatusFalsePositive || from == StatusResolved {
		return false
	}
	if to == StatusFalsePositive {
		return true
	}
	fromOrder, okFrom := statusOrder[from]
	toOrder, okTo := statusOrder[to]
	return okFrom && okTo && toOrder > fromOrder
}

// DetectedThreat is one threat the engine is tracking.
type DetectedThreat struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	DetectionDate  time.Time  `json:"detection_date"`
	Confidence     float64    `json:"confidence"`
	AffectedAssets []string   `json:"affected_assets,omitempty"`
	Status         Status     `json:"status"`
	ResolutionDate *time.Time `json:"resolution_date,omitempty"`
	SourceEventID  string     `json:"source_event_id,omitempty"`
	PrincipalID    string     `json:"principal_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
}

// Level is the process-wide threat level derived from the active set.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// SecurityEvent is the raw input detectors analyze.
type SecurityEvent struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"` // originating host/address
	PrincipalID     string    `json:"principal_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Kind            string    `json:"kind"` // auth, network_flow, payload, ...
	Payload         string    `json:"payload,omitempty"`
	DestinationPort int       `json:"destination_port,omitempty"`
	BytesOut        int64     `json:"bytes_out,omitempty"`
	RequestRate     float64   `json:"request_rate,omitempty"` // req/s from source
	FailedLogins    int       `json:"failed_logins,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ScanType selects which detectors a scan invokes.
type ScanType string

const (
	ScanQuick         ScanType = "quick"         // signatures only
	ScanComprehensive ScanType = "comprehensive" // all detectors
	ScanIncremental   ScanType = "incremental"   // all except ML
	ScanCustom        ScanType = "custom"        // explicit subset
)

// ScanResult summarizes one scan pass.
type ScanResult struct {
	ScanID         string            `json:"scan_id"`
	Type           ScanType          `json:"type"`
	StartedAt      time.Time         `json:"started_at"`
	Duration       time.Duration     `json:"duration"`
	EventsAnalyzed int               `json:"events_analyzed"`
	DetectorsUsed  []DetectorKind    `json:"detectors_used"`
	Threats        []*DetectedThreat `json:"threats,omitempty"`
}

// Analysis is the per-event verdict from AnalyzeEvent.
type Analysis struct {
	EventID    string                     `json:"event_id"`
	MeanScore  float64                    `json:"mean_score"`
	Confidence float64                    `json:"confidence"`
	IsThreat   bool                       `json:"is_threat"`
	Detections map[DetectorKind]Detection `json:"detections"`
	Threat     *DetectedThreat            `json:"threat,omitempty"`
}

func severityForScore(score float64) Severity {
	switch {
	case score >= 0.95:
		return SeverityCritical
	case score >= 0.85:
		return SeverityHigh
	case score >= 0.75:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func threatTypeFor(ev SecurityEvent, detections map[DetectorKind]Detection) Type {
	// The highest-scoring detector names the threat class.
	var best DetectorKind
	bestScore := -1.0
	for kind, d := range detections {
		if d.Score > bestScore {
			best, bestScore = kind, d.Score
		}
	}
	switch best {
	case DetectorSignature:
		return TypeMalware
	case DetectorNetwork:
		if ev.BytesOut > 0 {
			return TypeExfiltration
		}
		return TypeIntrusion
	case DetectorBehavioral:
		return TypeCredentialAbuse
	default:
		return TypeAnomaly
	}
}

func threatTitle(t Type, ev SecurityEvent) string {
	return fmt.Sprintf("%s from %s", t, ev.Source)
}
