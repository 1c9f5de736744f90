package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/internal/audit"
	"github.com/trustplane/trustplane/internal/config"
	"github.com/trustplane/trustplane/internal/engine"
	"github.com/trustplane/trustplane/internal/threat"
	"github.com/trustplane/trustplane/internal/trust"
)

func newTestServer(t *testing.T, activate bool) (*httptest.Server, *engine.Engine) {
	t.Helper()
	alerts := audit.NewMemoryAlertSink(0)
	cfg := config.Default()
	cfg.Monitor.SweepInterval = time.Hour

	registry := prometheus.NewRegistry()
	e, err := engine.New(cfg, engine.Options{
		PostureCollector: &trust.StaticPostureCollector{Default: trust.DevicePosture{
			Checks: []trust.PostureCheck{{Name: "malware_scan", Severity: trust.CheckSeverityCritical, Passed: true}},
		}},
		Verifier:   &trust.StaticBehaviorVerifier{Default: trust.VerifierResult{Score: 0.9}},
		AlertSink:  alerts,
		Registerer: registry,
		Signatures: []threat.Signature{{ID: "sig-evil", Pattern: "EVIL_PAYLOAD"}},
	})
	require.NoError(t, err)
	if activate {
		require.NoError(t, e.Activate(context.Background()))
		t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	}

	srv := httptest.NewServer(NewServer(e, alerts).Router(registry))
	t.Cleanup(srv.Close)
	return srv, e
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func apiRequest(principal string) *trust.AccessRequest {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	return &trust.AccessRequest{
		RequestID:   "req-1",
		PrincipalID: principal,
		Resource:    "reports",
		Action:      "read",
		Timestamp:   now,
		Identity: trust.IdentityInfo{
			LastAuthAt:       now.Add(-time.Minute),
			MFASatisfied:     true,
			SessionEncrypted: true,
		},
		Device:  trust.DeviceInfo{DeviceID: "laptop-1", Managed: true},
		Network: trust.NetworkInfo{VPNActive: true, Connection: trust.ConnectionManaged},
		Context: trust.RequestContext{
			Timestamp:       now,
			TrustedLocation: true,
			Sensitivity:     trust.SensitivityLow,
		},
		Behavior: trust.BehaviorProfile{PatternSimilarity: 0.9},
	}
}

func TestHealthReflectsActivation(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srvActive, _ := newTestServer(t, true)
	resp2, err := http.Get(srvActive.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestEvaluateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp := postJSON(t, srv.URL+"/api/v1/trust/evaluate", apiRequest("alice"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var eval trust.Evaluation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eval))
	assert.Equal(t, trust.RecommendAllow, eval.Recommendation)
	assert.InDelta(t, 1.0, eval.CompositeScore, 1e-9)
}

func TestEvaluateRejectsWhenInactive(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp := postJSON(t, srv.URL+"/api/v1/trust/evaluate", apiRequest("alice"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthenticateAndSessionEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp := postJSON(t, srv.URL+"/api/v1/authenticate", apiRequest("alice"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Session.ID)

	list, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer list.Body.Close()
	var sessions []json.RawMessage
	require.NoError(t, json.NewDecoder(list.Body).Decode(&sessions))
	assert.Len(t, sessions, 1)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/sessions/"+created.Session.ID+"?reason=logout", nil)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	missing, err := http.Get(srv.URL + "/api/v1/sessions/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestScanAndThreatEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, true)

	ingest := postJSON(t, srv.URL+"/api/v1/events", map[string]interface{}{
		"id":        "ev-1",
		"source":    "host-1",
		"payload":   "nothing of note",
		"timestamp": time.Now(),
	})
	defer ingest.Body.Close()
	require.Equal(t, http.StatusAccepted, ingest.StatusCode)

	scan := postJSON(t, srv.URL+"/api/v1/scan", map[string]string{"type": "quick"})
	defer scan.Body.Close()
	require.Equal(t, http.StatusOK, scan.StatusCode)
	var result struct {
		EventsAnalyzed int `json:"events_analyzed"`
	}
	require.NoError(t, json.NewDecoder(scan.Body).Decode(&result))
	assert.Equal(t, 1, result.EventsAnalyzed)

	threats, err := http.Get(srv.URL + "/api/v1/threats")
	require.NoError(t, err)
	defer threats.Body.Close()
	require.Equal(t, http.StatusOK, threats.StatusCode)
	var listing struct {
		ThreatLevel string `json:"threat_level"`
	}
	require.NoError(t, json.NewDecoder(threats.Body).Decode(&listing))
	assert.Equal(t, "low", listing.ThreatLevel)

	respond := postJSON(t, srv.URL+"/api/v1/threats/missing/respond", struct{}{})
	defer respond.Body.Close()
	assert.Equal(t, http.StatusNotFound, respond.StatusCode)
}

func TestRespondEndpointHonorsAction(t *testing.T) {
	srv, _ := newTestServer(t, true)

	ingest := postJSON(t, srv.URL+"/api/v1/events", map[string]interface{}{
		"id":        "ev-evil",
		"source":    "host-1",
		"payload":   "EVIL_PAYLOAD",
		"timestamp": time.Now(),
	})
	ingest.Body.Close()
	require.Equal(t, http.StatusAccepted, ingest.StatusCode)

	scan := postJSON(t, srv.URL+"/api/v1/scan", map[string]string{"type": "quick"})
	defer scan.Body.Close()
	require.Equal(t, http.StatusOK, scan.StatusCode)
	var result struct {
		Threats []struct {
			ID string `json:"id"`
		} `json:"threats"`
	}
	require.NoError(t, json.NewDecoder(scan.Body).Decode(&result))
	require.Len(t, result.Threats, 1)
	id := result.Threats[0].ID

	respond := postJSON(t, srv.URL+"/api/v1/threats/"+id+"/respond", map[string]string{"action": "investigate"})
	defer respond.Body.Close()
	require.Equal(t, http.StatusOK, respond.StatusCode)
	var rr struct {
		Action string `json:"action"`
	}
	require.NoError(t, json.NewDecoder(respond.Body).Decode(&rr))
	assert.Equal(t, "investigate", rr.Action)

	bad := postJSON(t, srv.URL+"/api/v1/threats/"+id+"/respond", map[string]string{"action": "obliterate"})
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestPolicyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, true)

	created := postJSON(t, srv.URL+"/api/v1/policies", map[string]interface{}{
		"name":               "block-mallory",
		"blocked_principals": []string{"mallory"},
	})
	defer created.Body.Close()
	require.Equal(t, http.StatusCreated, created.StatusCode)

	var p struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	require.NoError(t, json.NewDecoder(created.Body).Decode(&p))
	assert.Equal(t, 1, p.Version)

	data, _ := json.Marshal(map[string]string{"name": "relaxed"})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/policies/"+p.ID, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	updated, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer updated.Body.Close()
	require.Equal(t, http.StatusOK, updated.StatusCode)

	var p2 struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.NewDecoder(updated.Body).Decode(&p2))
	assert.Equal(t, 2, p2.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
