package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/internal/events"
)

func dialStream(t *testing.T, httpURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventStreamDeliversEngineEvents(t *testing.T) {
	srv, e := newTestServer(t, true)

	conn := dialStream(t, srv.URL, "/ws/events?kinds="+events.KindTrustEvaluated)

	// The subscription registers asynchronously after the upgrade.
	require.Eventually(t, func() bool {
		return e.Bus().SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	resp := postJSON(t, srv.URL+"/api/v1/trust/evaluate", apiRequest("alice"))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, events.KindTrustEvaluated, env.Kind)
	assert.Equal(t, "req-1", env.Subject)
	assert.Equal(t, "alice", env.Data["principal_id"])
}

func TestEventStreamFiltersKinds(t *testing.T) {
	srv, e := newTestServer(t, true)

	conn := dialStream(t, srv.URL, "/ws/events?kinds="+events.KindSessionCreated)

	require.Eventually(t, func() bool {
		return e.Bus().SubscriberCount() > 0
	}, time.Second, 10*time.Millisecond)

	// Authentication publishes both trust.evaluated and session.created;
	// only the subscribed kind arrives.
	resp := postJSON(t, srv.URL+"/api/v1/authenticate", apiRequest("alice"))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, events.KindSessionCreated, env.Kind)
}
