package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echosos/beacon-node/internal/config"
	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/logging"
	"echosos/beacon-node/internal/model"
	"echosos/beacon-node/internal/relay"
	"echosos/beacon-node/internal/store"
)

// newTestApp opens an app on a temp database and runs its node and journal
// writer without the network listeners.
func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Name = "test-node"
	cfg.Node.DatabasePath = filepath.Join(t.TempDir(), "echosos.db")

	a := New(cfg, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.open(ctx))

	nodeDone := make(chan struct{})
	go func() {
		_ = a.node.Run(ctx)
		close(nodeDone)
	}()
	recDone := make(chan struct{})
	go func() {
		a.recorder.run(ctx)
		close(recDone)
	}()
	a.ready.Store(true)

	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-nodeDone
		<-recDone
		a.close()
	})
	return a, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestSOSLifecycleOverHTTP(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/sos", map[string]string{"emergency": "fire"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var alert model.LocalAlert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alert))
	assert.Equal(t, model.EmergencyFire, alert.Message.Emergency)
	assert.Equal(t, uint8(5), alert.Message.HopBudget)
	assert.Equal(t, uint16(0), alert.Message.Sequence)

	var status map[string]any
	getJSON(t, srv.URL+"/api/status", &status)
	require.Contains(t, status, "local_alert")
	assert.Equal(t, "normal", status["profile"])

	resp = postJSON(t, srv.URL+"/api/sos/cancel", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postJSON(t, srv.URL+"/api/sos/cancel", struct{}{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A second alert gets the next persisted sequence number.
	resp = postJSON(t, srv.URL+"/api/sos", map[string]string{"emergency": "medical"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&alert))
	assert.Equal(t, uint16(1), alert.Message.Sequence)

	require.Eventually(t, func() bool {
		var journal struct {
			Entries []model.JournalEntry `json:"entries"`
		}
		getJSON(t, srv.URL+"/api/journal", &journal)
		kinds := map[string]bool{}
		for _, e := range journal.Entries {
			kinds[e.Kind] = true
		}
		return kinds[store.KindLocalRaised] && kinds[store.KindLocalCancelled]
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRejectsBadRequests(t *testing.T) {
	_, srv := newTestApp(t)

	resp := postJSON(t, srv.URL+"/api/sos", map[string]string{"emergency": "alien"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/battery", map[string]float64{"level": 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/pinpoint", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/fix", map[string]any{"lat": 1, "lon": 2, "quality": "4d"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(srv.URL + "/api/sos")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
	assert.Equal(t, http.MethodPost, get.Header.Get("Allow"))
}

func TestProfileControlsOverHTTP(t *testing.T) {
	a, srv := newTestApp(t)

	var out map[string]any
	resp := postJSON(t, srv.URL+"/api/pinpoint", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "pinpoint", out["profile"])

	settings, err := a.store.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "true", settings[settingPinpoint])

	resp = postJSON(t, srv.URL+"/api/battery", map[string]float64{"level": 0.1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "saver", out["profile"])
}

func TestFixOverHTTP(t *testing.T) {
	_, srv := newTestApp(t)

	var out map[string]any
	resp := postJSON(t, srv.URL+"/api/fix", map[string]any{"lat": 48.2082, "lon": 16.3738, "quality": "3d"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["has_fix"])

	resp = postJSON(t, srv.URL+"/api/fix", map[string]any{"lat": 95, "lon": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, false, out["has_fix"])
	assert.Equal(t, geo.NoFix.String(), out["fix"])
}

func TestHealthAndReadiness(t *testing.T) {
	a, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	a.ready.Store(false)
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRecorderPersistsPeerAlertAndRelay(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, db.InitSchema(ctx))

	rec := newRecorder(db, logging.Discard(), 8)
	done := make(chan struct{})
	go func() {
		rec.run(ctx)
		close(done)
	}()

	msg := model.BeaconMessage{OriginID: 0xabc, Sequence: 4, Emergency: model.EmergencyTrapped, Coordinate: geo.NoFix, HopBudget: 3}
	now := time.Now()
	rec.OnPeerAlertReceived(model.PeerAlert{Message: msg, ReceivedAt: now})
	rec.OnRelayTransition(relay.Transition{ID: msg.ID(), Local: true, To: relay.StateRelayed, At: now})
	rec.OnDecodeFailure(model.DecodeFailure{Source: "x", Payload: "00", Error: "decode beacon: malformed: short", SeenAt: now})

	require.Eventually(t, func() bool {
		n, err := db.CountDecodeFailures(ctx)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	alerts, err := db.RecentPeerAlerts(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].Relayed, "local transitions do not mark peer alerts")

	rec.OnRelayTransition(relay.Transition{ID: msg.ID(), To: relay.StateRelayed, Reason: relay.ReasonEchoed, At: now})
	require.Eventually(t, func() bool {
		alerts, err := db.RecentPeerAlerts(ctx, 10, nil)
		return err == nil && len(alerts) == 1 && alerts[0].Relayed
	}, 2*time.Second, 10*time.Millisecond)

	entries, err := db.Journal(ctx, 10)
	require.NoError(t, err)
	kinds := map[string]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[store.KindPeerAlert])
	assert.Equal(t, 1, kinds[store.KindDecodeFailure])

	cancel()
	<-done
}

func TestSanitizeMDNS(t *testing.T) {
	assert.Equal(t, "EchoSOS node 1", sanitizeMDNSInstance("EchoSOS node.1"))
	assert.Equal(t, mdnsFallback, sanitizeMDNSInstance("  "))
	assert.Equal(t, "relay-7-b", sanitizeMDNSHost("Relay 7_B"))
	assert.Len(t, []rune(sanitizeMDNSHost(string(bytes.Repeat([]byte("a"), 80)))), 63)
}
