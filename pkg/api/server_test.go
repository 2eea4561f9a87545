package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrystor/quarry/pkg/engine/enginetest"
	"github.com/quarrystor/quarry/pkg/manager"
	"github.com/quarrystor/quarry/pkg/types"
)

type testApp struct{ id uuid.UUID }

func (a *testApp) Devices() []types.DeviceSpec {
	return []types.DeviceSpec{{Path: "/dev/fake0", Tier: types.TierNVMe}}
}
func (a *testApp) MemoryBytes() uint64 { return 1 << 30 }
func (a *testApp) DiscoverServiceID(existing *uuid.UUID) (uuid.UUID, error) {
	if existing != nil {
		return *existing, nil
	}
	return a.id, nil
}

// newTestServer boots a manager over the in-memory engine and mounts the
// API router on a test listener.
func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr := manager.New(enginetest.NewFake(), &testApp{id: uuid.New()}, nil, manager.Config{
		GCInterval:            time.Hour,
		ShutdownCheckInterval: 10 * time.Millisecond,
	})
	require.NoError(t, mgr.Start(context.Background()))

	s := NewServer(mgr, Config{Address: ":0", MetricsEnabled: true})
	ts := httptest.NewServer(s.router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Stop(ctx)
	})
	return ts, mgr
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// TestHealthEndpoints tests the liveness and readiness probes.
func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	decodeInto(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ready readyResponse
	decodeInto(t, resp, &ready)
	assert.Equal(t, "ready", ready.Status)
	assert.Equal(t, "complete", ready.Checks["recovery"])
}

// TestMetricsEndpoint tests that the Prometheus endpoint is mounted when
// enabled.
func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestVolumeLifecycleOverAPI tests create, list, inspect, stats and
// remove through the HTTP surface.
func TestVolumeLifecycleOverAPI(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/v1/volumes"

	resp := doJSON(t, http.MethodPost, base, createVolumeRequest{Name: "media", SizeBytes: 1 << 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createVolumeResponse
	decodeInto(t, resp, &created)
	require.NotEqual(t, types.VolumeID{}, created.ID)

	resp, err := http.Get(base)
	require.NoError(t, err)
	var list []types.VolumeInfo
	decodeInto(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "media", list[0].Name)

	resp, err = http.Get(fmt.Sprintf("%s/%s", base, created.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var info types.VolumeInfo
	decodeInto(t, resp, &info)
	assert.Equal(t, types.VolumeStateOnline, info.State)

	resp, err = http.Get(fmt.Sprintf("%s/%s/stats", base, created.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats types.VolumeStats
	decodeInto(t, resp, &stats)
	assert.Equal(t, uint64(1<<30), stats.TotalBytes)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/%s", base, created.ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Visible as destroying until the GC sweep reclaims it.
	resp, err = http.Get(fmt.Sprintf("%s/%s", base, created.ID))
	require.NoError(t, err)
	decodeInto(t, resp, &info)
	assert.Equal(t, types.VolumeStateDestroying, info.State)
}

// TestVolumeRequestValidation tests the 4xx replies.
func TestVolumeRequestValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/api/v1/volumes"

	tests := []struct {
		name         string
		method, path string
		body         interface{}
		expected     int
	}{
		{name: "missing name", method: http.MethodPost, path: "", body: createVolumeRequest{SizeBytes: 1 << 30}, expected: http.StatusBadRequest},
		{name: "missing size", method: http.MethodPost, path: "", body: createVolumeRequest{Name: "x"}, expected: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "", body: "not-json", expected: http.StatusBadRequest},
		{name: "bad id", method: http.MethodGet, path: "/not-a-uuid", expected: http.StatusBadRequest},
		{name: "unknown id", method: http.MethodGet, path: "/" + uuid.NewString(), expected: http.StatusNotFound},
		{name: "remove unknown id", method: http.MethodDelete, path: "/" + uuid.NewString(), expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, base+tt.path, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.expected, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

// TestShutdownOverAPI tests that the shutdown endpoint starts the drain
// and subsequent volume requests are refused.
func TestShutdownOverAPI(t *testing.T) {
	ts, mgr := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/shutdown", nil)
	var ack shutdownResponse
	decodeInto(t, resp, &ack)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "draining", ack.Status)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/volumes", createVolumeRequest{Name: "late", SizeBytes: 1 << 30})
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	select {
	case <-mgr.ShutdownStart():
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not resolve")
	}
}

// TestStatusEndpoint tests the service-wide stats reply.
func TestStatusEndpoint(t *testing.T) {
	ts, mgr := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats types.ServiceStats
	decodeInto(t, resp, &stats)
	assert.Equal(t, mgr.ServiceID(), stats.ServiceID)
	assert.NotZero(t, stats.TotalCapacity)
}
