package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/history"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/types"
	"github.com/shepherd-project/gpuwatch/internal/version"
)

const testPDev = "0000:03:00.0"

func testSnapshot(cycle uint64) *monitor.Snapshot {
	return &monitor.Snapshot{
		Time:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Cycle: cycle,
		Devices: []gpu.Device{{
			PDev:      testPDev,
			Monitored: true,
			Static:    gpu.StaticInfo{Name: "Arc A770"},
			Dynamic: gpu.DynamicInfo{
				GPUUtilRate: types.Some[uint32](42),
				TotalMemory: types.Some[uint64](1024),
			},
			Processes: []gpu.Process{{PID: 7, GPUUsage: types.Some[uint32](42)}},
		}},
	}
}

// createTestServer returns a server with a history store and no listener.
func createTestServer(t *testing.T) (*Server, *history.Store) {
	t.Helper()
	store := history.NewStore(10)
	return NewServer(&Config{Listen: "127.0.0.1:0", History: store}), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.GetEngine().ServeHTTP(w, req)
	return w
}

func TestServerRoutesBeforeFirstSample(t *testing.T) {
	server, _ := createTestServer(t)

	tests := []struct {
		name         string
		path         string
		expectedCode int
	}{
		{"Health", "/api/v1/health", http.StatusOK},
		{"Snapshot", "/api/v1/snapshot", http.StatusServiceUnavailable},
		{"Devices", "/api/v1/devices", http.StatusServiceUnavailable},
		{"History without device", "/api/v1/history", http.StatusBadRequest},
		{"History unknown device", "/api/v1/history?device=0000:ff:00.0", http.StatusNotFound},
		{"Log entries", "/api/v1/logs/entries", http.StatusOK},
		{"Unknown route", "/api/v2/snapshot", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedCode, get(t, server, tt.path).Code)
		})
	}
}

func TestServerHealth(t *testing.T) {
	server, _ := createTestServer(t)
	server.Consume(testSnapshot(9))

	w := get(t, server, "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, version.GetVersion(), response["version"])
	assert.Equal(t, float64(9), response["cycle"])
	assert.Equal(t, float64(0), response["clients"])
}

func TestServerSnapshotMatchesExport(t *testing.T) {
	server, _ := createTestServer(t)
	server.Consume(testSnapshot(1))

	w := get(t, server, "/api/v1/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "[\n  {\n"))
	assert.Contains(t, body, `"device_name": "Arc A770"`)
	assert.Contains(t, body, `"gpu_util": "42%"`)

	var devices []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices), "export output is valid JSON")
	assert.Len(t, devices, 1)
}

func TestServerDevices(t *testing.T) {
	server, _ := createTestServer(t)
	server.Consume(testSnapshot(4))

	w := get(t, server, "/api/v1/devices")
	require.Equal(t, http.StatusOK, w.Code)

	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, uint64(4), snap.Cycle)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, testPDev, snap.Devices[0].PDev)
	v, ok := snap.Devices[0].Dynamic.GPUUtilRate.Get()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), v)
	assert.False(t, snap.Devices[0].Dynamic.TemperatureC.IsSet())
}

func TestServerHistory(t *testing.T) {
	server, store := createTestServer(t)
	for cycle := uint64(1); cycle <= 3; cycle++ {
		snap := testSnapshot(cycle)
		store.Consume(snap)
		server.Consume(snap)
	}

	w := get(t, server, "/api/v1/history?device="+testPDev)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Device  string           `json:"device"`
		Count   int              `json:"count"`
		Samples []history.Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, testPDev, response.Device)
	assert.Equal(t, 3, response.Count)
	assert.Equal(t, uint64(3), response.Samples[2].Cycle)
}

func TestServerHistoryDisabled(t *testing.T) {
	server := NewServer(&Config{})
	assert.Equal(t, http.StatusNotFound, get(t, server, "/api/v1/history?device="+testPDev).Code)
}

func TestServerCORSMiddleware(t *testing.T) {
	server, _ := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	server.GetEngine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestServerLogStream(t *testing.T) {
	server, _ := createTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/logs/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		server.GetEngine().ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	case <-time.After(time.Second):
		t.Fatal("SSE request did not complete within timeout")
	}
}

func TestServerWebSocketStream(t *testing.T) {
	server, _ := createTestServer(t)
	go server.hub.Run()
	defer server.hub.Stop()

	ts := httptest.NewServer(server.GetEngine())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return server.hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	server.Consume(testSnapshot(5))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event struct {
		Type string           `json:"type"`
		Data monitor.Snapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventSnapshot, event.Type)
	assert.Equal(t, uint64(5), event.Data.Cycle)
}

func TestServerStartStop(t *testing.T) {
	server, _ := createTestServer(t)
	assert.ErrorIs(t, server.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, server.Start())
	assert.Error(t, server.Start(), "second start fails")

	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
}

func TestServerStartBadAddress(t *testing.T) {
	server := NewServer(&Config{Listen: "256.0.0.1:bogus"})
	assert.Error(t, server.Start())
}
