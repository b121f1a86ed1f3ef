package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dotfleet/dotfleet-go/pkg/orchestrator"
	"github.com/dotfleet/dotfleet-go/pkg/recording"
	"github.com/dotfleet/dotfleet-go/pkg/store"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

const devA = "AA:BB:CC:DD:EE:FF"

// fakeController records each call as "name args".
type fakeController struct {
	mu        sync.Mutex
	calls     []string
	fail      error
	connected []string
}

func (f *fakeController) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.fail
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) StartScanning(context.Context) error { return f.record("scan") }
func (f *fakeController) StopScanning(context.Context) error  { return f.record("stop-scan") }
func (f *fakeController) Connect(_ context.Context, a []string) error {
	return f.record("connect %v", a)
}
func (f *fakeController) StopConnecting(context.Context) error { return f.record("stop-connect") }
func (f *fakeController) Disconnect(_ context.Context, a []string) error {
	return f.record("disconnect %v", a)
}
func (f *fakeController) Enable(_ context.Context, a []string, p wire.PayloadID) error {
	return f.record("enable %v %d", a, p)
}
func (f *fakeController) Disable(_ context.Context, a []string) error {
	return f.record("disable %v", a)
}
func (f *fakeController) StartRecording(_ context.Context, name string) error {
	return f.record("record %s", name)
}
func (f *fakeController) StopRecording(context.Context) error { return f.record("stop-record") }
func (f *fakeController) StartSync(_ context.Context, root string) error {
	return f.record("sync %q", root)
}
func (f *fakeController) SetClockSync(_ context.Context, on bool) error {
	return f.record("clocksync %t", on)
}
func (f *fakeController) ResetHeading(_ context.Context, a []string) error {
	return f.record("heading-reset %v", a)
}
func (f *fakeController) RevertHeading(_ context.Context, a []string) error {
	return f.record("heading-revert %v", a)
}
func (f *fakeController) ConnectedDevices(context.Context) ([]string, error) {
	return f.connected, nil
}
func (f *fakeController) Devices(context.Context) ([]orchestrator.DeviceInfo, error) {
	return []orchestrator.DeviceInfo{{Address: devA, Name: wire.SensorName, State: "Connected"}}, nil
}
func (f *fakeController) State(context.Context) (orchestrator.Snapshot, error) {
	return orchestrator.Snapshot{Global: "Idle"}, nil
}

type stubHistory struct{ mock.Mock }

func (s *stubHistory) ListRecordings(ctx context.Context, limit int) ([]store.Recording, error) {
	args := s.Called(ctx, limit)
	return args.Get(0).([]store.Recording), args.Error(1)
}

func (s *stubHistory) DeleteRecordings(ctx context.Context, name string) (int64, error) {
	args := s.Called(ctx, name)
	return args.Get(0).(int64), args.Error(1)
}

func (s *stubHistory) ListSyncRounds(ctx context.Context, limit int) ([]store.SyncRound, error) {
	args := s.Called(ctx, limit)
	return args.Get(0).([]store.SyncRound), args.Error(1)
}

type fixture struct {
	srv     *Server
	ctl     *fakeController
	files   *recording.Catalog
	history *stubHistory
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := recording.NewCatalog(t.TempDir())
	require.NoError(t, err)

	f := &fixture{ctl: &fakeController{connected: []string{devA}}, files: cat, history: &stubHistory{}}
	f.srv, err = New(Config{
		Controller: f.ctl,
		Files:      cat,
		History:    f.history,
		Version:    "1.0.0-test",
	})
	require.NoError(t, err)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) addFile(t *testing.T, name string) {
	t.Helper()
	s, err := f.files.Open(name, wire.PayloadCompleteEuler, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, params any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "params": params}))
}

type received struct {
	Event  string          `json:"event"`
	Params json.RawMessage `json:"params"`
}

func recv(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m received
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// registered blocks until the hub has registered conn.
func registered(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, CmdGetConnectedSensors, nil)
	m := recv(t, conn)
	require.Equal(t, orchestrator.NoteConnectedSensors, m.Event)
}

func TestCommandsReachController(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	registered(t, conn)

	no := false
	send(t, conn, CmdStartScanning, nil)
	send(t, conn, CmdConnectSensors, map[string]any{"addresses": []string{devA}})
	send(t, conn, CmdStartMeasuring, map[string]any{"addresses": []string{devA}, "measuringPayloadId": 16})
	send(t, conn, CmdStartRecording, map[string]any{"filename": "walk"})
	send(t, conn, CmdStopRecording, nil)
	send(t, conn, CmdStopMeasuring, map[string]any{"addresses": []string{devA}})
	send(t, conn, CmdResetHeading, nil)
	send(t, conn, CmdEnableSync, map[string]any{"isSyncingEnabled": no})
	send(t, conn, CmdStartSyncing, nil)
	send(t, conn, CmdDisconnectSensors, map[string]any{"addresses": []string{devA}})

	want := []string{
		"scan",
		"connect [" + devA + "]",
		"enable [" + devA + "] 16",
		"record walk",
		"stop-record",
		"disable [" + devA + "]",
		"heading-reset []",
		"clocksync false",
		`sync ""`,
		"disconnect [" + devA + "]",
	}
	require.Eventually(t, func() bool { return len(f.ctl.Calls()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, f.ctl.Calls())
}

func TestCommandErrorRepliesToSender(t *testing.T) {
	f := newFixture(t)
	f.ctl.fail = errors.New("not possible in current state")
	conn := f.dial(t)
	registered(t, conn)

	send(t, conn, CmdStopScanning, nil)
	m := recv(t, conn)
	assert.Equal(t, EventCommandError, m.Event)

	var params map[string]string
	require.NoError(t, json.Unmarshal(m.Params, &params))
	assert.Equal(t, CmdStopScanning, params["command"])
	assert.Contains(t, params["error"], "not possible")

	send(t, conn, "selfDestruct", nil)
	m = recv(t, conn)
	assert.Equal(t, EventCommandError, m.Event)
	assert.Contains(t, string(m.Params), "unknown command")
}

func TestNotificationsAreBroadcast(t *testing.T) {
	f := newFixture(t)
	a, b := f.dial(t), f.dial(t)
	registered(t, a)
	registered(t, b)
	assert.Equal(t, 2, f.srv.Hub().Clients())

	f.srv.Hub().Notify(orchestrator.NoteSensorConnected, map[string]any{"address": devA})

	for _, conn := range []*websocket.Conn{a, b} {
		m := recv(t, conn)
		assert.Equal(t, orchestrator.NoteSensorConnected, m.Event)
		assert.JSONEq(t, `{"address":"`+devA+`"}`, string(m.Params))
	}
}

func TestFileListAndDelete(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "a")
	f.addFile(t, "b")
	f.history.On("DeleteRecordings", mock.Anything, "a.csv").Return(int64(1), nil)

	conn := f.dial(t)
	registered(t, conn)

	send(t, conn, CmdGetFileList, nil)
	m := recv(t, conn)
	assert.Equal(t, EventFileList, m.Event)
	assert.JSONEq(t, `["a.csv","b.csv"]`, string(m.Params))

	send(t, conn, CmdDeleteFiles, []string{"a.csv"})
	m = recv(t, conn)
	assert.Equal(t, EventFileList, m.Event)
	assert.JSONEq(t, `["b.csv"]`, string(m.Params))
	f.history.AssertExpectations(t)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/v1/health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.0.0-test", body["version"])
}

func TestHealthEndpointMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/health status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var devs []orchestrator.DeviceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devs))
	require.Len(t, devs, 1)
	assert.Equal(t, devA, devs[0].Address)
}

func TestRecordingEndpoints(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "walk")
	f.history.On("DeleteRecordings", mock.Anything, "walk.csv").Return(int64(1), nil)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"list", http.MethodGet, "/api/v1/recordings", http.StatusOK},
		{"download", http.MethodGet, "/api/v1/recordings/walk.csv", http.StatusOK},
		{"download missing", http.MethodGet, "/api/v1/recordings/nope.csv", http.StatusNotFound},
		{"delete without name", http.MethodDelete, "/api/v1/recordings", http.StatusBadRequest},
		{"delete", http.MethodDelete, "/api/v1/recordings/walk.csv", http.StatusOK},
		{"delete again", http.MethodDelete, "/api/v1/recordings/walk.csv", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("%s %s status = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
	f.history.AssertExpectations(t)
}

func TestDownloadServesFile(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "walk")

	resp, err := http.Get(f.http.URL + "/api/v1/recordings/walk.csv")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(f.files.Dir, "walk.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "walk.csv")
}

func TestSyncRoundsEndpoint(t *testing.T) {
	f := newFixture(t)
	rounds := []store.SyncRound{{ID: "round-1", Root: devA, Members: []string{devA}, Success: true}}
	f.history.On("ListSyncRounds", mock.Anything, 5).Return(rounds, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/rounds?limit=5", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got []store.SyncRound
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "round-1", got[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sync/rounds?limit=abc", nil)
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.history.AssertExpectations(t)
}

func TestHistoryDisabled(t *testing.T) {
	srv, err := New(Config{Controller: &fakeController{}})
	require.NoError(t, err)

	for _, path := range []string{"/api/v1/sessions", "/api/v1/sync/rounds", "/api/v1/recordings"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusServiceUnavailable)
		}
	}
}

func TestNewRequiresController(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
