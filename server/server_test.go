package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tutortoise/presence-detection-service/inference"
	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/Tutortoise/presence-detection-service/scheduler"
	"github.com/Tutortoise/presence-detection-service/sinks"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	status scheduler.Status
	kick   scheduler.TickResult
	err    error
	kicks  int
}

func (f *fakeController) Status(ctx context.Context) (scheduler.Status, error) {
	return f.status, f.err
}

func (f *fakeController) Kick(ctx context.Context) (scheduler.TickResult, error) {
	f.kicks++
	return f.kick, f.err
}

type fakePool struct{}

func (fakePool) GetMetrics() inference.PoolMetrics {
	return inference.PoolMetrics{Size: 2, InUse: 1, TotalAcquired: 10}
}

func setup(t *testing.T, ctl *fakeController) (*httptest.Server, *sinks.Hub) {
	hub := sinks.NewHub(logs.NewTestingLog(t))
	s := New(logs.NewTestingLog(t), ctl, hub, fakePool{})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

func getJSON(t *testing.T, url string, status int, v any) {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusAndMetrics(t *testing.T) {
	ctl := &fakeController{status: scheduler.Status{
		Running:    true,
		Phase:      "idle",
		Completed:  4,
		Failed:     1,
		Present:    true,
		AvgTimings: scheduler.Timings{Total: 12.5},
	}}
	srv, _ := setup(t, ctl)

	st := scheduler.Status{}
	getJSON(t, srv.URL+"/status", http.StatusOK, &st)
	require.Equal(t, ctl.status, st)

	m := MetricsResponse{}
	getJSON(t, srv.URL+"/metrics", http.StatusOK, &m)
	require.Equal(t, int64(4), m.CyclesCompleted)
	require.Equal(t, int64(1), m.CyclesFailed)
	require.Equal(t, 12.5, m.AvgTimings.Total)
	require.NotNil(t, m.Pool)
	require.Equal(t, 2, m.Pool.Size)
	require.Equal(t, int64(10), m.Pool.TotalAcquired)
}

func TestTrigger(t *testing.T) {
	ctl := &fakeController{kick: scheduler.TickBusy}
	srv, _ := setup(t, ctl)

	resp, err := http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "busy", body["result"])
	require.Equal(t, 1, ctl.kicks)

	// Wrong method
	resp2, err := http.Get(srv.URL + "/trigger")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestSchedulerStopped(t *testing.T) {
	ctl := &fakeController{err: scheduler.ErrNotRunning}
	srv, _ := setup(t, ctl)

	e := ErrorResponse{}
	getJSON(t, srv.URL+"/status", http.StatusServiceUnavailable, &e)
	require.Equal(t, "scheduler_stopped", e.Code)

	// Metrics still work without the scheduler
	m := MetricsResponse{}
	getJSON(t, srv.URL+"/metrics", http.StatusOK, &m)
	require.NotNil(t, m.Pool)
}

func TestDetections(t *testing.T) {
	srv, hub := setup(t, &fakeController{})

	e := ErrorResponse{}
	getJSON(t, srv.URL+"/detections", http.StatusNotFound, &e)
	require.Equal(t, "no_detections", e.Code)

	report := &models.Report{
		CycleID:     9,
		At:          time.Unix(1700000000, 0).UTC(),
		FrameWidth:  1280,
		FrameHeight: 720,
		Present:     true,
		Detections: []models.Candidate{
			{Rect: models.Rect{X: 1, Y: 2, Width: 3, Height: 4}, ClassID: 0, Confidence: 0.75},
		},
	}
	require.NoError(t, hub.Render(context.Background(), report))

	got := models.Report{}
	getJSON(t, srv.URL+"/detections", http.StatusOK, &got)
	require.Equal(t, *report, got)
}

func TestWebSocketRoute(t *testing.T) {
	srv, hub := setup(t, &fakeController{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.NumClients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Render(context.Background(), &models.Report{CycleID: 3, Detections: []models.Candidate{}}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"cycleId":3`)
}
