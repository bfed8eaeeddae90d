package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/election"
	"github.com/hramov/floatkeeper/internal/events"
	"github.com/hramov/floatkeeper/internal/fsm"
	"github.com/hramov/floatkeeper/internal/notify"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeNode struct {
	mu         sync.Mutex
	status     election.Status
	adjustment []int
}

func (n *fakeNode) Status() election.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *fakeNode) SetPriorityAdjustment(delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.adjustment = append(n.adjustment, delta)
}

type fixedAlarm notify.Alarm

func (a fixedAlarm) Alarm() notify.Alarm { return notify.Alarm(a) }

func newTestServer(t *testing.T, node Node, alarms Alarms, ring *events.Ring) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(node, alarms, ring, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func masterNode() *fakeNode {
	return &fakeNode{status: election.Status{
		NodeID:             "lb-a",
		State:              fsm.Master,
		EffectivePriority:  150,
		BasePriority:       150,
		Healthy:            true,
		LastTransitionTime: at,
		Peers: []election.PeerStatus{
			{ID: "lb-b", Address: "10.0.0.2:5405", State: fsm.Backup, Priority: 100, Sequence: 7, LastSeen: at, Alive: true},
		},
	}}
}

func TestStatus(t *testing.T) {
	alarm := fixedAlarm{Raised: true, Action: "associate", Reason: "api unavailable", Since: at}
	srv := newTestServer(t, masterNode(), alarm, nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "lb-a", body["nodeId"])
	assert.Equal(t, "MASTER", body["state"])
	assert.EqualValues(t, 150, body["effectivePriority"])

	peers := body["peers"].([]any)
	require.Len(t, peers, 1)
	peer := peers[0].(map[string]any)
	assert.Equal(t, "lb-b", peer["id"])
	assert.Equal(t, "BACKUP", peer["state"])
	assert.Equal(t, true, peer["alive"])

	alarmBody := body["alarm"].(map[string]any)
	assert.Equal(t, true, alarmBody["raised"])
	assert.Equal(t, "associate", alarmBody["action"])
}

func TestStatusWithoutNotifier(t *testing.T) {
	srv := newTestServer(t, masterNode(), nil, nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, fsm.Master, body.State)
	assert.False(t, body.Alarm.Raised)
}

func TestState(t *testing.T) {
	node := masterNode()
	srv := newTestServer(t, node, nil, nil)

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "STATE=MASTER\n", buf.String())
}

func TestEvents(t *testing.T) {
	ring := events.NewRing(10)
	ring.Emit(events.Transition(fsm.Transition{NodeID: "lb-a", From: fsm.Init, To: fsm.Backup, At: at}))
	ring.Emit(events.Transition(fsm.Transition{NodeID: "lb-a", From: fsm.Backup, To: fsm.Master, At: at.Add(3 * time.Second)}))
	ring.Emit(events.Health("lb-a", false, "proxy down", at.Add(5*time.Second)))
	srv := newTestServer(t, masterNode(), nil, ring)

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var all []events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 3)
	assert.Equal(t, events.TypeTransition, all[0].Type)
	assert.Equal(t, events.TypeHealth, all[2].Type)

	resp, err = http.Get(srv.URL + "/events?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var last []events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&last))
	require.Len(t, last, 1)
	assert.Equal(t, "proxy down", last[0].Detail)

	resp, err = http.Get(srv.URL + "/events?limit=-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsWithoutRing(t *testing.T) {
	srv := newTestServer(t, masterNode(), nil, nil)

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var all []events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	assert.Empty(t, all)
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   []int
	}{
		{name: "raise", body: `{"adjustment": 10}`, status: http.StatusAccepted, want: []int{10}},
		{name: "reset", body: `{"adjustment": 0}`, status: http.StatusAccepted, want: []int{0}},
		{name: "lower", body: `{"adjustment": -40}`, status: http.StatusAccepted, want: []int{-40}},
		{name: "missing", body: `{}`, status: http.StatusBadRequest},
		{name: "not a number", body: `{"adjustment": "ten"}`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"adjustment": 1, "state": "MASTER"}`, status: http.StatusBadRequest},
		{name: "garbage", body: `adjust`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := masterNode()
			srv := newTestServer(t, node, nil, nil)

			req, err := http.NewRequest(http.MethodPut, srv.URL+"/priority", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.want, node.adjustment)
		})
	}
}

func TestPriorityMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, masterNode(), nil, nil)

	resp, err := http.Post(srv.URL+"/priority", "application/json", strings.NewReader(`{"adjustment": 1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t, masterNode(), nil, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "go_goroutines")
}

func TestServerServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(zap.NewNop(), ln.Addr().String(), NewHandler(masterNode(), nil, nil, zap.NewNop()))
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestServerShutdownWithoutListen(t *testing.T) {
	s := NewServer(zap.NewNop(), "127.0.0.1:0", http.NotFoundHandler())
	assert.NoError(t, s.Shutdown(time.Second))
}

func TestServerDoubleShutdown(t *testing.T) {
	s := NewServer(zap.NewNop(), "127.0.0.1:0", http.NotFoundHandler())
	assert.NoError(t, s.Shutdown(time.Second))
	assert.NoError(t, s.Shutdown(time.Second))
}

func TestStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	f := StateFile{Path: path}

	require.NoError(t, f.Run(context.Background(), fsm.Transition{NodeID: "lb-a", From: fsm.Init, To: fsm.Backup, At: at}))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "STATE=BACKUP\nNODE_ID=lb-a\nTIMESTAMP=2026-03-01T12:00:00Z\n", string(got))

	require.NoError(t, f.Run(context.Background(), fsm.Transition{NodeID: "lb-a", From: fsm.Backup, To: fsm.Master, At: at.Add(time.Second)}))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "STATE=MASTER\nNODE_ID=lb-a\nTIMESTAMP=2026-03-01T12:00:01Z\n", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestStateFileMissingDirectory(t *testing.T) {
	f := StateFile{Path: filepath.Join(t.TempDir(), "missing", "state")}
	assert.Error(t, f.Run(context.Background(), fsm.Transition{NodeID: "lb-a", To: fsm.Master, At: at}))
}
