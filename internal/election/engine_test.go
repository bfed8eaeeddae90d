package election

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hramov/floatkeeper/internal/advert"
	"github.com/hramov/floatkeeper/internal/errors"
	"github.com/hramov/floatkeeper/internal/events"
	"github.com/hramov/floatkeeper/internal/fsm"
	"github.com/hramov/floatkeeper/internal/health"
	"github.com/hramov/floatkeeper/internal/transport"
)

var testSecret = []byte("s3cret")

func testConfig(id string, priority int) Config {
	return Config{
		NodeID:             id,
		BasePriority:       priority,
		PenaltyWeight:      50,
		MinPriority:        0,
		AdvertInterval:     time.Second,
		MasterDownInterval: 3 * time.Second,
		Preempt:            true,
		Secret:             testSecret,
	}
}

type sentLog struct {
	payloads [][]byte
}

func (s *sentLog) Send(payload []byte) error {
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *sentLog) last(t *testing.T) advert.Advertisement {
	t.Helper()
	require.NotEmpty(t, s.payloads)
	codec, err := advert.NewCodec(testSecret)
	require.NoError(t, err)
	a, err := codec.Decode(s.payloads[len(s.payloads)-1])
	require.NoError(t, err)
	return a
}

type harness struct {
	e           *Engine
	sent        *sentLog
	clock       *clock.Mock
	transitions []fsm.Transition
	ring        *events.Ring
}

func newHarness(t *testing.T, cfg Config, logger *zap.Logger) *harness {
	t.Helper()
	h := &harness{
		sent:  &sentLog{},
		clock: clock.NewMock(),
		ring:  events.NewRing(32),
	}
	h.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	e, err := New(cfg, h.sent, NotifierFunc(func(tr fsm.Transition) {
		h.transitions = append(h.transitions, tr)
	}), logger, WithClock(h.clock), WithEventSink(h.ring))
	require.NoError(t, err)
	h.e = e
	return h
}

func (h *harness) now() time.Time {
	return h.clock.Now()
}

func (h *harness) state() fsm.State {
	return h.e.machine.Current()
}

func (h *harness) advance(d time.Duration) time.Time {
	h.clock.Add(d)
	return h.clock.Now()
}

var peerSeq = map[string]uint64{}

func peerPacket(t *testing.T, id string, state fsm.State, priority int) transport.Packet {
	t.Helper()
	peerSeq[id]++
	return signedPacket(t, testSecret, id, state, priority, peerSeq[id])
}

func signedPacket(t *testing.T, secret []byte, id string, state fsm.State, priority int, seq uint64) transport.Packet {
	t.Helper()
	codec, err := advert.NewCodec(secret)
	require.NoError(t, err)
	payload, err := codec.Encode(advert.Advertisement{
		SenderID: id,
		State:    state,
		Priority: priority,
		Sequence: seq,
	})
	require.NoError(t, err)
	return transport.Packet{Payload: payload, From: id}
}

func TestNewValidatesTimers(t *testing.T) {
	cfg := testConfig("a", 100)
	cfg.MasterDownInterval = 2 * time.Second

	_, err := New(cfg, &sentLog{}, nil, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
	assert.Equal(t, "master_down_interval", errors.GetAttributes(err)["field"])

	cfg = testConfig("a", 100)
	cfg.Secret = nil
	_, err = New(cfg, &sentLog{}, nil, zap.NewNop())
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
}

func TestStartEntersBackupAndAdvertises(t *testing.T) {
	h := newHarness(t, testConfig("a", 100), zap.NewNop())
	assert.Equal(t, fsm.Init, h.e.Status().State)

	h.e.start(h.now())

	assert.Equal(t, fsm.Backup, h.state())
	require.Len(t, h.transitions, 1)
	assert.Equal(t, fsm.Init, h.transitions[0].From)
	assert.Equal(t, fsm.Backup, h.transitions[0].To)

	a := h.sent.last(t)
	assert.Equal(t, "a", a.SenderID)
	assert.Equal(t, fsm.Backup, a.State)
	assert.Equal(t, 100, a.Priority)

	st := h.e.Status()
	assert.Equal(t, fsm.Backup, st.State)
	assert.Equal(t, h.now(), st.LastTransitionTime)
}

func TestStartFaultedBelowMinimum(t *testing.T) {
	cfg := testConfig("a", 10)
	cfg.MinPriority = 10
	h := newHarness(t, cfg, zap.NewNop())

	h.e.start(h.now())
	h.e.onTick(h.advance(time.Second))

	assert.Equal(t, fsm.Fault, h.state())
	assert.Empty(t, h.sent.payloads)
}

func TestSequenceIncreases(t *testing.T) {
	h := newHarness(t, testConfig("a", 100), zap.NewNop())
	h.e.start(h.now())
	first := h.sent.last(t).Sequence

	h.e.onTick(h.advance(time.Second))
	second := h.sent.last(t).Sequence

	assert.Greater(t, first, uint64(h.now().Add(-2*time.Second).UnixNano()))
	assert.Equal(t, first+1, second)
}

func TestMasterDownTimerExpiry(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())
	deadline := h.e.masterDownAt

	assert.Equal(t, 3*time.Second+time.Second*156/256, h.e.masterDownDuration())

	// a stale expiry before the deadline is ignored
	h.e.onMasterDown(deadline.Add(-time.Millisecond))
	assert.Equal(t, fsm.Backup, h.state())

	h.e.onMasterDown(deadline)
	assert.Equal(t, fsm.Master, h.state())
	assert.Equal(t, fsm.Master, h.sent.last(t).State)
}

func TestMasterDownDefersToLiveHigherPeer(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())
	deadline := h.e.masterDownAt

	h.advance(2 * time.Second)
	h.e.onPacket(peerPacket(t, "a", fsm.Backup, 101))

	h.clock.Set(deadline)
	h.e.onMasterDown(deadline)

	assert.Equal(t, fsm.Backup, h.state())
	assert.True(t, h.e.masterDownAt.After(deadline))
}

func TestBackupRefreshedByHigherMaster(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())

	now := h.advance(2 * time.Second)
	h.e.onPacket(peerPacket(t, "a", fsm.Master, 101))

	assert.Equal(t, now.Add(h.e.masterDownDuration()), h.e.masterDownAt)
	assert.Equal(t, fsm.Backup, h.state())

	// a tick while the master is alive changes nothing
	h.e.onTick(h.advance(time.Second))
	assert.Equal(t, fsm.Backup, h.state())
}

func TestBackupClaimsWhenBestOfLivePeers(t *testing.T) {
	h := newHarness(t, testConfig("a", 101), zap.NewNop())
	h.e.start(h.now())

	h.e.onPacket(peerPacket(t, "b", fsm.Backup, 100))
	assert.Equal(t, fsm.Backup, h.state(), "a running master gets one advert interval to be heard")

	h.e.onTick(h.advance(time.Second))
	assert.Equal(t, fsm.Master, h.state())
}

func TestBackupWaitsForTimerWhenAlone(t *testing.T) {
	h := newHarness(t, testConfig("a", 101), zap.NewNop())
	h.e.start(h.now())

	h.e.onTick(h.advance(time.Second))
	h.e.onTick(h.advance(time.Second))
	assert.Equal(t, fsm.Backup, h.state())
}

func TestPreemptLowerMaster(t *testing.T) {
	h := newHarness(t, testConfig("a", 101), zap.NewNop())
	h.e.start(h.now())

	h.e.onPacket(peerPacket(t, "b", fsm.Master, 100))

	assert.Equal(t, fsm.Master, h.state())
	assert.Equal(t, fsm.Master, h.sent.last(t).State)
}

func TestNoPreemptFollowsAnyMaster(t *testing.T) {
	cfg := testConfig("a", 101)
	cfg.Preempt = false
	h := newHarness(t, cfg, zap.NewNop())
	h.e.start(h.now())

	for i := 0; i < 10; i++ {
		now := h.advance(time.Second)
		h.e.onPacket(peerPacket(t, "b", fsm.Master, 100))
		h.e.onTick(now)
		h.e.onMasterDown(now)
	}
	assert.Equal(t, fsm.Backup, h.state())
}

func TestMasterStepsDownForHigherMaster(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())
	h.e.onMasterDown(h.e.masterDownAt)
	require.Equal(t, fsm.Master, h.state())

	h.e.onPacket(peerPacket(t, "a", fsm.Master, 101))

	assert.Equal(t, fsm.Backup, h.state())
	assert.Equal(t, fsm.Backup, h.sent.last(t).State)
}

func TestMasterReassertsAgainstLowerMaster(t *testing.T) {
	h := newHarness(t, testConfig("a", 101), zap.NewNop())
	h.e.start(h.now())
	h.e.onMasterDown(h.e.masterDownAt)
	require.Equal(t, fsm.Master, h.state())
	sent := len(h.sent.payloads)

	h.e.onPacket(peerPacket(t, "b", fsm.Master, 100))
	h.e.onPacket(peerPacket(t, "c", fsm.Backup, 150))

	assert.Equal(t, fsm.Master, h.state())
	assert.Len(t, h.sent.payloads, sent+1)
	assert.Equal(t, fsm.Master, h.sent.last(t).State)
}

func TestTieBreakOnEqualPriority(t *testing.T) {
	for _, tt := range []struct {
		self, peer string
		expect     fsm.State
	}{
		{"a", "b", fsm.Master},
		{"b", "a", fsm.Backup},
	} {
		h := newHarness(t, testConfig(tt.self, 100), zap.NewNop())
		h.e.start(h.now())
		h.e.onMasterDown(h.e.masterDownAt)
		require.Equal(t, fsm.Master, h.state())

		h.e.onPacket(peerPacket(t, tt.peer, fsm.Master, 100))
		assert.Equal(t, tt.expect, h.state(), "%s against %s", tt.self, tt.peer)
	}
}

func TestReplayedAdvertDiscarded(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())

	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Master, 101, 7))
	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Backup, 101, 7))
	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Backup, 101, 6))

	peers := h.e.Status().Peers
	require.Len(t, peers, 1)
	assert.Equal(t, fsm.Master, peers[0].State)
	assert.Equal(t, uint64(7), peers[0].Sequence)

	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Backup, 101, 8))
	assert.Equal(t, fsm.Backup, h.e.Status().Peers[0].State)
}

func TestForgedAdvertIgnored(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, testConfig("a", 101), zap.New(core))
	h.e.start(h.now())
	h.e.onMasterDown(h.e.masterDownAt)
	require.Equal(t, fsm.Master, h.state())

	h.e.onPacket(signedPacket(t, []byte("guessed"), "mallory", fsm.Master, 255, 1))
	h.e.onPacket(transport.Packet{Payload: []byte(`{"v":1,"sender_id":"mallory","state":"MASTER","priority":255,"seq":2}`), From: "x"})
	h.e.onPacket(transport.Packet{Payload: []byte("garbage"), From: "x"})

	assert.Equal(t, fsm.Master, h.state())
	assert.Empty(t, h.e.Status().Peers)

	entries := logs.FilterMessage("advertisement discarded").All()
	require.Len(t, entries, 3)
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.ContextMap()["kind"].(string))
	}
	assert.Equal(t, []string{"authentication", "authentication", "protocol"}, kinds)
}

func TestOwnAdvertIgnored(t *testing.T) {
	h := newHarness(t, testConfig("a", 100), zap.NewNop())
	h.e.start(h.now())

	h.e.onPacket(transport.Packet{Payload: h.sent.payloads[0], From: "loop"})

	assert.Empty(t, h.e.Status().Peers)
}

func TestHealthChangesPriority(t *testing.T) {
	h := newHarness(t, testConfig("a", 101), zap.NewNop())
	h.e.start(h.now())
	h.e.onMasterDown(h.e.masterDownAt)

	h.e.onHealth(health.Result{OK: true, At: h.now()})
	h.e.onHealth(health.Result{OK: true, At: h.now()})
	sent := len(h.sent.payloads)

	h.e.onHealth(health.Result{OK: false, Detail: "proxy down", At: h.now()})

	assert.Len(t, h.sent.payloads, sent+1, "a priority change is advertised at once")
	assert.Equal(t, 51, h.sent.last(t).Priority)
	assert.Equal(t, fsm.Master, h.state())

	st := h.e.Status()
	assert.False(t, st.Healthy)
	assert.Equal(t, "proxy down", st.HealthDetail)
	assert.Equal(t, 51, st.EffectivePriority)

	var healthEvents []bool
	for _, ev := range h.ring.Recent() {
		if ev.Type == events.TypeHealth {
			healthEvents = append(healthEvents, *ev.OK)
		}
	}
	assert.Equal(t, []bool{true, false}, healthEvents)
}

func TestFaultAndRecovery(t *testing.T) {
	cfg := testConfig("a", 101)
	cfg.PenaltyWeight = 0
	h := newHarness(t, cfg, zap.NewNop())
	h.e.start(h.now())
	h.e.onMasterDown(h.e.masterDownAt)
	require.Equal(t, fsm.Master, h.state())

	h.e.onHealth(health.Result{OK: false, At: h.now()})
	assert.Equal(t, fsm.Fault, h.state())

	sent := len(h.sent.payloads)
	h.e.onTick(h.advance(time.Second))
	h.e.onPacket(peerPacket(t, "b", fsm.Master, 50))
	assert.Len(t, h.sent.payloads, sent, "a faulted node is silent")
	assert.Equal(t, fsm.Fault, h.state())

	h.e.onHealth(health.Result{OK: true, At: h.now()})
	// back in BACKUP and the live master ranks lower
	assert.Equal(t, fsm.Master, h.state())

	var path []fsm.State
	for _, tr := range h.transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []fsm.State{fsm.Backup, fsm.Master, fsm.Fault, fsm.Backup, fsm.Master}, path)
}

func TestPriorityAdjustment(t *testing.T) {
	h := newHarness(t, testConfig("a", 100), zap.NewNop())
	h.e.start(h.now())
	sent := len(h.sent.payloads)

	h.e.onAdjust(20)
	h.e.onAdjust(20)

	assert.Len(t, h.sent.payloads, sent+1)
	assert.Equal(t, 120, h.sent.last(t).Priority)
	st := h.e.Status()
	assert.Equal(t, 20, st.Adjustment)
	assert.Equal(t, 100, st.BasePriority)
	assert.Equal(t, 120, st.EffectivePriority)

	h.e.onAdjust(-100)
	assert.Equal(t, fsm.Fault, h.state())
}

func TestPeerExpiryKeepsRecord(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())
	h.e.onPacket(peerPacket(t, "a", fsm.Master, 101))

	h.e.onTick(h.advance(time.Second))
	require.True(t, h.e.Status().Peers[0].Alive)

	h.e.onTick(h.advance(3 * time.Second))
	peers := h.e.Status().Peers
	require.Len(t, peers, 1)
	assert.False(t, peers[0].Alive)
	assert.Equal(t, "a", peers[0].ID)
}

func TestDeadPeerKeepsSequenceFloor(t *testing.T) {
	h := newHarness(t, testConfig("b", 100), zap.NewNop())
	h.e.start(h.now())
	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Master, 101, 1000))

	h.e.onTick(h.advance(5 * time.Second))
	require.False(t, h.e.Status().Peers[0].Alive)

	// a captured advertisement must not bring a silent peer back
	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Master, 101, 1000))
	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Master, 101, 900))
	assert.False(t, h.e.Status().Peers[0].Alive)
	assert.Equal(t, uint64(1000), h.e.Status().Peers[0].Sequence)

	h.e.onPacket(signedPacket(t, testSecret, "a", fsm.Master, 101, 1001))
	assert.True(t, h.e.Status().Peers[0].Alive)
}

func TestMailboxKeepsLatest(t *testing.T) {
	m := newMailbox[int]()
	_, ok := m.take()
	assert.False(t, ok)

	m.put(1)
	m.put(2)
	<-m.ready

	v, ok := m.take()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = m.take()
	assert.False(t, ok)
}
