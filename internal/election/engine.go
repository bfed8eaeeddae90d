// Package election runs the master election of one node.
//
// All state lives in a single loop (Engine.Run). Inbound advertisements,
// health results, priority adjustments, the advertisement ticker and the
// master down timer are all events of that loop and are handled one at a
// time, so a timer expiry can never race a received advertisement.
package election

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/advert"
	"github.com/hramov/floatkeeper/internal/errors"
	"github.com/hramov/floatkeeper/internal/events"
	"github.com/hramov/floatkeeper/internal/fsm"
	"github.com/hramov/floatkeeper/internal/health"
	"github.com/hramov/floatkeeper/internal/metrics"
	"github.com/hramov/floatkeeper/internal/priority"
	"github.com/hramov/floatkeeper/internal/transport"
)

type Config struct {
	NodeID             string
	BasePriority       int
	PenaltyWeight      int
	MinPriority        int
	AdvertInterval     time.Duration
	MasterDownInterval time.Duration
	Preempt            bool
	Secret             []byte
}

func (c Config) validate() error {
	if c.NodeID == "" {
		return errors.New(errors.KindConfiguration, "node id is empty")
	}
	if c.AdvertInterval <= 0 {
		return errors.Attr(errors.Errorf(errors.KindConfiguration,
			"advert interval must be positive, got %s", c.AdvertInterval), "field", "advert_interval")
	}
	if c.MasterDownInterval < 3*c.AdvertInterval {
		return errors.Attr(errors.Errorf(errors.KindConfiguration,
			"master down interval %s is below 3 x advert interval %s", c.MasterDownInterval, c.AdvertInterval),
			"field", "master_down_interval")
	}
	return nil
}

// Transport delivers an encoded advertisement to every peer.
type Transport interface {
	Send(payload []byte) error
}

// Notifier is told about every confirmed transition. Notify must not block.
type Notifier interface {
	Notify(t fsm.Transition)
}

type NotifierFunc func(t fsm.Transition)

func (f NotifierFunc) Notify(t fsm.Transition) { f(t) }

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithEventSink(s events.Sink) Option {
	return func(e *Engine) {
		e.sink = s
	}
}

type Engine struct {
	cfg      Config
	codec    *advert.Codec
	tr       Transport
	notifier Notifier
	sink     events.Sink
	clock    clock.Clock
	logger   *zap.Logger

	inbound chan transport.Packet
	health  *mailbox[health.Result]
	adjust  *mailbox[int]

	// owned by the loop
	machine        *fsm.Machine
	calc           *priority.Calculator
	peers          *peerTable
	seq            uint64
	healthKnown    bool
	healthDetail   string
	lastTransition time.Time
	backupSince    time.Time
	masterDownAt   time.Time
	masterDown     *clock.Timer

	status atomic.Pointer[Status]
}

func New(cfg Config, tr Transport, notifier Notifier, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	codec, err := advert.NewCodec(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NotifierFunc(func(fsm.Transition) {})
	}

	e := &Engine{
		cfg:      cfg,
		codec:    codec,
		tr:       tr,
		notifier: notifier,
		sink:     events.Discard,
		clock:    clock.New(),
		logger:   logger.Named("election").With(zap.String("node_id", cfg.NodeID)),
		inbound:  make(chan transport.Packet, 64),
		health:   newMailbox[health.Result](),
		adjust:   newMailbox[int](),
		machine:  fsm.NewMachine(cfg.NodeID),
		calc:     priority.NewCalculator(cfg.BasePriority, cfg.PenaltyWeight, cfg.MinPriority),
		peers:    newPeerTable(cfg.MasterDownInterval),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.seq = uint64(e.clock.Now().UnixNano())
	e.publish(e.clock.Now())
	return e, nil
}

// Inbound is where the transport delivers received datagrams.
func (e *Engine) Inbound() chan<- transport.Packet {
	return e.inbound
}

// UpdateHealth hands a health result to the loop. Only the latest pending
// result is kept.
func (e *Engine) UpdateHealth(r health.Result) {
	e.health.put(r)
}

// SetPriorityAdjustment replaces the operator priority adjustment.
func (e *Engine) SetPriorityAdjustment(delta int) {
	e.adjust.put(delta)
}

func (e *Engine) Status() Status {
	return *e.status.Load()
}

func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.cfg.AdvertInterval)
	defer ticker.Stop()

	e.masterDown = e.clock.Timer(e.masterDownDuration())
	defer e.masterDown.Stop()

	e.start(e.clock.Now())

	for {
		select {
		case <-ctx.Done():
			// Silence is the resignation: peers time out and elect a new master.
			e.logger.Info("election stopped", zap.Stringer("state", e.machine.Current()))
			return nil
		case p := <-e.inbound:
			e.onPacket(p)
		case <-e.health.ready:
			if r, ok := e.health.take(); ok {
				e.onHealth(r)
			}
		case <-e.adjust.ready:
			if delta, ok := e.adjust.take(); ok {
				e.onAdjust(delta)
			}
		case <-ticker.C:
			e.onTick(e.clock.Now())
		case <-e.masterDown.C:
			e.onMasterDown(e.clock.Now())
		}
	}
}

func (e *Engine) start(now time.Time) {
	metrics.RecordState(e.cfg.NodeID, fsm.Init)
	metrics.RecordEffectivePriority(e.cfg.NodeID, e.calc.Effective())

	e.logger.Info("starting election",
		zap.Int("priority", e.calc.Effective()),
		zap.Duration("advert_interval", e.cfg.AdvertInterval),
		zap.Duration("master_down_interval", e.cfg.MasterDownInterval),
		zap.Bool("preempt", e.cfg.Preempt))

	if e.calc.Faulted() {
		e.transit(fsm.Fault, now)
		return
	}
	e.transit(fsm.Backup, now)
}

func (e *Engine) onPacket(p transport.Packet) {
	now := e.clock.Now()
	defer e.publish(now)

	a, err := e.codec.Decode(p.Payload)
	if err != nil {
		kind := errors.GetKind(err)
		metrics.RecordAdvertRejected(e.cfg.NodeID, kind.String())
		e.logger.Warn("advertisement discarded",
			zap.String("kind", kind.String()),
			zap.String("from", p.From),
			zap.Error(err))
		return
	}
	if a.SenderID == e.cfg.NodeID {
		return
	}

	accepted, revived := e.peers.observe(a, p.From, now)
	if !accepted {
		metrics.RecordAdvertRejected(e.cfg.NodeID, "replay")
		e.logger.Debug("advertisement discarded",
			zap.String("kind", errors.KindProtocol.String()),
			zap.String("peer", a.SenderID),
			zap.Uint64("seq", a.Sequence),
			zap.String("reason", "replayed or reordered"))
		return
	}
	metrics.RecordAdvertReceived(e.cfg.NodeID)
	if revived {
		e.logger.Info("peer is alive",
			zap.String("peer", a.SenderID),
			zap.String("address", p.From),
			zap.Stringer("state", a.State),
			zap.Int("priority", a.Priority))
	}

	switch e.machine.Current() {
	case fsm.Backup:
		if a.State == fsm.Master && (e.peerOutranks(a.Priority, a.SenderID) || !e.cfg.Preempt) {
			e.resetMasterDown(now)
		}
		e.evaluateBackup(now)
	case fsm.Master:
		if a.State != fsm.Master {
			return
		}
		if e.peerOutranks(a.Priority, a.SenderID) {
			e.logger.Info("higher ranked master seen, stepping down",
				zap.String("peer", a.SenderID),
				zap.Int("peer_priority", a.Priority),
				zap.Int("priority", e.calc.Effective()))
			e.transit(fsm.Backup, now)
			return
		}
		// The other master must hear us to step down.
		e.advertise()
	}
}

func (e *Engine) onHealth(r health.Result) {
	now := e.clock.Now()
	defer e.publish(now)

	if !e.healthKnown || r.OK != e.calc.Healthy() {
		e.sink.Emit(events.Health(e.cfg.NodeID, r.OK, r.Detail, r.At))
	}
	e.healthKnown = true
	e.healthDetail = r.Detail
	metrics.RecordHealth(e.cfg.NodeID, r.OK)

	p, changed := e.calc.Observe(r.OK)
	if changed {
		e.logger.Info("effective priority changed",
			zap.Int("priority", p),
			zap.Bool("healthy", r.OK),
			zap.String("detail", r.Detail))
	}
	e.reconcile(now, changed)
}

func (e *Engine) onAdjust(delta int) {
	now := e.clock.Now()
	defer e.publish(now)

	p, changed := e.calc.Adjust(delta)
	if changed {
		e.logger.Info("priority adjusted", zap.Int("adjustment", delta), zap.Int("priority", p))
	}
	e.reconcile(now, changed)
}

// reconcile applies the consequences of a new effective priority.
func (e *Engine) reconcile(now time.Time, changed bool) {
	metrics.RecordEffectivePriority(e.cfg.NodeID, e.calc.Effective())

	current := e.machine.Current()
	if e.calc.Faulted() {
		if current != fsm.Fault {
			e.logger.Warn("node faulted",
				zap.Int("priority", e.calc.Effective()),
				zap.Int("min_priority", e.cfg.MinPriority),
				zap.Bool("healthy", e.calc.Healthy()))
			e.transit(fsm.Fault, now)
		}
		return
	}

	switch current {
	case fsm.Fault:
		e.logger.Info("node recovered", zap.Int("priority", e.calc.Effective()))
		e.transit(fsm.Backup, now)
		e.evaluateBackup(now)
	case fsm.Master:
		if changed {
			e.advertise()
		}
	case fsm.Backup:
		if changed {
			e.advertise()
			e.evaluateBackup(now)
		}
	}
}

func (e *Engine) onTick(now time.Time) {
	defer e.publish(now)

	for _, p := range e.peers.expire(now) {
		e.logger.Warn("peer is silent",
			zap.String("peer", p.id),
			zap.Stringer("last_state", p.state),
			zap.Time("last_seen", p.lastSeen))
	}
	metrics.RecordLivePeers(e.cfg.NodeID, len(e.peers.live(now)))

	switch e.machine.Current() {
	case fsm.Master:
		e.advertise()
	case fsm.Backup:
		e.advertise()
		e.evaluateBackup(now)
	}
}

// onMasterDown handles expiry of the master down timer.
func (e *Engine) onMasterDown(now time.Time) {
	if e.machine.Current() != fsm.Backup {
		return
	}
	// The timer was re-armed after this expiry was queued.
	if now.Before(e.masterDownAt) {
		return
	}
	defer e.publish(now)

	if p, ok := e.peers.best(now, e.outrankedBy); ok {
		e.logger.Debug("master down, deferring to higher ranked peer",
			zap.String("peer", p.id),
			zap.Int("peer_priority", p.priority))
		e.resetMasterDown(now)
		return
	}

	e.logger.Info("master down timer expired", zap.Int("priority", e.calc.Effective()))
	e.transit(fsm.Master, now)
}

// evaluateBackup claims mastership without waiting for the timer when the
// node can tell it is the best candidate.
func (e *Engine) evaluateBackup(now time.Time) {
	if m, ok := e.peers.best(now, isMaster); ok {
		if e.cfg.Preempt && !e.outrankedBy(m) {
			e.logger.Info("preempting lower ranked master",
				zap.String("peer", m.id),
				zap.Int("peer_priority", m.priority),
				zap.Int("priority", e.calc.Effective()))
			e.transit(fsm.Master, now)
		}
		return
	}

	// Without preemption a node only claims once the timer proves no master
	// is around.
	if !e.cfg.Preempt {
		return
	}
	// Give a running master one advert interval to be heard.
	if now.Sub(e.backupSince) < e.cfg.AdvertInterval {
		return
	}
	if len(e.peers.live(now)) == 0 {
		return
	}
	if _, ok := e.peers.best(now, e.outrankedBy); ok {
		return
	}

	e.logger.Info("no master seen and no live peer ranks higher", zap.Int("priority", e.calc.Effective()))
	e.transit(fsm.Master, now)
}

func isMaster(p *peerRecord) bool {
	return p.state == fsm.Master
}

func (e *Engine) outrankedBy(p *peerRecord) bool {
	return e.peerOutranks(p.priority, p.id)
}

func (e *Engine) peerOutranks(priority int, id string) bool {
	return outranks(priority, id, e.calc.Effective(), e.cfg.NodeID)
}

func (e *Engine) transit(to fsm.State, now time.Time) {
	t, changed, err := e.machine.Transit(to, now)
	if err != nil {
		e.logger.Error("transition rejected", zap.String("kind", errors.KindInternal.String()), zap.Error(err))
		return
	}
	if !changed {
		return
	}

	e.lastTransition = now
	e.logger.Info("state changed",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Int("priority", e.calc.Effective()))

	metrics.RecordTransition(t)
	e.sink.Emit(events.Transition(t))
	e.notifier.Notify(t)

	switch to {
	case fsm.Backup:
		e.backupSince = now
		e.resetMasterDown(now)
		e.advertise()
	case fsm.Master:
		e.advertise()
	}
	e.publish(now)
}

func (e *Engine) masterDownDuration() time.Duration {
	return e.cfg.MasterDownInterval + skew(e.cfg.AdvertInterval, e.calc.Effective())
}

func (e *Engine) resetMasterDown(now time.Time) {
	d := e.masterDownDuration()
	e.masterDownAt = now.Add(d)
	if e.masterDown != nil {
		e.masterDown.Reset(d)
	}
}

func (e *Engine) advertise() {
	state := e.machine.Current()
	if state != fsm.Master && state != fsm.Backup {
		return
	}

	e.seq++
	payload, err := e.codec.Encode(advert.Advertisement{
		SenderID: e.cfg.NodeID,
		State:    state,
		Priority: e.calc.Effective(),
		Sequence: e.seq,
	})
	if err != nil {
		e.logger.Error("cannot encode advertisement", zap.String("kind", errors.GetKind(err).String()), zap.Error(err))
		return
	}

	metrics.RecordAdvertSent(e.cfg.NodeID)
	if err := e.tr.Send(payload); err != nil {
		metrics.RecordSendFailure(e.cfg.NodeID)
		e.logger.Debug("advertisement not delivered",
			zap.String("kind", errors.GetKind(err).String()),
			zap.Error(err))
	}
}

func (e *Engine) publish(now time.Time) {
	e.status.Store(&Status{
		NodeID:             e.cfg.NodeID,
		State:              e.machine.Current(),
		EffectivePriority:  e.calc.Effective(),
		BasePriority:       e.calc.Base(),
		Adjustment:         e.calc.Adjustment(),
		Healthy:            e.calc.Healthy(),
		HealthDetail:       e.healthDetail,
		LastTransitionTime: e.lastTransition,
		Peers:              e.peers.snapshot(now),
	})
}

// mailbox holds the latest value handed to the loop from another goroutine.
type mailbox[T any] struct {
	mu    sync.Mutex
	value *T
	ready chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.value = &v
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.value == nil {
		var zero T
		return zero, false
	}
	v := *m.value
	m.value = nil
	return v, true
}
