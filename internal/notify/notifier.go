// Package notify carries out the side effects of confirmed transitions: it
// moves the floating address through a Capability and runs operator hooks.
// Both run on their own workers so a slow cloud API never stalls the election.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/errors"
	"github.com/hramov/floatkeeper/internal/fsm"
	"github.com/hramov/floatkeeper/internal/metrics"
)

type RetryConfig struct {
	// MaxAttempts counts the first call.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Config struct {
	NodeID          string
	FloatingAddress string
	// ReleaseOnBackup disassociates the address when leaving MASTER instead of
	// letting the next master's associate take it over.
	ReleaseOnBackup bool
	Retry           RetryConfig
	HookTimeout     time.Duration
	// ShutdownGrace is how long in-flight work may continue after Run's
	// context is cancelled.
	ShutdownGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		c.Retry.MaxInterval = 10 * time.Second
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
}

type action int

const (
	actionNone action = iota
	actionAssociate
	actionDisassociate
)

func (a action) String() string {
	switch a {
	case actionAssociate:
		return "associate"
	case actionDisassociate:
		return "disassociate"
	default:
		return "none"
	}
}

type job struct {
	t      fsm.Transition
	action action
}

// Alarm is raised when an address action failed after every retry. It stays
// raised until a later action succeeds.
type Alarm struct {
	Raised bool      `json:"raised"`
	Action string    `json:"action,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

type Notifier struct {
	cfg        Config
	capability Capability
	hooks      []Hook
	logger     *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending *job
	// cancelActive aborts the capability call in flight.
	cancelActive context.CancelFunc
	wake         chan struct{}

	hookQueue chan fsm.Transition
	alarm     atomic.Pointer[Alarm]
}

func New(cfg Config, capability Capability, hooks []Hook, logger *zap.Logger) *Notifier {
	cfg.setDefaults()
	n := &Notifier{
		cfg:        cfg,
		capability: capability,
		hooks:      hooks,
		logger:     logger.Named("notify").With(zap.String("node_id", cfg.NodeID)),
		wake:       make(chan struct{}, 1),
		hookQueue:  make(chan fsm.Transition, 64),
	}
	n.alarm.Store(&Alarm{})
	return n
}

func (n *Notifier) Alarm() Alarm {
	return *n.alarm.Load()
}

// Notify queues the work for t and returns at once. A transition that moves
// the address supersedes any address work still pending or in flight.
func (n *Notifier) Notify(t fsm.Transition) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	a := n.actionFor(t)
	switch {
	case a != actionNone:
		n.pending = &job{t: t, action: a}
		n.cancelInFlight()
		select {
		case n.wake <- struct{}{}:
		default:
		}
	case t.From == fsm.Master:
		// A demoted node must not finish claiming the address from the new
		// master, even when it does not release it.
		if n.pending != nil && n.pending.action == actionAssociate {
			n.pending = nil
		}
		n.cancelInFlight()
	}
	n.mu.Unlock()

	if len(n.hooks) == 0 {
		return
	}
	select {
	case n.hookQueue <- t:
	default:
		n.logger.Warn("hook queue full, dropping transition",
			zap.Stringer("from", t.From),
			zap.Stringer("to", t.To))
	}
}

// cancelInFlight must be called with n.mu held.
func (n *Notifier) cancelInFlight() {
	if n.cancelActive != nil {
		n.cancelActive()
	}
}

func (n *Notifier) actionFor(t fsm.Transition) action {
	switch {
	case t.To == fsm.Master:
		return actionAssociate
	case t.From == fsm.Master && n.cfg.ReleaseOnBackup:
		return actionDisassociate
	}
	return actionNone
}

// Run serves queued work until ctx is cancelled, then waits up to the
// shutdown grace for in-flight work before abandoning it.
func (n *Notifier) Run(ctx context.Context) error {
	workCtx, abandon := context.WithCancel(context.Background())
	defer abandon()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.runActions(ctx, workCtx)
	}()
	go func() {
		defer wg.Done()
		n.runHooks(ctx, workCtx)
	}()

	<-ctx.Done()

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(n.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		n.logger.Warn("abandoning in-flight notifications", zap.Duration("grace", n.cfg.ShutdownGrace))
		abandon()
		<-done
	}
	return nil
}

func (n *Notifier) runActions(ctx, workCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
		if ctx.Err() != nil {
			return
		}

		n.mu.Lock()
		j := n.pending
		n.pending = nil
		jobCtx, cancel := context.WithCancel(workCtx)
		n.cancelActive = cancel
		n.mu.Unlock()

		if j != nil {
			n.perform(jobCtx, *j)
		}

		n.mu.Lock()
		n.cancelActive = nil
		n.mu.Unlock()
		cancel()
	}
}

func (n *Notifier) perform(ctx context.Context, j job) {
	name := j.action.String()
	logger := n.logger.With(
		zap.String("action", name),
		zap.String("address", n.cfg.FloatingAddress),
		zap.Stringer("from", j.t.From),
		zap.Stringer("to", j.t.To))

	op := func() error {
		metrics.RecordCapabilityAttempt(n.cfg.NodeID, name)
		var err error
		switch j.action {
		case actionAssociate:
			err = n.capability.Associate(ctx, n.cfg.NodeID, n.cfg.FloatingAddress)
		case actionDisassociate:
			err = n.capability.Disassociate(ctx, n.cfg.FloatingAddress)
		}
		if err != nil {
			return errors.Wrapf(err, errors.KindExternalCapability, "%s %s", name, n.cfg.FloatingAddress)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.Retry.InitialInterval
	b.MaxInterval = n.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.cfg.Retry.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		logger.Warn("address action failed, retrying",
			zap.String("kind", errors.GetKind(err).String()),
			zap.Duration("backoff", next),
			zap.Error(err))
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("address action abandoned", zap.Error(err))
			return
		}
		metrics.RecordCapabilityFailure(n.cfg.NodeID, name)
		metrics.RecordAlarm(n.cfg.NodeID, true)
		n.alarm.Store(&Alarm{
			Raised: true,
			Action: name,
			Reason: err.Error(),
			Since:  time.Now(),
		})
		logger.Error("address action failed after every retry, raising alarm",
			zap.String("kind", errors.GetKind(err).String()),
			zap.Int("attempts", n.cfg.Retry.MaxAttempts),
			zap.Error(err))
		return
	}

	if n.Alarm().Raised {
		logger.Info("address action succeeded, clearing alarm")
		metrics.RecordAlarm(n.cfg.NodeID, false)
		n.alarm.Store(&Alarm{})
		return
	}
	logger.Info("address action done")
}

func (n *Notifier) runHooks(ctx, workCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-n.hookQueue:
			for i, h := range n.hooks {
				hookCtx, cancel := context.WithTimeout(workCtx, n.cfg.HookTimeout)
				err := h.Run(hookCtx, t)
				cancel()
				if err != nil {
					metrics.RecordHookFailure(n.cfg.NodeID)
					n.logger.Warn("transition hook failed",
						zap.Int("hook", i),
						zap.Stringer("from", t.From),
						zap.Stringer("to", t.To),
						zap.Error(err))
				}
			}
		}
	}
}
