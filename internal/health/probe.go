// Package health runs the local service check that feeds a node's priority.
//
// A Probe evaluates its Checker on a fixed schedule and publishes every result
// through a callback. It owns no election state: a slow or hung check only ever
// turns into a failed result, it never delays the election loop or the next
// cycle.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hramov/floatkeeper/internal/errors"
)

// Result is the outcome of one health evaluation.
type Result struct {
	OK     bool
	Detail string
	At     time.Time
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Rise is the number of consecutive successes needed to become healthy again.
	Rise int
	// Fall is the number of consecutive failures needed to become unhealthy.
	Fall int
}

type Option func(*Probe)

func WithClock(c clock.Clock) Option {
	return func(p *Probe) {
		p.clock = c
	}
}

type Probe struct {
	cfg     Config
	checker Checker
	publish func(Result)
	clock   clock.Clock
	logger  *zap.Logger

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	known   bool
	healthy bool
	streak  int
	last    Result
}

func NewProbe(cfg Config, checker Checker, publish func(Result), logger *zap.Logger, opts ...Option) *Probe {
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Rise < 1 {
		cfg.Rise = 1
	}
	if cfg.Fall < 1 {
		cfg.Fall = 1
	}
	if publish == nil {
		publish = func(Result) {}
	}

	p := &Probe{
		cfg:     cfg,
		checker: checker,
		publish: publish,
		clock:   clock.New(),
		logger:  logger.Named("health"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Evaluate runs the check once, bounded by the configured timeout. Errors and
// timeouts yield OK == false.
func (p *Probe) Evaluate(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	type outcome struct {
		detail string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		detail, err := p.checker.Check(ctx)
		done <- outcome{detail: detail, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			detail := o.err.Error()
			if o.detail != "" {
				detail = fmt.Sprintf("%s: %s", detail, o.detail)
			}
			return Result{OK: false, Detail: detail, At: p.clock.Now()}
		}
		return Result{OK: true, Detail: o.detail, At: p.clock.Now()}
	case <-ctx.Done():
		err := errors.Wrapf(ctx.Err(), errors.KindHealthCheckTimeout, "health check timed out after %s", p.cfg.Timeout)
		return Result{OK: false, Detail: err.Error(), At: p.clock.Now()}
	}
}

// Run evaluates immediately and then every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("starting health probe",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("timeout", p.cfg.Timeout),
		zap.Int("rise", p.cfg.Rise),
		zap.Int("fall", p.cfg.Fall))

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Probe) cycle(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.record(ctx, Result{OK: false, Detail: "previous health check still running", At: p.clock.Now()})
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.record(ctx, p.Evaluate(ctx))
	}()
}

func (p *Probe) record(ctx context.Context, raw Result) {
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	wasKnown, wasHealthy := p.known, p.healthy
	r := p.apply(raw)
	p.last = r
	p.mu.Unlock()

	if !raw.OK {
		p.logger.Debug("health check failed", zap.String("detail", raw.Detail))
	}
	if !wasKnown || wasHealthy != r.OK {
		if r.OK {
			p.logger.Info("service healthy", zap.String("detail", r.Detail))
		} else {
			p.logger.Warn("service unhealthy", zap.String("detail", r.Detail))
		}
	}

	p.publish(r)
}

// apply runs a raw result through the rise/fall filter.
func (p *Probe) apply(raw Result) Result {
	if !p.known {
		p.known = true
		p.healthy = raw.OK
		p.streak = 0
		return raw
	}
	if raw.OK == p.healthy {
		p.streak = 0
		return raw
	}

	p.streak++
	need := p.cfg.Fall
	if raw.OK {
		need = p.cfg.Rise
	}
	if p.streak >= need {
		p.healthy = raw.OK
		p.streak = 0
		return raw
	}

	return Result{
		OK:     p.healthy,
		Detail: fmt.Sprintf("%s (%d/%d before state change)", raw.Detail, p.streak, need),
		At:     raw.At,
	}
}

// Last returns the most recently published result.
func (p *Probe) Last() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.known
}
