// Package priority derives the priority a node advertises from its configured
// base priority, its health and operator adjustments.
package priority

// Calculator is owned by the election loop and is not safe for concurrent use.
type Calculator struct {
	base       int
	weight     int
	min        int
	healthy    bool
	adjustment int
	effective  int
}

// NewCalculator returns a healthy calculator. weight is the penalty subtracted
// while unhealthy; a node whose effective priority is at or below min is
// faulted.
func NewCalculator(base, weight, min int) *Calculator {
	c := &Calculator{
		base:    base,
		weight:  weight,
		min:     min,
		healthy: true,
	}
	c.effective = c.compute()
	return c
}

func (c *Calculator) compute() int {
	p := c.base + c.adjustment
	if !c.healthy {
		p -= c.weight
	}
	return p
}

func (c *Calculator) update() (int, bool) {
	next := c.compute()
	changed := next != c.effective
	c.effective = next
	return next, changed
}

// Observe records a health result and returns the effective priority and
// whether it changed.
func (c *Calculator) Observe(ok bool) (int, bool) {
	c.healthy = ok
	return c.update()
}

// Adjust replaces the operator adjustment. It is a forced priority change, not
// a state change.
func (c *Calculator) Adjust(delta int) (int, bool) {
	c.adjustment = delta
	return c.update()
}

func (c *Calculator) Effective() int {
	return c.effective
}

func (c *Calculator) Base() int {
	return c.base
}

func (c *Calculator) Adjustment() int {
	return c.adjustment
}

func (c *Calculator) Healthy() bool {
	return c.healthy
}

// Faulted reports whether the node must stop participating: its priority fell
// to the minimum, or it is unhealthy with no penalty weight to express that.
func (c *Calculator) Faulted() bool {
	if c.effective <= c.min {
		return true
	}
	return !c.healthy && c.weight == 0
}
