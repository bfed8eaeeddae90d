package election

import "time"

// outranks reports whether node a with priority pa wins over node b with
// priority pb. The order is total: higher priority first, then the lower id.
func outranks(pa int, a string, pb int, b string) bool {
	if pa != pb {
		return pa > pb
	}
	return a < b
}

// skew delays the master down timer of lower priority nodes so that the best
// backup claims first. It never exceeds one advert interval.
func skew(advertInterval time.Duration, p int) time.Duration {
	if p < 0 {
		p = 0
	}
	if p > 255 {
		p = 255
	}
	return advertInterval * time.Duration(256-p) / 256
}
