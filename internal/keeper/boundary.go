package keeper

import "time"

// UntilNextBoundary returns the wait from now to the next multiple of d
// since the Unix epoch. When now sits exactly on a boundary the full period
// is returned, so the result is always in (0, d].
func UntilNextBoundary(now time.Time, d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	r := now.UnixNano() % int64(d)
	if r < 0 {
		r += int64(d)
	}
	return d - time.Duration(r)
}
