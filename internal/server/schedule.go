package server

import "time"

// Ticks counts hundredths of a second, the unit of sysUpTime and of the
// refresh interval.
type Ticks int64

// TicksPerSecond is the tick rate.
const TicksPerSecond = 100

const tick = time.Second / TicksPerSecond

// Duration converts t to a time.Duration.
func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * tick
}

// TicksSince returns the ticks elapsed between start and now. It is negative
// when the clock went backwards.
func TicksSince(start, now time.Time) Ticks {
	return Ticks(now.Sub(start) / tick)
}

// Schedule decides the refresh for one loop iteration. With elapsed at or
// past interval, or negative, a full refresh is due and the next sleep is a
// whole interval. Otherwise the refresh is partial and the loop sleeps for
// what remains of the interval.
func Schedule(interval, elapsed Ticks) (full bool, budget Ticks) {
	if elapsed >= interval || elapsed < 0 {
		return true, interval
	}
	return false, interval - elapsed
}
