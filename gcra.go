package quotaplane

import "time"

// GCRADecide runs one Generic Cell Rate Algorithm admission over a stored
// theoretical arrival time (TAT). The emission interval is window/limit; the
// request is admitted when the advanced TAT stays within one window of now.
//
// tat is the stored TAT for the subject, zero if the subject has no state
// yet. On admission the returned TAT must replace the stored one; on denial
// the stored state is left as-is and RetryAfter says when the same cost
// would fit.
//
// Store backends must run this read-check-write atomically per key. The
// redis backend mirrors this arithmetic in a Lua script; this function is
// the in-process reference used by the memory backend and the tests.
func GCRADecide(tat, now time.Time, limit int64, window time.Duration, cost int64) (time.Time, RateResult) {
	if limit <= 0 {
		// No limit configured for this dimension.
		return tat, RateResult{Allowed: true}
	}

	interval := window / time.Duration(limit)
	if tat.IsZero() || tat.Before(now) {
		tat = now
	}

	newTAT := tat.Add(interval * time.Duration(cost))
	if overrun := newTAT.Sub(now); overrun > window {
		return tat, RateResult{RetryAfter: overrun - window}
	}
	return newTAT, RateResult{Allowed: true}
}
