/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"math/rand/v2"
	"time"
)

// JitterPct is the configuration-wide constant applied to REFRESH/RETRY/
// EXPIRE delays to avoid synchronized refresh storms; the bootstrap delay
// is drawn by BootstrapDelay without it. It is process-wide by design, not
// per-zone.
var JitterPct uint32 = 10

// BootstrapDelayMs bounds the random initial delay before a zone with a
// master but no contents issues its first AXFR.
var BootstrapDelayMs uint32 = 2000

// Jitter applies (100-rand[0,JitterPct])/100 to d.
func Jitter(d time.Duration) time.Duration {
	if JitterPct == 0 {
		return d
	}
	pct := 100 - rand.IntN(int(JitterPct)+1)
	return d * time.Duration(pct) / 100
}

// BootstrapDelay returns a random delay in [0, BootstrapDelayMs) for the
// initial AXFR of a newly configured secondary zone.
func BootstrapDelay() time.Duration {
	if BootstrapDelayMs == 0 {
		return 0
	}
	return time.Duration(rand.IntN(int(BootstrapDelayMs))) * time.Millisecond
}

// ArmRefresh (re)arms the REFRESH timer for e, replacing any existing one
// (timer idempotence). fn is invoked on fire; it is expected to
// enqueue a transfer task, not perform I/O itself.
func (e *ZoneEntry) ArmRefresh(d time.Duration, fn func()) {
	e.SetRefreshTimer(time.AfterFunc(Jitter(d), fn))
}

// ArmExpire arms the EXPIRE timer at jitter(soa.expire): the first
// REFRESH failure on a zone that already has contents arms this timer.
func (e *ZoneEntry) ArmExpire(expire uint32, fn func()) {
	e.SetExpireTimer(time.AfterFunc(Jitter(time.Duration(expire)*time.Second), fn))
}

// ArmSync (re)arms the journal-to-zonefile sync timer. The
// timer reschedules itself on every exit path, so fn must call ArmSync
// again before returning.
func (e *ZoneEntry) ArmSync(period time.Duration, fn func()) {
	e.SetSyncTimer(time.AfterFunc(period, fn))
}

// ArmResign (re)arms the DNSSEC re-sign timer, due at the earliest
// signature expiry minus a safety margin.
func (e *ZoneEntry) ArmResign(d time.Duration, fn func()) {
	e.SetResignTimer(time.AfterFunc(d, fn))
}

// RefreshRetryDurations derives REFRESH and RETRY durations from the
// zone's apex SOA, per RFC 1035.
func RefreshRetryDurations(c *ZoneContents) (refresh, retry time.Duration) {
	if c == nil || c.Apex == nil {
		return 5 * time.Minute, time.Minute
	}
	return time.Duration(c.Apex.Refresh) * time.Second, time.Duration(c.Apex.Retry) * time.Second
}
