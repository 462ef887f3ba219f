package historycache

import (
	"sync"
	"time"
)

// waiter is C10's blocking-call record: a thread (goroutine) blocks on
// its channel under the caller's external lock until acknowledged,
// unblock or urgent signals it, exactly as spec.md §4.10/§9 describe --
// "a message-passing design (per-waiter channel) is equivalent" to the
// original's per-waiter condition variable, provided the producer side
// can look up and wake precisely the matching waiter.
type waiter struct {
	cache    *Cache
	instance *instance // optional: set for an urgent per-sample wait
	sample   *Sample   // optional: nil means "whole-cache unacked==0" wait
	nwaiting int
	signal   chan struct{}
}

// Two process-global lists guarded by process-global mutexes, matching
// spec.md §5: "Two additional process-global mutexes exist: one for the
// waiters list, one for the transfers list." The transfers list
// (transfersMu/transfersByDst) lives in transfer.go.
var (
	waitersMu   sync.Mutex
	waitersList []*waiter
)

func waitLookup(c *Cache, s *Sample) *waiter {
	for _, w := range waitersList {
		if w.cache != c {
			continue
		}
		if s == nil && w.sample == nil {
			return w
		}
		if s != nil && w.sample == s {
			return w
		}
	}
	return nil
}

// waitAdd creates or reuses a Waiter record for (c, s), keyed exactly as
// hc_wait_add: a nil sample waits on the whole cache's unacked count; a
// non-nil sample waits on that specific sample's urgent ack. If ip is
// non-nil and already the subject of the found waiter, no additional
// wait record is produced (hc_wait_add's "already waiting on this exact
// instance" short-circuit).
func waitAdd(c *Cache, ip *instance, s *Sample) *waiter {
	waitersMu.Lock()
	defer waitersMu.Unlock()

	if w := waitLookup(c, s); w != nil {
		if ip != nil && ip == w.instance {
			return nil
		}
		w.nwaiting++
		return w
	}

	w := &waiter{cache: c, instance: ip, sample: s, nwaiting: 1, signal: make(chan struct{})}
	if s != nil {
		s.Urgent = true
	} else {
		c.blocked.Store(true)
	}
	if ip != nil {
		ip.waitFlag = true
	}
	waitersList = append(waitersList, w)
	return w
}

// waitFree releases one reference to w, tearing it down once the last
// waiting goroutine departs.
func waitFree(w *waiter) {
	waitersMu.Lock()
	defer waitersMu.Unlock()

	w.nwaiting--
	if w.nwaiting > 0 {
		return
	}
	if w.instance != nil {
		w.instance.waitFlag = false
	}
	if w.sample != nil {
		w.sample.Urgent = false
	} else {
		w.cache.blocked.Store(false)
	}
	for i, x := range waitersList {
		if x == w {
			waitersList = append(waitersList[:i], waitersList[i+1:]...)
			break
		}
	}
}

// waitSignal wakes every goroutine blocked on the waiter matching
// (c, s), if any. Called from acknowledged, unblock and urgent delivery
// paths.
func waitSignal(c *Cache, s *Sample) {
	waitersMu.Lock()
	w := waitLookup(c, s)
	waitersMu.Unlock()
	if w == nil {
		return
	}
	close(w.signal)
}

// waitAcked blocks the calling goroutine until cond() reports true or
// maxWait elapses (maxWait <= 0 means wait forever). It corresponds to
// hc_wait_acked, used both by wait_acks (spec.md §4.5) and the internal
// KEEP_ALL removal wait (spec.md §5's suspension-point list). locker is
// unlocked while waiting and re-acquired before returning, matching the
// original's cond_wait(wcond, lock) semantics under the endpoint lock.
func waitAcked(c *Cache, ip *instance, s *Sample, locker sync.Locker, cond func() bool, maxWait time.Duration) (timedOut bool) {
	if cond() {
		return false
	}
	w := waitAdd(c, ip, s)
	if w == nil {
		// Already waiting on this exact instance elsewhere; return at
		// once without blocking a second time and without re-checking
		// cond, mirroring the original's early-return-success path.
		return false
	}
	defer waitFree(w)

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if maxWait > 0 {
		timer = time.NewTimer(maxWait)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		locker.Unlock()
		select {
		case <-w.signal:
			locker.Lock()
		case <-timeoutCh:
			locker.Lock()
			return true
		}
		if cond() {
			return false
		}
		// Spurious wake (another waiter on the same record) or the
		// predicate hasn't caught up yet; loop. Since w.signal is
		// closed exactly once we must not select on it again --
		// replace it with a fresh channel for any further wait.
		waitersMu.Lock()
		if w.signal != nil {
			select {
			case <-w.signal:
				w.signal = make(chan struct{})
			default:
			}
		}
		waitersMu.Unlock()
	}
}
