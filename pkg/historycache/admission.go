package historycache

// admitSample is C6: the per-instance-depth and global-max_samples
// eviction gate run before a new sample is linked in (spec.md §4.6).
// For KEEP_LAST caches (and writer caches generally) exceeding the
// configured depth evicts the oldest sample instead of rejecting the
// new one; for a KEEP_ALL reliable reader cache, hitting the limit
// requests that the caller block (NoData) rather than silently drop
// data, mirroring hc_add's max_depth/max_samples eviction loop and the
// design note that KEEP_ALL never loses an un-acked sample.
func admitSample(c *Cache, ip *instance) (blocked bool, cause RejectCause) {
	if maxDepth := c.maxDepth(); maxDepth > 0 {
		for ip.nData >= maxDepth {
			oldest := ip.samples.firstInstance()
			if oldest == nil {
				break
			}
			if timedOut, waitBlocked := waitForRemoval(c, ip, oldest); waitBlocked {
				return true, RCAccepted
			} else if timedOut {
				return false, RCTimeout
			}
			c.removeRef(ip, oldest)
			metricSamplesEvicted.WithLabelValues(c.name).Inc()
		}
		if ip.nData >= maxDepth {
			return false, RCSamplesPerInstanceLimit
		}
	}

	if maxSamples := c.opts.QoS.MaxSamples; maxSamples > 0 {
		for c.samples.Len() >= maxSamples {
			oldest := c.samples.firstCache()
			if oldest == nil {
				break
			}
			oip := c.instanceOfRef(oldest)
			if timedOut, waitBlocked := waitForRemoval(c, oip, oldest); waitBlocked {
				return true, RCAccepted
			} else if timedOut {
				return false, RCTimeout
			}
			c.removeRef(oip, oldest)
			metricSamplesEvicted.WithLabelValues(c.name).Inc()
		}
		if c.samples.Len() >= maxSamples {
			return false, RCSamplesLimit
		}
	}

	return false, RCAccepted
}

// waitForRemoval is hc_remove_i's must_ack branch. A writer cache with an
// outstanding ack on the sample it is about to evict blocks until the ack
// clears (or reliability_max_blocking_time elapses) instead of dropping
// it, matching the "KEEP_ALL never silently drops an unacked sample"
// invariant. A reader cache instead reports back-pressure to its caller
// (hc_remove_i's "!hcp->hc_writer && rel" branch) without touching the
// sample at all -- unlike the writer branch this does not depend on the
// sample's own ack count, since a reader's retained samples are acked by
// the application via Acknowledged/Get, not by waiting peers.
func waitForRemoval(c *Cache, ip *instance, r *ccref) (timedOut, blocked bool) {
	if !c.opts.MustAck {
		return false, false
	}
	if !c.opts.Writer {
		return false, true
	}
	if r.sample.AckCount() == 0 {
		return false, false
	}
	s := r.sample
	timedOut = waitAcked(c, ip, s, c, func() bool { return s.AckCount() == 0 }, c.opts.QoS.MaxBlockingTime)
	return timedOut, false
}

// instanceOfRef resolves the owning instance of a cache-wide reference,
// used when evicting the globally-oldest sample rather than a specific
// instance's oldest.
func (c *Cache) instanceOfRef(r *ccref) *instance {
	if !c.opts.MultiInst {
		return c.solo
	}
	return c.idx.lookupHandle(r.sample.Instance)
}

// unblock moves c from the blocked state to unblocked, waking any
// waiter parked on the whole-cache unacked condition and handing the
// matching producer caches' pending-transfer lists to the process-wide
// ready queue (spec.md §4.6 "Unblocking"). See xfer.Dispatcher for the
// consumer side.
func (c *Cache) unblock() {
	c.blocked.Store(false)
	metricBlockedCaches.WithLabelValues(c.name).Set(0)
	waitSignal(c, nil)
	drainPendingTransfers(c)
	if callbacks.Unblock != nil {
		callbacks.Unblock(c.notifyUser)
	}
}
