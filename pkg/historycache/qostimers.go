package historycache

import "time"

// QoSScan selects which of the four periodic QoS actions HandleXQoS
// runs, matching the GT_* constants from cache.c's hc_handle_xqos.
type QoSScan int

const (
	ScanDeadline QoSScan = iota
	ScanLifespan
	ScanAutopurgeNoWriters
	ScanAutopurgeDisposed
)

func (s QoSScan) String() string {
	switch s {
	case ScanDeadline:
		return "deadline"
	case ScanLifespan:
		return "lifespan"
	case ScanAutopurgeNoWriters:
		return "autopurge_no_writers"
	case ScanAutopurgeDisposed:
		return "autopurge_disposed"
	default:
		return "unknown"
	}
}

// HandleXQoS is C9's single entry point driving all four QoS timer
// scans (spec.md §4.9). It returns the duration until the next run, or
// 0 if the scan is now idle (no instance needs rechecking). writer
// restricts the lifespan scan to samples from a specific writer handle
// (0 matches all writers), mirroring hc_handle_xqos's w parameter.
func (c *Cache) HandleXQoS(scan QoSScan, writer Handle, period time.Duration) time.Duration {
	now := Now()

	if !c.opts.MultiInst {
		if scan != ScanDeadline {
			return 0
		}
		if c.solo.deadlinedFlag {
			return 0
		}
		next := c.solo.lastTime.Add(period)
		if next.Before(now) {
			c.solo.deadlinedFlag = true
			metricQoSReaps.WithLabelValues(c.name, scan.String()).Inc()
			return 0
		}
		return clampXQoSDelay(next.Sub(now), c.opts.QoS.MinRescheduleDelay)
	}

	var next FTime
	haveNext := false
	nAlive := 0

	c.idx.walk(func(ip *instance) bool {
		var alive bool
		switch scan {
		case ScanDeadline:
			alive = c.checkDeadline(ip, now, period, &next, &haveNext)
		case ScanLifespan:
			alive = c.checkLifespan(ip, now, period, writer, &next, &haveNext)
		case ScanAutopurgeNoWriters:
			alive = c.checkAutopurge(ip, InstUnregistered, now, period, &next, &haveNext, scan)
		case ScanAutopurgeDisposed:
			alive = c.checkAutopurge(ip, InstDisposed, now, period, &next, &haveNext, scan)
		}
		if alive {
			nAlive++
		}
		return true
	})

	if nAlive == 0 {
		return 0
	}
	return clampXQoSDelay(next.Sub(now), c.opts.QoS.MinRescheduleDelay)
}

// clampXQoSDelay enforces the ~40-tick (here: MinRescheduleDelay, or
// 40ms when that is unset) storm-prevention floor from spec.md §4.9.
func clampXQoSDelay(d, minDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		minDelay = 40 * time.Millisecond
	}
	if d < minDelay {
		return minDelay
	}
	return d
}

func (c *Cache) checkDeadline(ip *instance, now FTime, period time.Duration, next *FTime, haveNext *bool) bool {
	if ip.deadlinedFlag {
		return false
	}
	t := ip.lastTime
	if ip.nData > 0 {
		t = tailTime(ip)
	}
	t = t.Add(period)
	if t.Before(now) {
		ip.deadlinedFlag = true
		metricQoSReaps.WithLabelValues(c.name, "deadline").Inc()
		return false
	}
	if !*haveNext || t.Before(*next) {
		*next = t
		*haveNext = true
	}
	return true
}

func tailTime(ip *instance) FTime {
	var t FTime
	ip.samples.walkInstance(func(r *ccref) bool {
		t = r.sample.Time
		return true
	})
	return t
}

// checkLifespan removes every sample of ip whose lifespan has elapsed
// and that carries no outstanding acks, matching hc_inst_check_lifespan.
// A KEEP_ALL sample still awaiting acks is never dropped; its instance
// is instead rescheduled for an immediate recheck.
func (c *Cache) checkLifespan(ip *instance, now FTime, period time.Duration, writer Handle, next *FTime, haveNext *bool) bool {
	if ip.nData == 0 {
		return false
	}
	if !c.opts.Writer && ip.writers.len() == 0 {
		return false
	}
	if !c.opts.Writer && writer != 0 && !ip.writers.contains(writer) {
		return false
	}

	for {
		r := ip.samples.firstInstance()
		if r == nil {
			return false
		}
		s := r.sample
		if writer != 0 && s.Writer != writer {
			return false
		}
		t := s.Time.Add(period)
		if t.After(now) {
			if !*haveNext || t.Before(*next) {
				*next = t
				*haveNext = true
			}
			return true
		}
		if c.opts.MustAck && s.AckCount() > 0 {
			*next = now
			*haveNext = true
			return true
		}
		c.removeRef(ip, r)
		metricQoSReaps.WithLabelValues(c.name, "lifespan").Inc()
		if ip.nData == 0 && c.opts.Writer && ip.state&InstUnregistered != 0 {
			c.freeInstance(ip)
			return false
		}
	}
}

// checkAutopurge purges ip entirely once its last event time plus the
// configured period elapses, for the given instance-state bit
// (autopurge-no-writers or autopurge-disposed).
func (c *Cache) checkAutopurge(ip *instance, bit InstanceState, now FTime, period time.Duration, next *FTime, haveNext *bool, scan QoSScan) bool {
	if ip.state&bit == 0 {
		return false
	}
	t := ip.lastEventTime.Add(period)
	if t.After(now) {
		if !*haveNext || t.Before(*next) {
			*next = t
			*haveNext = true
		}
		return true
	}
	c.purgeInstance(ip)
	metricQoSReaps.WithLabelValues(c.name, scan.String()).Inc()
	return false
}

// purgeInstance removes every sample of ip and then frees the instance
// itself, matching hc_inst_purge.
func (c *Cache) purgeInstance(ip *instance) {
	for ip.nData > 0 {
		r := ip.samples.firstInstance()
		if r == nil {
			break
		}
		c.removeRef(ip, r)
	}
	c.freeInstance(ip)
}
