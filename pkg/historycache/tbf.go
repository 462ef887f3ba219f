package historycache

import (
	"time"
)

// tbfNode is one per-(filter,instance) time-based-filter slot (spec.md
// §4.8): the instance it throttles (nil for no-instance caches), the
// next-eligible transmit time, and a single pending-sample slot.
type tbfNode struct {
	filter *tbfContext
	inst   *instance
	txTime FTime
	sample *Sample
	rel    bool

	// prev/next form the filter's time-sorted dual-linked list; iNext
	// chains multiple filter contexts sharing the same instance (an
	// instance may be throttled independently per matched reader).
	prev, next *tbfNode
	iNext      *tbfNode
}

// tbfContext is C8: one time-based filter, owning a sorted list of
// per-instance nodes and a single repeating timer (spec.md §4.8).
type tbfContext struct {
	cache   *Cache
	delay   time.Duration
	sendFct func(s *Sample, hci HCI, rel bool)
	doneFct func(s *Sample)

	head, tail *tbfNode
	timer      *time.Timer
}

// newTBFContext installs a time-based filter on cache, used for reader
// caches whose subscription sets minimum_separation (spec.md §4.8).
func newTBFContext(cache *Cache, delay time.Duration, sendFct func(s *Sample, hci HCI, rel bool), doneFct func(s *Sample)) *tbfContext {
	return &tbfContext{cache: cache, delay: delay, sendFct: sendFct, doneFct: doneFct}
}

func findTBFNode(ip *instance, fp *tbfContext) *tbfNode {
	var p *tbfNode
	if ip != nil {
		p = ip.tbf
	} else {
		p = fp.cache.soloTBF
	}
	for p != nil && p.filter != fp {
		p = p.iNext
	}
	return p
}

// tbfAdd implements hc_tbf_add: reports true ("send now") if the sample
// may be delivered immediately, or false if it was queued in the node's
// pending slot for later dispatch by the timer.
func tbfAdd(fp *tbfContext, ip *instance, sample *Sample) bool {
	p := findTBFNode(ip, fp)
	if p != nil {
		if p.sample != nil {
			fp.doneFct(p.sample)
		}
		p.sample = sample
		return false
	}

	p = &tbfNode{filter: fp, inst: ip, txTime: sample.Time.Add(fp.delay)}
	if ip != nil {
		p.iNext = ip.tbf
		ip.tbf = p
	} else {
		p.iNext = fp.cache.soloTBF
		fp.cache.soloTBF = p
	}

	first := fp.head == nil
	p.prev = fp.tail
	if fp.tail != nil {
		fp.tail.next = p
	} else {
		fp.head = p
	}
	fp.tail = p

	if first {
		fp.scheduleTimer(fp.delay)
	}
	return true
}

func (fp *tbfContext) unlinkNode(p *tbfNode) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		fp.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		fp.tail = p.prev
	}
	p.prev, p.next = nil, nil

	head := &fp.cache.soloTBF
	if p.inst != nil {
		head = &p.inst.tbf
	}
	if *head == p {
		*head = p.iNext
	} else {
		for q := *head; q != nil; q = q.iNext {
			if q.iNext == p {
				q.iNext = p.iNext
				break
			}
		}
	}
}

// checkInstIdle frees an unregistered, empty instance once its last
// filter node is cleaned up (spec.md §4.8 / cache.c's check_inst_idle).
func (fp *tbfContext) checkInstIdle(ip *instance) {
	if ip != nil && ip.state&InstUnregistered != 0 && ip.nData == 0 && ip.tbf == nil {
		fp.cache.freeInstance(ip)
	}
}

func (fp *tbfContext) scheduleTimer(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	if fp.timer == nil {
		fp.timer = time.AfterFunc(d, fp.onTimeout)
	} else {
		fp.timer.Reset(d)
	}
}

// onTimeout is hc_tbf_timeout: walk the head of the time-sorted list
// while it has passed its transmit time, either cleaning up empty nodes
// or dispatching and rescheduling nodes with a pending sample.
func (fp *tbfContext) onTimeout() {
	fp.cache.Lock()
	defer fp.cache.Unlock()

	now := Now()
	for fp.head != nil && now.After(fp.head.txTime) {
		p := fp.head
		if p.sample == nil {
			fp.unlinkNode(p)
			fp.checkInstIdle(p.inst)
			continue
		}
		fp.unlinkNode(p)
		sp, hci, rel := p.sample, HCI(nil), p.rel
		if p.inst != nil {
			hci = p.inst
		}
		p.sample = nil
		p.txTime = p.txTime.Add(fp.delay)
		p.prev = fp.tail
		if fp.tail != nil {
			fp.tail.next = p
		} else {
			fp.head = p
		}
		fp.tail = p
		if p.inst != nil {
			p.iNext = p.inst.tbf
			p.inst.tbf = p
		} else {
			p.iNext = fp.cache.soloTBF
			fp.cache.soloTBF = p
		}
		fp.sendFct(sp, hci, rel)
	}
	if fp.head != nil {
		fp.scheduleTimer(fp.head.txTime.Sub(now))
	}
}
