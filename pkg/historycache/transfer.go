package historycache

import "sync"

// PendingTransfer is a sample a writer cache could not immediately
// deliver to a matched reader cache because the reader reported NoData
// (a blocked KEEP_ALL reliable reader, spec.md §4.6). It is queued per
// destination cache until the reader unblocks.
type PendingTransfer struct {
	Src      *Cache
	SrcInst  *instance
	SrcSeqNr SequenceNumber
	Dst      *Cache
	Sample   *Sample

	queuedAt FTime
}

// Redeliver retries delivery of the queued sample now that Dst has
// freed capacity.
func (pt *PendingTransfer) Redeliver() {
	metricTransferLatency.Observe(Now().Sub(pt.queuedAt).Seconds())
	deliver(pt.Src, pt.Dst, pt.SrcInst, pt.Sample)
}

var (
	transfersMu    sync.Mutex
	transfersByDst = map[*Cache][]*PendingTransfer{}

	// transferSink is installed by pkg/historycache/xfer's Dispatcher
	// (a bounded goroutine pool, grounded in the teacher's
	// friggdb/pool worker pattern) to drain ready transfers off the
	// calling goroutine. With no dispatcher registered, transfers are
	// redelivered synchronously from unblock, which is still correct,
	// just not concurrent.
	transferSink func(*PendingTransfer)
)

// RegisterTransferSink installs the process-wide pending-transfer
// dispatcher. Only the first registration takes effect.
func RegisterTransferSink(fn func(*PendingTransfer)) {
	transfersMu.Lock()
	defer transfersMu.Unlock()
	if transferSink == nil {
		transferSink = fn
	}
}

func xferAdd(src *Cache, srcInst *instance, srcSample *Sample, dst *Cache, cloned *Sample) {
	transfersMu.Lock()
	transfersByDst[dst] = append(transfersByDst[dst], &PendingTransfer{
		Src: src, SrcInst: srcInst, SrcSeqNr: srcSample.SeqNr, Dst: dst, Sample: cloned,
		queuedAt: Now(),
	})
	n := len(transfersByDst[dst])
	transfersMu.Unlock()
	srcSample.addAck()
	metricPendingTransfers.WithLabelValues(dst.name).Set(float64(n))
}

// drainPendingTransfers moves dst's queued transfers onto the
// process-global ready path, invoked once dst unblocks (spec.md §4.6
// "Unblocking").
func drainPendingTransfers(dst *Cache) {
	transfersMu.Lock()
	list := transfersByDst[dst]
	delete(transfersByDst, dst)
	sink := transferSink
	transfersMu.Unlock()

	metricPendingTransfers.WithLabelValues(dst.name).Set(0)
	for _, pt := range list {
		if sink != nil {
			sink(pt)
		} else {
			pt.Redeliver()
		}
	}
}

// inDest reports whether w is among the up-to-two directed destination
// handles on a sample, or whether the sample has none (meaning "all
// matched readers").
func inDest(w Handle, dests [2]Handle, ndests int) bool {
	if ndests == 0 {
		return true
	}
	for i := 0; i < ndests; i++ {
		if dests[i] == w {
			return true
		}
	}
	return false
}

// transferToReaders is C7: walk the writer cache's matched-reader list,
// apply destination-handle and content-filter gating, and deliver a
// clone of s to each surviving match (spec.md §4.7).
func (wc *Cache) transferToReaders(wip *instance, s *Sample) {
	for _, rc := range wc.matched {
		if !inDest(rc.opts.Handle, s.Dests, s.NDests) {
			continue
		}
		if rc.contentFilter != nil {
			ok, err := rc.contentFilter.Eval(s, rc.filterParams)
			if err != nil || !ok {
				continue
			}
		}
		deliver(wc, rc, wip, s)
	}
}

// deliver clones s and hands it to rc, following the reader's
// time-based-filter path when enabled, and queues the sample as a
// pending transfer if rc reports back-pressure (spec.md §4.7, §4.6).
// wc is the producing writer cache, recorded as Src on a queued
// PendingTransfer; Redeliver passes Src back in, so a repeated NoData
// re-queues the transfer under the same source.
func deliver(wc, rc *Cache, wip *instance, s *Sample) {
	clone, err := poolStore.Clone(s)
	if err != nil {
		return
	}
	if clone.Time.Seconds == 0 && clone.Time.Fraction == 0 {
		clone.Time = Now()
	}

	if rc.tfilterEnabled && rc.tbf != nil {
		var hash KeyHash
		var keyBytes []byte
		if wip != nil {
			hash, keyBytes = wip.hash, wip.keyBytes
		}
		ip, err := rc.LookupHash(hash, keyBytes, wip != nil, clone.Time)
		if err != nil {
			poolStore.Release(clone)
			return
		}
		if !tbfAdd(rc.tbf, ip, clone) {
			// Queued in the filter's pending slot; tbf owns the
			// clone now and will dispatch or drop it later.
			return
		}
	}

	var err2 error
	if wip != nil {
		err2 = rc.AddKey(wip.hash, wip.keyBytes, clone, wip, true)
	} else {
		err2 = rc.AddInst(rc.solo, clone, rc.solo, true)
	}
	switch err2 {
	case nil:
		// clone is now linked into rc's lists, which claimed the ref
		// poolStore.Clone gave it -- nothing left to release here.
	case ErrNoData:
		var srcInst *instance
		if wip != nil {
			srcInst = wip
		}
		xferAdd(wc, srcInst, s, rc, clone)
	default:
		// Rejected before being linked in (instance/sample limit):
		// clone still carries its Clone-time ref, so release it here
		// or it leaks.
		poolStore.Release(clone)
	}
}

// MatchBegin records a local writer/reader match (spec.md §4.7):
// adds rc to wc's matched list and wc to rc's writerCaches, and if the writer cache
// already holds data, replays it to the new reader subject to
// destination/filter gating.
func MatchBegin(wc, rc *Cache) {
	wc.addMatchedReader(rc)
	rc.recordWriter(wc)

	if wc.samples.Len() == 0 {
		return
	}
	wc.samples.walkCache(func(r *ccref) bool {
		s := r.sample
		if !inDest(rc.opts.Handle, s.Dests, s.NDests) {
			return true
		}
		if rc.contentFilter != nil {
			ok, err := rc.contentFilter.Eval(s, rc.filterParams)
			if err != nil || !ok {
				return true
			}
		}
		var wip *instance
		if wc.opts.MultiInst {
			wip = wc.idx.lookupHandle(s.Instance)
		}
		deliver(wc, rc, wip, s)
		return true
	})
}

// MatchEnd undoes MatchBegin's bookkeeping when a local match is torn
// down (endpoint deletion or QoS incompatibility).
func MatchEnd(wc, rc *Cache) {
	wc.removeMatchedReader(rc)
	rc.forgetWriter(wc)
}

// recordWriter/forgetWriter track, on a reader cache, which writer
// caches currently feed it -- the mirror image of matched on the writer
// side. Nothing else in this package reads the list.
func (c *Cache) recordWriter(wc *Cache) {
	for _, w := range c.writerCaches {
		if w == wc {
			return
		}
	}
	c.writerCaches = append(c.writerCaches, wc)
}

func (c *Cache) forgetWriter(wc *Cache) {
	for i, w := range c.writerCaches {
		if w == wc {
			c.writerCaches = append(c.writerCaches[:i], c.writerCaches[i+1:]...)
			return
		}
	}
}
