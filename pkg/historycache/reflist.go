package historycache

// ccref is a single reference to a Sample that is simultaneously linked
// into two ordered lists: the cache-wide list (via cPrev/cNext) and the
// owning instance's list (via iPrev/iNext). spec.md §3/§4.2 describes
// this as "two doubly-linked list nodes glued together ('mirror')"; this
// rewrite keeps both link pairs on one struct rather than two separate
// arena-indexed nodes, since a single Go pointer is already as safe and
// as cheap as the index-into-arena the design notes recommend for
// languages without GC-backed pointer safety (see DESIGN.md).
type ccref struct {
	sample *Sample

	cPrev, cNext *ccref
	iPrev, iNext *ccref
}

// refList is the Go analogue of CCLIST: when empty it remembers the
// last-seen timestamp (for lifespan/deadline bookkeeping); when
// non-empty it tracks head/tail/count. instHandle mirrors "also holds
// an instance handle slot" for per-instance lists (zero for the
// cache-wide list).
type refList struct {
	head, tail *ccref
	count      int
	emptyTime  FTime
	instHandle Handle
}

func (l *refList) Len() int { return l.count }

func (l *refList) Empty() bool { return l.count == 0 }

// addCache inserts r into the cache-wide link set. If ordered, r is
// inserted by ascending sample timestamp, with ties broken by arrival
// order (append after any existing equal-timestamp entries) -- spec.md
// §4.2's "equal timestamps preserve arrival order". Otherwise r is
// appended to the tail.
func (l *refList) addCache(r *ccref, ordered bool) {
	// The sample already carries its caller's ref (Allocate/Clone set
	// ref-count to 1); linking it into the cache-wide list claims that
	// existing ref rather than adding a new one, matching hc_add's
	// "cp->c_nrefs--; since we're not going to refer to the change
	// anymore we can safely hand it over to the cache."
	r.sample.Cached = true
	if !ordered || l.head == nil {
		l.appendCache(r)
		return
	}
	t := r.sample.Time
	// Walk from the tail: most inserts are at-or-near the end since
	// samples normally arrive close to in-order.
	p := l.tail
	for p != nil && p.sample.Time.After(t) {
		p = p.cPrev
	}
	if p == nil {
		// r precedes everything.
		r.cNext = l.head
		l.head.cPrev = r
		l.head = r
	} else {
		r.cNext = p.cNext
		r.cPrev = p
		if p.cNext != nil {
			p.cNext.cPrev = r
		} else {
			l.tail = r
		}
		p.cNext = r
	}
	l.count++
}

func (l *refList) appendCache(r *ccref) {
	r.cPrev = l.tail
	r.cNext = nil
	if l.tail != nil {
		l.tail.cNext = r
	} else {
		l.head = r
	}
	l.tail = r
	l.count++
}

// removeCache unlinks r from the cache-wide list, decrementing its
// sample's ref-count. It returns true if the sample should now be
// disposed (ref-count reached zero).
func (l *refList) removeCache(r *ccref) bool {
	r.sample.Cached = false
	if r.cPrev != nil {
		r.cPrev.cNext = r.cNext
	} else {
		l.head = r.cNext
	}
	if r.cNext != nil {
		r.cNext.cPrev = r.cPrev
	} else {
		l.tail = r.cPrev
		l.emptyTime = r.sample.Time
	}
	r.cPrev, r.cNext = nil, nil
	l.count--
	return r.sample.release()
}

// addInstance inserts r into the per-instance link set. If ordered, r is
// inserted by ascending sample timestamp, after any existing
// equal-timestamp entries; otherwise it is appended in reception order.
// The per-instance list is walked front-to-back by get/done.
func (l *refList) addInstance(r *ccref, ordered bool) {
	if !ordered || l.head == nil {
		r.iPrev = l.tail
		r.iNext = nil
		if l.tail != nil {
			l.tail.iNext = r
		} else {
			l.head = r
		}
		l.tail = r
		l.count++
		return
	}
	t := r.sample.Time
	p := l.tail
	for p != nil && p.sample.Time.After(t) {
		p = p.iPrev
	}
	if p == nil {
		r.iNext = l.head
		l.head.iPrev = r
		l.head = r
	} else {
		r.iNext = p.iNext
		r.iPrev = p
		if p.iNext != nil {
			p.iNext.iPrev = r
		} else {
			l.tail = r
		}
		p.iNext = r
	}
	l.count++
}

// removeInstance unlinks r from the per-instance list without touching
// the sample's ref-count (the cache-wide list owns the one ref per
// spec.md §4.2).
func (l *refList) removeInstance(r *ccref) {
	if r.iPrev != nil {
		r.iPrev.iNext = r.iNext
	} else {
		l.head = r.iNext
	}
	if r.iNext != nil {
		r.iNext.iPrev = r.iPrev
	} else {
		l.tail = r.iPrev
		l.emptyTime = r.sample.Time
	}
	r.iPrev, r.iNext = nil, nil
	l.count--
}

// firstInstance returns the head of the per-instance list.
func (l *refList) firstInstance() *ccref { return l.head }

// firstCache returns the head of the cache-wide list.
func (l *refList) firstCache() *ccref { return l.head }

// walkCache iterates the cache-wide list front-to-back, stopping early
// if fn returns false.
func (l *refList) walkCache(fn func(r *ccref) bool) {
	for p := l.head; p != nil; {
		next := p.cNext
		if !fn(p) {
			return
		}
		p = next
	}
}

// walkInstance iterates the per-instance list front-to-back, stopping
// early if fn returns false.
func (l *refList) walkInstance(fn func(r *ccref) bool) {
	for p := l.head; p != nil; {
		next := p.iNext
		if !fn(p) {
			return
		}
		p = next
	}
}
