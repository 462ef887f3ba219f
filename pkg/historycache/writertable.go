package historycache

// writerTable is C4: a sorted array of writer handles registered against
// an instance, with exclusive-ownership arbitration. The original stores
// up to DNWRITERS handles inline and grows a separately-allocated block
// in NWRITERS_INC-sized steps past that; a Go slice already amortizes
// growth the same way, so this rewrite keeps the sorted-array contract
// without the inline/overflow split, which existed only to dodge a
// malloc in the common case (spec.md §4.4, cache.c hc_add_writer_handle).
type writerTable struct {
	writers []Handle
	owner   Handle
}

// strengthLookup resolves a writer's ownership_strength QoS value; in
// the original this reads the writer/discovered-writer's QoS struct
// directly. Here it is supplied by the caller (the DCPS/discovery layer)
// since this package has no entity table of its own.
type strengthLookup func(w Handle) uint32

// guidLookup resolves a writer's GUID for the ownership tie-break.
type guidLookup func(w Handle) GUID

func (wt *writerTable) indexOf(w Handle) (int, bool) {
	lo, hi := 0, len(wt.writers)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case wt.writers[mid] < w:
			lo = mid + 1
		case wt.writers[mid] > w:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// add inserts w into the sorted array if not already present. Returns
// whether the table actually changed.
func (wt *writerTable) add(w Handle) bool {
	idx, found := wt.indexOf(w)
	if found {
		return false
	}
	wt.writers = append(wt.writers, 0)
	copy(wt.writers[idx+1:], wt.writers[idx:])
	wt.writers[idx] = w
	return true
}

// remove deletes w from the sorted array. Returns whether it was
// present.
func (wt *writerTable) remove(w Handle) bool {
	idx, found := wt.indexOf(w)
	if !found {
		return false
	}
	wt.writers = append(wt.writers[:idx], wt.writers[idx+1:]...)
	return true
}

func (wt *writerTable) contains(w Handle) bool {
	_, found := wt.indexOf(w)
	return found
}

func (wt *writerTable) len() int { return len(wt.writers) }

// updateOwner recomputes the exclusive owner: the writer with the
// highest ownership_strength, ties broken by the lexicographically
// lowest GUID (spec.md §4.4, cache.c hc_update_owner). Called whenever
// the writer set changes under EXCLUSIVE ownership.
func (wt *writerTable) updateOwner(strength strengthLookup, guid guidLookup) {
	var highW Handle
	var highS uint32
	first := true
	for _, w := range wt.writers {
		s := strength(w)
		switch {
		case first || s > highS:
			highW, highS, first = w, s, false
		case s == highS && guid(w).Compare(guid(highW)) < 0:
			highW = w
		}
	}
	wt.owner = highW
}
