package historycache

import (
	"github.com/go-kit/log/level"
	"github.com/tempodb-dds/historycache/pkg/historycache/hclog"
)

// instance is the per-key record described by spec.md §3 ("Instance").
// It satisfies the HCI interface so RTPS can hold an opaque reference to
// it without re-keying.
type instance struct {
	hash     KeyHash
	keyBytes []byte // present when len(key) > 16, or in secure-hash mode
	handle   Handle

	writers writerTable

	nData int // total samples currently in this instance (for max_depth)

	state InstanceState
	view  ViewState

	waitFlag       bool
	deadlinedFlag  bool
	informFlag     bool
	recoverFlag    bool
	registeredFlag bool

	gen GenCounters

	tbf *tbfNode // time-based-filter nodes pending for this instance

	samples refList // per-instance ordered reference list

	lastTime      FTime // timestamp of the most recent sample (deadline/lifespan scans)
	lastEventTime FTime // time of the most recent state-changing event (autopurge scans)

	// simple-list linkage (active only while the owning index has not
	// been promoted to skiplists).
	next *instance

	// hash-collision chain: instances sharing a hash once promoted
	// chain off the one skiplist node via direct pointer linkage,
	// per spec.md §4.3.
	hashChainNext *instance
}

// Handle implements HCI.
func (ip *instance) Handle() Handle { return ip.handle }

// canRecover reports the HC_CAN_RECOVER condition from cache.c: no
// samples, fully unregistered, and the recover bit set.
func (ip *instance) canRecover() bool {
	return ip.nData == 0 && ip.state&InstUnregistered != 0 && ip.recoverFlag
}

// instSimpleListThreshold and instSkiplistFloor are the promotion and
// demotion crossing points from spec.md §4.3.
const (
	instSimpleListThreshold = 12 // promote when count exceeds this
	instSkiplistFloor       = 8  // demote when count drops to this or below
)

// instanceIndex is the sum type "SimpleList | DualSkiplists" called for
// by the design notes: a single linked list while small, promoted to a
// pair of skiplists (keyed by hash and by handle) once it grows past
// instSimpleListThreshold, and demoted back once it shrinks to
// instSkiplistFloor or below and no walk is in progress.
type instanceIndex struct {
	simpleHead, simpleTail *instance
	count                  int

	usingSkiplists bool
	hashSkl        *skiplist[KeyHash]
	handleSkl      *skiplist[Handle]

	walkDepth int
}

func newInstanceIndex() *instanceIndex {
	return &instanceIndex{}
}

func (idx *instanceIndex) Len() int { return idx.count }

// walkInstanceDepthLimit mirrors the recursion guard in design notes:
// the instance walk helper enforces a depth limit of 3 and the process
// aborts on violation (spec.md §9 "Recursion guard").
const walkInstanceDepthLimit = 3

// walk visits every instance, stopping early if fn returns false. It
// enforces the depth-3 recursion guard and blocks demotion for its
// duration (see remove below); add does not check for a walk.
func (idx *instanceIndex) walk(fn func(*instance) bool) {
	idx.walkDepth++
	defer func() { idx.walkDepth-- }()
	if idx.walkDepth > walkInstanceDepthLimit {
		fatalf("instance walk recursion exceeded depth %d", walkInstanceDepthLimit)
	}
	if !idx.usingSkiplists {
		for p := idx.simpleHead; p != nil; {
			next := p.next
			if !fn(p) {
				return
			}
			p = next
		}
		return
	}
	idx.handleSkl.walk(fn)
}

func (idx *instanceIndex) lookupHash(hash KeyHash) *instance {
	if !idx.usingSkiplists {
		for p := idx.simpleHead; p != nil; p = p.next {
			if p.hash == hash {
				return p
			}
		}
		return nil
	}
	ip := idx.hashSkl.search(hash)
	for ip != nil {
		if ip.hash == hash {
			return ip
		}
		ip = ip.hashChainNext
	}
	return nil
}

func (idx *instanceIndex) lookupHandle(h Handle) *instance {
	if !idx.usingSkiplists {
		for p := idx.simpleHead; p != nil; p = p.next {
			if p.handle == h {
				return p
			}
		}
		return nil
	}
	return idx.handleSkl.search(h)
}

// add inserts ip into the index and promotes to skiplists if the
// threshold is crossed.
func (idx *instanceIndex) add(ip *instance) {
	if !idx.usingSkiplists {
		ip.next = nil
		if idx.simpleTail != nil {
			idx.simpleTail.next = ip
		} else {
			idx.simpleHead = ip
		}
		idx.simpleTail = ip
	} else {
		idx.insertSkiplists(ip)
	}
	idx.count++
	if !idx.usingSkiplists && idx.count > instSimpleListThreshold {
		idx.promote()
	}
}

func (idx *instanceIndex) insertSkiplists(ip *instance) {
	node, isNew := idx.hashSkl.insert(ip)
	if !isNew {
		// Hash collision: chain ip off the existing node's instance,
		// per spec.md §4.3.
		ip.hashChainNext = node.inst.hashChainNext
		node.inst.hashChainNext = ip
	}
	idx.handleSkl.insert(ip)
}

// remove deletes ip from the index and demotes back to a simple list if
// the floor is reached and no walk is in progress.
func (idx *instanceIndex) remove(ip *instance) {
	if !idx.usingSkiplists {
		var prev *instance
		for p := idx.simpleHead; p != nil; p = p.next {
			if p == ip {
				if prev != nil {
					prev.next = p.next
				} else {
					idx.simpleHead = p.next
				}
				if p == idx.simpleTail {
					idx.simpleTail = prev
				}
				break
			}
			prev = p
		}
	} else {
		idx.removeSkiplists(ip)
	}
	idx.count--
	if idx.usingSkiplists && idx.count <= instSkiplistFloor && idx.walkDepth == 0 {
		idx.demote()
	}
}

func (idx *instanceIndex) removeSkiplists(ip *instance) {
	if found := idx.hashSkl.search(ip.hash); found == ip {
		// ip is the node's primary instance; if a chain exists,
		// promote the next chained instance into the node by
		// reinserting it with the same key.
		if ip.hashChainNext != nil {
			next := ip.hashChainNext
			ip.hashChainNext = nil
			idx.hashSkl.delete(ip.hash)
			idx.hashSkl.insert(next)
		} else {
			idx.hashSkl.delete(ip.hash)
		}
	} else {
		// ip is chained off some other instance sharing its hash.
		p := found
		for p != nil && p.hashChainNext != ip {
			p = p.hashChainNext
		}
		if p != nil {
			p.hashChainNext = ip.hashChainNext
			ip.hashChainNext = nil
		}
	}
	idx.handleSkl.delete(ip.handle)
}

// promote converts the simple list to dual skiplists. Per spec.md §7
// ("Recoverable: Out-of-memory in the skiplist promotion path falls
// back to the simple linked list and continues"), any failure here
// (impossible with sync-pool-backed Go allocation, but kept for fidelity
// since skiplist construction is pure Go and cannot fail) would leave
// usingSkiplists false.
func (idx *instanceIndex) promote() {
	hashSkl := newSkiplist(func(a, b KeyHash) int { return a.Compare(b) }, func(ip *instance) KeyHash { return ip.hash })
	handleSkl := newSkiplist(func(a, b Handle) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}, func(ip *instance) Handle { return ip.handle })

	for p := idx.simpleHead; p != nil; {
		next := p.next
		p.next = nil
		p.hashChainNext = nil
		node, isNew := hashSkl.insert(p)
		if !isNew {
			p.hashChainNext = node.inst.hashChainNext
			node.inst.hashChainNext = p
		}
		handleSkl.insert(p)
		p = next
	}
	idx.simpleHead, idx.simpleTail = nil, nil
	idx.hashSkl, idx.handleSkl = hashSkl, handleSkl
	idx.usingSkiplists = true
	level.Debug(hclog.Logger).Log("msg", "instance index promoted to skiplists", "count", idx.count)
}

// demote converts dual skiplists back to the simple list. The handle
// skiplist holds exactly one node per instance (handles never collide),
// so walking it visits every instance exactly once; hash-collision
// chaining is purely a hash-skiplist concern and does not survive
// demotion.
func (idx *instanceIndex) demote() {
	idx.handleSkl.walk(func(ip *instance) bool {
		ip.hashChainNext = nil
		ip.next = nil
		if idx.simpleTail != nil {
			idx.simpleTail.next = ip
		} else {
			idx.simpleHead = ip
		}
		idx.simpleTail = ip
		return true
	})
	idx.hashSkl, idx.handleSkl = nil, nil
	idx.usingSkiplists = false
	level.Debug(hclog.Logger).Log("msg", "instance index demoted to simple list", "count", idx.count)
}

// recoverable finds the oldest recoverable instance (spec.md §4.3), or
// nil. Writer caches never recover, so callers only invoke this for
// reader caches.
func (idx *instanceIndex) recoverable() *instance {
	var old *instance
	idx.walk(func(ip *instance) bool {
		if ip.canRecover() && (old == nil || ip.lastTime.Before(old.lastTime)) {
			old = ip
		}
		return true
	})
	return old
}
