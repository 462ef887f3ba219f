package historycache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestInstance(h Handle) *instance {
	return &instance{handle: h, hash: KeyHash{byte(h)}}
}

// TestInstanceIndexPromotionAndDemotion covers scenario S4 (spec.md
// §4.3): the index stays a simple list below the promotion threshold,
// switches to dual skiplists once it's crossed, and demotes back to a
// simple list once the count falls to the floor -- all while handle
// walk order (insertion order) is preserved throughout.
func TestInstanceIndexPromotionAndDemotion(t *testing.T) {
	idx := newInstanceIndex()

	insts := make([]*instance, instSimpleListThreshold)
	for i := range insts {
		insts[i] = newTestInstance(Handle(i + 1))
		idx.add(insts[i])
	}
	require.False(t, idx.usingSkiplists)
	require.Equal(t, instSimpleListThreshold, idx.Len())

	// crossing the threshold promotes.
	extra := newTestInstance(Handle(1000))
	idx.add(extra)
	require.True(t, idx.usingSkiplists)
	require.Equal(t, instSimpleListThreshold+1, idx.Len())

	for _, ip := range insts {
		require.Same(t, ip, idx.lookupHash(ip.hash))
		require.Same(t, ip, idx.lookupHandle(ip.handle))
	}
	require.Same(t, extra, idx.lookupHandle(extra.handle))

	var walked []Handle
	idx.walk(func(ip *instance) bool {
		walked = append(walked, ip.handle)
		return true
	})
	require.Len(t, walked, instSimpleListThreshold+1)

	// shrink back down to the floor; demotion happens on the remove
	// that brings count to instSkiplistFloor.
	idx.remove(extra)
	for idx.Len() > instSkiplistFloor {
		idx.remove(insts[idx.Len()-1])
	}
	require.False(t, idx.usingSkiplists)

	var remaining []Handle
	idx.walk(func(ip *instance) bool {
		remaining = append(remaining, ip.handle)
		return true
	})
	require.Len(t, remaining, instSkiplistFloor)
	for i, h := range remaining {
		require.Equal(t, insts[i].handle, h)
	}
}

// TestInstanceIndexHashCollisionChaining covers spec.md §4.3's
// hash-collision chain: two instances sharing a hash both remain
// reachable via lookupHash after the index is promoted, and removing
// the primary promotes the chained instance into the skiplist node.
func TestInstanceIndexHashCollisionChaining(t *testing.T) {
	idx := newInstanceIndex()
	for i := 0; i < instSimpleListThreshold+1; i++ {
		idx.add(newTestInstance(Handle(i + 1)))
	}
	require.True(t, idx.usingSkiplists)

	hash := KeyHash{0xAA}
	a := &instance{handle: 900, hash: hash}
	b := &instance{handle: 901, hash: hash}
	idx.add(a)
	idx.add(b)

	found := idx.lookupHash(hash)
	require.True(t, found == a || found == b)
	require.Same(t, a, idx.lookupHandle(900))
	require.Same(t, b, idx.lookupHandle(901))

	idx.remove(a)
	require.Same(t, b, idx.lookupHash(hash))
	require.Same(t, b, idx.lookupHandle(901))
}
