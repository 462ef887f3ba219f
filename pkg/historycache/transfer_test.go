package historycache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLocalTransferDelivery covers C7: a sample added to a writer cache
// is cloned and delivered to every matched reader cache.
func TestLocalTransferDelivery(t *testing.T) {
	wc := newTestCache(CacheOptions{Writer: true, MultiInst: true, Name: "t-writer"})
	rc := newTestCache(CacheOptions{MultiInst: true, Name: "t-reader"})
	MatchBegin(wc, rc)

	hash := keyHash("widget-5")
	s := mustAlloc(wc, Alive, 1, Now())
	s.Data = []byte("hello")
	require.NoError(t, wc.AddKey(hash, []byte("widget-5"), s, nil, false))

	entries, err := rc.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("hello"), entries[0].Sample.Data)
	rc.Done(entries)

	MatchEnd(wc, rc)
	require.Empty(t, wc.matched)
	require.Empty(t, rc.writerCaches)
}

// TestMatchBeginReplaysExistingSamples covers the late-join replay path:
// a reader matching after the writer already holds data receives it
// immediately.
func TestMatchBeginReplaysExistingSamples(t *testing.T) {
	wc := newTestCache(CacheOptions{Writer: true, MultiInst: true, Name: "t-writer-late"})
	hash := keyHash("widget-6")
	s := mustAlloc(wc, Alive, 1, Now())
	require.NoError(t, wc.AddKey(hash, []byte("widget-6"), s, nil, false))

	rc := newTestCache(CacheOptions{MultiInst: true, Name: "t-reader-late"})
	MatchBegin(wc, rc)

	entries, err := rc.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rc.Done(entries)
}

// TestDirectedSampleDestinationGating covers spec.md §4.7: a directed
// sample only reaches the reader caches named in its destination list.
func TestDirectedSampleDestinationGating(t *testing.T) {
	wc := newTestCache(CacheOptions{Writer: true, MultiInst: true, Name: "t-writer-dir"})
	targeted := newTestCache(CacheOptions{MultiInst: true, Name: "t-reader-targeted", Handle: 42})
	other := newTestCache(CacheOptions{MultiInst: true, Name: "t-reader-other", Handle: 7})
	MatchBegin(wc, targeted)
	MatchBegin(wc, other)

	hash := keyHash("widget-7")
	s := mustAlloc(wc, Alive, 1, Now())
	s.Dests[0] = 42
	s.NDests = 1
	require.NoError(t, wc.AddKey(hash, []byte("widget-7"), s, nil, false))

	entries, err := targeted.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	targeted.Done(entries)

	entries, err = other.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestPendingTransferQueuedWhileBlocked covers spec.md §4.6: when a
// MustAck reader cannot accept a transfer, it is queued as a
// PendingTransfer and redelivered once the reader unblocks.
func TestPendingTransferQueuedWhileBlocked(t *testing.T) {
	wc := newTestCache(CacheOptions{Writer: true, MultiInst: true, Name: "t-writer-block"})
	rc := newTestCache(CacheOptions{MultiInst: true, MaxDepth: 1, MustAck: true, Name: "t-reader-block"})
	MatchBegin(wc, rc)

	hash := keyHash("widget-8")
	s1 := mustAlloc(wc, Alive, 1, Now())
	s1.SeqNr = SequenceNumber{Low: 1}
	require.NoError(t, wc.AddKey(hash, []byte("widget-8"), s1, nil, true))

	s2 := mustAlloc(wc, Alive, 1, Now())
	s2.SeqNr = SequenceNumber{Low: 2}
	require.NoError(t, wc.AddKey(hash, []byte("widget-8"), s2, nil, true))
	require.True(t, rc.blocked.Load())

	rip := rc.LookupKey(hash)
	rc.Acknowledged(rip, SequenceNumber{Low: 1})
	require.False(t, rc.blocked.Load())

	entries, err := rc.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	rc.Done(entries)
}
