package historycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMain_InitPools(t *testing.T) {
	Init(DefaultConfig())
}

// TestAddKeyGetDone covers the basic add -> get -> done round trip for a
// multi-instance reader cache.
func TestAddKeyGetDone(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, Name: "t-addkeygetdone"})
	hash := keyHash("widget-1")
	now := Now()

	s := mustAlloc(c, Alive, 1, now)
	s.Data = []byte("payload-1")
	require.NoError(t, c.AddKey(hash, []byte("widget-1"), s, nil, false))

	entries, err := c.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("payload-1"), entries[0].Sample.Data)

	c.Done(entries)
}

// TestKeepLastDepthEviction is scenario S1: a depth=2 KEEP_LAST instance
// evicts its oldest sample as newer ones arrive, always leaving the two
// most recent.
func TestKeepLastDepthEviction(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, MaxDepth: 2, Name: "t-keeplast"})
	hash := keyHash("widget-2")
	base := Now()

	for i := 0; i < 5; i++ {
		s := mustAlloc(c, Alive, 1, base.Add(time.Duration(i)*time.Millisecond))
		s.Data = []byte{byte(i)}
		require.NoError(t, c.AddKey(hash, []byte("widget-2"), s, nil, false))
	}

	ip := c.LookupKey(hash)
	require.NotNil(t, ip)
	require.Equal(t, 2, ip.nData)

	entries, err := c.Get(10, 0, false, 0, nil, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, byte(3), entries[0].Sample.Data[0])
	require.Equal(t, byte(4), entries[1].Sample.Data[0])
	c.Done(entries)
}

// TestReliableBlockAndUnblock is scenario S2: a MustAck reader cache
// rejects new samples with ErrNoData once its depth limit is hit while
// an outstanding ack remains, and accepts again once the ack clears.
func TestReliableBlockAndUnblock(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, MaxDepth: 1, MustAck: true, Name: "t-block"})
	hash := keyHash("widget-3")
	now := Now()

	s1 := mustAlloc(c, Alive, 1, now)
	s1.SeqNr = SequenceNumber{Low: 1}
	require.NoError(t, c.AddKey(hash, []byte("widget-3"), s1, nil, true))
	require.True(t, c.unacked.Load() > 0)

	s2 := mustAlloc(c, Alive, 1, now)
	s2.SeqNr = SequenceNumber{Low: 2}
	err := c.AddKey(hash, []byte("widget-3"), s2, nil, true)
	require.ErrorIs(t, err, ErrNoData)
	require.True(t, c.blocked.Load())

	ip := c.LookupKey(hash)
	c.Acknowledged(ip, SequenceNumber{Low: 1})
	require.False(t, c.blocked.Load())

	require.NoError(t, c.AddKey(hash, []byte("widget-3"), s2, nil, true))
}

// TestReliableWriterBlocksOnUnackedEviction is the writer-side half of
// scenario S2: a MustAck writer cache at its depth limit blocks admitting
// a new sample until the oldest unacked one is acknowledged, rather than
// silently force-evicting it.
func TestReliableWriterBlocksOnUnackedEviction(t *testing.T) {
	c := newTestCache(CacheOptions{Writer: true, MultiInst: true, MaxDepth: 1, MustAck: true, Name: "t-writer-block-evict"})
	hash := keyHash("widget-9")
	now := Now()

	s1 := mustAlloc(c, Alive, 1, now)
	require.NoError(t, c.AddKey(hash, []byte("widget-9"), s1, nil, true))
	ip := c.LookupKey(hash)
	require.Equal(t, 1, ip.nData)
	require.Equal(t, int32(1), s1.AckCount())

	s2 := mustAlloc(c, Alive, 1, now.Add(time.Millisecond))

	done := make(chan error, 1)
	go func() {
		c.Lock()
		done <- c.AddKey(hash, []byte("widget-9"), s2, nil, true)
		c.Unlock()
	}()

	// Give AddKey a chance to block on the unacked oldest sample before
	// it is acknowledged.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("AddKey returned before the oldest sample was acknowledged")
	default:
	}

	c.Lock()
	c.Acknowledged(ip, s1.SeqNr)
	c.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err, "oldest unacked sample must be evicted, not dropped, once acknowledged")
	case <-time.After(2 * time.Second):
		t.Fatal("AddKey did not unblock once the oldest sample was acknowledged")
	}
	require.Equal(t, 1, ip.nData)
	require.Equal(t, s2, ip.samples.firstInstance().sample)
}

// TestReliableWriterEvictionTimesOut covers the timeout branch: if the
// oldest unacked sample is never acknowledged, the blocked admission
// eventually gives up rather than waiting forever.
func TestReliableWriterEvictionTimesOut(t *testing.T) {
	c := newTestCache(CacheOptions{Writer: true, MultiInst: true, MaxDepth: 1, MustAck: true, Name: "t-writer-block-timeout"})
	c.opts.QoS.MaxBlockingTime = 20 * time.Millisecond
	hash := keyHash("widget-10")
	now := Now()

	s1 := mustAlloc(c, Alive, 1, now)
	require.NoError(t, c.AddKey(hash, []byte("widget-10"), s1, nil, true))

	s2 := mustAlloc(c, Alive, 1, now.Add(time.Millisecond))
	c.Lock()
	err := c.AddKey(hash, []byte("widget-10"), s2, nil, true)
	c.Unlock()
	require.ErrorIs(t, err, ErrTimeout)
}

// TestExclusiveOwnershipDrop is scenario S6: once an EXCLUSIVE instance
// has an owner, samples from a non-owning, lower-strength writer are
// silently dropped. The equal-strength GUID tie-break is covered by
// TestWriterTableGUIDTieBreak.
func TestExclusiveOwnershipDrop(t *testing.T) {
	strengths := map[Handle]uint32{1: 10, 2: 5}
	guids := map[Handle]GUID{
		1: {Prefix: [12]byte{1}},
		2: {Prefix: [12]byte{2}},
	}
	c := newTestCache(CacheOptions{
		MultiInst:     true,
		Exclusive:     true,
		Name:          "t-exclusive",
		OwnerStrength: func(w Handle) uint32 { return strengths[w] },
		OwnerGUID:     func(w Handle) GUID { return guids[w] },
	})
	hash := keyHash("widget-4")
	now := Now()

	s1 := mustAlloc(c, Alive, 1, now)
	require.NoError(t, c.AddKey(hash, []byte("widget-4"), s1, nil, false))
	ip := c.LookupKey(hash)
	require.Equal(t, 1, ip.nData)
	require.Equal(t, Handle(1), ip.writers.owner)

	s2 := mustAlloc(c, Alive, 2, now)
	require.NoError(t, c.AddKey(hash, []byte("widget-4"), s2, nil, false))
	require.Equal(t, 1, ip.nData, "sample from a weaker non-owning writer must be dropped")
	require.Equal(t, Handle(1), ip.writers.owner)
}

// TestWriterTableGUIDTieBreak covers the equal-strength tie-break: the
// lexicographically lowest GUID wins regardless of arrival order.
func TestWriterTableGUIDTieBreak(t *testing.T) {
	var wt writerTable
	wt.add(5)
	wt.add(2)
	guids := map[Handle]GUID{
		5: {Prefix: [12]byte{9}},
		2: {Prefix: [12]byte{1}},
	}
	equalStrength := func(Handle) uint32 { return 7 }
	wt.updateOwner(equalStrength, func(w Handle) GUID { return guids[w] })
	require.Equal(t, Handle(2), wt.owner)
}

func TestSkipMaskExcludes(t *testing.T) {
	s := &Sample{SampleState: Read, InstanceState: InstDisposed}
	require.True(t, SkipRead.excludes(s))
	require.True(t, SkipDisposed.excludes(s))
	require.False(t, SkipNotRead.excludes(s))
}

func TestSequenceNumberOrdering(t *testing.T) {
	a := SequenceNumber{High: 0, Low: 5}
	b := a.Next()
	require.Equal(t, SequenceNumber{High: 0, Low: 6}, b)
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))

	wrap := SequenceNumber{High: 0, Low: ^uint32(0)}
	require.Equal(t, SequenceNumber{High: 1, Low: 0}, wrap.Next())
}
