package xfer

import (
	"crypto/md5"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempodb-dds/historycache/pkg/historycache"
)

type fixedTypeSupport struct{}

func (fixedTypeSupport) HashFromKey(key []byte, secure bool) historycache.KeyHash {
	return historycache.KeyHash(md5.Sum(key))
}

func (fixedTypeSupport) KeyToNative(dest interface{}, dynamic, secure bool, key []byte) error {
	return nil
}

func keyHash(s string) historycache.KeyHash {
	return fixedTypeSupport{}.HashFromKey([]byte(s), false)
}

// TestDispatcherDrainsQueuedTransfer covers the bounded worker pool
// draining a PendingTransfer queued while a MustAck reader cache was
// blocked, redelivering it once the reader unblocks (spec.md §4.6).
func TestDispatcherDrainsQueuedTransfer(t *testing.T) {
	historycache.Init(historycache.DefaultConfig())
	NewDispatcher(Config{Workers: 2, QueueDepth: 16})

	wc := historycache.NewCache(historycache.CacheOptions{
		Writer: true, MultiInst: true, TypeSupport: fixedTypeSupport{}, Name: "xfer-writer",
	})
	rc := historycache.NewCache(historycache.CacheOptions{
		MultiInst: true, MustAck: true, MaxDepth: 1, TypeSupport: fixedTypeSupport{}, Name: "xfer-reader",
	})
	historycache.MatchBegin(wc, rc)

	hash := keyHash("xfer-widget")
	store := historycache.NewSampleStore(historycache.PoolLimits{})

	s1, err := store.Allocate()
	require.NoError(t, err)
	s1.Kind = historycache.Alive
	s1.Writer = 1
	s1.Time = historycache.Now()
	s1.SeqNr = historycache.SequenceNumber{Low: 1}
	require.NoError(t, wc.AddKey(hash, []byte("xfer-widget"), s1, nil, true))

	s2, err := store.Allocate()
	require.NoError(t, err)
	s2.Kind = historycache.Alive
	s2.Writer = 1
	s2.Time = historycache.Now()
	s2.SeqNr = historycache.SequenceNumber{Low: 2}
	require.NoError(t, wc.AddKey(hash, []byte("xfer-widget"), s2, nil, true))

	require.Eventually(t, func() bool { return rc.Blocked() }, time.Second, time.Millisecond)

	rip := rc.LookupKey(hash)
	rc.Acknowledged(rip, historycache.SequenceNumber{Low: 1})

	require.Eventually(t, func() bool {
		entries, err := rc.Get(10, 0, false, 0, nil, nil, nil, false)
		if err != nil {
			return false
		}
		defer rc.Done(entries)
		return len(entries) == 1
	}, time.Second, 2*time.Millisecond)
}
