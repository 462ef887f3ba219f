package historycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitAcksTimesOutWithoutAck(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, MustAck: true, Name: "t-wait-timeout"})
	c.unacked.Store(1)

	c.Lock()
	err := c.WaitAcks(20 * time.Millisecond)
	c.Unlock()

	require.ErrorIs(t, err, ErrTimeout)
}

func TestWaitAcksReturnsOnceUnackedReachesZero(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, MustAck: true, Name: "t-wait-signal"})
	c.unacked.Store(1)

	done := make(chan error, 1)
	go func() {
		c.Lock()
		done <- c.WaitAcks(2 * time.Second)
		c.Unlock()
	}()

	// give WaitAcks a chance to register itself as a waiter before
	// the unacked count drops.
	time.Sleep(20 * time.Millisecond)
	c.unacked.Store(0)
	waitSignal(c, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAcks did not wake up on signal")
	}
}
