package historycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHandleXQoSDeadlineReap covers the deadline scan marking an
// instance deadlined once its period elapses with no new samples.
func TestHandleXQoSDeadlineReap(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, Name: "t-qos-deadline"})
	hash := keyHash("widget-qos-1")
	past := FromTime(time.Now().Add(-time.Hour))

	s := mustAlloc(c, Alive, 1, past)
	require.NoError(t, c.AddKey(hash, []byte("widget-qos-1"), s, nil, false))
	ip := c.LookupKey(hash)
	ip.lastTime = past

	d := c.HandleXQoS(ScanDeadline, 0, 10*time.Millisecond)
	require.Zero(t, d)
	require.True(t, ip.deadlinedFlag)
}

// TestHandleXQoSDeadlineStillAlive covers the non-expired path: the
// instance is not yet deadlined and a reschedule delay is returned.
func TestHandleXQoSDeadlineStillAlive(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, Name: "t-qos-deadline-alive"})
	hash := keyHash("widget-qos-2")
	now := Now()

	s := mustAlloc(c, Alive, 1, now)
	require.NoError(t, c.AddKey(hash, []byte("widget-qos-2"), s, nil, false))
	ip := c.LookupKey(hash)

	d := c.HandleXQoS(ScanDeadline, 0, time.Hour)
	require.NotZero(t, d)
	require.False(t, ip.deadlinedFlag)
}

// TestHandleXQoSLifespanRemovesExpiredSample covers the lifespan scan
// evicting a sample whose lifespan has elapsed.
func TestHandleXQoSLifespanRemovesExpiredSample(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, Writer: true, Name: "t-qos-lifespan"})
	hash := keyHash("widget-qos-3")
	past := FromTime(time.Now().Add(-time.Hour))

	s := mustAlloc(c, Alive, 1, past)
	require.NoError(t, c.AddKey(hash, []byte("widget-qos-3"), s, nil, false))
	ip := c.LookupKey(hash)
	require.Equal(t, 1, ip.nData)

	c.HandleXQoS(ScanLifespan, 0, 10*time.Millisecond)
	require.Equal(t, 0, ip.nData)
}
