package historycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTBFAddFirstSampleSendsImmediately covers the first arrival on a
// fresh (filter,instance) node: tbfAdd reports true ("send now").
func TestTBFAddFirstSampleSendsImmediately(t *testing.T) {
	c := newTestCache(CacheOptions{MultiInst: true, Name: "t-tbf-first"})
	fp := newTBFContext(c, 50*time.Millisecond, func(*Sample, HCI, bool) {}, func(*Sample) {})

	s, err := poolStore.Allocate()
	require.NoError(t, err)
	s.Time = Now()

	ip := &instance{handle: 1}
	require.True(t, tbfAdd(fp, ip, s))
}

// TestTBFAddSecondSampleQueuesAndReplaces covers the replace-pending
// path: a second sample arriving before the node's next eligible time
// replaces the first's pending slot rather than being sent immediately.
func TestTBFAddSecondSampleQueuesAndReplaces(t *testing.T) {
	var doneSamples []*Sample
	c := newTestCache(CacheOptions{MultiInst: true, Name: "t-tbf-second"})
	fp := newTBFContext(c, time.Hour, func(*Sample, HCI, bool) {}, func(s *Sample) {
		doneSamples = append(doneSamples, s)
	})

	ip := &instance{handle: 1}
	s1, _ := poolStore.Allocate()
	s1.Time = Now()
	require.True(t, tbfAdd(fp, ip, s1))

	s2, _ := poolStore.Allocate()
	s2.Time = Now()
	require.False(t, tbfAdd(fp, ip, s2))

	s3, _ := poolStore.Allocate()
	s3.Time = Now()
	require.False(t, tbfAdd(fp, ip, s3))

	require.Len(t, doneSamples, 1)
	require.Same(t, s2, doneSamples[0])
}
