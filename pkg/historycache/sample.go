package historycache

import (
	"go.uber.org/atomic"
)

// ChangeKind is the kind of a cache change, matching ChangeKind_t.
type ChangeKind int

const (
	Alive ChangeKind = iota
	Disposed
	Unregistered
	Zombie
)

func (k ChangeKind) String() string {
	switch k {
	case Alive:
		return "ALIVE"
	case Disposed:
		return "DISPOSED"
	case Unregistered:
		return "UNREGISTERED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// SampleState is whether a sample has been returned to the application
// via Get yet.
type SampleState int

const (
	Read SampleState = iota
	NotRead
)

// ViewState is whether the owning instance was newly created as of this
// sample's arrival.
type ViewState int

const (
	New ViewState = iota
	NotNew
)

// InstanceState is a bitmask snapshot of instance liveness at the time a
// sample was collected -- alive/disposed/unregistered are combinable,
// matching spec.md §3's "instance state (alive / disposed / unregistered,
// combinable)".
type InstanceState uint8

const (
	InstAlive        InstanceState = 1 << 0
	InstDisposed     InstanceState = 1 << 1
	InstUnregistered InstanceState = 1 << 2
)

// GenCounters are the reader-side disposed/no-writers/absolute
// generation counters bumped on instance-state transitions.
type GenCounters struct {
	Disposed    uint32
	NoWriters   uint32
	Absolute    uint32
}

// maxRefCount and maxAckCount are the bounded-counter ceilings from
// spec.md §4.1: "It is a fatal error if any consumer requests more than
// 2047 references or 2047 outstanding acks."
const (
	maxRefCount = 2047
	maxAckCount = 2047
)

// SharedBuffer is an independently ref-counted payload buffer, used when
// multiple Samples (e.g. a writer's original and its local-transfer
// clones) must not each carry an owned copy of a large payload.
type SharedBuffer struct {
	Bytes []byte
	refs  atomic.Int32
}

func NewSharedBuffer(b []byte) *SharedBuffer {
	sb := &SharedBuffer{Bytes: b}
	sb.refs.Store(1)
	return sb
}

func (b *SharedBuffer) ref() *SharedBuffer {
	if b == nil {
		return nil
	}
	if b.refs.Inc() > maxRefCount {
		fatalf("shared buffer ref-count exceeded %d", maxRefCount)
	}
	return b
}

func (b *SharedBuffer) unref() {
	if b == nil {
		return
	}
	if b.refs.Dec() == 0 {
		b.Bytes = nil
	}
}

// Sample is the Go analogue of Change_t: an immutable-once-stored
// record of one published value. Scalar fields are owned by whichever
// list/lock currently holds the sample (per spec.md §5, the caller's
// external lock); refCount and ackCount are the two fields mutated
// concurrently across caches and are therefore atomic.
type Sample struct {
	Kind     ChangeKind
	Writer   Handle
	Instance Handle
	Time     FTime
	SeqNr    SequenceNumber
	Length   int
	Data     []byte
	Buffer   *SharedBuffer

	Urgent        bool
	Cached        bool
	SampleState   SampleState
	ViewState     ViewState
	InstanceState InstanceState

	// Dests holds up to two destination writer handles a directed
	// sample (release/dispose/unregister) targets; NDests counts how
	// many are valid. Zero dests means "all matched readers".
	Dests  [2]Handle
	NDests int

	// Gen snapshots the reader-side generation counters at the moment
	// this sample was collected.
	Gen GenCounters

	refCount atomic.Int32
	ackCount atomic.Int32
}

// RefCount returns the current reference count.
func (s *Sample) RefCount() int32 { return s.refCount.Load() }

// AckCount returns the current outstanding-ack count.
func (s *Sample) AckCount() int32 { return s.ackCount.Load() }

func (s *Sample) addRef() {
	if s.refCount.Inc() > maxRefCount {
		fatalf("sample ref-count exceeded %d", maxRefCount)
	}
}

// release decrements the reference count and returns true if it reached
// zero (meaning the caller must dispose the sample).
func (s *Sample) release() bool {
	return s.refCount.Dec() == 0
}

func (s *Sample) addAck() {
	if s.ackCount.Inc() > maxAckCount {
		fatalf("sample ack-count exceeded %d", maxAckCount)
	}
}

func (s *Sample) clearAck() int32 {
	return s.ackCount.Dec()
}

// SampleStore is C1: it allocates, clones and disposes Samples from a
// slab pool, enforcing the 2047-reference/2047-ack ceilings and
// surfacing pool exhaustion as OutOfResources.
type SampleStore struct {
	pool *slabPool[Sample]
}

// NewSampleStore builds a SampleStore honoring the given pool limits.
func NewSampleStore(limits PoolLimits) *SampleStore {
	return &SampleStore{
		pool: newSlabPool(limits, func() *Sample { return &Sample{} }),
	}
}

// Allocate returns a freshly zeroed Sample with ref-count 1, per
// spec.md §4.1: "Allocation zero-initialises and sets ref-count to 1."
func (st *SampleStore) Allocate() (*Sample, error) {
	s, err := st.pool.get()
	if err != nil {
		return nil, err
	}
	*s = Sample{}
	s.refCount.Store(1)
	return s, nil
}

// Clone copies all scalar fields of src, resets the ack-count to 0,
// sets ref-count to 1, and takes a ref on any shared buffer -- spec.md
// §4.1's Clone contract.
func (st *SampleStore) Clone(src *Sample) (*Sample, error) {
	c, err := st.pool.get()
	if err != nil {
		return nil, err
	}
	*c = *src
	c.refCount.Store(0)
	c.ackCount.Store(0)
	c.addRef()
	if src.Buffer != nil {
		c.Buffer = src.Buffer.ref()
	}
	return c, nil
}

// Dispose frees any external buffer (shared ref or owned) and returns
// storage to the pool. Callers must only call Dispose once a sample's
// ref-count has reached zero.
func (st *SampleStore) Dispose(s *Sample) {
	if s.Buffer != nil {
		s.Buffer.unref()
		s.Buffer = nil
	}
	s.Data = nil
	st.pool.put(s)
}

// Release decrements s's ref-count and disposes it once the count
// reaches zero, matching the hc_change_free macro.
func (st *SampleStore) Release(s *Sample) {
	if s.release() {
		st.Dispose(s)
	}
}

// LiveCount reports the number of Samples currently checked out of the
// pool, for diagnostics and the demo CLI.
func (st *SampleStore) LiveCount() int64 { return st.pool.liveCount() }
