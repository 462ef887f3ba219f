package historycache

import (
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/tempodb-dds/historycache/pkg/historycache/hclog"
)

// globalPools are the process-wide slab pools described by spec.md §6
// ("Pool configuration") and hc_pool_init/hc_pool_free: one sample pool
// and one cache-reference pool shared by every Cache in the process.
// Per-cache/per-instance pools would defeat the purpose of pooling, so
// these mirror the original's single set of mds_pool arenas.
var (
	poolsOnce  sync.Once
	poolStore  *SampleStore
	poolCCRefs *slabPool[ccref]
)

// Init installs the process-wide pools from cfg. It is idempotent: only
// the first call takes effect, matching hc_pool_init's single
// installation point (hc_pool_free has no Go analogue since pool memory
// is reclaimed by the garbage collector once unreferenced).
func Init(cfg *Config) {
	poolsOnce.Do(func() {
		poolStore = NewSampleStore(cfg.Pools.Change)
		poolCCRefs = newSlabPool(cfg.Pools.CCRefs, func() *ccref { return &ccref{} })
		level.Info(hclog.Logger).Log("msg", "historycache pools initialized")
	})
}

func allocRef() (*ccref, error) { return poolCCRefs.get() }
func freeRef(r *ccref)          { *r = ccref{}; poolCCRefs.put(r) }

// CacheOptions configures a new Cache, the Go analogue of reading QoS
// off the owning DCPS endpoint in hc_new.
type CacheOptions struct {
	Writer      bool
	MultiInst   bool
	KeySize     int
	Durability  bool
	SrcOrder    bool // DESTINATION_ORDER_BY_SOURCE_TIMESTAMP
	InstOrder   bool // per-instance lists are kept in sample-timestamp order (otherwise arrival order)
	AutoDispose bool
	Exclusive   bool
	MustAck     bool // HISTORY_KIND == KEEP_ALL
	MaxDepth    int
	QoS         QoSConfig
	TypeSupport TypeSupport
	Name        string
	// Handle is the RTPS entity handle by which this cache's endpoint
	// is addressed as a directed-sample destination (spec.md §4.7's
	// "up to two specific readers").
	Handle Handle

	// OwnerStrength and OwnerGUID resolve a writer's
	// ownership_strength QoS and GUID for EXCLUSIVE ownership
	// arbitration (spec.md §4.4); required when Exclusive is set on a
	// multi-writer instance, supplied by the discovery layer.
	OwnerStrength strengthLookup
	OwnerGUID     guidLookup
}

// Cache is C5: the public contract shared by writer-side and
// reader-side history caches (spec.md §4.5). It embeds sync.Mutex so the
// owning endpoint can use Cache itself as the external lock the design
// notes describe ("per-endpoint mutexes owned by the enclosing entity
// layer guard the cache's mutable state") -- Lock/Unlock are promoted
// methods, which also lets *Cache satisfy sync.Locker for waitAcked.
type Cache struct {
	sync.Mutex

	opts CacheOptions
	ts   TypeSupport

	idx *instanceIndex

	// single-instance bookkeeping, used only when !opts.MultiInst: one
	// implicit instance with handle 0 stands in for the whole cache.
	solo *instance

	samples refList // cache-wide list (C2)

	lastHandle Handle
	recycle    bool

	lastSeqNr SequenceNumber

	blocked atomic.Bool
	unacked atomic.Int32

	notify     Notifier
	notifyUser uintptr

	// matched holds, for a writer cache, the reader caches it currently
	// delivers to (MatchBegin adds only to the writer side). transfer.go
	// and Alive walk this list.
	matched []*Cache

	// writerCaches mirrors matched on a reader cache: the writer
	// caches currently feeding it, maintained by MatchBegin/MatchEnd.
	writerCaches []*Cache

	tfilterEnabled bool
	tbf            *tbfContext
	soloTBF        *tbfNode

	contentFilter FilterProgram
	filterParams  [][]byte

	name string
}

// EnableTimeBasedFilter installs a reader cache's time-based filter,
// used when its subscription's TIME_BASED_FILTER QoS sets a non-zero
// minimum_separation (spec.md §4.8).
func (c *Cache) EnableTimeBasedFilter(delay time.Duration, sendFct func(s *Sample, hci HCI, rel bool), doneFct func(s *Sample)) {
	c.tbf = newTBFContext(c, delay, sendFct, doneFct)
	c.tfilterEnabled = true
}

// SetContentFilter attaches the compiled content-filter program a
// reader cache's topic subscribes through, evaluated by transferToReaders
// and MatchBegin for every candidate sample (spec.md §4.7).
func (c *Cache) SetContentFilter(f FilterProgram, params [][]byte) {
	c.contentFilter = f
	c.filterParams = params
}

// NewCache constructs a Cache, installing the process-wide pools on
// first use if Init has not already been called (grounded in hc_new's
// field-initialisation block).
func NewCache(opts CacheOptions) *Cache {
	if poolStore == nil {
		Init(DefaultConfig())
	}
	c := &Cache{
		opts: opts,
		ts:   opts.TypeSupport,
		idx:  newInstanceIndex(),
		name: opts.Name,
	}
	if !opts.MultiInst {
		c.solo = &instance{handle: 0, state: InstUnregistered, view: New}
	}
	return c
}

// Blocked reports whether the cache is currently back-pressuring new
// writer samples (spec.md §4.6), for diagnostics and tests outside the
// package.
func (c *Cache) Blocked() bool { return c.blocked.Load() }

func (c *Cache) maxDepth() int {
	if c.opts.MaxDepth > 0 {
		return c.opts.MaxDepth
	}
	return c.opts.QoS.MaxSamplesPerKey
}

// assignHandle returns the next instance handle, wrapping at MaxHandle
// and setting the recycle flag per spec.md §4.3 ("Handle assignment").
// Once recycling, handles still in use are skipped; the instanceIndex
// lookup by handle makes that check cheap.
func (c *Cache) assignHandle() Handle {
	for {
		if c.lastHandle == MaxHandle {
			c.lastHandle = 0
			c.recycle = true
		} else {
			c.lastHandle++
		}
		if !c.recycle || c.idx.lookupHandle(c.lastHandle) == nil {
			return c.lastHandle
		}
	}
}

// Register creates or finds the instance keyed by hash (and, for long
// keys or secure-hash mode, keyBytes), setting its registered bit.
func (c *Cache) Register(hash KeyHash, keyBytes []byte, now FTime) (*instance, error) {
	if !c.opts.MultiInst {
		c.solo.registeredFlag = true
		return c.solo, nil
	}
	if ip := c.idx.lookupHash(hash); ip != nil {
		ip.registeredFlag = true
		return ip, nil
	}
	ip, cause := c.newInstance(hash, keyBytes, now)
	if ip == nil {
		metricSamplesRejected.WithLabelValues(c.name, cause.String()).Inc()
		return nil, newErr(OutOfResources, "instance limit reached: "+cause.String())
	}
	ip.registeredFlag = true
	return ip, nil
}

// newInstance allocates a fresh instance, first trying to reclaim a
// recoverable one if the configured instance limit has been reached
// (spec.md §4.3 "Recoverable instances").
func (c *Cache) newInstance(hash KeyHash, keyBytes []byte, now FTime) (*instance, RejectCause) {
	max := c.opts.QoS.MaxInstances
	if max > 0 && c.idx.Len() >= max {
		var old *instance
		if !c.opts.Writer {
			old = c.idx.recoverable()
		}
		if old != nil {
			c.freeInstance(old)
		} else {
			return nil, RCInstanceLimit
		}
	}
	ip := &instance{
		hash:     hash,
		keyBytes: keyBytes,
		handle:   c.assignHandle(),
		state:    InstAlive,
		view:     New,
		lastTime: now,
	}
	c.idx.add(ip)
	metricLiveInstances.WithLabelValues(c.name).Set(float64(c.idx.Len()))
	return ip, RCAccepted
}

func (c *Cache) freeInstance(ip *instance) {
	c.idx.remove(ip)
	metricLiveInstances.WithLabelValues(c.name).Set(float64(c.idx.Len()))
	if callbacks.InstanceFlushed != nil {
		callbacks.InstanceFlushed(c.notifyUser, ip)
	}
}

// LookupKey finds the instance matching hash without mutating the
// index.
func (c *Cache) LookupKey(hash KeyHash) *instance {
	if !c.opts.MultiInst {
		return c.solo
	}
	return c.idx.lookupHash(hash)
}

// LookupHash finds the instance by hash, optionally creating it when add
// is true (spec.md §4.5 "lookup_hash may optionally add").
func (c *Cache) LookupHash(hash KeyHash, keyBytes []byte, add bool, now FTime) (*instance, error) {
	if ip := c.LookupKey(hash); ip != nil {
		return ip, nil
	}
	if !add {
		return nil, ErrAlreadyDeleted
	}
	ip, cause := c.newInstance(hash, keyBytes, now)
	if ip == nil {
		return nil, newErr(OutOfResources, cause.String())
	}
	return ip, nil
}

// AddInst adds s to the instance ip (spec.md §4.5 add_inst). It enforces
// per-instance depth and global sample-count admission, bumps
// generation counters on kind transitions, updates the writer table, and
// returns ErrNoData when a reliable reader cache is currently blocked.
func (c *Cache) AddInst(ip *instance, s *Sample, hci HCI, reliable bool) error {
	if c.blocked.Load() && !c.opts.Writer && c.opts.MustAck {
		return ErrNoData
	}

	if ip.state&InstAlive == 0 {
		ip.gen.Absolute++
		if s.Kind == Disposed {
			ip.gen.Disposed++
		}
		if s.Kind == Unregistered {
			ip.gen.NoWriters++
		}
	}
	switch s.Kind {
	case Alive:
		ip.state = InstAlive
	case Disposed:
		ip.state |= InstDisposed
		ip.state &^= InstAlive
	case Unregistered:
		ip.state |= InstUnregistered
		ip.state &^= InstAlive
	}
	s.Gen = ip.gen
	s.InstanceState = ip.state
	s.ViewState = ip.view
	ip.view = NotNew

	if c.opts.Exclusive {
		c.updateWriterTable(ip, s)
		if s.Writer != ip.writers.owner && ip.writers.len() > 0 {
			// A non-owning writer's sample is silently dropped while
			// a higher-strength owner exists (spec.md §4.4).
			return nil
		}
	}

	blocked, cause := admitSample(c, ip)
	if blocked {
		c.blocked.Store(true)
		metricBlockedCaches.WithLabelValues(c.name).Set(1)
		return ErrNoData
	}
	if cause == RCTimeout {
		metricSamplesRejected.WithLabelValues(c.name, cause.String()).Inc()
		return ErrTimeout
	}
	if cause != RCAccepted {
		metricSamplesRejected.WithLabelValues(c.name, cause.String()).Inc()
		return newErr(OutOfResources, cause.String())
	}

	if c.opts.Writer {
		c.lastSeqNr = c.lastSeqNr.Next()
		s.SeqNr = c.lastSeqNr
	}

	r, err := allocRef()
	if err != nil {
		return err
	}
	r.sample = s
	c.samples.addCache(r, c.opts.SrcOrder)
	ip.samples.addInstance(r, c.opts.InstOrder)
	ip.nData++
	ip.lastTime = s.Time
	ip.lastEventTime = s.Time

	if reliable {
		s.addAck()
		c.unacked.Inc()
	}

	metricLiveSamples.WithLabelValues(c.name).Set(float64(c.samples.Len()))

	if callbacks.NewChange != nil {
		callbacks.NewChange(c.notifyUser, s, hci)
	}
	if s.Urgent && callbacks.UrgentChange != nil {
		callbacks.UrgentChange(c.notifyUser, s)
	}

	if c.opts.Writer {
		c.transferToReaders(ip, s)
	} else if c.notify != nil {
		c.notify.Notify(c.notifyUser, c)
	}
	return nil
}

// updateWriterTable keeps ip.writers and its exclusive owner current as
// samples arrive: a writer joins the table on its first Alive or Disposed
// sample and leaves once it unregisters, with the owner recomputed on either change
// (spec.md §4.4, cache.c hc_update_owner call sites).
func (c *Cache) updateWriterTable(ip *instance, s *Sample) {
	changed := false
	switch s.Kind {
	case Alive, Disposed:
		changed = ip.writers.add(s.Writer)
	case Unregistered:
		changed = ip.writers.remove(s.Writer)
	}
	if changed && c.opts.OwnerStrength != nil && c.opts.OwnerGUID != nil {
		ip.writers.updateOwner(c.opts.OwnerStrength, c.opts.OwnerGUID)
	}
}

// AddKey adds s to the instance identified by hash/key, looking it up or
// creating it first (spec.md §4.5 add_key).
func (c *Cache) AddKey(hash KeyHash, keyBytes []byte, s *Sample, hci HCI, reliable bool) error {
	ip, err := c.LookupHash(hash, keyBytes, true, s.Time)
	if err != nil {
		return err
	}
	return c.AddInst(ip, s, hci, reliable)
}

// removeRef fully detaches r from both lists, releasing the sample and
// returning storage for the reference node. It no-ops if r's sample was
// already unlinked, matching hc_remove_i's "if (!irp) return OK" guard --
// callers that block on waitAcked before evicting may race with
// Acknowledged removing the same sample while the lock was released.
func (c *Cache) removeRef(ip *instance, r *ccref) {
	if r.sample == nil || !r.sample.Cached {
		return
	}
	disposeSample := c.samples.removeCache(r)
	ip.samples.removeInstance(r)
	ip.nData--
	if disposeSample {
		if callbacks.RemoveChange != nil {
			callbacks.RemoveChange(c.notifyUser, r.sample)
		}
		poolStore.Dispose(r.sample)
	}
	freeRef(r)
	metricLiveSamples.WithLabelValues(c.name).Set(float64(c.samples.Len()))

	if c.blocked.Load() && !c.opts.MustAck {
		c.unblock()
	} else if c.blocked.Load() {
		maxDepth := c.maxDepth()
		maxSamples := c.opts.QoS.MaxSamples
		if (maxDepth == 0 || ip.nData < maxDepth) && (maxSamples == 0 || c.samples.Len() < maxSamples) {
			c.unblock()
		}
	}
}

// Release writes a dispose/unregister/zombie record for ip, optionally
// targeted at up to two destination writer handles.
func (c *Cache) Release(ip *instance, kind ChangeKind, now FTime, dests [2]Handle, ndests int) error {
	s, err := poolStore.Allocate()
	if err != nil {
		return err
	}
	s.Kind = kind
	s.Instance = ip.handle
	s.Time = now
	s.Dests = dests
	s.NDests = ndests
	return c.AddInst(ip, s, nil, c.opts.MustAck)
}

// Dispose is a thin wrapper over Release with kind=Disposed.
func (c *Cache) Dispose(ip *instance, now FTime, dests [2]Handle, ndests int) error {
	return c.Release(ip, Disposed, now, dests, ndests)
}

// Unregister is a thin wrapper over Release with kind=Unregistered,
// upgrading to Zombie when the cache auto-disposes instances on
// unregister (spec.md §4.5).
func (c *Cache) Unregister(ip *instance, now FTime, dests [2]Handle, ndests int) error {
	kind := Unregistered
	if c.opts.AutoDispose {
		kind = Zombie
	}
	ip.registeredFlag = false
	return c.Release(ip, kind, now, dests, ndests)
}

// Alive refreshes liveliness; writer caches recursively signal every
// matched local reader (spec.md §4.5 alive).
func (c *Cache) Alive(now FTime) {
	if !c.opts.Writer {
		return
	}
	for _, rc := range c.matched {
		rc.Lock()
		if rc.solo != nil {
			rc.solo.lastEventTime = now
		}
		rc.Unlock()
	}
	if callbacks.Alive != nil {
		callbacks.Alive(c.notifyUser)
	}
}

// Acknowledged decrements the ack-count on the exact sample matching
// seqnr under instance ip (or the solo instance for single-instance
// caches). It mirrors hc_acknowledged's removal, instance-cleanup, and
// waiter-signal steps.
func (c *Cache) Acknowledged(ip *instance, seqnr SequenceNumber) {
	if ip == nil {
		ip = c.solo
	}
	if ip == nil || ip.nData == 0 {
		return
	}
	var found *ccref
	ip.samples.walkInstance(func(r *ccref) bool {
		if r.sample.SeqNr.Compare(seqnr) == 0 {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return
	}
	c.unacked.Dec()
	s := found.sample
	if s.clearAck() != 0 {
		return
	}

	urgent := s.Urgent

	soleSurvivor := ip.nData == 1
	if !c.opts.Durability || (s.Kind == Unregistered && soleSurvivor) {
		c.removeRef(ip, found)
	}

	if c.opts.MultiInst && ip.state&InstUnregistered != 0 && ip.nData == 0 &&
		!ip.registeredFlag && !ip.waitFlag {
		c.freeInstance(ip)
	}

	if urgent {
		waitSignal(c, s)
	}
	if c.unacked.Load() == 0 && c.blocked.Load() {
		waitSignal(c, nil)
	}
}

// WaitAcks blocks until the cache's total unacked count reaches zero or
// maxWait elapses (0 means wait forever). It must be called with c
// already locked by the caller, and unlocks/relocks around the wait
// exactly as waitAcked describes.
func (c *Cache) WaitAcks(maxWait time.Duration) error {
	timedOut := waitAcked(c, nil, nil, c, func() bool { return c.unacked.Load() == 0 }, maxWait)
	if timedOut {
		return ErrTimeout
	}
	return nil
}

// GetEntry is one delivered sample from Get, paired with the HCI of its
// owning instance.
type GetEntry struct {
	Sample   *Sample
	Instance HCI
	ref      *ccref
}

// SkipMask excludes samples from Get/Avail by predicate, matching
// spec.md §4.5's {read, not_read, new_view, old_view, alive, disposed,
// no_writers} bit set.
type SkipMask uint8

const (
	SkipRead SkipMask = 1 << iota
	SkipNotRead
	SkipNewView
	SkipOldView
	SkipAlive
	SkipDisposed
	SkipNoWriters
)

func (m SkipMask) excludes(s *Sample) bool {
	if m&SkipRead != 0 && s.SampleState == Read {
		return true
	}
	if m&SkipNotRead != 0 && s.SampleState == NotRead {
		return true
	}
	if m&SkipNewView != 0 && s.ViewState == New {
		return true
	}
	if m&SkipOldView != 0 && s.ViewState == NotNew {
		return true
	}
	if m&SkipAlive != 0 && s.InstanceState&InstAlive != 0 {
		return true
	}
	if m&SkipDisposed != 0 && s.InstanceState&InstDisposed != 0 {
		return true
	}
	if m&SkipNoWriters != 0 && s.InstanceState&InstUnregistered != 0 {
		return true
	}
	return false
}

// sortMu serialises the sort step of Get, mirroring spec.md §5's "a
// global mutex also serialises the sort step of get(...) because the
// comparator state is module-global" -- our OrderProgram comparator
// closures carry no package-global state, but the contention point
// itself is still a faithful part of the contract and is kept for
// fidelity (and to bound peak goroutine count during a sort storm).
var sortMu sync.Mutex

// Get produces up to nmax matching samples, following the handle/next
// addressing scheme from spec.md §4.5: handle=0 means "any instance";
// handle=h,next=false means only that instance; next=true means the
// first instance with data whose handle exceeds handle.
func (c *Cache) Get(nmax int, handle Handle, next bool, skip SkipMask, filter FilterProgram, filterParams [][]byte, order OrderProgram, remove bool) ([]GetEntry, error) {
	var out []GetEntry

	visit := func(ip *instance) bool {
		ip.samples.walkInstance(func(r *ccref) bool {
			if len(out) >= nmax {
				return false
			}
			s := r.sample
			if skip.excludes(s) {
				return true
			}
			if filter != nil {
				ok, err := filter.Eval(s, filterParams)
				if err != nil || !ok {
					return true
				}
			}
			s.addRef()
			out = append(out, GetEntry{Sample: s, Instance: ip, ref: r})
			if s.SampleState == NotRead {
				s.SampleState = Read
			}
			return true
		})
		return len(out) < nmax
	}

	switch {
	case !c.opts.MultiInst:
		visit(c.solo)
	case handle == 0 && !next:
		c.idx.walk(visit)
	case !next:
		if ip := c.idx.lookupHandle(handle); ip != nil {
			visit(ip)
		}
	default:
		var first *instance
		c.idx.walk(func(ip *instance) bool {
			if ip.nData > 0 && ip.handle > handle && (first == nil || ip.handle < first.handle) {
				first = ip
			}
			return true
		})
		if first != nil {
			visit(first)
		}
	}

	if order != nil && len(out) > 1 {
		sortMu.Lock()
		sortEntries(out, order)
		sortMu.Unlock()
	}

	if remove {
		for _, e := range out {
			ip, _ := e.Instance.(*instance)
			c.removeRef(ip, e.ref)
		}
	}
	return out, nil
}

// sortEntries performs an insertion sort using pair-wise OrderProgram
// comparisons -- O(n^2) but n is bounded by nmax, and matches the
// original's qsort-with-global-comparator-state design closely enough to
// keep the same concurrency contract (a single global sort section).
func sortEntries(entries []GetEntry, order OrderProgram) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			cmp, err := order.Compare(entries[j-1].Sample, entries[j].Sample)
			if err != nil || cmp <= 0 {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Done is the caller's release for entries previously returned by Get:
// it marks the remaining reference Read, frees the sample reference,
// and for reader caches with an unregistered, empty instance either
// marks it recoverable or frees it immediately (spec.md §4.5 done).
func (c *Cache) Done(entries []GetEntry) {
	for _, e := range entries {
		e.Sample.SampleState = Read
		poolStore.Release(e.Sample)

		ip, ok := e.Instance.(*instance)
		if !ok || ip == c.solo {
			continue
		}
		if ip.state&InstUnregistered != 0 && ip.nData == 0 && !ip.registeredFlag && !ip.waitFlag {
			if c.opts.QoS.MaxInstances > 0 {
				ip.recoverFlag = true
			} else {
				c.freeInstance(ip)
			}
		}
	}
}

// Avail reports whether any sample matches skip, without consuming it.
func (c *Cache) Avail(skip SkipMask) bool {
	found := false
	check := func(ip *instance) bool {
		ip.samples.walkInstance(func(r *ccref) bool {
			if !skip.excludes(r.sample) {
				found = true
				return false
			}
			return true
		})
		return !found
	}
	if !c.opts.MultiInst {
		check(c.solo)
	} else {
		c.idx.walk(check)
	}
	return found
}

// AvailCondition reports whether any sample satisfies the given
// non-destructive filter predicate.
func (c *Cache) AvailCondition(filter FilterProgram, params [][]byte) (bool, error) {
	found := false
	var evalErr error
	check := func(ip *instance) bool {
		ip.samples.walkInstance(func(r *ccref) bool {
			ok, err := filter.Eval(r.sample, params)
			if err != nil {
				evalErr = err
				return false
			}
			if ok {
				found = true
				return false
			}
			return true
		})
		return !found && evalErr == nil
	}
	if !c.opts.MultiInst {
		check(c.solo)
	} else {
		c.idx.walk(check)
	}
	return found, evalErr
}

// Replay iterates the cache-wide list in arrival/timestamp order,
// invoking fn for every live sample (spec.md §4.5 replay, used for
// TRANSIENT_LOCAL/TRANSIENT/PERSISTENT durability on new-match).
func (c *Cache) Replay(fn func(s *Sample, inst HCI) bool) {
	c.samples.walkCache(func(r *ccref) bool {
		return fn(r.sample, r.sample.instanceOf(c))
	})
}

// instanceOf resolves the owning HCI for a sample during replay, since
// Sample itself only stores the instance Handle.
func (s *Sample) instanceOf(c *Cache) HCI {
	if !c.opts.MultiInst {
		return c.solo
	}
	if ip := c.idx.lookupHandle(s.Instance); ip != nil {
		return ip
	}
	return nil
}

// addMatchedReader/removeMatchedReader back transfer.go's match/unmatch
// bookkeeping (spec.md §4.7).
func (c *Cache) addMatchedReader(rc *Cache) {
	c.matched = append(c.matched, rc)
}

func (c *Cache) removeMatchedReader(rc *Cache) {
	for i, m := range c.matched {
		if m == rc {
			c.matched = append(c.matched[:i], c.matched[i+1:]...)
			return
		}
	}
}
