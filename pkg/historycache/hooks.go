package historycache

import "sync"

// TypeSupport is the boundary to the external type system (spec.md §6):
// deriving a 16-byte key hash and extracting structured key data. The
// cache treats both operations opaquely.
type TypeSupport interface {
	// HashFromKey derives the KeyHash for the given marshalled key
	// bytes. secure selects the (externally defined) secure hashing
	// mode, which also forces the cache to retain the raw key bytes
	// alongside the hash (spec.md §3, Instance).
	HashFromKey(key []byte, secure bool) KeyHash
	// KeyToNative extracts a structured key from raw key bytes into
	// dest (or, if dynamic is true, into a dynamic-data representation
	// dest is expected to understand). Dynamic typing itself is out of
	// scope (spec.md §1).
	KeyToNative(dest interface{}, dynamic bool, secure bool, key []byte) error
}

// RTPSCallbacks are the six process-wide hooks into the RTPS layer
// (spec.md §6). They are installed exactly once via RegisterCallbacks;
// subsequent calls are no-ops, matching the design note "forbid
// mutation after registration".
type RTPSCallbacks struct {
	// NewChange notifies of new writer data being added to a cache.
	NewChange func(user uintptr, s *Sample, hci HCI) bool
	// RemoveChange notifies of cache-initiated sample removal.
	RemoveChange func(user uintptr, s *Sample) bool
	// UrgentChange requests an immediate ack round for s.
	UrgentChange func(user uintptr, s *Sample) bool
	// Unblock signals that a reader cache is no longer back-pressuring.
	Unblock func(user uintptr)
	// Alive emits a liveliness message for a writer.
	Alive func(user uintptr)
	// InstanceFlushed notifies that an instance has disappeared.
	InstanceFlushed func(user uintptr, hci HCI)
}

var (
	callbacksOnce sync.Once
	callbacks     RTPSCallbacks
)

// RegisterCallbacks installs the process-wide RTPS callback table. Only
// the first call takes effect, matching the original's single
// hc_monitor_fct() installation point and the design note that forbids
// mutation after registration.
func RegisterCallbacks(cb RTPSCallbacks) {
	callbacksOnce.Do(func() {
		callbacks = cb
	})
}

// Notifier is the per-cache notification hook (spec.md §6): signals the
// DCPS layer that readable samples exist. AddInst calls it for reader
// caches only.
type Notifier interface {
	Notify(user uintptr, cache *Cache)
}

// NotifierFunc adapts a plain function to a Notifier.
type NotifierFunc func(user uintptr, cache *Cache)

// Notify implements Notifier.
func (f NotifierFunc) Notify(user uintptr, cache *Cache) { f(user, cache) }

// HCI is the opaque instance handle RTPS uses to refer to an instance
// without re-keying (spec.md GLOSSARY). It is implemented by *instance.
type HCI interface {
	// Handle returns the InstanceHandle this HCI refers to.
	Handle() Handle
}
