package historycache

import (
	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy described by spec.md §7: a small,
// closed set of conditions the cache surfaces to its callers. These are
// not meant to be exhaustive Go errors -- DCPS/RTPS callers switch on
// Kind, not on error identity.
type Kind int

const (
	// OK is the zero value; operations that "return" OK return a nil
	// error instead.
	OK Kind = iota
	// BadParameter indicates a caller supplied an invalid argument.
	BadParameter
	// OutOfResources indicates a pool or configured limit was
	// exhausted.
	OutOfResources
	// NoData indicates back-pressure: a reliable reader cache is
	// currently blocked and cannot accept the sample.
	NoData
	// Timeout indicates wait_acks's deadline, or a KEEP_ALL writer
	// cache's eviction wait, elapsed before acks completed.
	Timeout
	// AlreadyDeleted indicates the instance or sample referenced no
	// longer exists.
	AlreadyDeleted
	// PreconditionNotMet indicates an operation that requires cache
	// state the caller's cache does not have (e.g. get_key on a
	// no-instance cache).
	PreconditionNotMet
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case BadParameter:
		return "BadParameter"
	case OutOfResources:
		return "OutOfResources"
	case NoData:
		return "NoData"
	case Timeout:
		return "Timeout"
	case AlreadyDeleted:
		return "AlreadyDeleted"
	case PreconditionNotMet:
		return "PreconditionNotMet"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with context, the way callers are expected to
// inspect cache failures: errors.As(err, &e) with e of type
// *historycache.Error (or KindOf(err)), then switch on Kind.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.msg
}

// newErr builds an *Error wrapped with pkg/errors so that callers can
// still unwrap/retrieve a stack trace in diagnostic builds.
func newErr(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, msg: msg})
}

// KindOf extracts the Kind from err, returning OK if err is nil and
// BadParameter if err is non-nil but not one of our Error values (this
// should not happen for errors returned by this package).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return BadParameter
}

// Sentinel errors for common cases, so callers can use errors.Is too.
var (
	ErrOutOfResources     = &Error{Kind: OutOfResources}
	ErrNoData             = &Error{Kind: NoData}
	ErrTimeout            = &Error{Kind: Timeout}
	ErrAlreadyDeleted     = &Error{Kind: AlreadyDeleted}
	ErrBadParameter       = &Error{Kind: BadParameter}
	ErrPreconditionNotMet = &Error{Kind: PreconditionNotMet}
)

// RejectCause is the detailed reason an admission-control rejection
// occurred (spec.md §4.6, §7). Rejections are counted in the
// samples_rejected_total metric under the cause's String(); there is no
// SampleRejected callback to DCPS.
type RejectCause int

const (
	// RCAccepted indicates no rejection occurred.
	RCAccepted RejectCause = iota
	// RCInstanceLimit indicates the cache's maximum instance count was
	// reached with no recoverable instance available.
	RCInstanceLimit
	// RCSamplesLimit indicates the cache's global max_samples limit
	// was reached.
	RCSamplesLimit
	// RCSamplesPerInstanceLimit indicates the per-instance max_depth
	// limit was reached.
	RCSamplesPerInstanceLimit
	// RCTimeout indicates a writer cache's KEEP_ALL eviction gave up
	// waiting for the oldest unacked sample to be acknowledged (the
	// reliability_max_blocking_time QoS elapsed).
	RCTimeout
)

func (c RejectCause) String() string {
	switch c {
	case RCAccepted:
		return "Accepted"
	case RCInstanceLimit:
		return "InstanceLimit"
	case RCSamplesLimit:
		return "SamplesLimit"
	case RCSamplesPerInstanceLimit:
		return "SamplesPerInstanceLimit"
	case RCTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// FatalError is panicked (never returned) for the process-fatal
// conditions this package checks: ref-count or ack-count overflow and
// instance-walk recursion beyond depth 3. There is no CACHE_CHECK-style
// corruption validator. A library
// cannot safely call os.Exit on a caller's behalf, so it panics with a
// *FatalError; the outermost dispatch loop (see cmd/hcachebench) is
// expected to recover, log, and exit.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return "historycache: fatal: " + e.Reason
}

func fatalf(format string, args ...interface{}) {
	panic(&FatalError{Reason: errors.Errorf(format, args...).Error()})
}
