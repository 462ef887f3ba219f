package historycache

import (
	"bytes"
	"fmt"
	"time"
)

// Handle is an opaque instance or writer handle, as exposed to RTPS.
// The original C implementation lets this be a 16- or 32-bit build-time
// choice; this rewrite fixes it at 32 bits.
type Handle uint32

// MaxHandle is the build-time maximum handle value. Assignment wraps
// around at this boundary (see Cache.assignHandle).
const MaxHandle Handle = 1<<32 - 1

// SequenceNumber is a 64-bit sequence number split into high/low words,
// matching the wire representation in the original seqnr.h.
type SequenceNumber struct {
	High int32
	Low  uint32
}

// Compare returns -1, 0 or 1 comparing sn to other.
func (sn SequenceNumber) Compare(other SequenceNumber) int {
	if sn.High != other.High {
		if sn.High < other.High {
			return -1
		}
		return 1
	}
	switch {
	case sn.Low < other.Low:
		return -1
	case sn.Low > other.Low:
		return 1
	default:
		return 0
	}
}

// Next returns the sequence number immediately following sn.
func (sn SequenceNumber) Next() SequenceNumber {
	if sn.Low == ^uint32(0) {
		return SequenceNumber{High: sn.High + 1, Low: 0}
	}
	return SequenceNumber{High: sn.High, Low: sn.Low + 1}
}

func (sn SequenceNumber) String() string {
	return fmt.Sprintf("%d:%d", sn.High, sn.Low)
}

// FTime is a fixed-point seconds+fraction timestamp, matching FTime_t in
// the original source. Fraction counts 1/2^32ths of a second.
type FTime struct {
	Seconds  uint32
	Fraction uint32
}

// Now returns the current time as an FTime.
func Now() FTime {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to an FTime.
func FromTime(t time.Time) FTime {
	sec := t.Unix()
	nsec := t.Nanosecond()
	frac := uint32((int64(nsec) << 32) / int64(time.Second))
	return FTime{Seconds: uint32(sec), Fraction: frac}
}

// Add returns ft advanced by d.
func (ft FTime) Add(d time.Duration) FTime {
	total := ft.asNanos() + d.Nanoseconds()
	return fromNanos(total)
}

// Sub returns the duration between ft and other (ft - other).
func (ft FTime) Sub(other FTime) time.Duration {
	return time.Duration(ft.asNanos() - other.asNanos())
}

// Before reports whether ft happens before other.
func (ft FTime) Before(other FTime) bool {
	return ft.asNanos() < other.asNanos()
}

// After reports whether ft happens after other.
func (ft FTime) After(other FTime) bool {
	return ft.asNanos() > other.asNanos()
}

func (ft FTime) asNanos() int64 {
	return int64(ft.Seconds)*int64(time.Second) + (int64(ft.Fraction)*int64(time.Second))>>32
}

func fromNanos(ns int64) FTime {
	sec := ns / int64(time.Second)
	rem := ns - sec*int64(time.Second)
	frac := uint32((rem << 32) / int64(time.Second))
	return FTime{Seconds: uint32(sec), Fraction: frac}
}

// KeyHash is the 16-byte digest of an instance key, computed by the
// TypeSupport supplied to the cache.
type KeyHash [16]byte

func (h KeyHash) String() string {
	return fmt.Sprintf("%x", [16]byte(h))
}

// Compare provides the ordering used to key the hash skiplist.
func (h KeyHash) Compare(other KeyHash) int {
	return bytes.Compare(h[:], other[:])
}

// GUID identifies a writer across the domain: a 12-byte participant
// prefix plus an entity id, exactly as used by ownership arbitration's
// GUID tie-break (spec.md §4.4).
type GUID struct {
	Prefix   [12]byte
	EntityID uint32
}

// Compare implements the lexicographic prefix||entity-id ordering used
// by exclusive-ownership tie-breaks.
func (g GUID) Compare(other GUID) int {
	if c := bytes.Compare(g.Prefix[:], other.Prefix[:]); c != 0 {
		return c
	}
	switch {
	case g.EntityID < other.EntityID:
		return -1
	case g.EntityID > other.EntityID:
		return 1
	default:
		return 0
	}
}

// String renders the GUID the way the demo CLI and diagnostic logging
// display it: as a UUID-shaped 16-byte value (12-byte prefix followed by
// the 4-byte entity id), formatted via google/uuid for readability.
func (g GUID) String() string {
	var b [16]byte
	copy(b[:12], g.Prefix[:])
	b[12] = byte(g.EntityID >> 24)
	b[13] = byte(g.EntityID >> 16)
	b[14] = byte(g.EntityID >> 8)
	b[15] = byte(g.EntityID)
	return guidUUID(b).String()
}
