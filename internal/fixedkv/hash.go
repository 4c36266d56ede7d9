// Package fixedkv implements the structural hash and equality primitives
// over fixed-size, trivially copyable keys and values (qdict's POD
// constraint — see spec §4.1). Equality and hashing are always bytewise:
// there is no user-pluggable hash function, mirroring the teacher's
// shard-local maphash.Seed approach but specialized further for the fixed
// widths the control-byte scanner needs (H1/H2 split of a single 64-bit
// hash).
//
// © 2025 qdict authors. MIT License.
package fixedkv

import (
	"unsafe"

	"github.com/archonlabs/qdict/internal/unsafeconv"
)

// fibonacciConst is the 64-bit golden-ratio multiplier used to mix
// primitive-width keys with a single multiplication (no further avalanche
// needed because the shard/H2 split below consumes the high bits, which the
// Fibonacci multiplier mixes best).
const fibonacciConst uint64 = 0x9E3779B97F4A7C15

// fnvOffset and fnvPrime are the FNV-1a 64-bit constants used for keys wider
// than a native machine word.
const (
	fnvOffset uint64 = 0xcbf29ce484222325
	fnvPrime  uint64 = 0x100000001b3
)

// finalizer mix constants (MurmurHash3 fmix64), applied after FNV-1a to
// avalanche bits across the whole 64-bit word.
const (
	mixA uint64 = 0xff51afd7ed558ccd
	mixB uint64 = 0xc4ceb9fe1a85ec53
)

// Hash computes the 64-bit structural hash of v. For keys whose size matches
// a native integer width (1, 2, 4, or 8 bytes) it reads the bytes as an
// unsigned integer and applies the Fibonacci multiplicative mix. For all
// other sizes it folds the byte image with FNV-1a and then runs it through
// a three-round xorshift/multiply finalizer.
//
// Hash cannot fail: T is assumed to satisfy qdict's POD constraint (fixed
// size, trivially copyable), which is enforced by the dictionary façade at
// construction time, not here.
func Hash[T any](v *T) uint64 {
	size := unsafe.Sizeof(*v)
	switch size {
	case 1:
		return mixPrimitive(uint64(*(*uint8)(unsafe.Pointer(v))))
	case 2:
		return mixPrimitive(uint64(*(*uint16)(unsafe.Pointer(v))))
	case 4:
		return mixPrimitive(uint64(*(*uint32)(unsafe.Pointer(v))))
	case 8:
		return mixPrimitive(*(*uint64)(unsafe.Pointer(v)))
	default:
		return finalize(fnv1a(unsafeconv.BytesOf(v)))
	}
}

func mixPrimitive(x uint64) uint64 {
	return x * fibonacciConst
}

func fnv1a(b []byte) uint64 {
	h := fnvOffset
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

// finalize applies three xorshift-by-33 steps interleaved with two
// multiplies (the MurmurHash3 fmix64 finalizer) to spread entropy across
// every bit of the hash.
func finalize(h uint64) uint64 {
	h ^= h >> 33
	h *= mixA
	h ^= h >> 33
	h *= mixB
	h ^= h >> 33
	return h
}

// Equal performs a bytewise comparison of a and b. It specializes common
// primitive widths (1, 2, 4, 8 bytes, and native pointer width) to a single
// integer compare and otherwise falls back to chunked 8/4/2/1-byte unaligned
// compares, matching spec §4.1's dispatch.
func Equal[T any](a, b *T) bool {
	size := unsafe.Sizeof(*a)
	switch size {
	case 1:
		return *(*uint8)(unsafe.Pointer(a)) == *(*uint8)(unsafe.Pointer(b))
	case 2:
		return *(*uint16)(unsafe.Pointer(a)) == *(*uint16)(unsafe.Pointer(b))
	case 4:
		return *(*uint32)(unsafe.Pointer(a)) == *(*uint32)(unsafe.Pointer(b))
	case 8:
		return *(*uint64)(unsafe.Pointer(a)) == *(*uint64)(unsafe.Pointer(b))
	default:
		return equalChunked(unsafeconv.BytesOf(a), unsafeconv.BytesOf(b))
	}
}

func equalChunked(a, b []byte) bool {
	n := len(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		if *(*uint64)(unsafe.Pointer(&a[i])) != *(*uint64)(unsafe.Pointer(&b[i])) {
			return false
		}
	}
	for ; i+4 <= n; i += 4 {
		if *(*uint32)(unsafe.Pointer(&a[i])) != *(*uint32)(unsafe.Pointer(&b[i])) {
			return false
		}
	}
	for ; i+2 <= n; i += 2 {
		if *(*uint16)(unsafe.Pointer(&a[i])) != *(*uint16)(unsafe.Pointer(&b[i])) {
			return false
		}
	}
	for ; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShardIndex extracts the shard selector from a 64-bit hash: the high 32
// bits, masked to the shard count (a power of two).
func ShardIndex(hash uint64, shardMask uint64) uint64 {
	return (hash >> 32) & shardMask
}

// H2 extracts the 7-bit control tag from bits 57..63 of the hash. The
// result's high bit is always 0, matching the EMPTY/DELETED sentinel
// encoding in ctrlgroup.
func H2(hash uint64) uint8 {
	return uint8(hash>>57) & 0x7f
}

// InitialGroup extracts the low bits of the hash used to select the initial
// probe group within a shard's table, given the number of groups (a power
// of two).
func InitialGroup(hash uint64, groupCount uint64) uint64 {
	return hash & (groupCount - 1)
}
