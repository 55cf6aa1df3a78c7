// Package search implements moggie's keyword inverted index: IntSet
// bitsets for posting lists, an L1 (dedicated slot) / L2 (hashed bucket)
// two-tier index, a wordblob for partial-match candidate expansion, and a
// greedy left-to-right query parser and evaluator.
package search

import (
	"encoding/binary"
	"math/bits"
)

// wordSize is the width, in bits, of one IntSet word.
const wordSize = 64

// IntSet is a dense bitset over non-negative integers, stored as a
// little-endian array of u64 words — the same wire format as moggie's
// util/intset.py (which builds the same layout on top of numpy), chosen
// because the posting lists it backs are index sets over a large, mostly
// contiguous universe (every Metadata index), where a bitmap beats a
// sparse set for both space and the set-algebra ops Search needs.
type IntSet struct {
	words []uint64
}

// NewIntSet returns an empty IntSet.
func NewIntSet() *IntSet {
	return &IntSet{}
}

// All returns an IntSet with the low n bits set — the "match everything up
// to n" set used to seed negation (`-term`) and the `*`/`ALL` query token.
func All(n int) *IntSet {
	s := &IntSet{words: make([]uint64, (n+wordSize-1)/wordSize)}
	full := n / wordSize
	for i := 0; i < full; i++ {
		s.words[i] = ^uint64(0)
	}
	if rem := n % wordSize; rem > 0 {
		s.words[full] = (uint64(1) << uint(rem)) - 1
	}
	return s
}

func (s *IntSet) ensure(wordIdx int) {
	if wordIdx < len(s.words) {
		return
	}
	grown := make([]uint64, wordIdx+1)
	copy(grown, s.words)
	s.words = grown
}

// Set adds n to the set.
func (s *IntSet) Set(n int) {
	if n < 0 {
		return
	}
	w := n / wordSize
	s.ensure(w)
	s.words[w] |= uint64(1) << uint(n%wordSize)
}

// Clear removes n from the set.
func (s *IntSet) Clear(n int) {
	if n < 0 || n/wordSize >= len(s.words) {
		return
	}
	s.words[n/wordSize] &^= uint64(1) << uint(n%wordSize)
}

// Contains reports whether n is in the set.
func (s *IntSet) Contains(n int) bool {
	if n < 0 {
		return false
	}
	w := n / wordSize
	if w >= len(s.words) {
		return false
	}
	return s.words[w]&(uint64(1)<<uint(n%wordSize)) != 0
}

// Count returns the number of set bits.
func (s *IntSet) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// IsEmpty reports whether the set has no members, stopping at the first
// non-zero word instead of counting every bit the way Count()==0 would.
func (s *IntSet) IsEmpty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Items returns the set's members in ascending order.
func (s *IntSet) Items() []int {
	var out []int
	for wi, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, wi*wordSize+b)
			w &= w - 1
		}
	}
	return out
}

func maxLen(a, b []uint64) int {
	if len(a) > len(b) {
		return len(a)
	}
	return len(b)
}

func wordAt(words []uint64, i int) uint64 {
	if i >= len(words) {
		return 0
	}
	return words[i]
}

// Or sets s to the union of s and other, in place.
func (s *IntSet) Or(other *IntSet) {
	n := maxLen(s.words, other.words)
	s.ensure(n - 1)
	for i := 0; i < n; i++ {
		s.words[i] |= wordAt(other.words, i)
	}
}

// And sets s to the intersection of s and other, in place.
func (s *IntSet) And(other *IntSet) {
	for i := range s.words {
		s.words[i] &= wordAt(other.words, i)
	}
}

// Sub removes every member of other from s, in place.
func (s *IntSet) Sub(other *IntSet) {
	for i := range s.words {
		s.words[i] &^= wordAt(other.words, i)
	}
}

// Xor sets s to the symmetric difference of s and other, in place.
func (s *IntSet) Xor(other *IntSet) {
	n := maxLen(s.words, other.words)
	s.ensure(n - 1)
	for i := 0; i < n; i++ {
		s.words[i] ^= wordAt(other.words, i)
	}
}

// Clone returns an independent copy of s.
func (s *IntSet) Clone() *IntSet {
	out := &IntSet{words: make([]uint64, len(s.words))}
	copy(out.words, s.words)
	return out
}

// UnionOf returns a new IntSet that's the union of all given sets, without
// mutating any of them.
func UnionOf(sets ...*IntSet) *IntSet {
	out := NewIntSet()
	for _, s := range sets {
		out.Or(s)
	}
	return out
}

// IntersectionOf returns a new IntSet that's the intersection of all given
// sets. An empty input list intersects to the empty set, not "everything".
func IntersectionOf(sets ...*IntSet) *IntSet {
	if len(sets) == 0 {
		return NewIntSet()
	}
	out := sets[0].Clone()
	for _, s := range sets[1:] {
		out.And(s)
	}
	return out
}

// Encode serializes the set as its raw little-endian u64 words, the same
// binary layout used inside a PostingListBucket entry.
func (s *IntSet) Encode() []byte {
	out := make([]byte, len(s.words)*8)
	for i, w := range s.words {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], w)
	}
	return out
}

// DecodeIntSet parses the encoding produced by Encode.
func DecodeIntSet(data []byte) *IntSet {
	words := make([]uint64, len(data)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return &IntSet{words: words}
}
