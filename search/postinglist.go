package search

import (
	"encoding/binary"
	"fmt"
)

// PostingListBucket is the on-disk layout for an L2 (hashed-bucket) slot: a
// sequence of (keyword, IntSet) entries packed as
// u32 keyword_len, u32 iset_len, keyword_bytes, iset_bytes,
// repeated until the blob ends. Multiple keywords land in the same bucket
// whenever they hash to the same slot, hence the need for a small linear
// scan within the bucket rather than the direct slot lookup an L1 keyword
// gets.
type PostingListBucket struct {
	entries []bucketEntry
}

type bucketEntry struct {
	keyword string
	iset    *IntSet
}

// ParsePostingListBucket decodes a stored bucket blob. An empty or nil blob
// decodes to an empty bucket.
func ParsePostingListBucket(blob []byte) (*PostingListBucket, error) {
	b := &PostingListBucket{}
	off := 0
	for off < len(blob) {
		if off+8 > len(blob) {
			return nil, errCorruptBucket
		}
		kwLen := int(binary.LittleEndian.Uint32(blob[off : off+4]))
		isetLen := int(binary.LittleEndian.Uint32(blob[off+4 : off+8]))
		off += 8
		if off+kwLen+isetLen > len(blob) {
			return nil, errCorruptBucket
		}
		kw := string(blob[off : off+kwLen])
		off += kwLen
		iset := DecodeIntSet(blob[off : off+isetLen])
		off += isetLen
		b.entries = append(b.entries, bucketEntry{keyword: kw, iset: iset})
	}
	return b, nil
}

var errCorruptBucket = fmt.Errorf("search: corrupt posting list bucket")

func (b *PostingListBucket) find(keyword string) *IntSet {
	for _, e := range b.entries {
		if e.keyword == keyword {
			return e.iset
		}
	}
	return nil
}

// Get returns the IntSet stored for keyword in this bucket, or nil if
// keyword has no entry here yet.
func (b *PostingListBucket) Get(keyword string) *IntSet {
	return b.find(keyword)
}

// Add merges ids into keyword's posting list within the bucket, creating
// the entry if this is the first time keyword lands here.
func (b *PostingListBucket) Add(keyword string, ids *IntSet) {
	if existing := b.find(keyword); existing != nil {
		existing.Or(ids)
		return
	}
	b.entries = append(b.entries, bucketEntry{keyword: keyword, iset: ids.Clone()})
}

// Remove clears ids from keyword's posting list within the bucket, if any.
func (b *PostingListBucket) Remove(keyword string, ids *IntSet) {
	if existing := b.find(keyword); existing != nil {
		existing.Sub(ids)
	}
}

// Keywords returns every keyword currently stored in the bucket.
func (b *PostingListBucket) Keywords() []string {
	out := make([]string, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.keyword
	}
	return out
}

// Encode serializes the bucket back to its wire format.
func (b *PostingListBucket) Encode() []byte {
	var out []byte
	for _, e := range b.entries {
		isetBytes := e.iset.Encode()
		head := make([]byte, 8)
		binary.LittleEndian.PutUint32(head[0:4], uint32(len(e.keyword)))
		binary.LittleEndian.PutUint32(head[4:8], uint32(len(isetBytes)))
		out = append(out, head...)
		out = append(out, e.keyword...)
		out = append(out, isetBytes...)
	}
	return out
}
