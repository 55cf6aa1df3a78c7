// Package metadata implements moggie's Metadata entity and Metadata Store:
// a Record Store specialized to hold one record per known email, deduped
// by Message-Id, with side-column arrays for date ranking, thread
// assignment, and modification time, plus ghost-message placeholders for
// messages referenced (via In-Reply-To/References) before they themselves
// arrive.
package metadata

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"strings"

	"github.com/mailpile/moggie-core/store/dumbcode"
)

// Pointer flag bits, naming where a message's bytes actually live. This
// package never reads the referenced bytes itself — that's a mailbox
// backend's job — it only stores and dedups the pointer.
const (
	PtrIsMbox = 1 << iota
	PtrIsMaildir
	PtrIsRemote
)

// PTR is one storage location a Metadata's pointers list can reference: the
// same message can be seen in more than one mailbox (e.g. both an IMAP
// folder and a local mbox backup), and all such sightings are merged into
// one Metadata record rather than duplicated.
type PTR struct {
	Container string
	Offset    int64
	Length    int64
	Flags     int
}

// container is the dedup key for AddPointers: two pointers referring to the
// same container are the same sighting even if offset/length drifted
// (e.g. the mailbox was rewritten).
func (p PTR) container() string {
	return p.Container
}

func (p PTR) encode() dumbcode.Value {
	return dumbcode.Tuple{
		dumbcode.Str(p.Container),
		dumbcode.Int(p.Offset),
		dumbcode.Int(p.Length),
		dumbcode.Int(p.Flags),
	}
}

func decodePTR(v dumbcode.Value) (PTR, error) {
	tuple, ok := v.(dumbcode.Tuple)
	if l, isList := v.(dumbcode.List); isList {
		// A tuple nested inside a list comes back from dumbcode as a List.
		tuple, ok = dumbcode.Tuple(l), true
	}
	if !ok || len(tuple) != 4 {
		return PTR{}, fmt.Errorf("metadata: malformed pointer encoding")
	}
	container, ok := tuple[0].(dumbcode.Str)
	if !ok {
		return PTR{}, fmt.Errorf("metadata: pointer container not a string")
	}
	offset, ok := tuple[1].(dumbcode.Int)
	if !ok {
		return PTR{}, fmt.Errorf("metadata: pointer offset not an int")
	}
	length, ok := tuple[2].(dumbcode.Int)
	if !ok {
		return PTR{}, fmt.Errorf("metadata: pointer length not an int")
	}
	flags, ok := tuple[3].(dumbcode.Int)
	if !ok {
		return PTR{}, fmt.Errorf("metadata: pointer flags not an int")
	}
	return PTR{Container: string(container), Offset: int64(offset), Length: int64(length), Flags: int(flags)}, nil
}

// Metadata is one indexed email: a timestamp, its Record Store index, the
// set of places it's been seen, its raw header block, and a free-form
// "more" map for annotations (tags added by a caller, parser-derived
// fields, etc). It is the positional-tuple Metadata of the original ported
// to a named Go struct instead of a list-with-offset-constants.
type Metadata struct {
	Timestamp   int64
	Idx         int
	Pointers    []PTR
	HeadersBlob []byte
	More        dumbcode.Map
	// Ghost is true for a placeholder created from a References/In-Reply-To
	// header before the referenced message itself has been indexed.
	Ghost bool
}

// GhostMetadata builds a placeholder Metadata for a Message-Id seen only as
// a reference, not yet as an indexed message. Its Idx is left at -1; the
// caller (Store.ensureGhost) fills it in once the record is actually
// allocated, the same two-step shape as moggie's Metadata.ghost() followed
// by a store append.
func GhostMetadata(messageID string) *Metadata {
	blob := encodeHeaderLine("Message-ID", messageID)
	return &Metadata{
		Idx:         -1,
		HeadersBlob: blob,
		More:        dumbcode.Map{},
		Ghost:       true,
	}
}

func (m *Metadata) encode() ([]byte, error) {
	ptrs := make(dumbcode.List, len(m.Pointers))
	for i, p := range m.Pointers {
		ptrs[i] = p.encode()
	}
	more := m.More
	if more == nil {
		more = dumbcode.Map{}
	}
	ghost := dumbcode.Bool(false)
	if m.Ghost {
		ghost = dumbcode.Bool(true)
	}
	return dumbcode.Encode(dumbcode.List{
		dumbcode.Int(m.Timestamp),
		dumbcode.Int(m.Idx),
		ptrs,
		dumbcode.Bytes(m.HeadersBlob),
		more,
		ghost,
	}, dumbcode.EncodeOptions{})
}

func decodeMetadata(encoded []byte) (*Metadata, error) {
	v, err := dumbcode.Decode(encoded, dumbcode.DecodeOptions{})
	if err != nil {
		return nil, err
	}
	list, ok := v.(dumbcode.List)
	if !ok || len(list) != 6 {
		return nil, fmt.Errorf("metadata: malformed record encoding")
	}

	ts, ok := list[0].(dumbcode.Int)
	if !ok {
		return nil, fmt.Errorf("metadata: timestamp field not an int")
	}
	idx, ok := list[1].(dumbcode.Int)
	if !ok {
		return nil, fmt.Errorf("metadata: idx field not an int")
	}
	ptrList, ok := list[2].(dumbcode.List)
	if !ok {
		return nil, fmt.Errorf("metadata: pointers field not a list")
	}
	pointers := make([]PTR, 0, len(ptrList))
	for _, pv := range ptrList {
		p, err := decodePTR(pv)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, p)
	}
	// Bytes nested inside a list come back from dumbcode as a Str.
	var headers []byte
	switch h := list[3].(type) {
	case dumbcode.Bytes:
		headers = []byte(h)
	case dumbcode.Str:
		headers = []byte(h)
	default:
		return nil, fmt.Errorf("metadata: headers field not bytes")
	}
	more, ok := list[4].(dumbcode.Map)
	if !ok {
		return nil, fmt.Errorf("metadata: more field not a map")
	}
	ghost, _ := list[5].(dumbcode.Bool)

	return &Metadata{
		Timestamp:   int64(ts),
		Idx:         int(idx),
		Pointers:    pointers,
		HeadersBlob: []byte(headers),
		More:        more,
		Ghost:       bool(ghost),
	}, nil
}

// AddPointers merges new pointers into m, deduping by container: a pointer
// whose container matches an existing one replaces it (the mailbox may
// have been rewritten at a new offset) rather than appending a duplicate
// sighting.
func (m *Metadata) AddPointers(newPointers ...PTR) {
	for _, np := range newPointers {
		replaced := false
		for i, existing := range m.Pointers {
			if existing.container() == np.container() {
				m.Pointers[i] = np
				replaced = true
				break
			}
		}
		if !replaced {
			m.Pointers = append(m.Pointers, np)
		}
	}
}

// headerLines splits HeadersBlob into raw "Key: value" lines, honoring
// RFC5322 folding (continuation lines begin with whitespace).
func (m *Metadata) headerLines() []string {
	return splitHeaderLines(m.HeadersBlob)
}

func splitHeaderLines(blob []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(blob), "\r\n", "\n"), "\n")
	var lines []string
	for _, line := range raw {
		if line == "" {
			continue
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// GetRawHeader returns the unfolded value of the first header line whose
// key canonicalizes to key (case-insensitively, matching RFC5322's
// case-insensitive field names), or "" if absent. Adapted from the
// teacher's CanonicalKey-based header matching so header lookups agree
// with how headers were canonicalized when stored.
func (m *Metadata) GetRawHeader(key string) string {
	want := canonicalHeaderKey([]byte(key))
	for _, line := range m.headerLines() {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		k := canonicalHeaderKey([]byte(strings.TrimSpace(line[:colon])))
		if k == want {
			return strings.TrimSpace(line[colon+1:])
		}
	}
	return ""
}

// UUID returns a stable identity hash for m, computed as a SHA-1 digest over
// the sorted raw lines of HeadersBlob itself — not a re-derived subset of
// named fields. Matches moggie/email/metadata.py's
// `sha1(b''.join(sorted(s.headers.strip().encode('latin-1').splitlines())))`:
// sorting the raw lines (not the unfolded, continuation-joined ones
// headerLines produces) means header reordering in transit doesn't change
// the hash, while every header present — including In-Reply-To, which this
// hash must see to distinguish a reply from its sibling — still
// participates.
func (m *Metadata) UUID() string {
	raw := strings.ReplaceAll(strings.TrimSpace(string(m.HeadersBlob)), "\r\n", "\n")
	var lines []string
	if raw != "" {
		lines = strings.Split(raw, "\n")
	}
	sort.Strings(lines)
	h := sha1.New()
	for _, line := range lines {
		h.Write([]byte(line))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Parsed returns a flattened view of m suitable for exporters/UI: header
// fields, pointers, UUID, and the contents of More, merged into one map.
// Ported from moggie/email/metadata.py's Metadata.parsed(), which the
// distilled spec drops but the original relies on for every render path.
func (m *Metadata) Parsed() map[string]interface{} {
	out := map[string]interface{}{
		"timestamp": m.Timestamp,
		"idx":       m.Idx,
		"uuid":      m.UUID(),
		"ghost":     m.Ghost,
	}
	for _, key := range []string{"Message-ID", "Subject", "Date", "From", "To", "CC", "In-Reply-To", "References"} {
		if v := m.GetRawHeader(key); v != "" {
			out[strings.ToLower(key)] = v
		}
	}
	ptrs := make([]map[string]interface{}, len(m.Pointers))
	for i, p := range m.Pointers {
		ptrs[i] = map[string]interface{}{
			"container": p.Container,
			"offset":    p.Offset,
			"length":    p.Length,
			"flags":     p.Flags,
		}
	}
	out["pointers"] = ptrs
	for k, v := range m.More {
		out[k] = dumbToAny(v)
	}
	return out
}

func dumbToAny(v dumbcode.Value) interface{} {
	switch vv := v.(type) {
	case dumbcode.Str:
		return string(vv)
	case dumbcode.Int:
		return int64(vv)
	case dumbcode.Float:
		return float64(vv)
	case dumbcode.Bool:
		return bool(vv)
	case dumbcode.Bytes:
		return []byte(vv)
	case dumbcode.Null:
		return nil
	case dumbcode.List:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = dumbToAny(e)
		}
		return out
	case dumbcode.Map:
		out := make(map[string]interface{}, len(vv))
		for k, e := range vv {
			out[k] = dumbToAny(e)
		}
		return out
	default:
		return nil
	}
}
