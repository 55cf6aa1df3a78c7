package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/mailpile/moggie-core/keys"
)

// recordHeaderSize is the per-record overhead: a self-offset word (used to
// detect an offset table pointing at the wrong place after corruption) and
// a payload length word.
const recordHeaderSize = 8

// growChunk is the minimum amount a Record File grows by when it needs more
// room for appended data, to avoid re-mmapping on every single write.
const growChunk = 256 * 1024

// Options configures a Record File. There is no config-file format (see
// SPEC_FULL.md's AMBIENT STACK note); callers wire these up directly, the
// same way cmd/spilld wires flags straight into constructors.
type Options struct {
	// ID is embedded in the file's prefix line and must match on Open.
	ID string
	// Capacity is the number of addressable slots in the offset table.
	// Fixed for the lifetime of the file; changing it is a ConfigMismatchError.
	Capacity int
	// MasterKey, if set, enables per-record AEAD encryption. A data key is
	// derived from it and the string "RecordFile:<ID>"; see the keys package.
	MasterKey []byte
	// Logf receives debug-level diagnostics (recoverable per-record
	// corruption, compaction progress). A nil Logf is replaced with a no-op.
	Logf func(format string, args ...interface{})
}

func (o *Options) logf(format string, args ...interface{}) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// RecordFile is a fixed-slot-count, append-mostly binary record store: a
// prefix line, an offset table of capacity u32 words, a small trailer
// (expected-EOF tripwire + last-compacted timestamp), and a data region
// that grows as records are appended or rewritten.
//
// Not safe for concurrent use from multiple processes; within a process all
// exported methods are safe for concurrent goroutines.
type RecordFile struct {
	opts Options

	mu       sync.Mutex
	file     *os.File
	data     mmap.MMap
	cipher   *keys.Cipher
	prefix   string
	headerSz int64
	// dataEnd is the offset one past the last byte of the last appended
	// record; equals the expected-EOF trailer value once flushed.
	dataEnd int64
	closed  bool
	// dirty is set by Set/Delete and cleared by a successful Compact; it
	// lets Compact skip rewriting a file that has seen no mutations since
	// its last compaction and isn't being re-keyed.
	dirty bool
}

func prefixLine(id string, capacity int, fingerprint []byte) string {
	fp := ""
	if len(fingerprint) > 0 {
		fp = fmt.Sprintf("%x", fingerprint)
	}
	return fmt.Sprintf("RecordFile: %s, cr=%d, encrypted=%s\r\n\r\n", id, capacity, fp)
}

// New creates a fresh Record File at path. It is an error for path to
// already exist.
func New(path string, opts Options) (*RecordFile, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("store: capacity must be positive")
	}

	var cipher *keys.Cipher
	var fingerprint []byte
	if len(opts.MasterKey) > 0 {
		dataKey, err := keys.Derive(opts.MasterKey, fmt.Sprintf("RecordFile:%s", opts.ID))
		if err != nil {
			return nil, err
		}
		fingerprint = keys.Fingerprint(dataKey)
		cipher, err = keys.NewCipher(dataKey)
		if err != nil {
			return nil, err
		}
	}

	prefix := prefixLine(opts.ID, opts.Capacity, fingerprint)
	headerSz := int64(len(prefix)) + int64(opts.Capacity)*4 + 12

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", path, err)
	}
	if err := f.Truncate(headerSz); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: truncate %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: mmap %s: %w", path, err)
	}

	copy(m, []byte(prefix))
	rf := &RecordFile{
		opts:     opts,
		file:     f,
		data:     m,
		cipher:   cipher,
		prefix:   prefix,
		headerSz: headerSz,
		dataEnd:  headerSz,
	}
	rf.writeTrailer()
	if err := m.Flush(); err != nil {
		rf.Close()
		return nil, fmt.Errorf("store: flush %s: %w", path, err)
	}
	return rf, nil
}

// Open opens an existing Record File, validating it against opts.
func Open(path string, opts Options) (*RecordFile, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("store: capacity must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: mmap %s: %w", path, err)
	}

	rf := &RecordFile{opts: opts, file: f, data: m}
	if err := rf.parseHeader(path); err != nil {
		rf.Close()
		return nil, err
	}

	if len(opts.MasterKey) > 0 {
		dataKey, err := keys.Derive(opts.MasterKey, fmt.Sprintf("RecordFile:%s", opts.ID))
		if err != nil {
			rf.Close()
			return nil, err
		}
		if fp := keys.Fingerprint(dataKey); rf.fingerprintHex() != fmt.Sprintf("%x", fp) {
			rf.Close()
			return nil, &ConfigMismatchError{Path: path, Reason: "wrong master key: fingerprint mismatch"}
		}
		cipher, err := keys.NewCipher(dataKey)
		if err != nil {
			rf.Close()
			return nil, err
		}
		rf.cipher = cipher
	} else if rf.fingerprintHex() != "" {
		rf.Close()
		return nil, &ConfigMismatchError{Path: path, Reason: "file is encrypted but no master key was supplied"}
	}

	return rf, nil
}

func (rf *RecordFile) fingerprintHex() string {
	// The fingerprint is the text between "encrypted=" and the trailing
	// "\r\n\r\n" in the prefix line.
	const marker = "encrypted="
	i := indexOf(rf.prefix, marker)
	if i < 0 {
		return ""
	}
	rest := rf.prefix[i+len(marker):]
	j := indexOf(rest, "\r\n")
	if j < 0 {
		return rest
	}
	return rest[:j]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (rf *RecordFile) parseHeader(path string) error {
	data := []byte(rf.data)
	nl4 := indexOf(string(data), "\r\n\r\n")
	if nl4 < 0 {
		return &CorruptError{Path: path, Reason: "missing prefix terminator"}
	}
	prefix := string(data[:nl4+4])
	rf.prefix = prefix

	var id string
	var capacity int
	if _, err := fmt.Sscanf(prefix, "RecordFile: %s", &id); err != nil {
		return &CorruptError{Path: path, Reason: "unparseable prefix line"}
	}
	// id as scanned keeps the trailing "," since Sscanf with %s stops at
	// whitespace only; capacity is parsed separately from the substring
	// between "cr=" and ",".
	crIdx := indexOf(prefix, "cr=")
	if crIdx < 0 {
		return &CorruptError{Path: path, Reason: "missing capacity field"}
	}
	if _, err := fmt.Sscanf(prefix[crIdx:], "cr=%d,", &capacity); err != nil {
		return &CorruptError{Path: path, Reason: "unparseable capacity field"}
	}
	commaIdx := indexOf(id, ",")
	if commaIdx >= 0 {
		id = id[:commaIdx]
	}

	if rf.opts.ID != "" && id != rf.opts.ID {
		return &ConfigMismatchError{Path: path, Reason: fmt.Sprintf("id mismatch: file has %q, opened with %q", id, rf.opts.ID)}
	}
	if capacity != rf.opts.Capacity {
		return &ConfigMismatchError{Path: path, Reason: fmt.Sprintf("capacity mismatch: file has %d, opened with %d", capacity, rf.opts.Capacity)}
	}
	rf.opts.ID = id
	rf.headerSz = int64(nl4+4) + int64(capacity)*4 + 12

	if int64(len(data)) < rf.headerSz {
		return &CorruptError{Path: path, Reason: "file shorter than its own header"}
	}

	trailerOff := rf.headerSz - 12
	expectedEOF := int64(binary.LittleEndian.Uint32(data[trailerOff : trailerOff+4]))

	actual := int64(len(data))
	if actual > expectedEOF {
		// A previous write was interrupted after growing the file but
		// before the trailer was updated; or stray bytes were appended
		// out of band. Truncate back to the last known-good boundary.
		if err := rf.file.Truncate(expectedEOF); err != nil {
			return &CorruptError{Path: path, Reason: fmt.Sprintf("truncating to expected EOF: %v", err)}
		}
		if err := rf.data.Unmap(); err != nil {
			return fmt.Errorf("store: unmap %s: %w", path, err)
		}
		m, err := mmap.Map(rf.file, mmap.RDWR, 0)
		if err != nil {
			return fmt.Errorf("store: remap %s: %w", path, err)
		}
		rf.data = m
	} else if actual < expectedEOF {
		return &CorruptError{Path: path, Reason: "file shorter than its recorded expected EOF"}
	}

	rf.dataEnd = expectedEOF
	return nil
}

func (rf *RecordFile) writeTrailer() {
	trailerOff := rf.headerSz - 12
	binary.LittleEndian.PutUint32(rf.data[trailerOff:trailerOff+4], uint32(rf.dataEnd))
}

// MarkCompacted stamps unixTime (a Unix timestamp supplied by the caller)
// into the trailer's last-compacted field.
func (rf *RecordFile) MarkCompacted(unixTime int64) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	trailerOff := rf.headerSz - 8
	binary.LittleEndian.PutUint64(rf.data[trailerOff:trailerOff+8], uint64(unixTime))
}

// CompactedTime returns the Unix timestamp of the last compaction, or 0 if
// the file has never been compacted.
func (rf *RecordFile) CompactedTime() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	trailerOff := rf.headerSz - 8
	return int64(binary.LittleEndian.Uint64(rf.data[trailerOff : trailerOff+8]))
}

func (rf *RecordFile) offsetTableEntry(slot int) uint32 {
	off := int64(len(rf.prefix)) + int64(slot)*4
	return binary.LittleEndian.Uint32(rf.data[off : off+4])
}

func (rf *RecordFile) setOffsetTableEntry(slot int, value uint32) {
	off := int64(len(rf.prefix)) + int64(slot)*4
	binary.LittleEndian.PutUint32(rf.data[off:off+4], value)
}

// Capacity returns the number of addressable slots.
func (rf *RecordFile) Capacity() int { return rf.opts.Capacity }

// Get returns the payload stored at slot, or a *KeyNotFoundError if the
// slot is empty.
func (rf *RecordFile) Get(slot int) ([]byte, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.getLocked(slot)
}

func (rf *RecordFile) getLocked(slot int) ([]byte, error) {
	if slot < 0 || slot >= rf.opts.Capacity {
		return nil, fmt.Errorf("store: slot %d out of range [0,%d)", slot, rf.opts.Capacity)
	}
	offset := rf.offsetTableEntry(slot)
	if offset == 0 {
		return nil, &KeyNotFoundError{Path: rf.opts.ID, Key: fmt.Sprintf("slot %d", slot)}
	}

	selfOffset := binary.LittleEndian.Uint32(rf.data[offset : offset+4])
	if int64(selfOffset) != int64(offset) {
		return nil, &CorruptError{Path: rf.opts.ID, Reason: fmt.Sprintf("slot %d: self-offset %d != table offset %d", slot, selfOffset, offset)}
	}
	payloadLen := binary.LittleEndian.Uint32(rf.data[offset+4 : offset+8])
	start := int64(offset) + recordHeaderSize
	end := start + int64(payloadLen)
	if end > int64(len(rf.data)) {
		return nil, &CorruptError{Path: rf.opts.ID, Reason: fmt.Sprintf("slot %d: payload runs past EOF", slot)}
	}

	stored := make([]byte, payloadLen)
	copy(stored, rf.data[start:end])

	if rf.cipher != nil {
		plain, err := rf.cipher.Open(stored)
		if err != nil {
			return nil, &CorruptError{Path: rf.opts.ID, Reason: fmt.Sprintf("slot %d: decrypt: %v", slot, err)}
		}
		return plain, nil
	}
	return stored, nil
}

// Set stores payload at slot, overwriting any previous record there. If the
// new record is the same on-disk size as the old one it's rewritten in
// place; otherwise it's appended and the old bytes become reclaimable only
// by Compact.
func (rf *RecordFile) Set(slot int, payload []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if slot < 0 || slot >= rf.opts.Capacity {
		return fmt.Errorf("store: slot %d out of range [0,%d)", slot, rf.opts.Capacity)
	}

	stored := payload
	if rf.cipher != nil {
		sealed, err := rf.cipher.Seal(payload)
		if err != nil {
			return err
		}
		stored = sealed
	}

	recLen := int64(recordHeaderSize) + int64(len(stored))
	oldOffset := rf.offsetTableEntry(slot)
	if oldOffset != 0 {
		oldPayloadLen := binary.LittleEndian.Uint32(rf.data[oldOffset+4 : oldOffset+8])
		if int64(oldPayloadLen) == int64(len(stored)) {
			rf.writeRecordAt(int64(oldOffset), stored)
			rf.dirty = true
			return nil
		}
	}

	offset := rf.dataEnd
	if err := rf.ensureCapacityLocked(offset + recLen); err != nil {
		return err
	}
	rf.writeRecordAt(offset, stored)
	rf.setOffsetTableEntry(slot, uint32(offset))
	rf.dataEnd = offset + recLen
	rf.writeTrailer()
	rf.dirty = true
	return nil
}

// Delete clears slot, leaving it empty. The underlying bytes are reclaimed
// by the next Compact.
func (rf *RecordFile) Delete(slot int) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if slot < 0 || slot >= rf.opts.Capacity {
		return fmt.Errorf("store: slot %d out of range [0,%d)", slot, rf.opts.Capacity)
	}
	rf.setOffsetTableEntry(slot, 0)
	rf.dirty = true
	return nil
}

func (rf *RecordFile) writeRecordAt(offset int64, stored []byte) {
	binary.LittleEndian.PutUint32(rf.data[offset:offset+4], uint32(offset))
	binary.LittleEndian.PutUint32(rf.data[offset+4:offset+8], uint32(len(stored)))
	copy(rf.data[offset+recordHeaderSize:], stored)
}

// ensureCapacityLocked grows the file (and remaps it) so it's at least
// need bytes long. Must be called with rf.mu held.
func (rf *RecordFile) ensureCapacityLocked(need int64) error {
	if int64(len(rf.data)) >= need {
		return nil
	}
	newSize := int64(len(rf.data))
	for newSize < need {
		newSize += growChunk
	}
	if err := rf.data.Unmap(); err != nil {
		return fmt.Errorf("store: unmap for grow: %w", err)
	}
	if err := rf.file.Truncate(newSize); err != nil {
		return fmt.Errorf("store: truncate for grow: %w", err)
	}
	m, err := mmap.Map(rf.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("store: remap after grow: %w", err)
	}
	rf.data = m
	return nil
}

// CompactOptions tunes a Compact call: re-keying under a new master key,
// and forcing a rewrite that would otherwise be skipped.
type CompactOptions struct {
	// NewMasterKey, if non-nil, re-keys the file: every record is
	// re-encrypted (or newly encrypted, or decrypted if empty) under a data
	// key derived from this master key instead of the file's current one.
	NewMasterKey []byte
	// Force rewrites the file even if it has seen no writes since its last
	// compaction and NewMasterKey doesn't change the active key.
	Force bool
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Compact rewrites the file, dropping deleted and orphaned (overwritten)
// record bytes, and updates the last-compacted timestamp via MarkCompacted
// (the caller supplies the timestamp so Compact stays free of a wall-clock
// dependency). Scratch data is written to a new Record File at tmpPath,
// chosen by the caller, which is then renamed into place. If the file hasn't been written
// to since its last compaction and opts doesn't request re-keying, Compact
// is a no-op unless opts.Force is set.
func (rf *RecordFile) Compact(tmpPath string, unixTime int64, opts CompactOptions) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rekeying := opts.NewMasterKey != nil && !bytesEqual(opts.NewMasterKey, rf.opts.MasterKey)
	if !opts.Force && !rf.dirty && !rekeying {
		return nil
	}

	effectiveKey := rf.opts.MasterKey
	if opts.NewMasterKey != nil {
		effectiveKey = opts.NewMasterKey
	}

	fresh, err := New(tmpPath, Options{
		ID:        rf.opts.ID,
		Capacity:  rf.opts.Capacity,
		MasterKey: effectiveKey,
		Logf:      rf.opts.Logf,
	})
	if err != nil {
		return fmt.Errorf("store: compact: create scratch file: %w", err)
	}

	for slot := 0; slot < rf.opts.Capacity; slot++ {
		payload, err := rf.getLocked(slot)
		if err != nil {
			if _, ok := err.(*KeyNotFoundError); ok {
				continue
			}
			rf.opts.logf("store: compact: slot %d unreadable, skipping: %v", slot, err)
			continue
		}
		if err := fresh.Set(slot, payload); err != nil {
			fresh.Close()
			return fmt.Errorf("store: compact: rewrite slot %d: %w", slot, err)
		}
	}
	fresh.MarkCompacted(unixTime)
	if err := fresh.Close(); err != nil {
		return fmt.Errorf("store: compact: close scratch file: %w", err)
	}

	path := rf.file.Name()
	if err := rf.data.Unmap(); err != nil {
		return fmt.Errorf("store: compact: unmap original: %w", err)
	}
	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("store: compact: close original: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: compact: rename into place: %w", err)
	}

	reopenOpts := rf.opts
	reopenOpts.MasterKey = effectiveKey
	reopened, err := Open(path, reopenOpts)
	if err != nil {
		return fmt.Errorf("store: compact: reopen after rename: %w", err)
	}
	// Adopt the reopened file's state without disturbing rf.mu, which this
	// method's caller is holding locked via the deferred Unlock above.
	rf.opts = reopened.opts
	rf.file = reopened.file
	rf.data = reopened.data
	rf.cipher = reopened.cipher
	rf.prefix = reopened.prefix
	rf.headerSz = reopened.headerSz
	rf.dataEnd = reopened.dataEnd
	rf.closed = reopened.closed
	rf.dirty = false
	return nil
}

// Close flushes and unmaps the file.
func (rf *RecordFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.closed {
		return nil
	}
	rf.closed = true
	var firstErr error
	if rf.data != nil {
		if err := rf.data.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := rf.data.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rf.file != nil {
		if err := rf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
