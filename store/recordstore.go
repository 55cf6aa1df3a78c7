package store

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashedKeySize is the width of a salted key digest stored in the keys file.
const hashedKeySize = sha256.Size

// keysRecordSize is the byte width of one (idx, hashed_key) entry in the
// keys file.
const keysRecordSize = 4 + hashedKeySize

// StoreOptions configures a Record Store: a sharded collection of Record
// Files addressed either by a dense integer index or by an arbitrary byte
// string key hashed into that same index space.
type StoreOptions struct {
	// Dir holds the keys file and one Record File per shard.
	Dir string
	// ID is passed through to each shard's Record File prefix.
	ID string
	// ShardCapacity is the number of slots per underlying Record File
	// (moggie's chunk_records, sized so one shard stays near a target
	// file size rather than growing without bound).
	ShardCapacity int
	// MasterKey, if set, is forwarded to every shard for per-record AEAD.
	MasterKey []byte
	// Logf receives debug diagnostics; nil becomes a no-op.
	Logf func(format string, args ...interface{})
	// salt, if unset, is generated fresh on New and persisted in the keys
	// file prefix line (hex-encoded) so Open can recover it.
	salt []byte
}

func (o *StoreOptions) logf(format string, args ...interface{}) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

// Store is a sharded Record Store: callers address records by a dense
// integer index (Get/Set/Append) or by an arbitrary key (GetByKey/
// SetByKey), which is hashed into the same index space and recorded in an
// append-only keys file for dedup and replay on Open.
type Store struct {
	opts StoreOptions

	mu        sync.Mutex
	shards    map[int]*RecordFile
	keysFile  *os.File
	keyIndex  map[string]int // hex(hashed key) -> idx
	nextIdx   int
	keysMtime int64
}

func keysPrefixLine(id string, salt []byte) string {
	return fmt.Sprintf("RecordStore: %s, salt=%x\r\n\r\n", id, salt)
}

// New creates a fresh Record Store directory.
func New(opts StoreOptions) (*Store, error) {
	if opts.ShardCapacity <= 0 {
		return nil, fmt.Errorf("store: ShardCapacity must be positive")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", opts.Dir, err)
	}

	if len(opts.salt) == 0 {
		opts.salt = make([]byte, 16)
		if _, err := rand.Read(opts.salt); err != nil {
			return nil, fmt.Errorf("store: generating salt: %w", err)
		}
	}

	keysPath := filepath.Join(opts.Dir, "keys")
	f, err := os.OpenFile(keysPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", keysPath, err)
	}
	if _, err := f.WriteString(keysPrefixLine(opts.ID, opts.salt)); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: write keys prefix: %w", err)
	}

	s := &Store{
		opts:     opts,
		shards:   map[int]*RecordFile{},
		keysFile: f,
		keyIndex: map[string]int{},
	}
	return s, nil
}

// Open opens an existing Record Store directory, replaying its keys file.
func Open(opts StoreOptions) (*Store, error) {
	if opts.ShardCapacity <= 0 {
		return nil, fmt.Errorf("store: ShardCapacity must be positive")
	}

	keysPath := filepath.Join(opts.Dir, "keys")
	f, err := os.OpenFile(keysPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", keysPath, err)
	}

	s := &Store{
		opts:     opts,
		shards:   map[int]*RecordFile{},
		keysFile: f,
		keyIndex: map[string]int{},
	}
	if err := s.replayKeysLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replayKeysLocked() error {
	if _, err := s.keysFile.Seek(0, 0); err != nil {
		return err
	}
	r := bufio.NewReader(s.keysFile)

	prefix, err := r.ReadString('\n')
	if err != nil {
		return &CorruptError{Path: s.opts.Dir, Reason: "unreadable keys prefix"}
	}
	// Consume the blank line that terminates the prefix (\r\n\r\n).
	if _, err := r.ReadString('\n'); err != nil {
		return &CorruptError{Path: s.opts.Dir, Reason: "missing keys prefix terminator"}
	}

	if i := indexOf(prefix, "salt="); i >= 0 {
		saltHex := prefix[i+len("salt="):]
		if j := indexOf(saltHex, "\r"); j >= 0 {
			saltHex = saltHex[:j]
		}
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return &CorruptError{Path: s.opts.Dir, Reason: "unparseable keys salt"}
		}
		s.opts.salt = salt
	}

	maxIdx := -1
	entry := make([]byte, keysRecordSize)
	for {
		n, err := io.ReadFull(r, entry)
		if n == keysRecordSize {
			idx := int(binary.LittleEndian.Uint32(entry[:4]))
			hashed := string(entry[4:])
			s.keyIndex[hashed] = idx
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		if err != nil {
			break
		}
	}
	s.nextIdx = maxIdx + 1
	return nil
}

// HashKey derives the salted digest used to place key in the index space,
// matching moggie's hash_key (sha256 of salt‖encoded(key)‖salt).
func (s *Store) HashKey(key string) []byte {
	h := sha256.New()
	h.Write(s.opts.salt)
	h.Write([]byte(key))
	h.Write(s.opts.salt)
	return h.Sum(nil)
}

// bucketHash is a fast, non-cryptographic hash. Nothing in this module
// calls it; it plays no role in addressing on disk (HashKey/sha256 is the
// algorithm used for that).
func bucketHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func (s *Store) shardFor(idx int) (*RecordFile, int, error) {
	shardNum := idx / s.opts.ShardCapacity
	localSlot := idx % s.opts.ShardCapacity

	s.mu.Lock()
	defer s.mu.Unlock()
	if rf, ok := s.shards[shardNum]; ok {
		return rf, localSlot, nil
	}

	path := filepath.Join(s.opts.Dir, fmt.Sprintf("shard-%06d", shardNum))
	rfOpts := Options{
		ID:        fmt.Sprintf("%s/shard-%06d", s.opts.ID, shardNum),
		Capacity:  s.opts.ShardCapacity,
		MasterKey: s.opts.MasterKey,
		Logf:      s.opts.Logf,
	}

	var rf *RecordFile
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		rf, err = Open(path, rfOpts)
	} else {
		rf, err = New(path, rfOpts)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: shard %d: %w", shardNum, err)
	}
	s.shards[shardNum] = rf
	return rf, localSlot, nil
}

// Get returns the payload at idx.
func (s *Store) Get(idx int) ([]byte, error) {
	rf, slot, err := s.shardFor(idx)
	if err != nil {
		return nil, err
	}
	return rf.Get(slot)
}

// Set stores payload at idx, which must already have been allocated via
// Append or SetByKey.
func (s *Store) Set(idx int, payload []byte) error {
	rf, slot, err := s.shardFor(idx)
	if err != nil {
		return err
	}
	return rf.Set(slot, payload)
}

// Delete clears idx.
func (s *Store) Delete(idx int) error {
	rf, slot, err := s.shardFor(idx)
	if err != nil {
		return err
	}
	return rf.Delete(slot)
}

// Append allocates a fresh index and stores payload there.
func (s *Store) Append(payload []byte) (int, error) {
	s.mu.Lock()
	idx := s.nextIdx
	s.nextIdx++
	s.mu.Unlock()

	if err := s.Set(idx, payload); err != nil {
		return 0, err
	}
	return idx, nil
}

// GetByKey looks up key in the keys file and returns its stored payload and
// index, or a *KeyNotFoundError if key was never set.
func (s *Store) GetByKey(key string) ([]byte, int, error) {
	hashed := string(s.HashKey(key))
	s.mu.Lock()
	idx, ok := s.keyIndex[hashed]
	s.mu.Unlock()
	if !ok {
		return nil, 0, &KeyNotFoundError{Path: s.opts.Dir, Key: key}
	}
	payload, err := s.Get(idx)
	return payload, idx, err
}

// SetByKey stores payload under key, allocating a fresh index (and
// recording it in the keys file) the first time key is seen, or
// overwriting the existing record on subsequent calls.
func (s *Store) SetByKey(key string, payload []byte) (int, error) {
	hashed := s.HashKey(key)
	hashedStr := string(hashed)

	s.mu.Lock()
	idx, exists := s.keyIndex[hashedStr]
	s.mu.Unlock()

	if exists {
		return idx, s.Set(idx, payload)
	}

	s.mu.Lock()
	idx = s.nextIdx
	s.nextIdx++
	s.mu.Unlock()

	if err := s.Set(idx, payload); err != nil {
		return 0, err
	}

	entry := make([]byte, keysRecordSize)
	binary.LittleEndian.PutUint32(entry[:4], uint32(idx))
	copy(entry[4:], hashed)

	s.mu.Lock()
	_, werr := s.keysFile.Write(entry)
	if werr == nil {
		s.keyIndex[hashedStr] = idx
	}
	s.mu.Unlock()
	if werr != nil {
		return 0, fmt.Errorf("store: appending keys entry: %w", werr)
	}
	return idx, nil
}

// RegisterKey attaches key to an already-allocated idx (typically one
// returned by Append), recording the mapping in the keys file. It's the
// building block callers like the metadata package use when they need to
// choose the index first (so it can be embedded in the record's own
// payload) and only then associate a lookup key with it — SetByKey can't be
// used for that because it always allocates its own fresh index for an
// unseen key.
func (s *Store) RegisterKey(key string, idx int) error {
	hashed := s.HashKey(key)
	hashedStr := string(hashed)

	s.mu.Lock()
	if existing, ok := s.keyIndex[hashedStr]; ok {
		s.mu.Unlock()
		if existing == idx {
			return nil
		}
		return fmt.Errorf("store: key %q already registered to index %d, not %d", key, existing, idx)
	}
	s.mu.Unlock()

	entry := make([]byte, keysRecordSize)
	binary.LittleEndian.PutUint32(entry[:4], uint32(idx))
	copy(entry[4:], hashed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.keysFile.Write(entry); err != nil {
		return fmt.Errorf("store: appending keys entry: %w", err)
	}
	s.keyIndex[hashedStr] = idx
	return nil
}

// Refresh re-scans the keys file for entries appended by another process
// (e.g. a writer, while this Store is used read-only), picking up new
// key-to-index mappings without reopening shard files. It is a no-op if
// the keys file's modification time hasn't changed since the last refresh.
func (s *Store) Refresh() error {
	info, err := os.Stat(s.keysFile.Name())
	if err != nil {
		return err
	}
	mtime := info.ModTime().UnixNano()

	s.mu.Lock()
	unchanged := mtime == s.keysMtime
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.replayKeysLocked(); err != nil {
		return err
	}
	s.keysMtime = mtime
	return nil
}

// Compact opens every shard file in Dir and rewrites each in place, reclaiming space from deleted and
// overwritten records, and records unixTime as each shard's compaction
// timestamp. Passing a non-nil CompactOptions.NewMasterKey re-keys every
// shard and, once all shards succeed, updates the Store's own MasterKey so
// subsequent Get/Set calls (which open new shards lazily) use the new key.
func (s *Store) Compact(unixTime int64, opts CompactOptions) error {
	if names, err := filepath.Glob(filepath.Join(s.opts.Dir, "shard-[0-9][0-9][0-9][0-9][0-9][0-9]")); err == nil {
		for _, name := range names {
			var n int
			if _, err := fmt.Sscanf(filepath.Base(name), "shard-%06d", &n); err == nil {
				if _, _, err := s.shardFor(n * s.opts.ShardCapacity); err != nil {
					return fmt.Errorf("store: compact shard %d: %w", n, err)
				}
			}
		}
	}

	s.mu.Lock()
	shardNums := make([]int, 0, len(s.shards))
	for n := range s.shards {
		shardNums = append(shardNums, n)
	}
	s.mu.Unlock()

	for _, n := range shardNums {
		s.mu.Lock()
		rf := s.shards[n]
		s.mu.Unlock()

		tmp := filepath.Join(s.opts.Dir, fmt.Sprintf("shard-%06d.compact", n))
		if err := rf.Compact(tmp, unixTime, opts); err != nil {
			return fmt.Errorf("store: compact shard %d: %w", n, err)
		}
	}
	if opts.NewMasterKey != nil {
		s.mu.Lock()
		s.opts.MasterKey = opts.NewMasterKey
		s.mu.Unlock()
	}
	return nil
}

// Len returns one past the highest index ever allocated by Append or
// SetByKey — an upper bound callers can iterate up to (some indices below
// it may have been Deleted).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIdx
}

// Close closes the keys file and every open shard.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, rf := range s.shards {
		if err := rf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.keysFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
