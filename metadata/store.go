package metadata

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/mailpile/moggie-core/store"
)

// tsResolution buckets timestamps for the rank-by-date column: messages
// within the same 30-second window rank equally, which keeps the column
// stable under the kind of millisecond jitter different mailbox formats
// report for "the same" message (moggie's TS_RESOLUTION).
const tsResolution = 30

// StoreOptions configures a Metadata Store.
type StoreOptions struct {
	Dir           string
	ID            string
	ShardCapacity int
	MasterKey     []byte
	Logf          func(format string, args ...interface{})
}

// Store is a Record Store specialized for Metadata: it dedups by
// Message-ID, maintains three side-column arrays (rank by date, thread id,
// mtime) addressed by the same index as the underlying record, and
// assembles threads, including ghost placeholders for messages referenced
// before they're indexed.
type Store struct {
	opts StoreOptions

	mu         sync.Mutex
	records    *store.Store
	rankByDate *intColumn
	threadIDs  *intColumn
	mtimes     *intColumn
}

func (o *StoreOptions) logf(format string, args ...interface{}) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

func openColumns(dir string, size int) (rank, thread, mtime *intColumn, err error) {
	rank, err = openIntColumn(filepath.Join(dir, "rank_by_date.col"), size)
	if err != nil {
		return nil, nil, nil, err
	}
	thread, err = openIntColumn(filepath.Join(dir, "thread_ids.col"), size)
	if err != nil {
		rank.Close()
		return nil, nil, nil, err
	}
	mtime, err = openIntColumn(filepath.Join(dir, "mtimes.col"), size)
	if err != nil {
		rank.Close()
		thread.Close()
		return nil, nil, nil, err
	}
	return rank, thread, mtime, nil
}

// New creates a fresh Metadata Store.
func New(opts StoreOptions) (*Store, error) {
	if opts.ShardCapacity <= 0 {
		opts.ShardCapacity = 4096
	}
	records, err := store.New(store.StoreOptions{
		Dir:           opts.Dir,
		ID:            opts.ID,
		ShardCapacity: opts.ShardCapacity,
		MasterKey:     opts.MasterKey,
		Logf:          opts.Logf,
	})
	if err != nil {
		return nil, err
	}
	rank, thread, mtime, err := openColumns(opts.Dir, 0)
	if err != nil {
		records.Close()
		return nil, err
	}
	return &Store{opts: opts, records: records, rankByDate: rank, threadIDs: thread, mtimes: mtime}, nil
}

// Open opens an existing Metadata Store.
func Open(opts StoreOptions) (*Store, error) {
	if opts.ShardCapacity <= 0 {
		opts.ShardCapacity = 4096
	}
	records, err := store.Open(store.StoreOptions{
		Dir:           opts.Dir,
		ID:            opts.ID,
		ShardCapacity: opts.ShardCapacity,
		MasterKey:     opts.MasterKey,
		Logf:          opts.Logf,
	})
	if err != nil {
		return nil, err
	}
	rank, thread, mtime, err := openColumns(opts.Dir, records.Len())
	if err != nil {
		records.Close()
		return nil, err
	}
	return &Store{opts: opts, records: records, rankByDate: rank, threadIDs: thread, mtimes: mtime}, nil
}

// Close closes the underlying Record Store and side columns.
func (s *Store) Close() error {
	var firstErr error
	if err := s.records.Close(); err != nil {
		firstErr = err
	}
	if err := s.rankByDate.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.threadIDs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.mtimes.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func messageIDKey(m *Metadata) string {
	if id := m.GetRawHeader("Message-ID"); id != "" {
		return strings.TrimSpace(id)
	}
	return "uuid:" + m.UUID()
}

// Get returns the Metadata stored at idx.
func (s *Store) Get(idx int) (*Metadata, error) {
	payload, err := s.records.Get(idx)
	if err != nil {
		return nil, err
	}
	m, err := decodeMetadata(payload)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes the Metadata at idx and zeros its rank/thread/mtime side
// column entries (a rank of 0 doubles as "deleted" per the rank-by-date
// column's own convention).
func (s *Store) Delete(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.records.Delete(idx); err != nil {
		return err
	}
	if err := s.rankByDate.Set(idx, 0); err != nil {
		return err
	}
	if err := s.threadIDs.Set(idx, 0); err != nil {
		return err
	}
	return s.mtimes.Set(idx, 0)
}

func (s *Store) writeLocked(idx int, m *Metadata, mtime int64) error {
	m.Idx = idx
	payload, err := m.encode()
	if err != nil {
		return err
	}
	if err := s.records.Set(idx, payload); err != nil {
		return err
	}
	rankKey := uint32(m.Timestamp / tsResolution)
	if err := s.rankByDate.Set(idx, rankKey); err != nil {
		return err
	}
	if err := s.mtimes.Set(idx, uint32(mtime)); err != nil {
		return err
	}
	return nil
}

// AddIfNew indexes m only if no Metadata with the same identity key
// (Message-ID, falling back to the UUID digest) already exists. It returns
// the existing or newly allocated index and whether a new record was
// created.
func (s *Store) AddIfNew(m *Metadata, mtime int64) (idx int, isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageIDKey(m)
	if existingIdx, existingErr := s.keyToIdx(key); existingErr == nil {
		return existingIdx, false, nil
	}

	idx, err = s.records.Append(nil) // reserve an index
	if err != nil {
		return 0, false, err
	}
	if err := s.records.RegisterKey(key, idx); err != nil {
		return 0, false, err
	}
	if err := s.writeLocked(idx, m, mtime); err != nil {
		return 0, false, err
	}
	return idx, true, nil
}

func (s *Store) keyToIdx(key string) (int, error) {
	_, idx, err := s.records.GetByKey(key)
	return idx, err
}

// UpdateOrAdd indexes m, merging its pointers into any existing record with
// the same identity key instead of creating a duplicate. This is how a
// real message "upgrades" a ghost placeholder created earlier by a
// References/In-Reply-To scan: same Message-ID, same index, ghost flag
// cleared, children already threaded beneath it are undisturbed.
func (s *Store) UpdateOrAdd(m *Metadata, mtime int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageIDKey(m)
	if existingIdx, err := s.keyToIdx(key); err == nil {
		existing, err := s.Get(existingIdx)
		if err != nil {
			return 0, err
		}
		existing.AddPointers(m.Pointers...)
		if len(m.HeadersBlob) > 0 {
			existing.HeadersBlob = m.HeadersBlob
		}
		if m.Timestamp != 0 {
			existing.Timestamp = m.Timestamp
		}
		for k, v := range m.More {
			existing.More[k] = v
		}
		existing.Ghost = existing.Ghost && m.Ghost
		if err := s.writeLocked(existingIdx, existing, mtime); err != nil {
			return 0, err
		}
		return existingIdx, nil
	}

	idx, err := s.records.Append(nil)
	if err != nil {
		return 0, err
	}
	if err := s.records.RegisterKey(key, idx); err != nil {
		return 0, err
	}
	if err := s.writeLocked(idx, m, mtime); err != nil {
		return 0, err
	}
	return idx, nil
}

// ensureGhost returns the index of the Metadata for messageID, creating a
// ghost placeholder if none exists yet.
func (s *Store) ensureGhost(messageID string, mtime int64) (int, error) {
	key := strings.TrimSpace(messageID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, err := s.keyToIdx(key); err == nil {
		return idx, nil
	}

	ghost := GhostMetadata(messageID)
	idx, err := s.records.Append(nil)
	if err != nil {
		return 0, err
	}
	if err := s.records.RegisterKey(key, idx); err != nil {
		return 0, err
	}
	if err := s.writeLocked(idx, ghost, mtime); err != nil {
		return 0, err
	}
	return idx, nil
}

// AssignThread computes and persists the thread id for idx given its
// parsed References/In-Reply-To chain: it walks the chain to the oldest
// ancestor (creating ghost placeholders for any ancestor not yet indexed),
// and adopts that ancestor's own index as the thread id if the ancestor has
// none yet, or its existing thread id otherwise. This keeps a thread's id
// stable as messages arrive out of order.
func (s *Store) AssignThread(idx int, mtime int64) (threadID int, err error) {
	m, err := s.Get(idx)
	if err != nil {
		return 0, err
	}

	parentID := firstReference(m)
	if parentID == "" {
		threadID = idx
		return threadID, s.threadIDs.Set(idx, uint32(threadID))
	}

	parentIdx, err := s.ensureGhost(parentID, mtime)
	if err != nil {
		return 0, err
	}
	if parentIdx == idx {
		threadID = idx
		return threadID, s.threadIDs.Set(idx, uint32(threadID))
	}

	parentThread := s.threadIDs.Get(parentIdx)
	if parentThread == 0 {
		if _, err := s.AssignThread(parentIdx, mtime); err != nil {
			return 0, err
		}
		parentThread = s.threadIDs.Get(parentIdx)
	}
	threadID = int(parentThread)
	return threadID, s.threadIDs.Set(idx, uint32(threadID))
}

// firstReference returns the most immediate ancestor Message-ID for m: the
// In-Reply-To header if present, otherwise the last entry of References
// (its most recent ancestor).
func firstReference(m *Metadata) string {
	if v := m.GetRawHeader("In-Reply-To"); v != "" {
		return strings.TrimSpace(v)
	}
	refs := strings.Fields(m.GetRawHeader("References"))
	if len(refs) > 0 {
		return refs[len(refs)-1]
	}
	return ""
}

// GetThreadIdxs returns every index currently assigned to threadID, in
// index order. It's a linear scan of the thread-id column — fine at the
// scale a single-writer indexer operates at, and avoids maintaining a
// second on-disk index purely for thread membership.
func (s *Store) GetThreadIdxs(threadID int) ([]int, error) {
	n := s.records.Len()
	var out []int
	for i := 0; i < n; i++ {
		if int(s.threadIDs.Get(i)) == threadID {
			out = append(out, i)
		}
	}
	return out, nil
}

// DateSortingKeyfunc returns the (rank, idx) pair used to sort idx among
// its peers by date: rank first (bucketed to tsResolution so near-identical
// timestamps from different mailbox formats tie), then idx as a stable
// tiebreaker for genuinely simultaneous messages.
func (s *Store) DateSortingKeyfunc(idx int) (rank uint32, tiebreak int) {
	return s.rankByDate.Get(idx), idx
}

// Mtime returns the last-write Unix timestamp recorded for idx.
func (s *Store) Mtime(idx int) int64 {
	return int64(s.mtimes.Get(idx))
}

// Compact rewrites the underlying Record Store. Side columns are left as
// is: they're addressed by index, and Compact never changes the set of
// live indices (only reclaims space within shards), so no column rewrite
// is needed. Passing a non-nil newMasterKey re-keys every shard; force
// rewrites shards even if nothing changed since their last compaction.
func (s *Store) Compact(unixTime int64, newMasterKey []byte, force bool) error {
	return s.records.Compact(unixTime, store.CompactOptions{NewMasterKey: newMasterKey, Force: force})
}

// Len returns one past the highest Metadata index ever allocated.
func (s *Store) Len() int {
	return s.records.Len()
}

// ResolveID looks up a message's index by its raw Message-ID header value
// (or, failing that, its "uuid:<sha1>" identity key), satisfying
// search.IDResolver for id: query terms.
func (s *Store) ResolveID(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyToIdx(strings.TrimSpace(key))
}

// ThreadIdxs is an alias for GetThreadIdxs, satisfying search.ThreadResolver
// for thread:/tid: query terms.
func (s *Store) ThreadIdxs(threadID int) ([]int, error) {
	return s.GetThreadIdxs(threadID)
}

// ThreadAndRank returns idx's (thread_id, rank_by_date) pair, satisfying
// search.ThreadRanker for ThreadSort result grouping.
func (s *Store) ThreadAndRank(idx int) (threadID int, rank uint32) {
	return int(s.threadIDs.Get(idx)), s.rankByDate.Get(idx)
}

