package metadata

import "testing"

func mkMetadata(messageID, subject, inReplyTo string, ts int64) *Metadata {
	var blob []byte
	blob = append(blob, encodeHeaderLine("Message-ID", messageID)...)
	blob = append(blob, encodeHeaderLine("Subject", subject)...)
	if inReplyTo != "" {
		blob = append(blob, encodeHeaderLine("In-Reply-To", inReplyTo)...)
	}
	return &Metadata{Timestamp: ts, HeadersBlob: blob}
}

func TestStoreAddIfNewDedupsByMessageID(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx1, isNew1, err := s.AddIfNew(mkMetadata("<a@x>", "Hello", "", 1000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew1 {
		t.Fatal("expected first AddIfNew to be new")
	}

	idx2, isNew2, err := s.AddIfNew(mkMetadata("<a@x>", "Hello again", "", 1001), 1001)
	if err != nil {
		t.Fatal(err)
	}
	if isNew2 {
		t.Fatal("expected second AddIfNew with same Message-ID to be a dup")
	}
	if idx1 != idx2 {
		t.Fatalf("expected same index for duplicate message, got %d and %d", idx1, idx2)
	}
}

func TestStoreGetRoundTrip(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, _, err := s.AddIfNew(mkMetadata("<b@x>", "Subject line", "", 2000), 2000)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if got.GetRawHeader("Subject") != "Subject line" {
		t.Fatalf("got %q", got.GetRawHeader("Subject"))
	}
}

func TestStoreThreadAssemblyWithGhost(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// A reply arrives before its parent: the parent becomes a ghost.
	replyIdx, _, err := s.AddIfNew(mkMetadata("<reply@x>", "Re: Hi", "<parent@x>", 2000), 2000)
	if err != nil {
		t.Fatal(err)
	}
	replyThread, err := s.AssignThread(replyIdx, 2000)
	if err != nil {
		t.Fatal(err)
	}

	ghostIdxs, err := s.GetThreadIdxs(replyThread)
	if err != nil {
		t.Fatal(err)
	}
	if len(ghostIdxs) != 2 {
		t.Fatalf("expected the reply and its ghost parent in the thread, got %v", ghostIdxs)
	}

	ghost, err := s.keyToIdxPublic("<parent@x>")
	if err != nil {
		t.Fatal(err)
	}
	ghostMeta, err := s.Get(ghost)
	if err != nil {
		t.Fatal(err)
	}
	if !ghostMeta.Ghost {
		t.Fatal("expected parent placeholder to be flagged as a ghost")
	}

	// Now the real parent message arrives and should upgrade the ghost in place.
	parentIdx, err := s.UpdateOrAdd(mkMetadata("<parent@x>", "Hi", "", 1999), 1999)
	if err != nil {
		t.Fatal(err)
	}
	if parentIdx != ghost {
		t.Fatalf("expected the real parent to reuse the ghost's index %d, got %d", ghost, parentIdx)
	}
	parentMeta, err := s.Get(parentIdx)
	if err != nil {
		t.Fatal(err)
	}
	if parentMeta.Ghost {
		t.Fatal("expected ghost flag cleared once the real message arrived")
	}
}

func TestStoreThreadRootHasOwnIndexAsThreadID(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, _, err := s.AddIfNew(mkMetadata("<root@x>", "Thread root", "", 1000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	threadID, err := s.AssignThread(idx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if threadID != idx {
		t.Fatalf("expected a root message's thread id to equal its own index, got %d for idx %d", threadID, idx)
	}
}

func TestStoreDateSortingKeyfuncOrdersByRank(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	earlyIdx, _, err := s.AddIfNew(mkMetadata("<early@x>", "Early", "", 1000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	lateIdx, _, err := s.AddIfNew(mkMetadata("<late@x>", "Late", "", 9000), 9000)
	if err != nil {
		t.Fatal(err)
	}

	earlyRank, _ := s.DateSortingKeyfunc(earlyIdx)
	lateRank, _ := s.DateSortingKeyfunc(lateIdx)
	if earlyRank >= lateRank {
		t.Fatalf("expected earlyRank < lateRank, got %d >= %d", earlyRank, lateRank)
	}
}

func TestStoreDeleteZeroesSideColumns(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "m", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, _, err := s.AddIfNew(mkMetadata("<gone@x>", "Bye", "", 5000), 5000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignThread(idx, 5000); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(idx); err != nil {
		t.Fatal(err)
	}
	if rank, _ := s.DateSortingKeyfunc(idx); rank != 0 {
		t.Fatalf("expected rank_by_date zeroed after delete, got %d", rank)
	}
	if tid := s.threadIDs.Get(idx); tid != 0 {
		t.Fatalf("expected thread_id zeroed after delete, got %d", tid)
	}
	if mt := s.Mtime(idx); mt != 0 {
		t.Fatalf("expected mtime zeroed after delete, got %d", mt)
	}
	if _, err := s.Get(idx); err == nil {
		t.Fatal("expected deleted record to be unreadable")
	}
}

// keyToIdxPublic exposes the unexported keyToIdx lookup for test assertions
// without widening the package's public API.
func (s *Store) keyToIdxPublic(key string) (int, error) {
	return s.keyToIdx(key)
}

func TestStoreCompactRekeyPreservesRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := New(StoreOptions{Dir: dir, ID: "m", ShardCapacity: 8, MasterKey: []byte("key-one")})
	if err != nil {
		t.Fatal(err)
	}

	idx, _, err := s.AddIfNew(mkMetadata("<rekey@x>", "Rekey me", "", 4000), 4000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(55, []byte("key-two"), false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if got.GetRawHeader("Subject") != "Rekey me" {
		t.Fatalf("got %q", got.GetRawHeader("Subject"))
	}
	s.Close()

	oldKeyed, err := Open(StoreOptions{Dir: dir, ID: "m", ShardCapacity: 8, MasterKey: []byte("key-one")})
	if err != nil {
		t.Fatal(err)
	}
	defer oldKeyed.Close()
	if _, err := oldKeyed.Get(idx); err == nil {
		t.Fatal("expected reading a rekeyed shard under the old key to fail")
	}

	reopened, err := Open(StoreOptions{Dir: dir, ID: "m", ShardCapacity: 8, MasterKey: []byte("key-two")})
	if err != nil {
		t.Fatalf("expected reopen under the new key to succeed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(idx); err != nil {
		t.Fatalf("expected record readable under the new key: %v", err)
	}
}
