package store

import (
	"fmt"
	"testing"
)

func TestStoreAppendAndGet(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, err := s.Append([]byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Fatalf("got %q", got)
	}
}

func TestStoreSpansMultipleShards(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		idx, err := s.Append([]byte(fmt.Sprintf("val-%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(idx)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != fmt.Sprintf("val-%d", i) {
			t.Fatalf("idx %d: got %q", idx, got)
		}
	}
}

func TestStoreSetByKeyDedup(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx1, err := s.SetByKey("msg-1", []byte("v1"))
	if err != nil {
		t.Fatal(err)
	}
	idx2, err := s.SetByKey("msg-1", []byte("v2"))
	if err != nil {
		t.Fatal(err)
	}
	if idx1 != idx2 {
		t.Fatalf("SetByKey with same key should reuse index, got %d then %d", idx1, idx2)
	}

	got, idx3, err := s.GetByKey("msg-1")
	if err != nil {
		t.Fatal(err)
	}
	if idx3 != idx1 {
		t.Fatalf("GetByKey index mismatch: got %d want %d", idx3, idx1)
	}
	if string(got) != "v2" {
		t.Fatalf("got %q, want v2 (latest write wins)", got)
	}
}

func TestStoreGetByKeyMissing(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, _, err = s.GetByKey("nope")
	if _, ok := err.(*KeyNotFoundError); !ok {
		t.Fatalf("expected *KeyNotFoundError, got %T: %v", err, err)
	}
}

func TestStoreHashKeyDeterministic(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	h1 := s.HashKey("same-key")
	h2 := s.HashKey("same-key")
	if string(h1) != string(h2) {
		t.Fatal("HashKey must be deterministic for the same key")
	}
	if string(s.HashKey("a")) == string(s.HashKey("b")) {
		t.Fatal("different keys should (almost always) hash differently")
	}
}

func TestStoreReopenReplaysKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := New(StoreOptions{Dir: dir, ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	idx, err := s.SetByKey("k", []byte("value"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(StoreOptions{Dir: dir, ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, gotIdx, err := reopened.GetByKey("k")
	if err != nil {
		t.Fatal(err)
	}
	if gotIdx != idx {
		t.Fatalf("index mismatch after reopen: got %d want %d", gotIdx, idx)
	}
	if string(got) != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestStoreDeleteThenAppendReusesNoSlot(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, err := s.Append([]byte("gone"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(idx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(idx); err == nil {
		t.Fatal("expected KeyNotFoundError for deleted index")
	}

	idx2, err := s.Append([]byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	if idx2 == idx {
		t.Fatal("Append must not reuse a deleted index (that's Compact's job)")
	}
}

func TestStoreCompact(t *testing.T) {
	s, err := New(StoreOptions{Dir: t.TempDir(), ID: "s", ShardCapacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	idx, err := s.Append([]byte("keep me"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(42, CompactOptions{}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(idx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "keep me" {
		t.Fatalf("got %q", got)
	}
}

func TestStoreCompactRekeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(StoreOptions{Dir: dir, ID: "rekey", ShardCapacity: 16, MasterKey: []byte("key-one")})
	if err != nil {
		t.Fatal(err)
	}

	want := map[int]string{}
	for i := 0; i < 40; i++ {
		v := fmt.Sprintf("value-%03d", i)
		idx, err := s.Append([]byte(v))
		if err != nil {
			t.Fatal(err)
		}
		want[idx] = v
	}

	if err := s.Compact(99, CompactOptions{NewMasterKey: []byte("key-two")}); err != nil {
		t.Fatal(err)
	}
	for idx, v := range want {
		got, err := s.Get(idx)
		if err != nil {
			t.Fatalf("idx %d: %v", idx, err)
		}
		if string(got) != v {
			t.Fatalf("idx %d: got %q want %q", idx, got, v)
		}
	}
	s.Close()

	reopened, err := Open(StoreOptions{Dir: dir, ID: "rekey", ShardCapacity: 16, MasterKey: []byte("key-two")})
	if err != nil {
		t.Fatalf("expected reopen under new key to succeed: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(0); err != nil {
		t.Fatalf("expected shard to open lazily under the new key: %v", err)
	}

	oldKeyed, err := Open(StoreOptions{Dir: dir, ID: "rekey", ShardCapacity: 16, MasterKey: []byte("key-one")})
	if err != nil {
		t.Fatal(err)
	}
	defer oldKeyed.Close()
	if _, err := oldKeyed.Get(0); err == nil {
		t.Fatal("expected opening a rekeyed shard under the old key to fail")
	}
}
