package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordFileSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	if err := rf.Set(3, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	got, err := rf.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestRecordFileEmptySlotIsKeyNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	_, err = rf.Get(1)
	if _, ok := err.(*KeyNotFoundError); !ok {
		t.Fatalf("expected *KeyNotFoundError, got %T: %v", err, err)
	}
}

func TestRecordFileOverwriteSameSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	if err := rf.Set(0, []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if err := rf.Set(0, []byte("bbbb")); err != nil {
		t.Fatal(err)
	}
	got, err := rf.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("bbbb")) {
		t.Fatalf("got %q, want bbbb", got)
	}
}

func TestRecordFileOverwriteDifferentSizeAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	if err := rf.Set(0, []byte("short")); err != nil {
		t.Fatal(err)
	}
	if err := rf.Set(0, []byte("a much longer payload than before")); err != nil {
		t.Fatal(err)
	}
	got, err := rf.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a much longer payload than before" {
		t.Fatalf("got %q", got)
	}
}

func TestRecordFileDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	if err := rf.Set(2, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := rf.Delete(2); err != nil {
		t.Fatal(err)
	}
	if _, err := rf.Get(2); err == nil {
		t.Fatal("expected KeyNotFoundError after delete")
	}
}

func TestRecordFileSelfOffsetCorruptionDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	if err := rf.Set(0, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	// Corrupt the offset table to point one byte off from the real record.
	offset := rf.offsetTableEntry(0)
	rf.setOffsetTableEntry(0, offset+1)

	_, err = rf.Get(0)
	if _, ok := err.(*CorruptError); !ok {
		t.Fatalf("expected *CorruptError, got %T: %v", err, err)
	}
}

func TestRecordFileOpenValidatesCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "test", Capacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	rf.Close()

	_, err = Open(path, Options{ID: "test", Capacity: 16})
	if _, ok := err.(*ConfigMismatchError); !ok {
		t.Fatalf("expected *ConfigMismatchError for capacity change, got %T: %v", err, err)
	}
}

func TestRecordFileEncryptedRoundTripAndWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "secret", Capacity: 4, MasterKey: []byte("master-key")})
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Set(0, []byte("top secret")); err != nil {
		t.Fatal(err)
	}
	rf.Close()

	reopened, err := Open(path, Options{ID: "secret", Capacity: 4, MasterKey: []byte("master-key")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "top secret" {
		t.Fatalf("got %q", got)
	}
	reopened.Close()

	_, err = Open(path, Options{ID: "secret", Capacity: 4, MasterKey: []byte("wrong-key")})
	if _, ok := err.(*ConfigMismatchError); !ok {
		t.Fatalf("expected *ConfigMismatchError for wrong key, got %T: %v", err, err)
	}
}

func TestRecordFileGrowsAcrossMultipleChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rf.dat")
	rf, err := New(path, Options{ID: "grow", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	big := bytes.Repeat([]byte("z"), growChunk*3)
	if err := rf.Set(0, big); err != nil {
		t.Fatal(err)
	}
	got, err := rf.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("large payload round trip mismatch after multi-chunk growth")
	}
}

func TestRecordFileCompactPreservesContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rf.dat")
	rf, err := New(path, Options{ID: "compact", Capacity: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	want := map[int]string{
		0: "alpha",
		2: "beta",
		5: "a somewhat longer value to force an append",
	}
	for slot, v := range want {
		if err := rf.Set(slot, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := rf.Delete(2); err != nil {
		t.Fatal(err)
	}
	delete(want, 2)

	tmp := filepath.Join(dir, "rf.dat.compact")
	if err := rf.Compact(tmp, 1234567890, CompactOptions{}); err != nil {
		t.Fatal(err)
	}

	for slot, v := range want {
		got, err := rf.Get(slot)
		if err != nil {
			t.Fatalf("slot %d: %v", slot, err)
		}
		if string(got) != v {
			t.Fatalf("slot %d: got %q want %q", slot, got, v)
		}
	}
	if _, err := rf.Get(2); err == nil {
		t.Fatal("expected deleted slot 2 to remain empty after compact")
	}
	if rf.CompactedTime() != 1234567890 {
		t.Fatalf("CompactedTime() = %d, want 1234567890", rf.CompactedTime())
	}
}

func TestRecordFileOpenTruncatesTrailingGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rf.dat")
	rf, err := New(path, Options{ID: "tripwire", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Set(0, []byte("value")); err != nil {
		t.Fatal(err)
	}
	rf.Close()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("stray trailing bytes")); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := Open(path, Options{ID: "tripwire", Capacity: 4})
	if err != nil {
		t.Fatalf("Open should tolerate and truncate trailing garbage, got: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestRecordFileCompactRekeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rf.dat")
	rf, err := New(path, Options{ID: "rekey", Capacity: 4, MasterKey: []byte("key-one")})
	if err != nil {
		t.Fatal(err)
	}
	if err := rf.Set(0, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, "rf.dat.compact")
	if err := rf.Compact(tmp, 100, CompactOptions{NewMasterKey: []byte("key-two")}); err != nil {
		t.Fatal(err)
	}
	got, err := rf.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q after rekey compact", got)
	}
	rf.Close()

	if _, err := Open(path, Options{ID: "rekey", Capacity: 4, MasterKey: []byte("key-two")}); err != nil {
		t.Fatalf("expected open under new key to succeed: %v", err)
	}
	if _, err := Open(path, Options{ID: "rekey", Capacity: 4, MasterKey: []byte("key-one")}); err == nil {
		t.Fatal("expected open under the old key to fail after rekey compact")
	}
}

func TestRecordFileCompactSkipsWhenClean(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rf.dat")
	rf, err := New(path, Options{ID: "clean", Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if err := rf.Set(0, []byte("v")); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, "rf.dat.compact")
	if err := rf.Compact(tmp, 111, CompactOptions{}); err != nil {
		t.Fatal(err)
	}
	if rf.CompactedTime() != 111 {
		t.Fatalf("expected first compact to run, CompactedTime() = %d", rf.CompactedTime())
	}

	// No writes since the last compact and no re-keying: a second Compact
	// call should be a no-op, leaving the timestamp untouched.
	if err := rf.Compact(tmp, 222, CompactOptions{}); err != nil {
		t.Fatal(err)
	}
	if rf.CompactedTime() != 111 {
		t.Fatalf("expected unforced compact on a clean file to be skipped, CompactedTime() = %d", rf.CompactedTime())
	}

	if err := rf.Compact(tmp, 333, CompactOptions{Force: true}); err != nil {
		t.Fatal(err)
	}
	if rf.CompactedTime() != 333 {
		t.Fatalf("expected Force to rewrite even a clean file, CompactedTime() = %d", rf.CompactedTime())
	}
}
