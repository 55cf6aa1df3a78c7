package search

import "testing"

func TestCandidatesMatchesAdjacentEntries(t *testing.T) {
	blob := CreateWordblob([]string{"tag:home", "tag:workout", "tag:work"})
	if string(blob) != "\ntag:home\ntag:work\ntag:workout\n" {
		t.Fatalf("unexpected blob layout: %q", blob)
	}

	words, err := Candidates("tag:work*", blob, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, w := range words {
		got[w] = true
	}
	if !got["tag:work"] || !got["tag:workout"] {
		t.Fatalf("expected both adjacent entries to match, got %v", words)
	}
}

func TestCandidatesExactMatchOnly(t *testing.T) {
	blob := CreateWordblob([]string{"tag:home", "tag:work"})
	words, err := Candidates("tag:work", blob, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 1 || words[0] != "tag:work" {
		t.Fatalf("got %v", words)
	}
}
