package search

import (
	"regexp"
	"sort"
	"strings"
)

// wordblobBoundary delimits entries in a wordblob: a single newline before
// and after every word, so a regex anchored on '\n' never matches a
// substring straddling two unrelated words.
const wordblobBoundary = "\n"

// CreateWordblob builds a fresh wordblob from words: a newline-delimited,
// deduplicated, sorted list, framed by a leading and trailing newline so
// every entry has boundary characters on both sides. Sorting groups
// shared prefixes together, which is what makes a glob-to-regex partial
// search over the blob cheap.
func CreateWordblob(words []string) []byte {
	seen := map[string]bool{}
	unique := make([]string, 0, len(words))
	for _, w := range words {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		unique = append(unique, w)
	}
	sort.Strings(unique)
	return []byte(wordblobBoundary + strings.Join(unique, wordblobBoundary) + wordblobBoundary)
}

// UpdateWordblob adds newWords to an existing blob, rebuilding it in sorted
// order (the common case — callers doing a full keyword rescan).
func UpdateWordblob(blob []byte, newWords []string) []byte {
	existing := wordsOf(blob)
	return CreateWordblob(append(existing, newWords...))
}

// UpdateWordblobLRU adds newWords to the front of the blob without
// re-sorting, so the most recently touched words cluster at the start.
// Candidates with a non-zero order reads that clustering as a recency
// signal — used when the caller is maintaining e.g. a "recently used tags"
// blob rather than a dictionary of every known word.
func UpdateWordblobLRU(blob []byte, newWords []string) []byte {
	existing := wordsOf(blob)
	seen := map[string]bool{}
	merged := make([]string, 0, len(newWords)+len(existing))
	for _, w := range newWords {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		merged = append(merged, w)
	}
	for _, w := range existing {
		if seen[w] {
			continue
		}
		seen[w] = true
		merged = append(merged, w)
	}
	return []byte(wordblobBoundary + strings.Join(merged, wordblobBoundary) + wordblobBoundary)
}

func wordsOf(blob []byte) []string {
	parts := strings.Split(string(blob), wordblobBoundary)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// globToRegexp turns a partial-match term (where '*' means "zero or more
// characters") into a regexp matching one whole wordblob entry, anchored at
// both ends of the entry (not the blob's boundary newlines — entries are
// matched individually by Candidates, not against the raw blob text).
func globToRegexp(term string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range term {
		switch r {
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// Candidates returns up to max words in blob matching term (which may
// contain '*' wildcards), in the order controlled by order:
// order == 0 ranks shortest matches first (the closest match to a literal
// term), order != 0 preserves the blob's own entry order (used for LRU
// blobs, where position already encodes recency).
//
// Entries are matched one at a time against wordsOf(blob), not with a
// single regexp.FindAllString pass over the raw blob text: FindAllString
// returns non-overlapping matches, and adjacent entries in the blob share a
// single boundary newline (".../tag:home\ntag:workout\ntag:work/..."), so a
// match ending at that shared '\n' would consume it and silently hide the
// next entry's own leading boundary.
func Candidates(term string, blob []byte, max int, order int) ([]string, error) {
	re, err := globToRegexp(term)
	if err != nil {
		return nil, err
	}

	var words []string
	for _, w := range wordsOf(blob) {
		if re.MatchString(w) {
			words = append(words, w)
		}
	}

	if order == 0 {
		words = pruneLongest(words, max)
	} else if max > 0 && len(words) > max {
		words = words[:max]
	}
	return words, nil
}

// pruneLongest keeps the max shortest entries, breaking ties
// lexicographically — moggie's _prune_longest, which biases results toward
// the term itself rather than long compound words that happen to contain
// it as a substring-after-wildcard-expansion.
func pruneLongest(words []string, max int) []string {
	sorted := append([]string(nil), words...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}
