package search

import (
	"fmt"
	"strings"
)

// ThreadResolver resolves a thread: or tid: query term to the member ids
// of that thread. metadata.Store satisfies this through its ThreadIdxs
// method and is passed in by the caller, so this package never depends on
// metadata.
type ThreadResolver interface {
	ThreadIdxs(threadID int) ([]int, error)
}

// IDResolver is unused by the default id: handling below (id: now names
// literal Metadata indices directly, per spec.md's query-language table),
// but is kept for callers that still want to resolve a Message-Id or UUID
// string to an index through some other term prefix. metadata.Store
// satisfies this.
type IDResolver interface {
	ResolveID(key string) (int, error)
}

// NewMagic builds the default term-magic Magic callback: bare words become
// exact-keyword OpTerm nodes (expanding through the engine's wordblob if
// they contain a '*'), "tag:"/"in:" terms normalize to a single tag
// keyword, "date:"/"dates:" terms expand via DateTermMagic into an OR-chain
// of date keywords, "thread:"/"tid:" terms resolve against threads, and
// "id:" terms parse one or more comma-separated literal Metadata indices
// directly into an OpSet. threads may be nil if the caller never needs
// thread:/tid: terms (they'll error if used); ids is accepted for callers
// that pass one in but is not otherwise used by this default Magic.
func (e *Engine) NewMagic(threads ThreadResolver, ids IDResolver) Magic {
	return func(token string) (*Expr, error) {
		lower := strings.ToLower(token)

		switch {
		case strings.Contains(token, "*"):
			// Glob against the wordblob's full keyword text (including any
			// "tag:"/"date:" prefix), so "tag:work*" matches the stored
			// "tag:work", "tag:workout", ... entries directly.
			matches, err := e.Candidates(lower, 0)
			if err != nil {
				return nil, err
			}
			return orOfKeywords(matches), nil

		case strings.HasPrefix(lower, "tag:") || strings.HasPrefix(lower, "in:"):
			_, value, _ := strings.Cut(token, ":")
			return &Expr{Op: OpTerm, Keyword: "tag:" + strings.ToLower(value)}, nil

		case strings.HasPrefix(lower, "date:") || strings.HasPrefix(lower, "dates:"):
			_, value, _ := strings.Cut(token, ":")
			keywords, err := DateTermMagic(value, now())
			if err != nil {
				return nil, err
			}
			return orOfKeywords(keywords), nil

		case strings.HasPrefix(lower, "thread:") || strings.HasPrefix(lower, "tid:"):
			if threads == nil {
				return nil, fmt.Errorf("search: thread: term used without a thread resolver")
			}
			_, value, _ := strings.Cut(token, ":")
			tid, err := parseInt(value)
			if err != nil {
				return nil, fmt.Errorf("search: bad thread id %q: %w", value, err)
			}
			members, err := threads.ThreadIdxs(tid)
			if err != nil {
				return nil, err
			}
			set := NewIntSet()
			for _, m := range members {
				set.Set(m)
			}
			return &Expr{Op: OpSet, Set: set}, nil

		case strings.HasPrefix(lower, "id:"):
			// id:<n>[,<m>...] names literal Metadata indices directly, not a
			// Message-Id lookup (moggie's app/cli/mailboxes.py builds this
			// term as 'id:' + ','.join(str(i) for i in ...), and
			// kittens/storage.py parses it back with int(i[3:])).
			_, value, _ := strings.Cut(token, ":")
			set := NewIntSet()
			for _, part := range strings.Split(value, ",") {
				idx, err := parseInt(part)
				if err != nil {
					return nil, fmt.Errorf("search: bad id %q: %w", part, err)
				}
				set.Set(idx)
			}
			return &Expr{Op: OpSet, Set: set}, nil

		default:
			return &Expr{Op: OpTerm, Keyword: lower}, nil
		}
	}
}

func orOfKeywords(keywords []string) *Expr {
	if len(keywords) == 0 {
		return &Expr{Op: OpSet, Set: NewIntSet()}
	}
	expr := &Expr{Op: OpTerm, Keyword: keywords[0]}
	for _, kw := range keywords[1:] {
		expr = &Expr{Op: OpOr, Children: []*Expr{expr, {Op: OpTerm, Keyword: kw}}}
	}
	return expr
}

func parseInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
