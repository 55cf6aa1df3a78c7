package search

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mailpile/moggie-core/store"
)

// Config tunes an Engine. There is no config-file format — tunables are
// constructor options, the same way every other store in this module
// takes an Options struct instead of reading a TOML/YAML file.
type Config struct {
	Dir string
	ID  string

	// L1Keywords bounds how many distinct keywords get a dedicated Record
	// Store slot before new keywords start sharing hashed L2 buckets.
	// Keep this to the genuinely hot, short keyword set (tag:, date:
	// year/month granularity) — the rest amortizes fine in L2.
	L1Keywords int
	// L2Buckets is the hashed bucket count new keywords share once
	// L1Keywords dedicated slots are exhausted.
	L2Buckets int
	// ShardCapacity is forwarded to both underlying Record Stores.
	ShardCapacity int

	MasterKey []byte
	Logf      func(format string, args ...interface{})
}

func (c *Config) logf(format string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

func (c *Config) defaults() Config {
	out := *c
	if out.L1Keywords <= 0 {
		out.L1Keywords = 512000
	}
	if out.L2Buckets <= 0 {
		out.L2Buckets = 4 * 1024 * 1024
	}
	if out.ShardCapacity <= 0 {
		out.ShardCapacity = 4096
	}
	return out
}

const deletedTombstoneKey = "__deleted__"
const wordblobKey = "__wordblob__"

// Engine is moggie's keyword inverted index: an L1 store of dedicated
// per-keyword posting lists, an L2 store of hashed posting-list buckets for
// the long tail, a deleted-id tombstone set subtracted from every search
// result, and a wordblob for partial-match candidate expansion.
type Engine struct {
	opts Config

	mu            sync.Mutex
	l1            *store.Store
	l2            *store.Store
	l1Count       int
	knownKeywords map[string]bool
	wordblob      []byte
	deleted       *IntSet
	universe      int
	history       *History
	instanceID    string
}

// New creates a fresh Engine.
func New(opts Config) (*Engine, error) {
	opts = opts.defaults()
	l1, err := store.New(store.StoreOptions{Dir: opts.Dir + "/l1", ID: opts.ID + "-l1", ShardCapacity: opts.ShardCapacity, MasterKey: opts.MasterKey, Logf: opts.Logf})
	if err != nil {
		return nil, err
	}
	l2, err := store.New(store.StoreOptions{Dir: opts.Dir + "/l2", ID: opts.ID + "-l2", ShardCapacity: opts.L2Buckets, MasterKey: opts.MasterKey, Logf: opts.Logf})
	if err != nil {
		l1.Close()
		return nil, err
	}
	return &Engine{
		opts:          opts,
		l1:            l1,
		l2:            l2,
		knownKeywords: map[string]bool{},
		deleted:       NewIntSet(),
		history:       newHistory(),
		instanceID:    uuid.NewString(),
	}, nil
}

// Open opens an existing Engine, restoring its tombstone set and wordblob.
func Open(opts Config) (*Engine, error) {
	opts = opts.defaults()
	l1, err := store.Open(store.StoreOptions{Dir: opts.Dir + "/l1", ID: opts.ID + "-l1", ShardCapacity: opts.ShardCapacity, MasterKey: opts.MasterKey, Logf: opts.Logf})
	if err != nil {
		return nil, err
	}
	l2, err := store.Open(store.StoreOptions{Dir: opts.Dir + "/l2", ID: opts.ID + "-l2", ShardCapacity: opts.L2Buckets, MasterKey: opts.MasterKey, Logf: opts.Logf})
	if err != nil {
		l1.Close()
		return nil, err
	}
	e := &Engine{
		opts:          opts,
		l1:            l1,
		l2:            l2,
		knownKeywords: map[string]bool{},
		deleted:       NewIntSet(),
		history:       newHistory(),
		instanceID:    uuid.NewString(),
	}
	// Every L1 slot is a keyword except the tombstone and wordblob entries.
	e.l1Count = l1.Len()
	if payload, _, err := l1.GetByKey(deletedTombstoneKey); err == nil {
		e.deleted = DecodeIntSet(payload)
		e.l1Count--
	}
	if payload, _, err := l1.GetByKey(wordblobKey); err == nil {
		e.l1Count--
		e.wordblob = payload
		for _, w := range wordsOf(payload) {
			e.knownKeywords[w] = true
		}
	}
	return e, nil
}

// Compact rewrites both the L1 and L2 underlying Record Stores. Passing a
// non-nil newMasterKey re-keys every shard of both; force rewrites shards
// even if nothing changed since their last compaction.
func (e *Engine) Compact(unixTime int64, newMasterKey []byte, force bool) error {
	opts := store.CompactOptions{NewMasterKey: newMasterKey, Force: force}
	if err := e.l1.Compact(unixTime, opts); err != nil {
		return err
	}
	if err := e.l2.Compact(unixTime, opts); err != nil {
		return err
	}
	if newMasterKey != nil {
		e.mu.Lock()
		e.opts.MasterKey = newMasterKey
		e.mu.Unlock()
	}
	return nil
}

// InstanceID returns this Engine's process-lifetime identifier, used as a
// sync id when coordinating incremental reindex runs with a caller.
func (e *Engine) InstanceID() string { return e.instanceID }

// Close closes both underlying stores.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.l1.Close(); err != nil {
		firstErr = err
	}
	if err := e.l2.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetUniverse records n as the size of the id space `*` (OpAll) expands to
// — normally the Metadata Store's Len().
func (e *Engine) SetUniverse(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.universe = n
}

func (e *Engine) bucketFor(keyword string) int {
	return int(xxhash.Sum64String(keyword) % uint64(e.opts.L2Buckets))
}

func (e *Engine) noteKeywordLocked(keyword string) {
	if e.knownKeywords[keyword] {
		return
	}
	e.knownKeywords[keyword] = true
	e.wordblob = UpdateWordblobLRU(e.wordblob, []string{keyword})
	if _, err := e.l1.SetByKey(wordblobKey, e.wordblob); err != nil {
		e.opts.logf("search: persisting wordblob: %v", err)
	}
}

// AddResults merges ids into keyword's posting list, routing to a
// dedicated L1 slot while there's room and to a hashed L2 bucket once
// L1Keywords dedicated slots are exhausted.
func (e *Engine) AddResults(keyword string, ids *IntSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, idx, err := e.l1.GetByKey(keyword); err == nil {
		existing, gerr := e.l1.Get(idx)
		if gerr != nil {
			return gerr
		}
		merged := DecodeIntSet(existing)
		merged.Or(ids)
		if err := e.l1.Set(idx, merged.Encode()); err != nil {
			return err
		}
		e.noteKeywordLocked(keyword)
		return nil
	}

	if e.l1Count < e.opts.L1Keywords {
		if _, err := e.l1.SetByKey(keyword, ids.Encode()); err != nil {
			return err
		}
		e.l1Count++
		e.noteKeywordLocked(keyword)
		return nil
	}

	bucket := e.bucketFor(keyword)
	existing, err := e.l2.Get(bucket)
	var plb *PostingListBucket
	if err == nil {
		plb, err = ParsePostingListBucket(existing)
		if err != nil {
			return err
		}
	} else {
		plb = &PostingListBucket{}
	}
	plb.Add(keyword, ids)
	if err := e.l2.Set(bucket, plb.Encode()); err != nil {
		return err
	}
	e.noteKeywordLocked(keyword)
	return nil
}

// DelResults removes ids from keyword's posting list.
func (e *Engine) DelResults(keyword string, ids *IntSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, idx, err := e.l1.GetByKey(keyword); err == nil {
		existing, gerr := e.l1.Get(idx)
		if gerr != nil {
			return gerr
		}
		merged := DecodeIntSet(existing)
		merged.Sub(ids)
		return e.l1.Set(idx, merged.Encode())
	}

	bucket := e.bucketFor(keyword)
	existing, err := e.l2.Get(bucket)
	if err != nil {
		return nil // nothing to remove
	}
	plb, err := ParsePostingListBucket(existing)
	if err != nil {
		return err
	}
	plb.Remove(keyword, ids)
	return e.l2.Set(bucket, plb.Encode())
}

// Get returns keyword's posting list (an empty set, not an error, if the
// keyword has never been indexed).
func (e *Engine) Get(keyword string) (*IntSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getLocked(keyword)
}

func (e *Engine) getLocked(keyword string) (*IntSet, error) {
	if payload, _, err := e.l1.GetByKey(keyword); err == nil {
		return DecodeIntSet(payload), nil
	}
	bucket := e.bucketFor(keyword)
	existing, err := e.l2.Get(bucket)
	if err != nil {
		return NewIntSet(), nil
	}
	plb, err := ParsePostingListBucket(existing)
	if err != nil {
		return nil, err
	}
	if iset := plb.Get(keyword); iset != nil {
		return iset, nil
	}
	return NewIntSet(), nil
}

// MarkDeleted tombstones id: it's subtracted from every future Search
// result. Compact leaves the tombstone set unchanged.
func (e *Engine) MarkDeleted(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted.Set(id)
	_, err := e.l1.SetByKey(deletedTombstoneKey, e.deleted.Encode())
	return err
}

// Candidates returns wordblob matches for a partial-match term (containing
// '*'), used by bare query words that include a wildcard.
func (e *Engine) Candidates(term string, max int) ([]string, error) {
	e.mu.Lock()
	blob := e.wordblob
	e.mu.Unlock()
	return Candidates(term, blob, max, 0)
}

// Evaluate walks a parsed query Expr, resolving OpTerm leaves against the
// posting-list stores and OpAll against the configured universe size.
func (e *Engine) Evaluate(expr *Expr) (*IntSet, error) {
	switch expr.Op {
	case OpAll:
		e.mu.Lock()
		n := e.universe
		e.mu.Unlock()
		return All(n), nil
	case OpSet:
		return expr.Set.Clone(), nil
	case OpTerm:
		return e.Get(expr.Keyword)
	case OpAnd:
		left, err := e.Evaluate(expr.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.Evaluate(expr.Children[1])
		if err != nil {
			return nil, err
		}
		left.And(right)
		return left, nil
	case OpOr:
		left, err := e.Evaluate(expr.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.Evaluate(expr.Children[1])
		if err != nil {
			return nil, err
		}
		left.Or(right)
		return left, nil
	case OpAndNot:
		left, err := e.Evaluate(expr.Children[0])
		if err != nil {
			return nil, err
		}
		right, err := e.Evaluate(expr.Children[1])
		if err != nil {
			return nil, err
		}
		left.Sub(right)
		return left, nil
	default:
		return nil, fmt.Errorf("search: unknown expr op %d", expr.Op)
	}
}

// Search parses and evaluates query, masking out tombstoned ids.
func (e *Engine) Search(query string, magic Magic) (*IntSet, error) {
	expr, err := ParseGreedy(Tokenize(query), magic)
	if err != nil {
		return nil, err
	}
	result, err := e.Evaluate(expr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	result.Sub(e.deleted)
	e.mu.Unlock()
	return result, nil
}

// ExplainQuery parses query and renders its evaluation tree without
// running it, for debugging — moggie's engine.explain().
func ExplainQuery(query string, magic Magic) (string, error) {
	expr, err := ParseGreedy(Tokenize(query), magic)
	if err != nil {
		return "", err
	}
	return Explain(expr), nil
}

// now is a package-level indirection so tests can pin "the current time"
// for date: term magic without reaching into unexported state.
var now = time.Now
