package search

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TagOp is one keyword's worth of a tagging operation: the ids added to its
// posting list and the ids removed from it. A single logical operation
// (e.g. "archive these 40 messages") is usually several TagOps — one per
// keyword touched — recorded together as a HistoryEntry so they undo as a
// unit, matching moggie's "batches of tag operations must undo/redo
// atomically" rule for its notmuch-compatible tagging CLI.
type TagOp struct {
	Keyword string
	Added   *IntSet
	Removed *IntSet
}

// inverse returns the TagOp that undoes op: what was added must be removed
// and vice versa.
func (op TagOp) inverse() TagOp {
	return TagOp{Keyword: op.Keyword, Added: op.Removed, Removed: op.Added}
}

// HistoryEntry records one undoable/redoable batch of tag operations.
type HistoryEntry struct {
	ID      string
	Comment string
	Ops     []TagOp
}

// History is an in-memory undo/redo log of tagging operations, the
// direct analogue of moggie's tag history (app/cli/notmuch.py's
// --undo=/--redo=): every Tag call appends an entry; Undo replays its
// inverse and moves it to the redo stack; Redo replays the original and
// moves it back. It does not persist across restarts — moggie's own
// history is similarly a soft, best-effort convenience log, not a
// durability guarantee the way the Record Store or Metadata Store are.
type History struct {
	mu     sync.Mutex
	done   []HistoryEntry
	undone []HistoryEntry
}

func newHistory() *History {
	return &History{}
}

func (h *History) record(comment string, ops []TagOp) HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := HistoryEntry{ID: uuid.NewString(), Comment: comment, Ops: ops}
	h.done = append(h.done, entry)
	h.undone = nil // a fresh operation invalidates any pending redo stack
	return entry
}

// popUndo removes and returns the most recent entry still available to
// undo, or the entry matching id if one is given. The caller is
// responsible for actually applying the inverse ops and, on success,
// calling pushRedone.
func (h *History) popUndo(id string) (HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == "" {
		if len(h.done) == 0 {
			return HistoryEntry{}, fmt.Errorf("search: nothing to undo")
		}
		entry := h.done[len(h.done)-1]
		h.done = h.done[:len(h.done)-1]
		return entry, nil
	}
	for i := len(h.done) - 1; i >= 0; i-- {
		if h.done[i].ID == id {
			entry := h.done[i]
			h.done = append(h.done[:i], h.done[i+1:]...)
			return entry, nil
		}
	}
	return HistoryEntry{}, fmt.Errorf("search: history entry %q not found", id)
}

func (h *History) pushRedone(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undone = append(h.undone, entry)
}

func (h *History) popRedo(id string) (HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id == "" {
		if len(h.undone) == 0 {
			return HistoryEntry{}, fmt.Errorf("search: nothing to redo")
		}
		entry := h.undone[len(h.undone)-1]
		h.undone = h.undone[:len(h.undone)-1]
		return entry, nil
	}
	for i := len(h.undone) - 1; i >= 0; i-- {
		if h.undone[i].ID == id {
			entry := h.undone[i]
			h.undone = append(h.undone[:i], h.undone[i+1:]...)
			return entry, nil
		}
	}
	return HistoryEntry{}, fmt.Errorf("search: history entry %q not found in redo stack", id)
}

func (h *History) pushDone(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = append(h.done, entry)
}

// Entries returns the currently undoable entries, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.done))
	copy(out, h.done)
	return out
}

func (e *Engine) applyOps(ops []TagOp) error {
	for _, op := range ops {
		if op.Added != nil && !op.Added.IsEmpty() {
			if err := e.AddResults(op.Keyword, op.Added); err != nil {
				return err
			}
		}
		if op.Removed != nil && !op.Removed.IsEmpty() {
			if err := e.DelResults(op.Keyword, op.Removed); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tag applies a batch of keyword add/remove operations and records it in
// the engine's undo history, returning the history entry's id.
func (e *Engine) Tag(comment string, ops []TagOp) (string, error) {
	if err := e.applyOps(ops); err != nil {
		return "", err
	}
	entry := e.history.record(comment, ops)
	return entry.ID, nil
}

// Undo reverts the most recent Tag operation (or, if id is non-empty, the
// named one), moving it onto the redo stack.
func (e *Engine) Undo(id string) error {
	entry, err := e.history.popUndo(id)
	if err != nil {
		return err
	}
	inverseOps := make([]TagOp, len(entry.Ops))
	for i, op := range entry.Ops {
		inverseOps[i] = op.inverse()
	}
	if err := e.applyOps(inverseOps); err != nil {
		// Put it back — the undo didn't take, so it's still undoable.
		e.history.pushDone(entry)
		return err
	}
	e.history.pushRedone(entry)
	return nil
}

// Redo reapplies a previously undone Tag operation (the most recent one,
// or the named one), moving it back onto the undo stack.
func (e *Engine) Redo(id string) error {
	entry, err := e.history.popRedo(id)
	if err != nil {
		return err
	}
	if err := e.applyOps(entry.Ops); err != nil {
		e.history.pushRedone(entry)
		return err
	}
	e.history.pushDone(entry)
	return nil
}

// History exposes the engine's undo history for inspection (e.g. a CLI's
// `history` listing).
func (e *Engine) History() []HistoryEntry {
	return e.history.Entries()
}
