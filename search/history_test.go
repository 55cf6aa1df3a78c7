package search

import "testing"

func TestEngineTagUndoRedo(t *testing.T) {
	e := newTestEngine(t)
	e.AddResults("tag:inbox", ids(1, 2, 3))

	id, err := e.Tag("archive", []TagOp{
		{Keyword: "tag:inbox", Removed: ids(1, 2)},
		{Keyword: "tag:archive", Added: ids(1, 2)},
	})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a history id")
	}

	inbox, _ := e.Get("tag:inbox")
	archive, _ := e.Get("tag:archive")
	if inbox.Contains(1) || inbox.Contains(2) || !inbox.Contains(3) {
		t.Fatalf("inbox after tag: %v", inbox.Items())
	}
	if !archive.Contains(1) || !archive.Contains(2) {
		t.Fatalf("archive after tag: %v", archive.Items())
	}

	if err := e.Undo(""); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	inbox, _ = e.Get("tag:inbox")
	archive, _ = e.Get("tag:archive")
	if !inbox.Contains(1) || !inbox.Contains(2) || !inbox.Contains(3) {
		t.Fatalf("inbox after undo: %v", inbox.Items())
	}
	if archive.Contains(1) || archive.Contains(2) {
		t.Fatalf("archive after undo: %v", archive.Items())
	}

	if err := e.Redo(""); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	inbox, _ = e.Get("tag:inbox")
	archive, _ = e.Get("tag:archive")
	if inbox.Contains(1) || inbox.Contains(2) {
		t.Fatalf("inbox after redo: %v", inbox.Items())
	}
	if !archive.Contains(1) || !archive.Contains(2) {
		t.Fatalf("archive after redo: %v", archive.Items())
	}
}

func TestEngineUndoWithNoHistoryErrors(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Undo(""); err == nil {
		t.Fatalf("expected error undoing with empty history")
	}
}

func TestEngineUndoByID(t *testing.T) {
	e := newTestEngine(t)
	id1, _ := e.Tag("first", []TagOp{{Keyword: "tag:a", Added: ids(1)}})
	_, _ = e.Tag("second", []TagOp{{Keyword: "tag:b", Added: ids(2)}})

	if err := e.Undo(id1); err != nil {
		t.Fatalf("Undo(id1): %v", err)
	}
	a, _ := e.Get("tag:a")
	b, _ := e.Get("tag:b")
	if a.Contains(1) {
		t.Fatalf("expected tag:a cleared, got %v", a.Items())
	}
	if !b.Contains(2) {
		t.Fatalf("expected tag:b untouched, got %v", b.Items())
	}
}

func TestHistoryEntriesListsUndoable(t *testing.T) {
	e := newTestEngine(t)
	e.Tag("one", []TagOp{{Keyword: "tag:a", Added: ids(1)}})
	e.Tag("two", []TagOp{{Keyword: "tag:b", Added: ids(2)}})

	entries := e.History()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Comment != "one" || entries[1].Comment != "two" {
		t.Fatalf("got %+v", entries)
	}
}
