package search

import "testing"

type fakeRanker map[int][2]uint32 // id -> (threadID, rank)

func (f fakeRanker) ThreadAndRank(id int) (int, uint32) {
	pair := f[id]
	return int(pair[0]), pair[1]
}

func TestThreadSortCoalescesAdjacentRuns(t *testing.T) {
	ranker := fakeRanker{
		1: {10, 1}, // thread 10
		2: {10, 2}, // thread 10, later reply
		3: {20, 3}, // thread 20
	}
	hits := ids(1, 2, 3)
	groups := ThreadSort(hits, ranker, nil, false)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
	if groups[0].ThreadID != 10 || len(groups[0].Members) != 2 {
		t.Fatalf("expected thread 10 coalesced with 2 members, got %+v", groups[0])
	}
	if groups[1].ThreadID != 20 || len(groups[1].Members) != 1 {
		t.Fatalf("expected thread 20 with 1 member, got %+v", groups[1])
	}
}

func TestThreadSortCoalescesInterleavedRanks(t *testing.T) {
	ranker := fakeRanker{
		1: {100, 1}, // thread 100, first message
		2: {200, 3}, // thread 200, only message, interleaved between A's two
		3: {100, 5}, // thread 100, later reply
	}
	hits := ids(1, 2, 3)
	groups := ThreadSort(hits, ranker, nil, false)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(groups), groups)
	}
	if groups[0].ThreadID != 100 || len(groups[0].Members) != 2 {
		t.Fatalf("expected thread 100 coalesced with 2 members despite interleaved rank, got %+v", groups[0])
	}
	if groups[0].Members[0] != 1 || groups[0].Members[1] != 3 {
		t.Fatalf("expected thread 100's members in rank order, got %+v", groups[0].Members)
	}
	if groups[1].ThreadID != 200 || len(groups[1].Members) != 1 {
		t.Fatalf("expected thread 200 with 1 member, got %+v", groups[1])
	}
	// thread 100's minimum rank (1) is lower than thread 200's (3), so it
	// must sort first even though message 2 (thread 200) falls between
	// thread 100's two messages by rank.
	if groups[0].Rank != 1 || groups[1].Rank != 3 {
		t.Fatalf("expected groups sorted by minimum rank, got %+v", groups)
	}
}

func TestThreadSortDescendingReverses(t *testing.T) {
	ranker := fakeRanker{1: {1, 1}, 2: {2, 2}}
	hits := ids(1, 2)
	asc := ThreadSort(hits, ranker, nil, false)
	desc := ThreadSort(hits, ranker, nil, true)
	if asc[0].ThreadID != desc[len(desc)-1].ThreadID {
		t.Fatalf("expected descending to reverse ascending order, got %+v vs %+v", asc, desc)
	}
}

func TestThreadSortFloatsUrgentToTop(t *testing.T) {
	ranker := fakeRanker{
		1: {1, 1},
		2: {2, 2},
		3: {3, 3},
	}
	hits := ids(1, 2, 3)
	urgent := ids(3) // thread 3's only message is flagged urgent
	groups := ThreadSort(hits, ranker, urgent, false)
	if groups[0].ThreadID != 3 || !groups[0].Urgent {
		t.Fatalf("expected urgent thread 3 floated to top, got %+v", groups)
	}
	if groups[1].ThreadID != 1 || groups[2].ThreadID != 2 {
		t.Fatalf("expected non-urgent threads to keep relative order, got %+v", groups)
	}
}
