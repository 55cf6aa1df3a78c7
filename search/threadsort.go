package search

import "sort"

// ThreadRanker supplies the per-id (thread id, date rank) pair a ThreadGroup
// sort needs. metadata.Store satisfies this directly: its thread_ids and
// rank_by_date side columns are exactly this pair, indexed by the same
// Metadata index this package calls a document id.
type ThreadRanker interface {
	ThreadAndRank(id int) (threadID int, rank uint32)
}

// ThreadGroup is one coalesced run of hits sharing a thread id, moggie's
// "thread mode" search result shape: a flat hit set becomes one entry per
// conversation instead of one per message.
type ThreadGroup struct {
	ThreadID int
	Rank     uint32 // the group's sort key: its earliest member's rank
	Members  []int  // ascending by (rank, id)
	Urgent   bool
}

// ThreadSort groups hits into ThreadGroups: hits are sorted primarily by
// thread id (so every message of a thread becomes adjacent regardless of
// its own rank), secondarily by (rank, id) within a thread; adjacent runs
// are then coalesced into one group keyed by the run's minimum rank. The
// resulting groups are re-sorted by that rank before the whole list is
// reversed if descending is set — matching moggie's kittens/metadata.py,
// which sorts hits by (tid, ts, idx) to coalesce, then separately sorts the
// coalesced groups by their own timestamp for final display order. If
// urgent is non-nil, groups containing any id present in urgent are floated
// to the front of the result, preserving the relative order within each of
// the urgent and non-urgent partitions — moggie's "in:urgent" float-to-top
// behavior for unread/flagged threads.
func ThreadSort(hits *IntSet, ranker ThreadRanker, urgent *IntSet, descending bool) []ThreadGroup {
	ids := hits.Items()
	sort.Slice(ids, func(i, j int) bool {
		ti, ri := ranker.ThreadAndRank(ids[i])
		tj, rj := ranker.ThreadAndRank(ids[j])
		if ti != tj {
			return ti < tj
		}
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})

	var groups []ThreadGroup
	for _, id := range ids {
		tid, rank := ranker.ThreadAndRank(id)
		if n := len(groups); n > 0 && groups[n-1].ThreadID == tid {
			groups[n-1].Members = append(groups[n-1].Members, id)
			continue
		}
		groups = append(groups, ThreadGroup{ThreadID: tid, Rank: rank, Members: []int{id}})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Rank < groups[j].Rank
	})

	if urgent != nil {
		for i := range groups {
			for _, id := range groups[i].Members {
				if urgent.Contains(id) {
					groups[i].Urgent = true
					break
				}
			}
		}
	}

	if descending {
		for l, r := 0, len(groups)-1; l < r; l, r = l+1, r-1 {
			groups[l], groups[r] = groups[r], groups[l]
		}
	}

	if urgent == nil {
		return groups
	}
	floated := make([]ThreadGroup, 0, len(groups))
	rest := make([]ThreadGroup, 0, len(groups))
	for _, g := range groups {
		if g.Urgent {
			floated = append(floated, g)
		} else {
			rest = append(rest, g)
		}
	}
	return append(floated, rest...)
}
