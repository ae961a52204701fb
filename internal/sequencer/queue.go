package sequencer

import (
	"container/heap"
	"time"

	"github.com/fieldcap/irrigator/internal/zone"
)

// Job is one queued actuation. Grouped bursts (§4.5 Grouping) carry the
// additional zone ids in GroupZoneIDs; a single-zone job leaves it nil.
type Job struct {
	ZoneID       int
	GroupZoneIDs []int
	VolumeMl     float64
	Priority     zone.Priority
	Reason       string
	Emergency    bool
	EnqueuedAt   time.Time

	// RankKey breaks ties within a priority: lower values (drier relative
	// to threshold) run first. Emergency/forced jobs use 0.
	RankKey float64
}

// jobQueue is a container/heap priority queue ordered by:
//  1. Priority descending (Critical > High > Normal > Low)
//  2. RankKey ascending (driest-first)
//  3. EnqueuedAt ascending (FIFO within a tie)
//  4. ZoneID ascending (final deterministic tiebreak)
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RankKey != b.RankKey {
		return a.RankKey < b.RankKey
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ZoneID < b.ZoneID
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) {
	*q = append(*q, x.(*Job))
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// newJobQueue returns an initialized, empty heap-backed queue.
func newJobQueue() *jobQueue {
	q := &jobQueue{}
	heap.Init(q)
	return q
}

func (q *jobQueue) push(j *Job) { heap.Push(q, j) }

func (q *jobQueue) pop() *Job {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Job)
}

// removeZone drops any queued (not-yet-running) job for zoneID, used by
// Cancel. Returns true if a job was removed.
func (q *jobQueue) removeZone(zoneID int) bool {
	for i, j := range *q {
		if j.ZoneID == zoneID {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}
