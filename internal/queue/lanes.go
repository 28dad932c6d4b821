// internal/queue/lanes.go
package queue

import (
	"container/heap"
	"fmt"
)

// Lane is a priority class with its own workers. Lower values win.
type Lane int

const (
	LaneUrgent Lane = iota
	LaneBatch
	LaneSingle
	LaneBroadcast

	numLanes = 4
)

// Lanes lists every lane in priority order.
var Lanes = [numLanes]Lane{LaneUrgent, LaneBatch, LaneSingle, LaneBroadcast}

func (l Lane) String() string {
	switch l {
	case LaneUrgent:
		return "urgent"
	case LaneBatch:
		return "batch"
	case LaneSingle:
		return "single"
	case LaneBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// LaneFor maps a job kind onto its lane.
func LaneFor(kind Kind) (Lane, bool) {
	switch kind {
	case KindUrgent:
		return LaneUrgent, true
	case KindBatch:
		return LaneBatch, true
	case KindSingle:
		return LaneSingle, true
	case KindBroadcastChunk:
		return LaneBroadcast, true
	default:
		return 0, false
	}
}

// readyHeap orders a lane's waiting jobs by ReadyAt, FIFO on ties.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].ReadyAt.Equal(h[j].ReadyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ReadyAt.Before(h[j].ReadyAt)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}

func (h readyHeap) peek() *Job {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*readyHeap)(nil)
