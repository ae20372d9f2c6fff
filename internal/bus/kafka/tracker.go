package kafka

import "github.com/segmentio/kafka-go"

// offsetTracker finds, per partition, the highest offset below which every
// fetched message has been processed. Messages complete out of order across
// lanes; only a contiguous prefix may be committed.
//
// It is owned by a single goroutine.
type offsetTracker struct {
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	// inflight holds fetched offsets in fetch order, which is ascending.
	inflight []int64
	done     map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) partition(p int) *partitionOffsets {
	po, ok := t.partitions[p]
	if !ok {
		po = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[p] = po
	}
	return po
}

// track records a fetched message. It must be called before complete for the
// same message.
func (t *offsetTracker) track(m kafka.Message) {
	po := t.partition(m.Partition)
	po.inflight = append(po.inflight, m.Offset)
}

// complete marks m processed and returns the message to commit, if the
// contiguous prefix advanced.
func (t *offsetTracker) complete(m kafka.Message) (kafka.Message, bool) {
	po := t.partition(m.Partition)
	po.done[m.Offset] = m

	var (
		last     kafka.Message
		advanced bool
	)
	for len(po.inflight) > 0 {
		head := po.inflight[0]
		dm, ok := po.done[head]
		if !ok {
			break
		}
		delete(po.done, head)
		po.inflight = po.inflight[1:]
		last, advanced = dm, true
	}
	return last, advanced
}

// pending returns the number of fetched, uncommitted messages.
func (t *offsetTracker) pending() int {
	var n int
	for _, po := range t.partitions {
		n += len(po.inflight)
	}
	return n
}
