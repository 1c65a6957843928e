package timeline

// segment is one scheduled buffer on the timeline.
type segment struct {
	start   int64   // absolute start position in samples
	samples []int16 // already at the timeline's sample rate
	seq     uint64  // monotonic insertion order for tie-breaking
	onEnded func()
	stopped bool
}

// end returns the absolute position one past the segment's last sample.
func (s *segment) end() int64 { return s.start + int64(len(s.samples)) }

// segmentHeap implements [container/heap.Interface] as a min-heap ordered by
// start position, with FIFO tie-breaking on seq.
type segmentHeap []*segment

func (h segmentHeap) Len() int { return len(h) }

// Less reports whether element i should start before element j.
func (h segmentHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *segmentHeap) Push(x any) {
	*h = append(*h, x.(*segment))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
