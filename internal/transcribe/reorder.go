package transcribe

import (
	"slices"

	"github.com/GriffinCanCode/voicelog/internal/audio"
)

// reorderBuffer holds completed segments until every lower index has been
// released.
type reorderBuffer struct {
	next int
	held map[int]audio.Segment
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{held: make(map[int]audio.Segment)}
}

// push adds seg and returns the run of segments now releasable in order.
func (b *reorderBuffer) push(seg audio.Segment) []audio.Segment {
	if seg.Index < b.next {
		return nil // duplicate
	}
	b.held[seg.Index] = seg

	var out []audio.Segment
	for {
		s, ok := b.held[b.next]
		if !ok {
			return out
		}
		delete(b.held, b.next)
		out = append(out, s)
		b.next++
	}
}

// drain returns whatever is still held, in index order. Only reachable if
// the input skipped an index.
func (b *reorderBuffer) drain() []audio.Segment {
	idx := make([]int, 0, len(b.held))
	for i := range b.held {
		idx = append(idx, i)
	}
	slices.Sort(idx)

	out := make([]audio.Segment, 0, len(idx))
	for _, i := range idx {
		out = append(out, b.held[i])
		delete(b.held, i)
	}
	if len(idx) > 0 {
		b.next = idx[len(idx)-1] + 1
	}
	return out
}

func (b *reorderBuffer) pending() int { return len(b.held) }
