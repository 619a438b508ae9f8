package master

import (
	"fmt"

	"github.com/arloliu/go-ecat/frame"
)

// Range is a byte range of the process image.
type Range struct {
	Offset int
	Length int
}

// End returns the first offset behind r.
func (r Range) End() int { return r.Offset + r.Length }

// Overlaps reports whether r and o share a byte.
func (r Range) Overlaps(o Range) bool {
	return r.Length > 0 && o.Length > 0 && r.Offset < o.End() && o.Offset < r.End()
}

// IOSize is the process data size of one slave in bytes.
type IOSize struct {
	Outputs int
	Inputs  int
}

// Layout places the process data of every slave in one image. The
// outputs of all slaves come first in ring order, followed by all inputs.
type Layout struct {
	Outputs     []Range
	Inputs      []Range
	OutputBytes int
	InputBytes  int
}

// Size returns the image size in bytes.
func (l *Layout) Size() int { return l.OutputBytes + l.InputBytes }

// ComputeLayout assigns non overlapping ranges to sizes in order. Slaves
// without data in a direction get an empty range at the current offset.
func ComputeLayout(sizes []IOSize, capacity int) (*Layout, error) {
	l := &Layout{
		Outputs: make([]Range, len(sizes)),
		Inputs:  make([]Range, len(sizes)),
	}

	for i, s := range sizes {
		if s.Outputs < 0 || s.Inputs < 0 {
			return nil, fmt.Errorf("master: negative process data size of slave %d", i)
		}
		l.Outputs[i] = Range{Offset: l.OutputBytes, Length: s.Outputs}
		l.OutputBytes += s.Outputs
	}

	off := l.OutputBytes
	for i, s := range sizes {
		l.Inputs[i] = Range{Offset: off, Length: s.Inputs}
		off += s.Inputs
	}
	l.InputBytes = off - l.OutputBytes

	if l.Size() > capacity {
		return nil, fmt.Errorf("%w: %d bytes, capacity %d", ErrImageTooLarge, l.Size(), capacity)
	}

	return l, nil
}

// segment is the logical range covered by one LRW datagram.
type segment struct {
	Range
}

// buildSegments covers [0, size) with contiguous segments of at most
// limit bytes. Segments end on range boundaries where a boundary falls
// within the limit, so that the data of one slave is split only when it
// is larger than a segment.
func buildSegments(l *Layout, limit int) []segment {
	size := l.Size()
	if size == 0 {
		return nil
	}

	bounds := make(map[int]bool)
	for _, rs := range [][]Range{l.Outputs, l.Inputs} {
		for _, r := range rs {
			bounds[r.End()] = true
		}
	}

	var segs []segment
	for start := 0; start < size; {
		end := min(start+limit, size)
		if end < size {
			cut := end
			for cut > start && !bounds[cut] {
				cut--
			}
			if cut > start {
				end = cut
			}
		}
		segs = append(segs, segment{Range{Offset: start, Length: end - start}})
		start = end
	}

	return segs
}

// defaultSegmentLimit is the data size of one LRW datagram.
const defaultSegmentLimit = frame.MaxDataSize

// expected returns the working counter an LRW over seg returns when every
// participating slave answers, and the slaves contributing to it.
func (seg segment) expected(slaves []*slave) (uint16, []SlaveID) {
	var wkc uint16
	var ids []SlaveID
	for _, s := range slaves {
		if !s.participates() {
			continue
		}
		var n uint16
		if seg.Overlaps(s.Output) {
			n += 2
		}
		if seg.Overlaps(s.Input) {
			n++
		}
		if n > 0 {
			wkc += n
			ids = append(ids, s.ID)
		}
	}

	return wkc, ids
}
