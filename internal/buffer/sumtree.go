package buffer

// sumTree is a binary indexed tree over leaf priorities supporting
// O(log n) updates and prefix-sum sampling. Leaf i lives at array
// index i+capacity-1. Not safe for concurrent use; the buffer's lock
// guards it.
type sumTree struct {
	capacity int
	nodes    []float64
}

func newSumTree(capacity int) *sumTree {
	return &sumTree{
		capacity: capacity,
		nodes:    make([]float64, 2*capacity-1),
	}
}

// total returns the sum of all leaf priorities.
func (t *sumTree) total() float64 {
	return t.nodes[0]
}

// priority returns the priority of leaf i.
func (t *sumTree) priority(i int) float64 {
	return t.nodes[i+t.capacity-1]
}

// update sets leaf i to priority p and propagates the delta upward.
func (t *sumTree) update(i int, p float64) {
	idx := i + t.capacity - 1
	delta := p - t.nodes[idx]
	t.nodes[idx] = p
	for idx > 0 {
		idx = (idx - 1) / 2
		t.nodes[idx] += delta
	}
}

// find returns the leaf index whose cumulative priority range contains
// s, where 0 <= s < total().
func (t *sumTree) find(s float64) int {
	idx := 0
	for {
		left := 2*idx + 1
		if left >= len(t.nodes) {
			break
		}
		if s < t.nodes[left] {
			idx = left
		} else {
			s -= t.nodes[left]
			idx = left + 1
		}
	}
	return idx - (t.capacity - 1)
}
