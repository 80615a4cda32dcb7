// Package buffer provides a prioritized, fixed-capacity, concurrent
// experience store with a minimum-retention quota for malicious-class
// samples.
package buffer

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"netdefend/internal/schema"
)

var (
	// ErrBufferClosed is returned when using a closed buffer.
	ErrBufferClosed = errors.New("experience buffer is closed")
	// ErrLengthMismatch is returned when priority updates do not pair
	// indices with errors one to one.
	ErrLengthMismatch = errors.New("indices and td-errors length mismatch")
)

// Config holds experience buffer settings.
type Config struct {
	// Capacity is the fixed maximum number of stored experiences.
	Capacity int `yaml:"capacity" validate:"gt=0"`

	// MaliciousFloor is the minimum retained share of malicious-class
	// experiences once the buffer is under capacity pressure.
	MaliciousFloor float64 `yaml:"malicious_floor" validate:"gte=0,lte=1"`

	// Alpha shapes how strongly priority differences bias sampling.
	Alpha float64 `yaml:"alpha" validate:"gte=0"`

	// Beta is the initial importance-sampling correction exponent,
	// annealed toward 1 by BetaIncrement per sample call.
	Beta          float64 `yaml:"beta" validate:"gte=0,lte=1"`
	BetaIncrement float64 `yaml:"beta_increment"`

	// PriorityEpsilon keeps zero-error experiences sampleable.
	PriorityEpsilon float64 `yaml:"priority_epsilon"`

	// MaliciousBoost multiplies the priority of malicious experiences.
	MaliciousBoost float64 `yaml:"malicious_boost"`
}

// DefaultConfig returns the default buffer configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        10000,
		MaliciousFloor:  0.30,
		Alpha:           0.6,
		Beta:            0.4,
		BetaIncrement:   0.001,
		PriorityEpsilon: 1e-6,
		MaliciousBoost:  2.0,
	}
}

// Batch is the result of one sample call.
type Batch struct {
	Experiences []schema.Experience
	Indices     []int     // buffer slots, passed back to UpdatePriorities
	Weights     []float64 // normalized importance-sampling weights
}

// Buffer is a prioritized experience store. All methods are safe for
// concurrent use.
type Buffer struct {
	mu   sync.Mutex
	cfg  Config
	tree *sumTree

	entries []schema.Experience
	used    []bool
	size    int
	next    int // ring cursor for age ordering

	maliciousCount int
	maxPriority    float64
	beta           float64
	closed         bool
	rng            *rand.Rand

	totalAdded   atomic.Uint64
	totalEvicted atomic.Uint64
	totalSampled atomic.Uint64
	floorSaves   atomic.Uint64
}

// New creates a buffer with the given configuration.
func New(cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	return &Buffer{
		cfg:         cfg,
		tree:        newSumTree(cfg.Capacity),
		entries:     make([]schema.Experience, cfg.Capacity),
		used:        make([]bool, cfg.Capacity),
		maxPriority: 1.0,
		beta:        cfg.Beta,
		rng:         rand.New(rand.NewSource(rand.Int63())),
	}
}

// Add stores an experience. New entries receive the maximum priority
// seen so far so they are sampled at least once before decay. On
// overflow the lowest-priority entry is evicted, unless that would
// push the malicious share below the configured floor, in which case
// the lowest-priority non-malicious entry goes instead.
func (b *Buffer) Add(exp schema.Experience) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	slot := -1
	if b.size < b.cfg.Capacity {
		for b.used[b.next] {
			b.next = (b.next + 1) % b.cfg.Capacity
		}
		slot = b.next
		b.next = (b.next + 1) % b.cfg.Capacity
		b.size++
	} else {
		slot = b.evictionSlot(exp.Malicious)
		if b.entries[slot].Malicious {
			b.maliciousCount--
		}
		b.totalEvicted.Add(1)
	}

	b.entries[slot] = exp
	b.used[slot] = true
	if exp.Malicious {
		b.maliciousCount++
	}

	p := b.maxPriority
	if exp.Malicious {
		p *= b.cfg.MaliciousBoost
	}
	b.tree.update(slot, p)
	b.totalAdded.Add(1)
	return nil
}

// evictionSlot picks the slot to overwrite when full.
func (b *Buffer) evictionSlot(incomingMalicious bool) int {
	minSlot, minNonMalSlot := -1, -1
	minP, minNonMalP := math.Inf(1), math.Inf(1)

	for i := 0; i < b.cfg.Capacity; i++ {
		p := b.tree.priority(i)
		if p < minP {
			minP, minSlot = p, i
		}
		if !b.entries[i].Malicious && p < minNonMalP {
			minNonMalP, minNonMalSlot = p, i
		}
	}

	if !b.entries[minSlot].Malicious || minNonMalSlot == -1 {
		return minSlot
	}

	// Evicting a malicious entry: check the retention floor.
	after := b.maliciousCount - 1
	if incomingMalicious {
		after++
	}
	if float64(after)/float64(b.cfg.Capacity) < b.cfg.MaliciousFloor {
		b.floorSaves.Add(1)
		return minNonMalSlot
	}
	return minSlot
}

// Sample draws up to n experiences, priority-weighted with stratified
// sampling. Returns fewer than n when the buffer is under-filled and
// an empty batch when it is empty; never blocks.
func (b *Buffer) Sample(n int) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Batch{}, ErrBufferClosed
	}
	if n > b.size {
		n = b.size
	}
	if n <= 0 || b.tree.total() <= 0 {
		return Batch{}, nil
	}

	batch := Batch{
		Experiences: make([]schema.Experience, 0, n),
		Indices:     make([]int, 0, n),
		Weights:     make([]float64, 0, n),
	}

	total := b.tree.total()
	segment := total / float64(n)
	maxWeight := 0.0

	for i := 0; i < n; i++ {
		s := segment*float64(i) + b.rng.Float64()*segment
		slot := b.tree.find(s)
		if slot < 0 || slot >= b.cfg.Capacity || !b.used[slot] {
			// Floating point drift at segment edges; redraw uniformly.
			slot = b.anyUsedSlot()
			if slot < 0 {
				continue
			}
		}

		p := b.tree.priority(slot) / total
		w := math.Pow(float64(b.size)*p, -b.beta)
		if w > maxWeight {
			maxWeight = w
		}

		batch.Experiences = append(batch.Experiences, b.entries[slot])
		batch.Indices = append(batch.Indices, slot)
		batch.Weights = append(batch.Weights, w)
	}

	if maxWeight > 0 {
		for i := range batch.Weights {
			batch.Weights[i] /= maxWeight
		}
	}

	b.beta = math.Min(1.0, b.beta+b.cfg.BetaIncrement)
	b.totalSampled.Add(uint64(len(batch.Experiences)))
	return batch, nil
}

func (b *Buffer) anyUsedSlot() int {
	if b.size == 0 {
		return -1
	}
	for attempts := 0; attempts < 16; attempts++ {
		slot := b.rng.Intn(b.cfg.Capacity)
		if b.used[slot] {
			return slot
		}
	}
	for i := 0; i < b.cfg.Capacity; i++ {
		if b.used[i] {
			return i
		}
	}
	return -1
}

// UpdatePriorities reassigns priorities after a training step from the
// batch's TD errors.
func (b *Buffer) UpdatePriorities(indices []int, tdErrors []float64) error {
	if len(indices) != len(tdErrors) {
		return ErrLengthMismatch
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}

	for i, slot := range indices {
		if slot < 0 || slot >= b.cfg.Capacity || !b.used[slot] {
			continue
		}
		p := math.Pow(math.Abs(tdErrors[i])+b.cfg.PriorityEpsilon, b.cfg.Alpha)
		if b.entries[slot].Malicious {
			p *= b.cfg.MaliciousBoost
		}
		if p > b.maxPriority {
			b.maxPriority = p
		}
		b.tree.update(slot, p)
	}
	return nil
}

// UpdateConfig applies the tunable subset of the configuration: the
// malicious retention floor and priority boost. Capacity and the
// sampling exponents are fixed for the life of the buffer and are
// ignored.
func (b *Buffer) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.MaliciousFloor = cfg.MaliciousFloor
	b.cfg.MaliciousBoost = cfg.MaliciousBoost
}

// Len returns the current number of stored experiences.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return b.cfg.Capacity
}

// MaliciousShare returns the fraction of stored experiences tagged
// malicious.
func (b *Buffer) MaliciousShare() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return 0
	}
	return float64(b.maliciousCount) / float64(b.size)
}

// Close closes the buffer; subsequent operations fail.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Metrics returns buffer statistics.
func (b *Buffer) Metrics() BufferMetrics {
	b.mu.Lock()
	size := b.size
	malicious := b.maliciousCount
	b.mu.Unlock()

	return BufferMetrics{
		Added:      b.totalAdded.Load(),
		Evicted:    b.totalEvicted.Load(),
		Sampled:    b.totalSampled.Load(),
		FloorSaves: b.floorSaves.Load(),
		Size:       size,
		Malicious:  malicious,
		Capacity:   b.cfg.Capacity,
	}
}

// BufferMetrics holds buffer statistics.
type BufferMetrics struct {
	Added      uint64 `json:"added"`
	Evicted    uint64 `json:"evicted"`
	Sampled    uint64 `json:"sampled"`
	FloorSaves uint64 `json:"floor_saves"`
	Size       int    `json:"size"`
	Malicious  int    `json:"malicious"`
	Capacity   int    `json:"capacity"`
}
