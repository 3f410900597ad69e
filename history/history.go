// Package history - Bounded, ordered record of published detection results.
package history

import (
	"sync"
	"time"

	"github.com/nvr-ai/go-detect/filter"
)

// DefaultCapacity is the number of results kept when no capacity is configured.
const DefaultCapacity = 20

// Result is one published tick. It is immutable once published: the aggregator copies slices on the
// way in and on the way out.
type Result struct {
	// Seq is assigned by the aggregator, strictly increasing over its lifetime.
	Seq uint64 `json:"seq"`
	// Frame is the stream sequence number of the source frame.
	Frame     uint64    `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
	Input     string    `json:"input,omitempty"`
	// Snapshot is an optional base64 JPEG of the frame.
	Snapshot        string                  `json:"snapshot,omitempty"`
	Classifications []filter.Classification `json:"classifications"`
	Warnings        []string                `json:"warnings,omitempty"`
}

func (r Result) clone() Result {
	out := r
	if r.Classifications != nil {
		out.Classifications = append([]filter.Classification(nil), r.Classifications...)
	}
	if r.Warnings != nil {
		out.Warnings = append([]string(nil), r.Warnings...)
	}
	return out
}

// Aggregator is a FIFO ring of results with optional push subscribers. All methods are safe for
// concurrent use; readers never observe a partially applied Publish.
type Aggregator struct {
	mu       sync.RWMutex
	capacity int
	results  []Result
	seq      uint64

	subs    map[uint64]chan Result
	nextSub uint64
}

// NewAggregator creates an aggregator holding at most capacity results. A capacity of zero or less
// selects DefaultCapacity.
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		results:  make([]Result, 0, capacity),
		subs:     make(map[uint64]chan Result),
	}
}

// Publish appends r, evicting the oldest entry once the bound is exceeded, and notifies
// subscribers. Subscribers that are not keeping up miss the result rather than block the caller.
//
// Arguments:
//   - r: The result; its Seq is overwritten.
//
// Returns:
//   - Result: The stored result with its assigned Seq.
func (a *Aggregator) Publish(r Result) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	r = r.clone()
	r.Seq = a.seq

	if len(a.results) == a.capacity {
		copy(a.results, a.results[1:])
		a.results[len(a.results)-1] = r
	} else {
		a.results = append(a.results, r)
	}

	for _, ch := range a.subs {
		select {
		case ch <- r.clone():
		default:
		}
	}
	return r.clone()
}

// History returns a snapshot of the stored results, oldest first.
func (a *Aggregator) History() []Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]Result, len(a.results))
	for i, r := range a.results {
		out[i] = r.clone()
	}
	return out
}

// Latest returns the most recent result.
func (a *Aggregator) Latest() (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.results) == 0 {
		return Result{}, false
	}
	return a.results[len(a.results)-1].clone(), true
}

// Find returns the stored result with the given Seq, if it has not been evicted or cleared.
func (a *Aggregator) Find(seq uint64) (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, r := range a.results {
		if r.Seq == seq {
			return r.clone(), true
		}
	}
	return Result{}, false
}

// Clear drops all stored results. Sequence numbers keep increasing.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.results = a.results[:0]
}

// Len returns the number of stored results.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.results)
}

// Subscribe registers a listener for published results.
//
// Arguments:
//   - buffer: Channel buffer size; results published while the buffer is full are dropped for
//     this subscriber.
//
// Returns:
//   - <-chan Result: Receives results in publish order. Closed by cancel.
//   - func(): Unregisters the subscriber. Safe to call more than once.
func (a *Aggregator) Subscribe(buffer int) (<-chan Result, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Result, buffer)

	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
			close(ch)
		})
	}
}
