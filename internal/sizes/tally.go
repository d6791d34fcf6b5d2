package sizes

import (
	"context"
	"sync"

	"github.com/ligustah/dgcart/internal/model"
)

// State tells a finished total apart from one still loading or one that is
// missing entries.
type State int

const (
	// Loading means at least one query is still pending.
	Loading State = iota
	// Complete means every query succeeded.
	Complete
	// Partial means every query finished and at least one failed.
	Partial
)

func (s State) String() string {
	switch s {
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	default:
		return "loading"
	}
}

// Total is the running sum of one metric over a cart.
type Total struct {
	Sum     int64
	State   State
	Pending int
	Failed  int
}

// Totals holds both cart-wide sums.
type Totals struct {
	Size  Total
	Count Total
}

// Entry is the per-item outcome. A nil value means absent: pending or
// failed, told apart by the matching error.
type Entry struct {
	Item     model.ItemKey
	Size     *int64
	Count    *int64
	SizeErr  error
	CountErr error
}

// Tally collects the results of one Start call.
type Tally struct {
	mu      sync.Mutex
	entries []Entry
	index   map[model.ItemKey]int
	pending int
	done    chan struct{}
}

// Start resolves the size and count of every distinct item in the
// background.
func (a *Aggregator) Start(ctx context.Context, items []model.CartItem) *Tally {
	t := &Tally{
		index: make(map[model.ItemKey]int),
		done:  make(chan struct{}),
	}
	for _, it := range items {
		k := it.Key()
		if _, ok := t.index[k]; ok {
			continue
		}
		t.index[k] = len(t.entries)
		t.entries = append(t.entries, Entry{Item: k})
	}
	t.pending = 2 * len(t.entries)
	if t.pending == 0 {
		close(t.done)
		return t
	}

	for _, e := range t.entries {
		k := e.Item
		go func() {
			v, err := a.Size(ctx, k.ID, k.Type)
			t.record(k, true, v, err)
		}()
		go func() {
			v, err := a.FileCount(ctx, k.ID, k.Type)
			t.record(k, false, v, err)
		}()
	}
	return t
}

func (t *Tally) record(k model.ItemKey, size bool, v int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &t.entries[t.index[k]]
	switch {
	case size && err != nil:
		e.SizeErr = err
	case size:
		e.Size = &v
	case err != nil:
		e.CountErr = err
	default:
		e.Count = &v
	}

	t.pending--
	if t.pending == 0 {
		close(t.done)
	}
}

// Snapshot returns the totals so far. Absent entries are skipped, never
// counted as zero.
func (t *Tally) Snapshot() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out Totals
	for _, e := range t.entries {
		add(&out.Size, e.Size, e.SizeErr)
		add(&out.Count, e.Count, e.CountErr)
	}
	out.Size.State = state(out.Size)
	out.Count.State = state(out.Count)
	return out
}

// Entries returns the per-item outcomes in cart order.
func (t *Tally) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Done is closed once every query has finished.
func (t *Tally) Done() <-chan struct{} { return t.done }

// Wait blocks until every query has finished or ctx is done.
func (t *Tally) Wait(ctx context.Context) (Totals, error) {
	select {
	case <-t.done:
		return t.Snapshot(), nil
	case <-ctx.Done():
		return t.Snapshot(), ctx.Err()
	}
}

func add(total *Total, v *int64, err error) {
	switch {
	case v != nil:
		total.Sum += *v
	case err != nil:
		total.Failed++
	default:
		total.Pending++
	}
}

func state(t Total) State {
	switch {
	case t.Pending > 0:
		return Loading
	case t.Failed > 0:
		return Partial
	}
	return Complete
}
