package ledger

import "github.com/alanyoungcy/vaultd/internal/domain"

// entryQueue is the two-phase settlement queue: an append-only sequence of
// entries addressed by monotonic sequence number with three cursors,
// first <= middle <= last. last is the next free slot, middle the boundary
// between valuated and unvalued entries, first the boundary between removed
// and awaiting-execution entries.
type entryQueue[T any] struct {
	entries map[uint64]*T
	first   uint64
	middle  uint64
	last    uint64
}

func newEntryQueue[T any]() *entryQueue[T] {
	return &entryQueue[T]{entries: make(map[uint64]*T)}
}

// push appends an entry at last and returns its sequence number.
func (q *entryQueue[T]) push(e *T) uint64 {
	seq := q.last
	q.entries[seq] = e
	q.last++
	return seq
}

// at returns the entry at seq, or nil when it has been removed or never
// existed.
func (q *entryQueue[T]) at(seq uint64) *T {
	return q.entries[seq]
}

// advanceMiddle marks one more entry as valuated.
func (q *entryQueue[T]) advanceMiddle() {
	q.middle++
}

// pop removes the entry at first and advances the cursor.
func (q *entryQueue[T]) pop() {
	delete(q.entries, q.first)
	q.first++
}

// resetMiddle moves the valuation cursor backward to newMiddle so the
// entries in [newMiddle, middle) are valuated again. Moving outside
// [first, middle] is rejected.
func (q *entryQueue[T]) resetMiddle(newMiddle uint64) error {
	if newMiddle < q.first || newMiddle > q.middle {
		return domain.ErrCursorOutOfRange
	}
	q.middle = newMiddle
	return nil
}

// pendingValuation returns the number of entries not yet valuated.
func (q *entryQueue[T]) pendingValuation() uint64 {
	return q.last - q.middle
}

// pendingExecution returns the number of valuated entries not yet executed.
func (q *entryQueue[T]) pendingExecution() uint64 {
	return q.middle - q.first
}
