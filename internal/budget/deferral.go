package budget

import "sync"

// DeferralQueue holds deferred work in FIFO order per priority tier. Higher
// tiers are served first, but a tier that keeps being passed over is promoted
// after agingThreshold passes so nothing starves indefinitely.
type DeferralQueue[T any] struct {
	mu             sync.Mutex
	tiers          map[int][]T
	passedOver     map[int]int
	agingThreshold int
}

func NewDeferralQueue[T any](agingThreshold int) *DeferralQueue[T] {
	if agingThreshold <= 0 {
		agingThreshold = 3
	}
	return &DeferralQueue[T]{
		tiers:          make(map[int][]T),
		passedOver:     make(map[int]int),
		agingThreshold: agingThreshold,
	}
}

// Push appends item to the back of its tier. Deferred work is never dropped.
func (q *DeferralQueue[T]) Push(tier int, item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiers[tier] = append(q.tiers[tier], item)
}

// Pop returns the next item, preferring the highest non-empty tier unless a
// lower tier has aged past the starvation threshold.
func (q *DeferralQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T

	// An aged tier wins over priority order.
	aged, agedOK := -1, false
	best, bestOK := -1, false
	for tier, items := range q.tiers {
		if len(items) == 0 {
			continue
		}
		if q.passedOver[tier] >= q.agingThreshold && (!agedOK || tier > aged) {
			aged, agedOK = tier, true
		}
		if !bestOK || tier > best {
			best, bestOK = tier, true
		}
	}
	if !bestOK {
		return zero, false
	}

	chosen := best
	if agedOK {
		chosen = aged
	}

	for tier, items := range q.tiers {
		if tier == chosen || len(items) == 0 {
			continue
		}
		q.passedOver[tier]++
	}
	q.passedOver[chosen] = 0

	item := q.tiers[chosen][0]
	q.tiers[chosen] = q.tiers[chosen][1:]
	return item, true
}

// Len returns the number of queued items across all tiers.
func (q *DeferralQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.tiers {
		n += len(items)
	}
	return n
}
