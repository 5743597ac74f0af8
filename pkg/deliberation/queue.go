package deliberation

import (
	"sync"

	"github.com/acgs-platform/agentbus/pkg/contracts"
)

// queue is the in-memory tiered FIFO: higher priority tiers preempt
// lower ones, arrival order is preserved within a tier.
type queue struct {
	mu    sync.Mutex
	tiers [4][]*contracts.DeliberationItem // index = Priority
}

func newQueue() *queue { return &queue{} }

func (q *queue) push(item *contracts.DeliberationItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := item.Priority
	if !p.Valid() {
		p = contracts.PriorityNormal
	}
	q.tiers[p] = append(q.tiers[p], item)
}

// pop returns the oldest item of the most urgent non-empty tier.
func (q *queue) pop() (*contracts.DeliberationItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := contracts.PriorityCritical; p <= contracts.PriorityLow; p++ {
		if tier := q.tiers[p]; len(tier) > 0 {
			item := tier[0]
			q.tiers[p] = tier[1:]
			return item, true
		}
	}
	return nil, false
}

// remove drops the item from whatever tier holds it.
func (q *queue) remove(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.tiers {
		for i, item := range q.tiers[p] {
			if item.ItemID == itemID {
				q.tiers[p] = append(q.tiers[p][:i], q.tiers[p][i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}
