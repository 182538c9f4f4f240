package vm

import (
	"sync"

	"github.com/pkg/errors"
)

var errBarrierBroken = errors.New("barrier broken: another work-item failed")

// cyclicBarrier releases its parties each time all of them wait. Parties
// that finish leave it; a failing party breaks it for everyone.
type cyclicBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64
	broken     bool
}

func newCyclicBarrier(parties int) *cyclicBarrier {
	b := &cyclicBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *cyclicBarrier) wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return errBarrierBroken
	}
	b.waiting++
	if b.waiting == b.parties {
		b.release()
		return nil
	}
	gen := b.generation
	for gen == b.generation && !b.broken {
		b.cond.Wait()
	}
	if gen == b.generation {
		return errBarrierBroken
	}
	return nil
}

// leave removes a finished party, releasing the others if they were only
// waiting for it.
func (b *cyclicBarrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	if b.waiting > 0 && b.waiting == b.parties {
		b.release()
	}
}

func (b *cyclicBarrier) abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}

// release must be called with mu held.
func (b *cyclicBarrier) release() {
	b.waiting = 0
	b.generation++
	b.cond.Broadcast()
}
