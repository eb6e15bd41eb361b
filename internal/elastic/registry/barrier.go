package registry

import (
	"context"
	"sync"

	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// barrier is a reusable rendezvous barrier with a break-on-duplicate escape
// hatch. Go has no native reusable-barrier or broken-barrier-exception
// primitive, so this is built from a mutex, a condition variable, and a
// generation counter: parties increment an arrival count under the lock and
// wait while the generation is unchanged; the last arrival runs the
// completion action, then retires the generation and wakes everyone.
// Breaking is a forced generation retirement that skips the completion
// action, distinguishable by waiters via brokenAt.
//
// One barrier instance belongs to exactly one rendezvous generation
// (WorkerRegistry.Reset constructs a fresh one); within that generation it
// may cycle through several break-and-retry rounds before finally
// completing.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	count      int
	generation uint64
	brokenAt   map[uint64]bool
	permanent  bool
	onComplete func()
}

func newBarrier(parties int, onComplete func()) *barrier {
	b := &barrier{
		parties:    parties,
		brokenAt:   make(map[uint64]bool, 1),
		onComplete: onComplete,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// generationSnapshot returns the barrier's current round number.
func (b *barrier) generationSnapshot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// breakRound forces the current round to retire without running the completion
// action. Waiters already inside that round observe brokenAt == true.
func (b *barrier) breakRound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retireLocked(true)
}

// breakPermanently forces the barrier broken for good: every future Await
// call, including ones that haven't yet entered, returns types.ErrBarrierBroken.
func (b *barrier) breakPermanently() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permanent = true
	b.retireLocked(true)
}

func (b *barrier) retireLocked(broken bool) {
	b.brokenAt[b.generation] = broken
	if !broken && b.onComplete != nil {
		b.onComplete()
	}
	b.generation++
	b.count = 0
	b.cond.Broadcast()
}

// await enters the barrier for round enterGeneration. It returns broke=true
// if that round retired via a break rather than a full arrival, and a
// non-nil error only for ctx cancellation or a permanent break.
func (b *barrier) await(ctx context.Context, enterGeneration uint64) (broke bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.permanent {
		return true, types.ErrBarrierBroken
	}
	if enterGeneration != b.generation {
		// The round we targeted already retired before we got here.
		return b.brokenAt[enterGeneration], nil
	}

	b.count++
	if b.count == b.parties {
		b.retireLocked(false)
		return false, nil
	}

	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for b.generation == enterGeneration && !b.permanent {
		if ctx != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		b.cond.Wait()
	}

	// A round that completed normally stays completed for its waiters even
	// if a permanent break lands before they reacquire the lock.
	if b.generation != enterGeneration && !b.brokenAt[enterGeneration] {
		return false, nil
	}
	if b.permanent {
		return true, types.ErrBarrierBroken
	}
	if ctx != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return b.brokenAt[enterGeneration], nil
}
