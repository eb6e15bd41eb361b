// Package registry implements the worker registry: the rendezvous-scoped
// barrier that collects terminal worker reports and triggers
// reconfiguration.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/elastic-driver/internal/elastic/metrics"
	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// Snapshot is the consistent view of one completed barrier cycle, handed to
// the completion callback while no participant can be mutating state (every
// party is blocked in the barrier when the snapshot is taken).
type Snapshot struct {
	RendezvousID types.RendezvousID
	States       map[types.WorkerKey]types.WorkerState
}

// ByState groups the snapshot's keys by the state they reported.
func (s Snapshot) ByState(state types.WorkerState) []types.WorkerKey {
	var keys []types.WorkerKey
	for k, v := range s.States {
		if v == state {
			keys = append(keys, k)
		}
	}
	return keys
}

// CompletionFunc is invoked exactly once per successful barrier cycle, on
// exactly one participant goroutine, before any waiter of that cycle
// returns from Record*.
type CompletionFunc func(Snapshot)

// Registry is the rendezvous-scoped worker barrier.
type Registry struct {
	mu           sync.Mutex
	size         int
	rendezvousID types.RendezvousID
	b            *barrier
	states       map[types.WorkerKey]types.WorkerState

	finished   func() bool
	onComplete CompletionFunc
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New constructs a Registry. finished reports whether the driver has
// transitioned to its terminal state (a late report is then a no-op);
// onComplete is the barrier's completion action.
func New(finished func() bool, onComplete CompletionFunc, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		finished:   finished,
		onComplete: onComplete,
		logger:     logger.Named("worker_registry"),
		metrics:    m,
		states:     make(map[types.WorkerKey]types.WorkerState),
		b:          newBarrier(0, nil),
	}
}

// Reset clears recorded state, constructs a fresh barrier of the given
// width, and bumps the rendezvous id. Invariant 1: immediately after Reset,
// Size() == size and RendezvousID() strictly exceeds its prior value.
func (r *Registry) Reset(size int) types.RendezvousID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.size = size
	r.states = make(map[types.WorkerKey]types.WorkerState, size)
	r.rendezvousID++
	r.b = newBarrier(size, r.runCompletion)

	r.logger.Info("rendezvous reset",
		zap.Int64("rendezvous_id", int64(r.rendezvousID)),
		zap.Int("world_size", size),
	)
	if r.metrics != nil {
		r.metrics.RendezvousID.Set(float64(r.rendezvousID))
		r.metrics.WorldSize.Set(float64(size))
	}
	return r.rendezvousID
}

// Size returns the current world size.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// RendezvousID returns the currently effective generation id.
func (r *Registry) RendezvousID() types.RendezvousID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendezvousID
}

// RecordReady records a READY report for (host, localRank).
func (r *Registry) RecordReady(ctx context.Context, host string, localRank int) (types.RendezvousID, error) {
	return r.recordState(ctx, types.WorkerKey{Host: host, LocalRank: localRank}, types.Ready)
}

// RecordSuccess records a SUCCESS report for (host, localRank).
func (r *Registry) RecordSuccess(ctx context.Context, host string, localRank int) (types.RendezvousID, error) {
	return r.recordState(ctx, types.WorkerKey{Host: host, LocalRank: localRank}, types.Success)
}

// RecordFailure records a FAILURE report for (host, localRank).
func (r *Registry) RecordFailure(ctx context.Context, host string, localRank int) (types.RendezvousID, error) {
	return r.recordState(ctx, types.WorkerKey{Host: host, LocalRank: localRank}, types.Failure)
}

// recordState records a state report and waits on the barrier for the rest
// of this generation's parties to report in.
func (r *Registry) recordState(ctx context.Context, key types.WorkerKey, state types.WorkerState) (types.RendezvousID, error) {
	r.mu.Lock()
	if r.finished != nil && r.finished() {
		id := r.rendezvousID
		r.mu.Unlock()
		return id, nil
	}

	_, duplicate := r.states[key]
	r.states[key] = state
	rid := r.rendezvousID
	b := r.b
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveWorkerState(state)
	}

	if duplicate {
		r.logger.Debug("duplicate report collapses stale rendezvous round",
			zap.String("worker", key.String()), zap.String("state", string(state)))
		b.breakRound()
	}

	gen := b.generationSnapshot()
	for {
		broke, err := b.await(ctx, gen)
		if err != nil {
			return rid, err
		}
		if !broke {
			return rid, nil
		}

		r.mu.Lock()
		if r.finished != nil && r.finished() {
			id := r.rendezvousID
			r.mu.Unlock()
			return id, nil
		}
		cur, ok := r.states[key]
		stillOurs := ok && cur == state && r.b == b
		r.mu.Unlock()
		if !stillOurs {
			return rid, types.ErrStateOverridden
		}
		gen = b.generationSnapshot()
	}
}

// BreakPermanently forces the current barrier broken for good, e.g. when an
// external timeout or shutdown makes further rendezvous pointless.
func (r *Registry) BreakPermanently() {
	r.mu.Lock()
	b := r.b
	r.mu.Unlock()
	b.breakPermanently()
}

func (r *Registry) runCompletion() {
	r.mu.Lock()
	snap := Snapshot{
		RendezvousID: r.rendezvousID,
		States:       make(map[types.WorkerKey]types.WorkerState, len(r.states)),
	}
	for k, v := range r.states {
		snap.States[k] = v
	}
	r.mu.Unlock()

	r.logger.Debug("barrier cycle complete", zap.Int64("rendezvous_id", int64(snap.RendezvousID)), zap.Int("reports", len(snap.States)))
	if r.onComplete != nil {
		r.onComplete(snap)
	}
}
