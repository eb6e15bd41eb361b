// Package supervisor runs one goroutine per assigned slot, invoking the
// injected worker factory and feeding its terminal exit into the worker
// registry's barrier.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/elastic-driver/internal/elastic/metrics"
	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// CreateWorkerFunc is the injected worker factory. It blocks until the
// process exits.
type CreateWorkerFunc func(ctx context.Context, slot types.SlotInfo, shutdown <-chan struct{}, hostEvent <-chan struct{}) (exitCode int, timestamp int64)

// Registry is the minimal slice of the worker registry a Supervisor needs.
// It is an interface, not a concrete import, so the supervisor stays
// decoupled from the registry's barrier internals.
type Registry interface {
	RecordSuccess(ctx context.Context, host string, localRank int) (types.RendezvousID, error)
	RecordFailure(ctx context.Context, host string, localRank int) (types.RendezvousID, error)
	RendezvousID() types.RendezvousID
}

// Supervisor spawns and tracks one goroutine per currently assigned slot.
type Supervisor struct {
	mu       sync.Mutex
	assigned map[types.WorkerKey]types.SlotInfo
	results  map[string]types.Result

	group        *errgroup.Group
	finalized    chan struct{}
	finalizeOnce sync.Once

	registry Registry
	finished func() bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Supervisor. finished reports whether the driver has
// reached its terminal state; a worker's exit is only published to Results
// once finished is true and its rendezvous id still matches the registry's
// current generation.
func New(registry Registry, finished func() bool, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		assigned:  make(map[types.WorkerKey]types.SlotInfo),
		results:   make(map[string]types.Result),
		group:     &errgroup.Group{},
		finalized: make(chan struct{}),
		registry:  registry,
		finished:  finished,
		logger:    logger.Named("worker_supervisor"),
		metrics:   m,
	}
}

// UpdateAssignment replaces the current generation's slot assignment. The
// driver calls this once per reconfiguration, before deciding which hosts
// are new and need fresh supervisors spawned.
func (s *Supervisor) UpdateAssignment(slots []types.SlotInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assigned = make(map[types.WorkerKey]types.SlotInfo, len(slots))
	for _, slot := range slots {
		s.assigned[slot.Key()] = slot
	}
}

// Spawn launches one supervisor goroutine for slot. Call this only for
// slots on newly added hosts; existing hosts' supervisors are never
// restarted.
func (s *Supervisor) Spawn(ctx context.Context, slot types.SlotInfo, shutdown <-chan struct{}, hostEvent <-chan struct{}, create CreateWorkerFunc) {
	s.logger.Info("spawning supervisor", zap.String("worker", slot.Key().String()), zap.Int("rank", slot.Rank))
	s.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = multierr.Append(err, fmt.Errorf("worker factory panicked: %v", r))
			}
		}()
		exitCode, ts := create(ctx, slot, shutdown, hostEvent)
		s.handleWorkerExit(ctx, slot, exitCode, ts)
		return nil
	})
}

// handleWorkerExit reports a worker's terminal exit to the registry and, if
// the job has already finished on a matching rendezvous generation,
// publishes its result.
func (s *Supervisor) handleWorkerExit(ctx context.Context, slot types.SlotInfo, exitCode int, timestamp int64) {
	s.mu.Lock()
	_, stillAssigned := s.assigned[slot.Key()]
	s.mu.Unlock()
	if !stillAssigned {
		s.logger.Debug("discarding exit for slot no longer assigned in current generation",
			zap.String("worker", slot.Key().String()))
		return
	}

	var rid types.RendezvousID
	var err error
	if exitCode == 0 {
		rid, err = s.registry.RecordSuccess(ctx, slot.Hostname, slot.LocalRank)
	} else {
		rid, err = s.registry.RecordFailure(ctx, slot.Hostname, slot.LocalRank)
	}
	if err != nil {
		s.logger.Warn("barrier report failed", zap.String("worker", slot.Key().String()), zap.Error(err))
		return
	}

	if s.finished != nil && s.finished() && rid == s.registry.RendezvousID() {
		s.publish(slot.Key(), types.Result{ExitCode: exitCode, Timestamp: timestamp})
	}
}

func (s *Supervisor) publish(key types.WorkerKey, res types.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	if _, exists := s.results[k]; exists {
		return // first write wins
	}
	s.results[k] = res
}

// Finalize signals that no further Spawn calls will occur. Wait blocks
// until Finalize has been called, which is what lets errgroup's internal
// WaitGroup be waited on safely (no Go() call can race a concurrent Wait()
// once the driver commits to shutdown).
func (s *Supervisor) Finalize() {
	s.finalizeOnce.Do(func() { close(s.finalized) })
}

// Wait blocks until Finalize has been called and every spawned supervisor
// goroutine has terminated, then returns the finalized Results map.
func (s *Supervisor) Wait(ctx context.Context) (map[string]types.Result, error) {
	select {
	case <-s.finalized:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	joinErr := make(chan error, 1)
	go func() { joinErr <- s.group.Wait() }()

	select {
	case err := <-joinErr:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Result, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out, nil
}
