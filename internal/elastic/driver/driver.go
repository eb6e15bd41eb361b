// Package driver implements the orchestrator that ties the host manager,
// assigner, worker registry, and worker supervisor into one reconfiguration
// loop.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nmxmxh/elastic-driver/internal/elastic/assign"
	"github.com/nmxmxh/elastic-driver/internal/elastic/config"
	"github.com/nmxmxh/elastic-driver/internal/elastic/discovery"
	"github.com/nmxmxh/elastic-driver/internal/elastic/hostmanager"
	"github.com/nmxmxh/elastic-driver/internal/elastic/metrics"
	"github.com/nmxmxh/elastic-driver/internal/elastic/registry"
	"github.com/nmxmxh/elastic-driver/internal/elastic/rendezvous"
	"github.com/nmxmxh/elastic-driver/internal/elastic/supervisor"
	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

// errAborted is an internal control-flow signal for a wait cut short by the
// driver shutting down for an unrelated reason. It never leaves this package.
var errAborted = errors.New("elastic: wait aborted by shutdown")

// Driver orchestrates the elastic reconfiguration loop.
type Driver struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg           config.Config
	hosts         *hostmanager.Manager
	registry      *registry.Registry
	supervisor    *supervisor.Supervisor
	endpoint      rendezvous.Endpoint
	notifyFactory rendezvous.NotificationClientFactory
	secretKey     []byte

	assignedHosts  []string
	worldSize      int
	finished       bool
	activationErr  error
	createWorkerFn supervisor.CreateWorkerFunc

	shutdown     chan struct{}
	shutdownOnce sync.Once

	notificationFailures int64

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Driver. endpoint and notifyFactory may be nil in tests
// that do not exercise the rendezvous publication or notification paths.
func New(cfg config.Config, source discovery.Source, endpoint rendezvous.Endpoint, notifyFactory rendezvous.NotificationClientFactory, secretKey []byte, logger *zap.Logger, m *metrics.Metrics) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		cfg:           cfg,
		endpoint:      endpoint,
		notifyFactory: notifyFactory,
		secretKey:     secretKey,
		shutdown:      make(chan struct{}),
		clock:         clock.New(),
		logger:        logger.Named("driver"),
		metrics:       m,
	}
	d.cond = sync.NewCond(&d.mu)
	d.hosts = hostmanager.New(source, d.onHostsChanged, logger, m)
	d.registry = registry.New(d.isFinished, d.onWorkersRecorded, logger, m)
	d.supervisor = supervisor.New(d.registry, d.isFinished, logger, m)
	return d
}

// WithClock overrides the clock used for the discovery ticker and the
// activation timeout. Tests use a clock.Mock for determinism.
func (d *Driver) WithClock(c clock.Clock) *Driver {
	d.clock = c
	d.hosts = d.hosts.WithClock(c)
	return d
}

// Hosts exposes the underlying HostManager, e.g. so callers can drive its
// Run loop or inspect available hosts directly.
func (d *Driver) Hosts() *hostmanager.Manager { return d.hosts }

// Registry exposes the underlying WorkerRegistry so out-of-scope
// collaborators (the rendezvous wire handler that receives READY reports
// from workers) can record state directly.
func (d *Driver) Registry() *registry.Registry { return d.registry }

// RendezvousID returns the currently effective generation id.
func (d *Driver) RendezvousID() types.RendezvousID { return d.registry.RendezvousID() }

// Shutdown signal exposed so callers (and supervisor-spawned workers) can
// observe the driver's terminal transition without polling Finished().
func (d *Driver) ShutdownSignal() <-chan struct{} { return d.shutdown }

func (d *Driver) isFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// Finished reports whether the driver has reached its terminal state.
func (d *Driver) Finished() bool { return d.isFinished() }

// Err returns the reason the driver shut down, or nil for a clean success.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activationErr
}

// NotificationFailureCount returns the number of host-change notifications
// that failed. Exposed so an operator can alert on it even though a failed
// notification never aborts the job.
func (d *Driver) NotificationFailureCount() int64 {
	return atomic.LoadInt64(&d.notificationFailures)
}

// Start activates the job at MinNP and spawns its initial supervisors. It
// returns once the first rendezvous generation has been published, or with
// ErrStartTimeout if capacity never materialized within Config.StartTimeout.
func (d *Driver) Start(ctx context.Context, createWorkerFn supervisor.CreateWorkerFunc) error {
	d.mu.Lock()
	d.createWorkerFn = createWorkerFn
	d.mu.Unlock()

	// Poll discovery once up front so activation does not depend on the
	// first tick of the HostManager's Run loop.
	if _, err := d.hosts.UpdateAvailableHosts(ctx); err != nil {
		d.logger.Warn("initial discovery poll failed", zap.Error(err))
	}

	if err := d.activate(ctx, d.cfg.MinNP, d.cfg.StartTimeout); err != nil {
		d.triggerShutdown(err)
		return err
	}
	return nil
}

// GetResults blocks until every spawned supervisor task has terminated (the
// driver must have reached its terminal state for that to happen) or ctx is
// cancelled.
func (d *Driver) GetResults(ctx context.Context) (map[string]types.Result, error) {
	return d.supervisor.Wait(ctx)
}

// activate waits for capacity, assigns ranks, initializes the rendezvous
// endpoint, resets the registry for a fresh generation, and spawns
// supervisors for newly added hosts. timeout == 0 means an unbounded wait,
// used for steady-state reconfiguration.
func (d *Driver) activate(ctx context.Context, np int, timeout time.Duration) error {
	if err := d.waitForCapacity(ctx, np, timeout); err != nil {
		return err
	}

	d.mu.Lock()
	prev := append([]string(nil), d.assignedHosts...)
	d.mu.Unlock()

	kept := d.hosts.FilterAvailableHosts(prev)
	keptSet := make(map[string]struct{}, len(kept))
	for _, h := range kept {
		keptSet[h] = struct{}{}
	}

	next := append([]string(nil), kept...)
	for _, h := range d.hosts.AvailableHosts() {
		if _, ok := keptSet[h]; !ok {
			next = append(next, h)
		}
	}

	hostsList := make([]assign.Host, 0, len(next))
	for _, h := range next {
		slots, _ := d.hosts.GetSlots(h)
		hostsList = append(hostsList, assign.Host{Name: h, Slots: slots})
	}

	slots, err := assign.Assign(hostsList, d.cfg.MinNP, d.cfg.MaxNP)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrActivationFailed, err)
	}

	if d.endpoint != nil {
		if err := d.endpoint.Init(ctx, slots); err != nil {
			return fmt.Errorf("%w: rendezvous publish failed: %v", types.ErrActivationFailed, err)
		}
	}

	rid := d.registry.Reset(len(slots))
	d.supervisor.UpdateAssignment(slots)

	d.mu.Lock()
	prevSet := make(map[string]struct{}, len(d.assignedHosts))
	for _, h := range d.assignedHosts {
		prevSet[h] = struct{}{}
	}
	d.assignedHosts = next
	d.worldSize = len(slots)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.AssignedHosts.Set(float64(len(next)))
	}
	d.logger.Info("activated",
		zap.Int64("rendezvous_id", int64(rid)),
		zap.Int("world_size", len(slots)),
		zap.Int("hosts", len(next)))

	for _, slot := range slots {
		if _, already := prevSet[slot.Hostname]; already {
			continue
		}
		d.supervisor.Spawn(ctx, slot, d.shutdown, d.hosts.HostEvent(slot.Hostname).C(), d.createWorkerFn)
	}
	return nil
}

// waitForCapacity blocks until CountAvailableSlots() is at least minNP and,
// when Config.MaxNP is set, at most MaxNP; or until ctx is cancelled, the
// driver shuts down for an unrelated reason, or (if timeout > 0) the
// timeout elapses.
func (d *Driver) waitForCapacity(ctx context.Context, minNP int, timeout time.Duration) error {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := d.clock.Timer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var timedOut, cancelled, aborted int32
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-timerC:
			atomic.StoreInt32(&timedOut, 1)
		case <-ctx.Done():
			atomic.StoreInt32(&cancelled, 1)
		case <-d.shutdown:
			atomic.StoreInt32(&aborted, 1)
		case <-stop:
			return
		}
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		n := d.hosts.CountAvailableSlots()
		if n >= minNP && (!d.cfg.HasMax() || n <= d.cfg.MaxNP) {
			return nil
		}
		if atomic.LoadInt32(&timedOut) == 1 {
			return types.ErrStartTimeout
		}
		if atomic.LoadInt32(&cancelled) == 1 {
			return ctx.Err()
		}
		if atomic.LoadInt32(&aborted) == 1 {
			return errAborted
		}
		d.cond.Wait()
	}
}

// onHostsChanged is HostManager's onChange callback. It runs while
// HostManager's own lock is held, so it must never call back into hosts
// synchronously; it only wakes activation waiters and defers notification
// to a fresh goroutine.
func (d *Driver) onHostsChanged() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
	go d.notifyWorkers()
}

func (d *Driver) notifyWorkers() {
	if d.notifyFactory == nil || d.isFinished() {
		return
	}
	addrs := d.hosts.AvailableHosts()
	if len(addrs) == 0 {
		return
	}
	client := d.notifyFactory(addrs, d.secretKey, d.cfg.Verbose)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.NotifyHostsUpdated(ctx, d.clock.Now().Unix()); err != nil {
		atomic.AddInt64(&d.notificationFailures, 1)
		if d.cfg.Verbose >= config.VerboseDebug {
			d.logger.Warn("host notification failed", zap.Error(fmt.Errorf("%w: %v", types.ErrNotificationFailed, err)))
		}
	}
}

// onWorkersRecorded is the barrier completion action: any SUCCESS ends the
// job successfully, all FAILURE ends it with an error, and a partial
// failure blacklists the failed hosts and reactivates with the survivors.
func (d *Driver) onWorkersRecorded(snap registry.Snapshot) {
	successKeys := snap.ByState(types.Success)
	failureKeys := snap.ByState(types.Failure)

	if len(successKeys) > 0 {
		d.logger.Info("job succeeded", zap.Int64("rendezvous_id", int64(snap.RendezvousID)))
		d.triggerShutdown(nil)
		return
	}

	if len(failureKeys) > 0 && len(failureKeys) == len(snap.States) {
		d.logger.Warn("all workers failed", zap.Int64("rendezvous_id", int64(snap.RendezvousID)))
		d.triggerShutdown(fmt.Errorf("%w: all workers failed", types.ErrActivationFailed))
		return
	}

	if len(failureKeys) > 0 {
		for _, k := range failureKeys {
			d.logger.Info("blacklisting host after worker failure", zap.String("host", k.Host))
			d.hosts.Blacklist(k.Host)
		}
	}

	if d.hosts.CountAvailableSlots() == 0 {
		d.triggerShutdown(types.ErrActivationNoCapacity)
		return
	}

	// onWorkersRecorded runs synchronously inside the barrier's own
	// critical section (the completion action must finish observing a
	// consistent snapshot before any waiter returns). Reactivation's wait
	// for capacity is unbounded by design, so it must not run on this
	// goroutine: that would hold the retiring barrier's lock indefinitely
	// and wedge any straggler still referencing it.
	go func() {
		if err := d.activate(context.Background(), d.cfg.MinNP, 0); err != nil {
			d.logger.Error("reactivation failed", zap.Error(err))
			d.triggerShutdown(err)
		}
	}()
}

// triggerShutdown transitions the driver to its terminal state exactly
// once: closes the shutdown channel, permanently breaks the registry
// barrier so any in-flight Record* calls return promptly, and finalizes
// the supervisor's Results collector.
func (d *Driver) triggerShutdown(err error) {
	d.mu.Lock()
	if d.finished {
		d.mu.Unlock()
		return
	}
	d.finished = true
	d.activationErr = err
	d.mu.Unlock()

	d.shutdownOnce.Do(func() { close(d.shutdown) })
	// onWorkersRecorded runs on the barrier's own completing goroutine,
	// with that barrier's mutex still held by the caller of retireLocked;
	// breaking it permanently from here must happen on a fresh goroutine
	// or it would self-deadlock reacquiring the same lock.
	go d.registry.BreakPermanently()
	d.supervisor.Finalize()

	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}
