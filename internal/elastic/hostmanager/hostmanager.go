// Package hostmanager implements the discovery polling loop and the
// available/blacklisted host bookkeeping everything else in the driver
// reads.
package hostmanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nmxmxh/elastic-driver/internal/elastic/discovery"
	"github.com/nmxmxh/elastic-driver/internal/elastic/metrics"
)

// DiscoverHostsFrequency is the fixed discovery polling cadence.
const DiscoverHostsFrequency = 1 * time.Second

// HostEvent is a one-shot signal a worker may consult to detect its own
// host being evicted. Firing it is idempotent: only the first fire closes
// the channel, every later fire on the same event is a no-op.
type HostEvent struct {
	once sync.Once
	ch   chan struct{}
}

func newHostEvent() *HostEvent {
	return &HostEvent{ch: make(chan struct{})}
}

// C returns the channel that closes when the event fires.
func (e *HostEvent) C() <-chan struct{} { return e.ch }

func (e *HostEvent) fire() {
	e.once.Do(func() { close(e.ch) })
}

// Manager owns the discovery polling task and the available/blacklisted
// host sets.
type Manager struct {
	mu          sync.Mutex
	source      discovery.Source
	available   map[string]int
	blacklisted map[string]struct{}
	events      map[string]*HostEvent
	lastPublish map[string]int

	// onChange is notified every time UpdateAvailableHosts observes a
	// difference; the driver uses this to unblock its activation wait.
	onChange func()

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Manager. onChange may be nil.
func New(source discovery.Source, onChange func(), logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		source:      source,
		available:   make(map[string]int),
		blacklisted: make(map[string]struct{}),
		events:      make(map[string]*HostEvent),
		lastPublish: make(map[string]int),
		onChange:    onChange,
		clock:       clock.New(),
		logger:      logger.Named("host_manager"),
		metrics:     m,
	}
}

// WithClock overrides the clock used for the polling ticker; tests use a
// clock.Mock to make cadence deterministic.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// Run polls the discovery source at DiscoverHostsFrequency until ctx is
// cancelled or shutdown closes. It must exit promptly on cancellation; the
// in-flight poll, if any, may be left incomplete.
func (m *Manager) Run(ctx context.Context, shutdown <-chan struct{}) {
	ticker := m.clock.Ticker(DiscoverHostsFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			if _, err := m.UpdateAvailableHosts(ctx); err != nil {
				m.logger.Warn("discovery poll failed", zap.Error(err))
			}
		}
	}
}

// UpdateAvailableHosts queries discovery and returns whether the effective
// available set (minus blacklisted) differs from the last publication.
// Hosts that left fire their host-change event.
func (m *Manager) UpdateAvailableHosts(ctx context.Context) (bool, error) {
	hosts, err := m.source.FindAvailableHostsAndSlots(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	effective := make(map[string]int, len(hosts))
	for h, slots := range hosts {
		if _, blacklisted := m.blacklisted[h]; blacklisted {
			continue
		}
		effective[h] = slots
	}

	changed := !sameSet(effective, m.lastPublish)

	for h := range m.lastPublish {
		if _, stillThere := effective[h]; !stillThere {
			m.fireHostEventLocked(h)
		}
	}

	m.available = hosts
	m.lastPublish = effective

	if changed {
		m.logger.Info("available hosts changed", zap.Int("count", len(effective)))
		if m.metrics != nil {
			m.metrics.AvailableSlots.Set(float64(sumSlots(effective)))
		}
		if m.onChange != nil {
			m.onChange()
		}
	}
	return changed, nil
}

// CountAvailableSlots sums Slots(h) over non-blacklisted available hosts.
func (m *Manager) CountAvailableSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sumSlots(m.lastPublish)
}

// Blacklist permanently excludes host from future assignments. Idempotent;
// also fires the host's change event.
func (m *Manager) Blacklist(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, already := m.blacklisted[host]; already {
		return
	}
	m.blacklisted[host] = struct{}{}
	delete(m.lastPublish, host)
	m.fireHostEventLocked(host)
	m.logger.Info("host blacklisted", zap.String("host", host))
	if m.metrics != nil {
		m.metrics.BlacklistedHosts.Set(float64(len(m.blacklisted)))
	}
}

// IsBlacklisted reports whether host was ever passed to Blacklist.
func (m *Manager) IsBlacklisted(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, blacklisted := m.blacklisted[host]
	return blacklisted
}

// FilterAvailableHosts retains only entries still in available∖blacklisted,
// preserving the input order.
func (m *Manager) FilterAvailableHosts(hosts []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if _, ok := m.lastPublish[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

// AvailableHosts returns the current available, non-blacklisted hosts in a
// stable, sorted order.
func (m *Manager) AvailableHosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.lastPublish))
	for h := range m.lastPublish {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// GetSlots returns the slot capacity discovery last reported for host.
func (m *Manager) GetSlots(host string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lastPublish[host]
	return n, ok
}

// HostEvent returns the per-host change event, creating it on first use.
func (m *Manager) HostEvent(host string) *HostEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventLocked(host)
}

func (m *Manager) eventLocked(host string) *HostEvent {
	e, ok := m.events[host]
	if !ok {
		e = newHostEvent()
		m.events[host] = e
	}
	return e
}

func (m *Manager) fireHostEventLocked(host string) {
	m.eventLocked(host).fire()
	delete(m.events, host)
}

func sameSet(a, b map[string]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sumSlots(m map[string]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}
