package hostmanager_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/elastic-driver/internal/elastic/discovery"
	"github.com/nmxmxh/elastic-driver/internal/elastic/hostmanager"
)

func TestManager_UpdateAvailableHosts_DetectsChange(t *testing.T) {
	src := discovery.NewStatic(map[string]int{"h1": 2, "h2": 2})
	var changes int32
	m := hostmanager.New(src, func() { atomic.AddInt32(&changes, 1) }, nil, nil)

	changed, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&changes))
	assert.Equal(t, 4, m.CountAvailableSlots())

	changed, err = m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "second poll with identical membership should not report a change")
	assert.EqualValues(t, 1, atomic.LoadInt32(&changes))
}

func TestManager_BlacklistIsStickyAndExcludesFromAvailable(t *testing.T) {
	src := discovery.NewStatic(map[string]int{"h1": 2, "h2": 2})
	m := hostmanager.New(src, nil, nil, nil)
	_, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)

	m.Blacklist("h1")
	assert.True(t, m.IsBlacklisted("h1"))
	assert.Equal(t, 2, m.CountAvailableSlots())
	assert.NotContains(t, m.AvailableHosts(), "h1")

	_, err = m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, m.AvailableHosts(), "h1", "blacklist must survive subsequent polls even though discovery still reports the host")

	m.Blacklist("h1") // idempotent
	assert.Equal(t, 2, m.CountAvailableSlots())
}

func TestManager_FilterAvailableHostsPreservesOrder(t *testing.T) {
	src := discovery.NewStatic(map[string]int{"h1": 1, "h3": 1})
	m := hostmanager.New(src, nil, nil, nil)
	_, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)

	got := m.FilterAvailableHosts([]string{"h1", "h2", "h3", "h4"})
	assert.Equal(t, []string{"h1", "h3"}, got)
}

func TestManager_HostEventFiresWhenHostLeaves(t *testing.T) {
	current := map[string]int{"h1": 1, "h2": 1}
	src := discovery.SourceFunc(func(context.Context) (map[string]int, error) {
		cp := make(map[string]int, len(current))
		for k, v := range current {
			cp[k] = v
		}
		return cp, nil
	})
	m := hostmanager.New(src, nil, nil, nil)
	_, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)

	ev := m.HostEvent("h1")
	select {
	case <-ev.C():
		t.Fatal("event must not have fired yet")
	default:
	}

	current = map[string]int{"h2": 1} // h1 drops out of discovery entirely
	changed, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	select {
	case <-ev.C():
	default:
		t.Fatal("host leaving discovery must fire its change event")
	}
}

func TestManager_BlacklistAlsoFiresHostEvent(t *testing.T) {
	src := discovery.NewStatic(map[string]int{"h1": 1})
	m := hostmanager.New(src, nil, nil, nil)
	_, err := m.UpdateAvailableHosts(context.Background())
	require.NoError(t, err)

	ev := m.HostEvent("h1")
	m.Blacklist("h1")
	select {
	case <-ev.C():
	default:
		t.Fatal("blacklisting must fire the host's change event")
	}
}

func TestManager_Run_PollsOnTickerAndExitsOnShutdown(t *testing.T) {
	mockClock := clock.NewMock()
	var polls int32
	src := discovery.SourceFunc(func(context.Context) (map[string]int, error) {
		atomic.AddInt32(&polls, 1)
		return map[string]int{"h1": 1}, nil
	})
	m := hostmanager.New(src, nil, nil, nil).WithClock(mockClock)

	shutdown := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), shutdown)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		mockClock.Add(hostmanager.DiscoverHostsFrequency)
	}
	close(shutdown)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit promptly after shutdown closed")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(1))
}
