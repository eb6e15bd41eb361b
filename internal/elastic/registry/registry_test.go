package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/elastic-driver/internal/elastic/types"
)

func newTestRegistry(finished func() bool, onComplete CompletionFunc) *Registry {
	return New(finished, onComplete, nil, nil)
}

func TestRegistry_ResetBumpsRendezvousIDAndSize(t *testing.T) {
	r := newTestRegistry(func() bool { return false }, nil)
	prior := r.RendezvousID()

	id := r.Reset(4)
	assert.Greater(t, id, prior)
	assert.Equal(t, id, r.RendezvousID())
	assert.Equal(t, 4, r.Size())

	next := r.Reset(2)
	assert.Greater(t, next, id)
}

func TestRegistry_HappyPath_AllRecordSuccessOnce(t *testing.T) {
	var mu sync.Mutex
	var snapshots []Snapshot
	r := newTestRegistry(func() bool { return false }, func(s Snapshot) {
		mu.Lock()
		snapshots = append(snapshots, s)
		mu.Unlock()
	})
	r.Reset(4)

	var wg sync.WaitGroup
	ids := make([]types.RendezvousID, 4)
	hosts := []string{"h1", "h1", "h2", "h2"}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.RecordSuccess(context.Background(), hosts[i], i%2)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0].States, 4)
	for _, id := range ids {
		assert.Equal(t, snapshots[0].RendezvousID, id)
	}
}

func TestRegistry_DuplicateReportBreaksStaleRound(t *testing.T) {
	r := newTestRegistry(func() bool { return false }, nil)
	r.Reset(2)

	resultCh := make(chan error, 1)
	go func() {
		_, err := r.RecordReady(context.Background(), "h1", 0)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Give the first reporter time to block in the barrier, then re-report
	// the same key: this must break the round rather than hang forever,
	// and the original waiter's state is unchanged so it should not see
	// ErrStateOverridden.
	_, err := r.RecordReady(context.Background(), "h1", 0)
	require.NoError(t, err)

	// Completing the round: the second slot reports, releasing both.
	_, err = r.RecordReady(context.Background(), "h2", 0)
	require.NoError(t, err)

	require.NoError(t, <-resultCh)
}

func TestRegistry_LateReportAfterFinishedIsNoOp(t *testing.T) {
	finished := false
	r := newTestRegistry(func() bool { return finished }, nil)
	r.Reset(2)
	finished = true

	id, err := r.RecordFailure(context.Background(), "h1", 0)
	require.NoError(t, err)
	assert.Equal(t, r.RendezvousID(), id)
	assert.Empty(t, r.b.brokenAt) // barrier never touched
}

func TestRegistry_StateOverriddenWhenKeyRewrittenDuringWait(t *testing.T) {
	r := newTestRegistry(func() bool { return false }, nil)
	r.Reset(3)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := r.RecordReady(context.Background(), "h1", 0)
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter block in round 0

	overwriterErr := make(chan error, 1)
	go func() {
		// Same key, different state: breaks round 0 (waiter wakes to find
		// its own key overwritten) and itself joins the fresh round.
		_, err := r.RecordFailure(context.Background(), "h1", 0)
		overwriterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Two more distinct slots complete the fresh round (3 parties total:
	// the overwriter plus these two). The first blocks until the last
	// arrives, so it reports from its own goroutine.
	h2Err := make(chan error, 1)
	go func() {
		_, err := r.RecordReady(context.Background(), "h2", 0)
		h2Err <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := r.RecordReady(context.Background(), "h2", 1)
	require.NoError(t, err)
	require.NoError(t, <-h2Err)

	assert.ErrorIs(t, <-waiterErr, types.ErrStateOverridden)
	assert.NoError(t, <-overwriterErr)
}
