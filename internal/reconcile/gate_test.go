package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var gateBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func waitQueued(t *testing.T, g *gate, campaignID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		q, ok := g.queues[campaignID]
		return ok && q.waiters.Len() == n
	}, time.Second, time.Millisecond)
}

func TestGateGrantsByProviderTimeThenArrival(t *testing.T) {
	g := newGate()
	ctx := context.Background()
	hold, err := g.acquire(ctx, "c-1", gateBase)
	require.NoError(t, err)

	waiters := []struct {
		label  string
		offset time.Duration
	}{
		{"a", 30 * time.Minute},
		{"b", 10 * time.Minute},
		{"c", 20 * time.Minute},
		{"d", 10 * time.Minute},
		{"e", 0},
	}

	var (
		mu      sync.Mutex
		granted []string
		wg      sync.WaitGroup
	)
	for i, w := range waiters {
		wg.Add(1)
		go func(label string, key time.Time) {
			defer wg.Done()
			release, err := g.acquire(ctx, "c-1", key)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			granted = append(granted, label)
			mu.Unlock()
			release()
		}(w.label, gateBase.Add(w.offset))
		waitQueued(t, g, "c-1", i+1)
	}

	hold()
	wg.Wait()
	assert.Equal(t, []string{"e", "b", "d", "c", "a"}, granted)
	assert.Zero(t, g.active())
}

func TestGateCancelledWaiterLeavesQueue(t *testing.T) {
	g := newGate()
	hold, err := g.acquire(context.Background(), "c-1", gateBase)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	gaveUp := make(chan error, 1)
	go func() {
		_, err := g.acquire(cancelled, "c-1", gateBase)
		gaveUp <- err
	}()
	waitQueued(t, g, "c-1", 1)

	next := make(chan func(), 1)
	go func() {
		release, err := g.acquire(context.Background(), "c-1", gateBase.Add(time.Minute))
		if assert.NoError(t, err) {
			next <- release
		}
	}()
	waitQueued(t, g, "c-1", 2)

	cancel()
	assert.ErrorIs(t, <-gaveUp, context.Canceled)
	waitQueued(t, g, "c-1", 1)

	hold()
	select {
	case release := <-next:
		release()
	case <-time.After(time.Second):
		t.Fatal("waiter behind a cancelled one was never granted")
	}
	assert.Zero(t, g.active())
}

func TestGateGrantRacingCancellationPassesSlotOn(t *testing.T) {
	for i := 0; i < 50; i++ {
		g := newGate()
		_, err := g.acquire(context.Background(), "c-1", gateBase)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		type outcome struct {
			release func()
			err     error
		}
		first := make(chan outcome, 1)
		go func() {
			release, err := g.acquire(ctx, "c-1", gateBase)
			first <- outcome{release, err}
		}()
		waitQueued(t, g, "c-1", 1)

		second := make(chan func(), 1)
		go func() {
			release, err := g.acquire(context.Background(), "c-1", gateBase.Add(time.Second))
			if assert.NoError(t, err) {
				second <- release
			}
		}()
		waitQueued(t, g, "c-1", 2)

		// cancel and hand over the slot in one step
		g.mu.Lock()
		cancel()
		g.releaseLocked("c-1")
		g.mu.Unlock()

		got := <-first
		if got.err == nil {
			got.release()
		} else {
			assert.ErrorIs(t, got.err, context.Canceled)
		}

		select {
		case release := <-second:
			release()
		case <-time.After(time.Second):
			t.Fatal("slot was lost between a grant and a cancellation")
		}
		assert.Zero(t, g.active())
	}
}

func TestGateCampaignsDoNotBlockEachOther(t *testing.T) {
	g := newGate()
	holdFirst, err := g.acquire(context.Background(), "c-1", gateBase)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	holdSecond, err := g.acquire(ctx, "c-2", gateBase)
	require.NoError(t, err, "another campaign's holder must not block")
	assert.Equal(t, 2, g.active())

	holdFirst()
	holdSecond()
	holdSecond()
	assert.Zero(t, g.active())
}
