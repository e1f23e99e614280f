package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-bot/internal/events"
	"crypto-trading-bot/internal/exchange"
)

// dayBindings never fire on the wall clock during a test run.
func dayBindings(symbols ...string) []*Binding {
	out := make([]*Binding, len(symbols))
	for i, s := range symbols {
		out[i] = &Binding{Symbol: s, Timeframe: exchange.Timeframe1d}
	}
	return out
}

func newTestScheduler(t *testing.T, tick TickFunc, symbols ...string) (*Scheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	s := NewScheduler(SchedulerConfig{Workers: 2}, dayBindings(symbols...), tick, bus, zerolog.Nop())
	return s, bus
}

func TestSchedulerLifecycle(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, func(context.Context, *Binding) {}, "BTCUSDT")
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, StateRunning, s.State())
	assert.Error(t, s.Start(), "double start rejected")

	s.Stop(time.Second)
	assert.Equal(t, StateStopped, s.State())
	s.Stop(time.Second) // idempotent
}

func TestTriggerRunsTick(t *testing.T) {
	t.Parallel()

	var ticks int32
	done := make(chan struct{}, 4)
	s, _ := newTestScheduler(t, func(_ context.Context, b *Binding) {
		atomic.AddInt32(&ticks, 1)
		done <- struct{}{}
	}, "BTCUSDT")
	require.NoError(t, s.Start())
	defer s.Stop(time.Second)

	require.True(t, s.Trigger("BTCUSDT"))
	<-done
	assert.EqualValues(t, 1, atomic.LoadInt32(&ticks))

	assert.False(t, s.Trigger("ETHUSDT"), "unknown symbol")
}

func TestTriggerDedupsPendingTick(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	started := make(chan struct{}, 4)
	var ticks int32
	s, _ := newTestScheduler(t, func(_ context.Context, b *Binding) {
		atomic.AddInt32(&ticks, 1)
		started <- struct{}{}
		<-block
	}, "BTCUSDT")
	require.NoError(t, s.Start())

	require.True(t, s.Trigger("BTCUSDT"))
	<-started

	// While the first tick runs, further triggers coalesce into nothing:
	// the slot stays busy until the tick returns.
	assert.False(t, s.Trigger("BTCUSDT"))
	assert.False(t, s.Trigger("BTCUSDT"))

	close(block)
	assert.Eventually(t, func() bool {
		return s.Trigger("BTCUSDT")
	}, time.Second, time.Millisecond, "slot frees up after the tick returns")
	<-started
	s.Stop(time.Second)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ticks))
}

func TestBindingsTickConcurrently(t *testing.T) {
	t.Parallel()

	// Both ticks park on the gate; only a two-worker pool running them
	// at the same time lets both arrivals happen before the release.
	var mu sync.Mutex
	parked := 0
	bothParked := make(chan struct{})

	gate := make(chan struct{})
	done := make(chan struct{}, 2)
	tick := func(_ context.Context, b *Binding) {
		mu.Lock()
		parked++
		if parked == 2 {
			close(bothParked)
		}
		mu.Unlock()
		<-gate
		done <- struct{}{}
	}

	s, _ := newTestScheduler(t, tick, "AAAUSDT", "BBBUSDT")
	require.NoError(t, s.Start())

	require.True(t, s.Trigger("AAAUSDT"))
	require.True(t, s.Trigger("BBBUSDT"))
	select {
	case <-bothParked:
	case <-time.After(2 * time.Second):
		t.Fatal("bindings did not run concurrently")
	}
	close(gate)
	<-done
	<-done
	s.Stop(time.Second)
}

func TestPanicQuarantinesBinding(t *testing.T) {
	t.Parallel()

	faults := make(chan events.Event, 4)
	ticked := make(chan struct{}, 4)
	s, bus := newTestScheduler(t, func(_ context.Context, b *Binding) {
		ticked <- struct{}{}
		panic("corrupt window")
	}, "BTCUSDT")
	bus.Subscribe("faults", events.SubscribeOptions{Types: []events.Type{events.TypeEngineFault}}, func(ev events.Event) {
		faults <- ev
	})
	require.NoError(t, s.Start())
	defer s.Stop(time.Second)

	require.True(t, s.Trigger("BTCUSDT"))
	<-ticked
	ev := <-faults
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Contains(t, ev.Data["detail"], "corrupt window")

	// The quarantine latch is set before the fault event goes out, so
	// by now further triggers are refused.
	assert.Equal(t, []string{"BTCUSDT"}, s.Quarantined())
	assert.False(t, s.Trigger("BTCUSDT"))

	s.Reinstate("BTCUSDT")
	assert.Empty(t, s.Quarantined())
	assert.True(t, s.Trigger("BTCUSDT"))
	<-ticked
}

func TestStopCancelsOverdueTicks(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var cancelled atomic.Bool
	s, _ := newTestScheduler(t, func(ctx context.Context, b *Binding) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}, "BTCUSDT")
	require.NoError(t, s.Start())

	require.True(t, s.Trigger("BTCUSDT"))
	<-started
	s.Stop(50 * time.Millisecond)

	assert.True(t, cancelled.Load(), "overdue tick saw cancellation")
	assert.Equal(t, StateStopped, s.State())
}
