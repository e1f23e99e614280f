package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-bot/internal/events"
)

// State is the scheduler lifecycle.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// TickFunc executes one tick for a binding.
type TickFunc func(ctx context.Context, b *Binding)

// SchedulerConfig tunes dispatch.
type SchedulerConfig struct {
	Workers   int           // 0 = min(bindings, cpu·2)
	MaxJitter time.Duration // random delay after each bar close
}

// slot is the scheduler's per-binding bookkeeping: a mutex for serial
// execution, a pending flag so at most one tick queues at a time, and a
// quarantine latch set when a tick panics.
type slot struct {
	binding     *Binding
	mu          sync.Mutex
	pending     int32
	quarantined atomic.Bool
}

// Scheduler fires a tick per binding at each bar close through a
// bounded worker pool. Ticks for one binding never overlap; different
// bindings run concurrently up to the pool size.
type Scheduler struct {
	cfg  SchedulerConfig
	tick TickFunc
	bus  *events.Bus
	log  zerolog.Logger

	slots []*slot
	state atomic.Int32

	jobs     chan *slot
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup // timer goroutines + workers
	inflight sync.WaitGroup // ticks currently executing
}

// NewScheduler builds an idle scheduler over the bindings.
func NewScheduler(cfg SchedulerConfig, bindings []*Binding, tick TickFunc, bus *events.Bus, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = len(bindings)
		if max := runtime.NumCPU() * 2; cfg.Workers > max {
			cfg.Workers = max
		}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	slots := make([]*slot, len(bindings))
	for i, b := range bindings {
		slots[i] = &slot{binding: b}
	}
	return &Scheduler{
		cfg:    cfg,
		tick:   tick,
		bus:    bus,
		log:    log,
		slots:  slots,
		jobs:   make(chan *slot, len(bindings)+1),
		stopCh: make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Start launches the worker pool and one timer per binding.
func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("scheduler: start from state %s", s.State())
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for i := 0; i < s.cfg.Workers; i++ {
		s.loops.Add(1)
		go s.worker()
	}
	for _, sl := range s.slots {
		s.loops.Add(1)
		go s.timer(sl)
	}
	s.log.Info().
		Int("bindings", len(s.slots)).
		Int("workers", s.cfg.Workers).
		Msg("scheduler running")
	return nil
}

// timer sleeps until each bar close for the slot's timeframe and
// dispatches a tick, plus a small jitter so bindings on the same
// timeframe do not stampede.
func (s *Scheduler) timer(sl *slot) {
	defer s.loops.Done()
	d := sl.binding.Timeframe.Duration()
	for {
		wait := time.Until(time.Now().UTC().Truncate(d).Add(d))
		if s.cfg.MaxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.cfg.MaxJitter)))
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
			s.Trigger(sl.binding.Symbol)
		}
	}
}

// Trigger queues a tick for the symbol's binding right now. A tick
// already queued or a quarantined binding makes this a no-op. Backtests
// drive the engine through this entry point.
func (s *Scheduler) Trigger(symbol string) bool {
	if s.State() != StateRunning {
		return false
	}
	for _, sl := range s.slots {
		if sl.binding.Symbol != symbol {
			continue
		}
		if sl.quarantined.Load() {
			return false
		}
		if !atomic.CompareAndSwapInt32(&sl.pending, 0, 1) {
			return false
		}
		select {
		case s.jobs <- sl:
			return true
		default:
			atomic.StoreInt32(&sl.pending, 0)
			return false
		}
	}
	return false
}

func (s *Scheduler) worker() {
	defer s.loops.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case sl := <-s.jobs:
			s.run(sl)
		}
	}
}

// run executes one tick under the binding's lock with panic isolation:
// a panicking binding is quarantined and the engine keeps going.
func (s *Scheduler) run(sl *slot) {
	if s.State() != StateRunning {
		atomic.StoreInt32(&sl.pending, 0)
		return
	}
	s.inflight.Add(1)
	defer s.inflight.Done()

	sl.mu.Lock()
	defer sl.mu.Unlock()
	defer atomic.StoreInt32(&sl.pending, 0)
	defer func() {
		if r := recover(); r != nil {
			sl.quarantined.Store(true)
			detail := fmt.Sprintf("tick panic: %v", r)
			s.log.Error().
				Str("symbol", sl.binding.Symbol).
				Str("stack", string(debug.Stack())).
				Msg(detail)
			s.bus.PublishEngineFault(sl.binding.Symbol, events.NewCorrelationID(), detail)
		}
	}()

	s.tick(s.ctx, sl.binding)
}

// Quarantine takes a binding out of rotation until Reinstate.
func (s *Scheduler) Quarantine(symbol string) {
	for _, sl := range s.slots {
		if sl.binding.Symbol == symbol {
			sl.quarantined.Store(true)
		}
	}
}

// Reinstate clears a quarantine after operator intervention.
func (s *Scheduler) Reinstate(symbol string) {
	for _, sl := range s.slots {
		if sl.binding.Symbol == symbol {
			sl.quarantined.Store(false)
		}
	}
}

// Quarantined lists symbols currently out of rotation.
func (s *Scheduler) Quarantined() []string {
	var out []string
	for _, sl := range s.slots {
		if sl.quarantined.Load() {
			out = append(out, sl.binding.Symbol)
		}
	}
	return out
}

// Wait blocks until every in-flight tick has finished.
func (s *Scheduler) Wait() { s.inflight.Wait() }

// Stop drains: no new dispatches, in-flight ticks get until deadline,
// then their context is cancelled.
func (s *Scheduler) Stop(deadline time.Duration) {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return
	}
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		s.log.Warn().Msg("drain deadline exceeded, cancelling in-flight ticks")
		s.cancel()
		<-done
	}

	s.cancel()
	s.loops.Wait()
	s.state.Store(int32(StateStopped))
	s.log.Info().Msg("scheduler stopped")
}
