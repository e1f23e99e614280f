// Package strategy defines the plug-in contract for signal generators
// and the registry that binds configured strategy names to factories at
// startup. Strategies keep per-instrument state but never touch I/O.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-trading-bot/internal/exchange"
)

// Action is a strategy's decision for the current bar.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is produced by a strategy for one closed bar.
type Signal struct {
	Action   Action
	Strength float64 // optional, in [0,1]
	BarTime  time.Time
	Reason   string
}

// Hold is the neutral signal for a bar.
func Hold(barTime time.Time) Signal {
	return Signal{Action: ActionHold, BarTime: barTime}
}

// Strategy is the per-instrument signal contract. OnBar must be free of
// side effects beyond the strategy's own state and must not block on
// I/O. Warmup is the minimum window length OnBar needs.
type Strategy interface {
	Name() string
	Warmup() int
	OnBar(bars []exchange.Bar) (Signal, error)
}

// ParamType describes a declared parameter.
type ParamType string

const (
	ParamInt   ParamType = "int"
	ParamFloat ParamType = "float"
)

// ParamSpec declares one tunable parameter: its type, allowed range and
// default. The registry validates configured values against the schema
// before the factory ever runs.
type ParamSpec struct {
	Name    string
	Type    ParamType
	Min     float64
	Max     float64
	Default float64
}

// Params holds resolved, validated parameter values for one binding.
type Params map[string]float64

// Int reads an integer parameter; the registry has already validated it.
func (p Params) Int(name string) int { return int(p[name]) }

// Float reads a float parameter.
func (p Params) Float(name string) float64 { return p[name] }

// Factory constructs a fresh per-instrument strategy instance. Called
// once per binding at startup; the same params always yield an
// equivalent instance.
type Factory func(params Params) (Strategy, error)

type entry struct {
	specs   []ParamSpec
	factory Factory
}

// Registry maps strategy names to factories and parameter schemas.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Builtin returns a registry with every built-in strategy registered.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("sma_crossover", smaCrossoverSpecs, NewSMACrossover)
	r.Register("rsi_reversion", rsiReversionSpecs, NewRSIReversion)
	r.Register("rsi_bollinger", rsiBollingerSpecs, NewRSIBollinger)
	return r
}

// Register adds a strategy under name. Later registrations replace
// earlier ones, which lets tests stub built-ins.
func (r *Registry) Register(name string, specs []ParamSpec, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{specs: specs, factory: factory}
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parameters returns the declared schema for a strategy.
func (r *Registry) Parameters(name string) ([]ParamSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return e.specs, nil
}

// New binds a strategy: unknown names and out-of-range parameters fail
// here, at startup, never at run time.
func (r *Registry) New(name string, raw map[string]float64) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}

	params := make(Params, len(e.specs))
	known := make(map[string]bool, len(e.specs))
	for _, spec := range e.specs {
		known[spec.Name] = true
		v, set := raw[spec.Name]
		if !set {
			v = spec.Default
		}
		if v < spec.Min || v > spec.Max {
			return nil, fmt.Errorf("strategy %s: parameter %s=%v outside [%v, %v]",
				name, spec.Name, v, spec.Min, spec.Max)
		}
		if spec.Type == ParamInt && v != float64(int(v)) {
			return nil, fmt.Errorf("strategy %s: parameter %s=%v must be an integer", name, spec.Name, v)
		}
		params[spec.Name] = v
	}
	for k := range raw {
		if !known[k] {
			return nil, fmt.Errorf("strategy %s: unknown parameter %q", name, k)
		}
	}
	return e.factory(params)
}
