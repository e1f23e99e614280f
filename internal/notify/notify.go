// Package notify pushes trade lifecycle messages to chat channels. It
// subscribes to the event bus and formats a human-readable line per
// position opened, position closed and engine fault; a provider error
// is logged and the event dropped.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-bot/internal/events"
)

// Message is the provider-independent notification payload.
type Message struct {
	Title string
	Body  string
	// Error colors the message where the provider supports it.
	Error bool
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Manager fans one message out to every configured provider.
type Manager struct {
	notifiers []Notifier
	log       zerolog.Logger

	bus   *events.Bus
	subID uint64
}

func NewManager(log zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{notifiers: notifiers, log: log}
}

// Attach subscribes the manager to the events worth a human's
// attention, queued per the configured bus defaults. Chat APIs are
// slow, so the fallback queue stays small.
func (m *Manager) Attach(bus *events.Bus, opts events.SubscribeOptions) {
	m.bus = bus
	opts.Types = []events.Type{
		events.TypePositionOpened,
		events.TypePositionClosed,
		events.TypeEngineStarted,
		events.TypeEngineStopped,
		events.TypeEngineFault,
	}
	opts.Filter = nil
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	m.subID = bus.Subscribe("notify", opts, m.handle)
}

func (m *Manager) handle(ev events.Event) {
	msg, ok := format(ev)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, n := range m.notifiers {
		if err := n.Send(ctx, msg); err != nil {
			m.log.Warn().Err(err).Str("provider", n.Name()).Msg("notification failed")
		}
	}
}

func format(ev events.Event) (Message, bool) {
	switch ev.Type {
	case events.TypePositionOpened:
		return Message{
			Title: fmt.Sprintf("Opened %s", ev.Symbol),
			Body: fmt.Sprintf("entry %.4f, size %.4f\nstop %.4f, target %.4f",
				num(ev.Data["entry_price"]), num(ev.Data["size"]),
				num(ev.Data["stop_loss"]), num(ev.Data["take_profit"])),
		}, true
	case events.TypePositionClosed:
		pnl := num(ev.Data["realized_pnl"])
		reason, _ := ev.Data["exit_reason"].(string)
		return Message{
			Title: fmt.Sprintf("Closed %s", ev.Symbol),
			Body:  fmt.Sprintf("exit %.4f (%s)\nP&L %+.4f", num(ev.Data["exit_price"]), reason, pnl),
			Error: pnl < 0,
		}, true
	case events.TypeEngineStarted:
		return Message{
			Title: "Engine started",
			Body:  fmt.Sprintf("%v bindings active", ev.Data["bindings"]),
		}, true
	case events.TypeEngineStopped:
		reason, _ := ev.Data["reason"].(string)
		return Message{Title: "Engine stopped", Body: reason}, true
	case events.TypeEngineFault:
		detail, _ := ev.Data["detail"].(string)
		return Message{
			Title: fmt.Sprintf("Fault on %s", ev.Symbol),
			Body:  detail,
			Error: true,
		}, true
	}
	return Message{}, false
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

// Close detaches the manager from the bus.
func (m *Manager) Close() error {
	if m.bus != nil {
		m.bus.Unsubscribe(m.subID)
	}
	return nil
}
