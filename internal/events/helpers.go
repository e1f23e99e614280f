package events

import "time"

// Publish helpers keep the payload shapes in one place so subscribers
// can rely on stable keys.

func (b *Bus) PublishBarFetched(symbol, corrID string, count int, lastClose float64) {
	b.Publish(Event{
		Type: TypeBarFetched, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"bars": count, "last_close": lastClose},
	})
}

func (b *Bus) PublishBarRejected(symbol, corrID, reason string) {
	b.Publish(Event{
		Type: TypeBarRejected, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"reason": reason},
	})
}

func (b *Bus) PublishSignalGenerated(symbol, corrID, action, reason string, strength float64) {
	b.Publish(Event{
		Type: TypeSignalGenerated, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"action": action, "reason": reason, "strength": strength},
	})
}

func (b *Bus) PublishRiskRejected(symbol, corrID, code, reason string) {
	b.Publish(Event{
		Type: TypeRiskRejected, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"code": code, "reason": reason},
	})
}

func (b *Bus) PublishOrderSubmitted(symbol, corrID, side, orderReason string, quantity float64) {
	b.Publish(Event{
		Type: TypeOrderSubmitted, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"side": side, "reason": orderReason, "quantity": quantity},
	})
}

func (b *Bus) PublishOrderFilled(symbol, corrID, orderID, side string, quantity, avgPrice, fee float64) {
	b.Publish(Event{
		Type: TypeOrderFilled, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{
			"order_id": orderID, "side": side,
			"quantity": quantity, "avg_price": avgPrice, "fee": fee,
		},
	})
}

func (b *Bus) PublishOrderFailed(symbol, corrID, side, reason string) {
	b.Publish(Event{
		Type: TypeOrderFailed, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"side": side, "reason": reason},
	})
}

func (b *Bus) PublishPositionOpened(symbol, corrID string, entry, size, stop, target float64) {
	b.Publish(Event{
		Type: TypePositionOpened, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{
			"entry_price": entry, "size": size,
			"stop_loss": stop, "take_profit": target,
		},
	})
}

func (b *Bus) PublishPositionClosed(symbol, corrID, exitReason string, exitPrice, realizedPnL float64) {
	b.Publish(Event{
		Type: TypePositionClosed, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{
			"exit_reason": exitReason, "exit_price": exitPrice, "realized_pnl": realizedPnL,
		},
	})
}

func (b *Bus) PublishStopTriggered(symbol, corrID string, stop, lastPrice float64) {
	b.Publish(Event{
		Type: TypeStopTriggered, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"stop_loss": stop, "last_price": lastPrice},
	})
}

func (b *Bus) PublishTakeProfitTriggered(symbol, corrID string, target, lastPrice float64) {
	b.Publish(Event{
		Type: TypeTakeProfitTriggered, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"take_profit": target, "last_price": lastPrice},
	})
}

func (b *Bus) PublishTrailingAdjusted(symbol, corrID string, oldStop, newStop, peak float64) {
	b.Publish(Event{
		Type: TypeTrailingAdjusted, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"old_stop": oldStop, "new_stop": newStop, "peak_price": peak},
	})
}

func (b *Bus) PublishHeartbeatTick(symbol, corrID string, barTime time.Time, action string) {
	b.Publish(Event{
		Type: TypeHeartbeatTick, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"bar_time": barTime, "action": action},
	})
}

func (b *Bus) PublishEngineStarted(bindings int) {
	b.Publish(Event{
		Type: TypeEngineStarted, CorrelationID: NewCorrelationID(),
		Data: map[string]interface{}{"bindings": bindings},
	})
}

func (b *Bus) PublishEngineStopped(reason string) {
	b.Publish(Event{
		Type: TypeEngineStopped, CorrelationID: NewCorrelationID(),
		Data: map[string]interface{}{"reason": reason},
	})
}

func (b *Bus) PublishEngineFault(symbol, corrID, detail string) {
	b.Publish(Event{
		Type: TypeEngineFault, Symbol: symbol, CorrelationID: corrID,
		Data: map[string]interface{}{"detail": detail},
	})
}
