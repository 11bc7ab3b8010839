package types

import "github.com/shopspring/decimal"

// Event is the common envelope published on the (external) event bus.
// Concrete payloads below satisfy it; consumers are out of scope (spec §6).
type Event interface {
	EventName() string
}

// TradeStateChanged is published whenever a Trade's status or execution
// state transitions.
type TradeStateChanged struct {
	TradeID        string
	Symbol         string
	OldStatus      TradeStatus
	NewStatus      TradeStatus
	ExecutionState ExecutionState
}

func (TradeStateChanged) EventName() string { return "TradeStateChanged" }

// MaintenanceViolation is published when a Trade fails an invariant check
// outside of the normal open/close flow (e.g. reconciliation side mismatch).
type MaintenanceViolation struct {
	TradeID string
	Reason  string
}

func (MaintenanceViolation) EventName() string { return "MaintenanceViolation" }

// TradeClosed is published when a Trade reaches CLOSED.
type TradeClosed struct {
	TradeID     string
	RealizedPnL decimal.Decimal
}

func (TradeClosed) EventName() string { return "TradeClosed" }

// BrokenHedgeDetected is published when a position is present on exactly
// one of the two venues, persisting across the detector's observation
// window (spec §4.2 broken-hedge detection).
type BrokenHedgeDetected struct {
	Symbol        string
	MissingVenue  string
	PresentVenue  string
}

func (BrokenHedgeDetected) EventName() string { return "BrokenHedgeDetected" }

// EventBus is the narrow external collaborator interface the core depends
// on for ordered publication of state transitions and risk events (spec §2).
type EventBus interface {
	Publish(event Event)
}
