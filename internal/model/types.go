package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source identifies which wire protocol produced an event.
type Source string

const (
	SourceStream Source = "stream"
	SourceFIX    Source = "fix"
)

// SessionIDs are the host's portfolio, strategy and account identifiers,
// stamped onto every private event a session emits.
type SessionIDs struct {
	PortfolioID string `json:"portfolio_id,omitempty"`
	StrategyID  string `json:"strategy_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
}

// OrderEvent is one execution report (new, fill, cancel, reject...).
type OrderEvent struct {
	ID     uuid.UUID `json:"id"`
	Source Source    `json:"source"`
	SessionIDs

	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"client_order_id"`
	OrderID       string `json:"order_id"`
	ExecID        string `json:"exec_id,omitempty"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type,omitempty"`
	ExecType      string `json:"exec_type,omitempty"`
	Status        string `json:"status"`

	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	LastPrice decimal.Decimal `json:"last_price"`
	LastQty   decimal.Decimal `json:"last_qty"`
	CumQty    decimal.Decimal `json:"cum_qty"`

	EventTime  time.Time `json:"event_time"`
	ReceivedAt time.Time `json:"received_at"`

	// Raw is the frame as received, for audit.
	Raw string `json:"-"`
}

// NewOrderEvent returns an event with a fresh ID and receive time.
func NewOrderEvent(src Source, ids SessionIDs, receivedAt time.Time) OrderEvent {
	return OrderEvent{
		ID:         uuid.New(),
		Source:     src,
		SessionIDs: ids,
		ReceivedAt: receivedAt.UTC(),
	}
}

// IsFill reports whether the event carries executed quantity.
func (e OrderEvent) IsFill() bool {
	return e.LastQty.IsPositive()
}
