package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestNewOrderEvent(t *testing.T) {
	ids := SessionIDs{PortfolioID: "p1", StrategyID: "s1", AccountID: "a1"}
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))

	a := NewOrderEvent(SourceFIX, ids, at)
	b := NewOrderEvent(SourceFIX, ids, at)

	if a.ID == uuid.Nil {
		t.Error("ID is nil")
	}
	if a.ID == b.ID {
		t.Error("two events share an ID")
	}
	if a.ReceivedAt.Location() != time.UTC {
		t.Errorf("ReceivedAt location = %v, want UTC", a.ReceivedAt.Location())
	}
	if a.AccountID != "a1" {
		t.Errorf("AccountID = %q, want a1", a.AccountID)
	}
}

func TestOrderEvent_IsFill(t *testing.T) {
	e := OrderEvent{}
	if e.IsFill() {
		t.Error("zero event IsFill() = true")
	}
	e.LastQty = decimal.RequireFromString("0.5")
	if !e.IsFill() {
		t.Error("IsFill() = false with LastQty 0.5")
	}
}

func TestOrderEvent_JSONFlattensSessionIDs(t *testing.T) {
	e := NewOrderEvent(SourceStream, SessionIDs{PortfolioID: "p"}, time.Now())
	e.Price = decimal.RequireFromString("42000.10")
	e.Raw = "secret"

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["portfolio_id"] != "p" {
		t.Errorf("portfolio_id = %v, want p", m["portfolio_id"])
	}
	if m["price"] != "42000.1" {
		t.Errorf("price = %v, want \"42000.1\"", m["price"])
	}
	if _, ok := m["Raw"]; ok {
		t.Error("Raw must not be serialized")
	}
}
