package fix

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rickgao/venuelink/internal/model"
)

// Order is a New Order Single request. Side, OrdType and TimeInForce are
// sent verbatim in the venue's encoding.
type Order struct {
	ClOrdID     string // generated when empty
	Symbol      string
	Side        string
	OrdType     string
	Quantity    decimal.Decimal
	Price       decimal.Decimal // omitted when zero
	TimeInForce string          // omitted when empty
}

func (o Order) validate() error {
	var errs []error
	if o.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if o.Side == "" {
		errs = append(errs, errors.New("side is required"))
	}
	if o.OrdType == "" {
		errs = append(errs, errors.New("order type is required"))
	}
	if !o.Quantity.IsPositive() {
		errs = append(errs, fmt.Errorf("quantity must be positive, got %s", o.Quantity))
	}
	if o.Price.IsNegative() {
		errs = append(errs, fmt.Errorf("price must not be negative, got %s", o.Price))
	}
	return errors.Join(errs...)
}

// Cancel is an Order Cancel Request.
type Cancel struct {
	ClOrdID     string // generated when empty
	OrigClOrdID string
	OrderID     string // optional venue order id
	Symbol      string
}

// NewClOrdID returns a unique client order id.
func NewClOrdID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewOrder sends a New Order Single and returns its ClOrdID. The returned
// error is the submission result; fills arrive as execution reports.
func (c *Client) NewOrder(o Order) (string, error) {
	if err := o.validate(); err != nil {
		return "", fmt.Errorf("new order: %w", err)
	}
	if o.ClOrdID == "" {
		o.ClOrdID = NewClOrdID()
	}

	err := c.sendOrder(MsgTypeNewOrderSingle, func() []Field {
		fields := []Field{
			{TagClOrdID, o.ClOrdID},
			{TagOrderQty, o.Quantity.String()},
			{TagOrdType, o.OrdType},
			{TagSide, o.Side},
			{TagSymbol, o.Symbol},
		}
		if !o.Price.IsZero() {
			fields = append(fields, Field{TagPrice, o.Price.String()})
		}
		if o.TimeInForce != "" {
			fields = append(fields, Field{TagTimeInForce, o.TimeInForce})
		}
		return fields
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("order sent", "cl_ord_id", o.ClOrdID, "symbol", o.Symbol, "side", o.Side, "qty", o.Quantity)
	return o.ClOrdID, nil
}

// CancelOrder sends an Order Cancel Request and returns its ClOrdID.
func (c *Client) CancelOrder(req Cancel) (string, error) {
	if req.Symbol == "" || (req.OrigClOrdID == "" && req.OrderID == "") {
		return "", errors.New("cancel order: symbol and an original order id are required")
	}
	if req.ClOrdID == "" {
		req.ClOrdID = NewClOrdID()
	}

	err := c.sendOrder(MsgTypeOrderCancelRequest, func() []Field {
		fields := []Field{{TagClOrdID, req.ClOrdID}}
		if req.OrigClOrdID != "" {
			fields = append(fields, Field{TagOrigClOrdID, req.OrigClOrdID})
		}
		if req.OrderID != "" {
			fields = append(fields, Field{TagOrderID, req.OrderID})
		}
		return append(fields, Field{TagSymbol, req.Symbol})
	})
	if err != nil {
		return "", err
	}
	return req.ClOrdID, nil
}

func (c *Client) sendOrder(msgType string, build func() []Field) error {
	if c.State() != StateLoggedIn {
		return ErrNotLoggedIn
	}
	return c.send(msgType, func(h header) ([]Field, error) {
		fields := build()
		if !c.cfg.SignOrders {
			return fields, nil
		}
		sig, err := c.signedFields(msgType, h)
		if err != nil {
			return nil, err
		}
		fields = append(fields, sig...)
		return append(fields, Field{TagUsername, c.cfg.APIKey}), nil
	})
}

// transactTimeLayout accepts any fractional-second precision.
const transactTimeLayout = "20060102-15:04:05"

// decodeExecutionReport maps a 35=8 message onto an OrderEvent.
func decodeExecutionReport(m Message, ids model.SessionIDs, receivedAt time.Time) model.OrderEvent {
	ev := model.NewOrderEvent(model.SourceFIX, ids, receivedAt)
	ev.ClientOrderID = m.Value(TagClOrdID)
	ev.OrderID = m.Value(TagOrderID)
	ev.ExecID = m.Value(TagExecID)
	ev.Symbol = m.Value(TagSymbol)
	ev.Side = m.Value(TagSide)
	ev.OrderType = m.Value(TagOrdType)
	ev.Status = m.Value(TagOrdStatus)
	ev.ExecType = m.Value(TagExecType)
	ev.Quantity = decimalTag(m, TagOrderQty)
	ev.Price = decimalTag(m, TagPrice)
	ev.LastQty = decimalTag(m, TagLastQty)
	ev.LastPrice = decimalTag(m, TagLastPx)
	ev.CumQty = decimalTag(m, TagCumQty)
	if ts, err := time.Parse(transactTimeLayout, m.Value(TagTransactTime)); err == nil {
		ev.EventTime = ts
	}
	return ev
}

func decimalTag(m Message, tag int) decimal.Decimal {
	d, err := decimal.NewFromString(m.Value(tag))
	if err != nil {
		return decimal.Zero
	}
	return d
}
