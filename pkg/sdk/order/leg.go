package order

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Fill is one execution against a leg. Fills are populated by the remote side only.
type Fill struct {
	FillID           string
	ExtExecID        string
	ExtGroupFillID   string
	Quantity         decimal.Decimal
	FillPrice        decimal.Decimal
	FilledAt         time.Time
	DestinationVenue string
}

func (f Fill) equal(o Fill) bool {
	return f.FillID == o.FillID &&
		f.ExtExecID == o.ExtExecID &&
		f.ExtGroupFillID == o.ExtGroupFillID &&
		f.Quantity.Equal(o.Quantity) &&
		f.FillPrice.Equal(o.FillPrice) &&
		f.FilledAt.Equal(o.FilledAt) &&
		f.DestinationVenue == o.DestinationVenue
}

// Leg is one instrument of a (possibly multi-leg) order.
type Leg struct {
	InstrumentType InstrumentType
	Symbol         string
	Action         Action
	Quantity       *decimal.Decimal

	Fills             []Fill
	RemainingQuantity *decimal.Decimal
}

// NewLeg builds a leg ready for submission.
func NewLeg(instrument InstrumentType, symbol string, action Action, quantity decimal.Decimal) Leg {
	return Leg{
		InstrumentType: instrument,
		Symbol:         symbol,
		Action:         action,
		Quantity:       &quantity,
	}
}

// IsExecutable is true iff instrument type, a non-empty symbol, action and a
// positive quantity are all set.
func (l *Leg) IsExecutable() bool {
	return l.InstrumentType != 0 &&
		l.Symbol != "" &&
		l.Action != 0 &&
		l.Quantity != nil && l.Quantity.IsPositive()
}

// FilledQuantity sums the fills.
func (l *Leg) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range l.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

func (l Leg) equal(o Leg) bool {
	return l.InstrumentType == o.InstrumentType &&
		l.Symbol == o.Symbol &&
		l.Action == o.Action &&
		decimalPtrEqual(l.Quantity, o.Quantity) &&
		decimalPtrEqual(l.RemainingQuantity, o.RemainingQuantity) &&
		slices.EqualFunc(l.Fills, o.Fills, Fill.equal)
}

func (l Leg) clone() Leg {
	l.Quantity = clonePtr(l.Quantity)
	l.RemainingQuantity = clonePtr(l.RemainingQuantity)
	l.Fills = slices.Clone(l.Fills)
	return l
}

func legsEqual(a, b []Leg) bool {
	return slices.EqualFunc(a, b, Leg.equal)
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
