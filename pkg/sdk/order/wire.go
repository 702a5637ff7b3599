package order

import "time"

// LegWire is the submission shape of a leg.
type LegWire struct {
	Action         string `json:"action"`
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Quantity       string `json:"quantity,omitempty"`
}

// OrderWire is the submission shape of an order. Field order is fixed by the
// struct, so encoding is deterministic.
type OrderWire struct {
	OrderType   string    `json:"order-type"`
	Source      string    `json:"source,omitempty"`
	TimeInForce string    `json:"time-in-force"`
	GTCDate     string    `json:"gtc-date,omitempty"`
	Price       string    `json:"price,omitempty"`
	PriceEffect string    `json:"price-effect,omitempty"`
	StopTrigger string    `json:"stop-trigger,omitempty"`
	Legs        []LegWire `json:"legs"`
}

func (l *Leg) ToWire() LegWire {
	w := LegWire{
		Action:         l.Action.String(),
		InstrumentType: l.InstrumentType.String(),
		Symbol:         l.Symbol,
	}
	if l.Quantity != nil {
		w.Quantity = l.Quantity.String()
	}
	return w
}

// ToWire maps the order to the submission schema. Price is fixed to two
// decimals; gtc-date only goes out for GTD and stop-trigger only for stop types.
func (o *Order) ToWire() OrderWire {
	w := OrderWire{
		OrderType:   o.Type.String(),
		Source:      o.Source,
		TimeInForce: o.TimeInForce.String(),
		Legs:        make([]LegWire, 0, len(o.Legs)),
	}
	for i := range o.Legs {
		w.Legs = append(w.Legs, o.Legs[i].ToWire())
	}
	if o.Price != nil {
		w.Price = o.Price.StringFixed(2)
	}
	if o.PriceEffect != 0 {
		w.PriceEffect = o.PriceEffect.String()
	}
	if o.TimeInForce == GTD && o.GTCDate != nil {
		w.GTCDate = o.GTCDate.Format(time.DateOnly)
	}
	if o.Type.IsStop() && o.StopTrigger != nil {
		w.StopTrigger = o.StopTrigger.String()
	}
	return w
}
