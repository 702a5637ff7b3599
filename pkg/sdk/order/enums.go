package order

import "fmt"

// ParseError reports a wire value outside a closed enumeration.
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

// enum is the bidirectional table between a Go enumeration and its wire strings.
type enum[T comparable] struct {
	kind     string
	toWire   map[T]string
	fromWire map[string]T
}

func newEnum[T comparable](kind string, values map[T]string) enum[T] {
	e := enum[T]{kind: kind, toWire: values, fromWire: make(map[string]T, len(values))}
	for v, s := range values {
		e.fromWire[s] = v
	}
	return e
}

func (e enum[T]) parse(s string) (T, error) {
	if v, ok := e.fromWire[s]; ok {
		return v, nil
	}
	var zero T
	return zero, &ParseError{Kind: e.kind, Value: s}
}

func (e enum[T]) wire(v T) string {
	return e.toWire[v]
}

// The zero value of every enumeration below means "not set".

type InstrumentType int

const (
	InstrumentEquity InstrumentType = iota + 1
	InstrumentFuture
	InstrumentEquityOption
	InstrumentFutureOption
	InstrumentCryptocurrency
)

var instrumentTypes = newEnum("instrument-type", map[InstrumentType]string{
	InstrumentEquity:         "Equity",
	InstrumentFuture:         "Future",
	InstrumentEquityOption:   "Equity Option",
	InstrumentFutureOption:   "Future Option",
	InstrumentCryptocurrency: "Cryptocurrency",
})

func ParseInstrumentType(s string) (InstrumentType, error) { return instrumentTypes.parse(s) }
func (t InstrumentType) String() string                    { return instrumentTypes.wire(t) }

type Action int

const (
	BuyToOpen Action = iota + 1
	SellToOpen
	BuyToClose
	SellToClose
)

var actions = newEnum("action", map[Action]string{
	BuyToOpen:   "Buy to Open",
	SellToOpen:  "Sell to Open",
	BuyToClose:  "Buy to Close",
	SellToClose: "Sell to Close",
})

func ParseAction(s string) (Action, error) { return actions.parse(s) }
func (a Action) String() string             { return actions.wire(a) }

type Type int

const (
	TypeMarket Type = iota + 1
	TypeLimit
	TypeStop
	TypeStopLimit
	TypeNotionalMarket
)

var orderTypes = newEnum("order-type", map[Type]string{
	TypeMarket:         "Market",
	TypeLimit:          "Limit",
	TypeStop:           "Stop",
	TypeStopLimit:      "Stop Limit",
	TypeNotionalMarket: "Notional Market",
})

func ParseType(s string) (Type, error) { return orderTypes.parse(s) }
func (t Type) String() string           { return orderTypes.wire(t) }

// IsStop reports whether the type carries a stop trigger.
func (t Type) IsStop() bool {
	return t == TypeStop || t == TypeStopLimit
}

type TimeInForce int

const (
	Day TimeInForce = iota + 1
	GTC
	GTD
	Ext
)

var timesInForce = newEnum("time-in-force", map[TimeInForce]string{
	Day: "Day",
	GTC: "GTC",
	GTD: "GTD",
	Ext: "Ext",
})

func ParseTimeInForce(s string) (TimeInForce, error) { return timesInForce.parse(s) }
func (t TimeInForce) String() string                 { return timesInForce.wire(t) }

type Status int

const (
	StatusRouted Status = iota + 1
	StatusInFlight
	StatusReceived
	StatusLive
	StatusContingent
	StatusCancelRequested
	StatusReplaceRequested
	StatusCancelled
	StatusFilled
	StatusExpired
	StatusRejected
	StatusRemoved
	StatusPartiallyRemoved
)

var statuses = newEnum("status", map[Status]string{
	StatusRouted:           "Routed",
	StatusInFlight:         "In Flight",
	StatusReceived:         "Received",
	StatusLive:             "Live",
	StatusContingent:       "Contingent",
	StatusCancelRequested:  "Cancel Requested",
	StatusReplaceRequested: "Replace Requested",
	StatusCancelled:        "Cancelled",
	StatusFilled:           "Filled",
	StatusExpired:          "Expired",
	StatusRejected:         "Rejected",
	StatusRemoved:          "Removed",
	StatusPartiallyRemoved: "Partially Removed",
})

func ParseStatus(s string) (Status, error) { return statuses.parse(s) }
func (s Status) String() string             { return statuses.wire(s) }

// IsActive is true while the order rests at the exchange or is about to.
func (s Status) IsActive() bool {
	return s == StatusLive || s == StatusReceived
}

// IsTerminal is true once no further transition is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusFilled, StatusExpired, StatusRejected, StatusRemoved:
		return true
	}
	return false
}

type PriceEffect int

const (
	Credit PriceEffect = iota + 1
	Debit
	NoEffect
)

var priceEffects = newEnum("price-effect", map[PriceEffect]string{
	Credit:   "Credit",
	Debit:    "Debit",
	NoEffect: "None",
})

func ParsePriceEffect(s string) (PriceEffect, error) { return priceEffects.parse(s) }
func (p PriceEffect) String() string                 { return priceEffects.wire(p) }

// Sign is +1 for a credit, -1 for a debit and 0 otherwise.
func (p PriceEffect) Sign() int64 {
	switch p {
	case Credit:
		return 1
	case Debit:
		return -1
	}
	return 0
}
