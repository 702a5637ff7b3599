package order

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gotasty/pkg/config"
)

// BuyingPowerEffect is returned with a routed or dry-run order.
type BuyingPowerEffect struct {
	ChangeInMarginRequirement            decimal.Decimal
	ChangeInMarginRequirementEffect      PriceEffect
	ChangeInBuyingPower                  decimal.Decimal
	ChangeInBuyingPowerEffect            PriceEffect
	CurrentBuyingPower                   decimal.Decimal
	CurrentBuyingPowerEffect             PriceEffect
	NewBuyingPower                       decimal.Decimal
	NewBuyingPowerEffect                 PriceEffect
	IsolatedOrderMarginRequirement       decimal.Decimal
	IsolatedOrderMarginRequirementEffect PriceEffect
	IsSpread                             bool
	Impact                               decimal.Decimal
	Effect                               PriceEffect
}

func (b *BuyingPowerEffect) equal(o *BuyingPowerEffect) bool {
	return b.ChangeInMarginRequirement.Equal(o.ChangeInMarginRequirement) &&
		b.ChangeInMarginRequirementEffect == o.ChangeInMarginRequirementEffect &&
		b.ChangeInBuyingPower.Equal(o.ChangeInBuyingPower) &&
		b.ChangeInBuyingPowerEffect == o.ChangeInBuyingPowerEffect &&
		b.CurrentBuyingPower.Equal(o.CurrentBuyingPower) &&
		b.CurrentBuyingPowerEffect == o.CurrentBuyingPowerEffect &&
		b.NewBuyingPower.Equal(o.NewBuyingPower) &&
		b.NewBuyingPowerEffect == o.NewBuyingPowerEffect &&
		b.IsolatedOrderMarginRequirement.Equal(o.IsolatedOrderMarginRequirement) &&
		b.IsolatedOrderMarginRequirementEffect == o.IsolatedOrderMarginRequirementEffect &&
		b.IsSpread == o.IsSpread &&
		b.Impact.Equal(o.Impact) &&
		b.Effect == o.Effect
}

// FeeCalculation is the fee breakdown of a routed or dry-run order.
type FeeCalculation struct {
	RegulatoryFees             decimal.Decimal
	RegulatoryFeesEffect       PriceEffect
	ClearingFees               decimal.Decimal
	ClearingFeesEffect         PriceEffect
	Commission                 decimal.Decimal
	CommissionEffect           PriceEffect
	ProprietaryIndexOptionFees decimal.Decimal
	ProprietaryIndexFeesEffect PriceEffect
	TotalFees                  decimal.Decimal
	TotalFeesEffect            PriceEffect
}

func (f *FeeCalculation) equal(o *FeeCalculation) bool {
	return f.RegulatoryFees.Equal(o.RegulatoryFees) &&
		f.RegulatoryFeesEffect == o.RegulatoryFeesEffect &&
		f.ClearingFees.Equal(o.ClearingFees) &&
		f.ClearingFeesEffect == o.ClearingFeesEffect &&
		f.Commission.Equal(o.Commission) &&
		f.CommissionEffect == o.CommissionEffect &&
		f.ProprietaryIndexOptionFees.Equal(o.ProprietaryIndexOptionFees) &&
		f.ProprietaryIndexFeesEffect == o.ProprietaryIndexFeesEffect &&
		f.TotalFees.Equal(o.TotalFees) &&
		f.TotalFeesEffect == o.TotalFeesEffect
}

// Warning is a non-blocking remark attached to a routed order.
type Warning struct {
	Code    string
	Message string
}

// Error is a business-rule rejection of a routed order.
type Error struct {
	Code    string
	Message string
}

// Order is owned by the caller; the engine mutates it in place. An Order is
// not safe for concurrent mutation.
type Order struct {
	AccountNumber string
	Type          Type
	TimeInForce   TimeInForce
	Legs          []Leg
	Source        string

	ID          *int64
	Price       *decimal.Decimal
	PriceEffect PriceEffect
	StopTrigger *decimal.Decimal
	GTCDate     *time.Time

	// Server-assigned.
	Size             *decimal.Decimal
	UnderlyingSymbol string
	UnderlyingType   InstrumentType
	Status           Status
	ContingentStatus string
	Cancellable      *bool
	Editable         *bool
	Edited           *bool
	ReceivedAt       *time.Time
	UpdatedAt        *time.Time
	CancelledAt      *time.Time
	TerminalAt       *time.Time

	// Only present on a routed or dry-run response.
	BuyingPowerEffect *BuyingPowerEffect
	Fees              *FeeCalculation
	Warnings          []Warning
	Errors            []Error
	IsDryRun          *bool
}

// New creates an unrouted order with the default source tag.
func New(account string, typ Type, tif TimeInForce) *Order {
	return &Order{
		AccountNumber: account,
		Type:          typ,
		TimeInForce:   tif,
		Source:        config.DefaultOrderSource,
	}
}

// SetPrice sets price and price effect together.
func (o *Order) SetPrice(price decimal.Decimal, effect PriceEffect) *Order {
	o.Price = &price
	o.PriceEffect = effect
	return o
}

func (o *Order) SetStopTrigger(trigger decimal.Decimal) *Order {
	o.StopTrigger = &trigger
	return o
}

func (o *Order) SetGTCDate(date time.Time) *Order {
	o.GTCDate = &date
	return o
}

// AddLeg appends an executable leg; incomplete legs are refused.
func (o *Order) AddLeg(leg Leg) error {
	if !leg.IsExecutable() {
		return errors.Wrapf(ErrNotExecutable, "leg %q is missing required data", leg.Symbol)
	}
	o.Legs = append(o.Legs, leg)
	return nil
}

// IsExecutable validates everything needed to route: type, source,
// time-in-force, at least one executable leg, price and price effect for
// non-market types, a stop trigger for stop types and a date for GTD.
func (o *Order) IsExecutable() bool {
	if o.Type == 0 || o.Source == "" || o.TimeInForce == 0 || len(o.Legs) == 0 {
		return false
	}
	for i := range o.Legs {
		if !o.Legs[i].IsExecutable() {
			return false
		}
	}
	if o.Type != TypeMarket && (o.Price == nil || o.PriceEffect == 0) {
		return false
	}
	if o.Type.IsStop() && o.StopTrigger == nil {
		return false
	}
	if o.TimeInForce == GTD && o.GTCDate == nil {
		return false
	}
	return true
}

// HasID reports whether the order carries a remote id.
func (o *Order) HasID() bool {
	return o.ID != nil && *o.ID > 0
}

func (o *Order) wasDryRun() bool {
	return o.IsDryRun != nil && *o.IsDryRun
}

// TotalFees is the fee total signed by its effect: positive for a credit,
// negative for a debit.
func (o *Order) TotalFees() (decimal.Decimal, error) {
	if o.Fees == nil {
		return decimal.Zero, ErrNoFees
	}
	if o.Fees.TotalFeesEffect == 0 {
		return decimal.Zero, errors.Wrap(ErrNoFees, "total-fees-effect is missing")
	}
	return o.Fees.TotalFees.Mul(decimal.NewFromInt(o.Fees.TotalFeesEffect.Sign())), nil
}

// Rejected reports whether the last route carried business-rule errors.
func (o *Order) Rejected() bool {
	return len(o.Errors) > 0 || o.Status == StatusRejected
}

// State is the lifecycle position of an order.
type State int

const (
	StateUnrouted State = iota
	StateDryRun
	StateRoutedPending
	StateLive
	StateContingent
	StateCancelRequested
	StateCancelled
	StateFilled
	StateExpired
	StateRejected
)

var stateNames = [...]string{
	StateUnrouted:        "unrouted",
	StateDryRun:          "dry-run",
	StateRoutedPending:   "routed-pending",
	StateLive:            "live",
	StateContingent:      "contingent",
	StateCancelRequested: "cancel-requested",
	StateCancelled:       "cancelled",
	StateFilled:          "filled",
	StateExpired:         "expired",
	StateRejected:        "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsTerminal reports a state after which no mutation is expected.
func (s State) IsTerminal() bool {
	switch s {
	case StateCancelled, StateFilled, StateExpired, StateRejected:
		return true
	}
	return false
}

// State derives the lifecycle state from dry-run flag, status and id.
func (o *Order) State() State {
	if o.IsDryRun != nil && *o.IsDryRun {
		return StateDryRun
	}
	switch o.Status {
	case StatusRouted, StatusInFlight, StatusReceived:
		return StateRoutedPending
	case StatusLive, StatusReplaceRequested, StatusPartiallyRemoved:
		return StateLive
	case StatusContingent:
		return StateContingent
	case StatusCancelRequested:
		return StateCancelRequested
	case StatusCancelled, StatusRemoved:
		return StateCancelled
	case StatusFilled:
		return StateFilled
	case StatusExpired:
		return StateExpired
	case StatusRejected:
		return StateRejected
	}
	if o.HasID() {
		return StateRoutedPending
	}
	return StateUnrouted
}
