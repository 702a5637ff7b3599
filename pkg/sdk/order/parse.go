package order

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gotasty/pkg/sdk/api"
)

// ParseFromRemote builds an Order from either a bare order record or a routed
// envelope ({order, buying-power-effect, fee-calculation, warnings, errors}).
// Absent and null fields stay unset; an unknown enum value fails with a
// *ParseError.
func ParseFromRemote(record map[string]any) (*Order, error) {
	if record == nil {
		return nil, errors.Wrap(api.ErrMalformedEnvelope, "empty order record")
	}

	body, routed := api.LookupAs[map[string]any](record, "order")
	if !routed {
		body = record
	}

	o, err := parseOrderRecord(body)
	if err != nil {
		return nil, err
	}
	if !routed {
		return o, nil
	}

	if bp, ok := api.LookupAs[map[string]any](record, "buying-power-effect"); ok {
		if o.BuyingPowerEffect, err = parseBuyingPowerEffect(bp); err != nil {
			return nil, errors.Wrap(err, "buying-power-effect")
		}
	}
	if fees, ok := api.LookupAs[map[string]any](record, "fee-calculation"); ok {
		if o.Fees, err = parseFees(fees); err != nil {
			return nil, errors.Wrap(err, "fee-calculation")
		}
	}
	if list, ok := api.LookupAs[[]any](record, "warnings"); ok {
		o.Warnings = make([]Warning, 0, len(list))
		for _, m := range objects(list) {
			code, _ := api.String(m, "code")
			msg, _ := api.String(m, "message")
			o.Warnings = append(o.Warnings, Warning{Code: code, Message: msg})
		}
	}
	if list, ok := api.LookupAs[[]any](record, "errors"); ok {
		o.Errors = make([]Error, 0, len(list))
		for _, m := range objects(list) {
			code, _ := api.String(m, "code")
			msg, _ := api.String(m, "message")
			o.Errors = append(o.Errors, Error{Code: code, Message: msg})
		}
	}
	return o, nil
}

func parseOrderRecord(m map[string]any) (*Order, error) {
	r := &fieldReader{m: m}
	o := &Order{
		AccountNumber:    r.str("account-number"),
		Type:             readEnum(r, "order-type", ParseType),
		TimeInForce:      readEnum(r, "time-in-force", ParseTimeInForce),
		Source:           r.str("source"),
		ID:               r.id("id"),
		Price:            r.dec("price"),
		PriceEffect:      readEnum(r, "price-effect", ParsePriceEffect),
		StopTrigger:      r.dec("stop-trigger"),
		GTCDate:          r.time("gtc-date"),
		Size:             r.dec("size"),
		UnderlyingSymbol: r.str("underlying-symbol"),
		UnderlyingType:   readEnum(r, "underlying-instrument-type", ParseInstrumentType),
		Status:           readEnum(r, "status", ParseStatus),
		ContingentStatus: r.str("contingent-status"),
		Cancellable:      r.boolean("cancellable"),
		Editable:         r.boolean("editable"),
		Edited:           r.boolean("edited"),
		ReceivedAt:       r.time("received-at"),
		UpdatedAt:        r.millis("updated-at"),
		CancelledAt:      r.time("cancelled-at"),
		TerminalAt:       r.time("terminal-at"),
	}
	if r.err != nil {
		return nil, r.err
	}

	if list, ok := api.LookupAs[[]any](m, "legs"); ok {
		o.Legs = make([]Leg, 0, len(list))
		for i, lm := range objects(list) {
			leg, err := parseLeg(lm)
			if err != nil {
				return nil, errors.Wrapf(err, "leg %d", i)
			}
			o.Legs = append(o.Legs, leg)
		}
	}
	return o, nil
}

func parseLeg(m map[string]any) (Leg, error) {
	r := &fieldReader{m: m}
	leg := Leg{
		InstrumentType:    readEnum(r, "instrument-type", ParseInstrumentType),
		Symbol:            r.str("symbol"),
		Action:            readEnum(r, "action", ParseAction),
		Quantity:          r.dec("quantity"),
		RemainingQuantity: r.dec("remaining-quantity"),
	}
	if list, ok := api.LookupAs[[]any](m, "fills"); ok {
		leg.Fills = make([]Fill, 0, len(list))
		for _, fm := range objects(list) {
			fr := &fieldReader{m: fm}
			f := Fill{
				FillID:           fr.str("fill-id"),
				ExtExecID:        fr.str("ext-exec-id"),
				ExtGroupFillID:   fr.str("ext-group-fill-id"),
				Quantity:         fr.decValue("quantity"),
				FillPrice:        fr.decValue("fill-price"),
				DestinationVenue: fr.str("destination-venue"),
			}
			if t := fr.time("filled-at"); t != nil {
				f.FilledAt = *t
			}
			if fr.err != nil {
				return Leg{}, errors.Wrap(fr.err, "fill")
			}
			leg.Fills = append(leg.Fills, f)
		}
	}
	return leg, r.err
}

func parseBuyingPowerEffect(m map[string]any) (*BuyingPowerEffect, error) {
	r := &fieldReader{m: m}
	bp := &BuyingPowerEffect{
		ChangeInMarginRequirement:            r.decValue("change-in-margin-requirement"),
		ChangeInMarginRequirementEffect:      readEnum(r, "change-in-margin-requirement-effect", ParsePriceEffect),
		ChangeInBuyingPower:                  r.decValue("change-in-buying-power"),
		ChangeInBuyingPowerEffect:            readEnum(r, "change-in-buying-power-effect", ParsePriceEffect),
		CurrentBuyingPower:                   r.decValue("current-buying-power"),
		CurrentBuyingPowerEffect:             readEnum(r, "current-buying-power-effect", ParsePriceEffect),
		NewBuyingPower:                       r.decValue("new-buying-power"),
		NewBuyingPowerEffect:                 readEnum(r, "new-buying-power-effect", ParsePriceEffect),
		IsolatedOrderMarginRequirement:       r.decValue("isolated-order-margin-requirement"),
		IsolatedOrderMarginRequirementEffect: readEnum(r, "isolated-order-margin-requirement-effect", ParsePriceEffect),
		Impact:                               r.decValue("impact"),
		Effect:                               readEnum(r, "effect", ParsePriceEffect),
	}
	if v := r.boolean("is-spread"); v != nil {
		bp.IsSpread = *v
	}
	return bp, r.err
}

func parseFees(m map[string]any) (*FeeCalculation, error) {
	r := &fieldReader{m: m}
	f := &FeeCalculation{
		RegulatoryFees:             r.decValue("regulatory-fees"),
		RegulatoryFeesEffect:       readEnum(r, "regulatory-fees-effect", ParsePriceEffect),
		ClearingFees:               r.decValue("clearing-fees"),
		ClearingFeesEffect:         readEnum(r, "clearing-fees-effect", ParsePriceEffect),
		Commission:                 r.decValue("commission"),
		CommissionEffect:           readEnum(r, "commission-effect", ParsePriceEffect),
		ProprietaryIndexOptionFees: r.decValue("proprietary-index-option-fees"),
		ProprietaryIndexFeesEffect: readEnum(r, "proprietary-index-option-fees-effect", ParsePriceEffect),
		TotalFees:                  r.decValue("total-fees"),
		TotalFeesEffect:            readEnum(r, "total-fees-effect", ParsePriceEffect),
	}
	return f, r.err
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// fieldReader keeps the first conversion error so a record parses in one pass.
type fieldReader struct {
	m   map[string]any
	err error
}

func (r *fieldReader) fail(key string, err error) {
	if r.err == nil && err != nil {
		r.err = errors.Wrapf(err, "field %s", key)
	}
}

func (r *fieldReader) str(key string) string {
	s, _ := api.String(r.m, key)
	return s
}

// id treats 0 like an absent id.
func (r *fieldReader) id(key string) *int64 {
	n, ok, err := api.Int64(r.m, key)
	r.fail(key, err)
	if !ok || n == 0 {
		return nil
	}
	return &n
}

func (r *fieldReader) dec(key string) *decimal.Decimal {
	d, ok, err := api.Decimal(r.m, key)
	r.fail(key, err)
	if !ok {
		return nil
	}
	return &d
}

func (r *fieldReader) decValue(key string) decimal.Decimal {
	if d := r.dec(key); d != nil {
		return *d
	}
	return decimal.Zero
}

func (r *fieldReader) boolean(key string) *bool {
	b, ok, err := api.Bool(r.m, key)
	r.fail(key, err)
	if !ok {
		return nil
	}
	return &b
}

func (r *fieldReader) time(key string) *time.Time {
	t, ok, err := api.Time(r.m, key)
	r.fail(key, err)
	if !ok {
		return nil
	}
	return &t
}

// millis reads epoch milliseconds, falling back to an RFC 3339 string.
func (r *fieldReader) millis(key string) *time.Time {
	if t, ok, err := api.EpochMillis(r.m, key); err == nil {
		if !ok {
			return nil
		}
		return &t
	}
	return r.time(key)
}

func readEnum[T comparable](r *fieldReader, key string, parse func(string) (T, error)) T {
	var zero T
	s, ok := api.String(r.m, key)
	if !ok || s == "" {
		return zero
	}
	v, err := parse(s)
	if err != nil {
		r.fail(key, err)
		return zero
	}
	return v
}
