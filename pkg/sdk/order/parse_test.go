package order

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const liveOrderJSON = `{
	"id": 3141592,
	"account-number": "5WT00001",
	"time-in-force": "Day",
	"order-type": "Limit",
	"size": "1",
	"underlying-symbol": "SPY",
	"underlying-instrument-type": "Equity",
	"price": "100.0",
	"price-effect": "Debit",
	"status": "Live",
	"contingent-status": "Pending Order",
	"cancellable": true,
	"editable": true,
	"edited": false,
	"received-at": "2026-10-16T14:30:00.123+00:00",
	"updated-at": 1792161000456,
	"legs": [{
		"instrument-type": "Equity",
		"symbol": "SPY",
		"quantity": "1",
		"remaining-quantity": "1",
		"action": "Buy to Open",
		"fills": []
	}]
}`

func decodeRecord(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	require.NoError(t, dec.Decode(&m))
	return m
}

func TestParseFromRemote_Bare(t *testing.T) {
	o, err := ParseFromRemote(decodeRecord(t, liveOrderJSON))
	require.NoError(t, err)

	require.NotNil(t, o.ID)
	assert.Equal(t, int64(3141592), *o.ID)
	assert.Equal(t, "5WT00001", o.AccountNumber)
	assert.Equal(t, TypeLimit, o.Type)
	assert.Equal(t, Day, o.TimeInForce)
	assert.Equal(t, StatusLive, o.Status)
	assert.Equal(t, InstrumentEquity, o.UnderlyingType)
	assert.Equal(t, "Pending Order", o.ContingentStatus)
	assert.True(t, o.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, Debit, o.PriceEffect)
	require.NotNil(t, o.Cancellable)
	assert.True(t, *o.Cancellable)
	require.NotNil(t, o.UpdatedAt)
	assert.Equal(t, time.UnixMilli(1792161000456).UTC(), *o.UpdatedAt)
	require.NotNil(t, o.ReceivedAt)
	assert.Equal(t, 2026, o.ReceivedAt.Year())
	assert.Nil(t, o.CancelledAt)

	require.Len(t, o.Legs, 1)
	assert.Equal(t, BuyToOpen, o.Legs[0].Action)
	assert.NotNil(t, o.Legs[0].Fills)
	assert.Empty(t, o.Legs[0].Fills)

	// bare records never carry the routed extras
	assert.Nil(t, o.Fees)
	assert.Nil(t, o.BuyingPowerEffect)
	assert.Nil(t, o.Warnings)
	assert.Nil(t, o.Errors)
}

func TestParseFromRemote_BothShapesAgree(t *testing.T) {
	bare, err := ParseFromRemote(decodeRecord(t, liveOrderJSON))
	require.NoError(t, err)

	routed, err := ParseFromRemote(decodeRecord(t, `{"order": `+liveOrderJSON+`}`))
	require.NoError(t, err)

	assert.Equal(t, bare, routed)
}

func TestParseFromRemote_RoutedExtras(t *testing.T) {
	routed := `{
		"order": ` + liveOrderJSON + `,
		"buying-power-effect": {
			"change-in-buying-power": "101.25",
			"change-in-buying-power-effect": "Debit",
			"is-spread": false,
			"impact": "101.25",
			"effect": "Debit"
		},
		"fee-calculation": {
			"commission": "1.0",
			"commission-effect": "Debit",
			"total-fees": "1.25",
			"total-fees-effect": "Debit"
		},
		"warnings": [{"code": "market_closed", "message": "Market is closed"}],
		"errors": []
	}`

	o, err := ParseFromRemote(decodeRecord(t, routed))
	require.NoError(t, err)

	require.NotNil(t, o.BuyingPowerEffect)
	assert.True(t, o.BuyingPowerEffect.ChangeInBuyingPower.Equal(decimal.RequireFromString("101.25")))
	assert.Equal(t, Debit, o.BuyingPowerEffect.Effect)

	fees, err := o.TotalFees()
	require.NoError(t, err)
	assert.Equal(t, "-1.25", fees.String())

	assert.Equal(t, []Warning{{Code: "market_closed", Message: "Market is closed"}}, o.Warnings)
	assert.NotNil(t, o.Errors)
	assert.Empty(t, o.Errors)
}

func TestParseFromRemote_UnknownEnum(t *testing.T) {
	rec := decodeRecord(t, liveOrderJSON)
	rec["order-type"] = "Iceberg"

	_, err := ParseFromRemote(rec)
	require.Error(t, err)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "order-type", pe.Kind)
	assert.Equal(t, "Iceberg", pe.Value)
}

func TestParseFromRemote_UnknownLegAction(t *testing.T) {
	rec := decodeRecord(t, liveOrderJSON)
	rec["legs"].([]any)[0].(map[string]any)["action"] = "Buy"

	_, err := ParseFromRemote(rec)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "action", pe.Kind)
}

func TestParseFromRemote_NullsStayUnset(t *testing.T) {
	o, err := ParseFromRemote(map[string]any{
		"id":             nil,
		"account-number": "5WT00001",
		"price":          nil,
		"status":         "Received",
		"updated-at":     nil,
	})
	require.NoError(t, err)
	assert.Nil(t, o.ID)
	assert.Nil(t, o.Price)
	assert.Nil(t, o.UpdatedAt)
	assert.Nil(t, o.Legs)
	assert.Equal(t, StatusReceived, o.Status)
}

func TestParseFromRemote_Fills(t *testing.T) {
	rec := decodeRecord(t, liveOrderJSON)
	leg := rec["legs"].([]any)[0].(map[string]any)
	leg["remaining-quantity"] = "0"
	leg["fills"] = []any{map[string]any{
		"fill-id":           "f-1",
		"ext-exec-id":       "x-1",
		"quantity":          "1",
		"fill-price":        "99.98",
		"filled-at":         "2026-10-16T14:30:01Z",
		"destination-venue": "NITE",
	}}

	o, err := ParseFromRemote(rec)
	require.NoError(t, err)
	require.Len(t, o.Legs[0].Fills, 1)
	f := o.Legs[0].Fills[0]
	assert.Equal(t, "f-1", f.FillID)
	assert.True(t, f.FillPrice.Equal(decimal.RequireFromString("99.98")))
	assert.True(t, o.Legs[0].FilledQuantity().Equal(decimal.NewFromInt(1)))
	assert.True(t, o.Legs[0].RemainingQuantity.IsZero())
}
