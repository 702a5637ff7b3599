package order

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// mergeOrder copies every field of src onto dst whose value is set and
// differs from dst's. Unset values in src never blank dst. It returns the
// names of the fields it changed.
//
// Legs are replaced as a whole; an empty leg list counts as unset. Warnings
// and errors distinguish nil (not in the response) from empty (cleared).
func mergeOrder(dst, src *Order) []string {
	var changed []string
	mark := func(name string, ok bool) {
		if ok {
			changed = append(changed, name)
		}
	}

	mark("account-number", mergeString(&dst.AccountNumber, src.AccountNumber))
	mark("order-type", mergeEnum(&dst.Type, src.Type))
	mark("time-in-force", mergeEnum(&dst.TimeInForce, src.TimeInForce))
	mark("source", mergeString(&dst.Source, src.Source))
	mark("id", mergePtr(&dst.ID, src.ID, eq[int64]))
	mark("price", mergePtr(&dst.Price, src.Price, decimal.Decimal.Equal))
	mark("price-effect", mergeEnum(&dst.PriceEffect, src.PriceEffect))
	mark("stop-trigger", mergePtr(&dst.StopTrigger, src.StopTrigger, decimal.Decimal.Equal))
	mark("gtc-date", mergePtr(&dst.GTCDate, src.GTCDate, time.Time.Equal))
	mark("size", mergePtr(&dst.Size, src.Size, decimal.Decimal.Equal))
	mark("underlying-symbol", mergeString(&dst.UnderlyingSymbol, src.UnderlyingSymbol))
	mark("underlying-instrument-type", mergeEnum(&dst.UnderlyingType, src.UnderlyingType))
	mark("status", mergeEnum(&dst.Status, src.Status))
	mark("contingent-status", mergeString(&dst.ContingentStatus, src.ContingentStatus))
	mark("cancellable", mergePtr(&dst.Cancellable, src.Cancellable, eq[bool]))
	mark("editable", mergePtr(&dst.Editable, src.Editable, eq[bool]))
	mark("edited", mergePtr(&dst.Edited, src.Edited, eq[bool]))
	mark("received-at", mergePtr(&dst.ReceivedAt, src.ReceivedAt, time.Time.Equal))
	mark("updated-at", mergePtr(&dst.UpdatedAt, src.UpdatedAt, time.Time.Equal))
	mark("cancelled-at", mergePtr(&dst.CancelledAt, src.CancelledAt, time.Time.Equal))
	mark("terminal-at", mergePtr(&dst.TerminalAt, src.TerminalAt, time.Time.Equal))
	mark("is-dry-run", mergePtr(&dst.IsDryRun, src.IsDryRun, eq[bool]))

	if len(src.Legs) > 0 && !legsEqual(dst.Legs, src.Legs) {
		dst.Legs = make([]Leg, len(src.Legs))
		for i := range src.Legs {
			dst.Legs[i] = src.Legs[i].clone()
		}
		mark("legs", true)
	}

	if src.BuyingPowerEffect != nil && (dst.BuyingPowerEffect == nil || !dst.BuyingPowerEffect.equal(src.BuyingPowerEffect)) {
		dst.BuyingPowerEffect = clonePtr(src.BuyingPowerEffect)
		mark("buying-power-effect", true)
	}
	if src.Fees != nil && (dst.Fees == nil || !dst.Fees.equal(src.Fees)) {
		dst.Fees = clonePtr(src.Fees)
		mark("fee-calculation", true)
	}
	if src.Warnings != nil && (dst.Warnings == nil || !slices.Equal(dst.Warnings, src.Warnings)) {
		dst.Warnings = slices.Clone(src.Warnings)
		mark("warnings", true)
	}
	if src.Errors != nil && (dst.Errors == nil || !slices.Equal(dst.Errors, src.Errors)) {
		dst.Errors = slices.Clone(src.Errors)
		mark("errors", true)
	}
	return changed
}

func eq[T comparable](a, b T) bool { return a == b }

func mergeString(dst *string, src string) bool {
	if src == "" || src == *dst {
		return false
	}
	*dst = src
	return true
}

func mergeEnum[T comparable](dst *T, src T) bool {
	var zero T
	if src == zero || src == *dst {
		return false
	}
	*dst = src
	return true
}

func mergePtr[T any](dst **T, src *T, equal func(a, b T) bool) bool {
	if src == nil {
		return false
	}
	if *dst != nil && equal(**dst, *src) {
		return false
	}
	v := *src
	*dst = &v
	return true
}
