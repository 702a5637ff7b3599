package account

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/gotasty/pkg/sdk/api"
)

// Account is one entry of the customer's account list.
type Account struct {
	Number          string
	Nickname        string
	AccountType     string
	MarginOrCash    string
	IsClosed        bool
	DayTraderStatus bool
	OpenedAt        *time.Time
	AuthorityLevel  string
	Raw             map[string]any
}

// Balance is the balances snapshot of an account.
type Balance struct {
	AccountNumber          string
	CashBalance            decimal.Decimal
	NetLiquidatingValue    decimal.Decimal
	EquityBuyingPower      decimal.Decimal
	DerivativeBuyingPower  decimal.Decimal
	MaintenanceRequirement decimal.Decimal
	PendingCash            decimal.Decimal
	UpdatedAt              *time.Time
	Raw                    map[string]any
}

type TradingStatus struct {
	AccountNumber string
	IsClosed      bool
	IsFrozen      bool
	IsMarginCall  bool
	OptionsLevel  string
	Raw           map[string]any
}

// CapitalRequirements is the margin requirements report; Underlyings holds its
// per-underlying breakdown.
type CapitalRequirements struct {
	AccountNumber          string
	Description            string
	MarginCalculationType  string
	OptionLevel            string
	MaintenanceRequirement decimal.Decimal
	MarginEquity           decimal.Decimal
	OptionBuyingPower      decimal.Decimal
	Underlyings            []Underlying
	Raw                    map[string]any
}

type Underlying struct {
	Symbol                 string
	Type                   string
	Description            string
	MaintenanceRequirement decimal.Decimal
	MarginRequirement      decimal.Decimal
	Raw                    map[string]any
}

type Position struct {
	AccountNumber     string
	Symbol            string
	InstrumentType    string
	UnderlyingSymbol  string
	Quantity          decimal.Decimal
	QuantityDirection string
	ClosePrice        *decimal.Decimal
	AverageOpenPrice  *decimal.Decimal
	Multiplier        *decimal.Decimal
	CostEffect        string
	CreatedAt         *time.Time
	ExpiresAt         *time.Time
	UpdatedAt         *time.Time
	Raw               map[string]any
}

type Transaction struct {
	ID             int64
	AccountNumber  string
	Type           string
	SubType        string
	ExecutedAt     time.Time
	Value          decimal.Decimal
	ValueEffect    string
	NetValue       decimal.Decimal
	NetValueEffect string
	Symbol         string
	Underlying     string
	Action         string
	Quantity       *decimal.Decimal
	Price          *decimal.Decimal
	// Fees is regulatory fees plus clearing fees plus commission; missing parts count as zero.
	Fees    decimal.Decimal
	OrderID *int64
	Raw     map[string]any
}

// record reads typed values out of a raw API record and keeps the first error.
type record struct {
	m   map[string]any
	err error
}

func (r *record) fail(key string, err error) {
	if r.err == nil {
		r.err = errors.Wrapf(err, "field %s", key)
	}
}

func (r *record) str(key string) string {
	s, _ := api.String(r.m, key)
	return s
}

func (r *record) boolean(key string) bool {
	b, _, err := api.Bool(r.m, key)
	if err != nil {
		r.fail(key, err)
	}
	return b
}

func (r *record) dec(key string) decimal.Decimal {
	d, _, err := api.Decimal(r.m, key)
	if err != nil {
		r.fail(key, err)
	}
	return d
}

func (r *record) optDec(key string) *decimal.Decimal {
	d, ok, err := api.Decimal(r.m, key)
	if err != nil {
		r.fail(key, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &d
}

func (r *record) requiredDec(key string) decimal.Decimal {
	d, ok, err := api.Decimal(r.m, key)
	if err != nil {
		r.fail(key, err)
	} else if !ok {
		r.fail(key, errors.New("missing"))
	}
	return d
}

func (r *record) optTime(key string) *time.Time {
	t, ok, err := api.Time(r.m, key)
	if err != nil {
		r.fail(key, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &t
}

func parseAccount(entry map[string]any) (Account, error) {
	inner, ok := api.LookupAs[map[string]any](entry, "account")
	if !ok {
		return Account{}, errors.New("account entry without account record")
	}
	r := &record{m: inner}
	a := Account{
		Number:          r.str("account-number"),
		Nickname:        r.str("nickname"),
		AccountType:     r.str("account-type-name"),
		MarginOrCash:    r.str("margin-or-cash"),
		IsClosed:        r.boolean("is-closed"),
		DayTraderStatus: r.boolean("day-trader-status"),
		OpenedAt:        r.optTime("opened-at"),
		Raw:             inner,
	}
	a.AuthorityLevel, _ = api.String(entry, "authority-level")
	if a.Number == "" {
		return Account{}, errors.New("account record without account-number")
	}
	return a, r.err
}

func parseBalance(m map[string]any) (Balance, error) {
	r := &record{m: m}
	return Balance{
		AccountNumber:          r.str("account-number"),
		CashBalance:            r.dec("cash-balance"),
		NetLiquidatingValue:    r.dec("net-liquidating-value"),
		EquityBuyingPower:      r.dec("equity-buying-power"),
		DerivativeBuyingPower:  r.dec("derivative-buying-power"),
		MaintenanceRequirement: r.dec("maintenance-requirement"),
		PendingCash:            r.dec("pending-cash"),
		UpdatedAt:              r.optTime("updated-at"),
		Raw:                    m,
	}, r.err
}

func parseTradingStatus(m map[string]any) (TradingStatus, error) {
	r := &record{m: m}
	return TradingStatus{
		AccountNumber: r.str("account-number"),
		IsClosed:      r.boolean("is-closed"),
		IsFrozen:      r.boolean("is-frozen"),
		IsMarginCall:  r.boolean("is-in-margin-call"),
		OptionsLevel:  r.str("options-level"),
		Raw:           m,
	}, r.err
}

func parseUnderlying(m map[string]any) (Underlying, error) {
	r := &record{m: m}
	u := Underlying{
		Symbol:                 r.str("underlying-symbol"),
		Type:                   r.str("underlying-type"),
		Description:            r.str("description"),
		MaintenanceRequirement: r.dec("maintenance-requirement"),
		MarginRequirement:      r.dec("margin-requirement"),
		Raw:                    m,
	}
	if u.Symbol == "" {
		u.Symbol = r.str("code")
	}
	return u, r.err
}

func parseRequirements(m map[string]any) (CapitalRequirements, error) {
	r := &record{m: m}
	req := CapitalRequirements{
		AccountNumber:          r.str("account-number"),
		Description:            r.str("description"),
		MarginCalculationType:  r.str("margin-calculation-type"),
		OptionLevel:            r.str("option-level"),
		MaintenanceRequirement: r.dec("maintenance-requirement"),
		MarginEquity:           r.dec("margin-equity"),
		OptionBuyingPower:      r.dec("option-buying-power"),
		Raw:                    m,
	}
	if r.err != nil {
		return req, r.err
	}
	underlyings, err := parseUnderlyings(m)
	req.Underlyings = underlyings
	return req, err
}

func parseUnderlyings(m map[string]any) ([]Underlying, error) {
	list, _ := api.LookupAs[[]any](m, "underlyings")
	out := make([]Underlying, 0, len(list))
	for i, it := range list {
		entry, ok := it.(map[string]any)
		if !ok {
			continue
		}
		u, err := parseUnderlying(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "underlying %d", i)
		}
		out = append(out, u)
	}
	return out, nil
}

func parsePosition(m map[string]any) (Position, error) {
	r := &record{m: m}
	return Position{
		AccountNumber:     r.str("account-number"),
		Symbol:            r.str("symbol"),
		InstrumentType:    r.str("instrument-type"),
		UnderlyingSymbol:  r.str("underlying-symbol"),
		Quantity:          r.requiredDec("quantity"),
		QuantityDirection: r.str("quantity-direction"),
		ClosePrice:        r.optDec("close-price"),
		AverageOpenPrice:  r.optDec("average-open-price"),
		Multiplier:        r.optDec("multiplier"),
		CostEffect:        r.str("cost-effect"),
		CreatedAt:         r.optTime("created-at"),
		ExpiresAt:         r.optTime("expires-at"),
		UpdatedAt:         r.optTime("updated-at"),
		Raw:               m,
	}, r.err
}

func parseTransaction(m map[string]any) (Transaction, error) {
	r := &record{m: m}
	tx := Transaction{
		AccountNumber:  r.str("account-number"),
		Type:           r.str("transaction-type"),
		SubType:        r.str("transaction-sub-type"),
		Value:          r.requiredDec("value"),
		ValueEffect:    r.str("value-effect"),
		NetValue:       r.requiredDec("net-value"),
		NetValueEffect: r.str("net-value-effect"),
		Symbol:         r.str("symbol"),
		Underlying:     r.str("underlying-symbol"),
		Action:         r.str("action"),
		Quantity:       r.optDec("quantity"),
		Price:          r.optDec("price"),
		Fees:           r.dec("regulatory-fees").Add(r.dec("clearing-fees")).Add(r.dec("commission")),
		Raw:            m,
	}

	id, ok, err := api.Int64(m, "id")
	if err != nil {
		r.fail("id", err)
	} else if ok {
		tx.ID = id
	}
	if oid, ok, err := api.Int64(m, "order-id"); err != nil {
		r.fail("order-id", err)
	} else if ok {
		tx.OrderID = &oid
	}

	executed, ok, err := api.Time(m, "executed-at")
	switch {
	case err != nil:
		r.fail("executed-at", err)
	case !ok:
		r.fail("executed-at", errors.New("missing"))
	default:
		tx.ExecutedAt = executed
	}
	return tx, r.err
}
