package account

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotasty/internal/tastytest"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/order"
	"github.com/betbot/gotasty/pkg/sdk/session"
)

type staticToken string

func (t staticToken) Token() string { return string(t) }

type fixture struct {
	srv    *tastytest.Server
	reader *Reader
	token  staticToken
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := tastytest.New(t)
	client := api.NewClient(srv.URL, api.WithRetry(0, time.Millisecond), api.WithLogger(logger.Discard()))
	return &fixture{
		srv:    srv,
		reader: NewReader(client, WithLogger(logger.Discard())),
		token:  staticToken(srv.IssueToken()),
	}
}

func historyOrder(id int64, symbol, status string) tastytest.Record {
	return tastytest.Record{
		"id":                id,
		"account-number":    tastytest.AccountNumber,
		"order-type":        "Limit",
		"time-in-force":     "Day",
		"price":             "10.00",
		"price-effect":      "Debit",
		"status":            status,
		"underlying-symbol": symbol,
		"legs": []tastytest.Record{{
			"instrument-type": "Equity",
			"symbol":          symbol,
			"quantity":        "1",
			"action":          "Buy to Open",
		}},
	}
}

func transaction(id int64) tastytest.Record {
	return tastytest.Record{
		"id":                   id,
		"account-number":       tastytest.AccountNumber,
		"transaction-type":     "Trade",
		"transaction-sub-type": "Buy to Open",
		"executed-at":          "2026-10-15T14:30:00.000+00:00",
		"value":                "450.25",
		"value-effect":         "Debit",
		"net-value":            "451.35",
		"net-value-effect":     "Debit",
		"symbol":               "SPY",
		"underlying-symbol":    "SPY",
		"action":               "Buy to Open",
		"quantity":             "1",
		"price":                "450.25",
		"regulatory-fees":      "0.02",
		"clearing-fees":        "0.08",
		"commission":           "1.00",
		"order-id":             1001,
	}
}

func TestReader_Accounts(t *testing.T) {
	f := newFixture(t)

	accounts, err := f.reader.Accounts(context.Background(), f.token)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	a := accounts[0]
	assert.Equal(t, tastytest.AccountNumber, a.Number)
	assert.Equal(t, "Margin", a.MarginOrCash)
	assert.Equal(t, "owner", a.AuthorityLevel)
	assert.False(t, a.IsClosed)
	require.NotNil(t, a.OpenedAt)
	assert.Equal(t, 2020, a.OpenedAt.Year())
	assert.Equal(t, tastytest.AccountNumber, a.Raw["account-number"])
}

func TestReader_BalancesAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.SetBalances(tastytest.AccountNumber, tastytest.Record{
		"account-number":        tastytest.AccountNumber,
		"cash-balance":          "1000.50",
		"net-liquidating-value": "1450.75",
		"equity-buying-power":   "2001.00",
	})

	b, err := f.reader.Balances(ctx, f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	assert.True(t, b.CashBalance.Equal(decimal.RequireFromString("1000.5")))
	assert.True(t, b.NetLiquidatingValue.Equal(decimal.RequireFromString("1450.75")))
	assert.True(t, b.DerivativeBuyingPower.IsZero(), "missing amounts read as zero")

	st, err := f.reader.TradingStatus(ctx, f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "No Restrictions", st.OptionsLevel)
	assert.False(t, st.IsFrozen)
}

func TestReader_CapitalRequirements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.SetRequirements(tastytest.AccountNumber, tastytest.Record{
		"account-number":          tastytest.AccountNumber,
		"margin-calculation-type": "Reg T",
		"maintenance-requirement": "1500.00",
		"underlyings": []tastytest.Record{
			{"underlying-symbol": "SPY", "underlying-type": "Equity", "description": "SPY", "maintenance-requirement": "1500.00"},
			{"code": "/ES", "underlying-type": "Future", "maintenance-requirement": "0"},
		},
	})

	req, err := f.reader.CapitalRequirements(ctx, f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	assert.Equal(t, "Reg T", req.MarginCalculationType)
	assert.True(t, req.MaintenanceRequirement.Equal(decimal.NewFromInt(1500)))
	require.Len(t, req.Underlyings, 2)

	underlyings, err := f.reader.Underlyings(ctx, f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	require.Len(t, underlyings, 2)
	assert.Equal(t, "SPY", underlyings[0].Symbol)
	assert.Equal(t, "/ES", underlyings[1].Symbol, "falls back to the code")
}

func TestReader_Positions(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPositions(tastytest.AccountNumber,
		tastytest.Record{
			"account-number":     tastytest.AccountNumber,
			"symbol":             "SPY",
			"instrument-type":    "Equity",
			"underlying-symbol":  "SPY",
			"quantity":           "100",
			"quantity-direction": "Long",
			"average-open-price": "450.25",
			"multiplier":         1,
			"cost-effect":        "Debit",
			"created-at":         "2026-10-01T14:30:00.000+00:00",
			"expires-at":         nil,
		},
		tastytest.Record{"symbol": "QQQ"},
	)

	_, err := f.reader.Positions(context.Background(), f.token, tastytest.AccountNumber)
	require.Error(t, err, "a position without quantity is rejected")
	assert.Contains(t, err.Error(), "item 1")

	f.srv.SetPositions(tastytest.AccountNumber, tastytest.Record{
		"symbol":             "SPY",
		"quantity":           "100",
		"average-open-price": "450.25",
		"created-at":         "2026-10-01T14:30:00.000+00:00",
	})
	positions, err := f.reader.Positions(context.Background(), f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.True(t, p.Quantity.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, p.AverageOpenPrice)
	assert.Equal(t, "450.25", p.AverageOpenPrice.String())
	assert.Nil(t, p.ClosePrice)
	assert.Nil(t, p.ExpiresAt)
	require.NotNil(t, p.CreatedAt)
}

func TestReader_Orders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.SetOrderHistory(tastytest.AccountNumber,
		historyOrder(1, "SPY", "Filled"),
		historyOrder(2, "QQQ", "Cancelled"),
		historyOrder(3, "SPY", "Expired"),
	)

	orders, err := f.reader.Orders(ctx, f.token, tastytest.AccountNumber, api.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, order.StatusFilled, orders[0].Status)
	assert.Equal(t, order.StateCancelled, orders[1].State())

	q, err := url.ParseQuery(f.srv.LastQuery("orders"))
	require.NoError(t, err)
	assert.Equal(t, "200", q.Get("per-page"))

	orders, err = f.reader.Orders(ctx, f.token, tastytest.AccountNumber, api.Query{Symbol: "SPY", PerPage: 1, PageOffset: 1})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, int64(3), *orders[0].ID)
}

func TestReader_OrdersUnknownStatus(t *testing.T) {
	f := newFixture(t)
	f.srv.SetOrderHistory(tastytest.AccountNumber, historyOrder(1, "SPY", "Teleported"))

	_, err := f.reader.Orders(context.Background(), f.token, tastytest.AccountNumber, api.Query{})
	var pe *order.ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Teleported", pe.Value)
}

func TestReader_LiveOrders(t *testing.T) {
	f := newFixture(t)
	live := historyOrder(7, "SPY", "Live")
	live["cancellable"] = true
	f.srv.SetLiveOrders(tastytest.AccountNumber, live)

	orders, err := f.reader.LiveOrders(context.Background(), f.token, tastytest.AccountNumber)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.StatusLive, orders[0].Status)
	require.NotNil(t, orders[0].Cancellable)
	assert.True(t, *orders[0].Cancellable)
}

func TestReader_Transactions(t *testing.T) {
	f := newFixture(t)
	f.srv.SetTransactions(tastytest.AccountNumber, transaction(1), transaction(2))

	txs, err := f.reader.Transactions(context.Background(), f.token, tastytest.AccountNumber, api.Query{})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	tx := txs[0]
	assert.Equal(t, int64(1), tx.ID)
	assert.Equal(t, "1.1", tx.Fees.String())
	assert.Equal(t, "Trade", tx.Type)
	require.NotNil(t, tx.OrderID)
	assert.Equal(t, int64(1001), *tx.OrderID)
	assert.Equal(t, 15, tx.ExecutedAt.Day())

	q, err := url.ParseQuery(f.srv.LastQuery("transactions"))
	require.NoError(t, err)
	assert.Equal(t, "2000", q.Get("per-page"))
}

func TestReader_TransactionFees(t *testing.T) {
	tests := []struct {
		name string
		edit func(tastytest.Record)
		want string
	}{
		{"all parts", func(tastytest.Record) {}, "1.1"},
		{"commission only", func(r tastytest.Record) {
			delete(r, "regulatory-fees")
			r["clearing-fees"] = nil
		}, "1"},
		{"no fees", func(r tastytest.Record) {
			delete(r, "regulatory-fees")
			delete(r, "clearing-fees")
			delete(r, "commission")
		}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := transaction(1)
			tt.edit(rec)
			f.srv.SetTransactions(tastytest.AccountNumber, rec)

			txs, err := f.reader.Transactions(context.Background(), f.token, tastytest.AccountNumber, api.Query{})
			require.NoError(t, err)
			require.Len(t, txs, 1)
			assert.Equal(t, tt.want, txs[0].Fees.String())
		})
	}
}

func TestReader_TransactionWithoutExecutedAt(t *testing.T) {
	f := newFixture(t)
	rec := transaction(1)
	delete(rec, "executed-at")
	f.srv.SetTransactions(tastytest.AccountNumber, rec)

	_, err := f.reader.Transactions(context.Background(), f.token, tastytest.AccountNumber, api.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executed-at")
}

func TestReader_RemoteRejectionIsAnError(t *testing.T) {
	f := newFixture(t)
	f.srv.RevokeTokens()

	_, err := f.reader.Balances(context.Background(), f.token, tastytest.AccountNumber)
	var re *api.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Status)
}

func TestReader_NoToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.reader.Accounts(context.Background(), staticToken(""))
	assert.ErrorIs(t, err, session.ErrNoToken)
	assert.Equal(t, 0, f.srv.Calls("GET /customers/me/accounts"))
}

func TestReader_Everything(t *testing.T) {
	f := newFixture(t)
	f.srv.SetOrderHistory(tastytest.AccountNumber, historyOrder(1, "SPY", "Filled"))
	f.srv.SetLiveOrders(tastytest.AccountNumber, historyOrder(2, "SPY", "Live"))
	f.srv.SetTransactions(tastytest.AccountNumber, transaction(1))
	f.srv.SetPositions(tastytest.AccountNumber, tastytest.Record{"symbol": "SPY", "quantity": "1"})

	snap, err := f.reader.Everything(context.Background(), f.token, tastytest.AccountNumber)
	require.NoError(t, err)

	assert.Equal(t, tastytest.AccountNumber, snap.Account)
	assert.Equal(t, tastytest.AccountNumber, snap.Balances.AccountNumber)
	assert.Equal(t, "No Restrictions", snap.Status.OptionsLevel)
	assert.NotNil(t, snap.Underlyings)
	assert.Len(t, snap.Positions, 1)
	assert.Len(t, snap.Orders, 1)
	assert.Len(t, snap.LiveOrders, 1)
	assert.Len(t, snap.Transactions, 1)
	assert.Equal(t, 1, f.srv.Calls("GET /margin/accounts/:acct/requirements"))
}

func TestBalanceTracker(t *testing.T) {
	f := newFixture(t)
	f.srv.SetBalances(tastytest.AccountNumber, tastytest.Record{"cash-balance": "42.00"})

	var updates atomic.Int32
	bt := NewBalanceTracker(f.reader, f.token, tastytest.AccountNumber, 10*time.Millisecond, func(Balance) {
		updates.Add(1)
	})

	_, _, ok := bt.Latest()
	assert.False(t, ok)

	bt.Start()
	require.Eventually(t, func() bool { return updates.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	bt.Stop()
	bt.Stop()

	b, at, ok := bt.Latest()
	require.True(t, ok)
	assert.False(t, at.IsZero())
	assert.True(t, b.CashBalance.Equal(decimal.NewFromInt(42)))
	assert.NoError(t, bt.Err())
}

func TestBalanceTracker_KeepsLastGoodValue(t *testing.T) {
	f := newFixture(t)
	f.srv.SetBalances(tastytest.AccountNumber, tastytest.Record{"cash-balance": "7"})

	bt := NewBalanceTracker(f.reader, f.token, tastytest.AccountNumber, 10*time.Millisecond, nil)
	bt.Start()
	defer bt.Stop()

	require.Eventually(t, func() bool { _, _, ok := bt.Latest(); return ok }, 2*time.Second, 5*time.Millisecond)
	f.srv.RevokeTokens()
	require.Eventually(t, func() bool { return bt.Err() != nil }, 2*time.Second, 5*time.Millisecond)

	b, _, ok := bt.Latest()
	assert.True(t, ok)
	assert.Equal(t, "7", b.CashBalance.String())
}
