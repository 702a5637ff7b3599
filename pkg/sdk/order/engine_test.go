package order

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotasty/internal/tastytest"
	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/session"
)

type staticToken string

func (t staticToken) Token() string { return string(t) }

const (
	routeKey  = "POST /accounts/:acct/orders"
	dryRunKey = "POST /accounts/:acct/orders/dry-run"
	cancelKey = "DELETE /accounts/:acct/orders/:id"
	liveKey   = "GET /accounts/:acct/orders/live"
)

type fixture struct {
	srv    *tastytest.Server
	engine *Engine
	token  staticToken
	sleeps []time.Duration
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{srv: tastytest.New(t)}
	f.token = staticToken(f.srv.IssueToken())

	client := api.NewClient(f.srv.URL, api.WithRetry(0, time.Millisecond), api.WithLogger(logger.Discard()))
	base := []Option{
		WithLogger(logger.Discard()),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return ctx.Err()
		}),
	}
	f.engine = NewEngine(client, append(base, opts...)...)
	return f
}

func newSPYOrder() *Order {
	o := New(tastytest.AccountNumber, TypeLimit, Day)
	o.SetPrice(decimal.NewFromInt(100), Debit)
	if err := o.AddLeg(NewLeg(InstrumentEquity, "SPY", BuyToOpen, decimal.NewFromInt(1))); err != nil {
		panic(err)
	}
	return o
}

func liveRecord(id int64, status string, cancellable bool) tastytest.Record {
	return tastytest.Record{
		"id":                id,
		"account-number":    tastytest.AccountNumber,
		"order-type":        "Limit",
		"time-in-force":     "Day",
		"price":             "100.0",
		"price-effect":      "Debit",
		"status":            status,
		"contingent-status": "Pending Order",
		"cancellable":       cancellable,
		"editable":          true,
		"legs": []tastytest.Record{{
			"instrument-type": "Equity",
			"symbol":          "SPY",
			"quantity":        "1",
			"action":          "Buy to Open",
		}},
	}
}

func TestEngine_DryRunScenario(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()
	require.True(t, o.IsExecutable())

	ok, err := f.engine.Route(context.Background(), f.token, o, true)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, o.HasID())
	assert.Equal(t, StatusReceived, o.Status)
	require.NotNil(t, o.IsDryRun)
	assert.True(t, *o.IsDryRun)
	assert.NotNil(t, o.ReceivedAt, "dry runs are stamped locally")
	assert.Equal(t, StateDryRun, o.State())

	fees, err := o.TotalFees()
	require.NoError(t, err)
	assert.Equal(t, "-1.25", fees.String())

	assert.Equal(t, 1, f.srv.Calls(dryRunKey))
	assert.Equal(t, 0, f.srv.Calls(liveKey), "dry runs are not reconciled")
	assert.Empty(t, f.sleeps)

	req, _ := f.srv.LastRoute()
	assert.Equal(t, "100.00", req.Body["price"])
	assert.Equal(t, "Debit", req.Body["price-effect"])
}

func TestEngine_RouteLiveReconciles(t *testing.T) {
	f := newFixture(t, WithRouteSyncDelay(250*time.Millisecond))
	o := newSPYOrder()

	ok, err := f.engine.Route(context.Background(), f.token, o, false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []time.Duration{250 * time.Millisecond}, f.sleeps)
	assert.Equal(t, 1, f.srv.Calls(routeKey))
	assert.Equal(t, 1, f.srv.Calls(liveKey))

	assert.Equal(t, StatusLive, o.Status)
	assert.Empty(t, o.ContingentStatus, "live orders drop the stale contingent status")
	assert.False(t, *o.IsDryRun)
	assert.Equal(t, StateLive, o.State())

	live, err := f.engine.IsLive(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestEngine_RouteNotExecutableMakesNoCall(t *testing.T) {
	f := newFixture(t)
	o := New(tastytest.AccountNumber, TypeLimit, Day)

	ok, err := f.engine.Route(context.Background(), f.token, o, true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotExecutable)
	assert.Equal(t, 0, f.srv.Calls(dryRunKey))
}

func TestEngine_RouteRejection(t *testing.T) {
	f := newFixture(t)
	f.srv.OnRoute(func(req tastytest.RouteRequest) (int, any) {
		return http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{
			"code":    "preflight_check_failure",
			"message": "One or more preflight checks failed",
			"errors": []map[string]any{
				{"code": "insufficient_buying_power", "message": "Insufficient buying power"},
			},
		}}
	})
	o := newSPYOrder()

	ok, err := f.engine.Route(context.Background(), f.token, o, false)
	require.NoError(t, err, "business rejections are reported on the order")
	assert.False(t, ok)
	assert.Equal(t, []Error{{Code: "insufficient_buying_power", Message: "Insufficient buying power"}}, o.Errors)
	assert.True(t, o.Rejected())
	assert.Empty(t, f.sleeps)
}

func TestEngine_RouteUnauthorizedIsAnError(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()

	ok, err := f.engine.Route(context.Background(), staticToken("expired"), o, true)
	assert.False(t, ok)
	var re *api.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.Nil(t, o.Errors)
}

func TestEngine_RouteWithoutToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Route(context.Background(), staticToken(""), newSPYOrder(), true)
	assert.ErrorIs(t, err, session.ErrNoToken)
}

func TestEngine_LiveSyncNotFoundLeavesOrderUntouched(t *testing.T) {
	l, hook := test.NewNullLogger()
	f := newFixture(t, WithLogger(logrus.NewEntry(l)))
	f.srv.SetLiveOrders(tastytest.AccountNumber, liveRecord(1, "Live", true))

	o := newSPYOrder()
	id := int64(999)
	o.ID = &id
	o.Status = StatusReceived
	before := *o

	ok, err := f.engine.LiveSync(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, *o)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(999), hook.LastEntry().Data["order_id"])
}

func TestEngine_LiveSyncSingleMatch(t *testing.T) {
	f := newFixture(t)
	f.srv.SetLiveOrders(tastytest.AccountNumber,
		liveRecord(41, "Live", true),
		liveRecord(42, "Live", true),
	)

	o := newSPYOrder()
	id := int64(42)
	o.ID = &id
	o.Status = StatusReceived
	o.ContingentStatus = "Pending Order"

	ok, err := f.engine.LiveSync(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusLive, o.Status)
	assert.Equal(t, "", o.ContingentStatus)
	require.NotNil(t, o.Cancellable)
	assert.True(t, *o.Cancellable)
}

func TestEngine_LiveSyncNonLiveKeepsContingentStatus(t *testing.T) {
	f := newFixture(t)
	f.srv.SetLiveOrders(tastytest.AccountNumber, liveRecord(42, "Contingent", false))

	o := newSPYOrder()
	id := int64(42)
	o.ID = &id

	ok, err := f.engine.LiveSync(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusContingent, o.Status)
	assert.Equal(t, "Pending Order", o.ContingentStatus)
}

func TestEngine_LiveSyncIntegrity(t *testing.T) {
	f := newFixture(t)
	f.srv.SetLiveOrders(tastytest.AccountNumber,
		liveRecord(42, "Live", true),
		liveRecord(42, "Cancelled", false),
	)

	o := newSPYOrder()
	id := int64(42)
	o.ID = &id

	ok, err := f.engine.LiveSync(context.Background(), f.token, o)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, Status(0), o.Status)
}

func TestEngine_NoIDPreconditions(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()

	_, err := f.engine.LiveSync(context.Background(), f.token, o)
	assert.ErrorIs(t, err, ErrNoID)

	ok, err := f.engine.Cancel(context.Background(), f.token, o)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoID)

	ok, err = f.engine.Update(context.Background(), f.token, o)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotEditable)

	assert.Equal(t, 0, f.srv.Calls(liveKey))
}

func TestEngine_CancelNotCancellable(t *testing.T) {
	f := newFixture(t)
	f.srv.SetLiveOrders(tastytest.AccountNumber, liveRecord(42, "Live", false))

	o := newSPYOrder()
	id := int64(42)
	o.ID = &id

	ok, err := f.engine.Cancel(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.srv.Calls(liveKey))
	assert.Equal(t, 0, f.srv.Calls(cancelKey))
}

func TestEngine_CancelNotLive(t *testing.T) {
	f := newFixture(t)

	o := newSPYOrder()
	id := int64(42)
	o.ID = &id

	ok, err := f.engine.Cancel(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, f.srv.Calls(cancelKey))
}

func TestEngine_RouteThenCancel(t *testing.T) {
	f := newFixture(t, WithCancelSyncDelay(2*time.Second))
	o := newSPYOrder()

	ok, err := f.engine.Route(context.Background(), f.token, o, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.engine.Cancel(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, StateCancelled, o.State())
	assert.NotNil(t, o.CancelledAt)
	assert.False(t, *o.Cancellable)
	assert.Equal(t, 1, f.srv.Calls(cancelKey))
	// route sync, pre-cancel sync, post-cancel sync
	assert.Equal(t, 3, f.srv.Calls(liveKey))
	assert.Equal(t, 2*time.Second, f.sleeps[len(f.sleeps)-1])
}

func TestEngine_Update(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()

	ok, err := f.engine.Route(context.Background(), f.token, o, false)
	require.NoError(t, err)
	require.True(t, ok)
	id := *o.ID

	o.SetPrice(decimal.RequireFromString("99.5"), Debit)
	ok, err = f.engine.Update(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, ok)

	req, _ := f.srv.LastRoute()
	assert.Equal(t, "99.50", req.Body["price"])
	assert.Equal(t, 1, f.srv.Calls("PUT /accounts/:acct/orders/:id"))
	assert.Equal(t, id, *o.ID)
	assert.True(t, *o.Edited)

	live, ok := f.srv.LiveOrder(tastytest.AccountNumber, id)
	require.True(t, ok)
	assert.Equal(t, "99.50", live["price"])
}

func TestEngine_UpdateNotEditable(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()
	id := int64(42)
	no := false
	o.ID = &id
	o.Editable = &no

	ok, err := f.engine.Update(context.Background(), f.token, o)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.Equal(t, 0, f.srv.Calls("PUT /accounts/:acct/orders/:id"))
}

func TestEngine_RouteContextCancelledDuringSyncWait(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.opts.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	ok, err := f.engine.Route(ctx, f.token, newSPYOrder(), false)
	assert.True(t, ok, "the order was routed")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.srv.Calls(liveKey))
}

func TestEngine_IsReceivedAndIsLive(t *testing.T) {
	f := newFixture(t)
	f.srv.SetLiveOrders(tastytest.AccountNumber, liveRecord(7, "Received", true))

	o := newSPYOrder()
	id := int64(7)
	o.ID = &id

	received, err := f.engine.IsReceived(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, received)

	live, err := f.engine.IsLive(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.False(t, live)
	assert.Equal(t, 2, f.srv.Calls(liveKey))

	_, err = f.engine.IsReceived(context.Background(), f.token, New(tastytest.AccountNumber, TypeMarket, Day))
	assert.ErrorIs(t, err, ErrNoID)
}

func TestEngine_DryRunThenRouteLive(t *testing.T) {
	f := newFixture(t)
	o := newSPYOrder()

	ok, err := f.engine.DryRun(context.Background(), f.token, o)
	require.NoError(t, err)
	require.True(t, ok)
	dryRunID := *o.ID

	_, err = f.engine.Update(context.Background(), f.token, o)
	assert.ErrorIs(t, err, ErrNotEditable, "a dry run has nothing to replace")

	ok, err = f.engine.Route(context.Background(), f.token, o, false)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, f.srv.Calls(routeKey))
	assert.Equal(t, 0, f.srv.Calls("PUT /accounts/:acct/orders/:id"))
	req, _ := f.srv.LastRoute()
	assert.Empty(t, req.OrderID)
	assert.False(t, req.DryRun)

	assert.NotEqual(t, dryRunID, *o.ID, "the live id replaces the dry-run id")
	assert.False(t, *o.IsDryRun)
	assert.Equal(t, StatusLive, o.Status)
}

func TestEngine_RerouteClearsEarlierErrors(t *testing.T) {
	f := newFixture(t)
	f.srv.OnRoute(func(tastytest.RouteRequest) (int, any) {
		return http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{
			"code":    "preflight_check_failure",
			"message": "One or more preflight checks failed",
		}}
	})
	o := newSPYOrder()

	ok, err := f.engine.DryRun(context.Background(), f.token, o)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, o.Rejected())

	f.srv.OnRoute(nil)
	ok, err = f.engine.DryRun(context.Background(), f.token, o)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, o.Errors)
	assert.False(t, o.Rejected())
}

func TestEngine_RouteServerErrorIsSentOnce(t *testing.T) {
	srv := tastytest.New(t)
	srv.OnRoute(func(tastytest.RouteRequest) (int, any) {
		return http.StatusBadGateway, map[string]any{"error": map[string]any{"code": "bad_gateway", "message": "upstream down"}}
	})
	cfg := config.Default().API
	cfg.BaseURL = srv.URL
	engine := NewEngine(api.FromConfig(cfg, api.WithLogger(logger.Discard())), WithLogger(logger.Discard()))

	ok, err := engine.Route(context.Background(), staticToken(srv.IssueToken()), newSPYOrder(), false)
	assert.False(t, ok)
	var re *api.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusBadGateway, re.Status)
	assert.Equal(t, 1, srv.Calls(routeKey), "a live order is submitted at most once")
}
