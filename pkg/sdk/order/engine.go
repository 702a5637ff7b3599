package order

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/internal/metrics"
	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/session"
)

// Remote is the order-entry part of the REST surface.
type Remote interface {
	RouteOrder(ctx context.Context, token, account string, body any, dryRun bool, orderID *int64) (*api.Envelope, error)
	LiveOrders(ctx context.Context, token, account string) (*api.Envelope, error)
	CancelOrder(ctx context.Context, token, account string, orderID int64) (*api.Envelope, error)
}

type options struct {
	routeSyncDelay  time.Duration
	cancelSyncDelay time.Duration
	log             *logrus.Entry
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time
}

type Option func(*options)

// WithRouteSyncDelay sets the wait between a live route and its reconciliation.
func WithRouteSyncDelay(d time.Duration) Option {
	return func(o *options) { o.routeSyncDelay = d }
}

// WithCancelSyncDelay sets the wait between a cancel and its reconciliation.
func WithCancelSyncDelay(d time.Duration) Option {
	return func(o *options) { o.cancelSyncDelay = d }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

// WithSleep replaces the post-route and post-cancel wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithClock replaces the clock used to stamp dry-run orders.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// FromConfig maps the orders section of the configuration to options.
func FromConfig(cfg config.OrdersConfig) []Option {
	return []Option{WithRouteSyncDelay(cfg.RouteSyncDelay), WithCancelSyncDelay(cfg.CancelSyncDelay)}
}

// Engine drives the order lifecycle against the remote system of record.
// One Engine may serve many orders; calls on the same Order must be serialised
// by the caller.
type Engine struct {
	remote Remote
	opts   options
}

func NewEngine(remote Remote, opts ...Option) *Engine {
	o := options{
		routeSyncDelay:  config.DefaultSyncDelay,
		cancelSyncDelay: config.DefaultSyncDelay,
		sleep:           sleepCtx,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.New("orders")
	}
	return &Engine{remote: remote, opts: o}
}

func (e *Engine) logFor(op string, o *Order) *logrus.Entry {
	fields := logrus.Fields{"op": op, "account": o.AccountNumber}
	if o.HasID() {
		fields["order_id"] = *o.ID
	}
	return e.opts.log.WithFields(fields)
}

func tokenOf(s api.TokenSource) (string, error) {
	if s == nil {
		return "", session.ErrNoToken
	}
	token := s.Token()
	if token == "" {
		return "", session.ErrNoToken
	}
	return token, nil
}

// Route validates and submits the order, merges the response into o and, for
// a live route, reconciles once after the route sync delay.
//
// A business-rule rejection is not an error: it fills o.Errors and Route
// returns false. err is set for local validation failures, transport
// failures and authentication failures. If the order was routed but the
// follow-up reconciliation failed, Route returns true together with that error.
func (e *Engine) Route(ctx context.Context, s api.TokenSource, o *Order, dryRun bool) (bool, error) {
	log := e.logFor("route", o).WithField("dry_run", dryRun)

	if !o.IsExecutable() {
		log.Error("order is not executable, fields may be missing; not routed")
		return false, ErrNotExecutable
	}
	token, err := tokenOf(s)
	if err != nil {
		return false, err
	}

	// Only an order that was placed live can be replaced. The id a dry run
	// hands back names nothing on the remote side.
	var id *int64
	if !dryRun && o.HasID() && !o.wasDryRun() {
		id = o.ID
	}

	env, err := e.remote.RouteOrder(ctx, token, o.AccountNumber, o.ToWire(), dryRun, id)
	if err != nil {
		return false, errors.Wrap(err, "route order")
	}
	// Errors describe the latest route only.
	o.Errors = nil
	if rerr := env.Err(); rerr != nil {
		var remote *api.RemoteError
		if errors.As(rerr, &remote) && isRejection(remote.Status) {
			o.Errors = rejectionErrors(remote)
			metrics.OrdersRejected.Add(1)
			log.WithError(rerr).Warn("order rejected")
			return false, nil
		}
		return false, errors.Wrap(rerr, "route order")
	}

	data := env.Data()
	if data == nil {
		return false, errors.Wrap(api.ErrMalformedEnvelope, "route order: missing content.data")
	}
	received, err := ParseFromRemote(data)
	if err != nil {
		return false, errors.Wrap(err, "route order: parse response")
	}
	received.IsDryRun = &dryRun
	if dryRun && received.ReceivedAt == nil {
		now := e.opts.now().UTC()
		received.ReceivedAt = &now
	}

	changed := mergeOrder(o, received)
	log = e.logFor("route", o).WithField("dry_run", dryRun)
	log.WithField("changed", changed).Debug("merged route response")

	if len(received.Errors) > 0 {
		metrics.OrdersRejected.Add(1)
		log.WithField("errors", received.Errors).Warn("order returned with errors")
		return false, nil
	}
	if len(received.Warnings) > 0 {
		log.WithField("warnings", received.Warnings).Info("order returned with warnings")
	}

	if dryRun {
		metrics.OrdersDryRun.Add(1)
		log.Info("dry run complete")
		return true, nil
	}

	metrics.OrdersRouted.Add(1)
	log.WithField("status", o.Status.String()).Info("order routed")

	if err := e.opts.sleep(ctx, e.opts.routeSyncDelay); err != nil {
		return true, errors.Wrap(err, "wait before post-route sync")
	}
	if _, err := e.LiveSync(ctx, s, o); err != nil {
		log.WithError(err).Warn("post-route live sync failed")
		return true, errors.Wrap(err, "post-route live sync")
	}
	return true, nil
}

// DryRun is Route with dryRun set.
func (e *Engine) DryRun(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	return e.Route(ctx, s, o, true)
}

// Update re-routes an editable order with its current fields. Replacing an
// order remotely is expressed by routing it again with its id.
func (e *Engine) Update(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	if !o.HasID() {
		e.logFor("update", o).Error("order has no id and cannot be updated")
		return false, errors.Wrap(ErrNotEditable, "no id")
	}
	if o.wasDryRun() {
		e.logFor("update", o).Error("order was only dry-run; route it live instead")
		return false, errors.Wrap(ErrNotEditable, "dry run")
	}
	if o.Editable == nil || !*o.Editable {
		e.logFor("update", o).Error("order is not editable")
		return false, ErrNotEditable
	}
	return e.Route(ctx, s, o, false)
}

// Cancel reconciles first; an order that is no longer live or not
// cancellable is left alone and Cancel returns false without calling the
// cancel endpoint. Otherwise it cancels, merges, reconciles once more after
// the cancel sync delay and reports whether the order ended up cancelled.
func (e *Engine) Cancel(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	log := e.logFor("cancel", o)
	if !o.HasID() {
		log.Warn("order has no id and cannot be cancelled (dry run?)")
		return false, ErrNoID
	}

	found, err := e.LiveSync(ctx, s, o)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if o.Cancellable == nil || !*o.Cancellable {
		log.Warn("order is not cancellable")
		return false, nil
	}

	token, err := tokenOf(s)
	if err != nil {
		return false, err
	}
	env, err := e.remote.CancelOrder(ctx, token, o.AccountNumber, *o.ID)
	if err != nil {
		return false, errors.Wrap(err, "cancel order")
	}
	if rerr := env.Err(); rerr != nil {
		log.WithError(rerr).Warn("cancel refused")
		return false, errors.Wrap(rerr, "cancel order")
	}
	metrics.OrdersCancel.Add(1)

	if data := env.Data(); data != nil {
		cancelled, err := ParseFromRemote(data)
		if err != nil {
			return false, errors.Wrap(err, "cancel order: parse response")
		}
		mergeOrder(o, cancelled)
	}

	if err := e.opts.sleep(ctx, e.opts.cancelSyncDelay); err != nil {
		return o.Status == StatusCancelled, errors.Wrap(err, "wait before post-cancel sync")
	}
	if _, err := e.LiveSync(ctx, s, o); err != nil {
		return o.Status == StatusCancelled, errors.Wrap(err, "post-cancel live sync")
	}

	log.WithField("status", o.Status.String()).Info("cancel processed")
	return o.Status == StatusCancelled, nil
}

// LiveSync reconciles o against the live-orders listing. Zero matches is
// benign and returns false with o untouched; more than one match returns
// ErrIntegrity. With exactly one match the record is merged into o, and a
// live order has its contingent status cleared since the remote side leaves
// it stale.
func (e *Engine) LiveSync(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	log := e.logFor("live_sync", o)
	if !o.HasID() {
		return false, ErrNoID
	}
	metrics.LiveSyncRuns.Add(1)

	live, err := e.FindLive(ctx, s, o.AccountNumber, *o.ID)
	switch {
	case errors.Is(err, ErrNotFoundInLiveListing):
		metrics.LiveSyncNotFound.Add(1)
		log.Warn("order not found in live orders; it may be a dry run or no longer live")
		return false, nil
	case errors.Is(err, ErrIntegrity):
		metrics.LiveSyncIntegrity.Add(1)
		log.WithError(err).Error("live orders listing is inconsistent")
		return false, err
	case err != nil:
		return false, err
	}

	changed := mergeOrder(o, live)
	if o.Status == StatusLive && o.ContingentStatus != "" {
		o.ContingentStatus = ""
		changed = append(changed, "contingent-status")
	}
	if len(changed) > 0 {
		log.WithFields(logrus.Fields{"changed": changed, "status": o.Status.String()}).Debug("order synced")
	}
	return true, nil
}

// FindLive returns the live-listing entry with the given id.
func (e *Engine) FindLive(ctx context.Context, s api.TokenSource, account string, id int64) (*Order, error) {
	token, err := tokenOf(s)
	if err != nil {
		return nil, err
	}
	env, err := e.remote.LiveOrders(ctx, token, account)
	if err != nil {
		return nil, errors.Wrap(err, "live orders")
	}
	if err := env.Err(); err != nil {
		return nil, errors.Wrap(err, "live orders")
	}

	var matches []map[string]any
	for _, item := range env.Items() {
		if n, ok, err := api.Int64(item, "id"); err == nil && ok && n == id {
			matches = append(matches, item)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFoundInLiveListing
	case 1:
		o, err := ParseFromRemote(matches[0])
		if err != nil {
			return nil, errors.Wrapf(err, "parse live order %d", id)
		}
		return o, nil
	default:
		return nil, errors.Wrapf(ErrIntegrity, "%d live orders with id %d", len(matches), id)
	}
}

// IsLive reconciles and reports whether the order is live.
func (e *Engine) IsLive(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	if _, err := e.LiveSync(ctx, s, o); err != nil {
		return false, err
	}
	return o.Status == StatusLive, nil
}

// IsReceived reconciles and reports whether the order is received.
func (e *Engine) IsReceived(ctx context.Context, s api.TokenSource, o *Order) (bool, error) {
	if _, err := e.LiveSync(ctx, s, o); err != nil {
		return false, err
	}
	return o.Status == StatusReceived, nil
}

// isRejection separates business-rule rejections from authentication
// failures and server faults.
func isRejection(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusUnauthorized &&
		status != http.StatusForbidden &&
		status != http.StatusTooManyRequests
}

func rejectionErrors(re *api.RemoteError) []Error {
	if len(re.Errors) == 0 {
		return []Error{{Code: re.Code, Message: re.Message}}
	}
	out := make([]Error, 0, len(re.Errors))
	for _, d := range re.Errors {
		out = append(out, Error{Code: d.Code, Message: d.Message})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
