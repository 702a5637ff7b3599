// Package account maps account, position and transaction records of the
// brokerage API to typed values. Readers are stateless; every call is one
// request against the remote system.
package account

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/sdk/api"
	"github.com/betbot/gotasty/pkg/sdk/order"
	"github.com/betbot/gotasty/pkg/sdk/session"
)

// Default page sizes for history listings.
const (
	DefaultOrdersPerPage       = 200
	DefaultTransactionsPerPage = 2000
)

// Remote is the read-only part of the REST surface.
type Remote interface {
	Accounts(ctx context.Context, token string) (*api.Envelope, error)
	Balances(ctx context.Context, token, account string) (*api.Envelope, error)
	TradingStatus(ctx context.Context, token, account string) (*api.Envelope, error)
	MarginRequirements(ctx context.Context, token, account string) (*api.Envelope, error)
	Positions(ctx context.Context, token, account string) (*api.Envelope, error)
	Orders(ctx context.Context, token, account string, q api.Query) (*api.Envelope, error)
	LiveOrders(ctx context.Context, token, account string) (*api.Envelope, error)
	Transactions(ctx context.Context, token, account string, q api.Query) (*api.Envelope, error)
}

type Option func(*Reader)

func WithLogger(l *logrus.Entry) Option {
	return func(r *Reader) { r.log = l }
}

type Reader struct {
	remote Remote
	log    *logrus.Entry
}

func NewReader(remote Remote, opts ...Option) *Reader {
	r := &Reader{remote: remote}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.New("account")
	}
	return r
}

// fetch runs one call and returns its envelope, turning a remote rejection into an error.
func (r *Reader) fetch(ctx context.Context, op, account string, s api.TokenSource,
	call func(ctx context.Context, token string) (*api.Envelope, error)) (*api.Envelope, error) {
	log := r.log.WithFields(logrus.Fields{"op": op, "account": account})

	if s == nil || s.Token() == "" {
		return nil, session.ErrNoToken
	}
	env, err := call(ctx, s.Token())
	if err != nil {
		log.WithError(err).Error("request failed")
		return nil, errors.Wrap(err, op)
	}
	if err := env.Err(); err != nil {
		log.WithError(err).Warn("request rejected")
		return nil, errors.Wrap(err, op)
	}
	return env, nil
}

func (r *Reader) data(ctx context.Context, op, account string, s api.TokenSource,
	call func(ctx context.Context, token string) (*api.Envelope, error)) (map[string]any, error) {
	env, err := r.fetch(ctx, op, account, s, call)
	if err != nil {
		return nil, err
	}
	data := env.Data()
	if data == nil {
		return nil, errors.Wrapf(api.ErrMalformedEnvelope, "%s: missing content.data", op)
	}
	return data, nil
}

// Accounts lists every account of the logged-in customer.
func (r *Reader) Accounts(ctx context.Context, s api.TokenSource) ([]Account, error) {
	env, err := r.fetch(ctx, "accounts", "", s, r.remote.Accounts)
	if err != nil {
		return nil, err
	}
	items := env.Items()
	out := make([]Account, 0, len(items))
	for i, it := range items {
		a, err := parseAccount(it)
		if err != nil {
			return nil, errors.Wrapf(err, "accounts: item %d", i)
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *Reader) Balances(ctx context.Context, s api.TokenSource, account string) (Balance, error) {
	data, err := r.data(ctx, "balances", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.Balances(ctx, token, account)
	})
	if err != nil {
		return Balance{}, err
	}
	b, err := parseBalance(data)
	return b, errors.Wrap(err, "balances")
}

func (r *Reader) TradingStatus(ctx context.Context, s api.TokenSource, account string) (TradingStatus, error) {
	data, err := r.data(ctx, "trading-status", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.TradingStatus(ctx, token, account)
	})
	if err != nil {
		return TradingStatus{}, err
	}
	st, err := parseTradingStatus(data)
	return st, errors.Wrap(err, "trading-status")
}

func (r *Reader) CapitalRequirements(ctx context.Context, s api.TokenSource, account string) (CapitalRequirements, error) {
	data, err := r.requirements(ctx, s, account)
	if err != nil {
		return CapitalRequirements{}, err
	}
	req, err := parseRequirements(data)
	return req, errors.Wrap(err, "capital-requirements")
}

// Underlyings returns the per-underlying breakdown of the capital requirements.
func (r *Reader) Underlyings(ctx context.Context, s api.TokenSource, account string) ([]Underlying, error) {
	data, err := r.requirements(ctx, s, account)
	if err != nil {
		return nil, err
	}
	u, err := parseUnderlyings(data)
	return u, errors.Wrap(err, "underlyings")
}

func (r *Reader) requirements(ctx context.Context, s api.TokenSource, account string) (map[string]any, error) {
	return r.data(ctx, "capital-requirements", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.MarginRequirements(ctx, token, account)
	})
}

func (r *Reader) Positions(ctx context.Context, s api.TokenSource, account string) ([]Position, error) {
	env, err := r.fetch(ctx, "positions", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.Positions(ctx, token, account)
	})
	if err != nil {
		return nil, err
	}
	items := env.Items()
	out := make([]Position, 0, len(items))
	for i, it := range items {
		p, err := parsePosition(it)
		if err != nil {
			return nil, errors.Wrapf(err, "positions: item %d", i)
		}
		out = append(out, p)
	}
	return out, nil
}

// Orders returns order history. A zero q.PerPage uses DefaultOrdersPerPage.
func (r *Reader) Orders(ctx context.Context, s api.TokenSource, account string, q api.Query) ([]*order.Order, error) {
	if q.PerPage <= 0 {
		q.PerPage = DefaultOrdersPerPage
	}
	env, err := r.fetch(ctx, "orders", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.Orders(ctx, token, account, q)
	})
	if err != nil {
		return nil, err
	}
	return parseOrders("orders", env.Items())
}

func (r *Reader) LiveOrders(ctx context.Context, s api.TokenSource, account string) ([]*order.Order, error) {
	env, err := r.fetch(ctx, "live-orders", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.LiveOrders(ctx, token, account)
	})
	if err != nil {
		return nil, err
	}
	return parseOrders("live-orders", env.Items())
}

func parseOrders(op string, items []map[string]any) ([]*order.Order, error) {
	out := make([]*order.Order, 0, len(items))
	for i, it := range items {
		o, err := order.ParseFromRemote(it)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: item %d", op, i)
		}
		out = append(out, o)
	}
	return out, nil
}

// Transactions returns transaction history. A zero q.PerPage uses DefaultTransactionsPerPage.
func (r *Reader) Transactions(ctx context.Context, s api.TokenSource, account string, q api.Query) ([]Transaction, error) {
	if q.PerPage <= 0 {
		q.PerPage = DefaultTransactionsPerPage
	}
	env, err := r.fetch(ctx, "transactions", account, s, func(ctx context.Context, token string) (*api.Envelope, error) {
		return r.remote.Transactions(ctx, token, account, q)
	})
	if err != nil {
		return nil, err
	}
	items := env.Items()
	out := make([]Transaction, 0, len(items))
	for i, it := range items {
		tx, err := parseTransaction(it)
		if err != nil {
			return nil, errors.Wrapf(err, "transactions: item %d", i)
		}
		out = append(out, tx)
	}
	return out, nil
}

// Snapshot is everything the reader knows about one account at a point in time.
type Snapshot struct {
	Account      string
	Balances     Balance
	Status       TradingStatus
	Requirements CapitalRequirements
	Underlyings  []Underlying
	Positions    []Position
	Orders       []*order.Order
	LiveOrders   []*order.Order
	Transactions []Transaction
}

// Everything reads all account state with the default page sizes. It stops at
// the first failing call.
func (r *Reader) Everything(ctx context.Context, s api.TokenSource, account string) (*Snapshot, error) {
	snap := &Snapshot{Account: account}
	var err error

	if snap.Balances, err = r.Balances(ctx, s, account); err != nil {
		return nil, err
	}
	if snap.Status, err = r.TradingStatus(ctx, s, account); err != nil {
		return nil, err
	}
	if snap.Requirements, err = r.CapitalRequirements(ctx, s, account); err != nil {
		return nil, err
	}
	snap.Underlyings = snap.Requirements.Underlyings
	if snap.Positions, err = r.Positions(ctx, s, account); err != nil {
		return nil, err
	}
	if snap.Orders, err = r.Orders(ctx, s, account, api.Query{}); err != nil {
		return nil, err
	}
	if snap.LiveOrders, err = r.LiveOrders(ctx, s, account); err != nil {
		return nil, err
	}
	if snap.Transactions, err = r.Transactions(ctx, s, account, api.Query{}); err != nil {
		return nil, err
	}
	return snap, nil
}
