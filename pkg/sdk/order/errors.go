package order

import "github.com/pkg/errors"

var (
	// ErrNotExecutable: local validation failed, nothing was sent.
	ErrNotExecutable = errors.New("order is not executable")
	// ErrNotEditable: update needs a routed order with editable set.
	ErrNotEditable = errors.New("order is not editable")
	// ErrNoID: the order was never routed live.
	ErrNoID = errors.New("order has no id")
	// ErrNoFees: no fee calculation has been received yet.
	ErrNoFees = errors.New("order has no fee calculation")
	// ErrIntegrity: more than one live order carries the same id.
	ErrIntegrity = errors.New("multiple live orders match one id")
	// ErrNotFoundInLiveListing is benign: dry-run, filled or otherwise gone.
	ErrNotFoundInLiveListing = errors.New("order not found in live listing")
)
