package account

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/pkg/sdk/api"
)

// BalanceTracker polls an account's balances in the background and keeps the
// latest snapshot in memory.
type BalanceTracker struct {
	reader   *Reader
	tokens   api.TokenSource
	account  string
	interval time.Duration
	timeout  time.Duration
	onUpdate func(Balance)
	log      *logrus.Entry

	mu          sync.RWMutex
	latest      Balance
	lastUpdated time.Time
	lastErr     error

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// DefaultTrackInterval is the polling interval used when none is given.
const DefaultTrackInterval = 30 * time.Second

// NewBalanceTracker creates a tracker; onUpdate may be nil. A non-positive
// interval falls back to DefaultTrackInterval.
func NewBalanceTracker(r *Reader, s api.TokenSource, account string, interval time.Duration, onUpdate func(Balance)) *BalanceTracker {
	if interval <= 0 {
		interval = DefaultTrackInterval
	}
	return &BalanceTracker{
		reader:   r,
		tokens:   s,
		account:  account,
		interval: interval,
		timeout:  10 * time.Second,
		onUpdate: onUpdate,
		log:      r.log.WithFields(logrus.Fields{"op": "balance-tracker", "account": account}),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling; the first poll happens immediately.
func (bt *BalanceTracker) Start() {
	bt.wg.Add(1)
	go bt.trackLoop()
	bt.log.WithField("interval", bt.interval).Info("balance tracking started")
}

// Stop ends polling and waits for an in-flight poll to finish.
func (bt *BalanceTracker) Stop() {
	bt.once.Do(func() { close(bt.stopCh) })
	bt.wg.Wait()
}

// Latest returns the most recent balances and when they were read. ok is
// false until the first successful poll.
func (bt *BalanceTracker) Latest() (b Balance, at time.Time, ok bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.latest, bt.lastUpdated, !bt.lastUpdated.IsZero()
}

// Err returns the error of the last poll, or nil if it succeeded.
func (bt *BalanceTracker) Err() error {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.lastErr
}

func (bt *BalanceTracker) trackLoop() {
	defer bt.wg.Done()

	bt.poll()

	ticker := time.NewTicker(bt.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bt.stopCh:
			return
		case <-ticker.C:
			bt.poll()
		}
	}
}

func (bt *BalanceTracker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), bt.timeout)
	defer cancel()
	go func() {
		select {
		case <-bt.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b, err := bt.reader.Balances(ctx, bt.tokens, bt.account)

	bt.mu.Lock()
	bt.lastErr = err
	if err == nil {
		bt.latest = b
		bt.lastUpdated = time.Now()
	}
	bt.mu.Unlock()

	if err != nil {
		bt.log.WithError(err).Warn("balance poll failed")
		return
	}
	if bt.onUpdate != nil {
		bt.onUpdate(b)
	}
}
