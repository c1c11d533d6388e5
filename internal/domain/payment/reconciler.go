package payment

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcilerConfig tunes the background reconciliation job.
type ReconcilerConfig struct {
	Interval time.Duration
	// TokenTTL is how long an INITIATED transaction may wait for the
	// customer, and how long a PENDING_VERIFICATION one may stay unconfirmed
	// at the gateway before it is given up on.
	TokenTTL time.Duration
	// MaxTokenAge bounds how long a stale token the gateway still reports as
	// open is kept INITIATED when the gateway cannot close it.
	MaxTokenAge time.Duration
	// SettleDelay keeps the job away from commits that are still running.
	SettleDelay time.Duration
	BatchSize   int
}

func (c *ReconcilerConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.MaxTokenAge <= 0 {
		c.MaxTokenAge = 24 * time.Hour
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Reconciler resolves transactions whose outcome the request path could not
// settle:
//
//   - PENDING_VERIFICATION transactions are re-queried at the gateway;
//   - stale INITIATED transactions are checked once more and expired once
//     the gateway no longer takes payments for them, leaving the order
//     PENDING so the customer can retry;
//   - decided transactions whose order is still PENDING get the order update
//     replayed.
type Reconciler struct {
	o   *Orchestrator
	cfg ReconcilerConfig
	// lastRun is the unix nano time of the last finished pass.
	lastRun atomic.Int64
}

// NewReconciler creates a Reconciler driving o.
func NewReconciler(o *Orchestrator, cfg ReconcilerConfig) *Reconciler {
	cfg.setDefaults()
	return &Reconciler{o: o, cfg: cfg}
}

// Run calls RunOnce every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("reconciler")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				lg.Error("Reconciliation failed", zap.Error(err))
			}
			r.lastRun.Store(time.Now().UnixNano())
		}
	}
}

// LastRun returns when the last pass finished, or the zero time.
func (r *Reconciler) LastRun() time.Time {
	n := r.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// RunOnce runs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.verifyPending(ctx) })
	g.Go(func() error { return r.expireStale(ctx) })
	g.Go(func() error { return r.settleOrders(ctx) })
	return g.Wait()
}

func (r *Reconciler) verifyPending(ctx context.Context) error {
	now := r.o.now()
	list, err := r.o.txs.ListByState(ctx, StatePendingVerification, now, r.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list pending verification")
	}
	for i := range list {
		t := &list[i]
		giveUp := now.Sub(t.UpdatedAt) > r.cfg.TokenTTL
		if err := r.verify(ctx, t, giveUp); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) verify(ctx context.Context, t *Transaction, giveUp bool) error {
	_, err, _ := r.o.commits.Do(t.Token, func() (any, error) {
		res, gwErr := r.o.gateway.Status(ctx, t.Token)
		outcome := Classify(res, gwErr)
		if outcome == OutcomeUnknown && giveUp && gwErr == nil {
			// The gateway answers but never saw the payment confirmed.
			outcome = OutcomeDeclined
		}
		return r.o.apply(ctx, t, outcome, res, gwErr, false)
	})
	if err != nil {
		return errors.Wrapf(err, "verify %s", t.BuyOrder)
	}
	return nil
}

func (r *Reconciler) expireStale(ctx context.Context) error {
	now := r.o.now()
	list, err := r.o.txs.ListByState(ctx, StateInitiated, now.Add(-r.cfg.TokenTTL), r.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list stale")
	}
	lg := zctx.From(ctx)
	for i := range list {
		t := &list[i]
		res, gwErr := r.o.gateway.Status(ctx, t.Token)
		outcome := Classify(res, gwErr)
		switch {
		case outcome == OutcomeApproved:
			// Paid but never committed by the customer's browser.
			lg.Warn("Stale transaction found authorized", zap.String("order", t.BuyOrder))
			if _, err := r.o.Commit(ctx, t.Token); err != nil {
				return errors.Wrapf(err, "commit %s", t.BuyOrder)
			}
			continue
		case gwErr != nil && outcome == OutcomeUnknown:
			// Try again next pass.
			continue
		case outcome == OutcomeUnknown:
			// The gateway still takes payments for this token.
			if _, ok := r.o.gateway.(Canceler); !ok && now.Sub(t.CreatedAt) < r.cfg.MaxTokenAge {
				continue
			}
			if err := r.o.cancelAtGateway(ctx, t.Token); err != nil {
				lg.Warn("Gateway kept stale token open", zap.String("order", t.BuyOrder), zap.Error(err))
				continue
			}
		}

		t.State = StateExpired
		t.ErrorMessage = "payment token expired"
		t.UpdatedAt = now
		if err := r.o.txs.Transition(ctx, t, StateInitiated); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				continue
			}
			return errors.Wrapf(err, "expire %s", t.BuyOrder)
		}
		lg.Info("Transaction expired", zap.String("order", t.BuyOrder))
	}
	return nil
}

func (r *Reconciler) settleOrders(ctx context.Context) error {
	cutoff := r.o.now().Add(-r.cfg.SettleDelay)
	list, err := r.o.txs.ListUnsettled(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list unsettled")
	}
	for i := range list {
		r.o.settleOrder(ctx, &list[i])
	}
	return nil
}
