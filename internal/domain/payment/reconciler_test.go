package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
)

func newReconciler(e *env) *payment.Reconciler {
	return payment.NewReconciler(e.pay, payment.ReconcilerConfig{
		TokenTTL:    15 * time.Minute,
		SettleDelay: time.Minute,
	})
}

func TestReconciler_ResolvesPendingVerification(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	e.gateway.set(func(g *fakeGateway) { g.commitErr = errors.Wrap(payment.ErrGatewayUnreachable, "503") })

	res, err := e.pay.Commit(ctx, resp.Token)
	require.NoError(t, err)
	require.True(t, res.Retryable)

	r := newReconciler(e)
	e.clock.Advance(time.Second)

	// Gateway still down: nothing changes.
	e.gateway.set(func(g *fakeGateway) { g.statusErr = errors.Wrap(payment.ErrGatewayUnreachable, "503") })
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StatePendingVerification, e.tx(t, resp.Token).State)
	assert.Equal(t, order.StatePending, e.orderState(t, o))

	e.gateway.set(func(g *fakeGateway) {
		g.statusErr = nil
		g.statusRes = approved()
	})
	require.NoError(t, r.RunOnce(ctx))

	tx := e.tx(t, resp.Token)
	assert.Equal(t, payment.StateAuthorized, tx.State)
	assert.Equal(t, "1213", tx.AuthorizationCode)
	assert.Equal(t, order.StatePaid, e.orderState(t, o))
	assert.Equal(t, 8, e.stock(t))

	commits, _ := e.gateway.counts()
	assert.Equal(t, 1, commits)
}

func TestReconciler_GivesUpUnconfirmedVerification(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	e.gateway.set(func(g *fakeGateway) { g.commitErr = errors.Wrap(payment.ErrGatewayUnreachable, "timeout") })

	_, err := e.pay.Commit(ctx, resp.Token)
	require.NoError(t, err)

	r := newReconciler(e)
	e.clock.Advance(5 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StatePendingVerification, e.tx(t, resp.Token).State, "within ttl")

	e.clock.Advance(15 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateRejected, e.tx(t, resp.Token).State)
	assert.Equal(t, order.StateRejected, e.orderState(t, o))
	assert.Equal(t, 10, e.stock(t))
}

func TestReconciler_ExpiresStaleTokens(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	r := newReconciler(e)

	e.clock.Advance(10 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateInitiated, e.tx(t, resp.Token).State)

	e.clock.Advance(10 * time.Minute)
	e.gateway.set(func(g *fakeGateway) {
		g.statusRes = &payment.GatewayResult{Status: payment.GatewayFailed, RawStatus: "FAILED", ResponseCode: "-1"}
	})
	require.NoError(t, r.RunOnce(ctx))
	tx := e.tx(t, resp.Token)
	assert.Equal(t, payment.StateExpired, tx.State)
	assert.Equal(t, "payment token expired", tx.ErrorMessage)
	assert.Equal(t, order.StatePending, e.orderState(t, o), "customer may pay again")

	// A fresh attempt is allowed.
	retry := e.initiate(t, o)
	assert.NotEqual(t, resp.Token, retry.Token)
}

func TestReconciler_KeepsStaleTokenTheGatewayStillAccepts(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	r := newReconciler(e)

	e.clock.Advance(20 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateInitiated, e.tx(t, resp.Token).State, "gateway reports pending")

	// The customer finishes paying late.
	e.gateway.set(func(g *fakeGateway) { g.statusRes = approved() })
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateAuthorized, e.tx(t, resp.Token).State)
	assert.Equal(t, order.StatePaid, e.orderState(t, o))
	assert.Equal(t, 8, e.stock(t))
}

func TestReconciler_ExpiresPendingTokenAfterMaxAge(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	r := payment.NewReconciler(e.pay, payment.ReconcilerConfig{
		TokenTTL:    15 * time.Minute,
		MaxTokenAge: time.Hour,
		SettleDelay: time.Minute,
	})

	e.clock.Advance(30 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateInitiated, e.tx(t, resp.Token).State)

	e.clock.Advance(time.Hour)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateExpired, e.tx(t, resp.Token).State)
}

func TestReconciler_CancelsStaleTokenAtGateway(t *testing.T) {
	e := newEnv(t)
	gw := e.withCanceler(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	r := newReconciler(e)

	gw.setCancelErr(errors.Wrap(payment.ErrGatewayRejected, "session already complete"))
	e.clock.Advance(20 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateInitiated, e.tx(t, resp.Token).State, "gateway refused to close it")

	gw.setCancelErr(nil)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, payment.StateExpired, e.tx(t, resp.Token).State)
	assert.Equal(t, []string{resp.Token, resp.Token}, gw.cancelledTokens())
	assert.Equal(t, order.StatePending, e.orderState(t, o))
}

func TestReconciler_CommitsStaleButPaidToken(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	e.gateway.set(func(g *fakeGateway) { g.statusRes = approved() })

	e.clock.Advance(20 * time.Minute)
	require.NoError(t, newReconciler(e).RunOnce(ctx))

	assert.Equal(t, payment.StateAuthorized, e.tx(t, resp.Token).State)
	assert.Equal(t, order.StatePaid, e.orderState(t, o))
	commits, _ := e.gateway.counts()
	assert.Equal(t, 1, commits)
}

func TestReconciler_KeepsStaleTokenWhileGatewayDown(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	e.gateway.set(func(g *fakeGateway) { g.statusErr = errors.Wrap(payment.ErrGatewayUnreachable, "dial tcp") })

	e.clock.Advance(20 * time.Minute)
	require.NoError(t, newReconciler(e).RunOnce(context.Background()))
	assert.Equal(t, payment.StateInitiated, e.tx(t, resp.Token).State)
}

func TestReconciler_ReplaysOrderUpdate(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()
	e.flaky.fails = 1

	res, err := e.pay.Commit(ctx, resp.Token)
	require.NoError(t, err)
	require.True(t, res.Successful)
	require.Equal(t, order.StatePending, e.orderState(t, o))

	r := newReconciler(e)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, order.StatePending, e.orderState(t, o), "settle delay not elapsed")

	e.clock.Advance(2 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, order.StatePaid, e.orderState(t, o))
	assert.Equal(t, 8, e.stock(t))
}

func TestReconciler_SkipsSupersededRejection(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	first := e.initiate(t, o)
	ctx := context.Background()

	// The rejection is stored but the order update is lost.
	e.flaky.fails = 1
	res, err := e.pay.ReportFailure(ctx, first.Token, "")
	require.NoError(t, err)
	require.Equal(t, payment.StateRejected, res.State)
	require.Equal(t, order.StatePending, e.orderState(t, o))

	e.clock.Advance(time.Minute)
	second := e.initiate(t, o)

	e.clock.Advance(2 * time.Minute)
	r := newReconciler(e)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, order.StatePending, e.orderState(t, o), "newer attempt owns the order")

	res, err = e.pay.Commit(ctx, second.Token)
	require.NoError(t, err)
	require.True(t, res.Successful)

	e.clock.Advance(2 * time.Minute)
	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, order.StatePaid, e.orderState(t, o))
	assert.Equal(t, 8, e.stock(t))
}

func TestCommit_AuthorizedOnCancelledOrderRecordsConflict(t *testing.T) {
	e := newEnv(t)
	o := e.checkout(t, "u1")
	resp := e.initiate(t, o)
	ctx := context.Background()

	_, err := e.orders.UpdateState(ctx, o.ID, order.StateCancelled)
	require.NoError(t, err)

	res, err := e.pay.Commit(ctx, resp.Token)
	require.NoError(t, err)
	assert.True(t, res.Successful, "money was taken")
	assert.Equal(t, order.StateCancelled, e.orderState(t, o))
	assert.Equal(t, 10, e.stock(t))

	conflicts, err := e.orders.StockConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, o.ID, conflicts[0].OrderID)
	assert.Equal(t, "miel", conflicts[0].ProductID)
	assert.Contains(t, conflicts[0].Reason, string(order.StateCancelled))
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	r := payment.NewReconciler(e.pay, payment.ReconcilerConfig{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
