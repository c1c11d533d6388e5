package payment

import (
	"context"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/huertohogar/store/internal/domain/order"
)

// Gateway-imposed limits, checked before any remote call.
const (
	MaxBuyOrderLen  = 26
	MaxSessionIDLen = 61
	MaxReturnURLLen = 255
	MaxTokenLen     = 128
)

const instrumentationName = "github.com/huertohogar/store/internal/domain/payment"

// Orders is the slice of the order service the orchestrator drives.
type Orders interface {
	GetByNumber(ctx context.Context, number string) (*order.Order, error)
	UpdateState(ctx context.Context, orderID string, next order.State) (*order.Order, error)
	// RecordPaymentConflict queues an order that was paid after it stopped
	// awaiting payment.
	RecordPaymentConflict(ctx context.Context, orderID, reason string) error
}

// InitRequest starts a payment for an order.
type InitRequest struct {
	UserID      string
	OrderNumber string
	// SessionID is generated when empty.
	SessionID string
	Amount    decimal.Decimal
	ReturnURL string
}

// InitResponse tells the caller where to send the customer.
type InitResponse struct {
	Token     string
	URL       string
	BuyOrder  string
	SessionID string
	Amount    decimal.Decimal
}

// CommitResult is the stored view of a transaction after commit.
type CommitResult struct {
	Token             string
	BuyOrder          string
	SessionID         string
	OrderID           string
	UserID            string
	Amount            decimal.Decimal
	State             State
	Status            string
	AuthorizationCode string
	ResponseCode      string
	PaymentTypeCode   string
	Installments      int
	TransactionDate   *time.Time
	ErrorMessage      string
	Successful        bool
	// Retryable is set when the outcome is not known yet.
	Retryable bool
}

func resultOf(t *Transaction) *CommitResult {
	return &CommitResult{
		Token:             t.Token,
		BuyOrder:          t.BuyOrder,
		SessionID:         t.SessionID,
		OrderID:           t.OrderID,
		UserID:            t.UserID,
		Amount:            t.Amount,
		State:             t.State,
		Status:            t.GatewayStatus,
		AuthorizationCode: t.AuthorizationCode,
		ResponseCode:      t.ResponseCode,
		PaymentTypeCode:   t.PaymentTypeCode,
		Installments:      t.Installments,
		TransactionDate:   t.TransactionDate,
		ErrorMessage:      t.ErrorMessage,
		Successful:        t.Successful(),
		Retryable:         t.State == StatePendingVerification,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meter = mp.Meter(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the two-phase payment flow: Initiate opens a gateway
// transaction for a PENDING order, Commit settles it once the customer
// returns, and ReportFailure closes it when the customer aborts.
type Orchestrator struct {
	txs     Repository
	orders  Orders
	gateway Gateway
	now     func() time.Time
	commits singleflight.Group

	tracer    trace.Tracer
	meter     metric.Meter
	initiated metric.Int64Counter
	committed metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(txs Repository, orders Orders, gateway Gateway, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		txs:     txs,
		orders:  orders,
		gateway: gateway,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	if o.initiated, err = o.meter.Int64Counter("payment.initiated",
		metric.WithDescription("Payment attempts opened at the gateway"),
	); err != nil {
		return nil, errors.Wrap(err, "initiated counter")
	}
	if o.committed, err = o.meter.Int64Counter("payment.committed",
		metric.WithDescription("Payment commits by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "committed counter")
	}
	return o, nil
}

// Initiate opens a gateway transaction for a PENDING order owned by the
// caller. A previous attempt still INITIATED is expired first; an attempt
// awaiting verification blocks new ones. An authorized attempt whose order
// update was lost gets the update replayed and the order is reported as no
// longer payable.
func (o *Orchestrator) Initiate(ctx context.Context, req InitRequest) (_ *InitResponse, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.Initiate",
		trace.WithAttributes(attribute.String("order.number", req.OrderNumber)),
	)
	defer func() { endSpan(span, rerr) }()

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ord, err := o.orders.GetByNumber(ctx, req.OrderNumber)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if ord.UserID != req.UserID {
		return nil, ErrForbidden
	}
	if ord.State != order.StatePending {
		return nil, errors.Wrapf(ErrOrderNotPayable, "order is %s", ord.State)
	}
	if !req.Amount.Equal(ord.Total) {
		return nil, errors.Wrapf(ErrAmountMismatch, "got %s, order total %s", req.Amount, ord.Total)
	}

	create := CreateRequest{
		BuyOrder:  ord.Number,
		SessionID: req.SessionID,
		Amount:    ord.Total,
		ReturnURL: req.ReturnURL,
	}
	if err := ValidateCreate(create); err != nil {
		return nil, err
	}

	if err := o.retirePrevious(ctx, ord.ID); err != nil {
		return nil, err
	}

	resp, err := o.gateway.Create(ctx, create)
	if err != nil {
		return nil, &InitError{OrderNumber: ord.Number, Err: err}
	}

	now := o.now()
	t := &Transaction{
		ID:        uuid.NewString(),
		Token:     resp.Token,
		BuyOrder:  ord.Number,
		SessionID: req.SessionID,
		OrderID:   ord.ID,
		UserID:    ord.UserID,
		Amount:    ord.Total,
		State:     StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.txs.Create(ctx, t); err != nil {
		return nil, errors.Wrap(err, "store transaction")
	}
	o.initiated.Add(ctx, 1)

	zctx.From(ctx).Info("Payment initiated",
		zap.String("order", ord.Number),
		zap.String("session_id", req.SessionID),
		zap.Stringer("amount", ord.Total),
	)

	return &InitResponse{
		Token:     resp.Token,
		URL:       resp.URL,
		BuyOrder:  ord.Number,
		SessionID: req.SessionID,
		Amount:    ord.Total,
	}, nil
}

func (o *Orchestrator) retirePrevious(ctx context.Context, orderID string) error {
	prev, err := o.txs.LatestByOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find previous transaction")
	}

	switch prev.State {
	case StateAuthorized:
		// Paid already; only the order update is missing.
		o.settleOrder(ctx, prev)
		return errors.Wrap(ErrOrderNotPayable, "order already paid")
	case StatePendingVerification:
		return ErrPaymentInProgress
	case StateInitiated:
		// Expired below.
	default:
		return nil
	}

	if err := o.cancelAtGateway(ctx, prev.Token); err != nil {
		return errors.Wrapf(ErrPaymentInProgress, "close previous attempt: %v", err)
	}
	prev.State = StateExpired
	prev.UpdatedAt = o.now()
	prev.ErrorMessage = "superseded by a new payment attempt"
	if err := o.txs.Transition(ctx, prev, StateInitiated); err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return ErrPaymentInProgress
		}
		return errors.Wrap(err, "expire previous transaction")
	}
	return nil
}

// cancelAtGateway closes token at gateways that would otherwise accept a
// payment for it after it is expired here. Other gateways need a Commit to
// charge, so there is nothing to close.
func (o *Orchestrator) cancelAtGateway(ctx context.Context, token string) error {
	c, ok := o.gateway.(Canceler)
	if !ok {
		return nil
	}
	return c.Cancel(ctx, token)
}

// ValidateCreate checks the gateway's field limits locally.
func ValidateCreate(req CreateRequest) error {
	switch {
	case req.BuyOrder == "":
		return &ValidationError{Field: "buy_order", Reason: "required"}
	case utf8.RuneCountInString(req.BuyOrder) > MaxBuyOrderLen:
		return &ValidationError{Field: "buy_order", Reason: "longer than 26 characters"}
	case req.SessionID == "":
		return &ValidationError{Field: "session_id", Reason: "required"}
	case utf8.RuneCountInString(req.SessionID) > MaxSessionIDLen:
		return &ValidationError{Field: "session_id", Reason: "longer than 61 characters"}
	case !req.Amount.IsPositive():
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	case len(req.ReturnURL) > MaxReturnURLLen:
		return &ValidationError{Field: "return_url", Reason: "longer than 255 characters"}
	}

	u, err := url.Parse(req.ReturnURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "return_url", Reason: "must be an absolute http or https URL"}
	}
	return nil
}

// ValidToken reports whether token is well formed.
func ValidToken(token string) bool {
	if token == "" || len(token) > MaxTokenLen {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Commit settles the transaction identified by token. A transaction that is
// already decided returns its stored result without calling the gateway.
//
// Concurrent commits of one token share a single flight in-process. Across
// processes the caller that moves the transaction from INITIATED to
// PENDING_VERIFICATION owns the gateway commit; everyone else only queries
// the gateway status. When the outcome cannot be determined the transaction
// stays in PENDING_VERIFICATION, the order is left untouched and the result
// is marked Retryable. That is not an error.
func (o *Orchestrator) Commit(ctx context.Context, token string) (*CommitResult, error) {
	if !ValidToken(token) {
		return nil, ErrInvalidToken
	}
	v, err, _ := o.commits.Do(token, func() (any, error) {
		return o.commit(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	// Callers sharing a flight must not alias one result.
	res := *v.(*CommitResult)
	return &res, nil
}

func (o *Orchestrator) commit(ctx context.Context, token string) (_ *CommitResult, rerr error) {
	ctx, span := o.tracer.Start(ctx, "payment.Commit")
	defer func() { endSpan(span, rerr) }()

	t, err := o.txs.GetByToken(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	span.SetAttributes(
		attribute.String("payment.buy_order", t.BuyOrder),
		attribute.String("payment.state", string(t.State)),
	)
	if !t.State.Open() {
		return resultOf(t), nil
	}

	owner := false
	if t.State == StateInitiated {
		t, owner, err = o.claim(ctx, t)
		if err != nil {
			return nil, err
		}
		if !t.State.Open() {
			return resultOf(t), nil
		}
	}

	var (
		res   *GatewayResult
		gwErr error
	)
	if owner {
		res, gwErr = o.gateway.Commit(ctx, token)
	} else {
		// Someone else committed or is committing; asking again would be
		// refused by the gateway.
		res, gwErr = o.gateway.Status(ctx, token)
	}
	return o.apply(ctx, t, Classify(res, gwErr), res, gwErr, owner)
}

// claim moves t from INITIATED to PENDING_VERIFICATION. The caller whose
// update lands owns the gateway commit. Losers get the stored transaction.
func (o *Orchestrator) claim(ctx context.Context, t *Transaction) (*Transaction, bool, error) {
	t.State = StatePendingVerification
	t.UpdatedAt = o.now()
	err := o.txs.Transition(ctx, t, StateInitiated)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, ErrConcurrentUpdate) {
		return nil, false, errors.Wrap(err, "claim transaction")
	}
	cur, err := o.txs.GetByToken(ctx, t.Token)
	if err != nil {
		return nil, false, errors.Wrap(err, "reload transaction")
	}
	return cur, false, nil
}

// apply records a classified gateway reply on t, which must be
// PENDING_VERIFICATION, and propagates a decided outcome to the order. Only
// the caller whose conditional update lands touches the order.
func (o *Orchestrator) apply(
	ctx context.Context,
	t *Transaction,
	outcome Outcome,
	res *GatewayResult,
	gwErr error,
	owner bool,
) (*CommitResult, error) {
	lg := zctx.From(ctx).With(zap.String("order", t.BuyOrder), zap.Stringer("outcome", outcome))
	from := t.State
	now := o.now()

	switch outcome {
	case OutcomeApproved:
		t.State = StateAuthorized
		t.AuthorizedAt = &now
		t.ErrorMessage = ""
	case OutcomeDeclined:
		t.State = StateRejected
		if gwErr != nil {
			t.ErrorMessage = gwErr.Error()
		} else {
			t.ErrorMessage = "declined by gateway"
		}
	default:
		if !owner {
			lg.Debug("Payment outcome not known yet", zap.Error(gwErr))
			return resultOf(t), nil
		}
		if gwErr != nil {
			t.ErrorMessage = gwErr.Error()
		}
	}
	if res != nil {
		t.GatewayStatus = res.RawStatus
		t.ResponseCode = res.ResponseCode
		t.AuthorizationCode = res.AuthorizationCode
		t.PaymentTypeCode = res.PaymentTypeCode
		t.Installments = res.Installments
		if !res.TransactionDate.IsZero() {
			date := res.TransactionDate
			t.TransactionDate = &date
		}
	}
	t.UpdatedAt = now

	if err := o.txs.Transition(ctx, t, from); err != nil {
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, errors.Wrap(err, "update transaction")
		}
		cur, err := o.txs.GetByToken(ctx, t.Token)
		if err != nil {
			return nil, errors.Wrap(err, "reload transaction")
		}
		lg.Info("Lost settlement race, returning stored result", zap.String("state", string(cur.State)))
		return resultOf(cur), nil
	}
	o.committed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))

	switch t.State {
	case StateAuthorized:
		lg.Info("Payment authorized", zap.String("authorization_code", t.AuthorizationCode))
		o.settleOrder(ctx, t)
	case StateRejected:
		lg.Info("Payment rejected", zap.String("response_code", t.ResponseCode))
		o.settleOrder(ctx, t)
	default:
		lg.Warn("Gateway outcome unknown, awaiting verification", zap.Error(gwErr))
	}
	return resultOf(t), nil
}

// settleOrder moves the order to match a decided transaction. Failures are
// logged; the reconciler retries orders left PENDING. A payment that went
// through for an order already rejected or cancelled is queued for an
// operator, since nothing will retry it.
func (o *Orchestrator) settleOrder(ctx context.Context, t *Transaction) {
	next := order.StateRejected
	if t.State == StateAuthorized {
		next = order.StatePaid
	}
	_, err := o.orders.UpdateState(ctx, t.OrderID, next)
	if err == nil {
		return
	}
	lg := zctx.From(ctx).With(
		zap.String("order", t.BuyOrder),
		zap.String("transaction_state", string(t.State)),
	)
	lg.Error("Order not updated after payment", zap.String("order_state", string(next)), zap.Error(err))

	var te *order.TransitionError
	if t.State != StateAuthorized || !errors.As(err, &te) {
		return
	}
	if te.From != order.StateRejected && te.From != order.StateCancelled {
		return
	}
	reason := fmt.Sprintf("payment %s authorized while order was %s", t.Token, te.From)
	if err := o.orders.RecordPaymentConflict(ctx, t.OrderID, reason); err != nil {
		lg.Error("Record payment conflict", zap.Error(err))
	}
}

// ReportFailure records that the customer aborted or the gateway redirected
// back with an error. The transaction and the order become REJECTED without
// a gateway commit; gateways implementing Canceler get the token closed
// first. Decided transactions and transactions awaiting verification are left
// as they are, and so is a token the gateway refuses to close.
func (o *Orchestrator) ReportFailure(ctx context.Context, token, reason string) (*CommitResult, error) {
	if !ValidToken(token) {
		return nil, ErrInvalidToken
	}
	t, err := o.txs.GetByToken(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	if t.State != StateInitiated {
		zctx.From(ctx).Info("Ignoring failure report",
			zap.String("order", t.BuyOrder),
			zap.String("state", string(t.State)),
		)
		return resultOf(t), nil
	}

	if err := o.cancelAtGateway(ctx, token); err != nil {
		zctx.From(ctx).Warn("Gateway kept token open, ignoring failure report",
			zap.String("order", t.BuyOrder),
			zap.Error(err),
		)
		return resultOf(t), nil
	}

	if reason == "" {
		reason = "payment aborted by customer"
	}
	t.State = StateRejected
	t.ErrorMessage = reason
	t.UpdatedAt = o.now()
	if err := o.txs.Transition(ctx, t, StateInitiated); err != nil {
		if !errors.Is(err, ErrConcurrentUpdate) {
			return nil, errors.Wrap(err, "update transaction")
		}
		cur, err := o.txs.GetByToken(ctx, token)
		if err != nil {
			return nil, errors.Wrap(err, "reload transaction")
		}
		return resultOf(cur), nil
	}
	o.settleOrder(ctx, t)
	return resultOf(t), nil
}

// Status returns the stored state of a transaction.
func (o *Orchestrator) Status(ctx context.Context, token string) (*CommitResult, error) {
	if !ValidToken(token) {
		return nil, ErrInvalidToken
	}
	t, err := o.txs.GetByToken(ctx, token)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	return resultOf(t), nil
}

// IsSuccessful reports whether the payment behind token went through.
func (o *Orchestrator) IsSuccessful(ctx context.Context, token string) (bool, error) {
	res, err := o.Status(ctx, token)
	if err != nil {
		return false, err
	}
	return res.Successful, nil
}

// History returns the user's payment attempts, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string) ([]Transaction, error) {
	list, err := o.txs.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	return list, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
