// Package stripe adapts Stripe Checkout Sessions to payment.Gateway.
//
// A checkout session plays the role of a Webpay transaction: its ID is the
// token, Create opens it and Commit/Status read it back. Stripe captures the
// payment when the customer completes the session, so Commit has no side
// effect of its own and an abandoned session has to be closed with Cancel.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/checkout/session"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/huertohogar/store/internal/domain/payment"
)

const (
	currency = "clp"
	// sessionPlaceholder is replaced by Stripe with the session ID when the
	// customer is redirected back.
	sessionPlaceholder = "{CHECKOUT_SESSION_ID}"

	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

// Config holds the Stripe gateway settings.
type Config struct {
	SecretKey string
	// BaseURL overrides the Stripe API endpoint.
	BaseURL string
	// TokenParam is the query parameter carrying the session ID on the
	// return URL.
	TokenParam  string
	Timeout     time.Duration
	MaxRetries  int64
	ProductName string
	// SessionTTL sets when Stripe expires an unpaid session. It is clamped
	// to the 30 minutes to 24 hours Stripe accepts; zero leaves Stripe's
	// default.
	SessionTTL time.Duration
}

var (
	_ payment.Gateway  = (*Gateway)(nil)
	_ payment.Canceler = (*Gateway)(nil)
)

// Gateway creates and reads Stripe checkout sessions.
type Gateway struct {
	sessions    *session.Client
	tokenParam  string
	productName string
	sessionTTL  time.Duration
}

// New returns a Gateway. Transport options are passed to otelhttp.
func New(cfg Config, opts ...otelhttp.Option) *Gateway {
	if cfg.TokenParam == "" {
		cfg.TokenParam = "token_ws"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "Order"
	}
	if cfg.SessionTTL > 0 {
		cfg.SessionTTL = min(max(cfg.SessionTTL, minSessionTTL), maxSessionTTL)
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	return &Gateway{
		sessions: &session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		tokenParam:  cfg.TokenParam,
		productName: cfg.ProductName,
		sessionTTL:  cfg.SessionTTL,
	}
}

// Create opens a checkout session for the whole order amount.
func (g *Gateway) Create(ctx context.Context, req payment.CreateRequest) (*payment.CreateResponse, error) {
	returnURL := withSessionParam(req.ReturnURL, g.tokenParam)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.SessionID),
		SuccessURL:        stripe.String(returnURL),
		CancelURL:         stripe.String(returnURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(g.productName + " " + req.BuyOrder),
					},
					UnitAmount: stripe.Int64(req.Amount.IntPart()),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if g.sessionTTL > 0 {
		params.ExpiresAt = stripe.Int64(time.Now().Add(g.sessionTTL).Unix())
	}
	params.Context = ctx
	params.AddMetadata("buy_order", req.BuyOrder)

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "create session")
	}
	return &payment.CreateResponse{Token: s.ID, URL: s.URL}, nil
}

// Commit reads the session. Stripe has already captured a paid session.
func (g *Gateway) Commit(ctx context.Context, token string) (*payment.GatewayResult, error) {
	return g.Status(ctx, token)
}

// Status reads the session identified by token.
func (g *Gateway) Status(ctx context.Context, token string) (*payment.GatewayResult, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.sessions.Get(token, params)
	if err != nil {
		return nil, errors.Wrap(mapError(err), "get session")
	}
	return resultOf(s), nil
}

// Cancel expires an open session. A session Stripe already expired counts as
// cancelled; a completed one does not.
func (g *Gateway) Cancel(ctx context.Context, token string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	_, err := g.sessions.Expire(token, params)
	if err == nil {
		return nil
	}
	err = mapError(err)
	if !errors.Is(err, payment.ErrGatewayRejected) {
		return errors.Wrap(err, "expire session")
	}

	res, serr := g.Status(ctx, token)
	if serr == nil && res.Status == payment.GatewayFailed {
		return nil
	}
	return errors.Wrap(err, "expire session")
}

func resultOf(s *stripe.CheckoutSession) *payment.GatewayResult {
	res := &payment.GatewayResult{
		RawStatus:       string(s.Status) + "/" + string(s.PaymentStatus),
		BuyOrder:        s.Metadata["buy_order"],
		SessionID:       s.ClientReferenceID,
		TransactionDate: time.Unix(s.Created, 0).UTC(),
		PaymentTypeCode: "CARD",
		Amount:          decimal.NewFromInt(s.AmountTotal),
	}

	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		res.Status = payment.GatewayAuthorized
		res.ResponseCode = payment.ResponseApproved
		if s.PaymentIntent != nil {
			res.AuthorizationCode = s.PaymentIntent.ID
		}
	case s.Status == stripe.CheckoutSessionStatusExpired:
		res.Status = payment.GatewayFailed
		res.ResponseCode = "-1"
	default:
		res.Status = payment.GatewayPending
	}
	return res
}

// mapError sorts Stripe failures into the gateway error classes. Client
// errors other than rate limiting are rejections; the rest is unknown.
func mapError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		code := se.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return errors.Wrapf(payment.ErrGatewayRejected, "stripe %d: %s", code, se.Msg)
		}
		return errors.Wrapf(payment.ErrGatewayUnreachable, "stripe %d: %s", code, se.Msg)
	}
	return errors.Wrap(payment.ErrGatewayUnreachable, err.Error())
}

func withSessionParam(returnURL, param string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + param + "=" + sessionPlaceholder
}
