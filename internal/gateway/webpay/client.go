// Package webpay is a payment.Gateway backed by the Transbank Webpay Plus
// REST API.
package webpay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/huertohogar/store/internal/domain/payment"
)

const (
	IntegrationURL = "https://webpay3gint.transbank.cl"
	ProductionURL  = "https://webpay3g.transbank.cl"

	transactionsPath = "/rswebpaytransaction/api/webpay/v1.2/transactions"

	// Public integration credentials published by Transbank.
	IntegrationCommerceCode = "597055555532"
	IntegrationAPIKey       = "579B532A7440BB0C9079DED94D31EA1615BACEB56610332264630D42D0A36B1C"

	maxErrorBody = 4 << 10
)

// Config holds the Webpay client settings.
type Config struct {
	BaseURL      string
	CommerceCode string
	APIKey       string
	// Timeout bounds every request. A timeout is reported as
	// payment.ErrGatewayUnreachable.
	Timeout time.Duration
	// RatePerSecond and Burst throttle outbound calls. Zero disables the
	// limiter.
	RatePerSecond float64
	Burst         int
}

var _ payment.Gateway = (*Client)(nil)

// Client talks to Webpay Plus over HTTPS.
type Client struct {
	baseURL      string
	commerceCode string
	apiKey       string
	http         *http.Client
	limiter      *rate.Limiter
}

// New returns a Client. Transport options are passed to otelhttp.
func New(cfg Config, opts ...otelhttp.Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = IntegrationURL
	}
	if cfg.BaseURL == IntegrationURL && cfg.CommerceCode == "" && cfg.APIKey == "" {
		cfg.CommerceCode = IntegrationCommerceCode
		cfg.APIKey = IntegrationAPIKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		commerceCode: cfg.CommerceCode,
		apiKey:       cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
		limiter: limiter,
	}
}

// Create opens a transaction and returns the token and the payment form URL.
func (c *Client) Create(ctx context.Context, req payment.CreateRequest) (*payment.CreateResponse, error) {
	body := encodeCreate(req)

	data, err := c.do(ctx, http.MethodPost, transactionsPath, body)
	if err != nil {
		return nil, errors.Wrap(err, "create")
	}

	resp, err := decodeCreate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode create response: %w", payment.ErrGatewayUnreachable, err)
	}
	return resp, nil
}

// Commit confirms the transaction identified by token.
func (c *Client) Commit(ctx context.Context, token string) (*payment.GatewayResult, error) {
	data, err := c.do(ctx, http.MethodPut, transactionsPath+"/"+token, nil)
	if err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return decodeResult(data)
}

// Status reads the transaction identified by token.
func (c *Client) Status(ctx context.Context, token string) (*payment.GatewayResult, error) {
	data, err := c.do(ctx, http.MethodGet, transactionsPath+"/"+token, nil)
	if err != nil {
		return nil, errors.Wrap(err, "status")
	}
	return decodeResult(data)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", payment.ErrGatewayUnreachable, err)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Tbk-Api-Key-Id", c.commerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrGatewayUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", payment.ErrGatewayUnreachable, err)
	}

	zctx.From(ctx).Debug("Webpay call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: http %d", payment.ErrGatewayUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: http %d: %s",
			payment.ErrGatewayRejected, resp.StatusCode, decodeErrorMessage(data))
	}
	return data, nil
}

func encodeCreate(req payment.CreateRequest) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("buy_order")
	e.Str(req.BuyOrder)
	e.FieldStart("session_id")
	e.Str(req.SessionID)
	e.FieldStart("amount")
	e.Num(jx.Num(req.Amount.String()))
	e.FieldStart("return_url")
	e.Str(req.ReturnURL)
	e.ObjEnd()
	return e.Bytes()
}

func decodeCreate(data []byte) (*payment.CreateResponse, error) {
	var resp payment.CreateResponse
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "token":
			resp.Token, err = d.Str()
		case "url":
			resp.URL, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, errors.New("missing token")
	}
	return &resp, nil
}

func decodeResult(data []byte) (*payment.GatewayResult, error) {
	var res payment.GatewayResult
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		var err error
		switch key {
		case "status":
			res.RawStatus, err = d.Str()
		case "response_code":
			var code int
			code, err = d.Int()
			res.ResponseCode = strconv.Itoa(code)
		case "authorization_code":
			res.AuthorizationCode, err = d.Str()
		case "payment_type_code":
			res.PaymentTypeCode, err = d.Str()
		case "installments_number":
			res.Installments, err = d.Int()
		case "amount":
			var n jx.Num
			if n, err = d.Num(); err == nil {
				err = res.Amount.UnmarshalText([]byte(n.String()))
			}
		case "buy_order":
			res.BuyOrder, err = d.Str()
		case "session_id":
			res.SessionID, err = d.Str()
		case "transaction_date":
			var s string
			if s, err = d.Str(); err == nil {
				res.TransactionDate, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %s", key)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: decode result: %w", payment.ErrGatewayUnreachable, err)
	}
	res.Status = normalize(res.RawStatus)
	return &res, nil
}

// decodeErrorMessage extracts error_message from a 4xx body, falling back to
// the raw (truncated) body.
func decodeErrorMessage(data []byte) string {
	var msg string
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		if key != "error_message" || d.Next() != jx.String {
			return d.Skip()
		}
		var err error
		msg, err = d.Str()
		return err
	})
	if err != nil || msg == "" {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return strings.TrimSpace(string(data))
	}
	return msg
}

func normalize(status string) payment.GatewayStatus {
	switch status {
	case "AUTHORIZED", "CAPTURED":
		return payment.GatewayAuthorized
	case "FAILED":
		return payment.GatewayFailed
	case "REVERSED", "NULLIFIED", "PARTIALLY_NULLIFIED":
		return payment.GatewayReversed
	default:
		return payment.GatewayPending
	}
}
