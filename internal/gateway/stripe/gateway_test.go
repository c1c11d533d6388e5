package stripe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huertohogar/store/internal/domain/payment"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{SecretKey: "sk_test_123", BaseURL: srv.URL})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestGateway_Create(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "sess-1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "https://shop.example/return?token_ws={CHECKOUT_SESSION_ID}", r.PostForm.Get("success_url"))
		assert.Equal(t, "clp", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "13990", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "ORDER-1700000000-ABCDEFGH", r.PostForm.Get("metadata[buy_order]"))

		writeJSON(w, http.StatusOK, `{
			"id": "cs_test_a1",
			"object": "checkout.session",
			"url": "https://checkout.stripe.com/c/pay/cs_test_a1",
			"status": "open",
			"payment_status": "unpaid"
		}`)
	})

	resp, err := g.Create(context.Background(), payment.CreateRequest{
		BuyOrder:  "ORDER-1700000000-ABCDEFGH",
		SessionID: "sess-1",
		Amount:    decimal.NewFromInt(13990),
		ReturnURL: "https://shop.example/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_a1", resp.Token)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_a1", resp.URL)
	assert.True(t, payment.ValidToken(resp.Token))
}

func TestGateway_CreateSessionTTL(t *testing.T) {
	var expiresAt int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		v, err := strconv.ParseInt(r.PostForm.Get("expires_at"), 10, 64)
		assert.NoError(t, err)
		expiresAt = v
		writeJSON(w, http.StatusOK, `{"id":"cs_test_a1","object":"checkout.session","status":"open"}`)
	}))
	t.Cleanup(srv.Close)
	g := New(Config{SecretKey: "sk_test_123", BaseURL: srv.URL, SessionTTL: 30 * time.Minute})

	before := time.Now()
	_, err := g.Create(context.Background(), payment.CreateRequest{
		BuyOrder:  "ORDER-1700000000-ABCDEFGH",
		SessionID: "sess-1",
		Amount:    decimal.NewFromInt(13990),
		ReturnURL: "https://shop.example/return",
	})
	require.NoError(t, err)
	after := time.Now()

	assert.GreaterOrEqual(t, expiresAt, before.Add(30*time.Minute).Unix())
	assert.LessOrEqual(t, expiresAt, after.Add(30*time.Minute).Unix())
}

func TestNew_ClampsSessionTTL(t *testing.T) {
	assert.Equal(t, 30*time.Minute, New(Config{SessionTTL: 15 * time.Minute}).sessionTTL)
	assert.Equal(t, 24*time.Hour, New(Config{SessionTTL: 48 * time.Hour}).sessionTTL)
	assert.Zero(t, New(Config{}).sessionTTL)
}

func TestGateway_Cancel(t *testing.T) {
	tests := []struct {
		name         string
		expireStatus int
		expireBody   string
		getBody      string
		wantErr      error
	}{
		{
			name:         "open session",
			expireStatus: http.StatusOK,
			expireBody:   `{"id":"cs_test_a1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`,
		},
		{
			name:         "already expired",
			expireStatus: http.StatusBadRequest,
			expireBody:   `{"error":{"type":"invalid_request_error","message":"not open"}}`,
			getBody:      `{"id":"cs_test_a1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`,
		},
		{
			name:         "already paid",
			expireStatus: http.StatusBadRequest,
			expireBody:   `{"error":{"type":"invalid_request_error","message":"not open"}}`,
			getBody:      `{"id":"cs_test_a1","object":"checkout.session","status":"complete","payment_status":"paid"}`,
			wantErr:      payment.ErrGatewayRejected,
		},
		{
			name:         "stripe down",
			expireStatus: http.StatusServiceUnavailable,
			expireBody:   `{"error":{"type":"api_error","message":"unavailable"}}`,
			wantErr:      payment.ErrGatewayUnreachable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/v1/checkout/sessions/cs_test_a1/expire":
					assert.Equal(t, http.MethodPost, r.Method)
					writeJSON(w, tt.expireStatus, tt.expireBody)
				case "/v1/checkout/sessions/cs_test_a1":
					writeJSON(w, http.StatusOK, tt.getBody)
				default:
					t.Errorf("unexpected path %s", r.URL.Path)
				}
			})

			err := g.Cancel(context.Background(), "cs_test_a1")
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGateway_Status(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     payment.GatewayStatus
		code     string
		outcome  payment.Outcome
		authCode string
	}{
		{
			name: "paid",
			body: `{"id":"cs_test_a1","object":"checkout.session","status":"complete","payment_status":"paid",
				"amount_total":13990,"client_reference_id":"sess-1","created":1700000000,
				"metadata":{"buy_order":"ORDER-1700000000-ABCDEFGH"},"payment_intent":"pi_123"}`,
			want:     payment.GatewayAuthorized,
			code:     payment.ResponseApproved,
			outcome:  payment.OutcomeApproved,
			authCode: "pi_123",
		},
		{
			name:    "open",
			body:    `{"id":"cs_test_a1","object":"checkout.session","status":"open","payment_status":"unpaid"}`,
			want:    payment.GatewayPending,
			outcome: payment.OutcomeUnknown,
		},
		{
			name:    "expired",
			body:    `{"id":"cs_test_a1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`,
			want:    payment.GatewayFailed,
			code:    "-1",
			outcome: payment.OutcomeDeclined,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/v1/checkout/sessions/cs_test_a1", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.body)
			})

			res, err := g.Commit(context.Background(), "cs_test_a1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.code, res.ResponseCode)
			assert.Equal(t, tt.authCode, res.AuthorizationCode)
			assert.Equal(t, tt.outcome, payment.Classify(res, nil))
		})
	}
}

func TestGateway_StatusDetails(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"cs_test_a1","object":"checkout.session","status":"complete",
			"payment_status":"paid","amount_total":13990,"client_reference_id":"sess-1","created":1700000000,
			"metadata":{"buy_order":"ORDER-1700000000-ABCDEFGH"}}`)
	})

	res, err := g.Status(context.Background(), "cs_test_a1")
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(13990)))
	assert.Equal(t, "ORDER-1700000000-ABCDEFGH", res.BuyOrder)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, int64(1700000000), res.TransactionDate.Unix())
	assert.Equal(t, "complete/paid", res.RawStatus)
}

func TestGateway_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "card declined", status: http.StatusPaymentRequired, want: payment.ErrGatewayRejected},
		{name: "not found", status: http.StatusNotFound, want: payment.ErrGatewayRejected},
		{name: "rate limited", status: http.StatusTooManyRequests, want: payment.ErrGatewayUnreachable},
		{name: "server error", status: http.StatusInternalServerError, want: payment.ErrGatewayUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, `{"error":{"type":"invalid_request_error","message":"nope"}}`)
			})

			_, err := g.Status(context.Background(), "cs_test_a1")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWithSessionParam(t *testing.T) {
	assert.Equal(t, "https://a.example/r?token_ws={CHECKOUT_SESSION_ID}",
		withSessionParam("https://a.example/r", "token_ws"))
	assert.Equal(t, "https://a.example/r?x=1&token_ws={CHECKOUT_SESSION_ID}",
		withSessionParam("https://a.example/r?x=1", "token_ws"))
}
