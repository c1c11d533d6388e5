package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/huertohogar/store/internal/domain/auth"
	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
	"github.com/huertohogar/store/internal/domain/product"
)

const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Details carries per-field or per-product context when available.
	Details map[string]any `json:"details,omitempty"`
}

var errInvalidBody = errors.New("invalid request body")

// requestError is a 400 raised by the HTTP layer itself.
type requestError struct {
	msg     string
	details map[string]any
}

func (e *requestError) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &requestError{msg: errInvalidBody.Error() + ": " + err.Error()}
	}
	return h.check(dst)
}

func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate")
	}
	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[jsonField(fe.Namespace())] = fe.Tag()
	}
	return &requestError{msg: "validation failed", details: details}
}

// jsonField turns "initPaymentRequest.return_url" into "return_url".
func jsonField(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// writeError maps domain errors to HTTP responses. Unexpected errors are
// logged and reported as 500 without details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	} else if status == http.StatusBadGateway {
		zctx.From(r.Context()).Warn("Gateway failure", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	resp := func(status int, msg string) (int, errorResponse) {
		return status, errorResponse{Code: status, Message: msg}
	}

	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, errorResponse{
			Code:    http.StatusBadRequest,
			Message: reqErr.msg,
			Details: reqErr.details,
		}
	}

	var stockErr *product.InsufficientStockError
	if errors.As(err, &stockErr) {
		return http.StatusConflict, errorResponse{
			Code:    http.StatusConflict,
			Message: stockErr.Error(),
			Details: map[string]any{
				"product_id": stockErr.ProductID,
				"requested":  stockErr.Requested,
				"available":  stockErr.Available,
			},
		}
	}

	var initErr *payment.InitError
	switch {
	case errors.As(err, &initErr),
		errors.Is(err, payment.ErrGatewayRejected),
		errors.Is(err, payment.ErrGatewayUnreachable):
		return resp(http.StatusBadGateway, "payment could not be processed")

	case errors.Is(err, auth.ErrUnauthorized):
		return resp(http.StatusUnauthorized, "unauthorized")

	case errors.Is(err, payment.ErrForbidden),
		errors.Is(err, order.ErrForbidden):
		return resp(http.StatusForbidden, rootMessage(err))

	case errors.Is(err, product.ErrNotFound),
		errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, cart.ErrNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, payment.ErrNotFound):
		return resp(http.StatusNotFound, rootMessage(err))

	case errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, order.ErrInvalidState),
		errors.Is(err, coupon.ErrInvalidCoupon),
		errors.Is(err, coupon.ErrCouponExpired),
		errors.Is(err, coupon.ErrCouponUsageLimitReached),
		errors.Is(err, payment.ErrInvalidToken),
		errors.Is(err, payment.ErrInvalidInput),
		errors.Is(err, payment.ErrAmountMismatch):
		return resp(http.StatusBadRequest, rootMessage(err))

	case errors.Is(err, product.ErrInactive),
		errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrConcurrentUpdate),
		errors.Is(err, payment.ErrOrderNotPayable),
		errors.Is(err, payment.ErrPaymentInProgress),
		errors.Is(err, payment.ErrConcurrentUpdate):
		return resp(http.StatusConflict, rootMessage(err))
	}
	return resp(http.StatusInternalServerError, "internal error")
}

// rootMessage drops the wrapping context ("get order: ...") added on the way
// up, which only matters for logs.
func rootMessage(err error) string {
	var (
		validationErr *payment.ValidationError
		transitionErr *order.TransitionError
	)
	switch {
	case errors.As(err, &validationErr):
		return validationErr.Error()
	case errors.As(err, &transitionErr):
		return transitionErr.Error()
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
