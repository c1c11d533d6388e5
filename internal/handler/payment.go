package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/huertohogar/store/internal/domain/payment"
)

type initPaymentRequest struct {
	OrderNumber string          `json:"order_number" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	ReturnURL   string          `json:"return_url" validate:"required"`
	SessionID   string          `json:"session_id"`
}

type tokenRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

type initPaymentResponse struct {
	Token     string          `json:"token"`
	URL       string          `json:"url"`
	BuyOrder  string          `json:"buy_order"`
	SessionID string          `json:"session_id"`
	Amount    decimal.Decimal `json:"amount"`
}

type paymentResponse struct {
	Token             string          `json:"token"`
	BuyOrder          string          `json:"buy_order"`
	SessionID         string          `json:"session_id"`
	Amount            decimal.Decimal `json:"amount"`
	State             string          `json:"state"`
	Status            string          `json:"status,omitempty"`
	AuthorizationCode string          `json:"authorization_code,omitempty"`
	ResponseCode      string          `json:"response_code,omitempty"`
	PaymentTypeCode   string          `json:"payment_type_code,omitempty"`
	Installments      int             `json:"installments_number,omitempty"`
	TransactionDate   *time.Time      `json:"transaction_date,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Successful        bool            `json:"successful"`
	Retryable         bool            `json:"retryable,omitempty"`
}

type verifyResponse struct {
	Successful bool   `json:"successful"`
	Message    string `json:"message"`
}

type historyEntry struct {
	Token           string          `json:"token"`
	BuyOrder        string          `json:"buy_order"`
	Amount          decimal.Decimal `json:"amount"`
	State           string          `json:"state"`
	ResponseCode    string          `json:"response_code,omitempty"`
	TransactionDate *time.Time      `json:"transaction_date,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Successful      bool            `json:"successful"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InitPayment opens a gateway transaction for one of the caller's orders.
func (h *Handler) InitPayment(w http.ResponseWriter, r *http.Request) {
	var req initPaymentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID, _ := UserFromContext(r.Context())
	resp, err := h.payments.Initiate(r.Context(), payment.InitRequest{
		UserID:      userID,
		OrderNumber: req.OrderNumber,
		SessionID:   req.SessionID,
		Amount:      req.Amount,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, initPaymentResponse{
		Token:     resp.Token,
		URL:       resp.URL,
		BuyOrder:  resp.BuyOrder,
		SessionID: resp.SessionID,
		Amount:    resp.Amount,
	})
}

// CommitPayment confirms a transaction after the customer returns from the
// gateway. The token arrives as ?token_ws= or in a JSON body. An outcome that
// is not known yet answers 202 so the client polls the status endpoint.
func (h *Handler) CommitPayment(w http.ResponseWriter, r *http.Request) {
	req, err := h.tokenRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.ownPayment(r, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.payments.Commit(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Retryable {
		status = http.StatusAccepted
	}
	writeJSON(w, status, paymentToResponse(res))
}

// ReportPaymentFailure records an aborted or failed checkout.
func (h *Handler) ReportPaymentFailure(w http.ResponseWriter, r *http.Request) {
	req, err := h.tokenRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.ownPayment(r, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.payments.ReportFailure(r.Context(), req.Token, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(res))
}

// PaymentStatus returns the stored state of a transaction.
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.ownPayment(r, r.PathValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentToResponse(res))
}

// VerifyPayment answers whether the payment behind a token went through.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.ownPayment(r, r.PathValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok := res.Successful
	msg := "payment was not completed"
	if ok {
		msg = "payment was approved"
	}
	writeJSON(w, http.StatusOK, verifyResponse{Successful: ok, Message: msg})
}

// PaymentHistory lists the caller's payment attempts.
func (h *Handler) PaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	list, err := h.payments.History(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]historyEntry, len(list))
	for i := range list {
		t := &list[i]
		out[i] = historyEntry{
			Token:           t.Token,
			BuyOrder:        t.BuyOrder,
			Amount:          t.Amount,
			State:           string(t.State),
			ResponseCode:    t.ResponseCode,
			TransactionDate: t.TransactionDate,
			ErrorMessage:    t.ErrorMessage,
			Successful:      t.Successful(),
			CreatedAt:       t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ownPayment loads the stored transaction behind token and checks that it
// belongs to the caller.
func (h *Handler) ownPayment(r *http.Request, token string) (*payment.CommitResult, error) {
	res, err := h.payments.Status(r.Context(), token)
	if err != nil {
		return nil, err
	}
	userID, _ := UserFromContext(r.Context())
	if res.UserID != userID {
		return nil, errors.Wrap(payment.ErrForbidden, "transaction belongs to another user")
	}
	return res, nil
}

// tokenRequest reads the gateway token from the query string the gateway
// redirects with, falling back to a JSON body.
func (h *Handler) tokenRequest(r *http.Request) (tokenRequest, error) {
	q := r.URL.Query()
	for _, name := range []string{"token_ws", "TBK_TOKEN", "token"} {
		if v := q.Get(name); v != "" {
			return tokenRequest{Token: v, Reason: q.Get("reason")}, nil
		}
	}
	var req tokenRequest
	if err := h.decode(r, &req); err != nil {
		return tokenRequest{}, err
	}
	return req, nil
}

func paymentToResponse(res *payment.CommitResult) paymentResponse {
	return paymentResponse{
		Token:             res.Token,
		BuyOrder:          res.BuyOrder,
		SessionID:         res.SessionID,
		Amount:            res.Amount,
		State:             string(res.State),
		Status:            res.Status,
		AuthorizationCode: res.AuthorizationCode,
		ResponseCode:      res.ResponseCode,
		PaymentTypeCode:   res.PaymentTypeCode,
		Installments:      res.Installments,
		TransactionDate:   res.TransactionDate,
		ErrorMessage:      res.ErrorMessage,
		Successful:        res.Successful,
		Retryable:         res.Retryable,
	}
}
