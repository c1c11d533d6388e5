package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/huertohogar/store/internal/domain/order"
)

type addressRequest struct {
	Street  string `json:"street" validate:"required,max=200"`
	Commune string `json:"commune" validate:"required,max=100"`
	Region  string `json:"region" validate:"required,max=100"`
	Notes   string `json:"notes" validate:"max=500"`
}

type placeOrderRequest struct {
	Shipping   addressRequest `json:"shipping"`
	CouponCode string         `json:"coupon_code" validate:"omitempty,max=50"`
}

type updateStateRequest struct {
	State string `json:"state" validate:"required"`
}

type orderItemResponse struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Discount    float64 `json:"discount"`
	Subtotal    float64 `json:"subtotal"`
}

type addressResponse struct {
	Street  string `json:"street"`
	Commune string `json:"commune"`
	Region  string `json:"region"`
	Notes   string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID           string              `json:"id"`
	Number       string              `json:"number"`
	State        string              `json:"state"`
	Items        []orderItemResponse `json:"items"`
	Subtotal     float64             `json:"subtotal"`
	ShippingCost float64             `json:"shipping_cost"`
	Discounts    float64             `json:"discounts"`
	Total        float64             `json:"total"`
	CouponCode   string              `json:"coupon_code,omitempty"`
	Shipping     addressResponse     `json:"shipping"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	PaidAt       *time.Time          `json:"paid_at,omitempty"`
	ShippedAt    *time.Time          `json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time          `json:"delivered_at,omitempty"`
}

type stockConflictResponse struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// PlaceOrder checks out the caller's cart.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	userID, _ := UserFromContext(r.Context())
	o, err := h.orders.Checkout(r.Context(), userID, order.CheckoutRequest{
		Shipping: order.Address{
			Street:  req.Shipping.Street,
			Commune: req.Shipping.Commune,
			Region:  req.Shipping.Region,
			Notes:   req.Shipping.Notes,
		},
		CouponCode: req.CouponCode,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderToResponse(o))
}

// ListOrders returns the caller's orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	orders, err := h.orders.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ordersToResponse(orders))
}

// GetOrder returns one of the caller's orders by number.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	o, err := h.orders.Get(r.Context(), userID, r.PathValue("number"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

// ListOrdersByState returns every order in ?state=.
func (h *Handler) ListOrdersByState(w http.ResponseWriter, r *http.Request) {
	state, err := order.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	orders, err := h.orders.ListByState(r.Context(), state)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ordersToResponse(orders))
}

// UpdateOrderState moves an order along its lifecycle.
func (h *Handler) UpdateOrderState(w http.ResponseWriter, r *http.Request) {
	var req updateStateRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	next, err := order.ParseState(req.State)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.UpdateState(r.Context(), r.PathValue("id"), next)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "update order state"))
		return
	}
	writeJSON(w, http.StatusOK, orderToResponse(o))
}

// ListStockConflicts returns paid order lines awaiting manual resolution.
func (h *Handler) ListStockConflicts(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.StockConflicts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]stockConflictResponse, len(list))
	for i, c := range list {
		out[i] = stockConflictResponse{
			ID:        c.ID,
			OrderID:   c.OrderID,
			ProductID: c.ProductID,
			Quantity:  c.Quantity,
			Reason:    c.Reason,
			CreatedAt: c.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func ordersToResponse(orders []order.Order) []orderResponse {
	out := make([]orderResponse, len(orders))
	for i := range orders {
		out[i] = orderToResponse(&orders[i])
	}
	return out
}

func orderToResponse(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.InexactFloat64(),
			Discount:    it.Discount.InexactFloat64(),
			Subtotal:    it.Subtotal.InexactFloat64(),
		}
	}
	return orderResponse{
		ID:           o.ID,
		Number:       o.Number,
		State:        string(o.State),
		Items:        items,
		Subtotal:     o.Subtotal.InexactFloat64(),
		ShippingCost: o.ShippingCost.InexactFloat64(),
		Discounts:    o.Discounts.InexactFloat64(),
		Total:        o.Total.InexactFloat64(),
		CouponCode:   o.CouponCode,
		Shipping: addressResponse{
			Street:  o.Shipping.Street,
			Commune: o.Shipping.Commune,
			Region:  o.Shipping.Region,
			Notes:   o.Shipping.Notes,
		},
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		PaidAt:      o.PaidAt,
		ShippedAt:   o.ShippedAt,
		DeliveredAt: o.DeliveredAt,
	}
}
