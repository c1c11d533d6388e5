package handler

import (
	"net/http"

	"github.com/huertohogar/store/internal/domain/cart"
)

type addItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type updateItemRequest struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

type syncCartRequest struct {
	Items []addItemRequest `json:"items" validate:"max=100,dive"`
}

type cartItemResponse struct {
	ID             string  `json:"id"`
	ProductID      string  `json:"product_id"`
	Name           string  `json:"name"`
	Image          string  `json:"image"`
	Quantity       int     `json:"quantity"`
	UnitPrice      float64 `json:"unit_price"`
	Discount       float64 `json:"discount"`
	EffectivePrice float64 `json:"effective_price"`
	Subtotal       float64 `json:"subtotal"`
	Stock          int     `json:"stock"`
}

type cartResponse struct {
	ID            string             `json:"id,omitempty"`
	Items         []cartItemResponse `json:"items"`
	TotalQuantity int                `json:"total_quantity"`
	Subtotal      float64            `json:"subtotal"`
	Discounts     float64            `json:"discounts"`
	Total         float64            `json:"total"`
}

// GetCart returns the caller's cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.Get(r.Context(), userID)
	h.respondCart(w, r, view, err)
}

// AddCartItem adds a product to the caller's cart.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.AddItem(r.Context(), userID, req.ProductID, req.Quantity)
	h.respondCart(w, r, view, err)
}

// UpdateCartItem changes the quantity of a cart line.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.UpdateQuantity(r.Context(), userID, r.PathValue("id"), req.Quantity)
	h.respondCart(w, r, view, err)
}

// RemoveCartItem deletes a cart line.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.RemoveItem(r.Context(), userID, r.PathValue("id"))
	h.respondCart(w, r, view, err)
}

// ClearCart empties the caller's cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	if err := h.carts.Clear(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncCart replaces the cart with the client's local copy.
func (h *Handler) SyncCart(w http.ResponseWriter, r *http.Request) {
	var req syncCartRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	lines := make([]cart.LineRequest, len(req.Items))
	for i, item := range req.Items {
		lines[i] = cart.LineRequest{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.Sync(r.Context(), userID, lines)
	h.respondCart(w, r, view, err)
}

// RefreshCart re-reads unit prices from the catalog.
func (h *Handler) RefreshCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	view, err := h.carts.RefreshPrices(r.Context(), userID)
	h.respondCart(w, r, view, err)
}

func (h *Handler) respondCart(w http.ResponseWriter, r *http.Request, view *cart.View, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cartToResponse(view))
}

func (h *Handler) cartToResponse(v *cart.View) cartResponse {
	items := make([]cartItemResponse, len(v.Items))
	for i, it := range v.Items {
		items[i] = cartItemResponse{
			ID:             it.ID,
			ProductID:      it.ProductID,
			Name:           it.Product.Name,
			Image:          h.imageURL(it.Product.Image),
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice.InexactFloat64(),
			Discount:       it.Product.Discount.InexactFloat64(),
			EffectivePrice: it.Product.EffectivePrice().Round(0).InexactFloat64(),
			Subtotal:       it.Subtotal.InexactFloat64(),
			Stock:          it.Product.Stock,
		}
	}
	return cartResponse{
		ID:            v.ID,
		Items:         items,
		TotalQuantity: v.TotalQuantity,
		Subtotal:      v.Subtotal.InexactFloat64(),
		Discounts:     v.Discounts.InexactFloat64(),
		Total:         v.Total.InexactFloat64(),
	}
}
