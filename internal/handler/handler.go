package handler

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
	"github.com/huertohogar/store/internal/domain/product"
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
}

// Handler exposes the store API over HTTP, delegating business logic to the
// domain services.
type Handler struct {
	products     product.Repository
	carts        *cart.Service
	orders       *order.Service
	payments     *payment.Orchestrator
	validate     *validator.Validate
	imageBaseURL string
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	products product.Repository,
	carts *cart.Service,
	orders *order.Service,
	payments *payment.Orchestrator,
) *Handler {
	return &Handler{
		products:     products,
		carts:        carts,
		orders:       orders,
		payments:     payments,
		validate:     newValidator(),
		imageBaseURL: cfg.ImageBaseURL,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Register mounts the API routes on mux. Catalog reads are public, admin
// routes require an API key with the admin scope and everything else a
// customer bearer token.
func (h *Handler) Register(mux *http.ServeMux, sec *SecurityHandler) {
	user := func(f http.HandlerFunc) http.Handler { return sec.RequireUser(f) }
	admin := func(f http.HandlerFunc) http.Handler { return sec.RequireAdmin(f) }

	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)

	mux.Handle("GET /api/cart", user(h.GetCart))
	mux.Handle("PUT /api/cart", user(h.SyncCart))
	mux.Handle("DELETE /api/cart", user(h.ClearCart))
	mux.Handle("POST /api/cart/items", user(h.AddCartItem))
	mux.Handle("PATCH /api/cart/items/{id}", user(h.UpdateCartItem))
	mux.Handle("DELETE /api/cart/items/{id}", user(h.RemoveCartItem))
	mux.Handle("POST /api/cart/refresh", user(h.RefreshCart))

	mux.Handle("POST /api/orders", user(h.PlaceOrder))
	mux.Handle("GET /api/orders", user(h.ListOrders))
	mux.Handle("GET /api/orders/{number}", user(h.GetOrder))

	mux.Handle("POST /api/payments/init", user(h.InitPayment))
	mux.Handle("POST /api/payments/commit", user(h.CommitPayment))
	mux.Handle("POST /api/payments/failure", user(h.ReportPaymentFailure))
	mux.Handle("GET /api/payments/status/{token}", user(h.PaymentStatus))
	mux.Handle("GET /api/payments/verify/{token}", user(h.VerifyPayment))
	mux.Handle("GET /api/payments/history", user(h.PaymentHistory))

	mux.Handle("GET /api/admin/orders", admin(h.ListOrdersByState))
	mux.Handle("PUT /api/admin/orders/{id}/state", admin(h.UpdateOrderState))
	mux.Handle("GET /api/admin/stock-conflicts", admin(h.ListStockConflicts))
}
