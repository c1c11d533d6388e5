package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/huertohogar/store/internal/domain/product"
)

type productResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Price          float64 `json:"price"`
	Discount       float64 `json:"discount"`
	EffectivePrice float64 `json:"effective_price"`
	Category       string  `json:"category"`
	Stock          int     `json:"stock"`
	Unit           string  `json:"unit"`
	Image          string  `json:"image"`
	Origin         string  `json:"origin,omitempty"`
	Featured       bool    `json:"featured"`
}

// ListProducts returns the active catalog, optionally narrowed with
// ?category= or ?discounted=true.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		products []product.Product
		err      error
	)
	switch {
	case q.Get("category") != "":
		products, err = h.products.ListByCategory(r.Context(), q.Get("category"))
	case q.Get("discounted") != "":
		discounted, perr := strconv.ParseBool(q.Get("discounted"))
		if perr != nil {
			writeError(w, r, &requestError{msg: "discounted must be a boolean"})
			return
		}
		if discounted {
			products, err = h.products.ListDiscounted(r.Context())
		} else {
			products, err = h.products.List(r.Context())
		}
	default:
		products, err = h.products.List(r.Context())
	}
	if err != nil {
		writeError(w, r, errors.Wrap(err, "list products"))
		return
	}

	out := make([]productResponse, len(products))
	for i, p := range products {
		out[i] = h.productToResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProduct returns a single active product by ID.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, errors.Wrap(err, "get product"))
		return
	}
	if !p.Active {
		writeError(w, r, product.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.productToResponse(*p))
}

// productToResponse converts a domain product into the response body.
// Relative image paths are prefixed with the configured imageBaseURL.
func (h *Handler) productToResponse(p product.Product) productResponse {
	return productResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Price:          p.Price.InexactFloat64(),
		Discount:       p.Discount.InexactFloat64(),
		EffectivePrice: p.EffectivePrice().Round(0).InexactFloat64(),
		Category:       p.Category,
		Stock:          p.Stock,
		Unit:           p.Unit,
		Image:          h.imageURL(p.Image),
		Origin:         p.Origin,
		Featured:       p.Featured,
	}
}

func (h *Handler) imageURL(path string) string {
	if path == "" || h.imageBaseURL == "" || strings.Contains(path, "://") {
		return path
	}
	return strings.TrimRight(h.imageBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
