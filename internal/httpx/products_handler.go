package httpx

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/shop-payments/internal/cache"
	"github.com/ariefcatur/shop-payments/internal/payment"
)

type ProductsHandler struct {
	Products payment.ProductStore
	Cache    *cache.Cache
}

type productView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Available  int    `json:"available"`
}

func viewOf(p payment.Product) productView {
	return productView{ID: p.ID, Name: p.Name, PriceCents: p.PriceCents, Available: p.Available()}
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.With(h.Cache.Middleware(cache.TTLProductList)).Get("/products", h.list)
	r.Get("/products/{id}", h.detail)
}

func (h *ProductsHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.ListProducts(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProductsHandler) detail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(cache.KeyProductDetail, id)
	var v productView
	if h.Cache.GetJSON(ctx, key, &v) {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, v)
		return
	}

	ps, err := h.Products.GetProducts(ctx, []string{id})
	if err != nil {
		writeErr(w, err)
		return
	}
	p, ok := ps[id]
	if !ok {
		writeErr(w, fmt.Errorf("%w: %s", payment.ErrProductNotFound, id))
		return
	}
	v = viewOf(p)
	h.Cache.SetJSON(ctx, key, v, cache.TTLProductDetail)
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, v)
}
