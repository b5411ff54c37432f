package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-crop-aggregator/internal/aggregator"
	"github.com/ariefcatur/go-crop-aggregator/internal/events"
	"github.com/ariefcatur/go-crop-aggregator/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	Svc    *aggregator.Service
	Redis  redis.Cmdable // optional idempotency fast path and order cache
	Events *events.Emitter
	Log    *zap.Logger
}

type CreateListingReq struct {
	Name     string          `json:"name"`
	Phone    string          `json:"phone"`
	Crop     string          `json:"crop"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type CreateListingResp struct {
	Farmer  aggregator.Farmer  `json:"farmer"`
	Listing aggregator.Listing `json:"listing"`
}

type PlaceOrderReq struct {
	ExternalID string          `json:"external_id"`
	Crop       string          `json:"crop"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type PlaceOrderResp struct {
	Order           aggregator.Order     `json:"order"`
	UpdatedListings []aggregator.Listing `json:"updated_listings"`
	Idempotent      bool                 `json:"idempotent"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/listings", h.createListing)
	r.Get("/listings", h.listListings)
	r.Get("/farmers", h.listFarmers)
	r.Post("/orders", h.placeOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Put("/orders/{id}", h.updateOrderStatus)
}

func (h *Handler) createListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingReq
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	farmer, listing, err := h.Svc.CreateListing(ctx, aggregator.ListingRequest{
		Name: req.Name, Phone: req.Phone, Crop: req.Crop, Quantity: req.Quantity, Price: req.Price,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.Events.ListingCreated(middleware.GetReqID(r.Context()), listing)
	writeJSON(w, http.StatusCreated, CreateListingResp{Farmer: farmer, Listing: listing})
}

func (h *Handler) listListings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ls, err := h.Svc.ListListings(ctx, r.URL.Query().Get("crop"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ls))
}

func (h *Handler) listFarmers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	fs, err := h.Svc.ListFarmers(ctx)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(fs))
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderReq
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	req.ExternalID = strings.TrimSpace(req.ExternalID)

	// Redis only short-circuits replays; the store stays the source of truth.
	var idemKey string
	if req.ExternalID != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemOrderCreate, req.ExternalID)
		if orderID, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && orderID != "" {
			if o, err := h.Svc.GetOrder(ctx, orderID); err == nil {
				writeJSON(w, http.StatusOK, PlaceOrderResp{Order: o, UpdatedListings: []aggregator.Listing{}, Idempotent: true})
				return
			}
		}
	}

	alloc, err := h.Svc.PlaceOrder(ctx, aggregator.OrderRequest{
		ExternalID: req.ExternalID, Crop: req.Crop, Quantity: req.Quantity,
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if h.Redis != nil {
		if idemKey != "" {
			_ = h.Redis.Set(ctx, idemKey, alloc.Order.ID, redisx.TTLIdempotency).Err()
		}
		_ = redisx.SetJSON(ctx, h.Redis, fmt.Sprintf(redisx.KeyOrder, alloc.Order.ID), alloc.Order, redisx.TTLOrderCache)
	}

	if alloc.Existing {
		writeJSON(w, http.StatusOK, PlaceOrderResp{Order: alloc.Order, UpdatedListings: []aggregator.Listing{}, Idempotent: true})
		return
	}
	h.Events.OrderPlaced(middleware.GetReqID(r.Context()), alloc)
	writeJSON(w, http.StatusCreated, PlaceOrderResp{Order: alloc.Order, UpdatedListings: alloc.Listings})
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	orders, err := h.Svc.ListOrders(ctx)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrder, id)
	if h.Redis != nil {
		if o, ok, err := redisx.GetJSON[aggregator.Order](ctx, h.Redis, key); err == nil && ok {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	o, err := h.Svc.GetOrder(ctx, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if h.Redis != nil {
		_ = redisx.SetJSON(ctx, h.Redis, key, o, redisx.TTLOrderCache)
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateStatusReq
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, changed, err := h.Svc.UpdateOrderStatus(ctx, id, aggregator.OrderStatus(req.Status))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if changed {
		if h.Redis != nil {
			_ = h.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrder, id)).Err()
		}
		// pending -> completed is the only transition that reports a change
		h.Events.OrderStatusChanged(middleware.GetReqID(r.Context()), id, aggregator.OrderPending, o.Status)
	}
	writeJSON(w, http.StatusOK, o)
}

// nonNil keeps empty collections encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
