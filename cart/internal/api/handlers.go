// Package api exposes cart commands and the item popularity read model over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"shopping-cart-service/cart/internal/cluster"
	"shopping-cart-service/cart/internal/domain"
	"shopping-cart-service/cart/internal/popularity"
	"shopping-cart-service/shared/httpx"
	"shopping-cart-service/shared/logx"
)

const maxIDLength = 256

// Carts is satisfied by cluster.Router.
type Carts interface {
	Submit(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error)
	Deliver(ctx context.Context, cartID string, cmd domain.Command) (domain.Summary, error)
}

// Popularity reads the item popularity read model.
type Popularity interface {
	Get(ctx context.Context, itemID string) (popularity.Item, bool, error)
}

type Handler struct {
	carts  Carts
	items  Popularity
	logger logx.Logger
}

// NewHandler builds the handler. A nil items store answers popularity requests with 503.
func NewHandler(carts Carts, items Popularity, logger logx.Logger) *Handler {
	return &Handler{carts: carts, items: items, logger: logger}
}

type addItemRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type popularityResponse struct {
	ItemID     string `json:"item_id"`
	Popularity int64  `json:"popularity"`
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/carts/{id}/items", h.addItem)
	mux.HandleFunc("POST /api/v1/carts/{id}/checkout", h.checkout)
	mux.HandleFunc("GET /api/v1/carts/{id}", h.getCart)
	mux.HandleFunc("GET /api/v1/items/{id}/popularity", h.getPopularity)
	mux.HandleFunc("POST /internal/v1/carts/{id}/commands", h.deliver)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	cartID, ok := pathID(w, r, "cart id")
	if !ok {
		return
	}
	var req addItemRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.ItemID == "" || len(req.ItemID) > maxIDLength {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "item_id is required", nil)
		return
	}
	h.submit(w, r, cartID, domain.AddItem{ItemID: req.ItemID, Quantity: req.Quantity})
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	cartID, ok := pathID(w, r, "cart id")
	if !ok {
		return
	}
	h.submit(w, r, cartID, domain.Checkout{})
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	cartID, ok := pathID(w, r, "cart id")
	if !ok {
		return
	}
	h.submit(w, r, cartID, domain.Get{})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, cartID string, cmd domain.Command) {
	sum, err := h.carts.Submit(r.Context(), cartID, cmd)
	if err != nil {
		h.writeCartError(w, r, cartID, cmd, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

// deliver receives a command forwarded by another node.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	cartID, ok := pathID(w, r, "cart id")
	if !ok {
		return
	}
	var req cluster.CommandRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
		return
	}
	cmd, err := req.Command()
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	sum, err := h.carts.Deliver(r.Context(), cartID, cmd)
	if err != nil {
		h.writeCartError(w, r, cartID, cmd, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) getPopularity(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "item id")
	if !ok {
		return
	}
	if h.items == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "read model not configured", nil)
		return
	}
	item, found, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		h.logger.Error(r.Context(), "popularity_read_failed", "reading item popularity failed",
			slog.String("item_id", itemID),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "read model unavailable", nil)
		return
	}
	resp := popularityResponse{ItemID: itemID}
	if found {
		resp.Popularity = item.Count
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeCartError(w http.ResponseWriter, r *http.Request, cartID string, cmd domain.Command, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		level := h.logger.Warn
		if status == http.StatusInternalServerError {
			level = h.logger.Error
		}
		level(r.Context(), "cart_command_failed", "cart command failed",
			slog.String("cart_id", cartID),
			slog.String("command", cmd.Name()),
			slog.String("error_code", code),
			slog.String("error", msg),
		)
	}
	if errors.Is(err, context.Canceled) {
		msg = "request canceled"
	}
	httpx.WriteError(w, r, status, code, msg, nil)
}

// StatusFor maps a command error to an HTTP status and wire code.
func StatusFor(err error) (int, string) {
	code := cluster.Code(err)
	switch code {
	case domain.CodeInvalidQuantity, domain.CodeEmptyCart:
		return http.StatusBadRequest, code
	case domain.CodeAlreadyAdded, domain.CodeAlreadyCheckedOut, domain.CodeCartClosed:
		return http.StatusConflict, code
	case cluster.CodeTimeout:
		return http.StatusGatewayTimeout, code
	case cluster.CodeUnavailable:
		return http.StatusServiceUnavailable, code
	case cluster.CodeHalted:
		return http.StatusInternalServerError, code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, cluster.CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, cluster.CodeUnavailable
	}
	return http.StatusInternalServerError, cluster.CodeInternal
}

func pathID(w http.ResponseWriter, r *http.Request, what string) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" || len(id) > maxIDLength {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+what, nil)
		return "", false
	}
	return id, true
}

// Route collapses ids out of a path for metric labels.
func Route(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if parts[i-1] == "carts" || parts[i-1] == "items" {
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
