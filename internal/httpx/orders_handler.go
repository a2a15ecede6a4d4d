package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-flashsale-orders/internal/admission"
	"github.com/ariefcatur/go-flashsale-orders/internal/logx"
	"github.com/ariefcatur/go-flashsale-orders/internal/orders"
	"github.com/ariefcatur/go-flashsale-orders/internal/settlement"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HeaderMemberID carries the authenticated member id, set by the gateway in front
// of this service.
const HeaderMemberID = "X-Member-Id"

type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Result, error)
}

type Payer interface {
	Pay(ctx context.Context, memberID, orderID string) (settlement.Result, error)
}

type LatestOrders interface {
	GetLatest(ctx context.Context, memberID string) (*orders.Order, error)
}

type EventCache interface {
	Invalidate(ctx context.Context, eventID string) error
}

type OrdersHandler struct {
	Admission  Admitter
	Settlement Payer
	Orders     orders.OrderReader
	Latest     LatestOrders
	Admin      orders.AdminWriter
	Events     EventCache
}

type CreateOrderReq struct {
	EventID  string `json:"event_id"`
	Quantity int    `json:"quantity"`
}

type PayReq struct {
	OrderID string `json:"order_id"`
}

type OrderStatusResp struct {
	Status string        `json:"status"`
	Order  *orders.Order `json:"order,omitempty"`
}

type UpdateOrderReq struct {
	TotalPrice decimal.Decimal `json:"total_price"`
	Version    int64           `json:"version"`
}

type UpdateEventReq struct {
	Price     decimal.Decimal    `json:"price"`
	StartTime time.Time          `json:"start_time"`
	EndTime   time.Time          `json:"end_time"`
	Status    orders.EventStatus `json:"status"`
	Version   int64              `json:"version"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api/client", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOwnOrder)
		r.Get("/orders/status/{memberId}", h.getOrderStatus)
		r.Post("/payment/pay", h.pay)
	})
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/orders", h.searchOrders)
		r.Get("/orders/{id}", h.getOrder)
		r.Put("/orders/{id}", h.updateOrder)
		r.Put("/events/{id}", h.updateEvent)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func memberID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(HeaderMemberID)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "missing member id")
		return "", false
	}
	return id, true
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	member, ok := memberID(w, r)
	if !ok {
		return
	}
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Admission.Admit(ctx, admission.Request{EventID: req.EventID, MemberID: member, Quantity: req.Quantity})
	if err != nil {
		logx.FromContext(ctx).Error("admission failed", zap.Error(err))
		if errors.Is(err, orders.ErrPublishFailure) {
			writeError(w, http.StatusServiceUnavailable, "order could not be queued, try again")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch res.Outcome {
	case admission.OutcomeAccepted:
		writeJSON(w, http.StatusAccepted, res.Order)
	case admission.OutcomeInvalidRequest:
		writeError(w, http.StatusBadRequest, res.Reason)
	case admission.OutcomeEventNotFound:
		writeError(w, http.StatusNotFound, "event not found")
	case admission.OutcomeEventExpired:
		writeError(w, http.StatusGone, "event not open for sale")
	case admission.OutcomeStockExhausted:
		writeError(w, http.StatusConflict, "sold out")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	member, ok := memberID(w, r)
	if !ok {
		return
	}
	var req PayReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Settlement.Pay(ctx, member, req.OrderID)
	if err != nil {
		logx.FromContext(ctx).Error("payment failed", zap.String("order_id", req.OrderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch res.Outcome {
	case settlement.OutcomePaid:
		writeJSON(w, http.StatusOK, res.Order)
	case settlement.OutcomeNotFound:
		writeError(w, http.StatusNotFound, "order not found")
	case settlement.OutcomeNotOwner:
		writeError(w, http.StatusForbidden, "order belongs to another member")
	case settlement.OutcomeInvalidState:
		writeError(w, http.StatusConflict, "order is "+string(res.Order.Status))
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *OrdersHandler) getOwnOrder(w http.ResponseWriter, r *http.Request) {
	member, ok := memberID(w, r)
	if !ok {
		return
	}
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	if o.MemberID != member {
		writeError(w, http.StatusForbidden, "order belongs to another member")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	if o, ok := h.loadOrder(w, r); ok {
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) loadOrder(w http.ResponseWriter, r *http.Request) (orders.Order, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, orders.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return o, false
	}
	if err != nil {
		logx.FromContext(ctx).Error("get order failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return o, false
	}
	return o, true
}

// getOrderStatus answers status polling from the latest-order cache only. PENDING
// means the order has not been recorded yet.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	member, ok := memberID(w, r)
	if !ok {
		return
	}
	if chi.URLParam(r, "memberId") != member {
		writeError(w, http.StatusForbidden, "member mismatch")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Latest.GetLatest(ctx, member)
	if err != nil {
		logx.FromContext(ctx).Error("read latest order failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if o == nil {
		writeJSON(w, http.StatusOK, OrderStatusResp{Status: "PENDING"})
		return
	}
	writeJSON(w, http.StatusOK, OrderStatusResp{Status: "SUCCESS", Order: o})
}

func (h *OrdersHandler) searchOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.OrderFilter{
		MemberID:  q.Get("member_id"),
		EventID:   q.Get("event_id"),
		ProductID: q.Get("product_id"),
		Status:    orders.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	var err error
	if f.CreatedAfter, err = parseTime(q.Get("created_after")); err != nil {
		writeError(w, http.StatusBadRequest, "created_after must be RFC3339")
		return
	}
	if f.CreatedBefore, err = parseTime(q.Get("created_before")); err != nil {
		writeError(w, http.StatusBadRequest, "created_before must be RFC3339")
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a number")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Orders.SearchOrders(ctx, f)
	if err != nil {
		logx.FromContext(ctx).Error("search orders failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.TotalPrice.IsNegative() {
		writeError(w, http.StatusBadRequest, "total_price must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Admin.UpdateOrderTotal(ctx, chi.URLParam(r, "id"), req.TotalPrice, req.Version)
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, orders.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		logx.FromContext(ctx).Error("update order failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *OrdersHandler) updateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Price.IsNegative() || !req.EndTime.After(req.StartTime) {
		writeError(w, http.StatusBadRequest, "price must not be negative and end_time must follow start_time")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	e, err := h.Admin.UpdateEvent(ctx, orders.Event{
		ID:        id,
		Price:     req.Price,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Status:    req.Status,
	}, req.Version)
	switch {
	case errors.Is(err, orders.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, orders.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		logx.FromContext(ctx).Error("update event failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.Events.Invalidate(ctx, id); err != nil {
		logx.FromContext(ctx).Warn("event cache invalidation failed", zap.String("event_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, e)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
