package offline

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"genfity-pos-terminal/internal/api"
	"genfity-pos-terminal/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Backend is the slice of the order service the queue needs: the live menu for
// drift detection, order creation for replay, and a cheap connectivity probe.
type Backend interface {
	POSMenu(ctx context.Context) (api.POSMenu, error)
	CreatePOSOrder(ctx context.Context, req api.CreateOrderRequest) (api.OrderRef, error)
	Probe(ctx context.Context, path string) error
}

type PendingAddon struct {
	AddonID string  `json:"addonId"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
}

type PendingItem struct {
	MenuID   string         `json:"menuId"`
	MenuName string         `json:"menuName"`
	// MenuPrice is the price captured when the order was taken. Drift against
	// the live menu at sync time produces a conflict, never a silent change.
	MenuPrice float64        `json:"menuPrice"`
	Quantity  int32          `json:"quantity"`
	Notes     *string        `json:"notes,omitempty"`
	Addons    []PendingAddon `json:"addons,omitempty"`
}

// ChargeSnapshot freezes the merchant's charge configuration at enqueue time
// so totals can be recomputed after a conflict resolution edits line items.
type ChargeSnapshot struct {
	TaxPercent           float64 `json:"taxPercent"`
	ServiceChargePercent float64 `json:"serviceChargePercent"`
	PackagingFee         float64 `json:"packagingFee"`
}

type PendingOrder struct {
	ID          string             `json:"id"`
	CreatedAt   time.Time          `json:"createdAt"`
	OrderType   string             `json:"orderType"`
	TableNumber *string            `json:"tableNumber,omitempty"`
	Notes       *string            `json:"notes,omitempty"`
	Customer    *api.CustomerInput `json:"customer,omitempty"`
	Items       []PendingItem      `json:"items"`
	Charges     ChargeSnapshot     `json:"charges"`
	TotalAmount float64            `json:"totalAmount"`
}

type ConflictReason string

const (
	ReasonPriceChanged     ConflictReason = "PRICE_CHANGED"
	ReasonItemUnavailable  ConflictReason = "ITEM_UNAVAILABLE"
	ReasonAddonUnavailable ConflictReason = "ADDON_UNAVAILABLE"
	ReasonRejected         ConflictReason = "REJECTED"
)

// Conflict records one divergence between an order's captured snapshot and the
// current server truth. It references the pending order by id so resolutions
// can be applied without replacing the queue entry.
type Conflict struct {
	OrderID  string         `json:"orderId"`
	MenuID   string         `json:"menuId,omitempty"`
	MenuName string         `json:"menuName,omitempty"`
	Reason   ConflictReason `json:"reason"`
	OldPrice float64        `json:"oldPrice,omitempty"`
	NewPrice float64        `json:"newPrice,omitempty"`
	Message  string         `json:"message,omitempty"`
}

type ResolutionAction string

const (
	ActionAcceptPrice ResolutionAction = "ACCEPT_PRICE"
	ActionRemoveItem  ResolutionAction = "REMOVE_ITEM"
	ActionCancelOrder ResolutionAction = "CANCEL_ORDER"
)

type Resolution struct {
	OrderID  string           `json:"orderId"`
	MenuID   string           `json:"menuId,omitempty"`
	Action   ResolutionAction `json:"action"`
	NewPrice float64          `json:"newPrice,omitempty"`
}

type SyncFailure struct {
	OrderID string
	Err     error
}

type SyncReport struct {
	Synced    []string
	Conflicts []Conflict
	Failures  []SyncFailure
}

// Queue buffers orders taken while the terminal is disconnected and replays
// them once the backend is reachable again.
type Queue struct {
	store   storage.Store
	backend Backend
	logger  *zap.Logger

	probePath string
	online    atomic.Bool

	mu     sync.Mutex
	orders []PendingOrder
}

func NewQueue(store storage.Store, backend Backend, probePath string, logger *zap.Logger) *Queue {
	q := &Queue{store: store, backend: backend, probePath: probePath, logger: logger}
	q.online.Store(true)
	if found, err := store.Get(storage.PendingOrdersKey(), &q.orders); err != nil || !found {
		q.orders = nil
	}
	return q
}

// Add assigns a client id and timestamp and appends to the queue.
func (q *Queue) Add(order PendingOrder) PendingOrder {
	order.ID = uuid.NewString()
	order.CreatedAt = time.Now()

	q.mu.Lock()
	q.orders = append(q.orders, order)
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("order queued offline",
		zap.String("pendingId", order.ID),
		zap.Float64("total", order.TotalAmount),
		zap.Int("items", len(order.Items)))
	return order
}

// Update edits a queued order in place, keeping its id and timestamp so
// in-flight references stay valid. Used when staff re-open a queued order
// before it syncs.
func (q *Queue) Update(id string, mutate func(*PendingOrder)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.orders {
		if q.orders[i].ID == id {
			keptID, keptAt := q.orders[i].ID, q.orders[i].CreatedAt
			mutate(&q.orders[i])
			q.orders[i].ID = keptID
			q.orders[i].CreatedAt = keptAt
			recomputeTotal(&q.orders[i])
			q.persistLocked()
			return true
		}
	}
	return false
}

func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.orders {
		if q.orders[i].ID == id {
			q.orders = append(q.orders[:i], q.orders[i+1:]...)
			q.persistLocked()
			return true
		}
	}
	return false
}

func (q *Queue) Pending() []PendingOrder {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOrder, len(q.orders))
	copy(out, q.orders)
	return out
}

func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}

// Online reports the optimistic connectivity state. It can be wrong in either
// direction; syncs treat their own fetch outcomes as ground truth.
func (q *Queue) Online() bool { return q.online.Load() }

func (q *Queue) SetOnline(online bool) { q.online.Store(online) }

// ProbeConnectivity refreshes the online flag from a real request.
func (q *Queue) ProbeConnectivity(ctx context.Context) bool {
	err := q.backend.Probe(ctx, q.probePath)
	online := err == nil || !api.IsNetwork(err)
	q.online.Store(online)
	return online
}

// Sync replays queued orders oldest-first, strictly sequentially: one request
// at a time keeps a just-recovered connection from being flooded and keeps
// per-order error isolation trivial. A network failure leaves the order queued
// and moves on; menu drift produces conflict records for staff to resolve.
func (q *Queue) Sync(ctx context.Context) SyncReport {
	var report SyncReport

	menu, err := q.backend.POSMenu(ctx)
	if err != nil {
		if api.IsNetwork(err) {
			q.online.Store(false)
		}
		q.logger.Warn("offline sync aborted: menu fetch failed", zap.Error(err))
		return report
	}
	q.online.Store(true)

	for _, order := range q.Pending() {
		conflicts := detectConflicts(order, menu)
		if len(conflicts) > 0 {
			report.Conflicts = append(report.Conflicts, conflicts...)
			continue
		}

		_, err := q.backend.CreatePOSOrder(ctx, buildCreateRequest(order))
		if err != nil {
			if api.IsNetwork(err) {
				q.online.Store(false)
				report.Failures = append(report.Failures, SyncFailure{OrderID: order.ID, Err: err})
				continue
			}
			// Server rejected the order outright: surface as an
			// order-level conflict, do not retry automatically.
			report.Conflicts = append(report.Conflicts, Conflict{
				OrderID: order.ID,
				Reason:  ReasonRejected,
				Message: err.Error(),
			})
			continue
		}

		q.Remove(order.ID)
		report.Synced = append(report.Synced, order.ID)
		q.logger.Info("queued order synced", zap.String("pendingId", order.ID))
	}

	return report
}

func detectConflicts(order PendingOrder, menu api.POSMenu) []Conflict {
	var conflicts []Conflict
	for _, item := range order.Items {
		current, ok := menu.ItemByID(item.MenuID)
		if !ok || !current.IsActive {
			conflicts = append(conflicts, Conflict{
				OrderID:  order.ID,
				MenuID:   item.MenuID,
				MenuName: item.MenuName,
				Reason:   ReasonItemUnavailable,
				OldPrice: item.MenuPrice,
			})
			continue
		}
		if round2(current.Price) != round2(item.MenuPrice) {
			conflicts = append(conflicts, Conflict{
				OrderID:  order.ID,
				MenuID:   item.MenuID,
				MenuName: item.MenuName,
				Reason:   ReasonPriceChanged,
				OldPrice: item.MenuPrice,
				NewPrice: current.Price,
			})
		}
		for _, addon := range item.Addons {
			currentAddon, ok := menu.AddonByID(addon.AddonID)
			if !ok || !currentAddon.IsActive {
				conflicts = append(conflicts, Conflict{
					OrderID:  order.ID,
					MenuID:   item.MenuID,
					MenuName: item.MenuName + " / " + addon.Name,
					Reason:   ReasonAddonUnavailable,
					OldPrice: addon.Price,
				})
			} else if round2(currentAddon.Price) != round2(addon.Price) {
				conflicts = append(conflicts, Conflict{
					OrderID:  order.ID,
					MenuID:   item.MenuID,
					MenuName: item.MenuName + " / " + addon.Name,
					Reason:   ReasonPriceChanged,
					OldPrice: addon.Price,
					NewPrice: currentAddon.Price,
				})
			}
		}
	}
	return conflicts
}

// ApplyResolutions applies staff-approved corrections in bulk. Queue entries
// are mutated, not replaced: ids survive so the conflict UI's references stay
// valid. Orders emptied by item removal are dropped.
func (q *Queue) ApplyResolutions(resolutions []Resolution) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, res := range resolutions {
		idx := -1
		for i := range q.orders {
			if q.orders[i].ID == res.OrderID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		switch res.Action {
		case ActionCancelOrder:
			q.orders = append(q.orders[:idx], q.orders[idx+1:]...)
		case ActionRemoveItem:
			order := &q.orders[idx]
			kept := order.Items[:0]
			for _, item := range order.Items {
				if item.MenuID != res.MenuID {
					kept = append(kept, item)
				}
			}
			order.Items = kept
			if len(order.Items) == 0 {
				q.orders = append(q.orders[:idx], q.orders[idx+1:]...)
				break
			}
			recomputeTotal(order)
		case ActionAcceptPrice:
			order := &q.orders[idx]
			for i := range order.Items {
				if order.Items[i].MenuID == res.MenuID {
					order.Items[i].MenuPrice = res.NewPrice
				}
			}
			recomputeTotal(order)
		}
	}

	q.persistLocked()
}

func recomputeTotal(order *PendingOrder) {
	var subtotal float64
	for _, item := range order.Items {
		line := item.MenuPrice * float64(item.Quantity)
		for _, addon := range item.Addons {
			line += addon.Price * float64(item.Quantity)
		}
		subtotal += line
	}
	subtotal = round2(subtotal)

	total := subtotal
	total += round2(subtotal * order.Charges.TaxPercent / 100)
	total += round2(subtotal * order.Charges.ServiceChargePercent / 100)
	if order.OrderType == "TAKEAWAY" {
		total += round2(order.Charges.PackagingFee)
	}
	order.TotalAmount = round2(total)
}

func buildCreateRequest(order PendingOrder) api.CreateOrderRequest {
	items := make([]api.OrderItemInput, 0, len(order.Items))
	for _, item := range order.Items {
		input := api.OrderItemInput{
			MenuID:   item.MenuID,
			MenuName: item.MenuName,
			Price:    item.MenuPrice,
			Quantity: item.Quantity,
			Notes:    item.Notes,
		}
		for _, addon := range item.Addons {
			input.Addons = append(input.Addons, api.OrderAddonInput{
				AddonID: addon.AddonID,
				Name:    addon.Name,
				Price:   addon.Price,
			})
		}
		items = append(items, input)
	}
	return api.CreateOrderRequest{
		OrderType:   order.OrderType,
		TableNumber: order.TableNumber,
		Notes:       order.Notes,
		Customer:    order.Customer,
		Items:       items,
		TotalAmount: order.TotalAmount,
	}
}

func (q *Queue) persistLocked() {
	if err := q.store.Set(storage.PendingOrdersKey(), q.orders); err != nil {
		q.logger.Warn("pending orders persist failed", zap.Error(err))
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
