package pos

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"genfity-pos-terminal/internal/api"
	"genfity-pos-terminal/internal/cart"
	"genfity-pos-terminal/internal/display"
	"genfity-pos-terminal/internal/offline"
	"genfity-pos-terminal/internal/receipt"
	"genfity-pos-terminal/internal/storage"

	"go.uber.org/zap"
)

var ErrEmptyCart = errors.New("cart is empty")

// Order modes as the terminal tracks them; each mode has its own persisted cart.
const (
	ModeDineIn   = "dinein"
	ModeTakeaway = "takeaway"
)

func wireOrderType(mode string) string {
	if mode == ModeTakeaway {
		return "TAKEAWAY"
	}
	return "DINE_IN"
}

// Backend is the slice of the order service the terminal drives directly.
type Backend interface {
	MerchantProfile(ctx context.Context) (api.MerchantProfile, error)
	CreatePOSOrder(ctx context.Context, req api.CreateOrderRequest) (api.OrderRef, error)
	ConfirmPOSPayment(ctx context.Context, orderID, method string) (api.OrderRef, error)
}

// Display receives customer-facing state; satisfied by *display.Server.
type Display interface {
	Publish(mode string, payload any)
}

// ReceiptWriter renders a paid order; satisfied by *receipt.Writer.
type ReceiptWriter interface {
	Write(order receipt.Order) (string, error)
}

type Totals struct {
	Subtotal      float64 `json:"subtotal"`
	TaxAmount     float64 `json:"taxAmount"`
	ServiceCharge float64 `json:"serviceChargeAmount"`
	PackagingFee  float64 `json:"packagingFee"`
	Total         float64 `json:"totalAmount"`
}

// ComputeTotals applies the charge pipeline in its fixed order: subtotal, tax,
// service charge (both percentages of the subtotal), then the flat packaging
// fee for takeaway orders.
func ComputeTotals(subtotal float64, profile api.MerchantProfile, orderType string) Totals {
	totals := Totals{Subtotal: round2(subtotal)}
	if profile.EnableTax && profile.TaxPercentage != nil {
		totals.TaxAmount = round2(totals.Subtotal * *profile.TaxPercentage / 100)
	}
	if profile.EnableServiceCharge && profile.ServiceChargePercent != nil {
		totals.ServiceCharge = round2(totals.Subtotal * *profile.ServiceChargePercent / 100)
	}
	if orderType == "TAKEAWAY" && profile.EnablePackagingFee && profile.PackagingFeeAmount != nil {
		totals.PackagingFee = round2(*profile.PackagingFeeAmount)
	}
	totals.Total = round2(totals.Subtotal + totals.TaxAmount + totals.ServiceCharge + totals.PackagingFee)
	return totals
}

// lastPlaced keeps enough of the most recent order to render its receipt once
// payment is confirmed.
type lastPlaced struct {
	order       api.OrderRef
	items       []cart.Item
	totals      Totals
	orderType   string
	tableNumber string
	placedAt    time.Time
}

// Terminal is the staff-facing orchestrator: cart, held orders, the offline
// queue and payment confirmation behind one checkout flow.
type Terminal struct {
	backend  Backend
	cart     *cart.Store
	queue    *offline.Queue
	display  Display
	receipts ReceiptWriter
	store    storage.Store
	logger   *zap.Logger

	merchantCode string
	heldTTL      time.Duration

	mu            sync.Mutex
	profile       api.MerchantProfile
	profileLoaded bool
	mode          string
	modalOpen     bool
	textInput     bool
	lastItemID    string
	displayMode   int
	last          *lastPlaced
}

func NewTerminal(
	backend Backend,
	cartStore *cart.Store,
	queue *offline.Queue,
	disp Display,
	receipts ReceiptWriter,
	store storage.Store,
	merchantCode string,
	heldTTL time.Duration,
	logger *zap.Logger,
) *Terminal {
	if heldTTL <= 0 {
		heldTTL = 24 * time.Hour
	}
	t := &Terminal{
		backend:      backend,
		cart:         cartStore,
		queue:        queue,
		display:      disp,
		receipts:     receipts,
		store:        store,
		logger:       logger,
		merchantCode: merchantCode,
		heldTTL:      heldTTL,
		mode:         ModeDineIn,
	}
	t.cart.Initialize(merchantCode, t.mode)
	return t
}

// Start loads the merchant charge configuration. Offline at startup is not
// fatal: the terminal runs with the last known (or zero) charges and orders
// queue locally.
func (t *Terminal) Start(ctx context.Context) error {
	profile, err := t.backend.MerchantProfile(ctx)
	if err != nil {
		if api.IsNetwork(err) {
			t.queue.SetOnline(false)
			t.logger.Warn("merchant profile unavailable, starting offline", zap.Error(err))
			return nil
		}
		return err
	}
	t.mu.Lock()
	t.profile = profile
	t.profileLoaded = true
	t.mu.Unlock()
	t.logger.Info("pos terminal ready",
		zap.String("merchant", profile.Code),
		zap.String("currency", profile.Currency))
	return nil
}

func (t *Terminal) Profile() api.MerchantProfile {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.profile
}

func (t *Terminal) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// ToggleOrderType flips between dine-in and takeaway. Each mode has its own
// persisted cart, so switching swaps the working cart wholesale.
func (t *Terminal) ToggleOrderType() string {
	t.mu.Lock()
	if t.mode == ModeDineIn {
		t.mode = ModeTakeaway
	} else {
		t.mode = ModeDineIn
	}
	mode := t.mode
	t.lastItemID = ""
	t.mu.Unlock()

	t.cart.Initialize(t.merchantCode, mode)
	t.publishCart()
	return mode
}

// --- cart passthroughs ---

func (t *Terminal) AddItem(item cart.Item) cart.Item {
	added := t.cart.AddItem(item)
	t.mu.Lock()
	t.lastItemID = added.CartItemID
	t.mu.Unlock()
	t.publishCart()
	return added
}

func (t *Terminal) UpdateItem(id string, patch cart.ItemPatch) bool {
	ok := t.cart.UpdateItem(id, patch)
	if ok {
		t.publishCart()
	}
	return ok
}

func (t *Terminal) RemoveItem(id string) bool {
	ok := t.cart.RemoveItem(id)
	if ok {
		t.publishCart()
	}
	return ok
}

func (t *Terminal) ClearCart() {
	t.cart.Clear()
	t.mu.Lock()
	t.lastItemID = ""
	t.mu.Unlock()
	t.display.Publish(display.ModeIdle, nil)
}

func (t *Terminal) SetTableNumber(table string) {
	t.cart.SetTableNumber(table)
	t.publishCart()
}

// AdjustLastQuantity bumps the most recently added line by delta, removing it
// when the quantity drops to zero.
func (t *Terminal) AdjustLastQuantity(delta int32) bool {
	t.mu.Lock()
	id := t.lastItemID
	t.mu.Unlock()
	if id == "" {
		return false
	}

	for _, item := range t.cart.Items() {
		if item.CartItemID == id {
			qty := item.Quantity + delta
			ok := t.cart.UpdateItem(id, cart.ItemPatch{Quantity: &qty})
			if ok {
				t.publishCart()
			}
			return ok
		}
	}
	return false
}

func (t *Terminal) RemoveLastItem() bool {
	t.mu.Lock()
	id := t.lastItemID
	t.lastItemID = ""
	t.mu.Unlock()
	if id == "" {
		return false
	}
	ok := t.cart.RemoveItem(id)
	if ok {
		t.publishCart()
	}
	return ok
}

// Totals runs the charge pipeline over the current cart.
func (t *Terminal) Totals() Totals {
	return ComputeTotals(t.cart.Total(), t.Profile(), wireOrderType(t.Mode()))
}

func (t *Terminal) publishCart() {
	snap := t.cart.Snapshot()
	if len(snap.Items) == 0 {
		t.display.Publish(display.ModeIdle, nil)
		return
	}
	t.display.Publish(display.ModeCart, map[string]any{
		"cart":   snap,
		"totals": t.Totals(),
	})
}

// --- checkout ---

type PlaceOrderOptions struct {
	Customer *api.CustomerInput
	Notes    *string
}

// PlaceResult reports one of two outcomes: the order was created on the
// server, or it was captured into the offline queue.
type PlaceResult struct {
	Order  *api.OrderRef
	Queued *offline.PendingOrder
}

// PlaceOrder submits the current cart. When the terminal is offline, or the
// create call fails on the network, the order is queued locally instead of
// surfacing an error to staff.
func (t *Terminal) PlaceOrder(ctx context.Context, opts PlaceOrderOptions) (PlaceResult, error) {
	items := t.cart.Items()
	if len(items) == 0 {
		return PlaceResult{}, ErrEmptyCart
	}

	mode := t.Mode()
	orderType := wireOrderType(mode)
	totals := ComputeTotals(cart.ItemsTotal(items), t.Profile(), orderType)

	var tableNumber *string
	if table := strings.TrimSpace(t.cart.TableNumber()); table != "" && mode == ModeDineIn {
		tableNumber = &table
	}

	pending := offline.PendingOrder{
		OrderType:   orderType,
		TableNumber: tableNumber,
		Notes:       opts.Notes,
		Customer:    opts.Customer,
		Items:       toPendingItems(items),
		Charges:     t.chargeSnapshot(),
		TotalAmount: totals.Total,
	}

	if !t.queue.Online() {
		queued := t.queue.Add(pending)
		t.finishPlacement(items, totals, orderType, tableNumber, nil)
		return PlaceResult{Queued: &queued}, nil
	}

	req := api.CreateOrderRequest{
		OrderType:   orderType,
		TableNumber: tableNumber,
		Notes:       opts.Notes,
		Customer:    opts.Customer,
		Items:       toOrderInputs(items),
		TotalAmount: totals.Total,
	}
	order, err := t.backend.CreatePOSOrder(ctx, req)
	if err != nil {
		if api.IsNetwork(err) {
			// Optimistic "online" was wrong; fall back to queueing
			// rather than erroring the checkout.
			t.queue.SetOnline(false)
			queued := t.queue.Add(pending)
			t.finishPlacement(items, totals, orderType, tableNumber, nil)
			return PlaceResult{Queued: &queued}, nil
		}
		return PlaceResult{}, err
	}

	t.finishPlacement(items, totals, orderType, tableNumber, &order)
	t.logger.Info("pos order placed",
		zap.String("orderNumber", order.OrderNumber),
		zap.Float64("total", totals.Total))
	return PlaceResult{Order: &order}, nil
}

func (t *Terminal) finishPlacement(items []cart.Item, totals Totals, orderType string, tableNumber *string, order *api.OrderRef) {
	t.cart.Clear()

	t.mu.Lock()
	t.lastItemID = ""
	if order != nil {
		table := ""
		if tableNumber != nil {
			table = *tableNumber
		}
		t.last = &lastPlaced{
			order:       *order,
			items:       items,
			totals:      totals,
			orderType:   orderType,
			tableNumber: table,
			placedAt:    time.Now(),
		}
	}
	t.mu.Unlock()

	if order != nil {
		t.display.Publish(display.ModeOrderReview, map[string]any{
			"orderNumber": order.OrderNumber,
			"totals":      totals,
		})
	} else {
		t.display.Publish(display.ModeIdle, nil)
	}
}

func (t *Terminal) chargeSnapshot() offline.ChargeSnapshot {
	profile := t.Profile()
	snap := offline.ChargeSnapshot{}
	if profile.EnableTax && profile.TaxPercentage != nil {
		snap.TaxPercent = *profile.TaxPercentage
	}
	if profile.EnableServiceCharge && profile.ServiceChargePercent != nil {
		snap.ServiceChargePercent = *profile.ServiceChargePercent
	}
	if profile.EnablePackagingFee && profile.PackagingFeeAmount != nil {
		snap.PackagingFee = *profile.PackagingFeeAmount
	}
	return snap
}

// ConfirmPayment settles the last placed order and renders its receipt.
func (t *Terminal) ConfirmPayment(ctx context.Context, orderID, method string) (api.OrderRef, string, error) {
	order, err := t.backend.ConfirmPOSPayment(ctx, orderID, method)
	if err != nil {
		return api.OrderRef{}, "", err
	}

	t.display.Publish(display.ModeThankYou, map[string]any{
		"orderNumber": order.OrderNumber,
		"totalAmount": order.TotalAmount,
	})

	path := ""
	t.mu.Lock()
	last := t.last
	profile := t.profile
	t.mu.Unlock()
	if t.receipts != nil && last != nil && last.order.ID == orderID {
		path, err = t.receipts.Write(buildReceipt(profile, *last, method))
		if err != nil {
			t.logger.Warn("receipt render failed", zap.Error(err))
			path, err = "", nil
		}
	}
	return order, path, nil
}

// SyncOffline replays the offline queue once.
func (t *Terminal) SyncOffline(ctx context.Context) offline.SyncReport {
	return t.queue.Sync(ctx)
}

// CycleDisplayMode steps the customer display through its screens.
func (t *Terminal) CycleDisplayMode() string {
	modes := []string{display.ModeIdle, display.ModeCart, display.ModeOrderReview, display.ModeThankYou}
	t.mu.Lock()
	t.displayMode = (t.displayMode + 1) % len(modes)
	mode := modes[t.displayMode]
	t.mu.Unlock()

	if mode == display.ModeCart {
		t.publishCart()
	} else {
		t.display.Publish(mode, nil)
	}
	return mode
}

func buildReceipt(profile api.MerchantProfile, last lastPlaced, paymentMethod string) receipt.Order {
	items := make([]receipt.Item, 0, len(last.items))
	for _, item := range last.items {
		ri := receipt.Item{
			Name:     item.MenuName,
			Quantity: item.Quantity,
			Subtotal: round2(item.Price * float64(item.Quantity)),
			Notes:    item.Notes,
		}
		for _, addon := range item.Addons {
			ri.Addons = append(ri.Addons, receipt.Addon{
				Name:     addon.Name,
				Quantity: 1,
				Subtotal: round2(addon.Price * float64(item.Quantity)),
			})
			ri.Subtotal = round2(ri.Subtotal + addon.Price*float64(item.Quantity))
		}
		items = append(items, ri)
	}
	return receipt.Order{
		MerchantName:  profile.Name,
		Currency:      profile.Currency,
		OrderNumber:   last.order.OrderNumber,
		OrderType:     last.orderType,
		TableNumber:   last.tableNumber,
		PlacedAt:      last.placedAt,
		PaidAt:        time.Now(),
		Items:         items,
		Subtotal:      last.totals.Subtotal,
		TaxAmount:     last.totals.TaxAmount,
		ServiceCharge: last.totals.ServiceCharge,
		PackagingFee:  last.totals.PackagingFee,
		Total:         last.totals.Total,
		PaymentMethod: paymentMethod,
	}
}

// --- modal / focus suppression ---

func (t *Terminal) SetModalOpen(open bool) {
	t.mu.Lock()
	t.modalOpen = open
	t.mu.Unlock()
}

func (t *Terminal) SetTextInputFocused(focused bool) {
	t.mu.Lock()
	t.textInput = focused
	t.mu.Unlock()
}

func (t *Terminal) suppressed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modalOpen || t.textInput
}

func toPendingItems(items []cart.Item) []offline.PendingItem {
	out := make([]offline.PendingItem, 0, len(items))
	for _, item := range items {
		pi := offline.PendingItem{
			MenuID:    item.MenuID,
			MenuName:  item.MenuName,
			MenuPrice: item.Price,
			Quantity:  item.Quantity,
		}
		if item.Notes != "" {
			notes := item.Notes
			pi.Notes = &notes
		}
		for _, addon := range item.Addons {
			pi.Addons = append(pi.Addons, offline.PendingAddon{
				AddonID: addon.ID,
				Name:    addon.Name,
				Price:   addon.Price,
			})
		}
		out = append(out, pi)
	}
	return out
}

func toOrderInputs(items []cart.Item) []api.OrderItemInput {
	out := make([]api.OrderItemInput, 0, len(items))
	for _, item := range items {
		input := api.OrderItemInput{
			MenuID:   item.MenuID,
			MenuName: item.MenuName,
			Price:    item.Price,
			Quantity: item.Quantity,
		}
		if item.Notes != "" {
			notes := item.Notes
			input.Notes = &notes
		}
		for _, addon := range item.Addons {
			input.Addons = append(input.Addons, api.OrderAddonInput{
				AddonID: addon.ID,
				Name:    addon.Name,
				Price:   addon.Price,
			})
		}
		out = append(out, input)
	}
	return out
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
