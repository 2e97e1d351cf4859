package pos

import (
	"time"

	"genfity-pos-terminal/internal/cart"
	"genfity-pos-terminal/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeldOrder is a cart saved locally for later recall. Unlike an offline
// pending order it is never sent to the server, and it expires after the
// held-order TTL (one day by default).
type HeldOrder struct {
	ID          string      `json:"id"`
	Label       string      `json:"label,omitempty"`
	Mode        string      `json:"mode"`
	TableNumber string      `json:"tableNumber,omitempty"`
	Items       []cart.Item `json:"items"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
}

// loadHeld reads the held list and drops entries past their expiry. The prune
// happens on load, so an expired order disappears the next time the list is
// opened.
func (t *Terminal) loadHeld(now time.Time) []HeldOrder {
	var held []HeldOrder
	if found, _ := t.store.Get(storage.HeldOrdersKey(), &held); !found {
		return nil
	}

	kept := held[:0]
	pruned := 0
	for _, h := range held {
		if now.Before(h.ExpiresAt) {
			kept = append(kept, h)
		} else {
			pruned++
		}
	}
	if pruned > 0 {
		t.persistHeld(kept)
		t.logger.Info("expired held orders dropped", zap.Int("count", pruned))
	}
	return kept
}

func (t *Terminal) persistHeld(held []HeldOrder) {
	if held == nil {
		held = []HeldOrder{}
	}
	if err := t.store.Set(storage.HeldOrdersKey(), held); err != nil {
		t.logger.Warn("held orders persist failed", zap.Error(err))
	}
}

// HoldCurrent saves the working cart for later and clears it.
func (t *Terminal) HoldCurrent(label string) (HeldOrder, error) {
	items := t.cart.Items()
	if len(items) == 0 {
		return HeldOrder{}, ErrEmptyCart
	}

	now := time.Now()
	held := HeldOrder{
		ID:          uuid.NewString(),
		Label:       label,
		Mode:        t.Mode(),
		TableNumber: t.cart.TableNumber(),
		Items:       items,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.heldTTL),
	}

	list := append(t.loadHeld(now), held)
	t.persistHeld(list)

	t.ClearCart()
	t.logger.Info("order held", zap.String("heldId", held.ID), zap.Int("items", len(items)))
	return held, nil
}

func (t *Terminal) HeldOrders() []HeldOrder {
	return t.loadHeld(time.Now())
}

// RecallHeld swaps a held order back into the working cart, replacing its
// contents, and removes it from the held list.
func (t *Terminal) RecallHeld(id string) (HeldOrder, bool) {
	now := time.Now()
	list := t.loadHeld(now)
	for i, h := range list {
		if h.ID != id {
			continue
		}

		if h.Mode != t.Mode() {
			t.mu.Lock()
			t.mode = h.Mode
			t.mu.Unlock()
			t.cart.Initialize(t.merchantCode, h.Mode)
		}
		t.cart.Replace(h.Items)
		if h.TableNumber != "" {
			t.cart.SetTableNumber(h.TableNumber)
		}

		list = append(list[:i], list[i+1:]...)
		t.persistHeld(list)
		t.publishCart()
		return h, true
	}
	return HeldOrder{}, false
}

func (t *Terminal) DeleteHeld(id string) bool {
	list := t.loadHeld(time.Now())
	for i, h := range list {
		if h.ID == id {
			list = append(list[:i], list[i+1:]...)
			t.persistHeld(list)
			return true
		}
	}
	return false
}
