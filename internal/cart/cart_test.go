package cart

import (
	"testing"

	"genfity-pos-terminal/internal/storage"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *storage.MemStore) {
	t.Helper()
	mem := storage.NewMemStore()
	s := NewStore(mem, zap.NewNop())
	s.Initialize("WARUNG1", "dinein")
	return s, mem
}

func TestAddItemMergesIdenticalLines(t *testing.T) {
	s, _ := newTestStore(t)

	s.AddItem(Item{MenuID: "A", MenuName: "Nasi Goreng", Price: 10, Quantity: 1})
	s.AddItem(Item{MenuID: "A", MenuName: "Nasi Goreng", Price: 10, Quantity: 1})

	items := s.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(items))
	}
	if items[0].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", items[0].Quantity)
	}
}

func TestAddItemKeepsDistinctAddonSetsApart(t *testing.T) {
	s, _ := newTestStore(t)

	s.AddItem(Item{MenuID: "A", Price: 10, Quantity: 1, Addons: []Addon{{ID: "x", Name: "Extra", Price: 2}}})
	s.AddItem(Item{MenuID: "A", Price: 10, Quantity: 1})
	s.AddItem(Item{MenuID: "A", Price: 10, Quantity: 1, Addons: []Addon{{ID: "x", Name: "Extra", Price: 2}}})

	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 line items, got %d", len(items))
	}
	for _, item := range items {
		if len(item.Addons) == 1 && item.Quantity != 2 {
			t.Fatalf("expected addon line merged to quantity 2, got %d", item.Quantity)
		}
	}
}

func TestInitializeCoercesStringPrices(t *testing.T) {
	mem := storage.NewMemStore()
	mem.SetRaw(storage.CartKey("WARUNG1", "dinein"), []byte(`{
		"merchantCode": "WARUNG1",
		"mode": "dinein",
		"items": [
			{"cartItemId": "c1", "menuId": "A", "menuName": "Sate", "price": "12.50", "quantity": 2,
			 "addons": [{"id": "x", "name": "Sambal", "price": "1.25"}]}
		]
	}`))

	s := NewStore(mem, zap.NewNop())
	s.Initialize("WARUNG1", "dinein")

	items := s.Items()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Price != 12.50 {
		t.Fatalf("expected price 12.50, got %v", items[0].Price)
	}
	if items[0].Addons[0].Price != 1.25 {
		t.Fatalf("expected addon price 1.25, got %v", items[0].Addons[0].Price)
	}
}

func TestInitializeTreatsCorruptCartAsEmpty(t *testing.T) {
	mem := storage.NewMemStore()
	mem.SetRaw(storage.CartKey("WARUNG1", "dinein"), []byte(`{not json`))

	s := NewStore(mem, zap.NewNop())
	s.Initialize("WARUNG1", "dinein")

	if count := s.ItemCount(); count != 0 {
		t.Fatalf("expected empty cart, got %d items", count)
	}
}

func TestTotalScalesAddonsByItemQuantity(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddItem(Item{MenuID: "A", Price: 10, Quantity: 2, Addons: []Addon{{ID: "x", Name: "Extra", Price: 1}}})

	if total := s.Total(); total != 22 {
		t.Fatalf("expected total 22, got %v", total)
	}
}

func TestMutationsPersistAcrossReload(t *testing.T) {
	mem := storage.NewMemStore()
	s := NewStore(mem, zap.NewNop())
	s.Initialize("WARUNG1", "takeaway")
	added := s.AddItem(Item{MenuID: "B", MenuName: "Es Teh", Price: 3, Quantity: 1})
	qty := int32(4)
	s.UpdateItem(added.CartItemID, ItemPatch{Quantity: &qty})

	reloaded := NewStore(mem, zap.NewNop())
	reloaded.Initialize("WARUNG1", "takeaway")
	items := reloaded.Items()
	if len(items) != 1 || items[0].Quantity != 4 {
		t.Fatalf("expected reloaded cart with quantity 4, got %+v", items)
	}
}

func TestDineInMergesTableNumberRecord(t *testing.T) {
	mem := storage.NewMemStore()
	if err := mem.Set(storage.TableKey("WARUNG1"), "12"); err != nil {
		t.Fatalf("seed table: %v", err)
	}

	s := NewStore(mem, zap.NewNop())
	s.Initialize("WARUNG1", "dinein")
	if table := s.TableNumber(); table != "12" {
		t.Fatalf("expected table 12, got %q", table)
	}

	takeaway := NewStore(mem, zap.NewNop())
	takeaway.Initialize("WARUNG1", "takeaway")
	if table := takeaway.TableNumber(); table != "" {
		t.Fatalf("takeaway cart should not pick up table record, got %q", table)
	}
}

func TestUpdateQuantityZeroRemovesLine(t *testing.T) {
	s, _ := newTestStore(t)
	added := s.AddItem(Item{MenuID: "A", Price: 5, Quantity: 1})
	zero := int32(0)
	if !s.UpdateItem(added.CartItemID, ItemPatch{Quantity: &zero}) {
		t.Fatalf("expected update to succeed")
	}
	if count := s.ItemCount(); count != 0 {
		t.Fatalf("expected empty cart, got %d", count)
	}
}

func TestClearEmptiesAndPersists(t *testing.T) {
	s, mem := newTestStore(t)
	s.AddItem(Item{MenuID: "A", Price: 5, Quantity: 3})
	s.Clear()

	reloaded := NewStore(mem, zap.NewNop())
	reloaded.Initialize("WARUNG1", "dinein")
	if count := reloaded.ItemCount(); count != 0 {
		t.Fatalf("expected cleared cart after reload, got %d items", count)
	}
}
