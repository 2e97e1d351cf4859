package cart

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"genfity-pos-terminal/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Addon struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type Item struct {
	CartItemID string  `json:"cartItemId"`
	MenuID     string  `json:"menuId"`
	MenuName   string  `json:"menuName"`
	Price      float64 `json:"price"`
	Quantity   int32   `json:"quantity"`
	Addons     []Addon `json:"addons"`
	Notes      string  `json:"notes,omitempty"`
}

type Snapshot struct {
	MerchantCode string  `json:"merchantCode"`
	Mode         string  `json:"mode"`
	TableNumber  *string `json:"tableNumber,omitempty"`
	Items        []Item  `json:"items"`
}

// flexFloat tolerates prices persisted as JSON strings by older terminal
// builds. Unparseable values degrade to 0 instead of failing the whole load.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

type storedAddon struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Price flexFloat `json:"price"`
}

type storedItem struct {
	CartItemID string        `json:"cartItemId"`
	MenuID     string        `json:"menuId"`
	MenuName   string        `json:"menuName"`
	Price      flexFloat     `json:"price"`
	Quantity   int32         `json:"quantity"`
	Addons     []storedAddon `json:"addons"`
	Notes      string        `json:"notes,omitempty"`
}

type storedCart struct {
	MerchantCode string       `json:"merchantCode"`
	Mode         string       `json:"mode"`
	TableNumber  *string      `json:"tableNumber,omitempty"`
	Items        []storedItem `json:"items"`
}

// Store is the working cart for one (merchantCode, mode) pair. Every mutation
// re-persists the full cart synchronously, so a crash or restart never loses
// more than the call in flight.
type Store struct {
	store  storage.Store
	logger *zap.Logger

	mu           sync.Mutex
	merchantCode string
	mode         string
	tableNumber  string
	items        []Item
}

func NewStore(store storage.Store, logger *zap.Logger) *Store {
	return &Store{store: store, logger: logger}
}

// Initialize loads the persisted cart for the key, or starts empty. For
// dine-in it also merges the separately persisted table-number record.
// Malformed persisted state is treated as "no cart".
func (s *Store) Initialize(merchantCode, mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.merchantCode = merchantCode
	s.mode = mode
	s.items = nil
	s.tableNumber = ""

	var stored storedCart
	found, err := s.store.Get(storage.CartKey(merchantCode, mode), &stored)
	if err != nil {
		s.logger.Warn("cart load failed, starting empty", zap.Error(err))
	}
	if found {
		s.items = sanitizeItems(stored.Items)
		if stored.TableNumber != nil {
			s.tableNumber = *stored.TableNumber
		}
	}

	if mode == "dinein" {
		var table string
		if ok, _ := s.store.Get(storage.TableKey(merchantCode), &table); ok && strings.TrimSpace(table) != "" {
			s.tableNumber = table
		}
	}
}

func sanitizeItems(stored []storedItem) []Item {
	items := make([]Item, 0, len(stored))
	for _, si := range stored {
		if si.Quantity <= 0 {
			si.Quantity = 1
		}
		item := Item{
			CartItemID: si.CartItemID,
			MenuID:     si.MenuID,
			MenuName:   si.MenuName,
			Price:      float64(si.Price),
			Quantity:   si.Quantity,
			Notes:      si.Notes,
			Addons:     make([]Addon, 0, len(si.Addons)),
		}
		if item.CartItemID == "" {
			item.CartItemID = uuid.NewString()
		}
		for _, sa := range si.Addons {
			item.Addons = append(item.Addons, Addon{ID: sa.ID, Name: sa.Name, Price: float64(sa.Price)})
		}
		items = append(items, item)
	}
	return items
}

func sameAddonSet(a, b []Addon) bool {
	if len(a) != len(b) {
		return false
	}
	matched := make([]bool, len(b))
	for _, addon := range a {
		found := false
		for i, other := range b {
			if matched[i] {
				continue
			}
			if addon.ID == other.ID && addon.Name == other.Name && addon.Price == other.Price {
				matched[i] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AddItem merges into an existing line when menu id and addon set match
// exactly, otherwise appends a new line with a fresh id. Returns the resulting
// line.
func (s *Store) AddItem(item Item) Item {
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	if item.Addons == nil {
		item.Addons = []Addon{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].MenuID == item.MenuID && sameAddonSet(s.items[i].Addons, item.Addons) {
			s.items[i].Quantity += item.Quantity
			s.persistLocked()
			return s.items[i]
		}
	}

	item.CartItemID = uuid.NewString()
	s.items = append(s.items, item)
	s.persistLocked()
	return item
}

type ItemPatch struct {
	Quantity *int32
	Notes    *string
	Addons   *[]Addon
	Price    *float64
}

func (s *Store) UpdateItem(cartItemID string, patch ItemPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].CartItemID != cartItemID {
			continue
		}
		if patch.Quantity != nil {
			if *patch.Quantity <= 0 {
				s.items = append(s.items[:i], s.items[i+1:]...)
				s.persistLocked()
				return true
			}
			s.items[i].Quantity = *patch.Quantity
		}
		if patch.Notes != nil {
			s.items[i].Notes = *patch.Notes
		}
		if patch.Addons != nil {
			s.items[i].Addons = append([]Addon(nil), (*patch.Addons)...)
		}
		if patch.Price != nil {
			s.items[i].Price = *patch.Price
		}
		s.persistLocked()
		return true
	}
	return false
}

func (s *Store) RemoveItem(cartItemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].CartItemID == cartItemID {
			s.items = append(s.items[:i], s.items[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	return false
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.persistLocked()
}

// Replace swaps the whole cart contents, used when recalling a held order or
// restoring a backup after leaving a group session.
func (s *Store) Replace(items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = sanitizeItems(toStored(items))
	s.persistLocked()
}

func (s *Store) SetTableNumber(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableNumber = strings.TrimSpace(table)
	if s.merchantCode != "" {
		if err := s.store.Set(storage.TableKey(s.merchantCode), s.tableNumber); err != nil {
			s.logger.Warn("table number persist failed", zap.Error(err))
		}
	}
	s.persistLocked()
}

func (s *Store) TableNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableNumber
}

func (s *Store) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyItems(s.items)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		MerchantCode: s.merchantCode,
		Mode:         s.mode,
		Items:        copyItems(s.items),
	}
	if s.tableNumber != "" {
		table := s.tableNumber
		snap.TableNumber = &table
	}
	return snap
}

// ItemCount is the total quantity across lines, what the cart badge shows.
func (s *Store) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, item := range s.items {
		count += int(item.Quantity)
	}
	return count
}

// Total sums price x quantity per line plus addon price x line quantity.
// Addon prices scale with the item quantity, matching the backend's billing
// computation (addon quantity is fixed at 1 per line).
func (s *Store) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ItemsTotal(s.items)
}

func ItemsTotal(items []Item) float64 {
	var total float64
	for _, item := range items {
		line := item.Price * float64(item.Quantity)
		for _, addon := range item.Addons {
			line += addon.Price * float64(item.Quantity)
		}
		total += line
	}
	return round2(total)
}

func (s *Store) persistLocked() {
	if s.merchantCode == "" {
		return
	}
	stored := storedCart{
		MerchantCode: s.merchantCode,
		Mode:         s.mode,
		Items:        toStored(s.items),
	}
	if s.tableNumber != "" {
		table := s.tableNumber
		stored.TableNumber = &table
	}
	if err := s.store.Set(storage.CartKey(s.merchantCode, s.mode), stored); err != nil {
		s.logger.Warn("cart persist failed", zap.Error(err))
	}
}

func toStored(items []Item) []storedItem {
	stored := make([]storedItem, 0, len(items))
	for _, item := range items {
		si := storedItem{
			CartItemID: item.CartItemID,
			MenuID:     item.MenuID,
			MenuName:   item.MenuName,
			Price:      flexFloat(item.Price),
			Quantity:   item.Quantity,
			Notes:      item.Notes,
			Addons:     make([]storedAddon, 0, len(item.Addons)),
		}
		for _, addon := range item.Addons {
			si.Addons = append(si.Addons, storedAddon{ID: addon.ID, Name: addon.Name, Price: flexFloat(addon.Price)})
		}
		stored = append(stored, si)
	}
	return stored
}

func copyItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item
		out[i].Addons = append([]Addon(nil), item.Addons...)
	}
	return out
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
