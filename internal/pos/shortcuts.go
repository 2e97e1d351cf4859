package pos

// Key is one keyboard chord as the terminal UI reports it.
type Key struct {
	Code  string
	Shift bool
}

type Action string

const (
	ActionNone            Action = ""
	ActionShowHistory     Action = "show-history"
	ActionToggleOrderType Action = "toggle-order-type"
	ActionEditTableNumber Action = "edit-table-number"
	ActionEditCustomer    Action = "edit-customer"
	ActionEditNotes       Action = "edit-notes"
	ActionClearCart       Action = "clear-cart"
	ActionPlaceOrder      Action = "place-order"
	ActionCycleDisplay    Action = "cycle-display"
	ActionRemoveLastItem  Action = "remove-last-item"
	ActionIncrementLast   Action = "increment-last"
	ActionDecrementLast   Action = "decrement-last"
)

// ResolveKey maps a chord to its action. All shortcuts are suppressed while a
// modal is open or focus sits in a text input, so typing a table number never
// fires F-key side effects.
func (t *Terminal) ResolveKey(key Key) (Action, bool) {
	if t.suppressed() {
		return ActionNone, false
	}

	switch key.Code {
	case "F1":
		return ActionShowHistory, true
	case "F2":
		return ActionToggleOrderType, true
	case "F3":
		return ActionEditTableNumber, true
	case "F4":
		return ActionEditCustomer, true
	case "F5":
		return ActionEditNotes, true
	case "F8":
		return ActionClearCart, true
	case "F10":
		return ActionPlaceOrder, true
	case "F11":
		return ActionCycleDisplay, true
	case "Delete":
		if key.Shift {
			return ActionRemoveLastItem, true
		}
	case "+":
		return ActionIncrementLast, true
	case "-":
		return ActionDecrementLast, true
	}
	return ActionNone, false
}

// HandleKey resolves a chord and executes the actions that need no further UI
// input. Actions that open a modal or need a context (history, table number,
// customer, notes, place order) are returned for the caller to drive.
func (t *Terminal) HandleKey(key Key) Action {
	action, ok := t.ResolveKey(key)
	if !ok {
		return ActionNone
	}

	switch action {
	case ActionToggleOrderType:
		t.ToggleOrderType()
	case ActionClearCart:
		t.ClearCart()
	case ActionCycleDisplay:
		t.CycleDisplayMode()
	case ActionRemoveLastItem:
		t.RemoveLastItem()
	case ActionIncrementLast:
		t.AdjustLastQuantity(1)
	case ActionDecrementLast:
		t.AdjustLastQuantity(-1)
	}
	return action
}
