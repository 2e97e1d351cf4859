package api

import (
	"encoding/json"
	"time"
)

// envelope is the backend's uniform response wrapper. Data is decoded into a
// typed result only after success has been checked, so malformed or unexpected
// payloads never leak into application state.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// CartAddon is the wire form of one selected addon. The backend serializes
// addon ids as strings.
type CartAddon struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// CartItem is the wire form of one cart line, shared by the group-order cart
// endpoints and the participant payloads.
type CartItem struct {
	CartItemID string      `json:"cartItemId"`
	MenuID     string      `json:"menuId"`
	MenuName   string      `json:"menuName"`
	Price      float64     `json:"price"`
	Quantity   int32       `json:"quantity"`
	Addons     []CartAddon `json:"addons"`
	Notes      string      `json:"notes,omitempty"`
}

type MenuItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	IsActive   bool    `json:"isActive"`
	TrackStock bool    `json:"trackStock"`
	StockQty   *int32  `json:"stockQty"`
}

type MenuAddon struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	IsActive bool    `json:"isActive"`
}

// POSMenu is the terminal menu snapshot from GET /api/merchant/pos/menu, used
// both for order entry and for drift detection against queued offline orders.
type POSMenu struct {
	Items  []MenuItem  `json:"items"`
	Addons []MenuAddon `json:"addons"`
}

func (m POSMenu) ItemByID(id string) (MenuItem, bool) {
	for _, item := range m.Items {
		if item.ID == id {
			return item, true
		}
	}
	return MenuItem{}, false
}

func (m POSMenu) AddonByID(id string) (MenuAddon, bool) {
	for _, addon := range m.Addons {
		if addon.ID == id {
			return addon, true
		}
	}
	return MenuAddon{}, false
}

// MerchantProfile carries the charge configuration the totals pipeline needs.
type MerchantProfile struct {
	ID                   string   `json:"id"`
	Code                 string   `json:"code"`
	Name                 string   `json:"name"`
	Currency             string   `json:"currency"`
	EnableTax            bool     `json:"enableTax"`
	TaxPercentage        *float64 `json:"taxPercentage"`
	EnableServiceCharge  bool     `json:"enableServiceCharge"`
	ServiceChargePercent *float64 `json:"serviceChargePercent"`
	EnablePackagingFee   bool     `json:"enablePackagingFee"`
	PackagingFeeAmount   *float64 `json:"packagingFeeAmount"`
	IsDineInEnabled      bool     `json:"isDineInEnabled"`
	IsTakeawayEnabled    bool     `json:"isTakeawayEnabled"`
}

type OrderItemInput struct {
	MenuID   string           `json:"menuId"`
	MenuName string           `json:"menuName"`
	Price    float64          `json:"price"`
	Quantity int32            `json:"quantity"`
	Notes    *string          `json:"notes,omitempty"`
	Addons   []OrderAddonInput `json:"addons,omitempty"`
}

type OrderAddonInput struct {
	AddonID string  `json:"addonId"`
	Name    string  `json:"name"`
	Price   float64 `json:"price"`
}

type CustomerInput struct {
	Name  string  `json:"name"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

type CreateOrderRequest struct {
	OrderType   string           `json:"orderType"`
	TableNumber *string          `json:"tableNumber,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
	Customer    *CustomerInput   `json:"customer,omitempty"`
	Items       []OrderItemInput `json:"items"`
	TotalAmount float64          `json:"totalAmount"`
}

type OrderRef struct {
	ID          string  `json:"id"`
	OrderNumber string  `json:"orderNumber"`
	Status      string  `json:"status"`
	TotalAmount float64 `json:"totalAmount"`
}

// Group order session status values. Strict forward machine: OPEN can move to
// LOCKED or a terminal status, LOCKED only to a terminal status.
const (
	SessionOpen      = "OPEN"
	SessionLocked    = "LOCKED"
	SessionSubmitted = "SUBMITTED"
	SessionCancelled = "CANCELLED"
	SessionExpired   = "EXPIRED"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case SessionSubmitted, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

type Participant struct {
	ID         string     `json:"id"`
	CustomerID *string    `json:"customerId"`
	Name       string     `json:"name"`
	DeviceID   string     `json:"deviceId"`
	IsHost     bool       `json:"isHost"`
	CartItems  []CartItem `json:"cartItems"`
	Subtotal   float64    `json:"subtotal"`
	JoinedAt   time.Time  `json:"joinedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type SessionSummary struct {
	ParticipantCount int     `json:"participantCount"`
	TotalSubtotal    float64 `json:"totalSubtotal"`
	HostName         string  `json:"hostName"`
	IsExpired        bool    `json:"isExpired"`
	ExpiresIn        int64   `json:"expiresIn"`
}

type GroupSession struct {
	ID              string           `json:"id"`
	SessionCode     string           `json:"sessionCode"`
	OrderType       string           `json:"orderType"`
	TableNumber     *string          `json:"tableNumber"`
	Status          string           `json:"status"`
	MerchantID      string           `json:"merchantId"`
	OrderID         *string          `json:"orderId"`
	MaxParticipants int32            `json:"maxParticipants"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Participants    []Participant    `json:"participants"`
	Merchant        *MerchantProfile `json:"merchant"`
	Order           *OrderRef        `json:"order"`
	Summary         *SessionSummary  `json:"summary"`
}

// ParticipantByDeviceID finds "my" participant row after a refresh. The device
// id is the only identity the client holds.
func (s *GroupSession) ParticipantByDeviceID(deviceID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.DeviceID == deviceID {
			return p, true
		}
	}
	return Participant{}, false
}

func (s *GroupSession) Host() (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsHost {
			return p, true
		}
	}
	return Participant{}, false
}

type CreateSessionRequest struct {
	MerchantCode string  `json:"merchantCode"`
	OrderType    string  `json:"orderType"`
	TableNumber  *string `json:"tableNumber,omitempty"`
	HostName     string  `json:"hostName"`
	DeviceID     string  `json:"deviceId"`
}

type JoinSessionRequest struct {
	Name     string `json:"name"`
	DeviceID string `json:"deviceId"`
}

// KickResult reports the two-phase removal protocol: the first call against a
// target with cart items comes back with RequiresConfirmation=true and no
// removal performed.
type KickResult struct {
	RequiresConfirmation bool
	ParticipantName      string
	ItemCount            int
	Message              string
}

type SplitBillItem struct {
	ParticipantID      string  `json:"participantId"`
	ParticipantName    string  `json:"participantName"`
	IsHost             bool    `json:"isHost"`
	Subtotal           float64 `json:"subtotal"`
	TaxShare           float64 `json:"taxShare"`
	ServiceChargeShare float64 `json:"serviceChargeShare"`
	PackagingFeeShare  float64 `json:"packagingFeeShare"`
	Total              float64 `json:"total"`
}

type SubmitRequest struct {
	DeviceID      string  `json:"deviceId"`
	CustomerName  string  `json:"customerName"`
	CustomerEmail string  `json:"customerEmail"`
	CustomerPhone *string `json:"customerPhone,omitempty"`
	Notes         *string `json:"notes,omitempty"`
}

type SubmitResult struct {
	Order       OrderRef        `json:"order"`
	SessionCode string          `json:"sessionCode"`
	SplitBill   []SplitBillItem `json:"splitBill"`
}
