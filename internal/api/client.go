package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genfity-pos-terminal/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Client talks to the genfity order service. Every authenticated request reads
// the bearer token from the store, never from an in-memory cache, so a token
// refreshed by another process on the same terminal is picked up immediately.
type Client struct {
	baseURL string
	http    *http.Client
	store   storage.Store
	logger  *zap.Logger
}

func NewClient(baseURL string, store storage.Store, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{},
		store:   store,
		logger:  logger,
	}
}

// BaseURL returns the configured backend base, used to derive probe targets.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) bearerToken() (string, error) {
	var token string
	found, err := c.store.Get(storage.AuthTokenKey(), &token)
	if err != nil || !found || strings.TrimSpace(token) == "" {
		return "", &Error{Category: CategoryUnauthorized, Code: "NO_TOKEN", Message: "no access token stored"}
	}

	// Inspect the expiry claim locally so an expired token maps to the
	// login redirect without a round trip. Signature verification stays
	// server-side; the claim is only advisory here.
	claims := jwt.MapClaims{}
	if _, _, parseErr := jwt.NewParser().ParseUnverified(token, claims); parseErr == nil {
		if exp, expErr := claims.GetExpirationTime(); expErr == nil && exp != nil && exp.Before(time.Now()) {
			return "", &Error{Category: CategoryUnauthorized, Code: "TOKEN_EXPIRED", Message: "access token expired"}
		}
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, authed bool) (*envelope, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, &Error{Category: CategoryApp, Message: "failed to encode request: " + err.Error(), cause: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, &Error{Category: CategoryApp, Message: err.Error(), cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.bearerToken()
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, networkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, networkError(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, resp.StatusCode, &Error{
			Category: CategoryApp,
			Message:  fmt.Sprintf("unexpected response (status %d)", resp.StatusCode),
			Status:   resp.StatusCode,
		}
	}
	return &env, resp.StatusCode, nil
}

func mapEnvelopeError(status int, env *envelope) *Error {
	apiErr := &Error{Code: env.Error, Message: env.Message, Status: status}
	switch {
	case status == http.StatusUnauthorized || env.Error == "UNAUTHORIZED":
		apiErr.Category = CategoryUnauthorized
	case status == http.StatusNotFound,
		env.Error == "SESSION_NOT_FOUND",
		env.Error == "PARTICIPANT_NOT_FOUND",
		env.Error == "MERCHANT_NOT_FOUND":
		apiErr.Category = CategoryNotFound
	case env.Error == "VALIDATION_ERROR",
		env.Error == "CONFIRMATION_REQUIRED",
		env.Error == "INSUFFICIENT_STOCK",
		env.Error == "INVALID_OPERATION",
		env.Error == "INSUFFICIENT_PARTICIPANTS",
		env.Error == "SESSION_FULL":
		apiErr.Category = CategoryConflict
	default:
		apiErr.Category = CategoryApp
	}
	return apiErr
}

// call performs a request and decodes the envelope data into out on success.
func (c *Client) call(ctx context.Context, method, path string, body, out any, authed bool) error {
	env, status, err := c.do(ctx, method, path, body, authed)
	if err != nil {
		return err
	}
	if !env.Success {
		return mapEnvelopeError(status, env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &Error{Category: CategoryApp, Message: "invalid response payload: " + err.Error(), Status: status, cause: err}
		}
	}
	return nil
}

// Probe is the connectivity ground truth: a cheap unauthenticated request
// against the backend. Any transport failure means offline.
func (c *Client) Probe(ctx context.Context, path string) error {
	if path == "" {
		path = "/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return networkError(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return networkError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// --- Merchant endpoints ---

func (c *Client) MerchantProfile(ctx context.Context) (MerchantProfile, error) {
	var profile MerchantProfile
	err := c.call(ctx, http.MethodGet, "/api/merchant/profile", nil, &profile, true)
	return profile, err
}

func (c *Client) POSMenu(ctx context.Context) (POSMenu, error) {
	var menu POSMenu
	err := c.call(ctx, http.MethodGet, "/api/merchant/pos/menu", nil, &menu, true)
	return menu, err
}

func (c *Client) CreatePOSOrder(ctx context.Context, req CreateOrderRequest) (OrderRef, error) {
	var order OrderRef
	err := c.call(ctx, http.MethodPost, "/api/merchant/orders/pos", req, &order, true)
	return order, err
}

func (c *Client) ConfirmPOSPayment(ctx context.Context, orderID, paymentMethod string) (OrderRef, error) {
	body := map[string]string{"orderId": orderID, "paymentMethod": paymentMethod}
	var order OrderRef
	err := c.call(ctx, http.MethodPost, "/api/merchant/orders/pos/payment", body, &order, true)
	return order, err
}

// --- Public group order endpoints ---

func groupOrderPath(code string, suffix string) string {
	path := "/api/public/group-order/" + url.PathEscape(strings.ToUpper(strings.TrimSpace(code)))
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *Client) GetGroupSession(ctx context.Context, code string) (GroupSession, error) {
	var session GroupSession
	err := c.call(ctx, http.MethodGet, groupOrderPath(code, ""), nil, &session, false)
	return session, err
}

func (c *Client) CreateGroupSession(ctx context.Context, req CreateSessionRequest) (GroupSession, error) {
	var session GroupSession
	err := c.call(ctx, http.MethodPost, "/api/public/group-order", req, &session, false)
	return session, err
}

func (c *Client) JoinGroupSession(ctx context.Context, code string, req JoinSessionRequest) (GroupSession, error) {
	var session GroupSession
	err := c.call(ctx, http.MethodPost, groupOrderPath(code, "join"), req, &session, false)
	return session, err
}

func (c *Client) LeaveGroupSession(ctx context.Context, code, deviceID string) error {
	body := map[string]string{"deviceId": deviceID}
	return c.call(ctx, http.MethodDelete, groupOrderPath(code, "leave"), body, nil, false)
}

func (c *Client) UpdateGroupCart(ctx context.Context, code, deviceID string, items []CartItem) (GroupSession, error) {
	if items == nil {
		items = []CartItem{}
	}
	body := map[string]any{"deviceId": deviceID, "cartItems": items}
	var session GroupSession
	err := c.call(ctx, http.MethodPut, groupOrderPath(code, "cart"), body, &session, false)
	return session, err
}

// KickParticipant runs the two-phase removal. A CONFIRMATION_REQUIRED response
// is part of the protocol, not a failure: it is returned as a KickResult with
// RequiresConfirmation set and the participant untouched.
func (c *Client) KickParticipant(ctx context.Context, code, deviceID, participantID string, confirmed bool) (KickResult, error) {
	body := map[string]any{"deviceId": deviceID, "participantId": participantID, "confirmed": confirmed}
	env, status, err := c.do(ctx, http.MethodDelete, groupOrderPath(code, "kick"), body, false)
	if err != nil {
		return KickResult{}, err
	}
	if !env.Success {
		if env.Error == "CONFIRMATION_REQUIRED" {
			var data struct {
				ParticipantName      string `json:"participantName"`
				ItemCount            int    `json:"itemCount"`
				RequiresConfirmation bool   `json:"requiresConfirmation"`
			}
			if len(env.Data) > 0 {
				_ = json.Unmarshal(env.Data, &data)
			}
			return KickResult{
				RequiresConfirmation: true,
				ParticipantName:      data.ParticipantName,
				ItemCount:            data.ItemCount,
				Message:              env.Message,
			}, nil
		}
		return KickResult{}, mapEnvelopeError(status, env)
	}

	var data struct {
		KickedParticipant struct {
			Name string `json:"name"`
		} `json:"kickedParticipant"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	return KickResult{ParticipantName: data.KickedParticipant.Name, Message: env.Message}, nil
}

func (c *Client) TransferHost(ctx context.Context, code, deviceID, newHostID string) (GroupSession, error) {
	body := map[string]string{"deviceId": deviceID, "newHostId": newHostID}
	var session GroupSession
	err := c.call(ctx, http.MethodPost, groupOrderPath(code, "transfer-host"), body, &session, false)
	return session, err
}

func (c *Client) SubmitGroupOrder(ctx context.Context, code string, req SubmitRequest) (SubmitResult, error) {
	var result SubmitResult
	err := c.call(ctx, http.MethodPost, groupOrderPath(code, "submit"), req, &result, false)
	return result, err
}

func (c *Client) CancelGroupSession(ctx context.Context, code, deviceID string) error {
	body := map[string]string{"deviceId": deviceID}
	return c.call(ctx, http.MethodDelete, groupOrderPath(code, ""), body, nil, false)
}
