package grouporder

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"genfity-pos-terminal/internal/api"
	"genfity-pos-terminal/internal/cart"
	"genfity-pos-terminal/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrNoSession        = errors.New("not in a group order session")
	ErrSessionClosed    = errors.New("group order session is closed")
	ErrAlreadyInSession = errors.New("already in a group order session")
)

// StatusRemoved is reported through the closed callback when the session is
// still live but this device no longer appears in its participants list
// (kicked by the host, or evicted server-side).
const StatusRemoved = "REMOVED"

// Backend is the slice of the order service the session client drives.
type Backend interface {
	GetGroupSession(ctx context.Context, code string) (api.GroupSession, error)
	CreateGroupSession(ctx context.Context, req api.CreateSessionRequest) (api.GroupSession, error)
	JoinGroupSession(ctx context.Context, code string, req api.JoinSessionRequest) (api.GroupSession, error)
	LeaveGroupSession(ctx context.Context, code, deviceID string) error
	UpdateGroupCart(ctx context.Context, code, deviceID string, items []api.CartItem) (api.GroupSession, error)
	KickParticipant(ctx context.Context, code, deviceID, participantID string, confirmed bool) (api.KickResult, error)
	TransferHost(ctx context.Context, code, deviceID, newHostID string) (api.GroupSession, error)
	SubmitGroupOrder(ctx context.Context, code string, req api.SubmitRequest) (api.SubmitResult, error)
	CancelGroupSession(ctx context.Context, code, deviceID string) error
}

// StoredSession is the only session state persisted locally: enough to find
// the session and "my" participant row again after a restart. The session
// itself is owned by the server.
type StoredSession struct {
	SessionCode   string `json:"sessionCode"`
	ParticipantID string `json:"participantId"`
	DeviceID      string `json:"deviceId"`
}

type Config struct {
	WSBaseURL            string
	PollInterval         time.Duration
	IdleTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// Client keeps a cached copy of one group order session consistent with the
// server, via WebSocket push when configured and 5s polling otherwise.
type Client struct {
	backend Backend
	store   storage.Store
	cart    *cart.Store
	logger  *zap.Logger
	cfg     Config

	onUpdate func(api.GroupSession)
	onClosed func(status string)

	mu           sync.Mutex
	deviceID     string
	session      *api.GroupSession
	rt           *realtimeConn
	pollCancel   context.CancelFunc
	idleTimer    *time.Timer
	lastActivity time.Time
	visible      bool
	idleSuspend  bool
}

func NewClient(backend Backend, store storage.Store, cartStore *cart.Store, cfg Config, logger *zap.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * time.Minute
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 15 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}

	c := &Client{
		backend: backend,
		store:   store,
		cart:    cartStore,
		logger:  logger,
		cfg:     cfg,
		visible: true,
	}
	c.deviceID = c.loadOrCreateDeviceID()
	return c
}

// SetHandlers registers the update/closed callbacks. Must be called before
// any session is opened; callbacks run outside the client's lock.
func (c *Client) SetHandlers(onUpdate func(api.GroupSession), onClosed func(status string)) {
	c.onUpdate = onUpdate
	c.onClosed = onClosed
}

func (c *Client) loadOrCreateDeviceID() string {
	var id string
	if found, _ := c.store.Get(storage.DeviceIDKey(), &id); found && strings.TrimSpace(id) != "" {
		return id
	}
	id = generateDeviceID()
	if err := c.store.Set(storage.DeviceIDKey(), id); err != nil {
		c.logger.Warn("device id persist failed", zap.Error(err))
	}
	return id
}

// generateDeviceID uses the same format the order service generates for
// clients that join without one.
func generateDeviceID() string {
	return "device_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + strconv.FormatInt(rand.Int63(), 36)
}

func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Session returns a copy of the cached session, or nil when not in one.
func (c *Client) Session() *api.GroupSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	copied := *c.session
	copied.Participants = append([]api.Participant(nil), c.session.Participants...)
	return &copied
}

func (c *Client) MyParticipant() (api.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return api.Participant{}, false
	}
	return c.session.ParticipantByDeviceID(c.deviceID)
}

func (c *Client) IsHost() bool {
	p, ok := c.MyParticipant()
	return ok && p.IsHost
}

// --- lifecycle operations ---

type CreateParams struct {
	MerchantCode string
	OrderType    string
	TableNumber  *string
	HostName     string
}

func (c *Client) CreateSession(ctx context.Context, params CreateParams) (api.GroupSession, error) {
	if c.Session() != nil {
		return api.GroupSession{}, ErrAlreadyInSession
	}

	session, err := c.backend.CreateGroupSession(ctx, api.CreateSessionRequest{
		MerchantCode: params.MerchantCode,
		OrderType:    params.OrderType,
		TableNumber:  params.TableNumber,
		HostName:     params.HostName,
		DeviceID:     c.DeviceID(),
	})
	if err != nil {
		return api.GroupSession{}, err
	}

	c.backupAndClearCart()
	c.adoptSession(session)
	c.logger.Info("group order session created",
		zap.String("sessionCode", session.SessionCode),
		zap.String("orderType", session.OrderType))
	return session, nil
}

func (c *Client) JoinSession(ctx context.Context, code, name string) (api.GroupSession, error) {
	if c.Session() != nil {
		return api.GroupSession{}, ErrAlreadyInSession
	}

	session, err := c.backend.JoinGroupSession(ctx, code, api.JoinSessionRequest{
		Name:     name,
		DeviceID: c.DeviceID(),
	})
	if err != nil {
		return api.GroupSession{}, err
	}

	c.backupAndClearCart()
	c.adoptSession(session)
	c.logger.Info("joined group order session", zap.String("sessionCode", session.SessionCode))
	return session, nil
}

// Resume reattaches to a session persisted before a restart. Sessions that
// meanwhile closed or expired clear the stored pointer silently.
func (c *Client) Resume(ctx context.Context) (*api.GroupSession, error) {
	var stored StoredSession
	found, _ := c.store.Get(storage.GroupSessionKey(), &stored)
	if !found || stored.SessionCode == "" {
		return nil, nil
	}

	session, err := c.backend.GetGroupSession(ctx, stored.SessionCode)
	if err != nil {
		if api.IsNotFound(err) {
			_ = c.store.Remove(storage.GroupSessionKey())
			return nil, nil
		}
		return nil, err
	}
	if api.IsTerminalStatus(session.Status) {
		_ = c.store.Remove(storage.GroupSessionKey())
		return nil, nil
	}
	if _, ok := session.ParticipantByDeviceID(c.DeviceID()); !ok {
		// The session lives on but this device was removed from it while
		// the terminal was down. Not ours to rejoin.
		_ = c.store.Remove(storage.GroupSessionKey())
		c.restoreCartBackup()
		return nil, nil
	}

	c.adoptSession(session)
	c.logger.Info("group order session resumed", zap.String("sessionCode", session.SessionCode))
	return c.Session(), nil
}

func (c *Client) LeaveSession(ctx context.Context) error {
	code := c.sessionCode()
	if code == "" {
		return ErrNoSession
	}

	err := c.backend.LeaveGroupSession(ctx, code, c.DeviceID())
	if err != nil && !api.IsNotFound(err) {
		return err
	}

	c.teardown()
	c.restoreCartBackup()
	c.logger.Info("left group order session", zap.String("sessionCode", code))
	return nil
}

func (c *Client) CancelSession(ctx context.Context) error {
	code := c.sessionCode()
	if code == "" {
		return ErrNoSession
	}

	if err := c.backend.CancelGroupSession(ctx, code, c.DeviceID()); err != nil && !api.IsNotFound(err) {
		return err
	}

	c.teardown()
	c.logger.Info("group order session cancelled", zap.String("sessionCode", code))
	return nil
}

func (c *Client) SubmitOrder(ctx context.Context, req api.SubmitRequest) (api.SubmitResult, error) {
	code := c.sessionCode()
	if code == "" {
		return api.SubmitResult{}, ErrNoSession
	}

	req.DeviceID = c.DeviceID()
	result, err := c.backend.SubmitGroupOrder(ctx, code, req)
	if err != nil {
		return api.SubmitResult{}, err
	}

	c.teardown()
	c.cart.Clear()
	_ = c.store.Remove(storage.CartBackupKey(c.cartMerchant(), c.cartMode()))
	c.logger.Info("group order submitted",
		zap.String("sessionCode", code),
		zap.String("orderNumber", result.Order.OrderNumber),
		zap.Int("splitBillEntries", len(result.SplitBill)))
	return result, nil
}

// --- in-session operations ---

func (c *Client) UpdateMyCart(ctx context.Context, items []cart.Item) error {
	code, status := c.sessionCodeStatus()
	if code == "" {
		return ErrNoSession
	}
	if api.IsTerminalStatus(status) {
		return ErrSessionClosed
	}

	session, err := c.backend.UpdateGroupCart(ctx, code, c.DeviceID(), toWireItems(items))
	if err != nil {
		if api.IsNotFound(err) {
			c.handleGone(err)
		}
		return err
	}
	c.applySession(session)
	return nil
}

func (c *Client) KickParticipant(ctx context.Context, participantID string, confirmed bool) (api.KickResult, error) {
	code := c.sessionCode()
	if code == "" {
		return api.KickResult{}, ErrNoSession
	}

	result, err := c.backend.KickParticipant(ctx, code, c.DeviceID(), participantID, confirmed)
	if err != nil {
		return api.KickResult{}, err
	}
	if !result.RequiresConfirmation {
		// The kick endpoint returns only the removed participant; refresh
		// for the full view rather than patching locally.
		c.RefreshSession(ctx)
	}
	return result, nil
}

func (c *Client) TransferHost(ctx context.Context, newHostID string) error {
	code := c.sessionCode()
	if code == "" {
		return ErrNoSession
	}

	session, err := c.backend.TransferHost(ctx, code, c.DeviceID(), newHostID)
	if err != nil {
		if api.IsNotFound(err) {
			// PARTICIPANT_NOT_FOUND here may mean the chosen host, not us;
			// re-sync and let the snapshot decide.
			if api.ErrorCode(err) == "PARTICIPANT_NOT_FOUND" {
				c.RefreshSession(ctx)
			} else {
				c.handleClosed(api.SessionExpired)
			}
		}
		return err
	}
	c.applySession(session)
	return nil
}

// RefreshSession re-fetches the session snapshot. A not-found answer means
// the session is gone server-side; local state is dropped.
func (c *Client) RefreshSession(ctx context.Context) {
	code := c.sessionCode()
	if code == "" {
		return
	}

	session, err := c.backend.GetGroupSession(ctx, code)
	if err != nil {
		if api.IsNotFound(err) {
			c.handleClosed(api.SessionExpired)
			return
		}
		c.logger.Debug("group order refresh failed", zap.Error(err))
		return
	}
	c.applySession(session)
}

// --- session snapshot application ---

// adoptSession installs a newly created/joined/resumed session and opens the
// realtime channel.
func (c *Client) adoptSession(session api.GroupSession) {
	session.SessionCode = strings.ToUpper(session.SessionCode)

	participantID := ""
	if p, ok := session.ParticipantByDeviceID(c.deviceID); ok {
		participantID = p.ID
	}
	if err := c.store.Set(storage.GroupSessionKey(), StoredSession{
		SessionCode:   session.SessionCode,
		ParticipantID: participantID,
		DeviceID:      c.deviceID,
	}); err != nil {
		c.logger.Warn("group session pointer persist failed", zap.Error(err))
	}

	c.mu.Lock()
	c.session = &session
	c.startRealtimeLocked(session.SessionCode)
	c.resetIdleTimerLocked()
	c.mu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(session)
	}
}

// applySession replaces the cached snapshot, last write wins. Snapshots for a
// code other than the current one are late arrivals from a previous session
// and are discarded.
func (c *Client) applySession(session api.GroupSession) {
	session.SessionCode = strings.ToUpper(session.SessionCode)

	c.mu.Lock()
	if c.session == nil || c.session.SessionCode != session.SessionCode {
		c.mu.Unlock()
		return
	}
	if api.IsTerminalStatus(session.Status) {
		c.mu.Unlock()
		c.handleClosed(session.Status)
		return
	}
	if _, ok := session.ParticipantByDeviceID(c.deviceID); !ok {
		c.mu.Unlock()
		c.handleRemoved()
		return
	}
	c.session = &session
	c.mu.Unlock()

	if c.onUpdate != nil {
		c.onUpdate(session)
	}
}

// handleClosed reacts to a terminal status observed via push, poll, or an API
// response: drop the realtime channel and the stored pointer. A submitted
// session additionally clears the working cart, its contents now live in the
// created order.
func (c *Client) handleClosed(status string) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	code := c.session.SessionCode
	c.stopRealtimeLocked()
	c.session = nil
	c.mu.Unlock()

	_ = c.store.Remove(storage.GroupSessionKey())
	if status == api.SessionSubmitted {
		// The group cart became an order; the pre-session backup is obsolete.
		c.cart.Clear()
		_ = c.store.Remove(storage.CartBackupKey(c.cartMerchant(), c.cartMode()))
	} else {
		c.restoreCartBackup()
	}
	c.logger.Info("group order session closed",
		zap.String("sessionCode", code),
		zap.String("status", status))
	if c.onClosed != nil {
		c.onClosed(status)
	}
}

// handleRemoved reacts to this device vanishing from a still-open session:
// same teardown as a closed session, plus the cart backup is handed back
// since the group order went on without us.
func (c *Client) handleRemoved() {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	code := c.session.SessionCode
	c.stopRealtimeLocked()
	c.session = nil
	c.mu.Unlock()

	_ = c.store.Remove(storage.GroupSessionKey())
	c.restoreCartBackup()
	c.logger.Info("removed from group order session", zap.String("sessionCode", code))
	if c.onClosed != nil {
		c.onClosed(StatusRemoved)
	}
}

// handleGone maps a not-found answer from an in-session call: the participant
// being gone means this device was removed, the session being gone means it
// expired.
func (c *Client) handleGone(err error) {
	if api.ErrorCode(err) == "PARTICIPANT_NOT_FOUND" {
		c.handleRemoved()
		return
	}
	c.handleClosed(api.SessionExpired)
}

// teardown is handleClosed for locally initiated exits (leave, cancel,
// submit): no closed callback, the caller already knows.
func (c *Client) teardown() {
	c.mu.Lock()
	c.stopRealtimeLocked()
	c.session = nil
	c.mu.Unlock()
	_ = c.store.Remove(storage.GroupSessionKey())
}

// --- realtime wiring ---

func (c *Client) startRealtimeLocked(code string) {
	c.stopRealtimeLocked()

	wsURL := GroupOrderWSURL(c.cfg.WSBaseURL, code)
	if wsURL == "" {
		c.startPollingLocked()
		return
	}

	c.rt = newRealtimeConn(
		wsURL,
		c.cfg.ReconnectBaseDelay,
		c.cfg.ReconnectMaxDelay,
		c.cfg.ReconnectMaxAttempts,
		c.handleEnvelope,
		c.fallbackToPolling,
		c.logger,
	)
	c.rt.connect()
}

func (c *Client) stopRealtimeLocked() {
	if c.rt != nil {
		c.rt.close()
		c.rt = nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.idleSuspend = false
}

// startPollingLocked runs the polling degrade path: re-fetch the session at a
// fixed interval until the session ends or realtime is stopped.
func (c *Client) startPollingLocked() {
	if c.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel

	go func() {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RefreshSession(ctx)
			}
		}
	}()
}

func (c *Client) fallbackToPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	c.logger.Warn("group order realtime unavailable, polling instead",
		zap.Duration("interval", c.cfg.PollInterval))
	c.startPollingLocked()
}

func (c *Client) handleEnvelope(env wsEnvelope) {
	switch env.Type {
	case msgSession:
		var session api.GroupSession
		if err := json.Unmarshal(env.Data, &session); err != nil {
			c.logger.Warn("group order push payload invalid", zap.Error(err))
			return
		}
		c.applySession(session)
	case msgClosed:
		status := env.Status
		if status == "" {
			status = api.SessionExpired
		}
		c.handleClosed(status)
	case msgRefresh:
		go c.RefreshSession(context.Background())
	case msgError:
		// Server-side fatal: drop the socket for good and keep the session
		// fresh by polling. Distinct from idle suspension, which the next
		// user interaction revives.
		c.logger.Warn("group order realtime error", zap.String("message", env.Message))
		c.mu.Lock()
		if c.rt != nil {
			c.rt.close()
			c.rt = nil
		}
		if c.session != nil {
			c.startPollingLocked()
		}
		c.mu.Unlock()
	}
}

// --- idle / visibility ---

// Activity notes user interaction, throttled to once per second. It resets
// the idle countdown and revives a connection suspended for idleness.
func (c *Client) Activity() {
	now := time.Now()

	c.mu.Lock()
	if now.Sub(c.lastActivity) < time.Second {
		c.mu.Unlock()
		return
	}
	c.lastActivity = now
	active := c.session != nil && !api.IsTerminalStatus(c.session.Status)
	c.resetIdleTimerLocked()
	revive := active && c.visible && c.idleSuspend && c.rt != nil
	if revive {
		c.idleSuspend = false
	}
	rt := c.rt
	c.mu.Unlock()

	if revive {
		rt.resume()
	}
}

func (c *Client) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.session == nil {
		return
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.idleDisconnect)
}

// idleDisconnect tears the socket down after the idle window with no
// interaction, so abandoned sessions stop holding connections open.
func (c *Client) idleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt == nil || c.idleSuspend {
		return
	}
	c.logger.Info("group order realtime suspended (idle)")
	c.rt.suspend()
	c.idleSuspend = true
}

// SetVisible mirrors the document visibility signal: while hidden, the
// realtime connection is torn down and reconnects are suppressed.
func (c *Client) SetVisible(visible bool) {
	c.mu.Lock()
	if c.visible == visible {
		c.mu.Unlock()
		return
	}
	c.visible = visible
	rt := c.rt
	active := c.session != nil
	if rt != nil && !visible {
		rt.suspend()
	}
	if visible {
		c.idleSuspend = false
		c.resetIdleTimerLocked()
	}
	c.mu.Unlock()

	if visible && active && rt != nil {
		rt.resume()
	}
}

// Close tears everything down without touching server state.
func (c *Client) Close() {
	c.mu.Lock()
	c.stopRealtimeLocked()
	c.session = nil
	c.mu.Unlock()
}

// --- cart backup plumbing ---

func (c *Client) cartMerchant() string { return c.cart.Snapshot().MerchantCode }
func (c *Client) cartMode() string     { return c.cart.Snapshot().Mode }

// backupAndClearCart stashes the working cart before the group session takes
// over the ordering surface.
func (c *Client) backupAndClearCart() {
	snap := c.cart.Snapshot()
	if len(snap.Items) > 0 {
		if err := c.store.Set(storage.CartBackupKey(snap.MerchantCode, snap.Mode), snap.Items); err != nil {
			c.logger.Warn("cart backup failed", zap.Error(err))
		}
	}
	c.cart.Clear()
}

// restoreCartBackup hands the backed-up cart back to the cart store after
// leaving a session.
func (c *Client) restoreCartBackup() {
	snap := c.cart.Snapshot()
	key := storage.CartBackupKey(snap.MerchantCode, snap.Mode)

	var items []cart.Item
	found, _ := c.store.Get(key, &items)
	if !found || len(items) == 0 {
		return
	}
	c.cart.Replace(items)
	_ = c.store.Remove(key)
	c.logger.Info("cart restored from backup", zap.Int("items", len(items)))
}

func (c *Client) sessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.SessionCode
}

func (c *Client) sessionCodeStatus() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", ""
	}
	return c.session.SessionCode, c.session.Status
}

func toWireItems(items []cart.Item) []api.CartItem {
	wire := make([]api.CartItem, 0, len(items))
	for _, item := range items {
		wi := api.CartItem{
			CartItemID: item.CartItemID,
			MenuID:     item.MenuID,
			MenuName:   item.MenuName,
			Price:      item.Price,
			Quantity:   item.Quantity,
			Notes:      item.Notes,
			Addons:     make([]api.CartAddon, 0, len(item.Addons)),
		}
		for _, addon := range item.Addons {
			wi.Addons = append(wi.Addons, api.CartAddon{ID: addon.ID, Name: addon.Name, Price: addon.Price})
		}
		wire = append(wire, wi)
	}
	return wire
}
