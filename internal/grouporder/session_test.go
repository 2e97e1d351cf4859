package grouporder

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"genfity-pos-terminal/internal/api"
	"genfity-pos-terminal/internal/cart"
	"genfity-pos-terminal/internal/storage"

	"go.uber.org/zap"
)

type fakeGroupBackend struct {
	session     api.GroupSession
	sessionErr  error
	updateErr   error
	kickResults []api.KickResult
	kickCalls   []bool // confirmed flag per call
	getCalls    int
	leaveCalls  int
	cancelCalls int
	submitErr   error
}

func (f *fakeGroupBackend) GetGroupSession(ctx context.Context, code string) (api.GroupSession, error) {
	f.getCalls++
	return f.session, f.sessionErr
}

func (f *fakeGroupBackend) CreateGroupSession(ctx context.Context, req api.CreateSessionRequest) (api.GroupSession, error) {
	return f.session, f.sessionErr
}

func (f *fakeGroupBackend) JoinGroupSession(ctx context.Context, code string, req api.JoinSessionRequest) (api.GroupSession, error) {
	return f.session, f.sessionErr
}

func (f *fakeGroupBackend) LeaveGroupSession(ctx context.Context, code, deviceID string) error {
	f.leaveCalls++
	return nil
}

func (f *fakeGroupBackend) UpdateGroupCart(ctx context.Context, code, deviceID string, items []api.CartItem) (api.GroupSession, error) {
	if f.updateErr != nil {
		return api.GroupSession{}, f.updateErr
	}
	return f.session, f.sessionErr
}

func (f *fakeGroupBackend) KickParticipant(ctx context.Context, code, deviceID, participantID string, confirmed bool) (api.KickResult, error) {
	f.kickCalls = append(f.kickCalls, confirmed)
	result := f.kickResults[0]
	if len(f.kickResults) > 1 {
		f.kickResults = f.kickResults[1:]
	}
	return result, nil
}

func (f *fakeGroupBackend) TransferHost(ctx context.Context, code, deviceID, newHostID string) (api.GroupSession, error) {
	return f.session, f.sessionErr
}

func (f *fakeGroupBackend) SubmitGroupOrder(ctx context.Context, code string, req api.SubmitRequest) (api.SubmitResult, error) {
	if f.submitErr != nil {
		return api.SubmitResult{}, f.submitErr
	}
	return api.SubmitResult{
		Order:       api.OrderRef{ID: "9", OrderNumber: "ORD-9"},
		SessionCode: code,
		SplitBill:   []api.SplitBillItem{{ParticipantName: "Host", Total: 10}},
	}, nil
}

func (f *fakeGroupBackend) CancelGroupSession(ctx context.Context, code, deviceID string) error {
	f.cancelCalls++
	return nil
}

// quiet config: no websocket base, polling slow enough to never tick in a test.
func testConfig() Config {
	return Config{PollInterval: time.Hour, IdleTimeout: time.Hour}
}

func newTestClient(t *testing.T, backend Backend) (*Client, *cart.Store, *storage.MemStore) {
	t.Helper()
	mem := storage.NewMemStore()
	cartStore := cart.NewStore(mem, zap.NewNop())
	cartStore.Initialize("WRG", "dinein")
	c := NewClient(backend, mem, cartStore, testConfig(), zap.NewNop())
	t.Cleanup(c.Close)
	return c, cartStore, mem
}

func openSession(code, deviceID string) api.GroupSession {
	return api.GroupSession{
		ID:          "42",
		SessionCode: strings.ToUpper(code),
		OrderType:   "DINE_IN",
		Status:      api.SessionOpen,
		Participants: []api.Participant{
			{ID: "p1", Name: "Host", DeviceID: deviceID, IsHost: true},
			{ID: "p2", Name: "Guest", DeviceID: "device_other"},
		},
	}
}

func TestDeviceIDGeneratedOnceAndPersisted(t *testing.T) {
	backend := &fakeGroupBackend{}
	mem := storage.NewMemStore()
	cartStore := cart.NewStore(mem, zap.NewNop())
	cartStore.Initialize("WRG", "dinein")

	first := NewClient(backend, mem, cartStore, testConfig(), zap.NewNop())
	id := first.DeviceID()
	if !strings.HasPrefix(id, "device_") {
		t.Fatalf("unexpected device id format: %s", id)
	}

	second := NewClient(backend, mem, cartStore, testConfig(), zap.NewNop())
	if second.DeviceID() != id {
		t.Fatalf("device id must survive restarts: %s vs %s", id, second.DeviceID())
	}
}

func TestCreateSessionAdoptsAndBacksUpCart(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, mem := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Nasi Goreng", Price: 10, Quantity: 2})

	session, err := c.CreateSession(context.Background(), CreateParams{
		MerchantCode: "WRG", OrderType: "DINE_IN", HostName: "Host",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.SessionCode != "ABC123" {
		t.Fatalf("expected uppercased session code, got %s", session.SessionCode)
	}
	if cartStore.ItemCount() != 0 {
		t.Fatalf("working cart must be cleared while a group session is active")
	}

	var backup []cart.Item
	if found, _ := mem.Get(storage.CartBackupKey("WRG", "dinein"), &backup); !found || len(backup) != 1 {
		t.Fatalf("expected cart backup before session takeover, got found=%v items=%d", found, len(backup))
	}

	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); !found {
		t.Fatal("expected persisted session pointer")
	}
	if stored.SessionCode != "ABC123" || stored.ParticipantID != "p1" || stored.DeviceID != c.DeviceID() {
		t.Fatalf("unexpected stored pointer: %+v", stored)
	}
	if !c.IsHost() {
		t.Fatal("creator should be host")
	}
}

func TestJoinWhileInSessionRejected(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if _, err := c.JoinSession(context.Background(), "zzz999", "Host"); err != ErrAlreadyInSession {
		t.Fatalf("expected ErrAlreadyInSession, got %v", err)
	}
	if _, err := c.CreateSession(context.Background(), CreateParams{}); err != ErrAlreadyInSession {
		t.Fatalf("expected ErrAlreadyInSession from create, got %v", err)
	}
}

func TestKickTwoPhase(t *testing.T) {
	backend := &fakeGroupBackend{
		kickResults: []api.KickResult{
			{RequiresConfirmation: true, ParticipantName: "Guest", ItemCount: 3},
			{RequiresConfirmation: false, ParticipantName: "Guest"},
		},
	}
	c, _, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	refreshesBefore := backend.getCalls

	first, err := c.KickParticipant(context.Background(), "p2", false)
	if err != nil {
		t.Fatalf("first kick: %v", err)
	}
	if !first.RequiresConfirmation || first.ItemCount != 3 {
		t.Fatalf("expected confirmation prompt with item count, got %+v", first)
	}
	if backend.getCalls != refreshesBefore {
		t.Fatal("unconfirmed kick must not refresh the session")
	}

	second, err := c.KickParticipant(context.Background(), "p2", true)
	if err != nil {
		t.Fatalf("confirmed kick: %v", err)
	}
	if second.RequiresConfirmation {
		t.Fatal("confirmed kick should complete")
	}
	if backend.getCalls != refreshesBefore+1 {
		t.Fatal("confirmed kick should trigger a session refresh")
	}
	if len(backend.kickCalls) != 2 || backend.kickCalls[0] || !backend.kickCalls[1] {
		t.Fatalf("expected confirmed flags [false true], got %v", backend.kickCalls)
	}
}

func TestSubmitClearsSessionAndCart(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, mem := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 1})
	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	result, err := c.SubmitOrder(context.Background(), api.SubmitRequest{CustomerName: "Host"})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if result.Order.OrderNumber != "ORD-9" || len(result.SplitBill) != 1 {
		t.Fatalf("unexpected submit result: %+v", result)
	}

	if c.Session() != nil {
		t.Fatal("session must be gone after submit")
	}
	if cartStore.ItemCount() != 0 {
		t.Fatal("cart must be cleared after submit")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("stored pointer must be removed after submit")
	}
	var backup []cart.Item
	if found, _ := mem.Get(storage.CartBackupKey("WRG", "dinein"), &backup); found {
		t.Fatal("cart backup must not be restored after submit")
	}
	if err := c.UpdateMyCart(context.Background(), nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after submit, got %v", err)
	}
}

func TestLeaveRestoresBackedUpCart(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 3})
	if _, err := c.JoinSession(context.Background(), "abc123", "Guest"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if cartStore.ItemCount() != 0 {
		t.Fatal("cart should be parked during the session")
	}

	if err := c.LeaveSession(context.Background()); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if backend.leaveCalls != 1 {
		t.Fatalf("expected one leave call, got %d", backend.leaveCalls)
	}
	if c.Session() != nil {
		t.Fatal("session must be gone after leaving")
	}
	if cartStore.ItemCount() != 3 {
		t.Fatalf("expected backed-up cart restored, got %d items", cartStore.ItemCount())
	}
}

func TestResumeReattachesOpenSession(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, mem := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	mem.Set(storage.GroupSessionKey(), StoredSession{
		SessionCode: "ABC123", ParticipantID: "p1", DeviceID: c.DeviceID(),
	})

	session, err := c.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if session == nil || session.SessionCode != "ABC123" {
		t.Fatalf("expected resumed session, got %+v", session)
	}
}

func TestResumeDropsTerminalSession(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, mem := newTestClient(t, backend)
	session := openSession("abc123", c.DeviceID())
	session.Status = api.SessionCancelled
	backend.session = session

	mem.Set(storage.GroupSessionKey(), StoredSession{SessionCode: "ABC123"})

	resumed, err := c.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != nil {
		t.Fatal("terminal session must not be resumed")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("stale pointer must be cleared")
	}
}

func TestResumeWithNotFoundClearsPointer(t *testing.T) {
	backend := &fakeGroupBackend{
		sessionErr: &api.Error{Category: api.CategoryNotFound, Code: "SESSION_NOT_FOUND", Message: "gone"},
	}
	c, _, mem := newTestClient(t, backend)
	mem.Set(storage.GroupSessionKey(), StoredSession{SessionCode: "ABC123"})

	resumed, err := c.Resume(context.Background())
	if err != nil || resumed != nil {
		t.Fatalf("expected silent clear, got session=%v err=%v", resumed, err)
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("pointer to a vanished session must be cleared")
	}
}

func TestApplySessionDiscardsForeignCode(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	stale := openSession("old999", c.DeviceID())
	stale.Participants = nil
	c.applySession(stale)

	current := c.Session()
	if current == nil || current.SessionCode != "ABC123" {
		t.Fatalf("stale snapshot must be discarded, got %+v", current)
	}
	if len(current.Participants) != 2 {
		t.Fatal("participants overwritten by stale snapshot")
	}
}

func TestPushedTerminalStatusClosesSession(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, mem := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	var closedWith string
	c.SetHandlers(nil, func(status string) { closedWith = status })

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 1})
	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	submitted := openSession("abc123", c.DeviceID())
	submitted.Status = api.SessionSubmitted
	payload, _ := json.Marshal(submitted)
	c.handleEnvelope(wsEnvelope{Type: msgSession, Data: payload})

	if closedWith != api.SessionSubmitted {
		t.Fatalf("expected closed callback with SUBMITTED, got %q", closedWith)
	}
	if c.Session() != nil {
		t.Fatal("session must be dropped on terminal push")
	}
	if cartStore.ItemCount() != 0 {
		t.Fatal("cart must be cleared when the session was submitted elsewhere")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("stored pointer must be removed on close")
	}
	var backup []cart.Item
	if found, _ := mem.Get(storage.CartBackupKey("WRG", "dinein"), &backup); found {
		t.Fatal("submitted session must consume the cart backup")
	}
}

func TestRemoteCancelRestoresBackup(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 2})
	if _, err := c.JoinSession(context.Background(), "abc123", "Guest"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	c.handleEnvelope(wsEnvelope{Type: msgClosed, Status: api.SessionCancelled})

	if c.Session() != nil {
		t.Fatal("session must be gone after remote cancel")
	}
	if cartStore.ItemCount() != 2 {
		t.Fatalf("pre-session cart must come back after remote cancel, got %d items", cartStore.ItemCount())
	}
}

func TestRemovedDeviceSnapshotTearsDown(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, mem := newTestClient(t, backend)
	backend.session = openSession("abcd", c.DeviceID())

	var closedWith string
	c.SetHandlers(nil, func(status string) { closedWith = status })

	cartStore.AddItem(cart.Item{MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 1})
	if _, err := c.JoinSession(context.Background(), "abcd", "Guest"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	// the host kicked this device: next push carries the session without us
	withoutUs := openSession("abcd", "device_someone_else")
	c.applySession(withoutUs)

	if c.Session() != nil {
		t.Fatal("client must not believe it is still in a session it was removed from")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatalf("stored session pointer must not survive removal: %+v", stored)
	}
	if closedWith != StatusRemoved {
		t.Fatalf("expected closed callback with %q, got %q", StatusRemoved, closedWith)
	}
	if cartStore.ItemCount() != 1 {
		t.Fatalf("pre-session cart must be restored after removal, got %d items", cartStore.ItemCount())
	}
	if err := c.UpdateMyCart(context.Background(), nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after removal, got %v", err)
	}
}

func TestResumeSkipsSessionAfterRemoval(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, cartStore, mem := newTestClient(t, backend)
	backend.session = openSession("abcd", "device_someone_else")

	mem.Set(storage.GroupSessionKey(), StoredSession{SessionCode: "ABCD", DeviceID: c.DeviceID()})
	mem.Set(storage.CartBackupKey("WRG", "dinein"), []cart.Item{
		{CartItemID: "c1", MenuID: "m1", MenuName: "Sate", Price: 4, Quantity: 2},
	})

	resumed, err := c.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != nil {
		t.Fatal("must not reattach to a session this device was removed from")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("stale pointer must be cleared")
	}
	if cartStore.ItemCount() != 2 {
		t.Fatalf("backed-up cart must be restored, got %d items", cartStore.ItemCount())
	}
}

func TestUpdateMyCartAfterRemovalTearsDown(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, mem := newTestClient(t, backend)
	backend.session = openSession("abcd", c.DeviceID())

	var closedWith string
	c.SetHandlers(nil, func(status string) { closedWith = status })

	if _, err := c.JoinSession(context.Background(), "abcd", "Guest"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	backend.updateErr = &api.Error{Category: api.CategoryNotFound, Code: "PARTICIPANT_NOT_FOUND", Message: "gone"}
	err := c.UpdateMyCart(context.Background(), nil)
	if !api.IsNotFound(err) {
		t.Fatalf("expected the not-found error surfaced, got %v", err)
	}
	if c.Session() != nil {
		t.Fatal("session must be dropped after the server says we are gone")
	}
	var stored StoredSession
	if found, _ := mem.Get(storage.GroupSessionKey(), &stored); found {
		t.Fatal("stored pointer must be removed")
	}
	if closedWith != StatusRemoved {
		t.Fatalf("expected %q callback, got %q", StatusRemoved, closedWith)
	}
}

func TestErrorEnvelopeSwitchesToPolling(t *testing.T) {
	backend := &fakeGroupBackend{}
	mem := storage.NewMemStore()
	cartStore := cart.NewStore(mem, zap.NewNop())
	cartStore.Initialize("WRG", "dinein")
	// unreachable WS endpoint; huge reconnect delay keeps the dial loop quiet
	c := NewClient(backend, mem, cartStore, Config{
		WSBaseURL:          "ws://127.0.0.1:9",
		PollInterval:       time.Hour,
		IdleTimeout:        time.Hour,
		ReconnectBaseDelay: time.Hour,
	}, zap.NewNop())
	t.Cleanup(c.Close)
	backend.session = openSession("abcd", c.DeviceID())

	if _, err := c.JoinSession(context.Background(), "abcd", "Guest"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	c.mu.Lock()
	hadSocket := c.rt != nil
	c.mu.Unlock()
	if !hadSocket {
		t.Fatal("expected a realtime subscription with a WS base configured")
	}

	c.handleEnvelope(wsEnvelope{Type: msgError, Message: "subscription rejected"})

	c.mu.Lock()
	rtGone := c.rt == nil
	polling := c.pollCancel != nil
	c.mu.Unlock()
	if !rtGone {
		t.Fatal("server-fatal error must drop the socket")
	}
	if !polling {
		t.Fatal("polling must take over after a server-fatal error")
	}
	if c.Session() == nil {
		t.Fatal("the session itself survives a realtime error")
	}

	// unlike idle suspension, user activity must not resurrect the socket
	c.Activity()
	c.mu.Lock()
	stillGone := c.rt == nil
	c.mu.Unlock()
	if !stillGone {
		t.Fatal("activity must not revive a connection the server rejected")
	}
}

func TestClosedEnvelopeDefaultsToExpired(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, _ := newTestClient(t, backend)
	backend.session = openSession("abc123", c.DeviceID())

	var closedWith string
	c.SetHandlers(nil, func(status string) { closedWith = status })

	if _, err := c.JoinSession(context.Background(), "abc123", "Host"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	c.handleEnvelope(wsEnvelope{Type: msgClosed})
	if closedWith != api.SessionExpired {
		t.Fatalf("expected EXPIRED default, got %q", closedWith)
	}
}

func TestUpdateMyCartGuards(t *testing.T) {
	backend := &fakeGroupBackend{}
	c, _, _ := newTestClient(t, backend)

	if err := c.UpdateMyCart(context.Background(), nil); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestGroupOrderWSURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		code string
		want string
	}{
		{"empty base disables realtime", "", "abc123", ""},
		{"code uppercased and escaped", "ws://localhost:8086", "abc123", "ws://localhost:8086/ws/public/group-order?code=ABC123"},
		{"trailing slash trimmed", "ws://localhost:8086/", "XYZ", "ws://localhost:8086/ws/public/group-order?code=XYZ"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := GroupOrderWSURL(tc.base, tc.code); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
