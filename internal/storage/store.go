package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Key identifies one persisted document. Keys are only built through the
// constructors below so a typo in a storage domain is a compile error, and the
// resulting names stay byte-compatible with the web terminal's localStorage keys.
type Key string

const (
	keyHeldOrders    Key = "pos_held_orders"
	keyPendingOrders Key = "pos_pending_orders"
	keyGroupSession  Key = "genfity_group_session"
	keyDeviceID      Key = "genfity_device_id"
	keyAuthToken     Key = "merchant_token"
)

func CartKey(merchantCode, mode string) Key {
	return Key("cart_" + merchantCode + "_" + mode)
}

func TableKey(merchantCode string) Key {
	return Key("table_" + merchantCode)
}

func CartBackupKey(merchantCode, mode string) Key {
	return Key("genfity_cart_backup_" + merchantCode + "_" + mode)
}

func HeldOrdersKey() Key    { return keyHeldOrders }
func PendingOrdersKey() Key { return keyPendingOrders }
func GroupSessionKey() Key  { return keyGroupSession }
func DeviceIDKey() Key      { return keyDeviceID }
func AuthTokenKey() Key     { return keyAuthToken }

// Store is the terminal's durable key/value persistence. Get reports found=false
// both for absent keys and for unreadable/corrupt documents: persisted state may
// be stale or hand-edited, and a corrupt blob must degrade to "empty", never
// surface as an error to the ordering flow.
type Store interface {
	Get(key Key, out any) (found bool, err error)
	Set(key Key, value any) error
	Remove(key Key) error
}

// FileStore persists each key as one JSON document under a data directory.
// Writes go through a temp file + rename so a crash mid-write leaves the
// previous document intact (last writer wins, as with localStorage).
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("storage dir is required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: trimmed}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dir, string(key)+".json")
}

func (s *FileStore) Get(key Key, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Corrupt document: treat as absent.
		return false, nil
	}
	return true, nil
}

func (s *FileStore) Set(key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(key))
}

func (s *FileStore) Remove(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.Mutex
	data map[Key][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[Key][]byte)}
}

func (s *MemStore) Get(key Key, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemStore) Set(key Key, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Remove(key Key) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// SetRaw stores a pre-encoded document, used by tests to seed legacy payloads
// (string prices, corrupt JSON) the sanitize-on-load paths must tolerate.
func (s *MemStore) SetRaw(key Key, raw []byte) {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), raw...)
	s.mu.Unlock()
}
