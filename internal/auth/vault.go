package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"finch/internal/credstore"
)

const (
	keyDeviceID      = "device_id"
	keyCurrentServer = "current_server"
	keyTokenIndex    = "token_index"
	tokenKeyPrefix   = "token."
)

type currentServer struct {
	URL      string `json:"url"`
	ServerID string `json:"server_id,omitempty"`
}

// vault lays auth state out in the credential store: one entry per server
// token, an index of server IDs, the current selection, and the device ID.
type vault struct {
	store credstore.Store
	mu    sync.Mutex
}

func tokenKey(serverID string) string { return tokenKeyPrefix + serverID }

func (v *vault) deviceID() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id, err := v.store.Get(keyDeviceID)
	if err == nil && strings.TrimSpace(id) != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id = strings.ReplaceAll(uuid.New().String(), "-", "")
	if err := v.store.Set(keyDeviceID, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

func (v *vault) current() (*currentServer, error) {
	var cs currentServer
	ok, err := v.getJSON(keyCurrentServer, &cs)
	if err != nil || !ok {
		return nil, err
	}
	return &cs, nil
}

func (v *vault) setCurrent(cs currentServer) error {
	return v.setJSON(keyCurrentServer, cs)
}

func (v *vault) clearCurrent() error {
	if err := v.store.Delete(keyCurrentServer); err != nil {
		return fmt.Errorf("clear current server: %w", err)
	}
	return nil
}

// token returns the stored token for serverID, or nil when none exists.
func (v *vault) token(serverID string) (*Token, error) {
	if serverID == "" {
		return nil, nil
	}
	var tok Token
	ok, err := v.getJSON(tokenKey(serverID), &tok)
	if err != nil || !ok {
		return nil, err
	}
	return &tok, nil
}

func (v *vault) saveToken(tok Token) error {
	if err := v.setJSON(tokenKey(tok.ServerID), tok); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ids, err := v.indexLocked()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == tok.ServerID {
			return nil
		}
	}
	return v.setJSON(keyTokenIndex, append(ids, tok.ServerID))
}

func (v *vault) deleteToken(serverID string) error {
	if err := v.store.Delete(tokenKey(serverID)); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ids, err := v.indexLocked()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != serverID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		if err := v.store.Delete(keyTokenIndex); err != nil {
			return fmt.Errorf("clear token index: %w", err)
		}
		return nil
	}
	return v.setJSON(keyTokenIndex, kept)
}

func (v *vault) tokens() ([]Token, error) {
	v.mu.Lock()
	ids, err := v.indexLocked()
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Token, 0, len(ids))
	for _, id := range ids {
		tok, err := v.token(id)
		if err != nil {
			return nil, err
		}
		if tok != nil {
			out = append(out, *tok)
		}
	}
	return out, nil
}

func (v *vault) tokenForURL(serverURL string) (*Token, error) {
	all, err := v.tokens()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ServerURL == serverURL {
			return &all[i], nil
		}
	}
	return nil, nil
}

func (v *vault) indexLocked() ([]string, error) {
	var ids []string
	if _, err := v.getJSON(keyTokenIndex, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (v *vault) getJSON(key string, out any) (bool, error) {
	raw, err := v.store.Get(key)
	if errors.Is(err, credstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (v *vault) setJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := v.store.Set(key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
