package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeviceIdentity holds the stable id and display name a device announces.
type DeviceIdentity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewID generates a secure random hex ID
func NewID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to less secure ID if robust source fails
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// Save writes the identity to disk.
func Save(path string, id *DeviceIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0600)
}

// Load reads an identity from disk.
func Load(path string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id DeviceIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreate loads the identity at path, creating and persisting a fresh
// one when none exists. The name is only applied to newly created
// identities; an existing file wins.
func LoadOrCreate(path, name string) (*DeviceIdentity, error) {
	if id, err := Load(path); err == nil {
		return id, nil
	}
	id := &DeviceIdentity{ID: NewID(), Name: name}
	if err := Save(path, id); err != nil {
		return nil, err
	}
	return id, nil
}
