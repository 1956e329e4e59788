// Package identity persists the participant this agent acts as. The
// identity is loaded once by the CLI and passed explicitly to the call
// coordinator; nothing reads it from global state.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/1ureka/p2pcall/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotLoggedIn is returned by Require when no identity is stored.
var ErrNotLoggedIn = errors.New("not logged in (run `p2pcall login`)")

// Identity is the local participant.
type Identity struct {
	ID             protocol.ParticipantID `json:"id"`
	Username       string                 `json:"username"`
	ProfilePicture string                 `json:"profile_picture,omitempty"`
}

// CallerInfo returns the display data attached to outgoing offers.
func (i Identity) CallerInfo() protocol.CallerInfo {
	return protocol.CallerInfo{Username: i.Username, ProfilePicture: i.ProfilePicture}
}

// Store reads and writes the identity file.
type Store struct {
	Path string
}

// Load reads the stored identity. It returns nil, nil when none exists yet.
func (s Store) Load() (*Identity, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity file %s: %w", s.Path, err)
	}
	return &id, nil
}

// Require is Load that treats a missing or incomplete identity as an error.
func (s Store) Require() (*Identity, error) {
	id, err := s.Load()
	if err != nil {
		return nil, err
	}
	if id == nil || id.ID == 0 {
		return nil, ErrNotLoggedIn
	}
	return id, nil
}

// Save writes id with owner-only permissions.
func (s Store) Save(id *Identity) error {
	if id == nil || id.ID == 0 {
		return errors.New("identity needs a participant id")
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0600)
}

// Delete removes the stored identity. Deleting a missing file is not an error.
func (s Store) Delete() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
