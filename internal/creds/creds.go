// Package creds supplies the signed-in user's credentials to the
// transport. Account tokens come from an external identity provider; the
// engine only forwards them and reacts to the server rejecting them as
// stale.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/TheMichaelB/stagesync/internal/models"
)

// Credentials identifies the signed-in user to the server.
type Credentials struct {
	AccountType string `json:"account_type"`
	UserID      string `json:"user_id"`
	Token       string `json:"token"`
}

// Params returns the credential query parameters attached to every
// server request.
func (c Credentials) Params() map[string]string {
	return map[string]string{
		"account_type": c.AccountType,
		"user_id":      c.UserID,
		"token":        c.Token,
	}
}

// Provider yields current credentials and refreshes stale tokens.
type Provider interface {
	// Credentials returns the current credentials. Returns
	// models.ErrNotSignedIn when no user is signed in.
	Credentials() (Credentials, error)

	// Refresh obtains a fresh token after the server reported the current
	// one stale. Implementations that cannot refresh return an error.
	Refresh() (Credentials, error)
}

// Static is a fixed-credential provider. Refresh always fails.
type Static struct {
	C Credentials
}

func (s Static) Credentials() (Credentials, error) {
	if s.C.Token == "" {
		return Credentials{}, models.ErrNotSignedIn
	}
	return s.C, nil
}

func (s Static) Refresh() (Credentials, error) {
	return Credentials{}, fmt.Errorf("static credentials cannot be refreshed")
}

// FileProvider persists credentials as JSON on disk. Refresh re-reads the
// file, picking up tokens renewed by an external sign-in flow.
type FileProvider struct {
	mu   sync.Mutex
	path string
}

// NewFileProvider creates a provider backed by path. The file need not
// exist yet.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Credentials() (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load()
}

func (p *FileProvider) Refresh() (Credentials, error) {
	return p.Credentials()
}

// Save writes credentials to the backing file.
func (p *FileProvider) Save(c Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Clear removes the backing file, signing the user out.
func (p *FileProvider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

func (p *FileProvider) load() (Credentials, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return Credentials{}, models.ErrNotSignedIn
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	if c.Token == "" {
		return Credentials{}, models.ErrNotSignedIn
	}
	return c, nil
}
