// Package auth manages OAuth credential loading, refresh, and the
// device-code acquisition flow for Kiro accounts.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the on-disk shape of one account's OAuth credential file.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"` // RFC3339
	AuthMethod   string `json:"authMethod"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
	IDCRegion    string `json:"idcRegion,omitempty"`
}

// LoadCredentials reads and parses a credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return &c, nil
}

// LoadCredentialsFromBase64 decodes a Base64-encoded credentials blob, used
// to adopt credentials supplied at startup rather than read from disk.
func LoadCredentialsFromBase64(encoded string) (*Credentials, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse base64 credentials: %w", err)
	}
	return &c, nil
}

// MergeSave writes updates into the credentials file at path, preserving
// any keys in the existing file that updates doesn't touch. This matters
// because a refresh response only ever carries a subset of the credential
// fields (access/refresh token, expiry, profileArn) and must not clobber
// clientId/clientSecret/region written at account-creation time.
func MergeSave(path string, updates map[string]interface{}) error {
	existing := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &existing)
	}
	for k, v := range updates {
		existing[k] = v
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
