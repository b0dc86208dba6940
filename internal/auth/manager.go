package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiro-gateway/kiro-gateway/internal/pool"
)

// RefreshTimeout bounds a single refresh round-trip, per §5's 30s upstream
// refresh budget.
const RefreshTimeout = 30 * time.Second

// socialRefreshRequest is the social-auth refresh request body.
type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// idcRefreshRequest is the builder-id/IDC refresh request body.
type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grantType"`
}

// refreshResponse is the shape common to both refresh endpoints; unused
// fields are simply left zero-valued by json.Unmarshal.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileARN   string `json:"profileArn"`
}

// Manager refreshes OAuth credentials for every account in the pool,
// deduplicating concurrent refresh requests for the same account via
// singleflight the way the reference implementation's TokenRefresher does.
type Manager struct {
	httpClient *http.Client
	logger     *slog.Logger
	sf         singleflight.Group
}

// NewManager creates an Auth Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		httpClient: &http.Client{Timeout: RefreshTimeout},
		logger:     logger,
	}
}

// IsExpiryNear reports whether a's ExpiresAt is within thresholdMinutes of
// now, or unparsable (treated as already near, forcing a refresh attempt).
func IsExpiryNear(a *pool.Account, thresholdMinutes int) bool {
	expiresAt, ok := a.ExpiresAtTime()
	if !ok {
		return true
	}
	return !expiresAt.After(time.Now().Add(time.Duration(thresholdMinutes) * time.Minute))
}

// RefreshIfNear refreshes a's token if it is within thresholdMinutes of
// expiry. It is a no-op returning nil if the token is not yet near expiry.
func (m *Manager) RefreshIfNear(ctx context.Context, a *pool.Account, thresholdMinutes int) error {
	if !IsExpiryNear(a, thresholdMinutes) {
		return nil
	}
	return m.Refresh(ctx, a)
}

// Refresh performs a deduplicated token refresh for a, mutating a in place
// on success and persisting the refreshed fields to its credentials file.
func (m *Manager) Refresh(ctx context.Context, a *pool.Account) error {
	v, err, shared := m.sf.Do(a.UUID, func() (interface{}, error) {
		return m.doRefresh(ctx, a)
	})
	if err != nil {
		return err
	}
	if shared {
		m.logger.Debug("refresh deduplicated", "account", a.UUID)
	}
	updated := v.(*pool.Account)
	*a = *updated
	return nil
}

func (m *Manager) doRefresh(ctx context.Context, a *pool.Account) (*pool.Account, error) {
	if a.RefreshToken == "" {
		return nil, NewError(ErrNoRefreshToken, "account "+a.UUID+" has no refresh token")
	}

	var url string
	var body []byte
	var err error

	if a.AuthMethod == "" || a.AuthMethod == "social" {
		url = SocialRefreshURL(a.Region)
		body, err = json.Marshal(socialRefreshRequest{RefreshToken: a.RefreshToken})
	} else {
		idcRegion := a.IDCRegion
		if idcRegion == "" {
			idcRegion = a.Region
		}
		url = IDCTokenURL(idcRegion)
		body, err = json.Marshal(idcRefreshRequest{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			RefreshToken: a.RefreshToken,
			GrantType:    "refresh_token",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewError(ErrRefreshRejected, string(respBody))
	}

	var parsed refreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewError(ErrRefreshRejected, "malformed refresh response: "+err.Error())
	}

	updated := a.Clone()
	if parsed.AccessToken != "" {
		updated.AccessToken = parsed.AccessToken
	}
	if parsed.RefreshToken != "" {
		updated.RefreshToken = parsed.RefreshToken
	}
	if parsed.ProfileARN != "" {
		updated.ProfileARN = parsed.ProfileARN
	}
	if parsed.ExpiresIn > 0 {
		updated.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	// A response with no expiresIn leaves ExpiresAt untouched, per the
	// "left at its previous expiry" invariant.

	if updated.CredentialsPath != "" {
		merge := map[string]interface{}{
			"accessToken":  updated.AccessToken,
			"refreshToken": updated.RefreshToken,
			"expiresAt":    updated.ExpiresAt,
			"authMethod":   updated.AuthMethod,
			"region":       updated.Region,
		}
		if updated.ProfileARN != "" {
			merge["profileArn"] = updated.ProfileARN
		}
		if updated.ClientID != "" {
			merge["clientId"] = updated.ClientID
		}
		if updated.ClientSecret != "" {
			merge["clientSecret"] = updated.ClientSecret
		}
		if err := MergeSave(updated.CredentialsPath, merge); err != nil {
			m.logger.Warn("failed to persist refreshed credentials", "account", a.UUID, "error", err)
		}
	}

	m.logger.Info("token refreshed", "account", a.UUID, "auth_method", updated.AuthMethod)
	return updated, nil
}
