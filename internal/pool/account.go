// Package pool manages the file-backed set of Kiro OAuth accounts the
// gateway brokers requests through: selection, health tracking, and
// debounced persistence.
package pool

import (
	"time"

	"github.com/google/uuid"
)

// ProviderType identifies the credential family an Account belongs to.
// Only one provider is known today, but the pool file keeps the field so a
// future provider can share the same persisted shape.
const ProviderType = "claude-kiro-oauth"

// Account is one Kiro OAuth credential in the pool. JSON field names match
// the on-disk pool file and the per-account credential file exactly.
type Account struct {
	UUID         string `json:"uuid"`
	ProviderType string `json:"providerType"`

	// CredentialsPath is the absolute path to this account's OAuth
	// credentials file, separate from the pool file itself.
	CredentialsPath string `json:"credentialsPath,omitempty"`

	Region     string `json:"region"`
	ProfileARN string `json:"profileArn,omitempty"`

	AuthMethod   string `json:"authMethod"` // "social" or "builder-id"
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"` // RFC3339
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	IDCRegion    string `json:"idcRegion,omitempty"`

	NotSupportedModels []string `json:"notSupportedModels,omitempty"`
	CheckHealth         bool   `json:"checkHealth,omitempty"`
	CheckModelName      string `json:"checkModelName,omitempty"`

	UsageCount      int64  `json:"usageCount"`
	ErrorCount      int64  `json:"errorCount"`
	LastUsed        string `json:"lastUsed,omitempty"`
	LastErrorTime   string `json:"lastErrorTime,omitempty"`
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`
	LastHealthCheckTime  string `json:"lastHealthCheckTime,omitempty"`
	LastHealthCheckModel string `json:"lastHealthCheckModel,omitempty"`

	IsHealthy  bool `json:"isHealthy"`
	IsDisabled bool `json:"isDisabled,omitempty"`

	// ScheduledRecoveryTime holds an RFC3339 timestamp before which the
	// account stays excluded from selection and probing even though
	// IsHealthy has flipped back to false-by-budget, not by schedule. Set
	// when a quota-exhaustion response names a reset time in the future.
	ScheduledRecoveryTime string `json:"scheduledRecoveryTime,omitempty"`

	Description string `json:"description,omitempty"`
	AddedAt     string `json:"addedAt,omitempty"`
}

// NewAccount builds a freshly-adopted Account with a generated UUID and
// AddedAt timestamp. Callers fill in credentials afterward.
func NewAccount(region, authMethod string) *Account {
	return &Account{
		UUID:         uuid.New().String(),
		ProviderType: ProviderType,
		Region:       region,
		AuthMethod:   authMethod,
		IsHealthy:    true,
		AddedAt:      time.Now().UTC().Format(time.RFC3339),
	}
}

// ExpiresAtTime parses ExpiresAt, returning the zero time on a parse
// failure so callers treat an unparsable expiry as "needs refresh now".
func (a *Account) ExpiresAtTime() (time.Time, bool) {
	if a.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ScheduledRecoveryAtTime parses ScheduledRecoveryTime, the zero-bool
// return meaning no schedule is set or it was unparsable.
func (a *Account) ScheduledRecoveryAtTime() (time.Time, bool) {
	if a.ScheduledRecoveryTime == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, a.ScheduledRecoveryTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SupportsModel reports whether the account's NotSupportedModels list
// excludes the given model. An empty list supports every model.
func (a *Account) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	for _, m := range a.NotSupportedModels {
		if m == model {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy for safe use outside the pool's mutex
// (NotSupportedModels is copied; everything else is a value field).
func (a *Account) Clone() *Account {
	c := *a
	if a.NotSupportedModels != nil {
		c.NotSupportedModels = append([]string(nil), a.NotSupportedModels...)
	}
	return &c
}
