package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiro-gateway/kiro-gateway/internal/pool"
)

// DeviceState names a state in the device-code acquisition state machine.
type DeviceState string

const (
	StateRegister  DeviceState = "REGISTER"
	StateAuthorize DeviceState = "AUTHORIZE"
	StatePoll      DeviceState = "POLL"
	StateDone      DeviceState = "DONE"
	StateFailed    DeviceState = "FAILED"
	StateExpired   DeviceState = "EXPIRED"
)

var codewhispererScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
}

// DeviceEvent is broadcast to a caller-supplied sink as the flow advances,
// the callback/event-driven interface a UI (out of scope here) consumes.
type DeviceEvent struct {
	State                   DeviceState
	VerificationURIComplete string
	UserCode                string
	Account                 *pool.Account
	Err                     error
}

type registerClientResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type startDeviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expiresIn"`
}

type createTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	Error        string `json:"error"`
}

// DeviceCodeFlow drives one Builder-ID acquisition from REGISTER through
// DONE/FAILED/EXPIRED. One flow is one-shot: construct a fresh DeviceCodeFlow
// per acquisition attempt.
type DeviceCodeFlow struct {
	httpClient  *http.Client
	region      string
	credDir     string
	stop        chan struct{}
	stopped     bool
}

// NewDeviceCodeFlow creates a flow targeting region, writing the resulting
// credentials file under credDir.
func NewDeviceCodeFlow(region, credDir string) *DeviceCodeFlow {
	return &DeviceCodeFlow{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		region:     region,
		credDir:    credDir,
		stop:       make(chan struct{}),
	}
}

// Cancel sets the shared "should stop" flag; the poll loop checks it before
// each sleep and, on the next check, returns a "device code flow cancelled"
// error, which Run reports as a FAILED event.
func (f *DeviceCodeFlow) Cancel() {
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stop)
}

// Run executes the full state machine, emitting DeviceEvent updates to
// events as it progresses. It returns once the flow reaches DONE, FAILED,
// or EXPIRED.
func (f *DeviceCodeFlow) Run(ctx context.Context, events chan<- DeviceEvent) {
	emit := func(e DeviceEvent) {
		select {
		case events <- e:
		default:
		}
	}

	emit(DeviceEvent{State: StateRegister})
	client, err := f.registerClient(ctx)
	if err != nil {
		emit(DeviceEvent{State: StateFailed, Err: err})
		return
	}

	emit(DeviceEvent{State: StateAuthorize})
	auth, err := f.startDeviceAuthorization(ctx, client)
	if err != nil {
		emit(DeviceEvent{State: StateFailed, Err: err})
		return
	}
	emit(DeviceEvent{
		State:                   StatePoll,
		VerificationURIComplete: auth.VerificationURIComplete,
		UserCode:                auth.UserCode,
	})

	account, err := f.poll(ctx, client, auth)
	if err != nil {
		if err == errDeviceExpired {
			emit(DeviceEvent{State: StateExpired})
			return
		}
		emit(DeviceEvent{State: StateFailed, Err: err})
		return
	}

	emit(DeviceEvent{State: StateDone, Account: account})
}

func (f *DeviceCodeFlow) registerClient(ctx context.Context) (*registerClientResponse, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientName": "kiro-gateway",
		"clientType": "public",
		"scopes":     codewhispererScopes,
		"grantTypes": []string{
			"urn:ietf:params:oauth:grant-type:device_code",
			"refresh_token",
		},
	})
	var out registerClientResponse
	if err := f.postJSON(ctx, RegisterClientURL(f.region), body, &out); err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	return &out, nil
}

func (f *DeviceCodeFlow) startDeviceAuthorization(ctx context.Context, client *registerClientResponse) (*startDeviceAuthResponse, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientId":     client.ClientID,
		"clientSecret": client.ClientSecret,
		"startUrl":     "https://view.awsapps.com/start",
	})
	var out startDeviceAuthResponse
	if err := f.postJSON(ctx, DeviceAuthorizationURL(f.region), body, &out); err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return &out, nil
}

var errDeviceExpired = fmt.Errorf("device code expired")

func (f *DeviceCodeFlow) poll(ctx context.Context, client *registerClientResponse, auth *startDeviceAuthResponse) (*pool.Account, error) {
	interval := time.Duration(auth.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	for {
		if time.Now().After(deadline) {
			return nil, errDeviceExpired
		}

		select {
		case <-f.stop:
			return nil, fmt.Errorf("device code flow cancelled")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		body, _ := json.Marshal(map[string]interface{}{
			"clientId":     client.ClientID,
			"clientSecret": client.ClientSecret,
			"deviceCode":   auth.DeviceCode,
			"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
		})

		var tok createTokenResponse
		err := f.postJSON(ctx, IDCTokenURL(f.region), body, &tok)
		if err != nil {
			return nil, fmt.Errorf("poll for token: %w", err)
		}

		switch tok.Error {
		case "":
			if tok.AccessToken == "" {
				continue
			}
			return f.persist(client, tok)
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5 * time.Second
			continue
		default:
			return nil, fmt.Errorf("device code token error: %s", tok.Error)
		}
	}
}

func (f *DeviceCodeFlow) persist(client *registerClientResponse, tok createTokenResponse) (*pool.Account, error) {
	expiresAt := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)

	path := filepath.Join(f.credDir, fmt.Sprintf("%d_%s.json", time.Now().Unix(), uuid.New().String()))
	creds := Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		AuthMethod:   "builder-id",
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Region:       f.region,
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.credDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}

	account := pool.NewAccount(f.region, "builder-id")
	account.CredentialsPath = path
	account.AccessToken = tok.AccessToken
	account.RefreshToken = tok.RefreshToken
	account.ExpiresAt = expiresAt
	account.ClientID = client.ClientID
	account.ClientSecret = client.ClientSecret
	account.IsHealthy = true
	return account, nil
}

func (f *DeviceCodeFlow) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		// The token endpoint reports authorization_pending/slow_down as a
		// 4xx with an `error` field in the body rather than a transport
		// failure; let the caller parse it rather than failing here.
		if err := json.Unmarshal(respBody, out); err == nil {
			return nil
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}
