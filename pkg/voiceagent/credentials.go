package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// IssueRequest is the payload sent to the credential endpoint.
type IssueRequest struct {
	Voice        string `json:"voice"`
	MerchantID   string `json:"merchant_id,omitempty"`
	ShopID       string `json:"shop_id,omitempty"`
	SessionScope string `json:"session_scope,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type issueResponse struct {
	Credential     string `json:"credential"`
	ExpiresAt      int64  `json:"expires_at,omitempty"` // unix millis, absolute
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	MaxDurationSec int    `json:"max_duration_sec,omitempty"`
	UsageRef       string `json:"usage_ref,omitempty"`
}

// CredentialManager acquires, caches, and expires session credentials.
// Concurrent acquisitions are serialized through a boolean in-flight
// guard: contenders wait in short steps until the winner finishes.
type CredentialManager struct {
	cfg        *Config
	log        *AgentLogger
	httpClient *http.Client

	mu       sync.Mutex
	fetching bool
	cred     *Credential
}

func NewCredentialManager(cfg *Config, log *AgentLogger) *CredentialManager {
	cm := &CredentialManager{
		cfg:        cfg,
		log:        log.WithComponent("credentials"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
	if cached := cm.loadStored(); cached.Valid(time.Now()) {
		cm.cred = cached
		cm.log.Debug("Loaded stored credential")
	}
	return cm
}

// Acquire returns a cached credential while it is unexpired, otherwise
// requests a new one. A rate-limited issuance reuses the existing
// credential (even near expiry) when one exists; otherwise the failure
// is surfaced as a retryable error.
func (cm *CredentialManager) Acquire(ctx context.Context, req IssueRequest) (*Credential, error) {
	for {
		cm.mu.Lock()
		if cm.cred.Valid(time.Now()) {
			cred := *cm.cred
			cm.mu.Unlock()
			return &cred, nil
		}
		if !cm.fetching {
			cm.fetching = true
			cm.mu.Unlock()
			break
		}
		cm.mu.Unlock()

		// Another caller is already fetching; wait and re-check.
		select {
		case <-time.After(cm.cfg.CredentialWaitStep):
		case <-ctx.Done():
			return nil, WrapError(ctx.Err(), ErrCodeTimeout)
		}
	}

	cred, err := cm.issue(ctx, req)

	cm.mu.Lock()
	cm.fetching = false
	if err != nil {
		if IsErrorCode(err, ErrCodeRateLimited) && cm.cred != nil {
			// Reuse what we have rather than failing the caller.
			reused := *cm.cred
			cm.mu.Unlock()
			cm.log.Warn("Credential issuance rate-limited, reusing existing credential")
			return &reused, nil
		}
		cm.mu.Unlock()
		return nil, err
	}
	cm.cred = cred
	cm.mu.Unlock()

	cm.store(cred)
	out := *cred
	return &out, nil
}

func (cm *CredentialManager) issue(ctx context.Context, req IssueRequest) (*Credential, error) {
	if cm.cfg.CredentialEndpoint == "" {
		return cm.mintDevCredential(req)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cm.cfg.CredentialEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, WrapError(err, ErrCodeCredentialFailed)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cm.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := cm.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(err, ErrCodeCredentialFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewAgentError("credential issuance rate-limited", ErrCodeRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewAgentError(fmt.Sprintf("credential issuance failed: %s", resp.Status), ErrCodeCredentialFailed).
			AddDetail("status", resp.StatusCode)
	}

	var ir issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}
	if ir.Credential == "" {
		return nil, NewAgentError("no credential in issuance response", ErrCodeCredentialFailed)
	}

	expiresAt := time.Now().Add(cm.cfg.DevCredentialTTL)
	if ir.ExpiresAt > 0 {
		expiresAt = time.UnixMilli(ir.ExpiresAt)
	} else if ir.TTLSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(ir.TTLSeconds) * time.Second)
	}

	maxDuration := cm.cfg.MaxDuration
	if ir.MaxDurationSec > 0 {
		maxDuration = time.Duration(ir.MaxDurationSec) * time.Second
	}

	return &Credential{
		Value:       ir.Credential,
		ExpiresAt:   expiresAt,
		MaxDuration: maxDuration,
		UsageRef:    ir.UsageRef,
	}, nil
}

// mintDevCredential signs a short-lived HS256 token from the API key
// for local development against relays that accept self-issued tokens.
func (cm *CredentialManager) mintDevCredential(req IssueRequest) (*Credential, error) {
	if cm.cfg.APIKey == "" {
		return nil, NewAgentError("no credential endpoint and no API key configured", ErrCodeCredentialFailed)
	}

	expiresAt := time.Now().Add(cm.cfg.DevCredentialTTL)
	claims := jwt.MapClaims{
		"exp":   expiresAt.Unix(),
		"voice": req.Voice,
	}
	if req.MerchantID != "" {
		claims["merchant_id"] = req.MerchantID
	}
	if req.SessionScope != "" {
		claims["scope"] = req.SessionScope
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cm.cfg.APIKey))
	if err != nil {
		return nil, WrapError(err, ErrCodeCredentialFailed)
	}

	return &Credential{
		Value:       signed,
		ExpiresAt:   expiresAt,
		MaxDuration: cm.cfg.MaxDuration,
	}, nil
}

// Clear drops the cached credential and its stored copy.
func (cm *CredentialManager) Clear() {
	cm.mu.Lock()
	cm.cred = nil
	cm.mu.Unlock()
	if p := cm.storePath(); p != "" {
		_ = os.Remove(p)
	}
}

// Cached returns the current credential without triggering issuance.
func (cm *CredentialManager) Cached() *Credential {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.cred == nil {
		return nil
	}
	cred := *cm.cred
	return &cred
}

func (cm *CredentialManager) storePath() string {
	if cm.cfg.StateDir == "" {
		return ""
	}
	return filepath.Join(cm.cfg.StateDir, "credential.json")
}

func (cm *CredentialManager) store(cred *Credential) {
	path := cm.storePath()
	if path == "" {
		return
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return
	}
	if err := os.MkdirAll(cm.cfg.StateDir, 0o755); err != nil {
		cm.log.WithError(err).Warn("Failed to create state dir")
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		cm.log.WithError(err).Warn("Failed to persist credential")
	}
}

func (cm *CredentialManager) loadStored() *Credential {
	path := cm.storePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil
	}
	return &cred
}
