package voiceagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuanceServer(t *testing.T, counter *int32, ttlSeconds int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(counter, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":       "cred-abc",
			"ttl_seconds":      ttlSeconds,
			"max_duration_sec": 120,
			"usage_ref":        "usage-1",
		})
	}))
}

func TestAcquireCachesWhileUnexpired(t *testing.T) {
	var calls int32
	server := issuanceServer(t, &calls, 60)
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cm := NewCredentialManager(cfg, newTestLogger())

	first, err := cm.Acquire(context.Background(), IssueRequest{Voice: "alloy"})
	require.NoError(t, err)
	second, err := cm.Acquire(context.Background(), IssueRequest{Voice: "alloy"})
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cached credential is reused")
	assert.Equal(t, 2*time.Minute, first.MaxDuration)
	assert.Equal(t, "usage-1", first.UsageRef)
}

func TestAcquireRefreshesExpiredCredential(t *testing.T) {
	var calls int32
	server := issuanceServer(t, &calls, 0) // falls back to DevCredentialTTL
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cfg.DevCredentialTTL = 50 * time.Millisecond
	cm := NewCredentialManager(cfg, newTestLogger())

	_, err := cm.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = cm.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRateLimitReusesExistingCredential(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"credential":  "cred-abc",
				"ttl_seconds": 1, // expires almost immediately
			})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cm := NewCredentialManager(cfg, newTestLogger())

	first, err := cm.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	// Issuance is now rate-limited; the near-expiry credential is
	// reused rather than failing the caller.
	second, err := cm.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
}

func TestRateLimitWithoutCredentialIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cm := NewCredentialManager(cfg, newTestLogger())

	_, err := cm.Acquire(context.Background(), IssueRequest{})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeRateLimited))
	assert.True(t, IsRetryableError(err))
}

func TestConcurrentAcquireIssuesOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond) // let contenders pile up
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":  "cred-abc",
			"ttl_seconds": 60,
		})
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cm := NewCredentialManager(cfg, newTestLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cm.Acquire(context.Background(), IssueRequest{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "contenders wait for the in-flight issuance")
}

func TestDevCredentialMinting(t *testing.T) {
	cfg := newTestConfig()
	cfg.APIKey = "test-secret"
	cm := NewCredentialManager(cfg, newTestLogger())

	cred, err := cm.Acquire(context.Background(), IssueRequest{Voice: "alloy", MerchantID: "m-1"})
	require.NoError(t, err)
	require.NotEmpty(t, cred.Value)

	token, err := jwt.Parse(cred.Value, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "alloy", claims["voice"])
	assert.Equal(t, "m-1", claims["merchant_id"])
}

func TestDevMintingRequiresAPIKey(t *testing.T) {
	cfg := newTestConfig()
	cm := NewCredentialManager(cfg, newTestLogger())

	_, err := cm.Acquire(context.Background(), IssueRequest{})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeCredentialFailed))
}

func TestCredentialPersistsAcrossManagers(t *testing.T) {
	var calls int32
	server := issuanceServer(t, &calls, 60)
	defer server.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = server.URL
	cfg.StateDir = t.TempDir()

	cm := NewCredentialManager(cfg, newTestLogger())
	_, err := cm.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)

	// A fresh manager (new process) loads the stored credential.
	cm2 := NewCredentialManager(cfg, newTestLogger())
	_, err = cm2.Acquire(context.Background(), IssueRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	cm2.Clear()
	assert.Nil(t, cm2.Cached())
}
