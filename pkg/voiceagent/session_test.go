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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeConnect(transport *fakeTransport) ConnectFunc {
	return func(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, meta ConnectMeta, pipeline *MediaPipeline) (Transport, error) {
		return transport, nil
	}
}

func newTestController(t *testing.T, cfg *Config) (*SessionController, *fakeTransport) {
	t.Helper()
	bus := NewEventBus()
	controller := NewSessionController(cfg, newTestLogger(), bus)
	transport := newFakeTransport()
	controller.SetConnectFunc(fakeConnect(transport))
	t.Cleanup(func() { controller.Stop() })
	return controller, transport
}

func TestStartRequiresIdentity(t *testing.T) {
	cfg := newTestConfig()
	cfg.APIKey = "test-secret"
	controller, _ := newTestController(t, cfg)

	err := controller.Start(context.Background(), AgentIdentity{Name: "Agent"})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeMissingIdentity))
	assert.Equal(t, PhaseIdle, controller.Phase())
}

func TestStartRejectsWhileActive(t *testing.T) {
	cfg := newTestConfig()
	cfg.APIKey = "test-secret"
	controller, _ := newTestController(t, cfg)

	identity := AgentIdentity{Name: "Agent", Description: "a test shop"}
	require.NoError(t, controller.Start(context.Background(), identity))

	err := controller.Start(context.Background(), identity)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeSessionActive))
}

func TestStartFailureTearsDownCleanly(t *testing.T) {
	cfg := newTestConfig()
	cfg.APIKey = "test-secret"
	bus := NewEventBus()
	controller := NewSessionController(cfg, newTestLogger(), bus)
	controller.SetConnectFunc(func(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, meta ConnectMeta, pipeline *MediaPipeline) (Transport, error) {
		return nil, NewAgentError("negotiation rejected: 500", ErrCodeNegotiationFailed)
	})

	err := controller.Start(context.Background(), AgentIdentity{Name: "Agent", Description: "a test shop"})
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeNegotiationFailed))
	assert.Equal(t, PhaseIdle, controller.Phase())
	assert.Empty(t, controller.SessionID())
}

func TestStopIsIdempotentAndCommitsUsageOnce(t *testing.T) {
	var commits int32
	var committed usageCommit
	var mu sync.Mutex
	usageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&commits, 1)
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&committed)
		mu.Unlock()
	}))
	defer usageServer.Close()

	credServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":  "cred-abc",
			"ttl_seconds": 60,
			"usage_ref":   "usage-1",
		})
	}))
	defer credServer.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = credServer.URL
	cfg.UsageEndpoint = usageServer.URL
	controller, transport := newTestController(t, cfg)

	require.NoError(t, controller.Start(context.Background(), AgentIdentity{Name: "Agent", Description: "a test shop"}))

	require.NoError(t, controller.Stop())
	require.NoError(t, controller.Stop())
	require.NoError(t, controller.Stop())

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&commits) == 1
	}, time.Second, 10*time.Millisecond, "usage commits exactly once")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "usage-1", committed.UsageRef)
	assert.LessOrEqual(t, committed.Seconds, int(cfg.MaxDuration.Seconds()))
	assert.True(t, transport.closed)
	assert.Equal(t, PhaseIdle, controller.Phase())
}

func TestAutoStopTerminatesSession(t *testing.T) {
	var commits int32
	usageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&commits, 1)
	}))
	defer usageServer.Close()

	credServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":  "cred-abc",
			"ttl_seconds": 60,
			"usage_ref":   "usage-1",
		})
	}))
	defer credServer.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = credServer.URL
	cfg.UsageEndpoint = usageServer.URL
	cfg.MaxDuration = 200 * time.Millisecond
	controller, _ := newTestController(t, cfg)

	require.NoError(t, controller.Start(context.Background(), AgentIdentity{Name: "Agent", Description: "a test shop"}))

	assert.Eventually(t, func() bool {
		return controller.Phase() == PhaseIdle
	}, 2*time.Second, 20*time.Millisecond, "session auto-stops at its maximum duration")
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&commits) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCredentialReusedAcrossSessions(t *testing.T) {
	var issues int32
	credServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&issues, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":  "cred-abc",
			"ttl_seconds": 60,
		})
	}))
	defer credServer.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = credServer.URL
	controller, _ := newTestController(t, cfg)

	identity := AgentIdentity{Name: "Agent", Description: "a test shop"}
	require.NoError(t, controller.Start(context.Background(), identity))
	require.NoError(t, controller.Stop())
	require.NoError(t, controller.Start(context.Background(), identity))

	assert.Equal(t, int32(1), atomic.LoadInt32(&issues), "two starts within the TTL issue one credential")
}

func TestCredentialMaxDurationCapsSession(t *testing.T) {
	credServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"credential":       "cred-abc",
			"ttl_seconds":      60,
			"max_duration_sec": 5,
		})
	}))
	defer credServer.Close()

	cfg := newTestConfig()
	cfg.CredentialEndpoint = credServer.URL
	controller, _ := newTestController(t, cfg)

	require.NoError(t, controller.Start(context.Background(), AgentIdentity{Name: "Agent", Description: "a test shop"}))

	controller.mu.Lock()
	maxDuration := controller.maxDuration
	controller.mu.Unlock()
	assert.Equal(t, 5*time.Second, maxDuration, "the credential's cap wins when tighter")
}

func TestToggleMuteFlipsLocalTrack(t *testing.T) {
	cfg := newTestConfig()
	cfg.APIKey = "test-secret"
	controller, transport := newTestController(t, cfg)

	require.NoError(t, controller.Start(context.Background(), AgentIdentity{Name: "Agent", Description: "a test shop"}))

	assert.True(t, controller.ToggleMute())
	transport.mu.Lock()
	assert.False(t, transport.localOn)
	transport.mu.Unlock()

	assert.False(t, controller.ToggleMute())
	transport.mu.Lock()
	assert.True(t, transport.localOn)
	transport.mu.Unlock()
}
