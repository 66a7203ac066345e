package voiceagent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every endpoint and timing knob the controller needs.
// All source-observed timing constants are fields here, not literals.
type Config struct {
	// External collaborators (HTTP).
	CredentialEndpoint  string `json:"credential_endpoint,omitempty"`
	NegotiationEndpoint string `json:"negotiation_endpoint,omitempty"`
	ToolRelayEndpoint   string `json:"tool_relay_endpoint,omitempty"`
	ToolCatalogEndpoint string `json:"tool_catalog_endpoint,omitempty"`
	UsageEndpoint       string `json:"usage_endpoint,omitempty"`

	// Fallback control-channel transport (WebSocket) endpoint. When set
	// and UseWebSocket is true, the session runs the same protocol over
	// a socket instead of a peer transport.
	WSEndpoint   string `json:"ws_endpoint,omitempty"`
	UseWebSocket bool   `json:"use_websocket"`

	// Dev-mode credential minting from an API key when no credential
	// endpoint is configured.
	APIKey           string        `json:"-"`
	DevCredentialTTL time.Duration `json:"dev_credential_ttl"`

	Headers map[string]string `json:"headers,omitempty"`

	Voice  string `json:"voice"`
	Locale string `json:"locale"`

	STUNServers []string `json:"stun_servers,omitempty"`

	// Timing knobs. Defaults mirror the observed behavior: best-effort
	// ICE wait, 2s dedup and safe windows, 90s credential floor.
	ICEGatherTimeout   time.Duration `json:"ice_gather_timeout"`
	DedupWindow        time.Duration `json:"dedup_window"`
	SafeWindow         time.Duration `json:"safe_window"`
	GreetDelay         time.Duration `json:"greet_delay"`
	TelemetryInterval  time.Duration `json:"telemetry_interval"`
	CredentialWaitStep time.Duration `json:"credential_wait_step"`
	HTTPTimeout        time.Duration `json:"http_timeout"`
	MaxDuration        time.Duration `json:"max_duration"`

	// StateDir is where acquired credentials are persisted so a restart
	// does not force re-issuance.
	StateDir string `json:"state_dir,omitempty"`

	AudioDeviceID *int `json:"audio_device_id,omitempty"`

	DebugProtocol bool `json:"debug_protocol"`
}

// NewConfig builds a Config with defaults, then applies the environment.
func NewConfig() *Config {
	c := &Config{
		Voice:              "alloy",
		Locale:             "en-US",
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		ICEGatherTimeout:   4 * time.Second,
		DedupWindow:        2 * time.Second,
		SafeWindow:         2 * time.Second,
		GreetDelay:         400 * time.Millisecond,
		TelemetryInterval:  50 * time.Millisecond,
		CredentialWaitStep: 100 * time.Millisecond,
		HTTPTimeout:        30 * time.Second,
		MaxDuration:        5 * time.Minute,
		DevCredentialTTL:   90 * time.Second,
		Headers:            make(map[string]string),
	}
	c.loadFromEnv()
	return c
}

func (c *Config) loadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("VOICEAGENT_CREDENTIAL_ENDPOINT"); v != "" {
		c.CredentialEndpoint = v
	}
	if v := os.Getenv("VOICEAGENT_NEGOTIATION_ENDPOINT"); v != "" {
		c.NegotiationEndpoint = v
	}
	if v := os.Getenv("VOICEAGENT_TOOL_RELAY_ENDPOINT"); v != "" {
		c.ToolRelayEndpoint = v
	}
	if v := os.Getenv("VOICEAGENT_TOOL_CATALOG_ENDPOINT"); v != "" {
		c.ToolCatalogEndpoint = v
	}
	if v := os.Getenv("VOICEAGENT_USAGE_ENDPOINT"); v != "" {
		c.UsageEndpoint = v
	}
	if v := os.Getenv("VOICEAGENT_WS_ENDPOINT"); v != "" {
		c.WSEndpoint = v
	}
	c.UseWebSocket = os.Getenv("VOICEAGENT_USE_WEBSOCKET") == "true"

	if v := os.Getenv("VOICEAGENT_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("VOICEAGENT_VOICE"); v != "" {
		c.Voice = v
	}
	if v := os.Getenv("VOICEAGENT_LOCALE"); v != "" {
		c.Locale = v
	}
	if v := os.Getenv("VOICEAGENT_STATE_DIR"); v != "" {
		c.StateDir = v
	}

	if v := os.Getenv("VOICEAGENT_MAX_DURATION_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.MaxDuration = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("VOICEAGENT_ICE_GATHER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.ICEGatherTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VOICEAGENT_DEDUP_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.DedupWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VOICEAGENT_SAFE_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.SafeWindow = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("VOICEAGENT_AUDIO_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.AudioDeviceID = &id
		}
	}

	c.DebugProtocol = os.Getenv("VOICEAGENT_DEBUG_PROTOCOL") == "true"
}

// Validate returns a list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.CredentialEndpoint == "" && c.APIKey == "" {
		issues = append(issues, "no credential endpoint and no API key configured")
	}
	if c.UseWebSocket {
		if c.WSEndpoint == "" {
			issues = append(issues, "UseWebSocket is set but no WebSocket endpoint configured")
		} else if !strings.HasPrefix(c.WSEndpoint, "ws") {
			issues = append(issues, fmt.Sprintf("invalid WebSocket endpoint format: %s", c.WSEndpoint))
		}
	} else if c.NegotiationEndpoint == "" {
		issues = append(issues, "no negotiation endpoint configured")
	}
	if c.ToolRelayEndpoint == "" {
		issues = append(issues, "no tool relay endpoint configured")
	}
	if c.MaxDuration <= 0 {
		issues = append(issues, "max duration must be positive")
	}
	if c.DedupWindow <= 0 {
		issues = append(issues, "dedup window must be positive")
	}
	if c.SafeWindow <= 0 {
		issues = append(issues, "safe window must be positive")
	}

	return issues
}
