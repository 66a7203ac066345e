package voiceagent

import "time"

// ConnectionState enum
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Closing      ConnectionState = "closing"
	ErrorState   ConnectionState = "error"
)

// SessionPhase enum
type SessionPhase string

const (
	PhaseIdle     SessionPhase = "idle"
	PhaseStarting SessionPhase = "starting"
	PhaseActive   SessionPhase = "active"
	PhaseStopping SessionPhase = "stopping"
)

// Credential is a short-lived session credential issued by the
// credential endpoint (or minted locally in dev mode).
type Credential struct {
	Value       string        `json:"value"`
	ExpiresAt   time.Time     `json:"expires_at"`
	MaxDuration time.Duration `json:"max_duration"`
	UsageRef    string        `json:"usage_ref"`
}

// Valid reports whether the credential is still usable.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Value != "" && now.Before(c.ExpiresAt)
}

// ToolCall is a fully accumulated tool invocation from the agent.
type ToolCall struct {
	CallID string
	Name   string
	Args   map[string]interface{}
}

// ToolOutput is the structured result of executing a tool. Execution
// never fails with an error; failures are carried in OK/Error so the
// agent can narrate them.
type ToolOutput struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ToolDef describes a tool exposed to the agent.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// VoiceLevels is a single telemetry sample covering both directions.
// Values are normalized to 0..1 and recomputed on every telemetry tick;
// samples are push-only and never persisted.
type VoiceLevels struct {
	LocalRMS       float64
	LocalSpectrum  []float64
	RemoteRMS      float64
	RemoteSpectrum []float64
	At             time.Time
}

// ToolCallEvent is published controller -> UI for local-only tools.
type ToolCallEvent struct {
	SessionID string
	CallID    string
	Name      string
	Args      map[string]interface{}
}

// ToolResultEvent is published UI -> controller, correlated by call-id
// and session-id.
type ToolResultEvent struct {
	SessionID string
	CallID    string
	Output    ToolOutput
}

// Handler types
type ConnectionHandler func(ConnectionState)
type PhaseHandler func(SessionPhase)
type ErrorHandler func(*AgentError)
type TranscriptHandler func(responseID, text string, final bool)
