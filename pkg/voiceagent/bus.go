package voiceagent

// EventBus carries in-process events between the controller and its UI
// consumer. Tool-call and tool-result channels are buffered so neither
// side blocks the protocol loop under normal operation; voice-level
// telemetry is advisory and dropped when the consumer falls behind.
type EventBus struct {
	toolCalls   chan ToolCallEvent
	toolResults chan ToolResultEvent
	voiceLevels chan VoiceLevels
}

func NewEventBus() *EventBus {
	return &EventBus{
		toolCalls:   make(chan ToolCallEvent, 16),
		toolResults: make(chan ToolResultEvent, 16),
		voiceLevels: make(chan VoiceLevels, 8),
	}
}

// PublishToolCall hands a local-only tool invocation to the UI side.
func (b *EventBus) PublishToolCall(ev ToolCallEvent) {
	b.toolCalls <- ev
}

// ToolCalls is the controller -> UI stream of local tool invocations.
func (b *EventBus) ToolCalls() <-chan ToolCallEvent {
	return b.toolCalls
}

// PublishToolResult returns a UI-handled tool result to the controller,
// correlated by call-id and session-id.
func (b *EventBus) PublishToolResult(ev ToolResultEvent) {
	b.toolResults <- ev
}

// ToolResults is the UI -> controller stream of handled results.
func (b *EventBus) ToolResults() <-chan ToolResultEvent {
	return b.toolResults
}

// PublishVoiceLevels pushes a telemetry sample, dropping it if the
// consumer is not keeping up. Telemetry must never block the engine.
func (b *EventBus) PublishVoiceLevels(sample VoiceLevels) {
	select {
	case b.voiceLevels <- sample:
	default:
	}
}

// VoiceLevels is the telemetry stream of synchronized local/remote
// signal levels.
func (b *EventBus) VoiceLevels() <-chan VoiceLevels {
	return b.voiceLevels
}
