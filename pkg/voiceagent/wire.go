package voiceagent

import (
	"encoding/json"
	"strings"
)

// Server event type discriminators.
const (
	eventTypeSessionCreated     = "session.created"
	eventTypeSessionUpdated     = "session.updated"
	eventTypeResponseCreated    = "response.created"
	eventTypeResponseDone       = "response.done"
	eventTypeResponseCompleted  = "response.completed"
	eventTypeOutputTextDelta    = "response.output_text.delta"
	eventTypeTranscriptDelta    = "response.output_audio_transcript.delta"
	eventTypeTranscriptDone     = "response.output_audio_transcript.done"
	eventTypeOutputItemAdded    = "response.output_item.added"
	eventTypeFunctionArgsDelta  = "response.function_call_arguments.delta"
	eventTypeFunctionArgsDone   = "response.function_call_arguments.done"
	eventTypeAudioBufferStarted = "output_audio_buffer.started"
)

// ServerEvent is the decoded form of one inbound control-channel
// message. Exactly one of the pointer fields is set, selected by Type;
// kinds the engine does not act on decode as Ignored, and anything
// carrying an error marker decodes as Noise.
type ServerEvent struct {
	Type string

	SessionReady  *SessionReadyEvent
	ResponseStart *ResponseStartEvent
	ResponseEnd   *ResponseEndEvent
	TextDelta     *TextDeltaEvent
	Transcript    *TranscriptEvent
	ItemAdded     *ItemAddedEvent
	FuncArgs      *FuncArgsEvent
	AudioStarted  *AudioStartedEvent
	Noise         *NoiseEvent
	Ignored       bool
}

type SessionReadyEvent struct {
	SessionID string
}

type ResponseStartEvent struct {
	ResponseID string
}

type ResponseEndEvent struct {
	ResponseID string
}

type TextDeltaEvent struct {
	ResponseID string
	Delta      string
}

// TranscriptEvent carries a transcript fragment; Final is set on the
// terminating "done" message, where Delta holds the full transcript.
type TranscriptEvent struct {
	ResponseID string
	Delta      string
	Final      bool
}

// ItemAddedEvent surfaces output items; function_call items supply the
// tool name and call-id before any argument deltas arrive.
type ItemAddedEvent struct {
	ResponseID string
	ItemType   string
	CallID     string
	Name       string
}

type FuncArgsEvent struct {
	ResponseID string
	CallID     string
	Name       string
	Delta      string
	Arguments  string
	Done       bool
}

type AudioStartedEvent struct {
	ResponseID string
}

type NoiseEvent struct {
	Type    string
	Message string
}

// wireEnvelope is the superset of fields across all inbound kinds.
type wireEnvelope struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Arguments  string `json:"arguments,omitempty"`

	Session *struct {
		ID string `json:"id,omitempty"`
	} `json:"session,omitempty"`

	Response *struct {
		ID string `json:"id,omitempty"`
	} `json:"response,omitempty"`

	Item *struct {
		ID     string `json:"id,omitempty"`
		Type   string `json:"type,omitempty"`
		CallID string `json:"call_id,omitempty"`
		Name   string `json:"name,omitempty"`
	} `json:"item,omitempty"`

	Error *struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// DecodeServerEvent parses one raw control-channel message into a
// ServerEvent. Undecodable input is treated as noise, never an error:
// the engine must survive anything the remote endpoint emits.
func DecodeServerEvent(data []byte) ServerEvent {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerEvent{Type: "", Noise: &NoiseEvent{Message: err.Error()}}
	}

	if strings.Contains(env.Type, "error") || env.Error != nil {
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		return ServerEvent{Type: env.Type, Noise: &NoiseEvent{Type: env.Type, Message: msg}}
	}

	responseID := env.ResponseID
	if responseID == "" && env.Response != nil {
		responseID = env.Response.ID
	}

	switch env.Type {
	case eventTypeSessionCreated, eventTypeSessionUpdated:
		sessionID := ""
		if env.Session != nil {
			sessionID = env.Session.ID
		}
		return ServerEvent{Type: env.Type, SessionReady: &SessionReadyEvent{SessionID: sessionID}}

	case eventTypeResponseCreated:
		return ServerEvent{Type: env.Type, ResponseStart: &ResponseStartEvent{ResponseID: responseID}}

	case eventTypeResponseDone, eventTypeResponseCompleted:
		return ServerEvent{Type: env.Type, ResponseEnd: &ResponseEndEvent{ResponseID: responseID}}

	case eventTypeOutputTextDelta:
		return ServerEvent{Type: env.Type, TextDelta: &TextDeltaEvent{ResponseID: responseID, Delta: env.Delta}}

	case eventTypeTranscriptDelta:
		return ServerEvent{Type: env.Type, Transcript: &TranscriptEvent{ResponseID: responseID, Delta: env.Delta}}

	case eventTypeTranscriptDone:
		return ServerEvent{Type: env.Type, Transcript: &TranscriptEvent{ResponseID: responseID, Delta: env.Transcript, Final: true}}

	case eventTypeOutputItemAdded:
		ev := &ItemAddedEvent{ResponseID: responseID}
		if env.Item != nil {
			ev.ItemType = env.Item.Type
			ev.CallID = env.Item.CallID
			ev.Name = env.Item.Name
		}
		return ServerEvent{Type: env.Type, ItemAdded: ev}

	case eventTypeFunctionArgsDelta:
		return ServerEvent{Type: env.Type, FuncArgs: &FuncArgsEvent{
			ResponseID: responseID,
			CallID:     env.CallID,
			Name:       env.Name,
			Delta:      env.Delta,
		}}

	case eventTypeFunctionArgsDone:
		return ServerEvent{Type: env.Type, FuncArgs: &FuncArgsEvent{
			ResponseID: responseID,
			CallID:     env.CallID,
			Name:       env.Name,
			Arguments:  env.Arguments,
			Done:       true,
		}}

	case eventTypeAudioBufferStarted:
		return ServerEvent{Type: env.Type, AudioStarted: &AudioStartedEvent{ResponseID: responseID}}
	}

	return ServerEvent{Type: env.Type, Ignored: true}
}

// --- Client events ---

// sessionUpdateFlat configures the session with the tool schema laid
// out flat on each tool entry.
func sessionUpdateFlat(instructions, voice string, tools []ToolDef) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		entry := map[string]interface{}{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
		}
		if t.Parameters != nil {
			entry["parameters"] = t.Parameters
		} else {
			entry["parameters"] = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		entries = append(entries, entry)
	}
	return map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"instructions": instructions,
			"voice":        voice,
			"tools":        entries,
			"tool_choice":  "auto",
		},
	}
}

// sessionUpdateNested configures the session with each tool's schema
// nested under a "function" key. Sent alongside the flat form so either
// endpoint schema variant takes effect.
func sessionUpdateNested(instructions, voice string, tools []ToolDef) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		entries = append(entries, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"instructions": instructions,
			"voice":        voice,
			"tools":        entries,
			"tool_choice":  "auto",
		},
	}
}

// responseCreate requests a new response, optionally with instruction
// overrides for the agent's next utterance.
func responseCreate(instructions string) map[string]interface{} {
	resp := map[string]interface{}{}
	if instructions != "" {
		resp["instructions"] = instructions
	}
	return map[string]interface{}{
		"type":     "response.create",
		"response": resp,
	}
}

// responseCancel asks the remote endpoint to stop generating the given
// response. Cancellation is cooperative; the endpoint may still emit
// trailing deltas, which the engine discards locally.
func responseCancel(responseID string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "response.cancel",
		"response_id": responseID,
	}
}

// functionCallOutputItem submits a tool result into the conversation,
// keyed by call-id.
func functionCallOutputItem(callID, output string) map[string]interface{} {
	return map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}
}

// groundingSystemItem injects a system message instructing the agent to
// anchor its next utterance to the tool result just submitted.
func groundingSystemItem(text string) map[string]interface{} {
	return map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "system",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": text},
			},
		},
	}
}
