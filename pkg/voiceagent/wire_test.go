package voiceagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFunctionCallStream(t *testing.T) {
	ev := DecodeServerEvent([]byte(`{"type":"response.function_call_arguments.delta","call_id":"c1","name":"addToCart","delta":"{\"na"}`))
	require.NotNil(t, ev.FuncArgs)
	assert.Equal(t, "c1", ev.FuncArgs.CallID)
	assert.Equal(t, "addToCart", ev.FuncArgs.Name)
	assert.False(t, ev.FuncArgs.Done)

	ev = DecodeServerEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","arguments":"{\"name\":\"Latte\"}"}`))
	require.NotNil(t, ev.FuncArgs)
	assert.True(t, ev.FuncArgs.Done)
	assert.JSONEq(t, `{"name":"Latte"}`, ev.FuncArgs.Arguments)
}

func TestDecodeResponseIDFromEnvelopeOrNested(t *testing.T) {
	flat := DecodeServerEvent([]byte(`{"type":"response.created","response_id":"r1"}`))
	require.NotNil(t, flat.ResponseStart)
	assert.Equal(t, "r1", flat.ResponseStart.ResponseID)

	nested := DecodeServerEvent([]byte(`{"type":"response.created","response":{"id":"r2"}}`))
	require.NotNil(t, nested.ResponseStart)
	assert.Equal(t, "r2", nested.ResponseStart.ResponseID)
}

func TestDecodeErrorMarkedMessagesAreNoise(t *testing.T) {
	cases := []string{
		`{"type":"error","error":{"message":"boom"}}`,
		`{"type":"response.error"}`,
		`{"type":"invalid_request_error","error":{"code":"bad"}}`,
		`{"type":"response.done","error":{"message":"partial failure"}}`,
		`this is not json`,
	}
	for _, raw := range cases {
		ev := DecodeServerEvent([]byte(raw))
		assert.NotNil(t, ev.Noise, "input %q must decode as noise", raw)
	}
}

func TestDecodeUnknownKindsAreIgnored(t *testing.T) {
	ev := DecodeServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	assert.True(t, ev.Ignored)
	assert.Nil(t, ev.Noise)
}

func TestDecodeFunctionCallItemAdded(t *testing.T) {
	ev := DecodeServerEvent([]byte(`{"type":"response.output_item.added","response_id":"r1","item":{"type":"function_call","call_id":"c1","name":"getInventory"}}`))
	require.NotNil(t, ev.ItemAdded)
	assert.Equal(t, "function_call", ev.ItemAdded.ItemType)
	assert.Equal(t, "c1", ev.ItemAdded.CallID)
	assert.Equal(t, "getInventory", ev.ItemAdded.Name)
}

func TestDecodeTranscriptDone(t *testing.T) {
	ev := DecodeServerEvent([]byte(`{"type":"response.output_audio_transcript.done","response_id":"r1","transcript":"full text"}`))
	require.NotNil(t, ev.Transcript)
	assert.True(t, ev.Transcript.Final)
	assert.Equal(t, "full text", ev.Transcript.Delta)
}

func TestSessionUpdateCarriesBothSchemas(t *testing.T) {
	tools := []ToolDef{{Name: "addToCart", Description: "add an item"}}

	flat := sessionUpdateFlat("instr", "alloy", tools)
	session := flat["session"].(map[string]interface{})
	entries := session["tools"].([]map[string]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "addToCart", entries[0]["name"])

	nested := sessionUpdateNested("instr", "alloy", tools)
	session = nested["session"].(map[string]interface{})
	entries = session["tools"].([]map[string]interface{})
	require.Len(t, entries, 1)
	fn := entries[0]["function"].(map[string]interface{})
	assert.Equal(t, "addToCart", fn["name"])
}
