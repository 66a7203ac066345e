package voiceagent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// newTestConfig returns a config with short windows so tests run fast.
func newTestConfig() *Config {
	return &Config{
		Voice:              "alloy",
		Locale:             "en-US",
		ICEGatherTimeout:   100 * time.Millisecond,
		DedupWindow:        150 * time.Millisecond,
		SafeWindow:         150 * time.Millisecond,
		GreetDelay:         10 * time.Millisecond,
		TelemetryInterval:  20 * time.Millisecond,
		CredentialWaitStep: 10 * time.Millisecond,
		HTTPTimeout:        2 * time.Second,
		MaxDuration:        time.Minute,
		DevCredentialTTL:   90 * time.Second,
		Headers:            map[string]string{},
	}
}

func newTestLogger() *AgentLogger {
	return NewAgentLogger(&LogConfig{Level: zerolog.Disabled, Pretty: false, Output: discardWriter{}})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeTransport records outbound payloads and lets tests inject
// inbound messages and channel-open.
type fakeTransport struct {
	mu          sync.Mutex
	sent        []map[string]interface{}
	onMessage   func([]byte)
	onOpen      func()
	remoteMuted bool
	localOn     bool
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{localOn: true}
}

func (f *fakeTransport) Send(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnMessage(handler func([]byte)) {
	f.mu.Lock()
	f.onMessage = handler
	f.mu.Unlock()
}

func (f *fakeTransport) OnOpen(handler func()) {
	f.mu.Lock()
	f.onOpen = handler
	f.mu.Unlock()
}

func (f *fakeTransport) SetLocalEnabled(enabled bool) {
	f.mu.Lock()
	f.localOn = enabled
	f.mu.Unlock()
}

func (f *fakeTransport) SetRemoteMuted(muted bool) {
	f.mu.Lock()
	f.remoteMuted = muted
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	h := f.onOpen
	f.mu.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakeTransport) deliver(raw string) {
	f.mu.Lock()
	h := f.onMessage
	f.mu.Unlock()
	if h != nil {
		h([]byte(raw))
	}
}

func (f *fakeTransport) sentOfType(msgType string) []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range f.sent {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) isRemoteMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteMuted
}

// Wire fragments used by protocol tests.

func argsDeltaMsg(callID, name, delta string) string {
	return fmt.Sprintf(`{"type":"response.function_call_arguments.delta","call_id":%q,"name":%q,"delta":%q}`, callID, name, delta)
}

func argsDoneMsg(callID, name, args string) string {
	return fmt.Sprintf(`{"type":"response.function_call_arguments.done","call_id":%q,"name":%q,"arguments":%q}`, callID, name, args)
}

func responseCreatedMsg(responseID string) string {
	return fmt.Sprintf(`{"type":"response.created","response":{"id":%q}}`, responseID)
}

func transcriptDeltaMsg(responseID, delta string) string {
	return fmt.Sprintf(`{"type":"response.output_audio_transcript.delta","response_id":%q,"delta":%q}`, responseID, delta)
}

func responseDoneMsg(responseID string) string {
	return fmt.Sprintf(`{"type":"response.done","response":{"id":%q}}`, responseID)
}
