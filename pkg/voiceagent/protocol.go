package voiceagent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// pendingToolCall accumulates one streamed tool invocation.
type pendingToolCall struct {
	callID    string
	name      string
	argBuffer strings.Builder
	submitted bool
	processed bool
}

// pendingResponse tracks one in-flight agent response. A safe response
// is one the engine itself requested as a tool-result continuation and
// must never be canceled; transcript deltas for a canceled non-safe
// response are discarded outright.
type pendingResponse struct {
	responseID string
	isSafe     bool
	isCanceled bool
	textBuffer strings.Builder
	transcript strings.Builder
}

// ProtocolEngine owns the control-channel state machine: bootstrap,
// tool-call accumulation and dedup, response cancellation with the
// safe-window exemption, and transcript bookkeeping. All mutable state
// lives on this struct so independent sessions cannot interfere.
type ProtocolEngine struct {
	cfg       *Config
	log       *AgentLogger
	bus       *EventBus
	transport Transport
	executor  *ToolExecutor
	identity  AgentIdentity
	sessionID string

	instructionsFn InstructionsProvider

	mu           sync.Mutex
	bootstrapped bool
	calls        map[string]*pendingToolCall
	responses    map[string]*pendingResponse
	signatures   map[string]time.Time
	safeUntil    time.Time
	greetTimer   *time.Timer

	transcriptHandlers []TranscriptHandler

	ctx    context.Context
	cancel context.CancelFunc
}

func NewProtocolEngine(cfg *Config, log *AgentLogger, bus *EventBus, transport Transport, executor *ToolExecutor, identity AgentIdentity, sessionID string) *ProtocolEngine {
	return &ProtocolEngine{
		cfg:        cfg,
		log:        log.WithComponent("protocol"),
		bus:        bus,
		transport:  transport,
		executor:   executor,
		identity:   identity,
		sessionID:  sessionID,
		calls:      make(map[string]*pendingToolCall),
		responses:  make(map[string]*pendingResponse),
		signatures: make(map[string]time.Time),
	}
}

// SetInstructionsProvider overrides the default instruction composer.
// Must be called before the channel opens.
func (pe *ProtocolEngine) SetInstructionsProvider(fn InstructionsProvider) {
	pe.instructionsFn = fn
}

// AddTranscriptHandler registers a transcript consumer and returns a
// function that removes it.
func (pe *ProtocolEngine) AddTranscriptHandler(handler TranscriptHandler) func() {
	pe.mu.Lock()
	pe.transcriptHandlers = append(pe.transcriptHandlers, handler)
	idx := len(pe.transcriptHandlers) - 1
	pe.mu.Unlock()

	return func() {
		pe.mu.Lock()
		if idx < len(pe.transcriptHandlers) {
			pe.transcriptHandlers[idx] = nil
		}
		pe.mu.Unlock()
	}
}

// Attach wires the engine to the transport. Bootstrap runs on channel
// open; message dispatch begins only after that, so the handshake is
// always ahead of any tool-call message.
func (pe *ProtocolEngine) Attach(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pe.ctx = ctx
	pe.cancel = cancel

	pe.transport.OnMessage(pe.handleMessage)
	pe.transport.OnOpen(func() {
		pe.bootstrap(ctx)
	})

	go pe.consumeLocalToolResults(ctx)
}

// bootstrap configures the session exactly once per channel: catalog
// fetch, tool merge, instruction composition, redundant dual-schema
// session updates, then a delayed greet request so the agent may speak
// first.
func (pe *ProtocolEngine) bootstrap(ctx context.Context) {
	pe.mu.Lock()
	if pe.bootstrapped {
		pe.mu.Unlock()
		return
	}
	pe.bootstrapped = true
	pe.mu.Unlock()

	catalog := FetchToolCatalog(ctx, pe.cfg, pe.log)
	tools := MergeTools(catalog, LocalToolDefs())

	composer := pe.instructionsFn
	if composer == nil {
		composer = ComposeInstructions
	}
	instructions := composer(pe.identity, tools, pe.cfg.Locale, time.Now())

	// Both schema variants are sent so either endpoint flavor takes
	// effect; the endpoint ignores the one it does not understand.
	if err := pe.transport.Send(sessionUpdateFlat(instructions, pe.cfg.Voice, tools)); err != nil {
		pe.log.WithError(err).Warn("Failed to send session update (flat)")
	}
	if err := pe.transport.Send(sessionUpdateNested(instructions, pe.cfg.Voice, tools)); err != nil {
		pe.log.WithError(err).Warn("Failed to send session update (nested)")
	}

	pe.mu.Lock()
	pe.greetTimer = time.AfterFunc(pe.cfg.GreetDelay, func() {
		if err := pe.transport.Send(responseCreate("")); err != nil {
			pe.log.WithError(err).Warn("Failed to request greeting response")
		}
	})
	pe.mu.Unlock()

	pe.log.LogSessionEvent("bootstrap", pe.sessionID, map[string]interface{}{
		"tools": len(tools),
	})
}

func (pe *ProtocolEngine) consumeLocalToolResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-pe.bus.ToolResults():
			if ev.SessionID != pe.sessionID {
				continue
			}
			pe.SubmitToolOutput(ev.CallID, ev.Output)
		}
	}
}

// handleMessage interprets one inbound control-channel message.
// Protocol noise never propagates past this point.
func (pe *ProtocolEngine) handleMessage(data []byte) {
	ev := DecodeServerEvent(data)

	if pe.cfg.DebugProtocol {
		pe.log.LogProtocolEvent(ev.Type, nil)
	}

	switch {
	case ev.Noise != nil:
		pe.log.WithField("type", ev.Noise.Type).Debugf("Dropped protocol noise: %s", ev.Noise.Message)

	case ev.Ignored:
		// Unknown kinds are explicitly ignored.

	case ev.ResponseStart != nil:
		pe.onResponseStart(ev.ResponseStart.ResponseID)

	case ev.ResponseEnd != nil:
		pe.onResponseEnd(ev.ResponseEnd.ResponseID)

	case ev.TextDelta != nil:
		pe.onTextDelta(ev.TextDelta.ResponseID, ev.TextDelta.Delta)

	case ev.Transcript != nil:
		pe.onTranscript(ev.Transcript.ResponseID, ev.Transcript.Delta, ev.Transcript.Final)

	case ev.ItemAdded != nil:
		pe.onItemAdded(ev.ItemAdded)

	case ev.FuncArgs != nil:
		pe.onFunctionArgs(ev.FuncArgs)

	case ev.AudioStarted != nil:
		pe.log.WithField("response_id", ev.AudioStarted.ResponseID).Debug("Remote audio started")

	case ev.SessionReady != nil:
		pe.log.WithField("remote_session_id", ev.SessionReady.SessionID).Debug("Session acknowledged")
	}
}

func (pe *ProtocolEngine) onResponseStart(responseID string) {
	if responseID == "" {
		return
	}
	pe.mu.Lock()
	resp, ok := pe.responses[responseID]
	if !ok {
		resp = &pendingResponse{responseID: responseID}
		pe.responses[responseID] = resp
	}
	safe := time.Now().Before(pe.safeUntil)
	if safe {
		resp.isSafe = true
	}
	pe.mu.Unlock()

	// A safe response is the continuation we asked for; audio was muted
	// during cancellation and must come back for it.
	if safe {
		pe.transport.SetRemoteMuted(false)
	}
}

func (pe *ProtocolEngine) onResponseEnd(responseID string) {
	pe.mu.Lock()
	resp, ok := pe.responses[responseID]
	if ok {
		delete(pe.responses, responseID)
	}
	handlers := pe.snapshotTranscriptHandlers()
	pe.mu.Unlock()

	if !ok {
		return
	}
	if resp.isCanceled && !resp.isSafe {
		return
	}
	text := resp.transcript.String()
	if text == "" {
		text = resp.textBuffer.String()
	}
	if text != "" {
		for _, h := range handlers {
			h(responseID, text, true)
		}
	}
}

func (pe *ProtocolEngine) onTextDelta(responseID, delta string) {
	if delta == "" {
		return
	}
	pe.mu.Lock()
	resp := pe.getOrCreateResponse(responseID)
	if resp.isCanceled && !resp.isSafe {
		pe.mu.Unlock()
		return
	}
	resp.textBuffer.WriteString(delta)
	handlers := pe.snapshotTranscriptHandlers()
	pe.mu.Unlock()

	for _, h := range handlers {
		h(responseID, delta, false)
	}
}

func (pe *ProtocolEngine) onTranscript(responseID, delta string, final bool) {
	pe.mu.Lock()
	resp := pe.getOrCreateResponse(responseID)
	if resp.isCanceled && !resp.isSafe {
		// Canceled audio must leave no transcript trace.
		pe.mu.Unlock()
		return
	}
	if final {
		resp.transcript.Reset()
	}
	resp.transcript.WriteString(delta)
	handlers := pe.snapshotTranscriptHandlers()
	pe.mu.Unlock()

	if !final && delta != "" {
		for _, h := range handlers {
			h(responseID, delta, false)
		}
	}
}

func (pe *ProtocolEngine) onItemAdded(ev *ItemAddedEvent) {
	if ev.ItemType != "function_call" || ev.CallID == "" {
		return
	}
	pe.mu.Lock()
	call := pe.getOrCreateCall(ev.CallID)
	if call.name == "" {
		call.name = ev.Name
	}
	pe.mu.Unlock()
}

func (pe *ProtocolEngine) onFunctionArgs(ev *FuncArgsEvent) {
	if ev.CallID == "" {
		return
	}

	pe.mu.Lock()
	call := pe.getOrCreateCall(ev.CallID)
	if call.name == "" && ev.Name != "" {
		call.name = ev.Name
	}

	if !ev.Done {
		call.argBuffer.WriteString(ev.Delta)
		pe.mu.Unlock()
		return
	}

	if call.submitted || call.processed {
		pe.mu.Unlock()
		pe.log.WithField("call_id", ev.CallID).Debug("Dropped duplicate tool call")
		return
	}

	raw := ev.Arguments
	if raw == "" {
		raw = call.argBuffer.String()
	}
	args := parseToolArgs(raw)

	// Signature dedup catches the endpoint re-emitting the same call
	// under a fresh call-id.
	sig := toolSignature(call.name, args)
	if last, seen := pe.signatures[sig]; seen && time.Since(last) < pe.cfg.DedupWindow {
		call.processed = true
		pe.mu.Unlock()
		pe.log.WithField("tool", call.name).Debug("Dropped duplicate tool call within dedup window")
		return
	}
	pe.signatures[sig] = time.Now()
	call.processed = true
	name := call.name
	pe.mu.Unlock()

	toolCall := ToolCall{CallID: ev.CallID, Name: name, Args: args}
	pe.routeToolCall(toolCall)
}

// routeToolCall dispatches local-only tools to the UI bus and relays
// everything else through the executor.
func (pe *ProtocolEngine) routeToolCall(call ToolCall) {
	if IsLocalTool(call.Name) {
		pe.bus.PublishToolCall(ToolCallEvent{
			SessionID: pe.sessionID,
			CallID:    call.CallID,
			Name:      call.Name,
			Args:      call.Args,
		})
		return
	}

	go func() {
		out := pe.executor.Execute(pe.ctx, call)
		pe.SubmitToolOutput(call.CallID, out)
	}()
}

// SubmitToolOutput submits one tool result into the conversation: it
// cancels every pending cancelable response, sends the structured
// output item plus the grounding system message, opens the safe window,
// and requests the continuation response. Each call-id submits at most
// once; the submitted flag flips before any side effect.
func (pe *ProtocolEngine) SubmitToolOutput(callID string, out ToolOutput) {
	pe.mu.Lock()
	call, ok := pe.calls[callID]
	if !ok || call.submitted {
		pe.mu.Unlock()
		return
	}
	call.submitted = true
	name := call.name

	var toCancel []string
	for id, resp := range pe.responses {
		if !resp.isSafe && !resp.isCanceled {
			resp.isCanceled = true
			toCancel = append(toCancel, id)
		}
	}
	pe.mu.Unlock()

	// Cancel stale responses and mute their trailing audio so nothing
	// formulated before the real answer reaches the user.
	for _, id := range toCancel {
		if err := pe.transport.Send(responseCancel(id)); err != nil {
			pe.log.WithError(err).Warn("Failed to send response cancel")
		}
	}
	if len(toCancel) > 0 {
		pe.transport.SetRemoteMuted(true)
	}

	rawPayload, err := json.Marshal(out)
	if err != nil {
		rawPayload = []byte(`{"ok":false,"error":"result serialization failed"}`)
	}
	if err := pe.transport.Send(functionCallOutputItem(callID, string(rawPayload))); err != nil {
		pe.log.WithError(err).Warn("Failed to submit tool output item")
	}

	formatted := FormatToolOutput(name, out)
	grounding := "Tool result: " + formatted + " Use only the information above in your reply. Do not invent items, prices, or availability."
	if err := pe.transport.Send(groundingSystemItem(grounding)); err != nil {
		pe.log.WithError(err).Warn("Failed to submit grounding message")
	}

	// The safe window opens immediately before the continuation request
	// so its response-start is exempt from cancellation.
	pe.mu.Lock()
	pe.safeUntil = time.Now().Add(pe.cfg.SafeWindow)
	pe.mu.Unlock()

	if err := pe.transport.Send(responseCreate(continuationInstructions(name, out))); err != nil {
		pe.log.WithError(err).Warn("Failed to request continuation response")
	}

	pe.log.LogSessionEvent("tool_submitted", pe.sessionID, map[string]interface{}{
		"tool":    name,
		"call_id": callID,
		"ok":      out.OK,
	})
}

// Close stops timers and the result consumer and clears all state.
func (pe *ProtocolEngine) Close() {
	if pe.cancel != nil {
		pe.cancel()
	}
	pe.mu.Lock()
	if pe.greetTimer != nil {
		pe.greetTimer.Stop()
		pe.greetTimer = nil
	}
	pe.calls = make(map[string]*pendingToolCall)
	pe.responses = make(map[string]*pendingResponse)
	pe.signatures = make(map[string]time.Time)
	pe.transcriptHandlers = nil
	pe.mu.Unlock()
}

// --- internal helpers (callers hold pe.mu) ---

func (pe *ProtocolEngine) getOrCreateResponse(responseID string) *pendingResponse {
	resp, ok := pe.responses[responseID]
	if !ok {
		resp = &pendingResponse{responseID: responseID}
		pe.responses[responseID] = resp
	}
	return resp
}

func (pe *ProtocolEngine) getOrCreateCall(callID string) *pendingToolCall {
	call, ok := pe.calls[callID]
	if !ok {
		call = &pendingToolCall{callID: callID}
		pe.calls[callID] = call
	}
	return call
}

func (pe *ProtocolEngine) snapshotTranscriptHandlers() []TranscriptHandler {
	handlers := make([]TranscriptHandler, 0, len(pe.transcriptHandlers))
	for _, h := range pe.transcriptHandlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// parseToolArgs parses the accumulated argument buffer; malformed JSON
// yields empty args rather than aborting the call.
func parseToolArgs(raw string) map[string]interface{} {
	args := make(map[string]interface{})
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}

// toolSignature derives the dedup key from the tool name and its
// normalized arguments. Marshaling the parsed map sorts keys, so two
// textually different but equivalent argument payloads collide.
func toolSignature(name string, args map[string]interface{}) string {
	normalized, err := json.Marshal(args)
	if err != nil {
		normalized = []byte("{}")
	}
	return name + "|" + string(normalized)
}
