// Package voiceagent implements a realtime voice-agent session
// controller: it negotiates a low-latency audio + control-message link
// to a remote conversational agent, bootstraps the agent's tool catalog
// and instructions, and runs the tool-call/response-grounding protocol
// on top of it.
//
// # Overview
//
// The package provides:
//   - Short-lived session credential acquisition with caching, reuse on
//     rate limits, and optional dev-mode minting from an API key
//   - WebRTC connection establishment (data channel + bidirectional
//     audio) with a WebSocket fallback transport
//   - Microphone capture, remote audio rendering, and synchronized
//     local/remote level telemetry
//   - A control-channel protocol engine with streaming tool-call
//     accumulation, duplicate suppression, response cancellation, and
//     grounded continuation responses
//   - A session lifecycle guard with mute, auto-stop, and exactly-once
//     usage commit
//
// # Quick Start
//
//	cfg := voiceagent.NewConfig()
//	bus := voiceagent.NewEventBus()
//	controller := voiceagent.NewSessionController(cfg, voiceagent.GetGlobalLogger(), bus)
//
//	err := controller.Start(ctx, voiceagent.AgentIdentity{
//		Name:        "Brew Barista",
//		Description: "A coffee shop selling espresso drinks and pastries.",
//		MerchantID:  "merchant-123",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer controller.Stop()
//
// Local-only tools (cart mutations) arrive on the event bus:
//
//	for ev := range bus.ToolCalls() {
//		out := handleCartTool(ev)
//		bus.PublishToolResult(voiceagent.ToolResultEvent{
//			SessionID: ev.SessionID,
//			CallID:    ev.CallID,
//			Output:    out,
//		})
//	}
//
// # Configuration
//
// Configuration comes from defaults, a .env file, and VOICEAGENT_*
// environment variables; every timing window (dedup, safe, ICE gather)
// is a Config field rather than a constant.
//
// # Dependencies
//
// The package depends on:
//   - github.com/pion/webrtc/v4: peer transport and data channel
//   - github.com/gorilla/websocket: fallback transport
//   - github.com/gordonklaus/portaudio: audio I/O
//   - github.com/rs/zerolog: structured logging
//   - github.com/golang-jwt/jwt/v4: dev credential minting
//   - github.com/google/uuid: session ids
//   - github.com/joho/godotenv: environment variables
//   - github.com/spf13/cobra: CLI framework
package voiceagent
