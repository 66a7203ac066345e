package voiceagent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectFunc establishes the transport. Injectable so tests can
// supply a fake channel without touching devices or the network.
type ConnectFunc func(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, meta ConnectMeta, pipeline *MediaPipeline) (Transport, error)

// SessionController is the lifecycle guard: it owns exactly one active
// session at a time, arms the auto-stop timer, and commits usage
// exactly once on termination.
type SessionController struct {
	cfg         *Config
	log         *AgentLogger
	bus         *EventBus
	credentials *CredentialManager
	usage       *UsageReporter
	connectFn   ConnectFunc

	mu             sync.Mutex
	phase          SessionPhase
	sessionID      string
	transport      Transport
	engine         *ProtocolEngine
	pipeline       *MediaPipeline
	startedAt      time.Time
	maxDuration    time.Duration
	usageRef       string
	usageCommitted bool
	muted          bool
	autoStop       *time.Timer
	cancel         context.CancelFunc

	phaseHandlers      []PhaseHandler
	connectionHandlers []ConnectionHandler
	errorHandlers      []ErrorHandler
}

func NewSessionController(cfg *Config, log *AgentLogger, bus *EventBus) *SessionController {
	connectFn := ConnectFunc(func(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, meta ConnectMeta, pipeline *MediaPipeline) (Transport, error) {
		if cfg.UseWebSocket {
			return ConnectWebSocket(ctx, cfg, log, cred, pipeline)
		}
		return ConnectWebRTC(ctx, cfg, log, cred, meta, pipeline)
	})

	return &SessionController{
		cfg:         cfg,
		log:         log.WithComponent("session"),
		bus:         bus,
		credentials: NewCredentialManager(cfg, log),
		usage:       NewUsageReporter(cfg, log),
		connectFn:   connectFn,
		phase:       PhaseIdle,
	}
}

// SetConnectFunc replaces the transport factory. Must be called before
// Start.
func (sc *SessionController) SetConnectFunc(fn ConnectFunc) {
	sc.connectFn = fn
}

// Phase returns the current session phase.
func (sc *SessionController) Phase() SessionPhase {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.phase
}

// SessionID returns the id of the active session, or "" when idle.
func (sc *SessionController) SessionID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sessionID
}

// Engine exposes the active protocol engine for transcript handlers.
func (sc *SessionController) Engine() *ProtocolEngine {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.engine
}

// Start acquires a credential, connects the transport, attaches the
// protocol engine, starts telemetry, and arms the auto-stop timer.
// A session already active or mid-start is rejected rather than raced.
func (sc *SessionController) Start(ctx context.Context, identity AgentIdentity) error {
	sc.mu.Lock()
	if sc.phase == PhaseActive || sc.phase == PhaseStarting {
		sc.mu.Unlock()
		return NewAgentError("a session is already running", ErrCodeSessionActive)
	}
	if identity.Name == "" || identity.Description == "" {
		sc.mu.Unlock()
		return NewAgentError("agent identity requires a name and description", ErrCodeMissingIdentity)
	}
	sc.setPhaseLocked(PhaseStarting)
	sc.mu.Unlock()

	err := sc.start(ctx, identity)
	if err != nil {
		sc.teardown()
		sc.emitError(err)
		return err
	}
	return nil
}

func (sc *SessionController) start(ctx context.Context, identity AgentIdentity) error {
	sc.emitConnection(Connecting)

	cred, err := sc.credentials.Acquire(ctx, IssueRequest{
		Voice:      sc.cfg.Voice,
		MerchantID: identity.MerchantID,
		ShopID:     identity.ShopID,
	})
	if err != nil {
		return err
	}

	sessionID := uuid.New().String()
	pipeline := NewMediaPipeline(sc.cfg, sc.log, sc.bus)

	meta := ConnectMeta{
		Voice:        sc.cfg.Voice,
		MerchantID:   identity.MerchantID,
		ShopID:       identity.ShopID,
		Instructions: identity.SessionSeed,
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	transport, err := sc.connectFn(ctx, sc.cfg, sc.log, cred, meta, pipeline)
	if err != nil {
		cancel()
		return err
	}

	executor := NewToolExecutor(sc.cfg, sc.log, identity)
	engine := NewProtocolEngine(sc.cfg, sc.log, sc.bus, transport, executor, identity, sessionID)
	engine.Attach(sessionCtx)

	// Telemetry starts only once negotiation has succeeded.
	pipeline.StartTelemetry(sessionCtx)

	maxDuration := sc.cfg.MaxDuration
	if cred.MaxDuration > 0 && cred.MaxDuration < maxDuration {
		maxDuration = cred.MaxDuration
	}

	sc.mu.Lock()
	sc.sessionID = sessionID
	sc.transport = transport
	sc.engine = engine
	sc.pipeline = pipeline
	sc.startedAt = time.Now()
	sc.maxDuration = maxDuration
	sc.usageRef = cred.UsageRef
	sc.usageCommitted = false
	sc.muted = false
	sc.cancel = cancel
	sc.autoStop = time.AfterFunc(maxDuration, func() {
		sc.log.Warn("Session hit its maximum duration, stopping")
		if err := sc.Stop(); err != nil {
			sc.log.WithError(err).Warn("Auto-stop failed")
		}
	})
	sc.setPhaseLocked(PhaseActive)
	sc.mu.Unlock()

	sc.emitConnection(Connected)
	sc.log.LogSessionEvent("started", sessionID, map[string]interface{}{
		"max_duration_sec": int(maxDuration.Seconds()),
	})
	return nil
}

// ToggleMute flips local capture enablement and returns the new muted
// state.
func (sc *SessionController) ToggleMute() bool {
	sc.mu.Lock()
	transport := sc.transport
	sc.muted = !sc.muted
	muted := sc.muted
	sc.mu.Unlock()

	if transport != nil {
		transport.SetLocalEnabled(!muted)
	}
	return muted
}

// Muted reports whether local capture is muted.
func (sc *SessionController) Muted() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.muted
}

// Stop commits usage exactly once, caps elapsed seconds at the session
// maximum, and runs full teardown. Safe to call redundantly.
func (sc *SessionController) Stop() error {
	sc.mu.Lock()
	if sc.phase == PhaseIdle || sc.phase == PhaseStopping {
		sc.mu.Unlock()
		return nil
	}
	sc.setPhaseLocked(PhaseStopping)

	elapsed := time.Since(sc.startedAt)
	if elapsed > sc.maxDuration {
		elapsed = sc.maxDuration
	}
	seconds := int(elapsed.Seconds())

	commit := !sc.usageCommitted && sc.usageRef != ""
	sc.usageCommitted = true
	usageRef := sc.usageRef
	sessionID := sc.sessionID
	sc.mu.Unlock()

	if commit {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sc.cfg.HTTPTimeout)
			defer cancel()
			sc.usage.Commit(ctx, usageRef, seconds)
		}()
	}

	sc.teardown()
	sc.log.LogSessionEvent("stopped", sessionID, map[string]interface{}{
		"seconds": seconds,
	})
	return nil
}

// teardown releases everything a session holds and resets state to
// initial values. Idempotent.
func (sc *SessionController) teardown() {
	sc.mu.Lock()
	autoStop := sc.autoStop
	engine := sc.engine
	transport := sc.transport
	pipeline := sc.pipeline
	cancel := sc.cancel

	sc.autoStop = nil
	sc.engine = nil
	sc.transport = nil
	sc.pipeline = nil
	sc.cancel = nil
	sc.sessionID = ""
	sc.usageRef = ""
	sc.muted = false
	sc.setPhaseLocked(PhaseIdle)
	sc.mu.Unlock()

	if autoStop != nil {
		autoStop.Stop()
	}
	if engine != nil {
		engine.Close()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			sc.log.WithError(err).Warn("Transport close failed")
		}
	}
	if pipeline != nil {
		pipeline.Stop()
	}
	if cancel != nil {
		cancel()
	}
	sc.emitConnection(Disconnected)
}

// --- handlers ---

func (sc *SessionController) AddPhaseHandler(handler PhaseHandler) func() {
	sc.mu.Lock()
	sc.phaseHandlers = append(sc.phaseHandlers, handler)
	idx := len(sc.phaseHandlers) - 1
	sc.mu.Unlock()
	return func() {
		sc.mu.Lock()
		if idx < len(sc.phaseHandlers) {
			sc.phaseHandlers[idx] = nil
		}
		sc.mu.Unlock()
	}
}

func (sc *SessionController) AddConnectionHandler(handler ConnectionHandler) func() {
	sc.mu.Lock()
	sc.connectionHandlers = append(sc.connectionHandlers, handler)
	idx := len(sc.connectionHandlers) - 1
	sc.mu.Unlock()
	return func() {
		sc.mu.Lock()
		if idx < len(sc.connectionHandlers) {
			sc.connectionHandlers[idx] = nil
		}
		sc.mu.Unlock()
	}
}

func (sc *SessionController) AddErrorHandler(handler ErrorHandler) func() {
	sc.mu.Lock()
	sc.errorHandlers = append(sc.errorHandlers, handler)
	idx := len(sc.errorHandlers) - 1
	sc.mu.Unlock()
	return func() {
		sc.mu.Lock()
		if idx < len(sc.errorHandlers) {
			sc.errorHandlers[idx] = nil
		}
		sc.mu.Unlock()
	}
}

// setPhaseLocked updates the phase and notifies handlers. Caller holds
// sc.mu.
func (sc *SessionController) setPhaseLocked(phase SessionPhase) {
	sc.phase = phase
	for _, h := range sc.phaseHandlers {
		if h != nil {
			go h(phase)
		}
	}
}

func (sc *SessionController) emitConnection(state ConnectionState) {
	sc.mu.Lock()
	handlers := make([]ConnectionHandler, 0, len(sc.connectionHandlers))
	for _, h := range sc.connectionHandlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	sc.mu.Unlock()
	for _, h := range handlers {
		go h(state)
	}
}

func (sc *SessionController) emitError(err error) {
	ae, ok := err.(*AgentError)
	if !ok {
		ae = WrapError(err, ErrCodeUnknown)
	}
	sc.log.LogAgentError(ae)

	sc.mu.Lock()
	handlers := make([]ErrorHandler, 0, len(sc.errorHandlers))
	for _, h := range sc.errorHandlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	sc.mu.Unlock()
	for _, h := range handlers {
		go h(ae)
	}
}
