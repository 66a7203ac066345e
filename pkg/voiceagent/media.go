package voiceagent

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// AudioConfig describes the PCM format used on both capture and render.
type AudioConfig struct {
	SampleRate int
	Channels   int
	BufferSize int
	DeviceID   *int
}

func NewAudioConfig() *AudioConfig {
	return &AudioConfig{
		SampleRate: 24000,
		Channels:   1,
		BufferSize: 1024,
	}
}

// analyzer window and output sizes. The spectrum is a coarse band
// summary for UI meters, not a measurement-grade FFT.
const (
	analyzerWindow  = 512
	spectrumBands   = 16
	rmsGain         = 4.0
	spectrumMaxBase = 1e-6
)

// LevelAnalyzer accumulates recent PCM samples and derives a clipped
// RMS level plus a normalized magnitude spectrum from them. Writes come
// from audio callbacks; reads come from the telemetry loop.
type LevelAnalyzer struct {
	mu     sync.Mutex
	window []float32
	pos    int
	filled bool
}

func NewLevelAnalyzer() *LevelAnalyzer {
	return &LevelAnalyzer{window: make([]float32, analyzerWindow)}
}

// Write appends samples to the ring window.
func (a *LevelAnalyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.window[a.pos] = s
		a.pos++
		if a.pos == len(a.window) {
			a.pos = 0
			a.filled = true
		}
	}
}

// Reset clears the window so a muted or torn-down stream reads silent.
func (a *LevelAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.window {
		a.window[i] = 0
	}
	a.pos = 0
	a.filled = false
}

func (a *LevelAnalyzer) snapshot() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.window)
	if !a.filled {
		n = a.pos
	}
	out := make([]float32, n)
	if a.filled {
		copy(out, a.window[a.pos:])
		copy(out[len(a.window)-a.pos:], a.window[:a.pos])
	} else {
		copy(out, a.window[:a.pos])
	}
	return out
}

// RMS returns the gain-scaled root-mean-square level, clipped to 0..1
// so typical speech reads in a usable meter range.
func (a *LevelAnalyzer) RMS() float64 {
	samples := a.snapshot()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum/float64(len(samples))) * rmsGain
	if rms > 1 {
		rms = 1
	}
	return rms
}

// Spectrum returns a coarse normalized magnitude spectrum. Each band is
// one DFT bin over the current window, scaled so the loudest band reads
// 1.0.
func (a *LevelAnalyzer) Spectrum() []float64 {
	samples := a.snapshot()
	bands := make([]float64, spectrumBands)
	if len(samples) == 0 {
		return bands
	}

	n := len(samples)
	maxMag := spectrumMaxBase
	for k := 0; k < spectrumBands; k++ {
		// Bin k+1 of an N-point DFT; bin 0 (DC) is skipped.
		freq := 2 * math.Pi * float64(k+1) / float64(n)
		var re, im float64
		for i, s := range samples {
			re += float64(s) * math.Cos(freq*float64(i))
			im -= float64(s) * math.Sin(freq*float64(i))
		}
		mag := math.Sqrt(re*re+im*im) / float64(n)
		bands[k] = mag
		if mag > maxMag {
			maxMag = mag
		}
	}
	for k := range bands {
		bands[k] /= maxMag
	}
	return bands
}

// MediaPipeline owns the local/remote analyzers and the telemetry loop.
// The loop is advisory only: it samples both analyzers on a fixed tick
// and pushes one synchronized VoiceLevels event per tick.
type MediaPipeline struct {
	cfg    *Config
	log    *AgentLogger
	bus    *EventBus
	local  *LevelAnalyzer
	remote *LevelAnalyzer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewMediaPipeline(cfg *Config, log *AgentLogger, bus *EventBus) *MediaPipeline {
	return &MediaPipeline{
		cfg:    cfg,
		log:    log.WithComponent("media"),
		bus:    bus,
		local:  NewLevelAnalyzer(),
		remote: NewLevelAnalyzer(),
	}
}

// LocalAnalyzer is fed by the capture path.
func (mp *MediaPipeline) LocalAnalyzer() *LevelAnalyzer { return mp.local }

// RemoteAnalyzer is fed by the remote track render path.
func (mp *MediaPipeline) RemoteAnalyzer() *LevelAnalyzer { return mp.remote }

// StartTelemetry begins the periodic level emission. Started only after
// negotiation succeeds; stops when ctx is canceled or Stop is called.
func (mp *MediaPipeline) StartTelemetry(ctx context.Context) {
	mp.mu.Lock()
	if mp.running {
		mp.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	mp.running = true
	mp.cancel = cancel
	mp.mu.Unlock()

	go func() {
		ticker := time.NewTicker(mp.cfg.TelemetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mp.bus.PublishVoiceLevels(VoiceLevels{
					LocalRMS:       mp.local.RMS(),
					LocalSpectrum:  mp.local.Spectrum(),
					RemoteRMS:      mp.remote.RMS(),
					RemoteSpectrum: mp.remote.Spectrum(),
					At:             time.Now(),
				})
			}
		}
	}()
	mp.log.Debug("Telemetry loop started")
}

// Stop terminates the telemetry loop and clears both analyzers.
func (mp *MediaPipeline) Stop() {
	mp.mu.Lock()
	if !mp.running {
		mp.mu.Unlock()
		return
	}
	mp.running = false
	cancel := mp.cancel
	mp.cancel = nil
	mp.mu.Unlock()

	cancel()
	mp.local.Reset()
	mp.remote.Reset()
	mp.log.Debug("Telemetry loop stopped")
}

// MicCapture records from the default input device and feeds each
// buffer to the local analyzer plus an optional frame handler (the
// transport's send path).
type MicCapture struct {
	cfg      *AudioConfig
	analyzer *LevelAnalyzer
	log      *AgentLogger

	// enabled is read from the audio callback, which must never block
	// on the struct mutex.
	enabled int32

	mu        sync.Mutex
	stream    *portaudio.Stream
	capturing bool
}

func NewMicCapture(cfg *AudioConfig, analyzer *LevelAnalyzer, log *AgentLogger) *MicCapture {
	return &MicCapture{
		cfg:      cfg,
		analyzer: analyzer,
		log:      log.WithComponent("mic"),
		enabled:  1,
	}
}

// Start opens the input stream. A permission or device failure here is
// surfaced as a media permission error and aborts session start.
func (mc *MicCapture) Start(handler func([]float32)) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.capturing {
		return NewAgentError("already capturing", ErrCodeMediaPermission)
	}

	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodeMediaPermission)
	}

	stream, err := portaudio.OpenDefaultStream(mc.cfg.Channels, 0, float64(mc.cfg.SampleRate), mc.cfg.BufferSize, func(in []float32) {
		if atomic.LoadInt32(&mc.enabled) == 0 {
			return
		}
		mc.analyzer.Write(in)
		if handler != nil {
			handler(in)
		}
	})
	if err != nil {
		portaudio.Terminate()
		return WrapError(err, ErrCodeMediaPermission)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, ErrCodeMediaPermission)
	}

	mc.stream = stream
	mc.capturing = true
	mc.log.Debug("Microphone capture started")
	return nil
}

// SetEnabled flips local track enablement (mute). Disabled capture
// still runs the device stream but drops every buffer.
func (mc *MicCapture) SetEnabled(enabled bool) {
	if enabled {
		atomic.StoreInt32(&mc.enabled, 1)
		return
	}
	atomic.StoreInt32(&mc.enabled, 0)
	mc.analyzer.Reset()
}

func (mc *MicCapture) Enabled() bool {
	return atomic.LoadInt32(&mc.enabled) == 1
}

// Stop closes the input stream. Safe to call redundantly.
func (mc *MicCapture) Stop() {
	mc.mu.Lock()
	if !mc.capturing {
		mc.mu.Unlock()
		return
	}
	mc.capturing = false
	stream := mc.stream
	mc.stream = nil
	mc.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			mc.log.WithError(err).Warn("Failed to stop capture stream")
		}
		if err := stream.Close(); err != nil {
			mc.log.WithError(err).Warn("Failed to close capture stream")
		}
	}
	portaudio.Terminate()
	mc.log.Debug("Microphone capture stopped")
}

// SpeakerSink renders remote PCM frames to the default output device
// and feeds the remote analyzer. Muting silences output while keeping
// the analyzer fed so meters still move during a canceled response's
// trailing audio.
type SpeakerSink struct {
	cfg      *AudioConfig
	analyzer *LevelAnalyzer
	log      *AgentLogger

	mu      sync.Mutex
	stream  *portaudio.Stream
	playing bool
	muted   bool
	pending []float32
}

func NewSpeakerSink(cfg *AudioConfig, analyzer *LevelAnalyzer, log *AgentLogger) *SpeakerSink {
	return &SpeakerSink{
		cfg:      cfg,
		analyzer: analyzer,
		log:      log.WithComponent("speaker"),
	}
}

// Start opens the output stream and begins draining queued frames.
func (sp *SpeakerSink) Start() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.playing {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodeMediaPermission)
	}

	stream, err := portaudio.OpenDefaultStream(0, sp.cfg.Channels, float64(sp.cfg.SampleRate), sp.cfg.BufferSize, func(out []float32) {
		sp.mu.Lock()
		muted := sp.muted
		n := copy(out, sp.pending)
		sp.pending = sp.pending[n:]
		sp.mu.Unlock()

		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if muted {
			for i := range out {
				out[i] = 0
			}
		}
	})
	if err != nil {
		portaudio.Terminate()
		return WrapError(err, ErrCodeMediaPermission)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, ErrCodeMediaPermission)
	}

	sp.stream = stream
	sp.playing = true
	sp.log.Debug("Speaker sink started")
	return nil
}

// Render queues remote frames for playback and updates the analyzer.
func (sp *SpeakerSink) Render(samples []float32) {
	sp.analyzer.Write(samples)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.playing {
		return
	}
	sp.pending = append(sp.pending, samples...)
	// Bound the queue so a stalled device cannot grow it unbounded.
	if max := sp.cfg.SampleRate * 2; len(sp.pending) > max {
		sp.pending = sp.pending[len(sp.pending)-max:]
	}
}

// SetMuted silences output without tearing down the stream.
func (sp *SpeakerSink) SetMuted(muted bool) {
	sp.mu.Lock()
	sp.muted = muted
	sp.mu.Unlock()
}

func (sp *SpeakerSink) Muted() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.muted
}

// Stop closes the output stream. Safe to call redundantly.
func (sp *SpeakerSink) Stop() {
	sp.mu.Lock()
	if !sp.playing {
		sp.mu.Unlock()
		return
	}
	sp.playing = false
	sp.pending = nil
	stream := sp.stream
	sp.stream = nil
	sp.mu.Unlock()

	// The stream is stopped outside the lock: its callback may be
	// mid-flight and needs the lock to finish.
	if stream != nil {
		if err := stream.Stop(); err != nil {
			sp.log.WithError(err).Warn("Failed to stop playback stream")
		}
		if err := stream.Close(); err != nil {
			sp.log.WithError(err).Warn("Failed to close playback stream")
		}
	}
	portaudio.Terminate()
	sp.log.Debug("Speaker sink stopped")
}

// ListAudioDevices enumerates host devices for the CLI.
func ListAudioDevices() ([]map[string]interface{}, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, ErrCodeMediaPermission)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, ErrCodeMediaPermission)
	}

	devices := make([]map[string]interface{}, 0, len(infos))
	for i, d := range infos {
		devices = append(devices, map[string]interface{}{
			"id":              i,
			"name":            d.Name,
			"input_channels":  d.MaxInputChannels,
			"output_channels": d.MaxOutputChannels,
			"sample_rate":     d.DefaultSampleRate,
		})
	}
	return devices, nil
}
