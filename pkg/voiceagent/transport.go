package voiceagent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const controlChannelLabel = "oai-events"

// ControlChannel is the ordered message channel the protocol engine
// runs on.
type ControlChannel interface {
	Send(payload interface{}) error
	OnMessage(handler func(data []byte))
	OnOpen(handler func())
	Close() error
}

// Transport is an established media+control link to the remote agent.
type Transport interface {
	ControlChannel
	SetLocalEnabled(enabled bool)
	SetRemoteMuted(muted bool)
}

// ConnectMeta is the session context sent along with the local offer.
type ConnectMeta struct {
	Voice        string `json:"voice"`
	MerchantID   string `json:"merchant_id,omitempty"`
	ShopID       string `json:"shop_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type negotiationRequest struct {
	SDP string `json:"sdp"`
	ConnectMeta
}

type negotiationResponse struct {
	SDP string `json:"sdp"`
}

// pcm16Encode packs float32 samples into little-endian PCM16.
func pcm16Encode(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * math.MaxInt16)
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return buf
}

// pcm16Decode unpacks little-endian PCM16 into float32 samples.
func pcm16Decode(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(v) / math.MaxInt16
	}
	return samples
}

// WebRTCTransport carries audio over a peer connection and protocol
// messages over a data channel on the same connection.
type WebRTCTransport struct {
	cfg     *Config
	log     *AgentLogger
	mic     *MicCapture
	speaker *SpeakerSink

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	onMessage func([]byte)
	onOpen    func()
	opened    bool
	closed    bool
}

// ConnectWebRTC runs the full negotiation handshake: data channel
// before negotiation, remote track wiring, mic capture, offer, bounded
// candidate gathering, SDP exchange, answer. Any failure tears down
// everything already wired and returns with nothing attached.
func ConnectWebRTC(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, meta ConnectMeta, pipeline *MediaPipeline) (*WebRTCTransport, error) {
	audioCfg := NewAudioConfig()
	audioCfg.DeviceID = cfg.AudioDeviceID

	t := &WebRTCTransport{
		cfg:     cfg,
		log:     log.WithComponent("webrtc"),
		mic:     NewMicCapture(audioCfg, pipeline.LocalAnalyzer(), log),
		speaker: NewSpeakerSink(audioCfg, pipeline.RemoteAnalyzer(), log),
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}
	t.pc = pc

	// The control channel must exist before negotiation so it is part
	// of the offer. Some endpoints open their own channel instead, so a
	// remote-initiated channel with the same label is also accepted.
	ordered := true
	dc, err := pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}
	t.attachDataChannel(dc)
	pc.OnDataChannel(func(remote *webrtc.DataChannel) {
		if remote.Label() == controlChannelLabel {
			t.attachDataChannel(remote)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.log.Debug("Remote audio track attached")
		if err := t.speaker.Start(); err != nil {
			t.log.WithError(err).Warn("Failed to start speaker sink")
		}
		go t.readRemoteTrack(track)
	})

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: uint32(audioCfg.SampleRate), Channels: uint16(audioCfg.Channels)},
		"audio", "voiceagent",
	)
	if err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}

	sampleRate := audioCfg.SampleRate
	if err := t.mic.Start(func(frame []float32) {
		sample := media.Sample{
			Data:     pcm16Encode(frame),
			Duration: time.Duration(len(frame)) * time.Second / time.Duration(sampleRate),
		}
		if err := localTrack.WriteSample(sample); err != nil {
			t.log.WithError(err).Debug("Dropped local audio sample")
		}
	}); err != nil {
		t.teardown()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}

	// Candidate gathering is best-effort: proceed with whatever is
	// present once the timeout elapses.
	select {
	case <-gatherComplete:
	case <-time.After(cfg.ICEGatherTimeout):
		t.log.Warn("Candidate gathering timed out, proceeding with partial candidates")
	case <-ctx.Done():
		t.teardown()
		return nil, WrapError(ctx.Err(), ErrCodeNegotiationFailed)
	}

	answer, err := t.negotiate(ctx, cred, meta, pc.LocalDescription().SDP)
	if err != nil {
		t.teardown()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		t.teardown()
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}

	return t, nil
}

func (t *WebRTCTransport) negotiate(ctx context.Context, cred *Credential, meta ConnectMeta, offerSDP string) (string, error) {
	body, err := json.Marshal(negotiationRequest{SDP: offerSDP, ConnectMeta: meta})
	if err != nil {
		return "", WrapError(err, ErrCodeJSONParse)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.NegotiationEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", WrapError(err, ErrCodeNegotiationFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: t.cfg.HTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", WrapError(err, ErrCodeNegotiationFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", NewAgentError(fmt.Sprintf("negotiation rejected: %s", resp.Status), ErrCodeNegotiationFailed).
			AddDetail("status", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", WrapError(err, ErrCodeNegotiationFailed)
	}

	// Either a JSON envelope or a bare SDP body.
	var nr negotiationResponse
	if err := json.Unmarshal(raw, &nr); err == nil && nr.SDP != "" {
		return nr.SDP, nil
	}
	if len(raw) == 0 {
		return "", NewAgentError("empty negotiation response", ErrCodeNegotiationFailed)
	}
	return string(raw), nil
}

func (t *WebRTCTransport) attachDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.mu.Lock()
		t.opened = true
		h := t.onOpen
		t.mu.Unlock()
		if h != nil {
			h()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		h := t.onMessage
		t.mu.Unlock()
		if h != nil {
			h(msg.Data)
		}
	})
}

func (t *WebRTCTransport) readRemoteTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		t.speaker.Render(pcm16Decode(pkt.Payload))
	}
}

// Send marshals the payload as JSON and writes it to the data channel.
func (t *WebRTCTransport) Send(payload interface{}) error {
	t.mu.Lock()
	dc := t.dc
	closed := t.closed
	t.mu.Unlock()

	if closed || dc == nil {
		return NewAgentError("control channel not available", ErrCodeTransport)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WrapError(err, ErrCodeJSONParse)
	}
	if err := dc.SendText(string(data)); err != nil {
		return WrapError(err, ErrCodeTransport)
	}
	return nil
}

func (t *WebRTCTransport) OnMessage(handler func(data []byte)) {
	t.mu.Lock()
	t.onMessage = handler
	t.mu.Unlock()
}

func (t *WebRTCTransport) OnOpen(handler func()) {
	t.mu.Lock()
	t.onOpen = handler
	alreadyOpen := t.opened
	t.mu.Unlock()
	if alreadyOpen && handler != nil {
		handler()
	}
}

func (t *WebRTCTransport) SetLocalEnabled(enabled bool) {
	t.mic.SetEnabled(enabled)
}

func (t *WebRTCTransport) SetRemoteMuted(muted bool) {
	t.speaker.SetMuted(muted)
}

// Close tears down the data channel, peer connection, and both audio
// endpoints. Idempotent.
func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.teardown()
	return nil
}

func (t *WebRTCTransport) teardown() {
	t.mic.Stop()
	t.speaker.Stop()

	t.mu.Lock()
	dc := t.dc
	pc := t.pc
	t.dc = nil
	t.pc = nil
	t.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			t.log.WithError(err).Debug("Data channel close failed")
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.log.WithError(err).Debug("Peer connection close failed")
		}
	}
}

// WebSocketTransport runs the same control protocol over a socket.
// Audio rides the socket too: local frames as base64 append events,
// remote frames arriving as audio delta events.
type WebSocketTransport struct {
	cfg     *Config
	log     *AgentLogger
	mic     *MicCapture
	speaker *SpeakerSink

	mu        sync.Mutex
	conn      *websocket.Conn
	onMessage func([]byte)
	closed    bool
}

type wsAudioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// ConnectWebSocket dials the fallback endpoint and starts mic capture
// plus the socket read loop.
func ConnectWebSocket(ctx context.Context, cfg *Config, log *AgentLogger, cred *Credential, pipeline *MediaPipeline) (*WebSocketTransport, error) {
	audioCfg := NewAudioConfig()
	audioCfg.DeviceID = cfg.AudioDeviceID

	t := &WebSocketTransport{
		cfg:     cfg,
		log:     log.WithComponent("websocket"),
		mic:     NewMicCapture(audioCfg, pipeline.LocalAnalyzer(), log),
		speaker: NewSpeakerSink(audioCfg, pipeline.RemoteAnalyzer(), log),
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WSEndpoint, header)
	if err != nil {
		return nil, WrapError(err, ErrCodeNegotiationFailed)
	}
	t.conn = conn

	if err := t.speaker.Start(); err != nil {
		t.log.WithError(err).Warn("Failed to start speaker sink")
	}
	if err := t.mic.Start(func(frame []float32) {
		t.sendAudioFrame(frame)
	}); err != nil {
		conn.Close()
		t.speaker.Stop()
		return nil, err
	}

	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) sendAudioFrame(frame []float32) {
	payload := map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm16Encode(frame)),
	}
	if err := t.Send(payload); err != nil {
		t.log.WithError(err).Debug("Dropped local audio frame")
	}
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.WithError(err).Warn("Socket read failed")
			}
			return
		}

		// Audio deltas are consumed here; everything else goes to the
		// protocol engine.
		var ad wsAudioDelta
		if json.Unmarshal(data, &ad) == nil && ad.Type == "response.output_audio.delta" {
			encoded := ad.Delta
			if encoded == "" {
				encoded = ad.Audio
			}
			if pcm, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				t.speaker.Render(pcm16Decode(pcm))
			}
			continue
		}

		t.mu.Lock()
		h := t.onMessage
		t.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (t *WebSocketTransport) Send(payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return NewAgentError("socket not available", ErrCodeTransport)
	}
	if err := t.conn.WriteJSON(payload); err != nil {
		return WrapError(err, ErrCodeTransport)
	}
	return nil
}

func (t *WebSocketTransport) OnMessage(handler func(data []byte)) {
	t.mu.Lock()
	t.onMessage = handler
	t.mu.Unlock()
}

// OnOpen fires immediately: a dialed socket is already open.
func (t *WebSocketTransport) OnOpen(handler func()) {
	if handler != nil {
		handler()
	}
}

func (t *WebSocketTransport) SetLocalEnabled(enabled bool) {
	t.mic.SetEnabled(enabled)
}

func (t *WebSocketTransport) SetRemoteMuted(muted bool) {
	t.speaker.SetMuted(muted)
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.mic.Stop()
	t.speaker.Stop()
	if conn != nil {
		conn.Close()
	}
	return nil
}
