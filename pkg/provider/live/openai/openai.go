// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API expects 24 kHz PCM16, so capture packets are resampled
// before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeRate is the only PCM16 rate the Realtime API accepts and emits.
	realtimeRate = 24000

	transcriptionModel = "whisper-1"
	messageBuffer      = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "openai" }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Realtime endpoint, sends session.update and waits for the
// server's session.updated before returning.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &live.TransportError{Provider: "openai", Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan live.Message, messageBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	fail := func(err error) (live.Session, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		return fail(&live.TransportError{Provider: "openai", Err: fmt.Errorf("session update: %w", err)})
	}
	if err := sess.awaitSessionUpdated(ctx); err != nil {
		return fail(err)
	}

	go sess.receiveLoop()

	slog.Debug("openai realtime session open", "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan live.Message

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, tools, transcription and
// audio formats.
func (s *session) sendSessionUpdate(ctx context.Context, cfg live.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated reads until the server confirms the session update.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return &live.TransportError{Provider: "openai", Err: fmt.Errorf("await session: %w", err)}
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return toTransportError(&evt)
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the messages channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return
			}
			s.setErr(&live.TransportError{Provider: "openai", Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if evt.Type == "error" {
			s.setErr(toTransportError(&evt))
			return
		}

		msg, ok := translate(&evt)
		if !ok {
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

// translate maps one Realtime server event onto a live.Message.
func translate(evt *serverEvent) (live.Message, bool) {
	var msg live.Message
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return msg, false
		}
		msg.Audio = &live.InlineAudio{
			MIMEType: audio.MIMEType(realtimeRate),
			Data:     evt.Delta,
			Format:   audio.Format{SampleRate: realtimeRate, Channels: 1},
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return msg, false
		}
		msg.OutputTranscription = &live.Transcription{Text: evt.Delta}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return msg, false
		}
		msg.InputTranscription = &live.Transcription{Text: evt.Transcript}

	case "input_audio_buffer.speech_started":
		msg.Interrupted = true

	case "response.done":
		msg.TurnComplete = true

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: malformed tool arguments", "tool", evt.Name, "err", err)
				args = map[string]any{}
			}
		}
		msg.ToolCalls = []live.ToolCall{{ID: evt.CallID, Name: evt.Name, Args: args}}

	default:
		return msg, false
	}
	return msg, true
}

func toTransportError(evt *serverEvent) *live.TransportError {
	msg := "unknown error"
	if evt.Error != nil && evt.Error.Message != "" {
		msg = evt.Error.Message
	}
	return &live.TransportError{Provider: "openai", Err: errors.New(msg)}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.messages)
	})
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// toOAITools converts live.ToolDefinition slice to OpenAI Realtime tool format.
func toOAITools(tools []live.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── live.Session methods ───────────────────────────────────────────────────────

// SendAudio appends one capture packet to the input buffer, resampling it to
// 24 kHz when needed.
func (s *session) SendAudio(ctx context.Context, p audio.Packet) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}

	data := p.Data
	if rate, ok := audio.ParseMIMERate(p.MIMEType); ok && rate != realtimeRate {
		pcm, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return fmt.Errorf("openai: decode packet: %w", err)
		}
		data = base64.StdEncoding.EncodeToString(audio.ResampleMono16(pcm, rate, realtimeRate))
	}

	err := s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: data,
	})
	if err != nil {
		return &live.TransportError{Provider: "openai", Err: fmt.Errorf("send audio: %w", err)}
	}
	return nil
}

// SendToolResponse returns tool results as function_call_output items and
// triggers the next model response.
func (s *session) SendToolResponse(ctx context.Context, responses ...live.ToolResponse) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	if len(responses) == 0 {
		return nil
	}
	for _, r := range responses {
		out, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("openai: marshal tool response: %w", err)
		}
		err = s.writeJSON(ctx, createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(out),
			},
		})
		if err != nil {
			return &live.TransportError{Provider: "openai", Err: fmt.Errorf("send tool response: %w", err)}
		}
	}
	if err := s.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
		return &live.TransportError{Provider: "openai", Err: fmt.Errorf("request response: %w", err)}
	}
	return nil
}

// Messages returns the channel on which inbound events arrive.
func (s *session) Messages() <-chan live.Message { return s.messages }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
