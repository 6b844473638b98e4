// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to push scripted [live.Message] values at the consumer and to
// inspect which audio packets and tool responses it sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Connect(ctx, cfg)
//	sess.Push(live.Message{TurnComplete: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// Session on every call; the latest one is available via Last.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until the channel is closed or
	// ctx is done. Useful to exercise cancellation during start.
	Block chan struct{}

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.last = s
	return s, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Last returns the session handed out by the most recent successful Connect.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.last = nil
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendToolResponseErr, if non-nil, is returned by SendToolResponse.
	SendToolResponseErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	pushMu    sync.RWMutex
	msgs      chan live.Message
	done      chan struct{}
	closeOnce sync.Once
	err       error

	audio      []audio.Packet
	responses  []live.ToolResponse
	closeCount int
	audioSent  chan struct{}
}

// NewSession returns a Session with a buffered message channel.
func NewSession() *Session {
	return &Session{
		msgs:      make(chan live.Message, 64),
		done:      make(chan struct{}),
		audioSent: make(chan struct{}, 1),
	}
}

// Push delivers m to the consumer. It is a no-op once the session ended.
func (s *Session) Push(msgs ...live.Message) {
	s.pushMu.RLock()
	defer s.pushMu.RUnlock()
	for _, m := range msgs {
		select {
		case <-s.done:
			return
		case s.msgs <- m:
		}
	}
}

// Fail ends the session with err, as a transport failure would.
func (s *Session) Fail(err error) {
	s.finish(err)
}

// SendAudio records p.
func (s *Session) SendAudio(_ context.Context, p audio.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return live.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, p)
	select {
	case s.audioSent <- struct{}{}:
	default:
	}
	return nil
}

// SendToolResponse records responses.
func (s *Session) SendToolResponse(_ context.Context, responses ...live.ToolResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return live.ErrSessionClosed
	}
	if s.SendToolResponseErr != nil {
		return s.SendToolResponseErr
	}
	s.responses = append(s.responses, responses...)
	return nil
}

// Messages returns the scripted message stream.
func (s *Session) Messages() <-chan live.Message { return s.msgs }

// Err returns the error passed to Fail, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session and closes the message channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.finish(nil)
	return s.CloseErr
}

func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
		// Pending Push calls observe done and release pushMu.
		s.pushMu.Lock()
		close(s.msgs)
		s.pushMu.Unlock()
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// AudioPackets returns a copy of every packet passed to SendAudio.
func (s *Session) AudioPackets() []audio.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Packet(nil), s.audio...)
}

// AudioSent is signalled (non-blocking) after each recorded SendAudio.
func (s *Session) AudioSent() <-chan struct{} { return s.audioSent }

// ToolResponses returns a copy of every response passed to SendToolResponse.
func (s *Session) ToolResponses() []live.ToolResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResponse(nil), s.responses...)
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Ensure Session implements live.Session at compile time.
var _ live.Session = (*Session)(nil)
