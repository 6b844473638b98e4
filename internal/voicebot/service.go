// Package voicebot runs a Sparky conversation: it owns the live session, the
// microphone, the playback queue, the transcript and the conversation
// metadata, and publishes a [Snapshot] of all of it whenever something
// changes.
//
// All conversation state belongs to one goroutine, the service loop. Public
// methods, capture callbacks, inbound session messages, playback drains and
// title results reach it as messages on a single inbox and are handled one at
// a time in arrival order. Work that blocks (connecting, decoding, sending)
// runs on helper goroutines that report back tagged with the session
// generation; reports from a session that has since been stopped are
// discarded.
package voicebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/observe"
	"github.com/MrWong99/sparky/internal/resilience"
	"github.com/MrWong99/sparky/internal/transcript"
	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/playback"
	"github.com/MrWong99/sparky/pkg/provider/live"
	"github.com/MrWong99/sparky/pkg/provider/llm"
)

var (
	// ErrSessionActive is returned by Start while a session exists or is
	// being started.
	ErrSessionActive = errors.New("voicebot: a session is already active")

	// ErrStartCanceled is returned by Start when Stop (or cancellation of the
	// Start context) wins the race against session setup.
	ErrStartCanceled = errors.New("voicebot: start canceled")

	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("voicebot: service closed")
)

const (
	defaultSendBuffer   = 8
	defaultTitleTimeout = 15 * time.Second
	inboxSize           = 64
	decodeQueueSize     = 64
)

// Persona shapes the bot for the next session.
type Persona struct {
	Instructions string
	Voice        string

	// RobotColor is the color of new conversations.
	RobotColor string
}

// Config holds the dependencies of a [Service].
type Config struct {
	// Live opens sessions. Required.
	Live live.Provider

	// Microphone captures the user. Required.
	Microphone *audio.Microphone

	// Output is the playback clock and scheduler. Required.
	Output audio.Output

	// Store receives autosaves. Optional.
	Store conversation.Store

	// Titles generates conversation titles. Optional.
	Titles llm.Provider

	Persona Persona

	// SendBuffer is the capacity of the outbound packet buffer. Default 8.
	SendBuffer int

	// Breaker guards outbound audio sends. Zero values take the
	// [resilience.CircuitBreakerConfig] defaults.
	Breaker resilience.CircuitBreakerConfig

	// TitleTimeout bounds one title generation. Default 15s.
	TitleTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is the observable state of the service. Transcript must be
// treated as read-only.
type Snapshot struct {
	State          State              `json:"state"`
	Transcript     []transcript.Entry `json:"transcript"`
	Error          string             `json:"error,omitempty"`
	RobotColor     string             `json:"robotColor"`
	Title          string             `json:"title"`
	ConversationID string             `json:"conversationId"`

	// CanStop tells the UI whether to offer a stop control. It is false
	// while Idle and while the bot is speaking; Stop itself always works.
	CanStop bool `json:"canStop"`

	// Seq increases with every published snapshot.
	Seq uint64 `json:"seq"`
}

// Service is the conversation controller. Create it with [New] and release
// it with [Service.Close]. All methods are safe for concurrent use.
type Service struct {
	live       live.Provider
	mic        *audio.Microphone
	out        audio.Output
	queue      *playback.Queue
	store      conversation.Store
	titles     llm.Provider
	metrics    *observe.Metrics
	now        func() time.Time
	sendBuffer int
	breaker    resilience.CircuitBreakerConfig
	titleWait  time.Duration

	inbox   chan any
	broker  *Broker[Snapshot]
	current atomic.Pointer[Snapshot]
	saver   *autosaver

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	bg        sync.WaitGroup
	closeOnce sync.Once

	// ── Loop-owned state ─────────────────────────────────────────────────────

	persona        Persona
	machine        Machine
	acc            transcript.Accumulator
	conv           conversation.Conversation
	titleRequested bool
	errMsg         string
	seq            uint64
	gen            uint64
	run            *run
	pending        *pendingStart
}

// New returns a running Service with a fresh, empty conversation.
func New(cfg Config) (*Service, error) {
	var errs []error
	if cfg.Live == nil {
		errs = append(errs, errors.New("live provider is required"))
	}
	if cfg.Microphone == nil {
		errs = append(errs, errors.New("microphone is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("output is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("voicebot: %w", err)
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = defaultTitleTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Persona.RobotColor == "" {
		cfg.Persona.RobotColor = conversation.DefaultRobotColor
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "send/" + cfg.Live.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		live:       cfg.Live,
		mic:        cfg.Microphone,
		out:        cfg.Output,
		store:      cfg.Store,
		titles:     cfg.Titles,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		sendBuffer: cfg.SendBuffer,
		breaker:    cfg.Breaker,
		titleWait:  cfg.TitleTimeout,
		inbox:      make(chan any, inboxSize),
		broker:     NewBroker[Snapshot](),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		persona:    cfg.Persona,
	}
	s.queue = playback.New(cfg.Output, playback.WithOnDrained(func(gen uint64) {
		s.metrics.PlaybackDrains.Add(s.ctx, 1)
		s.post(drained{gen: gen})
	}))
	s.saver = newAutosaver(cfg.Store, cfg.Metrics)
	s.resetConversation()
	s.publish()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.saver.run()
	}()
	go s.loop()
	return s, nil
}

// ── Public API ───────────────────────────────────────────────────────────────

// Snapshot returns the most recently published state.
func (s *Service) Snapshot() Snapshot {
	return *s.current.Load()
}

// Subscribe returns a channel receiving every published snapshot, starting
// with the current one. A subscriber that falls more than buffer snapshots
// behind loses the oldest ones. Call cancel to unsubscribe.
func (s *Service) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return s.broker.Subscribe(buffer)
}

// Start opens a live session and starts the microphone. It returns once the
// bot is listening, or with the reason it could not start; in that case the
// snapshot carries a user-facing error and the state is back to Idle.
//
// Cancelling ctx before the session is ready aborts the start like Stop.
func (s *Service) Start(ctx context.Context) error {
	p := &pendingStart{reply: make(chan error, 1)}
	if !s.post(startCmd{p}) {
		return ErrClosed
	}
	abort := context.AfterFunc(ctx, func() { s.post(abortStart{p}) })
	defer abort()

	select {
	case err := <-p.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Stop ends the session, if any: playback halts without a drained
// notification, the microphone and the live session are released and the
// state returns to Idle. Stop is safe in every state and idempotent. It
// returns once every session goroutine has exited.
func (s *Service) Stop(ctx context.Context) error {
	return s.call(ctx, stopCmd{})
}

// LoadConversation stops any session and replaces the transcript, title and
// robot color with those of c.
func (s *Service) LoadConversation(ctx context.Context, c conversation.Conversation) error {
	return s.call(ctx, loadCmd{conv: c.Clone()})
}

// NewConversation stops any session and starts a new, empty conversation
// with a fresh ID.
func (s *Service) NewConversation(ctx context.Context) error {
	return s.call(ctx, newCmd{})
}

// SetPersona replaces the persona. It takes effect with the next session;
// the robot color applies to the next new conversation.
func (s *Service) SetPersona(ctx context.Context, p Persona) error {
	return s.call(ctx, personaCmd{p})
}

// Close stops any session, flushes pending autosaves and shuts the service
// down. Subscriber channels are closed. Close is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		reply := make(chan struct{})
		if s.post(closeCmd{reply}) {
			select {
			case <-reply:
			case <-s.done:
			}
		}
		<-s.done
		s.cancel()
		s.saver.close()
		s.bg.Wait()
		s.broker.Close()
	})
	return nil
}

// ── Inbox messages ───────────────────────────────────────────────────────────

type (
	startCmd   struct{ p *pendingStart }
	abortStart struct{ p *pendingStart }
	stopCmd    struct{}
	loadCmd    struct{ conv conversation.Conversation }
	newCmd     struct{}
	personaCmd struct{ p Persona }
	closeCmd   struct{ reply chan struct{} }

	// request wraps a command whose caller waits for it to be handled.
	request struct {
		cmd   any
		reply chan struct{}
	}

	startResult struct {
		gen uint64
		run *run
		err error
	}
	inbound struct {
		gen uint64
		msg live.Message
	}
	sessionEnded struct {
		gen uint64
		err error
	}
	sendFailed struct {
		gen uint64
		err error
	}
	dropWarning struct{ gen uint64 }
	drained     struct{ gen uint64 }
	titleResult struct {
		convID string
		title  string
		err    error
	}
)

type pendingStart struct {
	reply  chan error
	cancel context.CancelFunc
	begun  time.Time
}

// post hands m to the loop. It reports false once the loop has exited.
func (s *Service) post(m any) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

// call posts cmd and waits until the loop has handled it.
func (s *Service) call(ctx context.Context, cmd any) error {
	r := request{cmd: cmd, reply: make(chan struct{})}
	select {
	case s.inbox <- r:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.reply:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Loop ─────────────────────────────────────────────────────────────────────

func (s *Service) loop() {
	defer close(s.done)
	for m := range s.inbox {
		if c, ok := m.(closeCmd); ok {
			s.stop()
			s.publish()
			close(c.reply)
			return
		}
		s.handle(m)
	}
}

func (s *Service) handle(m any) {
	switch m := m.(type) {
	case request:
		s.handleCommand(m.cmd)
		close(m.reply)

	case startCmd:
		s.begin(m.p)

	case abortStart:
		if s.pending == m.p {
			s.stop()
			s.publish()
		}

	case startResult:
		s.finishStart(m)

	case inbound:
		if r := s.run; r != nil && m.gen == r.gen {
			s.handleMessage(r, m.msg)
		}

	case sessionEnded:
		if r := s.run; r != nil && m.gen == r.gen {
			s.endSession(m.err)
		}

	case sendFailed:
		if r := s.run; r != nil && m.gen == r.gen {
			s.endSession(&live.TransportError{Provider: s.live.Name(), Err: m.err})
		}

	case dropWarning:
		if r := s.run; r != nil && m.gen == r.gen {
			slog.Warn("voicebot: send buffer full, dropping microphone audio", "buffer", s.sendBuffer)
			s.errMsg = "Connection too slow: some microphone audio was dropped"
			s.publish()
		}

	case drained:
		// The queue generation advances on every stop and interruption,
		// all of which happen on the loop.
		if s.run != nil && m.gen == s.queue.Generation() && s.transition(EventDrained) {
			s.publish()
		}

	case titleResult:
		s.finishTitle(m)
	}
}

func (s *Service) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case stopCmd:
		s.stop()

	case loadCmd:
		s.stop()
		s.conv = c.conv
		s.conv.Transcript = nil
		if strings.TrimSpace(s.conv.Title) == "" {
			s.conv.Title = conversation.DefaultTitle
		}
		if s.conv.RobotColor == "" {
			s.conv.RobotColor = s.persona.RobotColor
		}
		s.acc.Load(c.conv.Transcript)
		s.titleRequested = s.conv.HasGeneratedTitle()
		s.errMsg = ""
		slog.Info("conversation loaded", "id", s.conv.ID, "entries", s.acc.Len())

	case newCmd:
		s.stop()
		s.resetConversation()
		slog.Info("new conversation", "id", s.conv.ID)

	case personaCmd:
		s.persona = c.p
		if s.persona.RobotColor == "" {
			s.persona.RobotColor = conversation.DefaultRobotColor
		}
		slog.Info("persona updated", "voice", c.p.Voice)
	}
	s.publish()
}

func (s *Service) resetConversation() {
	s.conv = conversation.New(s.now())
	s.conv.RobotColor = s.persona.RobotColor
	s.acc.Clear()
	s.titleRequested = false
	s.errMsg = ""
}

// ── Session lifecycle ────────────────────────────────────────────────────────

func (s *Service) begin(p *pendingStart) {
	if s.run != nil || s.pending != nil {
		p.reply <- ErrSessionActive
		return
	}
	s.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	p.cancel = cancel
	p.begun = s.now()
	s.pending = p
	s.errMsg = ""
	s.transition(EventStart)
	s.publish()

	cfg := live.SessionConfig{
		Voice:               s.persona.Voice,
		Instructions:        s.persona.Instructions,
		Tools:               Tools(),
		InputTranscription:  true,
		OutputTranscription: true,
	}
	gen := s.gen
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.connect(ctx, gen, cfg)
	}()
}

func (s *Service) finishStart(m startResult) {
	p := s.pending
	if p == nil || m.gen != s.gen {
		if m.run != nil {
			m.run.release()
		}
		return
	}
	s.pending = nil
	p.cancel()
	s.metrics.ConnectDuration.Record(s.ctx, s.now().Sub(p.begun).Seconds())
	s.metrics.RecordSessionStart(s.ctx, s.live.Name(), m.err)

	if m.err != nil {
		s.errMsg = startFailureMessage(m.err)
		slog.Warn("voicebot: start failed", "err", m.err)
		s.transition(EventStop)
		s.publish()
		p.reply <- m.err
		return
	}

	s.run = m.run
	s.launch(m.run)
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	s.transition(EventOpen)
	slog.Info("conversation started", "provider", s.live.Name(), "conversation", s.conv.ID)
	s.publish()
	p.reply <- nil
}

func startFailureMessage(err error) string {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return "Microphone access denied: " + err.Error()
	}
	return "Failed to start conversation: " + err.Error()
}

// stop tears everything down and lands in Idle. It does not publish.
func (s *Service) stop() {
	s.gen++
	if p := s.pending; p != nil {
		s.pending = nil
		p.cancel()
		p.reply <- ErrStartCanceled
	}
	s.teardown()
	s.queue.Stop()
	s.acc.EndTurn()
	s.transition(EventStop)
	s.autosave()
}

// endSession handles the end of the session from the remote side. A nil err
// is a clean close.
func (s *Service) endSession(err error) {
	s.gen++
	s.teardown()
	s.queue.Stop()
	s.acc.EndTurn()
	if err != nil {
		slog.Error("voicebot: session failed", "err", err)
		s.errMsg = "An error occurred: " + err.Error()
		s.transition(EventTransportError)
	} else {
		slog.Info("voicebot: session closed by remote")
		s.transition(EventTransportClose)
	}
	s.autosave()
	s.publish()
}

// teardown releases the active run and waits for its goroutines.
func (s *Service) teardown() {
	r := s.run
	if r == nil {
		return
	}
	s.run = nil
	r.cancel()
	r.release()
	_ = r.g.Wait()
	s.metrics.ActiveSessions.Add(s.ctx, -1)
	s.metrics.SessionDuration.Record(s.ctx, s.now().Sub(r.started).Seconds())
	slog.Info("conversation stopped", "duration", s.now().Sub(r.started).Round(time.Millisecond))
}

// transition applies e and reports whether the state changed.
func (s *Service) transition(e Event) bool {
	from, to, changed := s.machine.Apply(e)
	if changed {
		s.metrics.RecordStateTransition(s.ctx, from.String(), to.String())
		slog.Debug("state transition", "event", e, "from", from, "to", to)
	}
	return changed
}

// ── Inbound messages ─────────────────────────────────────────────────────────

// handleMessage applies one inbound message: tool calls first, then audio,
// then the transcription, then interruption, and turn completion last.
func (s *Service) handleMessage(r *run, m live.Message) {
	for _, call := range m.ToolCalls {
		s.handleToolCall(r, call)
	}

	if m.Audio != nil {
		select {
		case r.chunks <- pendingAudio{gen: s.queue.Generation(), audio: m.Audio}:
		case <-r.ctx.Done():
		}
	}

	switch {
	case m.OutputTranscription != nil:
		s.acc.Append(transcript.Bot, m.OutputTranscription.Text)
		s.transition(EventOutputTranscription)
	case m.InputTranscription != nil:
		s.acc.Append(transcript.User, m.InputTranscription.Text)
		s.transition(EventInputTranscription)
	}

	if m.Interrupted {
		s.queue.Stop()
		s.transition(EventInterrupted)
	}

	if m.TurnComplete {
		s.maybeGenerateTitle()
		s.acc.EndTurn()
		s.transition(EventTurnComplete)
		s.autosave()
	}

	if m.Audio == nil || len(m.ToolCalls) > 0 || m.OutputTranscription != nil ||
		m.InputTranscription != nil || m.Interrupted || m.TurnComplete {
		s.publish()
	}
}

func (s *Service) handleToolCall(r *run, call live.ToolCall) {
	resp := live.ToolResponse{ID: call.ID, Name: call.Name}
	var err error
	switch call.Name {
	case ToolChangeRobotColor:
		var color string
		if color, err = colorArg(call.Args); err == nil {
			s.conv.RobotColor = color
			resp.Response = toolResult("Color changed to " + color)
			slog.Info("robot color changed", "color", color)
			s.autosave()
		}
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}
	if err != nil {
		slog.Warn("voicebot: tool call rejected", "tool", call.Name, "err", err)
		resp.Response = toolError(err)
	}
	s.metrics.RecordToolCall(s.ctx, call.Name, err)

	r.g.Go(func() error {
		if err := r.sess.SendToolResponse(r.ctx, resp); err != nil && r.ctx.Err() == nil {
			slog.Warn("voicebot: send tool response", "tool", call.Name, "err", err)
		}
		return nil
	})
}

// ── Titles and persistence ───────────────────────────────────────────────────

func (s *Service) maybeGenerateTitle() {
	if s.titles == nil || s.titleRequested || s.conv.HasGeneratedTitle() {
		return
	}
	utterance := strings.TrimSpace(s.acc.Pending(transcript.User))
	if utterance == "" {
		return
	}
	s.titleRequested = true

	convID := s.conv.ID
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.titleWait)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "voicebot.title",
			trace.WithAttributes(attribute.String("provider", s.titles.Name())))
		start := time.Now()
		title, err := GenerateTitle(ctx, s.titles, utterance)
		observe.EndSpan(span, err)
		s.metrics.RecordTitleGeneration(ctx, time.Since(start), err)
		s.post(titleResult{convID: convID, title: title, err: err})
	}()
}

func (s *Service) finishTitle(m titleResult) {
	if m.err != nil {
		slog.Warn("voicebot: title generation failed", "conversation", m.convID, "err", m.err)
		return
	}
	if m.convID != s.conv.ID {
		return
	}
	s.conv.Title = m.title
	slog.Info("conversation titled", "id", s.conv.ID, "title", m.title)
	s.autosave()
	s.publish()
}

// autosave queues the current conversation for persistence. Conversations
// without any transcript are not saved.
func (s *Service) autosave() {
	if s.store == nil || s.acc.Len() == 0 {
		return
	}
	c := s.conv
	c.Transcript = s.acc.Entries()
	c.UpdatedAt = s.now()
	s.saver.offer(c)
}

func (s *Service) publish() {
	s.seq++
	st := s.machine.State()
	snap := &Snapshot{
		State:          st,
		Transcript:     s.acc.Entries(),
		Error:          s.errMsg,
		RobotColor:     s.conv.RobotColor,
		Title:          s.conv.Title,
		ConversationID: s.conv.ID,
		CanStop:        st == Connecting || st == Listening,
		Seq:            s.seq,
	}
	s.current.Store(snap)
	s.broker.Publish(*snap)
}
