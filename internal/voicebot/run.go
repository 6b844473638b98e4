package voicebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sparky/internal/observe"
	"github.com/MrWong99/sparky/internal/resilience"
	"github.com/MrWong99/sparky/pkg/audio"
	"github.com/MrWong99/sparky/pkg/audio/playback"
	"github.com/MrWong99/sparky/pkg/provider/live"
)

// defaultPlaybackFormat is assumed for inline audio whose MIME type carried
// no usable rate.
var defaultPlaybackFormat = audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1}

// run is one live session: the transport, the microphone and the goroutines
// moving audio between them. A run is created by connect and owned by the
// loop from the moment its startResult is accepted.
type run struct {
	gen     uint64
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	sess live.Session
	mic  *audio.MicrophoneSession

	// out carries encoded capture packets to the sender.
	out     chan audio.Packet
	warned  atomic.Bool
	breaker *resilience.CircuitBreaker

	// chunks carries inline audio to the decoder in arrival order.
	chunks chan pendingAudio
}

// pendingAudio is inline audio tagged with the playback generation that was
// current when it arrived. Audio from before an interruption is discarded.
type pendingAudio struct {
	gen   uint64
	audio *live.InlineAudio
}

// release stops the microphone and closes the session. It is safe to call
// more than once.
func (r *run) release() {
	r.cancel()
	if err := r.mic.Stop(); err != nil {
		slog.Warn("voicebot: stop microphone", "err", err)
	}
	if r.sess != nil {
		if err := r.sess.Close(); err != nil && !errors.Is(err, live.ErrSessionClosed) {
			slog.Warn("voicebot: close session", "err", err)
		}
	}
}

// connect opens the live session and then the microphone, and reports the
// outcome to the loop. If the start is aborted while connecting, whatever was
// acquired is released by the loop when it discards the stale result.
func (s *Service) connect(ctx context.Context, gen uint64, cfg live.SessionConfig) {
	ctx, span := observe.StartSpan(ctx, "voicebot.connect",
		trace.WithAttributes(attribute.String("provider", s.live.Name())))
	r, err := s.open(ctx, gen, cfg)
	observe.EndSpan(span, err)
	if err != nil {
		s.post(startResult{gen: gen, err: err})
		return
	}
	if !s.post(startResult{gen: gen, run: r}) {
		r.release()
	}
}

// open acquires the session and the microphone of a new run. Nothing stays
// acquired when it fails.
func (s *Service) open(ctx context.Context, gen uint64, cfg live.SessionConfig) (*run, error) {
	sess, err := s.live.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.live.Name(), err)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	r := &run{
		gen:     gen,
		started: s.now(),
		ctx:     runCtx,
		cancel:  cancel,
		sess:    sess,
		out:     make(chan audio.Packet, s.sendBuffer),
		chunks:  make(chan pendingAudio, decodeQueueSize),
		breaker: resilience.NewCircuitBreaker(s.breaker),
	}

	// The device's own goroutines follow the service lifetime; the mic
	// session is stopped explicitly on teardown.
	r.mic, err = s.mic.Start(s.ctx, s.captureHandler(r))
	if err != nil {
		r.release()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		r.release()
		return nil, err
	}
	return r, nil
}

// launch starts the session goroutines of r.
func (s *Service) launch(r *run) {
	g, ctx := errgroup.WithContext(r.ctx)
	r.g = g
	g.Go(func() error { return s.send(ctx, r) })
	g.Go(func() error { return s.pump(ctx, r) })
	g.Go(func() error { return s.decode(ctx, r) })
}

// postRun is post for session goroutines: it also gives up when the run is
// torn down, since the loop may be waiting for them to exit.
func (s *Service) postRun(r *run, m any) {
	select {
	case s.inbox <- m:
	case <-r.ctx.Done():
	case <-s.done:
	}
}

// captureHandler returns the microphone callback for r. It never blocks: when
// the send buffer is full the packet is dropped and the user is warned once
// per session.
func (s *Service) captureHandler(r *run) audio.FrameHandler {
	return func(frame audio.AudioFrame) {
		p := audio.EncodePacket(frame)
		select {
		case r.out <- p:
		default:
			s.metrics.PacketsDropped.Add(r.ctx, 1)
			if r.warned.CompareAndSwap(false, true) {
				s.bg.Add(1)
				go func() {
					defer s.bg.Done()
					s.postRun(r, dropWarning{gen: r.gen})
				}()
			}
		}
	}
}

// ── Session goroutines ───────────────────────────────────────────────────────

// send forwards capture packets to the session through the circuit breaker.
// Once the breaker opens the session is considered broken.
func (s *Service) send(ctx context.Context, r *run) error {
	provider := s.live.Name()
	for {
		var p audio.Packet
		select {
		case <-ctx.Done():
			return nil
		case p = <-r.out:
		}

		err := r.breaker.Execute(func() error { return r.sess.SendAudio(ctx, p) })
		if err == nil {
			s.metrics.PacketsSent.Add(ctx, 1)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.RecordSendError(ctx, provider)
		slog.Debug("voicebot: send audio", "err", err)
		if r.breaker.State() == resilience.StateOpen {
			s.postRun(r, sendFailed{gen: r.gen, err: err})
			return nil
		}
	}
}

// pump forwards inbound session messages to the loop in arrival order and
// reports the end of the stream.
func (s *Service) pump(ctx context.Context, r *run) error {
	msgs := r.sess.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				s.postRun(r, sessionEnded{gen: r.gen, err: r.sess.Err()})
				return nil
			}
			s.postRun(r, inbound{gen: r.gen, msg: m})
		}
	}
}

// decode turns inline audio into chunks and queues them for playback. A
// payload that fails to decode is skipped, and one whose playback generation
// was stopped while it waited is dropped.
func (s *Service) decode(ctx context.Context, r *run) error {
	for {
		var p pendingAudio
		select {
		case <-ctx.Done():
			return nil
		case p = <-r.chunks:
		}
		a := p.audio

		format := a.Format
		if !format.Valid() {
			format = defaultPlaybackFormat
		}
		chunk, err := audio.DecodeBase64Chunk(a.Data, format)
		if err != nil {
			s.metrics.ChunkDecodeErrors.Add(ctx, 1)
			slog.Warn("voicebot: skipping undecodable audio", "mime", a.MIMEType, "err", err)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		start, err := s.queue.AddIfCurrent(p.gen, chunk)
		if errors.Is(err, playback.ErrStale) {
			slog.Debug("voicebot: dropping audio from before an interruption")
			continue
		}
		if err != nil {
			slog.Warn("voicebot: schedule audio", "err", err)
			continue
		}
		s.metrics.ChunksScheduled.Add(ctx, 1)
		s.metrics.PlaybackLead.Record(ctx, max(start-s.out.Now(), 0).Seconds())
	}
}
