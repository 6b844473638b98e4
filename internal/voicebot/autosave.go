package voicebot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/observe"
)

const saveTimeout = 5 * time.Second

// autosaver persists conversations off the service loop. Offers coalesce:
// when saves fall behind only the most recent version of the conversation is
// written.
type autosaver struct {
	store   conversation.Store
	metrics *observe.Metrics

	mu      sync.Mutex
	next    *conversation.Conversation
	wake    chan struct{}
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newAutosaver(store conversation.Store, m *observe.Metrics) *autosaver {
	return &autosaver{
		store:   store,
		metrics: m,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// offer schedules c for saving, replacing any version not yet written.
func (a *autosaver) offer(c conversation.Conversation) {
	if a.store == nil {
		return
	}
	a.mu.Lock()
	a.next = &c
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *autosaver) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.wake:
			a.flush()
		case <-a.quit:
			a.flush()
			return
		}
	}
}

func (a *autosaver) flush() {
	a.mu.Lock()
	c := a.next
	a.next = nil
	a.mu.Unlock()
	if c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	err := a.store.Save(ctx, *c)
	a.metrics.RecordSave(ctx, err)
	if err != nil {
		slog.Error("voicebot: autosave failed", "conversation", c.ID, "err", err)
		return
	}
	slog.Debug("conversation saved", "id", c.ID, "entries", len(c.Transcript))
}

// close writes any pending conversation and stops the saver. It is
// idempotent.
func (a *autosaver) close() {
	a.once.Do(func() { close(a.quit) })
	<-a.stopped
}
