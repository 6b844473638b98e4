package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/sparky/internal/api"
	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/health"
	"github.com/MrWong99/sparky/internal/transcript"
	"github.com/MrWong99/sparky/internal/voicebot"
)

// fakeBot is a scriptable [api.Bot].
type fakeBot struct {
	mu       sync.Mutex
	snap     voicebot.Snapshot
	startErr error
	stopErr  error
	loaded   []conversation.Conversation
	news     int
	broker   *voicebot.Broker[voicebot.Snapshot]
}

func newFakeBot() *fakeBot {
	b := &fakeBot{
		snap:   voicebot.Snapshot{State: voicebot.Idle, Title: conversation.DefaultTitle, RobotColor: conversation.DefaultRobotColor, Seq: 1},
		broker: voicebot.NewBroker[voicebot.Snapshot](),
	}
	b.broker.Publish(b.snap)
	return b
}

func (b *fakeBot) set(fn func(*voicebot.Snapshot)) {
	b.mu.Lock()
	fn(&b.snap)
	b.snap.Seq++
	s := b.snap
	b.mu.Unlock()
	b.broker.Publish(s)
}

func (b *fakeBot) Snapshot() voicebot.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

func (b *fakeBot) Subscribe(buffer int) (<-chan voicebot.Snapshot, func()) {
	return b.broker.Subscribe(buffer)
}

func (b *fakeBot) Start(context.Context) error {
	b.mu.Lock()
	err := b.startErr
	b.mu.Unlock()
	if err != nil {
		if !errors.Is(err, voicebot.ErrSessionActive) {
			b.set(func(s *voicebot.Snapshot) { s.Error = "Failed to start conversation: " + err.Error() })
		}
		return err
	}
	b.set(func(s *voicebot.Snapshot) { s.State = voicebot.Listening; s.CanStop = true })
	return nil
}

func (b *fakeBot) Stop(context.Context) error {
	b.mu.Lock()
	err := b.stopErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	b.set(func(s *voicebot.Snapshot) { s.State = voicebot.Idle; s.CanStop = false })
	return nil
}

func (b *fakeBot) LoadConversation(_ context.Context, c conversation.Conversation) error {
	b.mu.Lock()
	b.loaded = append(b.loaded, c)
	b.mu.Unlock()
	b.set(func(s *voicebot.Snapshot) {
		s.ConversationID = c.ID
		s.Title = c.Title
		s.Transcript = c.Transcript
	})
	return nil
}

func (b *fakeBot) NewConversation(context.Context) error {
	b.mu.Lock()
	b.news++
	b.mu.Unlock()
	b.set(func(s *voicebot.Snapshot) { s.ConversationID = uuid.NewString(); s.Transcript = nil })
	return nil
}

func newServer(t *testing.T, bot *fakeBot, store conversation.Store, opts ...api.Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(api.New(bot, store, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func TestState(t *testing.T) {
	t.Parallel()
	bot := newFakeBot()
	srv := newServer(t, bot, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/state")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	raw := decode[map[string]any](t, body)
	if raw["state"] != "idle" || raw["robotColor"] != conversation.DefaultRobotColor || raw["canStop"] != false {
		t.Errorf("body = %s", body)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		startErr   error
		wantStatus int
		wantState  voicebot.State
		wantError  string
	}{
		{name: "ok", wantStatus: http.StatusOK, wantState: voicebot.Listening},
		{name: "already active", startErr: voicebot.ErrSessionActive, wantStatus: http.StatusConflict, wantError: voicebot.ErrSessionActive.Error()},
		{name: "canceled", startErr: voicebot.ErrStartCanceled, wantStatus: http.StatusConflict, wantError: voicebot.ErrStartCanceled.Error()},
		{name: "closed", startErr: voicebot.ErrClosed, wantStatus: http.StatusServiceUnavailable, wantError: voicebot.ErrClosed.Error()},
		{name: "connect failure", startErr: errors.New("bad key"), wantStatus: http.StatusBadGateway, wantState: voicebot.Idle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bot := newFakeBot()
			bot.startErr = tt.startErr
			srv := newServer(t, bot, nil)

			resp, body := do(t, http.MethodPost, srv.URL+"/api/start")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantError != "" {
				if got := decode[map[string]string](t, body)["error"]; got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
				return
			}
			snap := decode[voicebot.Snapshot](t, body)
			if snap.State != tt.wantState {
				t.Errorf("state = %s, want %s", snap.State, tt.wantState)
			}
			if tt.startErr != nil && !strings.Contains(snap.Error, "bad key") {
				t.Errorf("snapshot error = %q", snap.Error)
			}
		})
	}

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		bot := newFakeBot()
		srv := newServer(t, bot, nil)
		do(t, http.MethodPost, srv.URL+"/api/start")

		resp, body := do(t, http.MethodPost, srv.URL+"/api/stop")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if snap := decode[voicebot.Snapshot](t, body); snap.State != voicebot.Idle {
			t.Errorf("state = %s", snap.State)
		}

		bot.mu.Lock()
		bot.stopErr = voicebot.ErrClosed
		bot.mu.Unlock()
		if resp, _ := do(t, http.MethodPost, srv.URL+"/api/stop"); resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("stop after close status = %d", resp.StatusCode)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		t.Parallel()
		srv := newServer(t, newFakeBot(), nil)
		if resp, _ := do(t, http.MethodGet, srv.URL+"/api/start"); resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("GET /api/start = %d", resp.StatusCode)
		}
	})
}

func TestConversations(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemoryStore()
	saved := conversation.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	saved.Title = "Robot Colors"
	saved.Transcript = []transcript.Entry{{Speaker: transcript.User, Text: "Make it red"}}
	if err := store.Save(context.Background(), saved); err != nil {
		t.Fatal(err)
	}

	bot := newFakeBot()
	srv := newServer(t, bot, store)

	t.Run("list", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, srv.URL+"/api/conversations")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		list := decode[[]conversation.Summary](t, body)
		if len(list) != 1 || list[0].ID != saved.ID || list[0].Title != "Robot Colors" {
			t.Errorf("list = %+v", list)
		}
	})

	t.Run("get", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, srv.URL+"/api/conversations/"+saved.ID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if c := decode[conversation.Conversation](t, body); len(c.Transcript) != 1 {
			t.Errorf("conversation = %+v", c)
		}
	})

	t.Run("load", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/api/conversations/"+saved.ID+"/load")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d (%s)", resp.StatusCode, body)
		}
		snap := decode[voicebot.Snapshot](t, body)
		if snap.ConversationID != saved.ID || snap.Title != "Robot Colors" {
			t.Errorf("snapshot = %+v", snap)
		}
		bot.mu.Lock()
		defer bot.mu.Unlock()
		if len(bot.loaded) != 1 || len(bot.loaded[0].Transcript) != 1 {
			t.Errorf("loaded = %+v", bot.loaded)
		}
	})

	t.Run("load unknown", func(t *testing.T) {
		resp, _ := do(t, http.MethodPost, srv.URL+"/api/conversations/"+uuid.NewString()+"/load")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("new", func(t *testing.T) {
		resp, body := do(t, http.MethodPost, srv.URL+"/api/conversations")
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if snap := decode[voicebot.Snapshot](t, body); snap.ConversationID == saved.ID || snap.ConversationID == "" {
			t.Errorf("new conversation id = %q", snap.ConversationID)
		}
		bot.mu.Lock()
		defer bot.mu.Unlock()
		if bot.news != 1 {
			t.Errorf("NewConversation calls = %d", bot.news)
		}
	})
}

func TestConversations_NoStore(t *testing.T) {
	t.Parallel()
	srv := newServer(t, newFakeBot(), nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/conversations")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/api/conversations/x/load"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("load = %d", resp.StatusCode)
	}
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	hc := health.New([]health.Checker{{Name: "store", Check: func(context.Context) error { return nil }}})
	srv := newServer(t, newFakeBot(), nil, api.WithHealth(hc), api.WithMetricsHandler(metrics))

	if resp, body := do(t, http.MethodGet, srv.URL+"/metrics"); resp.StatusCode != http.StatusOK || string(body) != "# metrics\n" {
		t.Errorf("/metrics = %d %q", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d", resp.StatusCode)
	}

	bare := newServer(t, newFakeBot(), nil)
	if resp, _ := do(t, http.MethodGet, bare.URL+"/metrics"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unmounted /metrics = %d", resp.StatusCode)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	bot := newFakeBot()
	srv := newServer(t, bot, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var first voicebot.Snapshot
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first.State != voicebot.Idle || first.Seq != 1 {
		t.Errorf("first event = %+v", first)
	}

	if err := bot.Start(ctx); err != nil {
		t.Fatal(err)
	}
	var next voicebot.Snapshot
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatal(err)
	}
	if next.State != voicebot.Listening || next.Seq != 2 {
		t.Errorf("next event = %+v", next)
	}

	bot.broker.Close()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v (%v)", websocket.CloseStatus(err), err)
	}
}
