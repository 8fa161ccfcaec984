package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicelive-relay/config"
	"github.com/room4-2/voicelive-relay/events"
	"github.com/room4-2/voicelive-relay/voicelive"
)

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		MaxSessions:         1,
		SessionTimeout:      time.Minute,
		AzureSpeechEndpoint: endpoint,
		AzureSpeechKey:      testKey,
		VoiceLiveAPIVersion: config.DefaultVoiceLiveAPIVersion,
		VoiceLiveModel:      config.DefaultVoiceLiveModel,
		VoiceName:           config.DefaultVoiceName,
		Instructions:        "test",
	}
}

// clientConns returns server-side websocket conns for n dialed clients.
func clientConns(t *testing.T, n int) []*websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, n)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	out := make([]*websocket.Conn, 0, n)
	for i := 0; i < n; i++ {
		c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		select {
		case sc := <-conns:
			t.Cleanup(func() { sc.Close() })
			out = append(out, sc)
		case <-time.After(2 * time.Second):
			t.Fatal("upgrade timed out")
		}
	}
	return out
}

func TestManager_EnforcesMaxSessions(t *testing.T) {
	sm, err := NewManager(testConfig("https://example.cognitiveservices.azure.com"), events.Nop{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	conns := clientConns(t, 2)

	first, err := sm.CreateSession(context.Background(), conns[0])
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	if _, err := sm.CreateSession(context.Background(), conns[1]); !errors.Is(err, ErrMaxSessions) {
		t.Fatalf("err=%v want ErrMaxSessions", err)
	}
	if sm.GetActiveSessionCount() != 1 {
		t.Fatalf("count=%d", sm.GetActiveSessionCount())
	}

	if err := sm.RemoveSession(context.Background(), first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := sm.GetSession(first.ID); ok {
		t.Fatal("session still registered")
	}
	if !first.IsClosed() {
		t.Fatal("removed session not closed")
	}
}

func TestManager_ConfigurationErrorIsReturned(t *testing.T) {
	cfg := testConfig("")
	sm, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	conns := clientConns(t, 1)

	_, err = sm.CreateSession(context.Background(), conns[0])
	if !errors.Is(err, voicelive.ErrMissingEndpoint) {
		t.Fatalf("err=%v want ErrMissingEndpoint", err)
	}
	if sm.GetActiveSessionCount() != 0 {
		t.Fatal("failed session was registered")
	}
}

func TestManager_CleanupClosesIdleSessions(t *testing.T) {
	cfg := testConfig("https://example.cognitiveservices.azure.com")
	cfg.MaxSessions = 0
	sm, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	conns := clientConns(t, 2)

	idle, err := sm.CreateSession(context.Background(), conns[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active, err := sm.CreateSession(context.Background(), conns[1])
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	sm.CleanupInactiveSessions(context.Background())

	if !idle.IsClosed() {
		t.Fatal("idle session left open")
	}
	if active.IsClosed() {
		t.Fatal("active session closed")
	}
	if _, ok := sm.GetSession(active.ID); !ok {
		t.Fatal("active session dropped from registry")
	}

	sm.Shutdown()
	if !active.IsClosed() || sm.GetActiveSessionCount() != 0 {
		t.Fatal("shutdown left sessions open")
	}
}

func TestManager_SetUpstreamRoutesNewSessions(t *testing.T) {
	// no endpoint configured: only the injected upstream can succeed
	sm, err := NewManager(testConfig(""), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(sm.Shutdown)

	fake := newFakeVoiceLive(t, false)
	t.Cleanup(fake.srv.Close)
	sm.SetUpstream(&voicelive.Dialer{
		Credentials: staticCredentials{endpoint: fake.srv.URL, key: testKey},
		APIVersion:  config.DefaultVoiceLiveAPIVersion,
		Model:       config.DefaultVoiceLiveModel,
	})

	conns := clientConns(t, 1)
	rs, err := sm.CreateSession(context.Background(), conns[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rs.Start()

	up := fake.accept(t)
	defer up.Close()
	_ = up.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := up.ReadMessage(); err != nil {
		t.Fatalf("read session.update: %v", err)
	}
	waitFor(t, "relaying state", func() bool { return rs.State() == Relaying })
}

func TestStatusFor(t *testing.T) {
	cases := map[string]State{
		events.SessionOpened: AwaitingUpstream,
		events.SessionReady:  Relaying,
		events.SessionClosed: Closed,
	}
	for event, want := range cases {
		if got := statusFor(event); got != want.String() {
			t.Errorf("statusFor(%q)=%q want %q", event, got, want.String())
		}
	}
}
