package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebroker/broker/internal/adapters"
	"github.com/voicebroker/broker/internal/protocol"
	"github.com/voicebroker/broker/internal/session"
)

type noopStarter struct{}

func (noopStarter) StartTurn(ctx context.Context, sess *session.Session, buf []byte, format protocol.AudioFormat, sampleRate int) {
	sess.EndTurn(ctx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroker_CheckOrigin(t *testing.T) {
	b := New(Config{Starter: noopStarter{}, Log: testLogger()})
	if !b.checkOrigin(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("empty allowlist must allow every origin")
	}

	b = New(Config{Starter: noopStarter{}, Log: testLogger(), AllowedOrigins: []string{"https://allowed.example"}})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://allowed.example")
	if !b.checkOrigin(req) {
		t.Fatalf("expected allowed origin to pass")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if b.checkOrigin(req) {
		t.Fatalf("expected disallowed origin to fail")
	}
}

func TestBroker_LoadSaveSettings(t *testing.T) {
	cache := adapters.NewInMemoryCache()
	b := New(Config{Starter: noopStarter{}, Log: testLogger(), Cache: cache})
	ctx := context.Background()

	if got := b.loadSettings(ctx, "u1"); got != protocol.DefaultVoiceSettings() {
		t.Fatalf("expected defaults on cache miss, got %+v", got)
	}

	custom := protocol.DefaultVoiceSettings()
	custom.VADThreshold = 0.2
	b.saveSettings(ctx, "u1", custom)

	got := b.loadSettings(ctx, "u1")
	if got.VADThreshold != 0.2 {
		t.Fatalf("expected saved settings to round-trip, got %+v", got)
	}
}

func TestBroker_LoadSettingsNoCacheOrAnonymous(t *testing.T) {
	b := New(Config{Starter: noopStarter{}, Log: testLogger()})
	if got := b.loadSettings(context.Background(), "u1"); got != protocol.DefaultVoiceSettings() {
		t.Fatalf("expected defaults with nil cache, got %+v", got)
	}

	cache := adapters.NewInMemoryCache()
	b2 := New(Config{Starter: noopStarter{}, Log: testLogger(), Cache: cache})
	if got := b2.loadSettings(context.Background(), ""); got != protocol.DefaultVoiceSettings() {
		t.Fatalf("expected defaults for anonymous user, got %+v", got)
	}
}

func TestBroker_HandshakeAndPingPong(t *testing.T) {
	b := New(Config{Starter: noopStarter{}, Log: testLogger()})
	srv := httptest.NewServer(b)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var connected protocol.Frame
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	if connected.Event != protocol.EventConnected {
		t.Fatalf("expected connected frame first, got %q", connected.Event)
	}

	ping, _ := json.Marshal(protocol.Frame{Event: protocol.EventPing, Data: mustJSON(t, protocol.PingData{TS: 7})})
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong protocol.Frame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Event != protocol.EventPong {
		t.Fatalf("expected pong frame, got %q", pong.Event)
	}
}

func TestBroker_RejectsOverMaxSessions(t *testing.T) {
	b := New(Config{Starter: noopStarter{}, Log: testLogger(), MaxSessions: 1})
	b.registry.Insert(session.New("existing", "", protocol.DefaultVoiceSettings(), nil, noopStarter{}, testLogger()))

	srv := httptest.NewServer(b)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail once at capacity")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
