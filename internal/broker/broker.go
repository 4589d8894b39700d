// Package broker implements the Session Broker (spec.md C5): the WebSocket
// endpoint that upgrades HTTP connections, enforces the origin allowlist and
// session limits, performs the connect handshake, and wires each accepted
// connection to a session.Session for the rest of its life. Shaped after the
// teacher's internal/ws/handler.go (websocket.Upgrader setup, one goroutine
// per connection reading frames in a loop) but rebuilt around session.Session
// as the single writer/state-machine instead of a mutex-guarded closure.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebroker/broker/internal/adapters"
	"github.com/voicebroker/broker/internal/errs"
	"github.com/voicebroker/broker/internal/metrics"
	"github.com/voicebroker/broker/internal/protocol"
	"github.com/voicebroker/broker/internal/session"
)

// settingsCacheTTL bounds how long a cached VoiceSettings entry is reused
// for a returning user_id before falling back to the wire defaults.
const settingsCacheTTL = 24 * time.Hour

// Defaults for Config fields left unset (spec.md §4.5, §7).
const (
	DefaultMaxSessions     = 100
	DefaultIdleTimeout     = 15 * time.Minute
	DefaultMaxTurnDuration = 60 * time.Second

	connectRetries       = 3
	connectRetryInterval = 50 * time.Millisecond

	readBufferSize  = 16384
	writeBufferSize = 16384
)

// Config tunes one Broker instance.
type Config struct {
	// AllowedOrigins is the Origin header allowlist. Empty allows every
	// origin, matching local/dev use; production deployments should set
	// this explicitly.
	AllowedOrigins []string

	MaxSessions int
	IdleTimeout time.Duration

	// Starter runs one turn end-to-end (the Turn Pipeline). It is
	// stateless across sessions, so one instance is shared by every
	// connection the broker accepts.
	Starter session.TurnStarter

	// Cache stores each user's VoiceSettings between connections
	// (spec.md §3: "persisted externally"). Optional; nil means every
	// session starts from DefaultSettings.
	Cache adapters.Cache

	// DefaultSettings seeds a session with no cached VoiceSettings. Zero
	// value resolves to protocol.DefaultVoiceSettings(); set this to carry
	// operator-tuned validator thresholds (broker.json) into every new
	// session's starting settings.
	DefaultSettings protocol.VoiceSettings

	Log *slog.Logger
}

// Broker is the WebSocket endpoint and session registry named in spec.md
// §4.5. One Broker serves arbitrarily many concurrent connections.
type Broker struct {
	cfg      Config
	registry *session.Registry
	upgrader websocket.Upgrader

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New constructs a Broker. cfg.Starter must be non-nil.
func New(cfg Config) *Broker {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.DefaultSettings == (protocol.VoiceSettings{}) {
		cfg.DefaultSettings = protocol.DefaultVoiceSettings()
	}

	b := &Broker{cfg: cfg, registry: session.NewRegistry()}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

// Registry exposes the broker's session table, e.g. for an admin/debug route.
func (b *Broker) Registry() *session.Registry { return b.registry }

func (b *Broker) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and blocks for the lifetime of the
// session. Register it under the voice WebSocket route.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.shuttingDown.Load() {
		http.Error(w, "broker shutting down", http.StatusServiceUnavailable)
		return
	}

	if b.registry.Count() >= b.cfg.MaxSessions {
		metrics.SessionsRejected.WithLabelValues("max_sessions").Inc()
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues("upgrade_failed").Inc()
		b.cfg.Log.Error("websocket upgrade failed", "error", err)
		return
	}

	b.wg.Add(1)
	defer b.wg.Done()
	b.runConnection(r.Context(), conn, r.URL.Query().Get("user_id"))
}

func (b *Broker) runConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	sessionID := uuid.NewString()
	tw := newTransportWriter(conn)

	if !b.handshake(tw, sessionID) {
		metrics.SessionsRejected.WithLabelValues("handshake_failed").Inc()
		_ = tw.Close()
		return
	}

	log := b.cfg.Log.With("session_id", sessionID)
	settings := b.loadSettings(ctx, userID)
	sess := session.New(sessionID, userID, settings, tw, b.cfg.Starter, log)
	if b.cfg.Cache != nil && userID != "" {
		sess.OnSettingsChanged(func(s protocol.VoiceSettings) { b.saveSettings(ctx, userID, s) })
	}

	b.registry.Insert(sess)
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	sess.Start()

	activity := newActivityTracker()
	idleCtx, stopIdle := context.WithCancel(ctx)
	go b.watchIdle(idleCtx, tw, activity)

	b.readLoop(ctx, conn, sess, activity, log)

	stopIdle()
	b.registry.Remove(sessionID)
	metrics.SessionsActive.Dec()
	sess.Shutdown()
	log.Info("session closed")
}

// handshake sends the connected frame, retrying on transient write failure
// (spec.md §4.5, §7: "retried up to 3 times with backoff").
func (b *Broker) handshake(tw *transportWriter, sessionID string) bool {
	data, err := json.Marshal(protocol.ConnectedData{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	frame, err := json.Marshal(protocol.Frame{Event: protocol.EventConnected, Data: data})
	if err != nil {
		return false
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(connectRetryInterval), connectRetries)
	op := func() error { return tw.WriteText(frame) }
	if err := backoff.Retry(op, policy); err != nil {
		b.cfg.Log.Error("connect handshake failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// readLoop pumps inbound text frames to the session until the connection
// closes or the broker is told to shut down. Binary frames are rejected
// per the protocol's text-only grammar.
func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, activity *activityTracker, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		activity.touch()

		if msgType != websocket.TextMessage {
			sess.EmitError(errs.ErrUnsupportedBinary, "transport", "binary frames are not supported")
			continue
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.EmitError(errs.ErrBadFrame, "transport", err.Error())
			continue
		}
		sess.HandleInbound(ctx, frame)

		if sess.State() == session.Closed {
			return
		}
	}
}

func settingsCacheKey(userID string) string { return "voicebroker:settings:" + userID }

// loadSettings fetches userID's last-saved VoiceSettings from the Cache
// adapter, falling back to the wire defaults on a miss, a cache error, or
// an empty/anonymous user_id.
func (b *Broker) loadSettings(ctx context.Context, userID string) protocol.VoiceSettings {
	defaults := b.cfg.DefaultSettings
	if b.cfg.Cache == nil || userID == "" {
		return defaults
	}
	raw, ok, err := b.cfg.Cache.Get(ctx, settingsCacheKey(userID))
	if err != nil {
		b.cfg.Log.Warn("settings cache get failed", "user_id", userID, "error", err)
		return defaults
	}
	if !ok {
		return defaults
	}
	var settings protocol.VoiceSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		b.cfg.Log.Warn("cached settings unmarshal failed", "user_id", userID, "error", err)
		return defaults
	}
	return settings
}

func (b *Broker) saveSettings(ctx context.Context, userID string, settings protocol.VoiceSettings) {
	data, err := json.Marshal(settings)
	if err != nil {
		return
	}
	if err := b.cfg.Cache.Put(ctx, settingsCacheKey(userID), data, settingsCacheTTL); err != nil {
		b.cfg.Log.Warn("settings cache put failed", "user_id", userID, "error", err)
	}
}

func (b *Broker) watchIdle(ctx context.Context, tw *transportWriter, activity *activityTracker) {
	interval := b.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(activity.last()) >= b.cfg.IdleTimeout {
				_ = tw.Close()
				return
			}
		}
	}
}

// Shutdown makes ServeHTTP refuse new connections, sends every registered
// session a disconnect error and shuts it down (closing its transport), then waits for in-flight
// connections to unwind (spec.md §4.5: "graceful shutdown drains active
// sessions").
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shuttingDown.Store(true)
	for _, sess := range b.registry.All() {
		sess.EmitError(errs.ErrDisconnect, "broker", "server is shutting down")
		sess.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type activityTracker struct {
	nanos atomic.Int64
}

func newActivityTracker() *activityTracker {
	a := &activityTracker{}
	a.touch()
	return a
}

func (a *activityTracker) touch() { a.nanos.Store(time.Now().UnixNano()) }
func (a *activityTracker) last() time.Time {
	return time.Unix(0, a.nanos.Load())
}
