// Package server exposes the voice console over HTTP: a WebSocket endpoint
// that browsers connect to, and a clip endpoint serving WAV recordings of
// completed assistant replies.
//
// Each accepted WebSocket spawns one [console.Console] wired to a fresh
// realtime model session and avatar transport. The connection itself acts as
// the console's audio device: playback frames go out as base64 deltas,
// microphone frames come back as binary messages, and playback-progress marks
// from the client anchor barge-in truncation.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parlancehq/parlance/internal/console"
	"github.com/parlancehq/parlance/internal/observe"
	"github.com/parlancehq/parlance/internal/pipeline"
	"github.com/parlancehq/parlance/pkg/avatar"
	"github.com/parlancehq/parlance/pkg/realtime"
)

// Config wires a [Server].
type Config struct {
	// Realtime connects model sessions for accepted consoles.
	Realtime realtime.Client

	// Session is the session configuration passed to every Connect.
	Session realtime.SessionConfig

	// Peer produces one avatar peer per console connection.
	Peer func() avatar.Peer

	// AvatarSampleRate is the rate avatar audio is resampled to.
	// Zero keeps the transport default.
	AvatarSampleRate int

	// AllowedOrigins lists the Origin values allowed to open a console
	// WebSocket, as full origins or bare hosts. Empty enforces same-origin; a
	// "*" entry allows any origin and is meant for development configs.
	AllowedOrigins []string

	// FeedOptions tune each console's delta pipeline.
	FeedOptions []pipeline.FeedOption

	// Clips stores playback clips of completed assistant items and serves
	// them over HTTP. Defaults to an in-memory store of DefaultMaxClips.
	Clips *ClipStore

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server accepts browser consoles and runs one conversation per connection.
type Server struct {
	realtime   realtime.Client
	sessCfg    realtime.SessionConfig
	peer       func() avatar.Peer
	avatarRate int
	feedOpts   []pipeline.FeedOption
	clips      *ClipStore
	log        *slog.Logger
	metrics    *observe.Metrics
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*consoleSession
	closed   bool
}

// New validates cfg and assembles a server. The realtime client and peer
// factory are the two dependencies nothing can default.
func New(cfg Config) (*Server, error) {
	if cfg.Realtime == nil {
		return nil, errors.New("server: realtime client is required")
	}
	if cfg.Peer == nil {
		return nil, errors.New("server: avatar peer factory is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	clips := cfg.Clips
	if clips == nil {
		clips = NewClipStore(DefaultMaxClips, log)
	}

	return &Server{
		realtime:   cfg.Realtime,
		sessCfg:    cfg.Session,
		peer:       cfg.Peer,
		avatarRate: cfg.AvatarSampleRate,
		feedOpts:   cfg.FeedOptions,
		clips:      clips,
		log:        log,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		sessions: make(map[string]*consoleSession),
	}, nil
}

// Register mounts the console endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle(clipRoute, s.clips)
}

// Clips exposes the server's clip store.
func (s *Server) Clips() *ClipStore { return s.clips }

// SessionCount reports how many consoles are currently connected.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops accepting consoles and tears down every live session. Handler
// goroutines observe their connection closing and unwind on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	live := make([]*consoleSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		live = append(live, cs)
	}
	s.mu.Unlock()

	for _, cs := range live {
		cs.close()
	}
	return nil
}

func (s *Server) addSession(cs *consoleSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[cs.id] = cs
	return true
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// handleWS runs one console conversation for the life of the WebSocket. It
// connects the model session and avatar transport, assembles the console, and
// pumps until any side — client socket, model stream, or server shutdown —
// ends the party.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := uuid.NewString()
	log := s.log.With("session_id", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "console.session")
	defer span.End()

	sess, err := s.realtime.Connect(ctx, s.sessCfg)
	if err != nil {
		log.Error("realtime connect failed", "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "model session unavailable")
		return
	}

	var transportOpts []avatar.Option
	if s.avatarRate > 0 {
		transportOpts = append(transportOpts, avatar.WithSampleRate(s.avatarRate))
	}
	transportOpts = append(transportOpts, avatar.WithLogger(log))
	transport := avatar.NewTransport(s.peer(), transportOpts...)
	if err := transport.Start(ctx); err != nil {
		log.Error("avatar transport start failed", "error", err)
		_ = sess.Close()
		closeWith(conn, websocket.CloseInternalServerErr, "avatar unavailable")
		return
	}

	cs := newConsoleSession(sessionID, conn, log, s.metrics)
	if !s.addSession(cs) {
		_ = transport.Close()
		_ = sess.Close()
		closeWith(conn, websocket.CloseGoingAway, "server is shutting down")
		return
	}
	defer s.removeSession(sessionID)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	feedOpts := append([]pipeline.FeedOption{
		pipeline.WithRates(realtime.ModelSampleRate, transport.SampleRate()),
	}, s.feedOpts...)

	c := console.New(console.Config{
		Session:     sess,
		Avatar:      transport,
		Device:      cs,
		Clips:       s.clips,
		FeedOptions: feedOpts,
		Logger:      log,
		Metrics:     s.metrics,
		OnTurnState: cs.sendTurnState,
		OnItems: func(items []realtime.Item) {
			cs.sendItems(items, s.clips)
		},
		OnClip:  cs.sendClipReady,
		OnError: cs.sendError,
	})

	log.Info("console connected",
		"remote", r.RemoteAddr,
		"turn_detection", c.TurnDetection(),
		"avatar_rate", transport.SampleRate(),
	)
	cs.sendSessionReady(string(c.TurnDetection()))

	// ReadMessage does not observe ctx; closing the connection is what
	// unblocks it when another pump exits first.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	// Any pump exiting — error or not — must unwind the rest, so each one
	// cancels on return rather than relying on errgroup's error-only cancel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return cs.writePump(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return cs.readPump(gctx, c)
	})
	g.Go(func() error {
		defer cancel()
		return cs.micPump(gctx, c)
	})
	g.Go(func() error {
		defer cancel()
		if err := c.Run(gctx); err != nil {
			return fmt.Errorf("server: console session: %w", err)
		}
		return nil
	})

	err = g.Wait()
	_ = c.Close()
	_ = transport.Close()
	cs.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("console disconnected", "error", err)
		return
	}
	log.Info("console disconnected")
}

// originChecker builds the WebSocket upgrade origin check. A nil return keeps
// the upgrader's same-origin default. Requests without an Origin header are
// non-browser clients and always pass, matching the upgrader's own behavior.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}

	allowAll := false
	origins := make(map[string]bool, len(allowed))
	hosts := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSuffix(a, "/"))
		if a == "*" {
			allowAll = true
			continue
		}
		origins[a] = true
		if u, err := url.Parse(a); err == nil && u.Host != "" {
			hosts[u.Host] = true
		} else {
			hosts[a] = true
		}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if origins[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[u.Host]
	}
}

// closeWith sends a close frame explaining the refusal, then drops the
// connection.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}
