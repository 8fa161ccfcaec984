package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicelive-relay/config"
	"github.com/room4-2/voicelive-relay/messages"
	"github.com/room4-2/voicelive-relay/session"
)

// RelayPath is the browser-facing Voice Live endpoint.
const RelayPath = "/api/voicelive/ws"

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

func NewServer(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout: they would cut long-lived websocket
		// sessions. Each session sets its own write deadlines.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(RelayPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 Voice Live relay starting on port %d", s.config.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%d%s", s.config.Port, RelayPath)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	relay, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		// Missing Azure configuration or session limit: tell the browser why,
		// then close instead of leaving the socket open.
		log.Printf("Failed to create session: %v", err)
		if data, encErr := messages.NewSessionFailedEvent(err).Encode(); encErr == nil {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Voice Live unavailable"))
		conn.Close()
		return
	}

	log.Printf("✅ New session created: %s", relay.ID)

	relay.Start()

	<-relay.Done()

	if err := s.sessionManager.RemoveSession(context.WithoutCancel(r.Context()), relay.ID); err != nil {
		log.Printf("⚠️ Failed to remove session %s: %v", relay.ID, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}

func originAllowed(allowed []string, origin string) bool {
	// Non-browser clients send no Origin header
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
