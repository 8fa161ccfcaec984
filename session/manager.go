package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/voicelive-relay/config"
	"github.com/room4-2/voicelive-relay/events"
	"github.com/room4-2/voicelive-relay/voicelive"
)

const (
	activeSessionsKey = "voicelive:active_sessions"
	redisOpTimeout    = 2 * time.Second
)

var ErrMaxSessions = errors.New("maximum sessions reached")

// Manager manages all relay sessions
type Manager struct {
	sessions map[string]*RelaySession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	upstream Upstream
	notifier Notifier
}

// NewManager creates a session manager. Redis is optional: when it is not
// configured or not reachable, sessions are tracked in memory only.
func NewManager(cfg *config.Config, notifier Notifier) (*Manager, error) {
	var redisClient *redis.Client

	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("⚠️ Redis unavailable at %s, tracking sessions in memory only: %v", cfg.RedisURL, err)
			redisClient.Close()
			redisClient = nil
		}
	}

	return &Manager{
		sessions: make(map[string]*RelaySession),
		redis:    redisClient,
		config:   cfg,
		upstream: &voicelive.Dialer{
			Credentials: cfg,
			APIVersion:  cfg.VoiceLiveAPIVersion,
			Model:       cfg.VoiceLiveModel,
		},
		notifier: notifier,
	}, nil
}

// SetUpstream replaces the Voice Live dialer.
func (sm *Manager) SetUpstream(u Upstream) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.upstream = u
}

// CreateSession creates a new relay session for an accepted client socket.
// The caller starts it.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*RelaySession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	opts := Options{
		Upstream:        sm.upstream,
		VoiceName:       sm.config.VoiceName,
		Instructions:    sm.config.Instructions,
		KeepAlivePeriod: sm.config.KeepAlivePeriod,
		Notifier:        sm,
	}
	if sm.config.BufferEarlyAudio {
		opts.EarlyAudioBytes = sm.config.MaxBufferSize
	}

	session, err := NewRelaySession(uuid.New().String(), clientConn, opts)
	if err != nil {
		return nil, err
	}

	sm.storeSession(ctx, session)
	return session, nil
}

// storeSession saves a session to memory and Redis
func (sm *Manager) storeSession(ctx context.Context, session *RelaySession) {
	sm.sessions[session.ID] = session

	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
		defer cancel()

		key := sessionKey(session.ID)
		pipe := sm.redis.TxPipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity().Format(time.RFC3339),
			"status":        AwaitingUpstream.String(),
			"remote_addr":   session.ClientConn.RemoteAddr().String(),
		})
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		pipe.SAdd(ctx, activeSessionsKey, session.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("⚠️ [%s] Failed to record session in Redis: %v", session.tag(), err)
		}
	}
}

// Notify records session lifecycle changes in Redis and passes them on.
func (sm *Manager) Notify(sessionID, event, detail string) {
	if sm.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		key := sessionKey(sessionID)
		pipe := sm.redis.TxPipeline()
		pipe.HSet(ctx, key, "status", statusFor(event), "last_activity", time.Now().Format(time.RFC3339))
		// a late "closed" may land after the key was removed; let it expire
		pipe.Expire(ctx, key, sm.config.SessionTimeout)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("⚠️ Failed to update session %s in Redis: %v", sessionID, err)
		}
	}
	if sm.notifier != nil {
		sm.notifier.Notify(sessionID, event, detail)
	}
}

// statusFor maps a lifecycle event to the State name kept in Redis.
func statusFor(event string) string {
	switch event {
	case events.SessionReady:
		return Relaying.String()
	case events.SessionClosed:
		return Closed.String()
	default:
		return AwaitingUpstream.String()
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*RelaySession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return nil
	}

	session.Close(websocket.CloseNormalClosure, ReasonClientClosed)
	return sm.forget(ctx, sessionID)
}

func (sm *Manager) forget(ctx context.Context, sessionID string) error {
	if sm.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
	defer cancel()

	pipe := sm.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, activeSessionsKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes sessions with no traffic for SessionTimeout
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	sm.mu.Lock()
	var idle []*RelaySession
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			idle = append(idle, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range idle {
		log.Printf("⏰ [%s] Closing idle session", session.tag())
		session.Close(websocket.CloseNormalClosure, ReasonIdle)
		if err := sm.forget(ctx, session.ID); err != nil {
			log.Printf("⚠️ [%s] Failed to remove session from Redis: %v", session.tag(), err)
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*RelaySession)
	sm.mu.Unlock()

	for id, session := range sessions {
		session.Close(websocket.CloseGoingAway, ReasonShutdown)
		if err := sm.forget(context.Background(), id); err != nil {
			log.Printf("⚠️ Failed to remove session %s from Redis: %v", id, err)
		}
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}

func sessionKey(id string) string {
	return "voicelive:session:" + id
}
