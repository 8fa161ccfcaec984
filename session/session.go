package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicelive-relay/events"
	"github.com/room4-2/voicelive-relay/messages"
	"github.com/room4-2/voicelive-relay/voicelive"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second

	// Close reasons sent to the browser
	ReasonUpstreamClosed = "Azure connection closed"
	ReasonClientClosed   = "Client connection closed"
	ReasonShutdown       = "Server shutting down"
	ReasonIdle           = "Session idle timeout"
)

// State is the relay session lifecycle stage.
type State int

const (
	// AwaitingUpstream: client connected, upstream still opening. Client
	// frames are dropped (or held when early-audio buffering is on).
	AwaitingUpstream State = iota
	// Relaying: session configured, frames flow both ways.
	Relaying
	// Closed: both sockets are torn down.
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingUpstream:
		return "awaiting_upstream"
	case Relaying:
		return "relaying"
	default:
		return "closed"
	}
}

// Notifier receives session lifecycle events.
type Notifier interface {
	Notify(sessionID, event, detail string)
}

// Upstream opens the Voice Live side of a session.
type Upstream interface {
	Prepare() (*voicelive.Target, error)
	Connect(ctx context.Context, t *voicelive.Target) (*websocket.Conn, error)
}

// Options configures a RelaySession.
type Options struct {
	Upstream        Upstream
	VoiceName       string
	Instructions    string
	KeepAlivePeriod time.Duration
	// EarlyAudioBytes > 0 holds binary client frames received before the
	// upstream is ready and replays them after the session config.
	EarlyAudioBytes int
	Notifier        Notifier
}

type outbound struct {
	msgType int
	data    []byte
}

// RelaySession pairs one browser connection with one Voice Live connection.
type RelaySession struct {
	ID         string
	ClientConn *websocket.Conn
	CreatedAt  time.Time

	upstream      Upstream
	target        *voicelive.Target
	sessionUpdate []byte
	earlyAudio    *AudioBuffer
	keepAlive     time.Duration
	notifier      Notifier

	mu           sync.Mutex
	state        State
	upstreamConn *websocket.Conn
	lastActivity time.Time
	dropped      int
	closeCode    int
	closeReason  string

	// gorilla/websocket allows one concurrent writer per connection
	upstreamWMu sync.Mutex

	writeChan chan outbound
	closeOnce sync.Once
	CloseChan chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewRelaySession resolves the upstream target and encodes the session
// configuration. Configuration errors are returned before any socket is opened.
func NewRelaySession(id string, clientConn *websocket.Conn, opts Options) (*RelaySession, error) {
	if opts.Upstream == nil {
		return nil, errors.New("no upstream configured")
	}
	target, err := opts.Upstream.Prepare()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve Voice Live endpoint: %w", err)
	}
	update, err := voicelive.NewSessionUpdate(opts.VoiceName, opts.Instructions).Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode session config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(512 * 1024)

	rs := &RelaySession{
		ID:            id,
		ClientConn:    clientConn,
		CreatedAt:     time.Now(),
		upstream:      opts.Upstream,
		target:        target,
		sessionUpdate: update,
		keepAlive:     opts.KeepAlivePeriod,
		notifier:      opts.Notifier,
		state:         AwaitingUpstream,
		lastActivity:  time.Now(),
		writeChan:     make(chan outbound, writeBufferSize),
		CloseChan:     make(chan struct{}),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	if opts.EarlyAudioBytes > 0 {
		rs.earlyAudio = NewAudioBuffer(opts.EarlyAudioBytes)
	}
	return rs, nil
}

// Start opens the upstream connection and begins relaying. It returns
// immediately; use Done to wait for teardown.
func (rs *RelaySession) Start() {
	rs.notify(events.SessionOpened, "")
	go rs.writePump()
	go rs.connectUpstream()
	go rs.handleClientMessages()
}

// Done is closed once the client socket has been flushed and closed.
func (rs *RelaySession) Done() <-chan struct{} {
	return rs.done
}

// State returns the current lifecycle stage.
func (rs *RelaySession) State() State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// IsClosed returns whether the session is closed
func (rs *RelaySession) IsClosed() bool {
	return rs.State() == Closed
}

// DroppedFrames returns how many client frames arrived before the upstream
// was ready and were discarded, including early audio that did not fit.
func (rs *RelaySession) DroppedFrames() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.droppedLocked()
}

func (rs *RelaySession) droppedLocked() int {
	n := rs.dropped
	if rs.earlyAudio != nil {
		n += rs.earlyAudio.Dropped()
	}
	return n
}

// LastActivity returns when a frame last crossed the relay.
func (rs *RelaySession) LastActivity() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastActivity
}

func (rs *RelaySession) touch() {
	rs.mu.Lock()
	rs.lastActivity = time.Now()
	rs.mu.Unlock()
}

// extendClientDeadline allows two ping periods for the next frame or pong.
func (rs *RelaySession) extendClientDeadline() error {
	return rs.ClientConn.SetReadDeadline(time.Now().Add(2 * rs.keepAlive))
}

func (rs *RelaySession) tag() string {
	if len(rs.ID) > 8 {
		return rs.ID[:8]
	}
	return rs.ID
}

func (rs *RelaySession) notify(event, detail string) {
	if rs.notifier != nil {
		rs.notifier.Notify(rs.ID, event, detail)
	}
}

// connectUpstream dials Voice Live, sends the session config once and opens
// the readiness gate.
func (rs *RelaySession) connectUpstream() {
	conn, err := rs.upstream.Connect(rs.ctx, rs.target)
	if err != nil {
		if rs.IsClosed() {
			return
		}
		log.Printf("❌ [%s] Voice Live connection error: %v", rs.tag(), err)
		rs.queueMessage(messages.NewUpstreamErrorEvent(err))
		rs.Close(websocket.CloseNormalClosure, ReasonUpstreamClosed)
		return
	}

	rs.mu.Lock()
	if rs.state == Closed {
		rs.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	rs.upstreamConn = conn

	// The gate stays shut until the config (and any held audio) is written,
	// so nothing from the browser can overtake it.
	if err := rs.writeUpstream(conn, websocket.TextMessage, rs.sessionUpdate); err != nil {
		rs.mu.Unlock()
		log.Printf("❌ [%s] Failed to send session config: %v", rs.tag(), err)
		rs.queueMessage(messages.NewUpstreamErrorEvent(err))
		rs.Close(websocket.CloseNormalClosure, ReasonUpstreamClosed)
		return
	}
	log.Printf("✅ [%s] Connected to Voice Live, session config sent", rs.tag())

	if rs.earlyAudio != nil {
		frames := rs.earlyAudio.Flush()
		for _, frame := range frames {
			if err := rs.writeUpstream(conn, websocket.BinaryMessage, frame); err != nil {
				log.Printf("⚠️ [%s] Failed to replay early audio: %v", rs.tag(), err)
				break
			}
		}
		if len(frames) > 0 {
			log.Printf("📤 [%s] Replayed %d early audio frames", rs.tag(), len(frames))
		}
	}
	rs.state = Relaying
	dropped := rs.droppedLocked()
	rs.mu.Unlock()

	if dropped > 0 {
		log.Printf("⚠️ [%s] Dropped %d client frames before Voice Live was ready", rs.tag(), dropped)
	}

	rs.notify(events.SessionReady, "")
	rs.handleUpstreamMessages(conn)
}

// handleUpstreamMessages relays Voice Live frames to the browser.
func (rs *RelaySession) handleUpstreamMessages(conn *websocket.Conn) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if rs.IsClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				log.Printf("🔌 [%s] Voice Live closed: %d %s", rs.tag(), closeErr.Code, closeErr.Text)
			} else {
				log.Printf("❌ [%s] Voice Live read error: %v", rs.tag(), err)
				rs.queueMessage(messages.NewUpstreamErrorEvent(err))
			}
			rs.Close(websocket.CloseNormalClosure, ReasonUpstreamClosed)
			return
		}
		rs.touch()

		// Synthesized speech arrives as binary PCM16
		if messageType == websocket.BinaryMessage {
			rs.queue(outbound{msgType: websocket.BinaryMessage, data: message})
			continue
		}

		rs.relayUpstreamEvent(message)
	}
}

func (rs *RelaySession) relayUpstreamEvent(message []byte) {
	env, err := messages.DecodeEnvelope(message)
	if err != nil && !errors.Is(err, messages.ErrMissingType) {
		log.Printf("⚠️ [%s] Failed to parse Voice Live event: %v", rs.tag(), err)
		return
	}

	switch messages.Classify(env.Type) {
	case messages.Forward:
		if env.Type == messages.TypeError {
			log.Printf("❌ [%s] Voice Live error event: %s", rs.tag(), message)
		}
		rs.queue(outbound{msgType: websocket.TextMessage, data: message})
	case messages.Suppress:
		log.Printf("🔇 [%s] Internal Voice Live event: %s", rs.tag(), env.Type)
	default:
		log.Printf("⚠️ [%s] Unhandled Voice Live event type: %q", rs.tag(), env.Type)
	}
}

// handleClientMessages relays browser frames to Voice Live once it is ready.
func (rs *RelaySession) handleClientMessages() {
	// A client that stops answering pings times out the read
	if rs.keepAlive > 0 {
		rs.extendClientDeadline()
		rs.ClientConn.SetPongHandler(func(string) error {
			return rs.extendClientDeadline()
		})
	}

	for {
		messageType, message, err := rs.ClientConn.ReadMessage()
		if err != nil {
			if !rs.IsClosed() {
				var netErr net.Error
				switch {
				case errors.As(err, &netErr) && netErr.Timeout():
					log.Printf("⏱️ [%s] Client stopped answering keep-alive pings", rs.tag())
				case !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
					log.Printf("❌ [%s] Client read error: %v", rs.tag(), err)
				}
				rs.Close(websocket.CloseNormalClosure, ReasonClientClosed)
			}
			return
		}
		rs.touch()
		if rs.keepAlive > 0 {
			rs.extendClientDeadline()
		}

		switch messageType {
		case websocket.BinaryMessage:
			rs.forwardClientAudio(message)
		case websocket.TextMessage:
			rs.forwardClientEvent(message)
		}
	}
}

func (rs *RelaySession) forwardClientAudio(frame []byte) {
	rs.mu.Lock()
	state, conn := rs.state, rs.upstreamConn
	if state == AwaitingUpstream && rs.earlyAudio != nil {
		if err := rs.earlyAudio.Append(frame); err != nil {
			log.Printf("⚠️ [%s] Early audio dropped: %v (max %d bytes)", rs.tag(), err, rs.earlyAudio.MaxSize())
		}
		rs.mu.Unlock()
		return
	}
	if state == AwaitingUpstream {
		rs.dropped++
	}
	rs.mu.Unlock()

	if state != Relaying {
		return
	}
	if err := rs.writeUpstream(conn, websocket.BinaryMessage, frame); err != nil {
		log.Printf("❌ [%s] Failed to send audio to Voice Live: %v", rs.tag(), err)
	}
}

func (rs *RelaySession) forwardClientEvent(message []byte) {
	payload, err := messages.NormalizeClientFrame(message)
	if err != nil {
		log.Printf("⚠️ [%s] Failed to parse client message: %v", rs.tag(), err)
		return
	}

	rs.mu.Lock()
	state, conn := rs.state, rs.upstreamConn
	if state == AwaitingUpstream {
		rs.dropped++
	}
	rs.mu.Unlock()
	if state != Relaying {
		return
	}
	if err := rs.writeUpstream(conn, websocket.TextMessage, payload); err != nil {
		log.Printf("❌ [%s] Failed to send event to Voice Live: %v", rs.tag(), err)
	}
}

func (rs *RelaySession) writeUpstream(conn *websocket.Conn, messageType int, data []byte) error {
	rs.upstreamWMu.Lock()
	defer rs.upstreamWMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

// writePump handles all outgoing client frames in a single goroutine. On
// close it drains what was queued, then sends the close frame.
func (rs *RelaySession) writePump() {
	var ping <-chan time.Time
	if rs.keepAlive > 0 {
		ticker := time.NewTicker(rs.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	defer func() {
		rs.drainWrites()

		rs.mu.Lock()
		code, reason := rs.closeCode, rs.closeReason
		rs.mu.Unlock()

		rs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		rs.ClientConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		rs.ClientConn.Close()
		close(rs.done)
	}()

	for {
		select {
		case <-rs.CloseChan:
			return
		case out := <-rs.writeChan:
			rs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rs.ClientConn.WriteMessage(out.msgType, out.data); err != nil {
				log.Printf("❌ [%s] Client write error: %v", rs.tag(), err)
				rs.Close(websocket.CloseNormalClosure, ReasonClientClosed)
				return
			}
		case <-ping:
			if err := rs.ClientConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				rs.Close(websocket.CloseNormalClosure, ReasonClientClosed)
				return
			}
		}
	}
}

func (rs *RelaySession) drainWrites() {
	for {
		select {
		case out := <-rs.writeChan:
			rs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := rs.ClientConn.WriteMessage(out.msgType, out.data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// queue hands a frame to the write pump, waiting for room unless the
// session closes first.
func (rs *RelaySession) queue(out outbound) {
	select {
	case <-rs.CloseChan:
		return
	default:
	}
	select {
	case rs.writeChan <- out:
	case <-rs.CloseChan:
	}
}

// queueMessage encodes a relay-originated event for the browser.
func (rs *RelaySession) queueMessage(ev *messages.ErrorEvent) {
	data, err := ev.Encode()
	if err != nil {
		log.Printf("❌ [%s] Failed to encode event: %v", rs.tag(), err)
		return
	}
	rs.queue(outbound{msgType: websocket.TextMessage, data: data})
}

// Close terminates both sides of the session exactly once. The browser gets
// code and reason in its close frame; Voice Live always gets a normal closure.
func (rs *RelaySession) Close(code int, reason string) {
	rs.closeOnce.Do(func() {
		rs.mu.Lock()
		rs.state = Closed
		rs.closeCode = code
		rs.closeReason = reason
		conn := rs.upstreamConn
		rs.mu.Unlock()

		// aborts a dial still in flight
		rs.cancel()
		close(rs.CloseChan)

		if conn != nil {
			rs.upstreamWMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			rs.upstreamWMu.Unlock()
			conn.Close()
		}

		if rs.earlyAudio != nil {
			rs.earlyAudio.Clear()
		}

		log.Printf("🔌 [%s] Session closed: %s", rs.tag(), reason)
		rs.notify(events.SessionClosed, reason)
	})
}
