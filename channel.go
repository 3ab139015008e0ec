package chatloop

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Socket event names. The spellings are what the deployed backend speaks,
// typos included.
const (
	EventAddUser           = "add-user"
	EventSendMessage       = "send-msg"
	EventMessageReceive    = "msg-recieve"
	EventOnlineUsers       = "online-users"
	EventMarkRead          = "mark-read"
	EventMarkReadReceive   = "mark-read-recieve"
	EventIncomingVoiceCall = "incoming-voice-call"
	EventIncomingVideoCall = "incoming-video-call"
	EventVoiceCallRejected = "voice-call-rejected"
	EventVideoCallRejected = "video-call-rejected"
)

// Envelope is the wire format for all socket events. To addresses directed
// events to a user id; the server fills it in only on the sending side.
type Envelope struct {
	Event string          `json:"event"`
	To    int             `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope, marshalling data as the payload.
func NewEnvelope(event string, to int, data interface{}) (Envelope, error) {
	env := Envelope{Event: event, To: to}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return env, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = b
	}
	return env, nil
}

// MessagePayload carries a pushed message (msg-recieve).
type MessagePayload struct {
	Message Message `json:"message"`
}

// SendMessagePayload is the outbound send-msg payload.
type SendMessagePayload struct {
	From    int     `json:"from"`
	To      int     `json:"to"`
	Message Message `json:"message"`
}

// OnlineUsersPayload carries the presence roster (online-users).
type OnlineUsersPayload struct {
	OnlineUsers []int `json:"onlineUsers"`
}

// MarkReadPayload is one read acknowledgement (mark-read-recieve).
type MarkReadPayload struct {
	ID         int `json:"id"`
	ReceiverID int `json:"recieverId"`
}

// MarkReadRequest is the outbound mark-read payload: From has read the
// messages To sent them.
type MarkReadRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// CallPayload carries call signaling (incoming-voice-call / incoming-video-call).
type CallPayload struct {
	From     int      `json:"from"`
	RoomID   string   `json:"roomId"`
	CallType CallKind `json:"callType"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// Channel owns the single realtime socket connection of a session. Inbound
// events are translated 1:1 into Reconciler intents; outbound events are
// serialized through the connection. Exactly one connection exists per
// session: re-entrant Connect calls are no-ops.
type Channel struct {
	baseURL string
	config  *ChannelConfig
	rec     *Reconciler
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	userID           int

	recon *reconnector

	handlerMu      sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

// NewChannel creates a channel adapter feeding intents into rec. A nil config
// uses defaults.
func NewChannel(baseURL string, rec *Reconciler, config *ChannelConfig) *Channel {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Channel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		rec:     rec,
		log:     log,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
	}
}

// OnConnected registers a handler for the connected meta-event.
func (ch *Channel) OnConnected(h func()) {
	ch.handlerMu.Lock()
	ch.onConnected = append(ch.onConnected, h)
	ch.handlerMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ch *Channel) OnDisconnected(h func(reason string)) {
	ch.handlerMu.Lock()
	ch.onDisconnected = append(ch.onDisconnected, h)
	ch.handlerMu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ch *Channel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ch.handlerMu.Lock()
	ch.onReconnecting = append(ch.onReconnecting, h)
	ch.handlerMu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect establishes the socket connection. Calling it while connected or
// connecting is a no-op.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	userID := ch.userID
	ch.mu.Unlock()
	ch.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	ch.cancelFn = cancel
	ch.mu.Unlock()

	go ch.readLoop(connCtx)
	go ch.heartbeatLoop(connCtx)

	// After a reconnect the server has lost this session's presence entry;
	// re-announcing makes it replay online-users to everyone.
	if userID != 0 {
		if err := ch.AnnouncePresence(ctx, userID); err != nil {
			ch.log.Warn().Err(err).Msg("presence re-announce failed")
		}
	}

	ch.emitConnected()
	return nil
}

// Disconnect gracefully closes the connection. The disconnected meta-event
// fires here, not in the read loop: the loop stays silent on intentional
// closes so the event is emitted exactly once.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	prev := ch.state
	ch.state = StateDisconnected
	ch.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if prev != StateDisconnected {
		ch.emitDisconnected("client disconnect")
	}
	return err
}

// ============================================================================
// Outbound events
// ============================================================================

// AnnouncePresence registers the local user on the socket server. The server
// answers with an online-users broadcast.
func (ch *Channel) AnnouncePresence(ctx context.Context, userID int) error {
	ch.mu.Lock()
	ch.userID = userID
	ch.mu.Unlock()
	return ch.send(ctx, EventAddUser, 0, userID)
}

// ForwardMessage pushes an already-persisted message to its recipient.
func (ch *Channel) ForwardMessage(ctx context.Context, from, to int, msg Message) error {
	return ch.send(ctx, EventSendMessage, to, SendMessagePayload{From: from, To: to, Message: msg})
}

// MarkRead tells the backend that from has read the messages to sent them.
func (ch *Channel) MarkRead(ctx context.Context, from, to int) error {
	return ch.send(ctx, EventMarkRead, 0, MarkReadRequest{From: from, To: to})
}

// CallPeer sends a call invitation to a peer.
func (ch *Channel) CallPeer(ctx context.Context, from, to int, roomID string, kind CallKind) error {
	event := EventIncomingVoiceCall
	if kind == CallVideo {
		event = EventIncomingVideoCall
	}
	return ch.send(ctx, event, to, CallPayload{From: from, RoomID: roomID, CallType: kind})
}

// RejectCall signals a call rejection to a peer.
func (ch *Channel) RejectCall(ctx context.Context, to int, kind CallKind) error {
	event := EventVoiceCallRejected
	if kind == CallVideo {
		event = EventVideoCallRejected
	}
	return ch.send(ctx, event, to, nil)
}

// HandleEffect consumes a Reconciler effect and turns it into the matching
// outbound event. Register it with Reconciler.SetEffectSink.
func (ch *Channel) HandleEffect(effect Effect) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch e := effect.(type) {
	case MarkReadEffect:
		if err := ch.MarkRead(ctx, e.From, e.Peer); err != nil {
			ch.log.Warn().Err(err).Int("peer", e.Peer).Msg("mark-read send failed")
		}
	case RejectCallEffect:
		if err := ch.RejectCall(ctx, e.Peer, e.Kind); err != nil {
			ch.log.Warn().Err(err).Int("peer", e.Peer).Msg("call rejection send failed")
		}
	}
}

func (ch *Channel) send(ctx context.Context, event string, to int, data interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	env, err := NewEnvelope(event, to, data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ============================================================================
// Inbound events
// ============================================================================

func (ch *Channel) readLoop(ctx context.Context) {
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.mu.Lock()
			ch.state = StateDisconnected
			ch.conn = nil
			ch.mu.Unlock()

			ch.emitDisconnected(err.Error())

			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ch.dispatch(env)
	}
}

// dispatch translates one inbound envelope into a Reconciler intent.
func (ch *Channel) dispatch(env Envelope) {
	switch env.Event {
	case EventMessageReceive:
		var p MessagePayload
		if json.Unmarshal(env.Data, &p) == nil {
			ch.rec.Submit(MessageReceived{Message: p.Message})
		}
	case EventOnlineUsers:
		var p OnlineUsersPayload
		if json.Unmarshal(env.Data, &p) == nil {
			ch.rec.Submit(PresenceChanged{Online: p.OnlineUsers})
		}
	case EventMarkReadReceive:
		var p MarkReadPayload
		if json.Unmarshal(env.Data, &p) == nil {
			ch.rec.Submit(ReadReceipt{MessageID: p.ID, Peer: p.ReceiverID})
		}
	case EventIncomingVoiceCall:
		var p CallPayload
		if json.Unmarshal(env.Data, &p) == nil {
			ch.rec.Submit(IncomingCall{Peer: p.From, RoomID: p.RoomID, Kind: CallVoice})
		}
	case EventIncomingVideoCall:
		var p CallPayload
		if json.Unmarshal(env.Data, &p) == nil {
			ch.rec.Submit(IncomingCall{Peer: p.From, RoomID: p.RoomID, Kind: CallVideo})
		}
	case EventVoiceCallRejected, EventVideoCallRejected:
		ch.rec.Submit(CallRejected{})
	default:
		ch.log.Debug().Str("event", env.Event).Msg("unhandled socket event")
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			conn := ch.conn
			ch.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.Ping(ctx); err != nil {
				// Heartbeat failed — force close, readLoop handles recovery.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ch *Channel) scheduleReconnect(ctx context.Context) {
	delay := ch.recon.nextDelay()
	ch.mu.Lock()
	ch.state = StateReconnecting
	ch.mu.Unlock()

	ch.emitReconnecting(ch.recon.attempt, delay)

	time.Sleep(delay)

	if err := ch.Connect(ctx); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect(ctx)
		} else {
			ch.mu.Lock()
			ch.state = StateDisconnected
			ch.mu.Unlock()
		}
	}
}

// ============================================================================
// Meta-event emitters
// ============================================================================

func (ch *Channel) emitConnected() {
	ch.handlerMu.RLock()
	handlers := append([]func(){}, ch.onConnected...)
	ch.handlerMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (ch *Channel) emitDisconnected(reason string) {
	ch.handlerMu.RLock()
	handlers := append([]func(string){}, ch.onDisconnected...)
	ch.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (ch *Channel) emitReconnecting(attempt int, delay time.Duration) {
	ch.handlerMu.RLock()
	handlers := append([]func(int, time.Duration){}, ch.onReconnecting...)
	ch.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}
