package chatloop

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ============================================================================
// Intents
// ============================================================================

// Intent is one state change request submitted to the Reconciler. The set of
// intents is closed: every external event source (REST responses, socket
// events, user input) is expressed as one of the variants below.
type Intent interface {
	isIntent()
}

// SessionResolved seeds the session identity. A second SessionResolved with a
// different user id is ignored and logged; the session is immutable.
type SessionResolved struct {
	Session Session
}

// RosterLoaded replaces the contact roster wholesale. Online flags are set
// from Online; any contact not listed there is offline. Idempotent.
type RosterLoaded struct {
	Contacts []Contact
	Online   []int
}

// PresenceChanged recomputes the online flag of every known contact from the
// new online-id list. Ids not present in the roster are ignored.
type PresenceChanged struct {
	Online []int
}

// PeerSelected switches the hot conversation. Peer 0 means no conversation
// selected. The message list is cleared immediately, without waiting for the
// history fetch.
type PeerSelected struct {
	Peer int
}

// HistoryLoaded delivers a fetched history. It is applied only if Peer still
// equals the selected peer; a result for a previously selected peer is
// discarded silently.
type HistoryLoaded struct {
	Peer     int
	Messages []Message
}

// MessageSent records a message the local user sent.
type MessageSent struct {
	Message Message
}

// MessageReceived records a message pushed by the realtime channel.
type MessageReceived struct {
	Message Message
}

// ReadReceipt marks a message as read by the peer. Receipts for messages no
// longer in the hot window are a no-op, never an error.
type ReadReceipt struct {
	MessageID int
	Peer      int
}

// IncomingCall signals a call invitation from a peer.
type IncomingCall struct {
	Peer   int
	RoomID string
	Kind   CallKind
}

// OutgoingCall starts a call to a peer.
type OutgoingCall struct {
	Peer   int
	RoomID string
	Kind   CallKind
}

// CallAccepted moves a ringing call to active.
type CallAccepted struct{}

// CallRejected clears a ringing call (local reject or peer reject).
type CallRejected struct{}

// CallEnded clears the current call (hang-up by either side, or cancel while
// still ringing).
type CallEnded struct{}

func (SessionResolved) isIntent()  {}
func (RosterLoaded) isIntent()     {}
func (PresenceChanged) isIntent()  {}
func (PeerSelected) isIntent()     {}
func (HistoryLoaded) isIntent()    {}
func (MessageSent) isIntent()      {}
func (MessageReceived) isIntent()  {}
func (ReadReceipt) isIntent()      {}
func (IncomingCall) isIntent()     {}
func (OutgoingCall) isIntent()     {}
func (CallAccepted) isIntent()     {}
func (CallRejected) isIntent()     {}
func (CallEnded) isIntent()        {}

// ============================================================================
// Effects
// ============================================================================

// Effect is an outbound action a transition asks for. Effects are consumed by
// the Channel adapter; the Reconciler itself never writes to the wire.
type Effect interface {
	isEffect()
}

// RejectCallEffect asks the channel to signal a call rejection to a peer.
// Emitted when a second incoming call arrives while one is already ringing or
// active.
type RejectCallEffect struct {
	Peer   int
	RoomID string
	Kind   CallKind
}

// MarkReadEffect asks the channel to tell the backend that the messages from
// Peer have been read by From.
type MarkReadEffect struct {
	From int
	Peer int
}

func (RejectCallEffect) isEffect() {}
func (MarkReadEffect) isEffect()  {}

// ============================================================================
// State snapshot
// ============================================================================

// State is a point-in-time copy of the Reconciler's observable state, safe
// for render-side readers.
type State struct {
	Session  *Session
	Roster   []Contact
	Peer     int
	Messages []Message
	Unread   map[int]int
	Call     *CallSession
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler owns the canonical in-memory conversation state: session
// identity, contact roster, the hot message list, unread bookkeeping, and the
// call session. It is the single writer; every transition either commits
// whole or leaves the state untouched.
type Reconciler struct {
	log zerolog.Logger

	mu       sync.RWMutex
	session  *Session
	roster   []Contact
	peer     int
	messages []Message
	unread   map[int]int
	call     *CallSession

	intents chan Intent
	running atomic.Bool

	sinkMu sync.RWMutex
	sink   func(Effect)
	notify func()
}

// NewReconciler creates a Reconciler. A nil logger disables logging.
func NewReconciler(logger *zerolog.Logger) *Reconciler {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}
	return &Reconciler{
		log:     log,
		unread:  make(map[int]int),
		intents: make(chan Intent, 64),
	}
}

// SetEffectSink registers the consumer of outbound effects, normally the
// Channel adapter.
func (r *Reconciler) SetEffectSink(sink func(Effect)) {
	r.sinkMu.Lock()
	r.sink = sink
	r.sinkMu.Unlock()
}

// SetNotify registers a callback invoked after every applied intent. Renderers
// use it to re-read Snapshot.
func (r *Reconciler) SetNotify(notify func()) {
	r.sinkMu.Lock()
	r.notify = notify
	r.sinkMu.Unlock()
}

// Run processes submitted intents in FIFO order on a single goroutine until
// ctx is cancelled. All concurrent event sources funnel through here, so no
// two transitions ever interleave.
func (r *Reconciler) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-r.intents:
			r.emitEffects(r.Apply(intent))
		}
	}
}

// Submit hands an intent to the run loop. If the loop is not running the
// intent is applied synchronously instead, which keeps one-shot callers and
// tests free of goroutine setup.
func (r *Reconciler) Submit(intent Intent) {
	if r.running.Load() {
		r.intents <- intent
		return
	}
	r.emitEffects(r.Apply(intent))
}

func (r *Reconciler) emitEffects(effects []Effect) {
	r.sinkMu.RLock()
	sink := r.sink
	r.sinkMu.RUnlock()
	if sink == nil {
		return
	}
	for _, e := range effects {
		sink(e)
	}
}

func (r *Reconciler) emitNotify() {
	r.sinkMu.RLock()
	notify := r.notify
	r.sinkMu.RUnlock()
	if notify != nil {
		notify()
	}
}

// Snapshot returns a deep copy of the current state.
func (r *Reconciler) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := State{
		Peer:     r.peer,
		Roster:   append([]Contact(nil), r.roster...),
		Messages: append([]Message(nil), r.messages...),
		Unread:   make(map[int]int, len(r.unread)),
	}
	if r.session != nil {
		sess := *r.session
		s.Session = &sess
	}
	if r.call != nil {
		call := *r.call
		s.Call = &call
	}
	for k, v := range r.unread {
		s.Unread[k] = v
	}
	return s
}

// Apply runs one transition. It never fails: a guard violation leaves the
// state unchanged and is at most logged. The returned effects, if any, must
// be forwarded to the effect sink by the caller (Submit and Run do this).
func (r *Reconciler) Apply(intent Intent) []Effect {
	r.mu.Lock()
	var effects []Effect
	changed := false

	switch it := intent.(type) {
	case SessionResolved:
		changed = r.applySessionResolved(it)
	case RosterLoaded:
		changed = r.applyRosterLoaded(it)
	case PresenceChanged:
		changed = r.applyPresenceChanged(it)
	case PeerSelected:
		changed, effects = r.applyPeerSelected(it)
	case HistoryLoaded:
		changed = r.applyHistoryLoaded(it)
	case MessageSent:
		changed = r.applyMessage(it.Message, false)
	case MessageReceived:
		changed = r.applyMessage(it.Message, true)
	case ReadReceipt:
		changed = r.applyReadReceipt(it)
	case IncomingCall, OutgoingCall, CallAccepted, CallRejected, CallEnded:
		changed, effects = r.applyCallIntent(intent)
	default:
		r.log.Warn().Type("intent", intent).Msg("unknown intent dropped")
	}
	r.mu.Unlock()

	if changed {
		r.emitNotify()
	}
	return effects
}

func (r *Reconciler) applySessionResolved(it SessionResolved) bool {
	if r.session != nil {
		if r.session.UserID != it.Session.UserID {
			r.log.Warn().
				Int("have", r.session.UserID).
				Int("got", it.Session.UserID).
				Msg("identity mismatch, session already resolved; intent ignored")
		}
		return false
	}
	sess := it.Session
	r.session = &sess
	r.log.Debug().Int("userId", sess.UserID).Msg("session resolved")
	return true
}

func (r *Reconciler) applyRosterLoaded(it RosterLoaded) bool {
	online := make(map[int]bool, len(it.Online))
	for _, id := range it.Online {
		online[id] = true
	}
	roster := make([]Contact, len(it.Contacts))
	for i, c := range it.Contacts {
		c.IsOnline = online[c.UserID]
		roster[i] = c
	}
	r.roster = roster
	return true
}

func (r *Reconciler) applyPresenceChanged(it PresenceChanged) bool {
	online := make(map[int]bool, len(it.Online))
	for _, id := range it.Online {
		online[id] = true
	}
	changed := false
	for i := range r.roster {
		now := online[r.roster[i].UserID]
		if r.roster[i].IsOnline != now {
			r.roster[i].IsOnline = now
			changed = true
		}
	}
	return changed
}

func (r *Reconciler) applyPeerSelected(it PeerSelected) (bool, []Effect) {
	if r.peer == it.Peer {
		return false, nil
	}
	r.peer = it.Peer
	// Clear immediately so the previous peer's messages never show under the
	// new peer's header while history is still in flight.
	r.messages = nil
	if it.Peer == 0 || r.session == nil {
		return true, nil
	}
	delete(r.unread, it.Peer)
	return true, []Effect{MarkReadEffect{From: r.session.UserID, Peer: it.Peer}}
}

func (r *Reconciler) applyHistoryLoaded(it HistoryLoaded) bool {
	if it.Peer != r.peer {
		// Stale result: the user switched peers while the fetch was in flight.
		r.log.Debug().Int("peer", it.Peer).Int("selected", r.peer).Msg("stale history discarded")
		return false
	}
	msgs := append([]Message(nil), it.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	r.messages = msgs
	return true
}

func (r *Reconciler) applyMessage(m Message, received bool) bool {
	if r.session != nil && r.peer != 0 {
		local, peer := r.session.UserID, r.peer
		hot := (m.SenderID == local && m.ReceiverID == peer) ||
			(m.SenderID == peer && m.ReceiverID == local)
		if hot {
			for _, have := range r.messages {
				if have.ID == m.ID {
					r.log.Debug().Int("id", m.ID).Msg("duplicate message suppressed")
					return false
				}
			}
			r.messages = append(r.messages, m)
			sort.SliceStable(r.messages, func(i, j int) bool {
				return r.messages[i].Before(r.messages[j])
			})
			return true
		}
	}
	if received && r.session != nil && m.ReceiverID == r.session.UserID {
		r.unread[m.SenderID]++
		return true
	}
	return false
}

func (r *Reconciler) applyReadReceipt(it ReadReceipt) bool {
	for i := range r.messages {
		if r.messages[i].ID == it.MessageID {
			if r.messages[i].Read {
				return false
			}
			r.messages[i].Read = true
			return true
		}
	}
	return false
}
