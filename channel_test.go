package chatloop_test

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatloop "github.com/chatloop-im/chatloop-go"
	"github.com/chatloop-im/chatloop-go/stubserver"
)

const (
	waitFor = 3 * time.Second
	tick    = 20 * time.Millisecond
)

// realtimePeer is one fully wired client side: reconciler, channel and REST
// client, connected to the shared stub backend.
type realtimePeer struct {
	rec     *chatloop.Reconciler
	channel *chatloop.Channel
	client  *chatloop.Client
}

func newRealtimeFixture(t *testing.T) (a, b *realtimePeer) {
	t.Helper()
	stub := stubserver.New(nil)
	stub.AddAccount("ana@example.com", "Ana", "", "")
	stub.AddAccount("ben@example.com", "Ben", "", "")
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	a = newRealtimePeer(t, srv.URL, 1, chatloop.Contact{UserID: 2, Name: "Ben"})
	b = newRealtimePeer(t, srv.URL, 2, chatloop.Contact{UserID: 1, Name: "Ana"})

	// Each side sees the other come online; this also guarantees both socket
	// registrations have landed before any test traffic starts.
	require.Eventually(t, func() bool { return peerOnline(a.rec, 2) }, waitFor, tick)
	require.Eventually(t, func() bool { return peerOnline(b.rec, 1) }, waitFor, tick)
	return a, b
}

func newRealtimePeer(t *testing.T, baseURL string, userID int, roster ...chatloop.Contact) *realtimePeer {
	t.Helper()
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(userID)})
	// Load the roster before connecting so no presence broadcast can slip in
	// ahead of it and get lost against an empty contact list.
	rec.Submit(chatloop.RosterLoaded{Contacts: roster})

	channel := chatloop.NewChannel(baseURL, rec, nil)
	rec.SetEffectSink(channel.HandleEffect)

	ctx := context.Background()
	require.NoError(t, channel.Connect(ctx))
	t.Cleanup(func() { channel.Disconnect() })
	require.NoError(t, channel.AnnouncePresence(ctx, userID))

	return &realtimePeer{
		rec:     rec,
		channel: channel,
		client:  chatloop.NewClient(chatloop.WithBaseURL(baseURL)),
	}
}

func peerOnline(rec *chatloop.Reconciler, peerID int) bool {
	for _, c := range rec.Snapshot().Roster {
		if c.UserID == peerID {
			return c.IsOnline
		}
	}
	return false
}

func TestRealtimePresencePropagation(t *testing.T) {
	a, b := newRealtimeFixture(t)

	assert.Equal(t, chatloop.StateConnected, a.channel.State())

	// When Ben leaves, Ana sees him drop offline.
	require.NoError(t, b.channel.Disconnect())
	require.Eventually(t, func() bool { return !peerOnline(a.rec, 2) }, waitFor, tick)
}

func TestRealtimeMessageForward(t *testing.T) {
	a, b := newRealtimeFixture(t)
	ctx := context.Background()

	msg, err := a.client.AddMessage(ctx, 1, 2, "ping")
	require.NoError(t, err)
	require.NoError(t, a.channel.ForwardMessage(ctx, 1, 2, *msg))

	// Ben has no conversation open, so the push lands in his unread counter.
	require.Eventually(t, func() bool {
		return b.rec.Snapshot().Unread[1] == 1
	}, waitFor, tick)

	// With Ana's conversation open the same push would join the hot list;
	// switching now clears the counter and loads history instead.
	b.rec.Submit(chatloop.PeerSelected{Peer: 1})
	assert.Zero(t, b.rec.Snapshot().Unread[1])
}

func TestRealtimeReadReceiptRoundTrip(t *testing.T) {
	a, b := newRealtimeFixture(t)
	ctx := context.Background()

	// Ana sends Ben a message and keeps the conversation open.
	a.rec.Submit(chatloop.PeerSelected{Peer: 2})
	msg, err := a.client.AddMessage(ctx, 1, 2, "seen yet?")
	require.NoError(t, err)
	a.rec.Submit(chatloop.MessageSent{Message: *msg})
	require.False(t, a.rec.Snapshot().Messages[0].Read)

	// Ben opens the conversation; the mark-read effect flows over the socket
	// and the receipt comes back to Ana.
	b.rec.Submit(chatloop.PeerSelected{Peer: 1})

	require.Eventually(t, func() bool {
		snap := a.rec.Snapshot()
		return len(snap.Messages) == 1 && snap.Messages[0].Read
	}, waitFor, tick)
}

func TestDisconnectEmitsMetaEventOnce(t *testing.T) {
	stub := stubserver.New(nil)
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	rec := chatloop.NewReconciler(nil)
	channel := chatloop.NewChannel(srv.URL, rec, nil)

	var fired atomic.Int32
	var gotReason atomic.Value
	channel.OnDisconnected(func(reason string) {
		fired.Add(1)
		gotReason.Store(reason)
	})

	require.NoError(t, channel.Connect(context.Background()))
	require.Equal(t, chatloop.StateConnected, channel.State())

	// A graceful close of a live connection must surface the meta-event.
	require.NoError(t, channel.Disconnect())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, waitFor, tick)
	assert.Equal(t, "client disconnect", gotReason.Load())

	// A repeated disconnect on an already-closed channel stays silent.
	require.NoError(t, channel.Disconnect())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRealtimeCallInviteAndBusyReject(t *testing.T) {
	a, b := newRealtimeFixture(t)
	ctx := context.Background()

	// Ana rings Ben.
	a.rec.Submit(chatloop.OutgoingCall{Peer: 2, RoomID: "room-1", Kind: chatloop.CallVideo})
	require.NoError(t, a.channel.CallPeer(ctx, 1, 2, "room-1", chatloop.CallVideo))

	require.Eventually(t, func() bool {
		call := b.rec.Snapshot().Call
		return call != nil && call.Direction == chatloop.CallIncoming && call.RoomID == "room-1"
	}, waitFor, tick)
	call := b.rec.Snapshot().Call
	assert.Equal(t, 1, call.Peer)
	assert.Equal(t, chatloop.CallVideo, call.Kind)
	assert.Equal(t, chatloop.CallRinging, call.Phase)

	// A second invite while Ben is ringing is auto-rejected; the rejection
	// travels back and clears Ana's outgoing call.
	b.rec.Submit(chatloop.IncomingCall{Peer: 1, RoomID: "room-2", Kind: chatloop.CallVideo})

	require.Eventually(t, func() bool {
		return a.rec.Snapshot().Call == nil
	}, waitFor, tick)

	// Ben's original ringing call is untouched by the busy reject.
	call = b.rec.Snapshot().Call
	require.NotNil(t, call)
	assert.Equal(t, "room-1", call.RoomID)
}
