package chatloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatloop "github.com/chatloop-im/chatloop-go"
)

func testSession(id int) chatloop.Session {
	return chatloop.Session{UserID: id, Name: "User", Email: "user@example.com"}
}

func testMessage(id, from, to int, body string, at time.Time) chatloop.Message {
	return chatloop.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Body:       body,
		Kind:       chatloop.MessageText,
		Timestamp:  at,
	}
}

func TestSessionResolvedIsImmutable(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.SessionResolved{Session: testSession(7)})

	snap := rec.Snapshot()
	require.NotNil(t, snap.Session)
	assert.Equal(t, 1, snap.Session.UserID)
}

func TestRosterLoadedIsIdempotent(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	contacts := []chatloop.Contact{
		{UserID: 2, Name: "Ana"},
		{UserID: 3, Name: "Ben"},
	}
	rec.Submit(chatloop.RosterLoaded{Contacts: contacts, Online: []int{3}})
	first := rec.Snapshot()
	rec.Submit(chatloop.RosterLoaded{Contacts: contacts, Online: []int{3}})
	second := rec.Snapshot()

	assert.Equal(t, first.Roster, second.Roster)
	require.Len(t, second.Roster, 2)
	assert.False(t, second.Roster[0].IsOnline)
	assert.True(t, second.Roster[1].IsOnline)
}

func TestPresenceRecomputesAllFlags(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.RosterLoaded{Contacts: []chatloop.Contact{
		{UserID: 2}, {UserID: 3}, {UserID: 5},
	}, Online: []int{3}})

	// 9 is unknown and must be ignored.
	rec.Submit(chatloop.PresenceChanged{Online: []int{2, 5, 9}})

	snap := rec.Snapshot()
	require.Len(t, snap.Roster, 3)
	assert.True(t, snap.Roster[0].IsOnline)
	assert.False(t, snap.Roster[1].IsOnline)
	assert.True(t, snap.Roster[2].IsOnline)
}

func TestPeerSelectedClearsMessagesAndUnread(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})

	// A message from 2 while no peer is selected only bumps the unread count.
	rec.Submit(chatloop.MessageReceived{Message: testMessage(10, 2, 1, "hi", time.Now())})
	snap := rec.Snapshot()
	assert.Equal(t, 1, snap.Unread[2])
	assert.Empty(t, snap.Messages)

	effects := rec.Apply(chatloop.PeerSelected{Peer: 2})
	require.Len(t, effects, 1)
	assert.Equal(t, chatloop.MarkReadEffect{From: 1, Peer: 2}, effects[0])

	snap = rec.Snapshot()
	assert.Equal(t, 2, snap.Peer)
	assert.Empty(t, snap.Messages)
	assert.Zero(t, snap.Unread[2])

	// Re-selecting the same peer is a no-op and emits nothing.
	assert.Empty(t, rec.Apply(chatloop.PeerSelected{Peer: 2}))
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})
	rec.Submit(chatloop.PeerSelected{Peer: 3})

	// The fetch for peer 2 lands after the switch to peer 3.
	rec.Submit(chatloop.HistoryLoaded{Peer: 2, Messages: []chatloop.Message{
		testMessage(10, 2, 1, "stale", time.Now()),
	}})
	assert.Empty(t, rec.Snapshot().Messages)

	rec.Submit(chatloop.HistoryLoaded{Peer: 3, Messages: []chatloop.Message{
		testMessage(11, 3, 1, "fresh", time.Now()),
	}})
	snap := rec.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "fresh", snap.Messages[0].Body)
}

func TestHistoryIsSortedOnLoad(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})

	base := time.Now()
	rec.Submit(chatloop.HistoryLoaded{Peer: 2, Messages: []chatloop.Message{
		testMessage(3, 1, 2, "third", base.Add(2*time.Second)),
		testMessage(1, 2, 1, "first", base),
		testMessage(2, 1, 2, "second", base.Add(time.Second)),
	}})

	snap := rec.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{snap.Messages[0].Body, snap.Messages[1].Body, snap.Messages[2].Body})
}

func TestDuplicateMessagesAreSuppressed(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})

	m := testMessage(101, 1, 2, "hello", time.Now())
	rec.Submit(chatloop.MessageSent{Message: m})
	// The channel echoes the same message back.
	rec.Submit(chatloop.MessageReceived{Message: m})

	assert.Len(t, rec.Snapshot().Messages, 1)
}

func TestReadFlagIsMonotonic(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})
	rec.Submit(chatloop.MessageSent{Message: testMessage(101, 1, 2, "hello", time.Now())})

	rec.Submit(chatloop.ReadReceipt{MessageID: 101, Peer: 2})
	snap := rec.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Read)

	// A second receipt and a receipt for an unknown message change nothing.
	rec.Submit(chatloop.ReadReceipt{MessageID: 101, Peer: 2})
	rec.Submit(chatloop.ReadReceipt{MessageID: 999, Peer: 2})
	snap = rec.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Read)
}

func TestUnreadCountsOnlyColdReceivedMessages(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})

	now := time.Now()
	// Hot-pair message goes to the list, not the counter.
	rec.Submit(chatloop.MessageReceived{Message: testMessage(1, 2, 1, "hot", now)})
	// Message from a cold peer bumps its counter.
	rec.Submit(chatloop.MessageReceived{Message: testMessage(2, 5, 1, "cold", now)})
	rec.Submit(chatloop.MessageReceived{Message: testMessage(3, 5, 1, "cold again", now)})
	// A message addressed to someone else entirely is dropped.
	rec.Submit(chatloop.MessageReceived{Message: testMessage(4, 5, 6, "not mine", now)})

	snap := rec.Snapshot()
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, 2, snap.Unread[5])
	assert.Zero(t, snap.Unread[2])
	assert.Zero(t, snap.Unread[6])
}

func TestSendAndReceiptScenario(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.PeerSelected{Peer: 2})
	rec.Submit(chatloop.HistoryLoaded{Peer: 2, Messages: nil})

	sent := testMessage(101, 1, 2, "are you there?", time.Now())
	rec.Submit(chatloop.MessageSent{Message: sent})

	snap := rec.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.False(t, snap.Messages[0].Read)

	rec.Submit(chatloop.ReadReceipt{MessageID: 101, Peer: 2})
	snap = rec.Snapshot()
	assert.True(t, snap.Messages[0].Read)
}

func TestIncomingCallWhileBusyIsAutoRejected(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.IncomingCall{Peer: 2, RoomID: "room-a", Kind: chatloop.CallVoice})

	effects := rec.Apply(chatloop.IncomingCall{Peer: 3, RoomID: "room-b", Kind: chatloop.CallVideo})
	require.Len(t, effects, 1)
	assert.Equal(t, chatloop.RejectCallEffect{Peer: 3, RoomID: "room-b", Kind: chatloop.CallVideo}, effects[0])

	// The first call is untouched.
	snap := rec.Snapshot()
	require.NotNil(t, snap.Call)
	assert.Equal(t, 2, snap.Call.Peer)
	assert.Equal(t, "room-a", snap.Call.RoomID)
	assert.Equal(t, chatloop.CallRinging, snap.Call.Phase)
}

func TestOutgoingCallWhileBusyIsIgnored(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.OutgoingCall{Peer: 2, RoomID: "room-a", Kind: chatloop.CallVoice})

	assert.Empty(t, rec.Apply(chatloop.OutgoingCall{Peer: 3, RoomID: "room-b", Kind: chatloop.CallVoice}))
	snap := rec.Snapshot()
	require.NotNil(t, snap.Call)
	assert.Equal(t, 2, snap.Call.Peer)
}

func TestCallLifecycle(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})

	rec.Submit(chatloop.IncomingCall{Peer: 2, RoomID: "room-a", Kind: chatloop.CallVideo})
	snap := rec.Snapshot()
	require.NotNil(t, snap.Call)
	assert.Equal(t, chatloop.CallRinging, snap.Call.Phase)
	assert.Equal(t, chatloop.CallIncoming, snap.Call.Direction)

	rec.Submit(chatloop.CallAccepted{})
	snap = rec.Snapshot()
	require.NotNil(t, snap.Call)
	assert.Equal(t, chatloop.CallActive, snap.Call.Phase)

	// Reject is only valid while ringing; on an active call it is a no-op.
	rec.Submit(chatloop.CallRejected{})
	require.NotNil(t, rec.Snapshot().Call)

	rec.Submit(chatloop.CallEnded{})
	assert.Nil(t, rec.Snapshot().Call)

	// Ending or accepting with no call in flight changes nothing.
	rec.Submit(chatloop.CallEnded{})
	rec.Submit(chatloop.CallAccepted{})
	assert.Nil(t, rec.Snapshot().Call)
}

func TestCallRejectedClearsRingingCall(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	rec.Submit(chatloop.OutgoingCall{Peer: 2, RoomID: "room-a", Kind: chatloop.CallVoice})

	rec.Submit(chatloop.CallRejected{})
	assert.Nil(t, rec.Snapshot().Call)
}

func TestApplyIsVisibleWhileRunLoopIsBusy(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	// A slow notify callback keeps the run loop occupied, like a renderer
	// doing terminal I/O.
	rec.SetNotify(func() { time.Sleep(10 * time.Millisecond) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	for i := 0; i < 20; i++ {
		rec.Submit(chatloop.RosterLoaded{Contacts: []chatloop.Contact{{UserID: 2, Name: "Ben"}}, Online: []int{2}})
	}

	// A synchronous apply must be reflected in the very next snapshot, even
	// though the loop is still draining its queue.
	effects := rec.Apply(chatloop.OutgoingCall{Peer: 2, RoomID: "room-1", Kind: chatloop.CallVoice})
	assert.Empty(t, effects)

	snap := rec.Snapshot()
	require.NotNil(t, snap.Call)
	assert.Equal(t, "room-1", snap.Call.RoomID)
	assert.Equal(t, chatloop.CallRinging, snap.Call.Phase)

	// And the same holds for tearing it down again.
	rec.Apply(chatloop.CallRejected{})
	assert.Nil(t, rec.Snapshot().Call)
}

func TestNotifyFiresOnlyOnChange(t *testing.T) {
	rec := chatloop.NewReconciler(nil)
	var fired int
	rec.SetNotify(func() { fired++ })

	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	assert.Equal(t, 1, fired)

	// Ignored duplicate identity must not notify.
	rec.Submit(chatloop.SessionResolved{Session: testSession(1)})
	assert.Equal(t, 1, fired)

	rec.Submit(chatloop.PeerSelected{Peer: 2})
	assert.Equal(t, 2, fired)
	rec.Submit(chatloop.PeerSelected{Peer: 2})
	assert.Equal(t, 2, fired)
}
