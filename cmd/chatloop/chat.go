package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	chatloop "github.com/chatloop-im/chatloop-go"
)

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a live conversation with a peer",
	Long: "Connects the realtime channel and keeps the conversation in sync.\n" +
		"Type a line to send it. Commands:\n" +
		"  /img <path>          send an image\n" +
		"  /call voice|video    start a call\n" +
		"  /accept              accept a ringing call\n" +
		"  /reject              reject a ringing call\n" +
		"  /hangup              end the current call\n" +
		"  /quit                leave the session",
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	peerID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("peer id must be a number: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sess, err := loadSession(cfg)
	if err != nil {
		return err
	}

	logger := newLogger()
	client := getClient(cfg)
	rec := chatloop.NewReconciler(&logger)
	channel := chatloop.NewChannel(client.BaseURL(), rec, &chatloop.ChannelConfig{
		AutoReconnect: true,
		Logger:        &logger,
	})
	rec.SetEffectSink(channel.HandleEffect)
	channel.OnConnected(func() { fmt.Println("-- connected --") })
	channel.OnDisconnected(func(reason string) { fmt.Printf("-- disconnected: %s --\n", reason) })
	channel.OnReconnecting(func(attempt int, delay time.Duration) {
		fmt.Printf("-- reconnecting (attempt %d) in %s --\n", attempt, delay)
	})

	view := &chatView{rec: rec, localID: sess.UserID, peerID: peerID}
	rec.SetNotify(view.render)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	rec.Submit(chatloop.SessionResolved{Session: *sess})

	if err := channel.Connect(ctx); err != nil {
		return fmt.Errorf("cannot connect realtime channel: %w", err)
	}
	defer channel.Disconnect()
	if err := channel.AnnouncePresence(ctx, sess.UserID); err != nil {
		return fmt.Errorf("cannot announce presence: %w", err)
	}

	contacts, err := client.InitialContacts(ctx, sess.UserID)
	if err != nil {
		return err
	}
	rec.Submit(chatloop.RosterLoaded{Contacts: contacts.Users, Online: contacts.OnlineUsers})
	rec.Submit(chatloop.PeerSelected{Peer: peerID})

	history, err := client.Messages(ctx, sess.UserID, peerID)
	if err != nil {
		return err
	}
	rec.Submit(chatloop.HistoryLoaded{Peer: peerID, Messages: history})

	comp := chatloop.NewComposer(client, channel, rec, &logger)

	fmt.Printf("Chatting with peer %d as %s. /quit to leave.\n", peerID, sess.Name)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/img "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/img "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("cannot read image: %v\n", err)
				continue
			}
			if _, err := comp.SendImage(ctx, filepath.Base(path), data); err != nil {
				fmt.Printf("image send failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/call"):
			handleCallCommand(ctx, line, sess.UserID, peerID, rec, channel)
		case line == "/accept":
			rec.Submit(chatloop.CallAccepted{})
		case line == "/reject":
			handleReject(ctx, rec, channel)
		case line == "/hangup":
			rec.Submit(chatloop.CallEnded{})
		default:
			comp.SetDraft(line)
			if _, err := comp.Send(ctx); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

// applyNow applies an intent synchronously, bypassing the run loop's queue,
// so the caller can branch on the resulting state right away. Effects the
// transition produced are forwarded to the channel.
func applyNow(rec *chatloop.Reconciler, channel *chatloop.Channel, intent chatloop.Intent) {
	for _, e := range rec.Apply(intent) {
		channel.HandleEffect(e)
	}
}

func handleCallCommand(ctx context.Context, line string, localID, peerID int, rec *chatloop.Reconciler, channel *chatloop.Channel) {
	fields := strings.Fields(line)
	kind := chatloop.CallVoice
	if len(fields) > 1 && fields[1] == "video" {
		kind = chatloop.CallVideo
	}
	roomID := uuid.NewString()
	applyNow(rec, channel, chatloop.OutgoingCall{Peer: peerID, RoomID: roomID, Kind: kind})

	// The apply was synchronous, so the snapshot reflects whether the call
	// actually started or was refused because another one is in flight.
	snap := rec.Snapshot()
	if snap.Call == nil || snap.Call.RoomID != roomID {
		fmt.Println("already in a call; /hangup first")
		return
	}
	if err := channel.CallPeer(ctx, localID, peerID, roomID, kind); err != nil {
		fmt.Printf("call failed: %v\n", err)
		rec.Submit(chatloop.CallEnded{})
	}
}

func handleReject(ctx context.Context, rec *chatloop.Reconciler, channel *chatloop.Channel) {
	call := rec.Snapshot().Call
	if call == nil || call.Phase != chatloop.CallRinging {
		fmt.Println("no ringing call")
		return
	}
	applyNow(rec, channel, chatloop.CallRejected{})
	if rec.Snapshot().Call != nil {
		// A racing transition kept the call; nothing to signal.
		return
	}
	if call.Direction == chatloop.CallIncoming {
		if err := channel.RejectCall(ctx, call.Peer, call.Kind); err != nil {
			fmt.Printf("reject failed: %v\n", err)
		}
	}
}

// chatView prints state changes to the terminal. It tracks what it has
// already shown so each notify only prints the delta.
type chatView struct {
	rec     *chatloop.Reconciler
	localID int
	peerID  int

	mu        sync.Mutex
	shownIDs  map[int]bool
	lastPhase chatloop.CallPhase
	hadCall   bool
	wasOnline bool
	hasRoster bool
}

func (v *chatView) render() {
	snap := v.rec.Snapshot()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.shownIDs == nil {
		v.shownIDs = make(map[int]bool)
	}

	for _, m := range snap.Messages {
		if v.shownIDs[m.ID] {
			continue
		}
		v.shownIDs[m.ID] = true
		// Skip own echoes; the composer already showed the input line.
		if m.SenderID == v.localID {
			continue
		}
		body := m.Body
		if m.Kind == chatloop.MessageImage {
			body = "[image] " + m.Body
		}
		fmt.Printf("%s  peer: %s\n", time.Now().Format("15:04"), body)
	}

	for _, c := range snap.Roster {
		if c.UserID != v.peerID {
			continue
		}
		if !v.hasRoster || c.IsOnline != v.wasOnline {
			if c.IsOnline {
				fmt.Printf("-- %s is online --\n", c.Name)
			} else if v.hasRoster {
				fmt.Printf("-- %s went offline --\n", c.Name)
			}
		}
		v.hasRoster = true
		v.wasOnline = c.IsOnline
	}

	v.renderCall(snap.Call)
}

func (v *chatView) renderCall(call *chatloop.CallSession) {
	if call == nil {
		if v.hadCall {
			fmt.Println("-- call ended --")
		}
		v.hadCall = false
		return
	}
	if !v.hadCall || call.Phase != v.lastPhase {
		switch {
		case call.Phase == chatloop.CallRinging && call.Direction == chatloop.CallIncoming:
			fmt.Printf("-- incoming %s call from %d (/accept or /reject) --\n", call.Kind, call.Peer)
		case call.Phase == chatloop.CallRinging:
			fmt.Printf("-- calling %d (%s)... --\n", call.Peer, call.Kind)
		case call.Phase == chatloop.CallActive:
			fmt.Printf("-- %s call active, room %s --\n", call.Kind, call.RoomID)
		}
	}
	v.hadCall = true
	v.lastPhase = call.Phase
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
