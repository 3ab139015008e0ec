package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	chatloop "github.com/chatloop-im/chatloop-go"
)

var messagesCmd = &cobra.Command{
	Use:   "messages <peer-id>",
	Short: "Print the conversation history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Messages(ctx, sess.UserID, peerID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range msgs {
			printMessage(sess.UserID, m)
		}
		return nil
	},
}

// printMessage renders one history line. Outgoing messages carry a read tick.
func printMessage(localID int, m chatloop.Message) {
	who := fmt.Sprintf("%d", m.SenderID)
	if m.SenderID == localID {
		who = "me"
	}
	body := m.Body
	if m.Kind == chatloop.MessageImage {
		body = "[image] " + m.Body
	}
	tick := ""
	if m.SenderID == localID {
		tick = " [sent]"
		if m.Read {
			tick = " [read]"
		}
	}
	fmt.Printf("%s  %s: %s%s\n", m.Timestamp.Format("Jan 02 15:04"), who, body, tick)
}

func init() {
	rootCmd.AddCommand(messagesCmd)
}
