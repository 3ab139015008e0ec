package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chatloop "github.com/chatloop-im/chatloop-go"
)

var sendImagePath string

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [text...]",
	Short: "Send a message to a peer",
	Long: "Sends a text message to a peer, or an image with --image.\n" +
		"The message is persisted over the REST API; no live socket is opened.",
	Args: cobra.MinimumNArgs(1),
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

		logger := newLogger()
		rec := chatloop.NewReconciler(&logger)
		rec.Apply(chatloop.SessionResolved{Session: *sess})
		rec.Apply(chatloop.PeerSelected{Peer: peerID})

		comp := chatloop.NewComposer(client, nil, rec, &logger)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if sendImagePath != "" {
			data, err := os.ReadFile(sendImagePath)
			if err != nil {
				return fmt.Errorf("cannot read image: %w", err)
			}
			msg, err := comp.SendImage(ctx, filepath.Base(sendImagePath), data)
			if err != nil {
				return err
			}
			fmt.Printf("Sent image %s (message %d)\n", msg.Body, msg.ID)
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("no message text given")
		}
		comp.SetDraft(strings.Join(args[1:], " "))
		msg, err := comp.Send(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("message was blank")
		}
		fmt.Printf("Sent message %d\n", msg.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendImagePath, "image", "", "Path to an image file to send instead of text")
	rootCmd.AddCommand(sendCmd)
}
