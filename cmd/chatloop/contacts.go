package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List contacts with online status",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		result, err := client.InitialContacts(ctx, sess.UserID)
		if err != nil {
			return err
		}
		if len(result.Users) == 0 {
			fmt.Println("No contacts yet.")
			return nil
		}

		online := make(map[int]bool, len(result.OnlineUsers))
		for _, id := range result.OnlineUsers {
			online[id] = true
		}
		for _, c := range result.Users {
			marker := " "
			if online[c.UserID] {
				marker = "*"
			}
			fmt.Printf("%s %4d  %s", marker, c.UserID, c.Name)
			if c.About != "" {
				fmt.Printf("  (%s)", c.About)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(contactsCmd)
}
