package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatloop-im/chatloop-go/stubserver"
)

var (
	serveAddr string
	serveSeed []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory backend for local development",
	Long: "Starts the stub backend: the REST API plus the socket hub, all state\n" +
		"held in memory. Seed accounts with --seed email=Name (repeatable).",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		srv := stubserver.New(&logger)

		for _, seed := range serveSeed {
			parts := strings.SplitN(seed, "=", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return fmt.Errorf("invalid --seed value %q, want email=Name", seed)
			}
			sess := srv.AddAccount(parts[0], parts[1], "", "")
			fmt.Printf("Seeded account %s (user %d)\n", sess.Name, sess.UserID)
		}

		fmt.Printf("chatloop stub backend listening on %s\n", serveAddr)
		return http.ListenAndServe(serveAddr, srv.Handler())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":3005", "Listen address")
	serveCmd.Flags().StringArrayVar(&serveSeed, "seed", nil, "Seed account as email=Name (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
