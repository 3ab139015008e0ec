package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	chatloop "github.com/chatloop-im/chatloop-go"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored identity and check backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		baseURL := cfg.Default.BaseURL
		if baseURL == "" {
			baseURL = chatloop.DefaultBaseURL
		}

		fmt.Printf("Config:   %s\n", path)
		fmt.Printf("Backend:  %s\n", baseURL)
		if cfg.Auth.UserID != 0 {
			fmt.Printf("Identity: %s <%s> (user %d)\n", cfg.Auth.Name, cfg.Auth.Email, cfg.Auth.UserID)
		} else {
			fmt.Println("Identity: not logged in")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Health:   unreachable (%v)\n", err)
			return nil
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		fmt.Printf("Health:   %s\n", resp.Status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
