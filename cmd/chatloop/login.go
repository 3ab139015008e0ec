package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatloop "github.com/chatloop-im/chatloop-go"
)

var (
	loginName   string
	loginAbout  string
	loginAvatar string
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Resolve or create an account and store the identity",
	Long: "Checks whether an account exists for the given email.\n" +
		"If it does, the resolved identity is stored in the config.\n" +
		"If it does not, pass --name to create the account first.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := client.CheckUser(ctx, email)
		if err != nil {
			return err
		}
		if sess == nil {
			if loginName == "" {
				return fmt.Errorf("no account for %s; pass --name to create one", email)
			}
			sess, err = client.OnboardUser(ctx, &chatloop.OnboardOptions{
				Email:     email,
				Name:      loginName,
				About:     loginAbout,
				AvatarRef: loginAvatar,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created account %s (user %d)\n", sess.Name, sess.UserID)
		}

		cfg.Auth.UserID = sess.UserID
		cfg.Auth.Email = sess.Email
		cfg.Auth.Name = sess.Name
		cfg.Auth.Avatar = sess.AvatarRef
		cfg.Auth.About = sess.About
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (user %d)\n", sess.Name, sess.UserID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "Display name for account creation")
	loginCmd.Flags().StringVar(&loginAbout, "about", "", "About text for account creation")
	loginCmd.Flags().StringVar(&loginAvatar, "avatar", "", "Avatar reference for account creation")
	rootCmd.AddCommand(loginCmd)
}
