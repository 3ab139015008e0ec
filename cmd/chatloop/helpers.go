package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	chatloop "github.com/chatloop-im/chatloop-go"
)

// newLogger builds a console logger for CLI output on stderr.
// Info level by default; --verbose switches to debug.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// getClient builds an API client from the stored config.
func getClient(cfg *Config) *chatloop.Client {
	var opts []chatloop.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatloop.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatloop.NewClient(opts...)
}

// loadSession reconstructs the logged-in identity from the config.
func loadSession(cfg *Config) (*chatloop.Session, error) {
	if cfg.Auth.UserID == 0 {
		return nil, fmt.Errorf("not logged in; run: chatloop login <email>")
	}
	return &chatloop.Session{
		UserID:    cfg.Auth.UserID,
		Email:     cfg.Auth.Email,
		Name:      cfg.Auth.Name,
		AvatarRef: cfg.Auth.Avatar,
		About:     cfg.Auth.About,
	}, nil
}
