// Package config loads runtime configuration from environment
// variables, with flag overrides applied by the binaries.
package config

import (
	"os"
	"strconv"
)

// Server is the chat server configuration.
type Server struct {
	Addr   string
	DBPath string
}

// Client is the terminal client configuration.
type Client struct {
	ServerURL     string // HTTP base, e.g. http://localhost:5000
	TypingQuietMs int
	ReconnectMax  int
}

// LoadServer reads server settings from the environment.
func LoadServer() *Server {
	cfg := &Server{
		Addr:   ":5000",
		DBPath: "duochat.db",
	}
	if v := os.Getenv("DUOCHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DUOCHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	return cfg
}

// LoadClient reads client settings from the environment.
func LoadClient() *Client {
	cfg := &Client{
		ServerURL:     "http://localhost:5000",
		TypingQuietMs: 1000,
		ReconnectMax:  6,
	}
	if v := os.Getenv("DUOCHAT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("DUOCHAT_TYPING_QUIET_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TypingQuietMs = n
		}
	}
	if v := os.Getenv("DUOCHAT_RECONNECT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ReconnectMax = n
		}
	}
	return cfg
}
