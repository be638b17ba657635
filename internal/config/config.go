// Package config loads broker and client settings from environment variables,
// following the same getEnv(key, default) idiom the rest of this codebase uses.
package config

import (
	"os"
	"strconv"
)

const (
	// DefaultTextPort is the broker's text-channel TCP port.
	DefaultTextPort = 5555
	// DefaultFilePort is the broker's file-channel TCP port.
	DefaultFilePort = 5556
	// DefaultMaxHistory bounds the in-memory history log.
	DefaultMaxHistory = 100
	// DefaultMaxFrameBytes rejects any single envelope larger than this.
	DefaultMaxFrameBytes = 64 * 1024 * 1024
)

// Broker holds broker-side configuration.
type Broker struct {
	BindIP        string
	TextPort      int
	FilePort      int
	MaxHistory    int
	MaxFrameBytes int64
	MetricsAddr   string
	LogLevel      string
}

// LoadBroker reads broker configuration from the environment.
func LoadBroker() *Broker {
	return &Broker{
		BindIP:        getEnv("CHAT_BIND_IP", "0.0.0.0"),
		TextPort:      getEnvInt("CHAT_TEXT_PORT", DefaultTextPort),
		FilePort:      getEnvInt("CHAT_FILE_PORT", DefaultFilePort),
		MaxHistory:    getEnvInt("CHAT_MAX_HISTORY", DefaultMaxHistory),
		MaxFrameBytes: int64(getEnvInt("CHAT_MAX_FRAME_BYTES", DefaultMaxFrameBytes)),
		MetricsAddr:   getEnv("CHAT_METRICS_ADDR", ""),
		LogLevel:      getEnv("CHAT_LOG_LEVEL", "info"),
	}
}

// Client holds client-side configuration.
type Client struct {
	BindIP   string
	TextPort int
	FilePort int
	SaveDir  string
	LogLevel string
}

// LoadClient reads client configuration from the environment.
func LoadClient() *Client {
	return &Client{
		BindIP:   getEnv("CHAT_SERVER_IP", "127.0.0.1"),
		TextPort: getEnvInt("CHAT_TEXT_PORT", DefaultTextPort),
		FilePort: getEnvInt("CHAT_FILE_PORT", DefaultFilePort),
		SaveDir:  getEnv("CHAT_SAVE_DIR", "."),
		LogLevel: getEnv("CHAT_LOG_LEVEL", "info"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
