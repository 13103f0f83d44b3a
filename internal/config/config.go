// Package config loads the nicolive-tail configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/kabili207/nicolive-go/core"
)

type Config struct {
	BroadcastID string    `env:"NICOLIVE_BROADCAST_ID"`
	Rooms       string    `env:"NICOLIVE_ROOMS"`
	EntryPort   int       `env:"NICOLIVE_ENTRY_PORT"`
	UserSession string    `env:"NICOLIVE_USER_SESSION"`
	UserID      string    `env:"NICOLIVE_USER_ID"`
	Premium     bool      `env:"NICOLIVE_PREMIUM" default:"false"`
	OwnerToken  string    `env:"NICOLIVE_OWNER_TOKEN"`
	BaseTime    time.Time `env:"NICOLIVE_BASE_TIME"`
	APIBase     string    `env:"NICOLIVE_API_BASE" default:"https://live.nicovideo.jp"`
	Backlog     int       `env:"NICOLIVE_BACKLOG" default:"100"`

	MQTTBroker      string `env:"MQTT_BROKER"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" default:"nicolive"`

	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
}

// Load reads the configuration. If envFile is empty, a .env file in the
// working directory is used when present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.BroadcastID == "" {
		return fmt.Errorf("NICOLIVE_BROADCAST_ID is required")
	}
	if cfg.Rooms == "" {
		return fmt.Errorf("NICOLIVE_ROOMS is required")
	}
	if _, err := cfg.RoomList(); err != nil {
		return err
	}
	if cfg.Backlog < 0 {
		return fmt.Errorf("NICOLIVE_BACKLOG must not be negative, got %d", cfg.Backlog)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return nil
}

// RoomList parses NICOLIVE_ROOMS.
func (c *Config) RoomList() ([]core.RoomInfo, error) {
	rooms, err := core.ParseRoomList(c.Rooms)
	if err != nil {
		return nil, fmt.Errorf("NICOLIVE_ROOMS: %w", err)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("NICOLIVE_ROOMS lists no rooms")
	}
	return rooms, nil
}

// Broadcast returns the broadcast template described by the configuration.
// A zero BaseTime is replaced with now.
func (c *Config) Broadcast(now time.Time) (core.Broadcast, error) {
	rooms, err := c.RoomList()
	if err != nil {
		return core.Broadcast{}, err
	}
	base := c.BaseTime
	if base.IsZero() {
		base = now
	}
	entry := c.EntryPort
	if entry == 0 {
		entry = rooms[0].Port
	}
	return core.Broadcast{
		ID:         c.BroadcastID,
		Rooms:      rooms,
		EntryPort:  entry,
		UserID:     c.UserID,
		Premium:    c.Premium,
		BaseTime:   base,
		IsOwner:    c.OwnerToken != "",
		OwnerToken: c.OwnerToken,
	}, nil
}
