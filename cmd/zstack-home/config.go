package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/commissioning"
	"zstack-go-home/internal/coordinator"
	"zstack-go-home/internal/structs"
)

type Config struct {
	Serial struct {
		Port           string `yaml:"port"`
		Baud           int    `yaml:"baud"`
		SkipBootloader bool   `yaml:"skip_bootloader"`
	} `yaml:"serial"`
	Network struct {
		PanID         uint16  `yaml:"pan_id"`
		ExtPanID      string  `yaml:"extended_pan_id"`
		Channels      []uint8 `yaml:"channels"`
		NetworkKey    string  `yaml:"network_key"`
		DistributeKey bool    `yaml:"distribute_key"`
	} `yaml:"network"`
	Backup struct {
		Path string `yaml:"path"`
	} `yaml:"backup"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Commissioning struct {
		SettleInterval time.Duration `yaml:"settle_interval"`
		SettleAttempts int           `yaml:"settle_attempts"`
		StartTimeout   time.Duration `yaml:"start_timeout"`
	} `yaml:"commissioning"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if len(c.Network.Channels) == 0 {
		return fmt.Errorf("network.channels must not be empty")
	}
	for _, ch := range c.Network.Channels {
		if ch < 11 || ch > 26 {
			return fmt.Errorf("network.channels must be 11-26, got %d", ch)
		}
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if _, err := coordinator.ParseExtPanID(c.Network.ExtPanID); err != nil {
		return fmt.Errorf("network.extended_pan_id: %w", err)
	}
	if c.Network.NetworkKey != "" {
		if _, err := coordinator.ParseNetworkKey(c.Network.NetworkKey); err != nil {
			return fmt.Errorf("network.network_key: %w", err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// networkOptions builds the desired network. Without a configured key the
// key of the stored backup is reused, and only a fresh install gets a
// random one.
func (c *Config) networkOptions(st backup.Storage) (backup.NetworkOptions, error) {
	extPanID, err := coordinator.ParseExtPanID(c.Network.ExtPanID)
	if err != nil {
		return backup.NetworkOptions{}, fmt.Errorf("parse ext pan id: %w", err)
	}
	var key structs.Key
	switch {
	case c.Network.NetworkKey != "":
		key, err = coordinator.ParseNetworkKey(c.Network.NetworkKey)
		if err != nil {
			return backup.NetworkOptions{}, fmt.Errorf("parse network key: %w", err)
		}
	default:
		b, err := st.LoadBackup()
		switch {
		case err == nil:
			key = b.NetworkOptions.NetworkKey
		case errors.Is(err, backup.ErrNoBackup):
			if _, err := rand.Read(key[:]); err != nil {
				return backup.NetworkOptions{}, fmt.Errorf("generate network key: %w", err)
			}
		default:
			return backup.NetworkOptions{}, fmt.Errorf("load backup: %w", err)
		}
	}
	return backup.NetworkOptions{
		PanID:                c.Network.PanID,
		ExtendedPanID:        extPanID,
		ChannelList:          c.Network.Channels,
		NetworkKey:           key,
		NetworkKeyDistribute: c.Network.DistributeKey,
	}, nil
}

func (c *Config) commissioningConfig() commissioning.Config {
	return commissioning.Config{
		SettleInterval: c.Commissioning.SettleInterval,
		SettleAttempts: c.Commissioning.SettleAttempts,
		StartTimeout:   c.Commissioning.StartTimeout,
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if len(c.Network.Channels) == 0 {
		c.Network.Channels = []uint8{11}
	}
	if c.Network.ExtPanID == "" {
		c.Network.ExtPanID = "DDDDDDDDDDDDDDDD"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "zstack-home.db"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "zigbee2mqtt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Commissioning.SettleInterval == 0 {
		c.Commissioning.SettleInterval = 3 * time.Second
	}
	if c.Commissioning.SettleAttempts == 0 {
		c.Commissioning.SettleAttempts = 10
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
