// Package config loads the core runtime's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Core holds every configuration key recognized by the core runtime plus
// the knobs needed to stand up the gateway, cluster and persistence layers
// around it.
type Core struct {
	Cluster  ClusterConfig  `yaml:"cluster"`
	Actor    ActorConfig    `yaml:"actor"`
	Session  SessionConfig  `yaml:"session"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Database DatabaseConfig `yaml:"database"`
	LogLevel string         `yaml:"log_level"`
}

// ClusterConfig controls sharding and topology refresh.
type ClusterConfig struct {
	Enabled                bool `yaml:"enabled"`
	VirtualNodes           int  `yaml:"virtualNodes"`
	AutoMigrate            bool `yaml:"autoMigrate"`
	RefreshIntervalSeconds int  `yaml:"refreshIntervalSeconds"`
	RPCPort                int  `yaml:"rpcPort"`
}

// ActorConfig controls the mailbox runtime.
type ActorConfig struct {
	DefaultIdleTimeoutMinutes  int `yaml:"defaultIdleTimeoutMinutes"`
	DefaultSaveIntervalSeconds int `yaml:"defaultSaveIntervalSeconds"`
	MailboxMaxSize             int `yaml:"mailboxMaxSize"`
	MaxSystemSize              int `yaml:"maxSystemSize"`
}

// SessionConfig controls the front-door session registry.
type SessionConfig struct {
	ReconnectGraceMs int `yaml:"reconnectGraceMs"`
	PendingQueueMax  int `yaml:"pendingQueueMax"`
	SweepIntervalMs  int `yaml:"sweepIntervalMs"`
}

// GatewayConfig controls the TCP/WebSocket front door.
type GatewayConfig struct {
	BindAddress         string `yaml:"bindAddress"`
	Port                int    `yaml:"port"`
	WSPort              int    `yaml:"wsPort"`
	MaxFrameLength      int    `yaml:"maxFrameLength"`
	SendQueueSize       int    `yaml:"sendQueueSize"`
	WriteTimeoutMs      int    `yaml:"writeTimeoutMs"`
	ReadTimeoutMs       int    `yaml:"readTimeoutMs"`
	FloodProtection     bool   `yaml:"floodProtection"`
	FastConnectionLimit int    `yaml:"fastConnectionLimit"`
	MaxConnectionPerIP  int    `yaml:"maxConnectionPerIP"`
}

// DatabaseConfig holds PostgreSQL connection parameters for the durable
// persistence contract's pgx-backed implementation.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns int32 `yaml:"max_conns"`
	MinConns int32 `yaml:"min_conns"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	base := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)

	var params []string
	if d.MaxConns > 0 {
		params = append(params, fmt.Sprintf("pool_max_conns=%d", d.MaxConns))
	}
	if d.MinConns > 0 {
		params = append(params, fmt.Sprintf("pool_min_conns=%d", d.MinConns))
	}
	if len(params) > 0 {
		return base + "&" + strings.Join(params, "&")
	}
	return base
}

// Default returns Core with every documented default applied.
func Default() Core {
	return Core{
		LogLevel: "info",
		Cluster: ClusterConfig{
			Enabled:                false,
			VirtualNodes:           160,
			AutoMigrate:            false,
			RefreshIntervalSeconds: 30,
			RPCPort:                9020,
		},
		Actor: ActorConfig{
			DefaultIdleTimeoutMinutes:  30,
			DefaultSaveIntervalSeconds: 300,
			MailboxMaxSize:             10_000,
			MaxSystemSize:              10_000,
		},
		Session: SessionConfig{
			ReconnectGraceMs: 300_000,
			PendingQueueMax:  10_000,
			SweepIntervalMs:  30_000,
		},
		Gateway: GatewayConfig{
			BindAddress:         "0.0.0.0",
			Port:                9013,
			WSPort:              9014,
			MaxFrameLength:      1_048_576,
			SendQueueSize:       256,
			WriteTimeoutMs:      5_000,
			ReadTimeoutMs:       120_000,
			FloodProtection:     true,
			FastConnectionLimit: 15,
			MaxConnectionPerIP:  50,
		},
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "mmocore",
			Password: "mmocore",
			DBName:   "mmocore",
			SSLMode:  "disable",
		},
	}
}

// Load reads Core from a YAML file, falling back to Default() when the file
// does not exist.
func Load(path string) (Core, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
