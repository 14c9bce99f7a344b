package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"weatherdash/pkg/channel"
	"weatherdash/pkg/logging"
)

const ClientEnvPrefix = "WEATHERDASH"

var DefaultClientPath = filepath.Join("config", "client.json")

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (r ReconnectConfig) Policy() channel.ReconnectPolicy {
	return channel.ReconnectPolicy{BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay, MaxAttempts: r.MaxAttempts}
}

type AlertsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Desktop  bool          `mapstructure:"desktop"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type ClientConfig struct {
	ServerURL  string   `mapstructure:"server_url"`
	Token      string   `mapstructure:"token"`
	DNSServers []string `mapstructure:"dns_servers"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	// HeartbeatInterval of zero disables pings.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`

	Log    logging.Config `mapstructure:"log"`
	Alerts AlertsConfig   `mapstructure:"alerts"`
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:3000/ws")
	v.SetDefault("token", "")
	v.SetDefault("dns_servers", []string{})
	v.SetDefault("reconnect.base_delay", channel.DefaultBaseDelay)
	v.SetDefault("reconnect.max_delay", channel.DefaultMaxDelay)
	v.SetDefault("reconnect.max_attempts", channel.DefaultMaxAttempts)
	v.SetDefault("heartbeat_interval", channel.DefaultHeartbeatInterval)
	v.SetDefault("handshake_timeout", channel.DefaultHandshakeTimeout)
	setLogDefaults(v)
	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.desktop", false)
	v.SetDefault("alerts.cooldown", 5*time.Minute)
}

func setLogDefaults(v *viper.Viper) {
	def := logging.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.dir", def.Dir)
	v.SetDefault("log.max_size_mb", def.MaxSizeMB)
	v.SetDefault("log.max_backups", def.MaxBackups)
	v.SetDefault("log.max_age_days", def.MaxAgeDays)
	v.SetDefault("log.no_file", def.NoFile)
}

// LoadClient reads path (default config/client.json, missing is fine),
// then WEATHERDASH_* env vars, then explicitly set flags.
func LoadClient(path string, flags Flags) (ClientConfig, error) {
	required := path != ""
	if path == "" {
		path = DefaultClientPath
	}
	v, err := newViper(ClientEnvPrefix, path, required, flags, setClientDefaults)
	if err != nil {
		return ClientConfig{}, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, errors.Wrap(err, "decode client config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c *ClientConfig) normalize() {
	c.ServerURL = strings.TrimSpace(c.ServerURL)
	c.Token = strings.TrimSpace(c.Token)
	c.DNSServers = trimAll(c.DNSServers)
}

func (c ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if err := c.Reconnect.Policy().Validate(); err != nil {
		return err
	}
	if c.HeartbeatInterval < 0 {
		return errors.Errorf("heartbeat_interval must not be negative, got %s", c.HeartbeatInterval)
	}
	if c.Alerts.Cooldown < 0 {
		return errors.Errorf("alerts.cooldown must not be negative, got %s", c.Alerts.Cooldown)
	}
	return nil
}

// ChannelConfig maps the file settings onto the channel client's config.
func (c ClientConfig) ChannelConfig() channel.Config {
	cc := channel.Config{
		URL:               c.ServerURL,
		Reconnect:         c.Reconnect.Policy(),
		HeartbeatInterval: c.HeartbeatInterval,
	}
	if c.HeartbeatInterval == 0 {
		cc.HeartbeatInterval = -1
	}
	if c.Token != "" {
		cc.Header = map[string][]string{"Authorization": {"Bearer " + c.Token}}
	}
	return cc
}
