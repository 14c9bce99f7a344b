package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"weatherdash/pkg/logging"
)

const ServerEnvPrefix = "WEATHERDASH_STATION"

var DefaultServerPath = filepath.Join("config", "station.json")

const (
	SourceSimulated = "simulated"
	SourceHost      = "host"
)

type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	Path  string `mapstructure:"path"`
	Token string `mapstructure:"token"`

	DBPath       string        `mapstructure:"db_path"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	Retention    time.Duration `mapstructure:"retention"`

	Source          string `mapstructure:"source"`
	HostSensorKey   string `mapstructure:"host_sensor_key"` // substring filter for source=host
	StationID       string `mapstructure:"station_id"`
	Location        string `mapstructure:"location"`
	CalibrationDate string `mapstructure:"calibration_date"`

	Log logging.Config `mapstructure:"log"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":3000")
	v.SetDefault("path", "/ws")
	v.SetDefault("token", "")
	v.SetDefault("db_path", filepath.Join("data", "station.db"))
	v.SetDefault("push_interval", 5*time.Second)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("source", SourceSimulated)
	v.SetDefault("host_sensor_key", "")
	v.SetDefault("station_id", "station-1")
	v.SetDefault("location", "")
	v.SetDefault("calibration_date", "")
	setLogDefaults(v)
}

// LoadServer reads path (default config/station.json, missing is fine),
// then WEATHERDASH_STATION_* env vars, then explicitly set flags.
func LoadServer(path string, flags Flags) (ServerConfig, error) {
	required := path != ""
	if path == "" {
		path = DefaultServerPath
	}
	v, err := newViper(ServerEnvPrefix, path, required, flags, setServerDefaults)
	if err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, errors.Wrap(err, "decode station config")
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.DBPath, err = ExpandPath(cfg.DBPath); err != nil {
		return ServerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.PushInterval <= 0 {
		return errors.Errorf("push_interval must be positive, got %s", c.PushInterval)
	}
	if c.Retention < 0 {
		return errors.Errorf("retention must not be negative, got %s", c.Retention)
	}
	switch c.Source {
	case SourceSimulated, SourceHost:
	default:
		return errors.Errorf("unknown source %q (want %s or %s)", c.Source, SourceSimulated, SourceHost)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	return nil
}
