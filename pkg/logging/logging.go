package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the log level and the rotated file.
type Config struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"` // empty: logs/ next to the executable
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	NoFile     bool   `mapstructure:"no_file"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 7,
	}
}

// New builds a logger writing to stdout and logs/<app>.log. Close the
// returned closer on shutdown to release the file.
func New(app string, cfg Config) (*logrus.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	log := logrus.New()
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"}
	log.Level = level

	if cfg.NoFile {
		log.Out = os.Stdout
		return log, nopCloser{}, nil
	}

	dir, err := logDir(cfg.Dir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "create log dir %s", dir)
	}
	def := DefaultConfig()
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, app+".log"),
		MaxSize:    positive(cfg.MaxSizeMB, def.MaxSizeMB),
		MaxBackups: positive(cfg.MaxBackups, def.MaxBackups),
		MaxAge:     positive(cfg.MaxAgeDays, def.MaxAgeDays),
	}
	log.Out = io.MultiWriter(os.Stdout, w)
	return log, w, nil
}

// Component scopes a logger to one package.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

func ParseLevel(raw string) (logrus.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return 0, errors.Wrap(err, "log level")
	}
	return level, nil
}

func logDir(dir string) (string, error) {
	if dir != "" {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return "", errors.Wrapf(err, "expand %s", dir)
		}
		return expanded, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "logs", nil
	}
	return filepath.Join(filepath.Dir(exe), "logs"), nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
