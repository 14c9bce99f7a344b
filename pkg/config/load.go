package config

import (
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flags maps config keys to command-line flags. A flag only overrides the
// file and environment when it was set explicitly.
type Flags map[string]*pflag.Flag

// newViper reads path (if it exists) under the given env prefix. Keys
// use '.' for nesting; env names use '_' instead.
func newViper(prefix, path string, required bool, flags Flags, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range flags {
		// an unchanged flag's default would shadow SetDefault
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, errors.Wrapf(err, "bind flag %s", key)
		}
	}

	if path == "" {
		return v, nil
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return nil, errors.Wrapf(err, "read config %s", expanded)
	}
	return v, nil
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return "", errors.Wrapf(err, "expand %s", path)
	}
	return expanded, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
