package config

import (
	"errors"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrParse = errors.New("unable to parse config")
)

type Config struct {
	APIListenAddr string `mapstructure:"api_listen_addr"`
	WSListenAddr  string `mapstructure:"ws_listen_addr"`
	LogLevel      string `mapstructure:"log_level"`
}

// Load resolves configuration in ascending precedence:
// defaults, optional watchsync.yaml, WATCHSYNC_* env vars, command line flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("api_listen_addr", ":8080")
	v.SetDefault("ws_listen_addr", ":8888")
	v.SetDefault("log_level", "debug")

	v.SetConfigName("watchsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("watchsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Join(ErrParse, err)
		}
		// no config file, defaults plus env and flags apply
	}

	if fs != nil {
		flagKeys := map[string]string{
			"api_listen_addr": "api-listen-addr",
			"ws_listen_addr":  "ws-listen-addr",
			"log_level":       "log-level",
		}
		for key, name := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errors.Join(ErrParse, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	return &cfg, nil
}
