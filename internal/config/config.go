// Package config centralizes runtime configuration: compiled
// defaults, an optional YAML config file, TUNLY_-prefixed environment
// variables, and CLI flags, resolved in that order of precedence by
// viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	v *viper.Viper
}

// New builds a Config with defaults applied, the config file loaded
// when present, and environment variables bound.
func New() (*Config, error) {
	v := viper.New()

	for _, o := range ServerOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range AgentOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tunly/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("TUNLY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Well-known variable names kept from the original deployment.
	for key, env := range map[string]string{
		KeyServerPort:        "PORT",
		KeyServerToken:       "TUNLY_TOKEN",
		KeyServerJWTSecret:   "TUNLY_JWT_SECRET",
		KeyServerInternalKey: "TUNLY_INTERNAL_KEY",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	return &Config{v: v}, nil
}

// BindFlags registers each option as a CLI flag and binds it into
// viper so flags take precedence over file and environment values.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerHost() string {
	return c.v.GetString(KeyServerHost) // TUNLY_SERVER_HOST
}

func (c *Config) ServerPort() int {
	return c.v.GetInt(KeyServerPort) // PORT
}

func (c *Config) ServerBind() string {
	return c.v.GetString(KeyServerBind) // TUNLY_SERVER_BIND
}

func (c *Config) ServerToken() string {
	return c.v.GetString(KeyServerToken) // TUNLY_TOKEN
}

func (c *Config) ServerJWTSecret() string {
	return c.v.GetString(KeyServerJWTSecret) // TUNLY_JWT_SECRET
}

func (c *Config) ServerAllowTokenQuery() bool {
	return c.v.GetBool(KeyServerAllowTokenQuery) // TUNLY_SERVER_ALLOW_TOKEN_QUERY
}

func (c *Config) ServerInternalKey() string {
	return c.v.GetString(KeyServerInternalKey) // TUNLY_INTERNAL_KEY
}

func (c *Config) AgentRemoteHost() string {
	return c.v.GetString(KeyAgentRemoteHost) // TUNLY_AGENT_REMOTE_HOST
}

func (c *Config) AgentLocal() string {
	return c.v.GetString(KeyAgentLocal) // TUNLY_AGENT_LOCAL
}

func (c *Config) AgentUseWSS() bool {
	return c.v.GetBool(KeyAgentUseWSS) // TUNLY_AGENT_USE_WSS
}

func (c *Config) AgentPath() string {
	return c.v.GetString(KeyAgentPath) // TUNLY_AGENT_PATH
}

func (c *Config) AgentTokenURL() string {
	return c.v.GetString(KeyAgentTokenURL) // TUNLY_AGENT_TOKEN_URL
}
