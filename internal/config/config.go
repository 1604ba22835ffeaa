package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SECUREMSG"

type (
	Config struct {
		Log     LogConfig     `mapstructure:"log"`
		Server  ServerConfig  `mapstructure:"server"`
		Mongo   MongoConfig   `mapstructure:"mongo"`
		Redis   RedisConfig   `mapstructure:"redis"`
		Client  ClientConfig  `mapstructure:"client"`
		Ratchet RatchetConfig `mapstructure:"ratchet"`
		Keys    KeysConfig    `mapstructure:"keys"`
	}

	LogConfig struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	}

	ServerConfig struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	}

	MongoConfig struct {
		URI            string        `mapstructure:"uri"`
		Database       string        `mapstructure:"database"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		// QueueTTL bounds how long undelivered envelopes wait for an offline device.
		QueueTTL time.Duration `mapstructure:"queue_ttl"`
	}

	ClientConfig struct {
		ServerURL string `mapstructure:"server_url"`
		User      string `mapstructure:"user"`
		Device    string `mapstructure:"device"`
		StorePath string `mapstructure:"store_path"`
		// State selects where device state lives: "badger" (StorePath) or
		// "redis" (the redis section, keyed by address).
		State string `mapstructure:"state"`
	}

	RatchetConfig struct {
		SkipWindow uint32 `mapstructure:"skip_window"`
	}

	KeysConfig struct {
		OneTimePreKeys  int           `mapstructure:"one_time_prekeys"`
		SignedPreKeyTTL time.Duration `mapstructure:"signed_prekey_ttl"`
	}
)

// Load reads configuration from defaults, an optional YAML file, SECUREMSG_*
// environment variables and flags, in increasing order of precedence. An
// empty path searches the working directory and $HOME/.securemsg.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("securemsg")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.securemsg")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Ratchet.SkipWindow == 0 {
		return errors.New("ratchet.skip_window must be positive")
	}
	if c.Client.State != "badger" && c.Client.State != "redis" {
		return fmt.Errorf("client.state must be badger or redis, got %q", c.Client.State)
	}
	if c.Keys.OneTimePreKeys < 0 {
		return errors.New("keys.one_time_prekeys cannot be negative")
	}
	if c.Keys.SignedPreKeyTTL <= 0 {
		return errors.New("keys.signed_prekey_ttl must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("server.addr", "localhost:9090")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "securemsg")
	v.SetDefault("mongo.connect_timeout", "10s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_ttl", "168h")

	v.SetDefault("client.server_url", "http://localhost:9090")
	v.SetDefault("client.store_path", ".securemsg")
	v.SetDefault("client.state", "badger")

	v.SetDefault("ratchet.skip_window", 1000)

	v.SetDefault("keys.one_time_prekeys", 20)
	v.SetDefault("keys.signed_prekey_ttl", "720h")
}

// flag name -> config key
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"addr":        "server.addr",
	"server":      "client.server_url",
	"user":        "client.user",
	"device":      "client.device",
	"store":       "client.store_path",
	"state":       "client.state",
	"skip-window": "ratchet.skip_window",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
