package config

import (
	"strings"
	"time"

	"github.com/friendsofgo/errors"
	"github.com/kat-co/vala"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FLOWRUNNER_DATABASE_URL.
const EnvPrefix = "FLOWRUNNER"

type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	History  HistoryConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Log      LogConfig
	CORS     CORSConfig
	SMTP     SMTPConfig
	Twilio   TwilioConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL string
}

// HistoryConfig selects the database/sql driver used for execution history.
// An empty DSN disables the history store.
type HistoryConfig struct {
	Driver string
	DSN    string
}

// RedisConfig enables publishing finished events when URL is set.
type RedisConfig struct {
	URL     string
	Channel string
}

type EngineConfig struct {
	MaxDepth    int
	NodeTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	Origins []string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
}

// History drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("history.driver", DriverPostgres)
	v.SetDefault("redis.channel", "flowrunner:finished")
	v.SetDefault("engine.max_depth", 256)
	v.SetDefault("engine.node_timeout", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("cors.origins", []string{"http://localhost:3003"})
	v.SetDefault("smtp.port", 587)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without a default are bound so they show up in AllSettings.
	for _, key := range []string{
		"database.url",
		"history.dsn",
		"redis.url",
		"smtp.host", "smtp.username", "smtp.password", "smtp.from",
		"twilio.account_sid", "twilio.auth_token", "twilio.from",
	} {
		_ = v.BindEnv(key)
	}

	return v
}

// Load reads path, when given, on top of the defaults and environment and
// returns the validated result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		History: HistoryConfig{
			Driver: v.GetString("history.driver"),
			DSN:    v.GetString("history.dsn"),
		},
		Redis: RedisConfig{
			URL:     v.GetString("redis.url"),
			Channel: v.GetString("redis.channel"),
		},
		Engine: EngineConfig{
			MaxDepth:    v.GetInt("engine.max_depth"),
			NodeTimeout: v.GetDuration("engine.node_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		CORS: CORSConfig{Origins: v.GetStringSlice("cors.origins")},
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
		},
		Twilio: TwilioConfig{
			AccountSID: v.GetString("twilio.account_sid"),
			AuthToken:  v.GetString("twilio.auth_token"),
			From:       v.GetString("twilio.from"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.HTTP.Addr, "http.addr"),
		vala.StringNotEmpty(c.Database.URL, "database.url"),
		vala.StringNotEmpty(c.Redis.Channel, "redis.channel"),
	).Check()
	if err != nil {
		return errors.Wrap(err, "invalid config")
	}

	switch c.History.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("invalid config: history.driver %q is not one of %s, %s",
			c.History.Driver, DriverPostgres, DriverSQLite)
	}
	if c.Engine.MaxDepth < 0 {
		return errors.Errorf("invalid config: engine.max_depth must not be negative")
	}
	if c.Engine.NodeTimeout < 0 {
		return errors.Errorf("invalid config: engine.node_timeout must not be negative")
	}
	return nil
}
