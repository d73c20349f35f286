// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	VAPID     VAPIDConfig     `mapstructure:"vapid"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	StaticDir   string   `mapstructure:"static_dir"`
	DebugToken  string   `mapstructure:"debug_token"` // empty leaves /debug open
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // json | sqlite
	FilePath string `mapstructure:"file_path"`
	Seed     string `mapstructure:"seed"`
}

type VAPIDConfig struct {
	PublicKey    string `mapstructure:"public_key"`
	PrivateKey   string `mapstructure:"private_key"`
	KeyFile      string `mapstructure:"key_file"`
	Subscriber   string `mapstructure:"subscriber"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
}

type ScheduleConfig struct {
	// TimezoneOffset is the whole-hour UTC offset the fixed hours are written
	// in, 0..23 (UTC-5 is 19).
	TimezoneOffset int               `mapstructure:"timezone_offset"`
	Title          string            `mapstructure:"title"`
	Fixed          map[string]string `mapstructure:"fixed"`
	Filler         []string          `mapstructure:"filler"`
	Welcome        []string          `mapstructure:"welcome"`
	FixedTTL       int               `mapstructure:"fixed_ttl"`
	FixedUrgency   string            `mapstructure:"fixed_urgency"`
	FillerTTL      int               `mapstructure:"filler_ttl"`
	FillerUrgency  string            `mapstructure:"filler_urgency"`
}

type DispatchConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	AuthFailureLimit int           `mapstructure:"auth_failure_limit"`
	RatePerSec       int           `mapstructure:"rate_per_sec"`
}

type SchedulerConfig struct {
	TickSpec string `mapstructure:"tick_spec"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads path when it exists and layers the environment on top.
// Every key can be set as WEBPUSH_<SECTION>_<KEY>; the bare names PORT,
// VAPID_PUBLIC_KEY, VAPID_PRIVATE_KEY, SUBSCRIPTIONS_DATA and
// TIMEZONE_OFFSET are honoured as well.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBPUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyContentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envAliases = map[string][]string{
	"server.port":              {"WEBPUSH_SERVER_PORT", "PORT"},
	"vapid.public_key":         {"WEBPUSH_VAPID_PUBLIC_KEY", "VAPID_PUBLIC_KEY"},
	"vapid.private_key":        {"WEBPUSH_VAPID_PRIVATE_KEY", "VAPID_PRIVATE_KEY"},
	"storage.seed":             {"WEBPUSH_STORAGE_SEED", "SUBSCRIPTIONS_DATA"},
	"schedule.timezone_offset": {"WEBPUSH_SCHEDULE_TIMEZONE_OFFSET", "TIMEZONE_OFFSET"},
	"log.level":                {"WEBPUSH_LOG_LEVEL", "LOG_LEVEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.debug_token", "")

	v.SetDefault("storage.driver", "json")
	v.SetDefault("storage.file_path", "data/subscriptions.json")
	v.SetDefault("storage.seed", "")

	v.SetDefault("vapid.public_key", "")
	v.SetDefault("vapid.private_key", "")
	v.SetDefault("vapid.key_file", "data/vapid.json")
	v.SetDefault("vapid.subscriber", "mailto:admin@example.com")
	v.SetDefault("vapid.auto_generate", true)

	v.SetDefault("schedule.timezone_offset", 8)
	v.SetDefault("schedule.title", "Daily Reminder 💌")
	v.SetDefault("schedule.fixed_ttl", 60*60)
	v.SetDefault("schedule.fixed_urgency", "high")
	v.SetDefault("schedule.filler_ttl", 30)
	v.SetDefault("schedule.filler_urgency", "normal")

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_delay", "2s")
	v.SetDefault("dispatch.attempt_timeout", "30s")
	v.SetDefault("dispatch.auth_failure_limit", 3)
	v.SetDefault("dispatch.rate_per_sec", 0)

	v.SetDefault("scheduler.tick_spec", "* * * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Message content defaults are applied after decoding so a configured
// schedule replaces the default one instead of being merged into it.
func (c *Config) applyContentDefaults() {
	if len(c.Schedule.Fixed) == 0 {
		c.Schedule.Fixed = map[string]string{
			"7":  "Good morning! Start the day with a glass of water 💘",
			"10": "Time for a snack and your vitamins. Keep going!",
			"13": "Lunch time. Don't skip it 🍱",
			"16": "Afternoon check-in: eat something and take a break.",
			"20": "Dinner time. Still hungry? Go get something good.",
			"22": "Don't stay up too late tonight. Look after yourself.",
			"23": "Good night, sleep well and sweet dreams 🌙",
		}
	}
	if len(c.Schedule.Filler) == 0 {
		c.Schedule.Filler = []string{
			"Thinking of you right now ✨",
			"Anything on your mind? Let me know.",
			"Text me anytime.",
			"💞💘💞💓💞💓💞",
			"You've got this today. I'm here whatever happens.",
			"Don't forget to smile, it suits you.",
			"Missing you. Send a picture?",
		}
	}
	if len(c.Schedule.Welcome) == 0 {
		c.Schedule.Welcome = []string{
			"Thanks for letting me keep you company every day 💌💕",
			"Thanks for letting me keep you company every day 💘❤️",
			"Thanks for letting me keep you company every day ❣️✨",
		}
	}
}

// Validate fails fast on settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Schedule.TimezoneOffset < 0 || c.Schedule.TimezoneOffset > 23 {
		return fmt.Errorf("schedule.timezone_offset must be within [0,23], got %d", c.Schedule.TimezoneOffset)
	}
	if _, err := c.Schedule.FixedHours(); err != nil {
		return err
	}
	if len(c.Schedule.Filler) == 0 {
		return errors.New("schedule.filler must not be empty")
	}
	if len(c.Schedule.Welcome) == 0 {
		return errors.New("schedule.welcome must not be empty")
	}
	if c.Schedule.FixedTTL < 0 || c.Schedule.FillerTTL < 0 {
		return errors.New("schedule ttl values must not be negative")
	}
	for _, u := range []string{c.Schedule.FixedUrgency, c.Schedule.FillerUrgency} {
		switch u {
		case "very-low", "low", "normal", "high":
		default:
			return fmt.Errorf("invalid urgency %q", u)
		}
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "json", "sqlite":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.RetryDelay < 0 {
		return errors.New("dispatch.retry_delay must not be negative")
	}
	return nil
}

// FixedHours parses the configured fixed schedule keys into local hours.
func (s ScheduleConfig) FixedHours() (map[int]string, error) {
	out := make(map[int]string, len(s.Fixed))
	keys := make([]string, 0, len(s.Fixed))
	for k := range s.Fixed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("schedule.fixed: invalid hour %q", k)
		}
		out[h] = s.Fixed[k]
	}
	return out, nil
}

// Addr turns the configured port into a listen address.
func (s ServerConfig) Addr() string {
	if strings.Contains(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}
