package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "WARMODE"

type ICE struct {
	STUNURLs            []string      `mapstructure:"stun_urls"`
	TURNURL             string        `mapstructure:"turn_url"`
	TURNUsername        string        `mapstructure:"turn_username"`
	TURNCredential      string        `mapstructure:"turn_credential"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type Match struct {
	ReadAttempts int           `mapstructure:"read_attempts"`
	ReadBackoff  time.Duration `mapstructure:"read_backoff"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type Call struct {
	GraceWindow     time.Duration `mapstructure:"grace_window"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	OfferRetransmit time.Duration `mapstructure:"offer_retransmit"`
	VideoWidth      int           `mapstructure:"video_width"`
	VideoHeight     int           `mapstructure:"video_height"`
}

type Media struct {
	Allow     bool   `mapstructure:"allow"`
	AudioFile string `mapstructure:"audio_file"`
	VideoFile string `mapstructure:"video_file"`
}

type RateLimit struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Relay struct {
	Backpressure string `mapstructure:"backpressure"`
}

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	Secret       string        `mapstructure:"secret"`
	LogLevel     string        `mapstructure:"log_level"`
	DatabasePath string        `mapstructure:"database_path"`
	RelayURL     string        `mapstructure:"relay_url"`

	ICE       ICE       `mapstructure:"ice"`
	Match     Match     `mapstructure:"match"`
	Call      Call      `mapstructure:"call"`
	Media     Media     `mapstructure:"media"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Relay     Relay     `mapstructure:"relay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_path", "warmode.db")
	v.SetDefault("relay_url", "http://localhost:8080")

	v.SetDefault("ice.stun_urls", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})
	v.SetDefault("ice.turn_url", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")
	v.SetDefault("ice.disconnected_timeout", "5s")
	v.SetDefault("ice.failed_timeout", "25s")
	v.SetDefault("ice.keepalive_interval", "2s")

	v.SetDefault("match.read_attempts", 5)
	v.SetDefault("match.read_backoff", "200ms")
	v.SetDefault("match.wait_timeout", "2m")
	v.SetDefault("match.poll_interval", "3s")

	v.SetDefault("call.grace_window", "5s")
	v.SetDefault("call.connect_timeout", "30s")
	v.SetDefault("call.offer_retransmit", "2s")
	v.SetDefault("call.video_width", 640)
	v.SetDefault("call.video_height", 480)

	v.SetDefault("media.allow", true)
	v.SetDefault("media.audio_file", "")
	v.SetDefault("media.video_file", "")

	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.interval", "10s")

	v.SetDefault("relay.backpressure", "kick")
}

// New returns a viper instance with defaults and WARMODE_ environment
// overrides (ice.turn_url -> WARMODE_ICE_TURN_URL).
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
func Load() (*Config, error) {
	return LoadWith(New())
}

// LoadWith is Load over a prepared viper, e.g. one with flags bound.
func LoadWith(v *viper.Viper) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("db", cfg.DatabasePath).Msg("config ready")
	return &cfg, nil
}

// Watch re-reads the loaded config file whenever it changes and hands the
// result to apply. Edits that fail validation are logged and skipped.
func Watch(v *viper.Viper, apply func(*Config)) {
	file := v.ConfigFileUsed()
	if file == "" {
		return
	}
	if _, err := os.Stat(file); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload parse")
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		apply(&cfg)
	})
	v.WatchConfig()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Match.WaitTimeout <= 0 {
		return errors.New("match.wait_timeout must be positive")
	}
	if c.Call.GraceWindow <= 0 {
		return errors.New("call.grace_window must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
