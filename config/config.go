package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Mixer configuration
	Audio AudioConfig `mapstructure:"audio"`

	// Stream player configuration
	Player PlayerConfig `mapstructure:"player"`

	// Hardware outputs, at most four
	Outputs []OutputConfig `mapstructure:"outputs"`

	Equalizer EqualizerConfig `mapstructure:"equalizer"`
	Tones     TonesConfig     `mapstructure:"tones"`
	Power     PowerConfig     `mapstructure:"power"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// AudioConfig holds mixer configuration
type AudioConfig struct {
	Downmix    bool    `mapstructure:"downmix"`
	SampleRate int     `mapstructure:"sample_rate"`
	ChunkSize  int     `mapstructure:"chunk_size"`
	DuckGainDB float64 `mapstructure:"duck_gain_db"`
	BufferSize int     `mapstructure:"buffer_size"`
	FFmpeg     string  `mapstructure:"ffmpeg"`
}

// PlayerConfig holds stream player configuration
type PlayerConfig struct {
	OutputBufferSize int           `mapstructure:"output_buffer_size"`
	HTTPBufferSize   int           `mapstructure:"http_buffer_size"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

// OutputConfig describes one hardware sink
type OutputConfig struct {
	Name       string        `mapstructure:"name"`
	Type       string        `mapstructure:"type"` // speaker, alsa or file
	Device     string        `mapstructure:"device"`
	Path       string        `mapstructure:"path"`
	Port       int           `mapstructure:"port"`
	SampleRate int           `mapstructure:"sample_rate"`
	Channels   int           `mapstructure:"channels"`
	Latency    time.Duration `mapstructure:"latency"`
	Enabled    bool          `mapstructure:"enabled"`
}

// EqualizerConfig holds the ten band gains in dB
type EqualizerConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Bands   []float64 `mapstructure:"bands"`
}

// TonesConfig points at extra mp3 or wav prompts
type TonesConfig struct {
	Dir string `mapstructure:"dir"`
}

// PowerConfig holds idle power management configuration
type PowerConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// NotifyConfig holds the player event webhook
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Output types
const (
	OutputSpeaker = "speaker"
	OutputALSA    = "alsa"
	OutputFile    = "file"
)

// MaxOutputs is the number of sinks the HAL drives.
const MaxOutputs = 4

// SetDefaults registers the defaults on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("audio.downmix", true)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.chunk_size", 512)
	v.SetDefault("audio.duck_gain_db", -20.0)
	v.SetDefault("audio.buffer_size", 16*1024)
	v.SetDefault("audio.ffmpeg", "ffmpeg")

	v.SetDefault("player.output_buffer_size", 32*1024)
	v.SetDefault("player.http_buffer_size", 64*1024)
	v.SetDefault("player.http_timeout", "0s")

	v.SetDefault("outputs", []map[string]any{{
		"name":        "speaker",
		"type":        OutputSpeaker,
		"sample_rate": 48000,
		"channels":    2,
		"latency":     "100ms",
		"enabled":     true,
	}})

	v.SetDefault("equalizer.enabled", false)
	v.SetDefault("equalizer.bands", make([]float64, 10))

	v.SetDefault("power.idle_timeout", "30s")
	v.SetDefault("notify.timeout", "5s")
}

// LoadConfig loads configuration from file and environment variables. An
// empty file searches the default locations.
func LoadConfig(file string) (*Config, error) {
	return Load(viper.GetViper(), file)
}

// Load reads the configuration into v and decodes it
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.voxpipe")
		v.AddConfigPath("/etc/voxpipe")
	}

	// Allow environment variables
	v.SetEnvPrefix("VOXPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		slog.Debug("No config file found, using defaults and environment variables")
	} else {
		slog.Info("Using config file", slog.String("file", v.ConfigFileUsed()))
	}

	return Decode(v)
}

// Decode unmarshals the current state of v
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Watch calls onChange with the new configuration whenever the config file
// changes. Invalid files are logged and ignored.
func Watch(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			slog.Warn("Ignoring config change", slog.String("file", e.Name), slog.Any("err", err))
			return
		}
		slog.Info("Config file changed", slog.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: "must be text or json"}
	}
	if c.Audio.SampleRate <= 0 {
		return &ConfigError{Field: "audio.sample_rate", Message: "must be positive"}
	}
	if c.Audio.ChunkSize <= 0 || c.Audio.ChunkSize%4 != 0 {
		return &ConfigError{Field: "audio.chunk_size", Message: "must be a positive multiple of 4"}
	}
	if c.Audio.DuckGainDB > 0 {
		return &ConfigError{Field: "audio.duck_gain_db", Message: "ducking cannot amplify"}
	}
	if c.Player.OutputBufferSize <= 0 || c.Player.HTTPBufferSize <= 0 {
		return &ConfigError{Field: "player", Message: "buffer sizes must be positive"}
	}
	if len(c.Outputs) == 0 {
		return &ConfigError{Field: "outputs", Message: "at least one output is required"}
	}
	if len(c.Outputs) > MaxOutputs {
		return &ConfigError{Field: "outputs", Message: fmt.Sprintf("at most %d outputs are supported", MaxOutputs)}
	}
	for i, o := range c.Outputs {
		field := fmt.Sprintf("outputs[%d]", i)
		switch o.Type {
		case OutputSpeaker, OutputALSA:
		case OutputFile:
			if o.Path == "" {
				return &ConfigError{Field: field + ".path", Message: "file output needs a path"}
			}
		default:
			return &ConfigError{Field: field + ".type", Message: fmt.Sprintf("unknown output type %q", o.Type)}
		}
		if o.SampleRate <= 0 {
			return &ConfigError{Field: field + ".sample_rate", Message: "must be positive"}
		}
		if o.Channels < 1 || o.Channels > 2 {
			return &ConfigError{Field: field + ".channels", Message: "must be 1 or 2"}
		}
	}
	if n := len(c.Equalizer.Bands); n != 0 && n != 10 {
		return &ConfigError{Field: "equalizer.bands", Message: "needs exactly ten gains"}
	}
	return nil
}

// BandArray returns the equalizer gains as an array
func (e EqualizerConfig) BandArray() [10]float64 {
	var bands [10]float64
	copy(bands[:], e.Bands)
	return bands
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
