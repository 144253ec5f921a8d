package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Audio: AudioConfig{
			Downmix:    true,
			SampleRate: 48000,
			ChunkSize:  512,
			DuckGainDB: -20,
		},
		Player: PlayerConfig{OutputBufferSize: 32 * 1024, HTTPBufferSize: 64 * 1024},
		Outputs: []OutputConfig{
			{Name: "speaker", Type: OutputSpeaker, SampleRate: 48000, Channels: 2, Enabled: true},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "odd chunk size",
			mutate:  func(c *Config) { c.Audio.ChunkSize = 510 },
			wantErr: "audio.chunk_size",
		},
		{
			name:    "amplifying duck",
			mutate:  func(c *Config) { c.Audio.DuckGainDB = 3 },
			wantErr: "audio.duck_gain_db",
		},
		{
			name:    "no outputs",
			mutate:  func(c *Config) { c.Outputs = nil },
			wantErr: "outputs",
		},
		{
			name: "too many outputs",
			mutate: func(c *Config) {
				for i := 0; i < MaxOutputs; i++ {
					c.Outputs = append(c.Outputs, c.Outputs[0])
				}
			},
			wantErr: "outputs",
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Outputs[0].Type = OutputFile },
			wantErr: "outputs[0].path",
		},
		{
			name:    "unknown output",
			mutate:  func(c *Config) { c.Outputs[0].Type = "hdmi" },
			wantErr: "outputs[0].type",
		},
		{
			name:    "surround output",
			mutate:  func(c *Config) { c.Outputs[0].Channels = 6 },
			wantErr: "outputs[0].channels",
		},
		{
			name:    "short equalizer",
			mutate:  func(c *Config) { c.Equalizer.Bands = []float64{1, 2} },
			wantErr: "equalizer.bands",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.wantErr, cerr.Field)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.AddConfigPath(t.TempDir())
	cfg, err := Load(v, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Audio.Downmix)
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, -20.0, cfg.Audio.DuckGainDB)
	assert.Equal(t, 30*time.Second, cfg.Power.IdleTimeout)
	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, OutputSpeaker, cfg.Outputs[0].Type)
	assert.Equal(t, 100*time.Millisecond, cfg.Outputs[0].Latency)
}

func TestLoadFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "voxpipe.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
logging:
  level: debug
audio:
  downmix: false
outputs:
  - name: tap
    type: file
    path: /tmp/tap.pcm
    sample_rate: 16000
    channels: 1
    enabled: true
equalizer:
  enabled: true
  bands: [6, 3, 0, 0, 0, 0, 0, 0, -3, -6]
notify:
  webhook_url: http://localhost:9000/events
`), 0o644))
	t.Setenv("VOXPIPE_AUDIO_SAMPLE_RATE", "44100")

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Audio.Downmix)
	assert.Equal(t, 44100, cfg.Audio.SampleRate)
	assert.Equal(t, []OutputConfig{{
		Name: "tap", Type: OutputFile, Path: "/tmp/tap.pcm", SampleRate: 16000, Channels: 1, Enabled: true,
	}}, cfg.Outputs)
	assert.Equal(t, [10]float64{6, 3, 0, 0, 0, 0, 0, 0, -3, -6}, cfg.Equalizer.BandArray())
	assert.Equal(t, "http://localhost:9000/events", cfg.Notify.WebhookURL)
	assert.Equal(t, 5*time.Second, cfg.Notify.Timeout)
}
