package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"voxpipe/config"
	"voxpipe/logger"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for managing and validating voxpipe configuration.",
}

// configValidateCmd validates the current configuration
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Validate the current configuration file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging for validation
		if err := logger.Setup("info", "text"); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Validate configuration
		if err := cfg.Validate(); err != nil {
			slog.Error("Configuration validation failed", slog.Any("error", err))
			return err
		}

		slog.Info("Configuration is valid")
		fmt.Fprintln(cmd.OutOrStdout(), "✅ Configuration is valid")
		return nil
	},
}

// configShowCmd shows the current configuration
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current configuration values from file and environment variables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup basic logging
		if err := logger.Setup("info", "text"); err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}

		// Load configuration
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		showConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}

func showConfig(w io.Writer, cfg *config.Config) {
	p := message.NewPrinter(language.English)

	p.Fprintf(w, "Current Configuration:\n")
	p.Fprintf(w, "  Logging:\n")
	p.Fprintf(w, "    Level: %s\n", cfg.Logging.Level)
	p.Fprintf(w, "    Format: %s\n", cfg.Logging.Format)
	p.Fprintf(w, "  Audio:\n")
	p.Fprintf(w, "    Downmix: %t\n", cfg.Audio.Downmix)
	p.Fprintf(w, "    Sample rate: %d Hz\n", cfg.Audio.SampleRate)
	p.Fprintf(w, "    Chunk size: %d bytes\n", cfg.Audio.ChunkSize)
	p.Fprintf(w, "    Duck gain: %.1f dB\n", cfg.Audio.DuckGainDB)
	p.Fprintf(w, "    Downmix buffer: %d bytes\n", cfg.Audio.BufferSize)
	p.Fprintf(w, "  Player:\n")
	p.Fprintf(w, "    Output buffer: %d bytes\n", cfg.Player.OutputBufferSize)
	p.Fprintf(w, "    HTTP buffer: %d bytes\n", cfg.Player.HTTPBufferSize)
	p.Fprintf(w, "  Outputs:\n")
	for _, o := range cfg.Outputs {
		p.Fprintf(w, "    - %s (%s) %d Hz/%dch enabled=%t\n", o.Name, o.Type, o.SampleRate, o.Channels, o.Enabled)
	}
	p.Fprintf(w, "  Equalizer:\n")
	p.Fprintf(w, "    Enabled: %t\n", cfg.Equalizer.Enabled)
	p.Fprintf(w, "    Bands: %v\n", cfg.Equalizer.BandArray())
	p.Fprintf(w, "  Power:\n")
	p.Fprintf(w, "    Idle timeout: %s\n", cfg.Power.IdleTimeout)
	p.Fprintf(w, "  Notify:\n")
	p.Fprintf(w, "    Webhook URL: %s\n", maskURL(cfg.Notify.WebhookURL))
}

// maskURL masks a webhook URL for display
func maskURL(url string) string {
	if url == "" {
		return "(none)"
	}
	if len(url) <= 20 {
		return "***"
	}
	return url[:20] + "***"
}
