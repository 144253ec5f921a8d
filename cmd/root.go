package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"voxpipe/config"
	"voxpipe/device"
	"voxpipe/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voxpipe [url|file]",
	Short: "A voice assistant audio core",
	Long: `Voxpipe mixes a foreground stream, ducked notifications and prompt tones
into one or more audio outputs.

Given a URL it streams it over HTTP, given a local file it decodes it with
ffmpeg. Without an argument it starts idle and waits for a signal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDevice,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Local flags for the device
	rootCmd.Flags().Bool("downmix", true, "mix every source at one rate so notifications can duck the stream")
	rootCmd.Flags().Int("sample-rate", 48000, "mix sample rate")
	rootCmd.Flags().Float64("duck-gain", -20, "gain of a ducked source in dB")
	rootCmd.Flags().String("ffmpeg", "ffmpeg", "path to the ffmpeg executable")
	rootCmd.Flags().String("tone", "", "tone to play on start")
	rootCmd.Flags().String("notify", "", "notification to play over the stream once it started")
	rootCmd.Flags().String("webhook", "", "URL player events are posted to")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("audio.downmix", rootCmd.Flags().Lookup("downmix"))
	viper.BindPFlag("audio.sample_rate", rootCmd.Flags().Lookup("sample-rate"))
	viper.BindPFlag("audio.duck_gain_db", rootCmd.Flags().Lookup("duck-gain"))
	viper.BindPFlag("audio.ffmpeg", rootCmd.Flags().Lookup("ffmpeg"))
	viper.BindPFlag("notify.webhook_url", rootCmd.Flags().Lookup("webhook"))
	viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.Flags().Lookup("log-format"))
}

// initConfig applies flags that override config values
func initConfig() {
	if verbose {
		viper.Set("logging.level", "debug")
	}
}

// runDevice starts the device and plays the optional argument
func runDevice(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Setup logging
	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	// Create and initialize the device
	d := device.New(cfg)
	if err := d.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize device: %w", err)
	}

	// Start the device
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start device: %w", err)
	}

	if viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(), func(c *config.Config) {
			if err := d.ApplyConfig(c); err != nil {
				slog.Warn("Failed to apply configuration", slog.Any("error", err))
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if tone, _ := cmd.Flags().GetString("tone"); tone != "" {
		if err := d.PlayTone(tone); err != nil {
			slog.Warn("Cannot play tone", slog.String("tone", tone), slog.Any("error", err))
		}
	}
	if len(args) == 1 {
		if err := play(ctx, d, args[0]); err != nil {
			_ = d.Stop()
			return err
		}
	}
	if url, _ := cmd.Flags().GetString("notify"); url != "" {
		if err := d.Notify(url); err != nil {
			slog.Warn("Cannot play notification", slog.String("url", url), slog.Any("error", err))
		}
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down gracefully...")
	case err := <-d.Error():
		fmt.Printf("Error occurred: %v\n", err)
	}

	// Graceful shutdown
	if err := d.Stop(); err != nil {
		return fmt.Errorf("failed to stop device gracefully: %w", err)
	}

	return nil
}

// play streams URLs and decodes everything else locally.
func play(ctx context.Context, d *device.Device, target string) error {
	if _, err := os.Stat(target); err == nil {
		return d.PlayFile(ctx, target)
	}
	return d.Play(target)
}
