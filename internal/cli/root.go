// Package cli provides command-line interface for lxiserver
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lximedia/lxiserver/internal/config"
)

var cfgFile string
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lxiserver",
	Short: "A UPnP/DLNA media server",
	Long: `lxiserver publishes media to UPnP and DLNA renderers on the local network.

It serves a MediaServer device with the ContentDirectory,
ConnectionManager and X_MS_MediaReceiverRegistrar services, and
sends GENA events to subscribed control points.

Examples:
  # Publish a directory
  lxiserver serve --root ~/Videos

  # Print the resolved configuration
  lxiserver config

  # Write a default config file
  lxiserver config --init`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sandboxCmd)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lxiserver/config.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Use defaults if config load fails
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
		cfg = config.DefaultConfig()
	}

	// Override with viper values
	if viper.IsSet("server.port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if viper.IsSet("content.root") {
		cfg.Content.Root = viper.GetString("content.root")
	}
	if viper.IsSet("sandbox.enabled") {
		cfg.Sandbox.Enabled = viper.GetBool("sandbox.enabled")
	}
	if viper.IsSet("log_level") {
		cfg.Logging.Level = viper.GetString("log_level")
	}
	if viper.IsSet("log_format") {
		cfg.Logging.Format = viper.GetString("log_format")
	}
}

// GetConfig returns the loaded configuration
func GetConfig() *config.Config {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return cfg
}
