package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/lximedia/lxiserver/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize configuration",
	Long: `View, check or initialize lxiserver configuration.

Examples:
  # Print the resolved configuration
  lxiserver config

  # Print the default config path
  lxiserver config --path

  # Check a config file and show what would be published
  lxiserver config --config ./config.yaml --check

  # Write a default config file to a custom path
  lxiserver config --init --output ./config.yaml`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().Bool("init", false, "write a default config file")
	configCmd.Flags().Bool("force", false, "overwrite existing config file when using --init")
	configCmd.Flags().Bool("path", false, "print the default config file path")
	configCmd.Flags().Bool("check", false, "validate the resolved configuration")
	configCmd.Flags().StringP("output", "o", "", "output path for --init (defaults to config path)")
}

func runConfig(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	showPath, _ := flags.GetBool("path")
	initFile, _ := flags.GetBool("init")
	force, _ := flags.GetBool("force")
	check, _ := flags.GetBool("check")
	output, _ := flags.GetString("output")

	configPath := resolveConfigPath(output)
	switch {
	case showPath:
		fmt.Fprintln(cmd.OutOrStdout(), configPath)
		return nil
	case initFile:
		return writeDefaultConfig(configPath, force, cmd)
	case check:
		return checkConfig(GetConfig(), cmd)
	}

	data, err := yaml.Marshal(GetConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func checkConfig(c *config.Config, cmd *cobra.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device:  %s\n", c.DeviceName())
	fmt.Fprintf(out, "Port:    %d\n", c.Server.Port)
	if c.Content.Root == "" {
		fmt.Fprintln(out, "Content: none")
		return nil
	}

	fi, err := os.Stat(c.Content.Root)
	if err != nil {
		return fmt.Errorf("content root: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: content root %s is not a directory", config.ErrInvalidConfig, c.Content.Root)
	}
	fmt.Fprintf(out, "Content: %s as %s\n", c.Content.Root, c.Content.Prefix)
	return nil
}

func resolveConfigPath(output string) string {
	if output != "" {
		return output
	}
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func writeDefaultConfig(path string, force bool, cmd *cobra.Command) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check config file: %w", err)
		}
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", path)
	return nil
}
