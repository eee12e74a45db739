// Package cli implements the jeomgeuri command line.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeomgeuri/jeomgeuri/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jeomgeuri",
	Short: "Korean Braille learning companion",
	Long: `jeomgeuri (점글이) serves the voice and Braille companion for the
Korean Braille learning app: it bridges browser sessions to the AI backend,
drives a BLE Braille display and keeps learner history.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML or TOML configuration file")
}

// loadConfig reads the configuration file. With optional set, a missing
// file yields the defaults.
func loadConfig(optional bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		if optional {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns a text logger whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
