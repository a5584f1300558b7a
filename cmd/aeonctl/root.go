package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/internal/config"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/aeonfs"
	"github.com/joshuapare/aeonkit/pkg/types"
)

var (
	// Global flags
	verbose    bool
	quiet      bool
	jsonOut    bool
	configPath string
	imagePath  string

	// cfg is loaded before any subcommand runs.
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "aeonctl",
	Short: "Format, inspect and exercise aeon persistent-memory volumes",
	Long: `aeonctl creates aeon volume images and drives the allocation and
directory core on them: create and remove entries, walk directories,
verify metadata checksums and reclaim empty dentry blocks.

Settings come from a YAML file (--config or $AEON_CONFIG_FILE) and
AEON_* environment variables.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if imagePath != "" {
			c.Image = imagePath
		}
		cfg = c
		return logger.Init(cfg.LoggerOptions())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&imagePath, "image", "i", "", "Volume image (overrides config)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// withVolume mounts the configured image, runs fn and syncs.
func withVolume(fn func(ctx context.Context, fs *aeonfs.FS) error) (err error) {
	ctx := context.Background()

	printVerbose("Opening volume: %s\n", cfg.Image)
	r, err := aeon.Open(cfg.Image)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer func() {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}()

	fs, err := aeonfs.Mount(ctx, r, aeonfs.Options{Logger: logger.L})
	if err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}
	// Close syncs batched metadata, so it runs even when fn fails partway.
	return errors.Join(fn(ctx, fs), fs.Close())
}

// resolveParent looks up the directory holding p and returns it with p's
// last element.
func resolveParent(fs *aeonfs.FS, p string) (types.Ino, string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return 0, "", fmt.Errorf("path %q has no name", p)
	}
	parent, err := fs.Lookup(path.Dir(clean))
	if err != nil {
		return 0, "", err
	}
	return parent, path.Base(clean), nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
