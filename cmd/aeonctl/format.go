package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/internal/config"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/aeonfs"
)

var (
	formatSizeMB int
	formatShards int
	formatNFC    bool
)

func init() {
	cmd := newFormatCmd()
	cmd.Flags().IntVar(&formatSizeMB, "size-mb", 0, "Image size in MiB (overrides config)")
	cmd.Flags().IntVar(&formatShards, "shards", 0, "Shard count (overrides config)")
	cmd.Flags().BoolVar(&formatNFC, "nfc", false, "Normalize names to NFC")
	rootCmd.AddCommand(cmd)
}

func newFormatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create and format a volume image",
		Long: `The format command creates (or truncates) the configured image file
and lays out an empty volume with a root directory.

Example:
  aeonctl format --image vol.img --size-mb 64 --shards 4
  aeonctl format --config aeon.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormat()
		},
	}
	return cmd
}

type formatResult struct {
	Image  string `json:"image"`
	UUID   string `json:"uuid"`
	Blocks uint64 `json:"blocks"`
	Shards int    `json:"shards"`
	Free   uint64 `json:"free_blocks"`
}

func runFormat() (err error) {
	if formatSizeMB > 0 {
		cfg.SizeMB = formatSizeMB
	}
	if formatShards > 0 {
		cfg.Shards = formatShards
	}
	if formatNFC {
		cfg.NameNormalization = config.NormalizeNFC
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	printVerbose("Creating image: %s (%d MiB)\n", cfg.Image, cfg.SizeMB)
	r, err := aeon.Create(cfg.Image, cfg.SizeBytes())
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	defer func() {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}()

	opts := cfg.FSOptions()
	opts.Logger = logger.L
	fs, err := aeonfs.Format(r, opts)
	if err != nil {
		return fmt.Errorf("failed to format: %w", err)
	}
	st := fs.Stats()
	if err := fs.Close(); err != nil {
		return err
	}

	res := formatResult{
		Image:  cfg.Image,
		UUID:   st.UUID.String(),
		Blocks: st.NumBlocks,
		Shards: st.Shards,
		Free:   st.FreeBlocks,
	}
	if jsonOut {
		return printJSON(res)
	}
	printInfo("Formatted %s\n", res.Image)
	printInfo("  UUID:   %s\n", res.UUID)
	printInfo("  Blocks: %d (%d free)\n", res.Blocks, res.Free)
	printInfo("  Shards: %d\n", res.Shards)
	return nil
}
