package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joshuapare/aeonkit/pkg/aeonfs"
)

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show volume and allocator statistics",
		Long: `The stats command mounts the volume and prints its geometry, free
space and the per-shard state of the block and inode-number allocators.

Example:
  aeonctl stats --image vol.img
  aeonctl stats --image vol.img --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats()
		},
	}
	return cmd
}

func runStats() error {
	return withVolume(func(_ context.Context, fs *aeonfs.FS) error {
		st := fs.Stats()
		if jsonOut {
			return printJSON(st)
		}

		printInfo("\nVolume:\n")
		printInfo("  Image:  %s\n", cfg.Image)
		printInfo("  UUID:   %s\n", st.UUID)
		printInfo("  Blocks: %d total, %d free\n", st.NumBlocks, st.FreeBlocks)
		printInfo("  Shards: %d\n", st.Shards)
		printInfo("  Root:   ino %d\n", st.Root)
		printInfo("  NFC:    %t\n", st.NFC)

		printInfo("\nBlock shards:\n")
		for _, s := range st.Blocks {
			printInfo("  [%d] blocks %d-%d: %d free in %d ranges\n", s.ID, s.Low, s.High, s.Free, s.Nodes)
			printVerbose("      first %v last %v allocs %d frees %d hops-in %d failures %d\n",
				s.First, s.Last, s.AllocRequests, s.FreeRequests, s.HopsIn, s.Failures)
		}

		printInfo("\nInode shards:\n")
		for _, s := range st.Inodes {
			printInfo("  [%d] %d in use, %d allocated, %d freed, %d ranges\n",
				s.ID, s.InUse, s.Allocated, s.Freed, len(s.Ranges))
			printVerbose("      ranges %v\n", s.Ranges)
		}
		return nil
	})
}
