package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joshuapare/aeonkit/aeon/dirindex"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/aeonfs"
	"github.com/joshuapare/aeonkit/pkg/types"
)

var lsAll bool

func init() {
	ls := newLsCmd()
	ls.Flags().BoolVarP(&lsAll, "all", "a", false, "Include . and ..")
	rootCmd.AddCommand(ls, newMkdirCmd(), newTouchCmd(), newRmCmd(), newMvCmd())
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory",
		Long: `The ls command lists the entries of a directory, sorted by name.

Example:
  aeonctl ls --image vol.img /etc
  aeonctl ls --image vol.img -a --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(args)
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(args[0], format.ModeDir|0o755)
		},
	}
}

func newTouchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <path>",
		Short: "Create an empty file if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runCreate(args[0], format.ModeRegular|0o644)
			if errors.Is(err, types.ErrDuplicateKey) {
				return nil
			}
			return err
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file or an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRm(args)
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Rename or move an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMv(args)
		},
	}
}

type lsEntry struct {
	Name  string     `json:"name"`
	Ino   types.Ino  `json:"ino"`
	Type  string     `json:"type"`
	Links uint16     `json:"links"`
	Addr  types.Addr `json:"dentry"`
}

func runLs(args []string) error {
	p := "/"
	if len(args) == 1 {
		p = args[0]
	}
	return withVolume(func(_ context.Context, fs *aeonfs.FS) error {
		dirIno, err := fs.Lookup(p)
		if err != nil {
			return err
		}
		var entries []lsEntry
		for e, err := range fs.DirectoryIterate(dirIno, dirindex.Start) {
			if err != nil {
				return err
			}
			if !lsAll && (e.Name == "." || e.Name == "..") {
				continue
			}
			st, err := fs.Stat(e.Ino)
			if err != nil {
				return fmt.Errorf("%s: %w", e.Name, err)
			}
			typ := "file"
			if st.IsDir() {
				typ = "dir"
			}
			entries = append(entries, lsEntry{Name: e.Name, Ino: e.Ino, Type: typ, Links: st.Links, Addr: e.Addr})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

		if jsonOut {
			if entries == nil {
				entries = []lsEntry{}
			}
			return printJSON(entries)
		}
		for _, e := range entries {
			printInfo("%-4s %8d %3d  %s\n", e.Type, e.Ino, e.Links, e.Name)
			printVerbose("     dentry %#x\n", uint64(e.Addr))
		}
		return nil
	})
}

func runCreate(p string, mode uint16) error {
	return withVolume(func(_ context.Context, fs *aeonfs.FS) error {
		parent, name, err := resolveParent(fs, p)
		if err != nil {
			return err
		}
		ino, err := fs.Create(parent, name, mode)
		if err != nil {
			return err
		}
		printVerbose("Created %s as ino %d\n", p, ino)
		return nil
	})
}

func runRm(args []string) error {
	return withVolume(func(_ context.Context, fs *aeonfs.FS) error {
		parent, name, err := resolveParent(fs, args[0])
		if err != nil {
			return err
		}
		if err := fs.Remove(parent, name); err != nil {
			return err
		}
		printVerbose("Removed %s\n", args[0])
		return nil
	})
}

func runMv(args []string) error {
	return withVolume(func(_ context.Context, fs *aeonfs.FS) error {
		srcDir, srcName, err := resolveParent(fs, args[0])
		if err != nil {
			return err
		}
		dstDir, dstName, err := resolveParent(fs, args[1])
		if err != nil {
			return err
		}
		if err := fs.Rename(srcDir, srcName, dstDir, dstName); err != nil {
			return err
		}
		printVerbose("Moved %s to %s\n", args[0], args[1])
		return nil
	})
}
