package aeonfs

import "log/slog"

// Options controls Format and Mount.
type Options struct {
	// Shards is the number of allocator shards Format lays out. Mount takes
	// it from the superblock instead.
	Shards int

	// MaxDentryBlocks bounds each directory's block chain. Zero means the
	// on-media maximum. Mount takes it from the superblock.
	MaxDentryBlocks int

	// NFC normalizes names to Unicode form C before they are hashed and
	// stored. Recorded in the superblock at Format.
	NFC bool

	// Logger receives debug events from every component. Nil uses
	// logger.L.
	Logger *slog.Logger
}
