package format

import (
	"bytes"
	"fmt"

	"github.com/joshuapare/aeonkit/pkg/types"
)

// Superblock captures the fields of block 0. See the layout table in
// consts.go.
type Superblock struct {
	Version      uint32
	BlockSize    uint32
	NumBlocks    uint64
	Shards       uint32
	RootIno      uint32
	RootAddr     uint64
	UUID         [SBUUIDSize]byte
	MaxDirBlocks uint32
	Flags        uint32
}

// EncodeSuperblock writes sb into b (at least SBSize bytes) and seals it.
func EncodeSuperblock(b []byte, sb Superblock) error {
	if len(b) < SBSize {
		return fmt.Errorf("superblock: %w (have %d, need %d)", ErrTruncated, len(b), SBSize)
	}
	copy(b[SBMagicOffset:SBMagicOffset+SBMagicSize], SBMagic)
	PutU32(b, SBVersionOffset, sb.Version)
	PutU32(b, SBBlockSizeOffset, sb.BlockSize)
	PutU64(b, SBNumBlocksOffset, sb.NumBlocks)
	PutU32(b, SBShardsOffset, sb.Shards)
	PutU32(b, SBRootInoOffset, sb.RootIno)
	PutU64(b, SBRootAddrOffset, sb.RootAddr)
	copy(b[SBUUIDOffset:SBUUIDOffset+SBUUIDSize], sb.UUID[:])
	PutU32(b, SBMaxDirBlocksOffset, sb.MaxDirBlocks)
	PutU32(b, SBFlagsOffset, sb.Flags)
	Seal(b, SBChecksumOffset)
	return nil
}

// DecodeSuperblock validates and extracts the superblock from b.
func DecodeSuperblock(b []byte) (Superblock, error) {
	if len(b) < SBSize {
		return Superblock{}, fmt.Errorf("superblock: %w (have %d, need %d)", ErrTruncated, len(b), SBSize)
	}
	if !bytes.Equal(b[SBMagicOffset:SBMagicOffset+SBMagicSize], SBMagic) {
		return Superblock{}, fmt.Errorf("superblock: %w", ErrSignatureMismatch)
	}
	if !Verify(b, SBChecksumOffset) {
		return Superblock{}, fmt.Errorf("superblock: %w", types.ErrChecksumMismatch)
	}
	sb := Superblock{
		Version:      ReadU32(b, SBVersionOffset),
		BlockSize:    ReadU32(b, SBBlockSizeOffset),
		NumBlocks:    ReadU64(b, SBNumBlocksOffset),
		Shards:       ReadU32(b, SBShardsOffset),
		RootIno:      ReadU32(b, SBRootInoOffset),
		RootAddr:     ReadU64(b, SBRootAddrOffset),
		MaxDirBlocks: ReadU32(b, SBMaxDirBlocksOffset),
		Flags:        ReadU32(b, SBFlagsOffset),
	}
	copy(sb.UUID[:], b[SBUUIDOffset:SBUUIDOffset+SBUUIDSize])
	return sb, nil
}

// ValidateSanity checks geometry against the size of the mapped region.
func (sb Superblock) ValidateSanity(regionLen uint64) error {
	switch {
	case sb.Version != SBVersion:
		return fmt.Errorf("superblock: version %d: %w", sb.Version, ErrUnsupported)
	case sb.BlockSize != BlockSize:
		return fmt.Errorf("superblock: block size %d: %w", sb.BlockSize, ErrUnsupported)
	case sb.Shards == 0 || sb.Shards > MaxShards:
		return fmt.Errorf("superblock: shard count %d: %w", sb.Shards, ErrUnsupported)
	case sb.NumBlocks < MinBlocks:
		return fmt.Errorf("superblock: %d blocks: %w", sb.NumBlocks, ErrUnsupported)
	case sb.NumBlocks > regionLen/BlockSize:
		return fmt.Errorf("superblock: %d blocks exceed region of %d bytes: %w",
			sb.NumBlocks, regionLen, ErrTruncated)
	case sb.MaxDirBlocks == 0 || sb.MaxDirBlocks > MaxDentryBlocks:
		return fmt.Errorf("superblock: max dentry blocks %d: %w", sb.MaxDirBlocks, ErrUnsupported)
	}
	return nil
}
