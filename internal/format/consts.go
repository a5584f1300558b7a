// Package format houses the on-media layout of an aeon volume: block
// geometry, field offsets of every persisted record, little-endian codecs and
// the integrity/hash functions. Nothing here touches the region directly;
// higher layers hand in byte slices that already point into it.
package format

// -----------------------------------------------------------------------------
// Geometry
// -----------------------------------------------------------------------------

const (
	// BlockShift is log2(BlockSize).
	BlockShift = 12
	// BlockSize is the size of one allocation unit (4 KiB).
	BlockSize = 1 << BlockShift

	// HugeBlockBlocks is the number of 4 KiB blocks in one 2 MiB super block.
	HugeBlockBlocks = 512

	// SuperblockBlock holds the volume superblock.
	SuperblockBlock = 0
	// RegionTableBlock holds one RegionTableSize entry per shard.
	RegionTableBlock = 1
	// ReservedBlocks is the number of leading blocks never handed out by the
	// block allocator.
	ReservedBlocks = 2

	// MaxShards bounds the shard count so all region tables fit in one block.
	MaxShards = BlockSize / RegionTableSize

	// MinBlocks is the smallest volume Format accepts.
	MinBlocks = 64
)

// -----------------------------------------------------------------------------
// Superblock (block 0)
// -----------------------------------------------------------------------------
//
//	Offset  Size  Field
//	0x00    8     Magic "AEONFS\x00\x01"
//	0x08    4     Version
//	0x0C    4     Block size
//	0x10    8     Number of blocks
//	0x18    4     Shard count
//	0x1C    4     Root inode number
//	0x20    8     Root inode address
//	0x28    16    Volume UUID
//	0x38    4     Maximum dentry blocks per directory
//	0x3C    4     Flags
//	0x40    4     CRC32 over [0x00, 0x40)
const (
	SBMagicOffset        = 0x00
	SBMagicSize          = 8
	SBVersionOffset      = 0x08
	SBBlockSizeOffset    = 0x0C
	SBNumBlocksOffset    = 0x10
	SBShardsOffset       = 0x18
	SBRootInoOffset      = 0x1C
	SBRootAddrOffset     = 0x20
	SBUUIDOffset         = 0x28
	SBUUIDSize           = 16
	SBMaxDirBlocksOffset = 0x38
	SBFlagsOffset        = 0x3C
	SBChecksumOffset     = 0x40
	SBSize               = 0x44

	// SBVersion is the only layout version this package writes.
	SBVersion = 1

	// SBFlagNFCNames marks a volume whose names are NFC-normalized before
	// hashing and storing.
	SBFlagNFCNames = 1 << 0
)

// SBMagic identifies an aeon volume.
var SBMagic = []byte{'A', 'E', 'O', 'N', 'F', 'S', 0x00, 0x01}

// -----------------------------------------------------------------------------
// Region table (block 1, one entry per shard)
// -----------------------------------------------------------------------------
//
//	Offset  Size  Field
//	0x00    4     i_range_high (high-water mark of the first in-use range)
//	0x04    4     reserved
//	0x08    8     allocated (inodes ever allocated on this shard)
//	0x10    8     i_allocated
//	0x18    8     freed
//	0x20    8     Inode-table map block (0 = none yet)
//	0x28    20    reserved
//	0x3C    4     CRC32 over [0x00, 0x3C)
const (
	RegionTableSize        = 64
	RTRangeHighOffset      = 0x00
	RTAllocatedOffset      = 0x08
	RTInodeAllocatedOffset = 0x10
	RTFreedOffset          = 0x18
	RTMapBlockOffset       = 0x20
	RTChecksumOffset       = 0x3C
)

// -----------------------------------------------------------------------------
// Inode record (128 bytes, 32 per table block)
// -----------------------------------------------------------------------------
//
//	Offset  Size  Field
//	0x00    1     valid
//	0x01    1     deleted
//	0x02    1     i_new (directory has no dentry map yet)
//	0x03    1     reserved
//	0x04    2     mode
//	0x06    2     links count
//	0x08    4     inode number
//	0x0C    4     parent inode number
//	0x10    8     inode address (self)
//	0x18    8     parent inode address
//	0x20    8     address of the dentry naming this inode
//	0x28    8     dentry map block (directories)
//	0x30    8     size
//	0x38    68    reserved
//	0x7C    4     CRC32 over [0x00, 0x7C)
const (
	InodeShift          = 7
	InodeSize           = 1 << InodeShift
	InodesPerBlock      = BlockSize / InodeSize
	InodeValidOffset    = 0x00
	InodeDeletedOffset  = 0x01
	InodeNewOffset      = 0x02
	InodeModeOffset     = 0x04
	InodeLinksOffset    = 0x06
	InodeInoOffset      = 0x08
	InodeParentOffset   = 0x0C
	InodeAddrOffset     = 0x10
	InodePAddrOffset    = 0x18
	InodeDentryOffset   = 0x20
	InodeDirMapOffset   = 0x28
	InodeSizeOffset     = 0x30
	InodeChecksumOffset = 0x7C

	// InodeTableMapEntries is how many table-block numbers one map block holds.
	InodeTableMapEntries = BlockSize / 8
	// MaxInternalIno bounds the internal inode number of a shard: every
	// number must have a slot in a table block listed in the map block.
	MaxInternalIno = InodeTableMapEntries*InodesPerBlock - 1
)

// Inode modes. Only the file-type bits matter to the core.
const (
	ModeTypeMask = 0o170000
	ModeDir      = 0o040000
	ModeRegular  = 0o100000
	ModeSymlink  = 0o120000
)

// -----------------------------------------------------------------------------
// Directory entry record (packed, 512-byte slot)
// -----------------------------------------------------------------------------
//
//	Offset  Size  Field
//	0       1     name_len
//	1       1     valid
//	2       1     persisted
//	3       4     ino
//	7       8     parent inode address
//	15      8     inode address
//	23      8     self address (this record)
//	31      256   name (NUL terminated, at most 255 bytes used)
//	287     92    pad; slot 0 of every dentry block keeps the prev/next
//	              block links in pad[0:16]
//	379     4     CRC32 over [0, 379)
const (
	DentryNameLenOffset   = 0
	DentryValidOffset     = 1
	DentryPersistedOffset = 2
	DentryInoOffset       = 3
	DentryPAddrOffset     = 7
	DentryInodeOffset     = 15
	DentrySelfOffset      = 23
	DentryNameOffset      = 31
	DentryNameCap         = 256
	DentryPadOffset       = 287
	DentryPadSize         = 92
	DentryPrevBlockOffset = DentryPadOffset
	DentryNextBlockOffset = DentryPadOffset + 8
	DentryChecksumOffset  = 379
	DentrySize            = 383

	// MaxNameLen is the longest name a record stores (one byte is kept for NUL).
	MaxNameLen = DentryNameCap - 1

	// DentryShift is log2 of the slot stride inside a dentry block.
	DentryShift = 9
	// DentrySlotSize is the stride between records in a dentry block.
	DentrySlotSize = 1 << DentryShift
	// DentriesPerBlock is the number K of slots per dentry block.
	DentriesPerBlock = BlockSize / DentrySlotSize

	// BootstrapEntries is the number of synthesized records ("." and "..")
	// at the start of a directory's first block.
	BootstrapEntries = 2
)

// -----------------------------------------------------------------------------
// Dentry map block
// -----------------------------------------------------------------------------
//
//	Offset  Size  Field
//	0x00    4     Magic "DMAP"
//	0x04    4     latest block index
//	0x08    4     slots used in latest block
//	0x0C    4     reserved
//	0x10    8     total valid entries
//	0x18    8     next map block (unused, 0)
//	0x20    8*N   dentry block numbers
//	0xFFC   4     CRC32 over [0x000, 0xFFC)
const (
	DMapMagicOffset    = 0x00
	DMapLatestOffset   = 0x04
	DMapInternalOffset = 0x08
	DMapValidOffset    = 0x10
	DMapNextOffset     = 0x18
	DMapBlocksOffset   = 0x20
	DMapChecksumOffset = BlockSize - 4

	// MaxDentryBlocks is the on-media capacity of a dentry map.
	MaxDentryBlocks = (DMapChecksumOffset - DMapBlocksOffset) / 8
)

// DMapMagic identifies a dentry map block.
var DMapMagic = []byte{'D', 'M', 'A', 'P'}
