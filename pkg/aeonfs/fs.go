package aeonfs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/balloc"
	"github.com/joshuapare/aeonkit/aeon/dir"
	"github.com/joshuapare/aeonkit/aeon/dirty"
	"github.com/joshuapare/aeonkit/aeon/inoalloc"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/internal/logger"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// FS is a mounted volume.
type FS struct {
	r      *aeon.Region
	sb     format.Superblock
	blocks *balloc.Allocator
	inos   *inoalloc.Allocator
	dirty  *dirty.Tracker
	log    *slog.Logger

	// maps[s] is shard s's inode-table map block; fixed at Format.
	maps    []uint64
	tableMu []sync.Mutex
	rtMu    []sync.Mutex

	// recMu guards the bytes of every inode record: writers hold it
	// exclusively, readers take a snapshot under RLock. It is always the
	// innermost lock.
	recMu sync.RWMutex

	dirsMu sync.Mutex
	dirs   map[types.Ino]*dir.Directory
	// loads runs at most one Load or Bootstrap per directory at a time,
	// outside dirsMu.
	loads singleflight.Group

	rr atomic.Uint64
}

func newFS(r *aeon.Region, sb format.Superblock, blocks *balloc.Allocator, log *slog.Logger) *FS {
	n := int(sb.Shards)
	return &FS{
		r:       r,
		sb:      sb,
		blocks:  blocks,
		dirty:   dirty.NewTracker(r),
		log:     logger.Or(log).With("component", "aeonfs"),
		maps:    make([]uint64, n),
		tableMu: make([]sync.Mutex, n),
		rtMu:    make([]sync.Mutex, n),
		dirs:    make(map[types.Ino]*dir.Directory),
	}
}

// Format lays out an empty volume over the whole region and returns it
// mounted. Any previous content of the region is lost.
func Format(r *aeon.Region, opts Options) (*FS, error) {
	if opts.Shards < 1 || opts.Shards > format.MaxShards {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: format: %d shards", opts.Shards)
	}
	numBlocks := r.Blocks()
	if numBlocks < format.MinBlocks {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: format: %d blocks, need %d", numBlocks, format.MinBlocks)
	}
	maxDir := opts.MaxDentryBlocks
	if maxDir == 0 {
		maxDir = format.MaxDentryBlocks
	}
	if maxDir < 0 || maxDir > format.MaxDentryBlocks {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: format: max dentry blocks %d", maxDir)
	}

	for b := uint64(0); b < format.ReservedBlocks; b++ {
		if err := r.ZeroBlock(b); err != nil {
			return nil, err
		}
	}
	blocks, err := balloc.New(balloc.Options{Shards: opts.Shards, NumBlocks: numBlocks, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	if err := blocks.Reserve(0, format.ReservedBlocks); err != nil {
		return nil, err
	}

	sb := format.Superblock{
		Version:      format.SBVersion,
		BlockSize:    format.BlockSize,
		NumBlocks:    numBlocks,
		Shards:       uint32(opts.Shards),
		UUID:         [16]byte(uuid.New()),
		MaxDirBlocks: uint32(maxDir),
	}
	if opts.NFC {
		sb.Flags |= format.SBFlagNFCNames
	}
	fs := newFS(r, sb, blocks, opts.Logger)
	fs.inos, err = inoalloc.New(inoalloc.Options{Shards: opts.Shards, Store: counterStore{fs}, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}

	for s := range opts.Shards {
		mb, _, err := blocks.Allocate(1, types.BlockNormal, s)
		if err != nil {
			return nil, fmt.Errorf("aeonfs: format: shard %d map: %w", s, err)
		}
		if err := r.ZeroBlock(mb); err != nil {
			return nil, err
		}
		rt, err := r.RegionTableAt(s)
		if err != nil {
			return nil, err
		}
		rt.SetCounters(0, 0, 0, 0)
		rt.SetMapBlock(mb)
		fs.maps[s] = mb
	}
	if err := r.Persist(aeon.BlockAddr(format.RegionTableBlock), format.BlockSize); err != nil {
		return nil, err
	}

	root, err := fs.inos.Allocate(0)
	if err != nil {
		return nil, fmt.Errorf("aeonfs: format: root: %w", err)
	}
	rootAddr, err := fs.slotFor(root)
	if err != nil {
		return nil, fmt.Errorf("aeonfs: format: root: %w", err)
	}
	if err := fs.writeInode(rootAddr, aeon.InodeFields{
		Ino:       root,
		Mode:      format.ModeDir | 0o755,
		ParentIno: root,
		Self:      rootAddr,
		PAddr:     rootAddr,
	}); err != nil {
		return nil, err
	}
	if _, err := fs.dir(root); err != nil {
		return nil, fmt.Errorf("aeonfs: format: root directory: %w", err)
	}

	// The superblock goes last: an interrupted format never mounts.
	fs.sb.RootIno = uint32(root)
	fs.sb.RootAddr = uint64(rootAddr)
	b, err := r.Block(format.SuperblockBlock)
	if err != nil {
		return nil, err
	}
	if err := format.EncodeSuperblock(b, fs.sb); err != nil {
		return nil, err
	}
	if err := r.Persist(aeon.BlockAddr(format.SuperblockBlock), format.SBSize); err != nil {
		return nil, err
	}
	if err := fs.Sync(context.Background()); err != nil {
		return nil, err
	}

	fs.log.Info("formatted",
		"uuid", fs.UUID(), "blocks", numBlocks, "shards", opts.Shards,
		"root", root, "nfc", opts.NFC)
	return fs, nil
}

// Mount opens the volume in r, rebuilding the allocators from media.
// Geometry, shard count and name normalization come from the superblock;
// only opts.Logger is used.
func Mount(ctx context.Context, r *aeon.Region, opts Options) (*FS, error) {
	raw, err := r.Resolve(aeon.BlockAddr(format.SuperblockBlock), format.SBSize)
	if err != nil {
		return nil, err
	}
	sb, err := format.DecodeSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("aeonfs: mount: %w", err)
	}
	if err := sb.ValidateSanity(uint64(r.Size())); err != nil {
		return nil, fmt.Errorf("aeonfs: mount: %w", err)
	}

	shards := int(sb.Shards)
	blocks, err := balloc.New(balloc.Options{Shards: shards, NumBlocks: sb.NumBlocks, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	if err := blocks.Reserve(0, format.ReservedBlocks); err != nil {
		return nil, err
	}
	fs := newFS(r, sb, blocks, opts.Logger)

	scans := make([]shardScan, shards)
	g, gctx := errgroup.WithContext(ctx)
	for s := range shards {
		g.Go(func() error {
			sc, err := fs.scanShard(gctx, s)
			scans[s] = sc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("aeonfs: mount: %w", err)
	}

	fs.inos, err = inoalloc.New(inoalloc.Options{Shards: shards, Store: counterStore{fs}, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	for s, sc := range scans {
		fs.maps[s] = sc.mapBlock
		if err := fs.inos.Rebuild(s, sc.used, sc.counters); err != nil {
			return nil, fmt.Errorf("aeonfs: mount: %w", err)
		}
	}

	root, err := fs.inode(fs.Root())
	if err != nil {
		return nil, fmt.Errorf("aeonfs: mount: root: %w", err)
	}
	if !root.IsDir() || uint64(root.Addr()) != sb.RootAddr {
		return nil, types.Errorf(types.ErrKindCorrupt, "aeonfs: mount: root inode %d does not match superblock", sb.RootIno)
	}

	fs.log.Info("mounted",
		"uuid", fs.UUID(), "blocks", sb.NumBlocks, "shards", shards,
		"free", blocks.FreeBlocks())
	return fs, nil
}

type shardScan struct {
	mapBlock uint64
	used     []uint64
	counters inoalloc.Counters
}

// scanShard walks one shard's inode tables, reserving every metadata block
// it reaches and collecting the in-use internal inode numbers.
func (fs *FS) scanShard(ctx context.Context, s int) (shardScan, error) {
	rt, err := fs.r.RegionTableAt(s)
	if err != nil {
		return shardScan{}, err
	}
	if !rt.Verify() {
		return shardScan{}, fmt.Errorf("shard %d region table: %w", s, types.ErrChecksumMismatch)
	}
	sc := shardScan{
		mapBlock: rt.MapBlock(),
		counters: inoalloc.Counters{Allocated: rt.Allocated(), Freed: rt.Freed()},
	}
	if err := fs.reserveMeta(sc.mapBlock); err != nil {
		return shardScan{}, fmt.Errorf("shard %d map block: %w", s, err)
	}
	mb, err := fs.r.Block(sc.mapBlock)
	if err != nil {
		return shardScan{}, err
	}

	n := uint64(fs.sb.Shards)
	for ti := range format.InodeTableMapEntries {
		tb := format.ReadU64(mb, ti*8)
		if tb == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return shardScan{}, err
		}
		if err := fs.reserveMeta(tb); err != nil {
			return shardScan{}, fmt.Errorf("shard %d inode table %d: %w", s, ti, err)
		}
		for rec := range format.InodesPerBlock {
			internal := uint64(ti*format.InodesPerBlock + rec)
			if internal == 0 {
				continue
			}
			addr := inoalloc.Address(tb, internal)
			in, err := fs.r.InodeAt(addr)
			if err != nil {
				return shardScan{}, err
			}
			if !in.Valid() {
				continue
			}
			if !in.Verify() {
				fs.log.Debug("inode checksum mismatch", "addr", addr)
				return shardScan{}, fmt.Errorf("inode record %#x: %w", uint64(addr), types.ErrChecksumMismatch)
			}
			if want := types.Ino(internal*n + uint64(s)); in.Ino() != want || in.Addr() != addr {
				return shardScan{}, types.Errorf(types.ErrKindCorrupt,
					"inode record %#x holds ino %d at %#x, want %d", uint64(addr), in.Ino(), uint64(in.Addr()), want)
			}
			sc.used = append(sc.used, internal)
			if in.IsDir() && in.DirMap() != 0 {
				if err := fs.reserveDir(in.DirMap()); err != nil {
					return shardScan{}, fmt.Errorf("directory %d: %w", in.Ino(), err)
				}
			}
		}
	}
	return sc, nil
}

// reserveDir reserves a directory's map block and every dentry block it
// lists. The records themselves are checked when the directory loads.
func (fs *FS) reserveDir(mapBlock uint64) error {
	if err := fs.reserveMeta(mapBlock); err != nil {
		return err
	}
	dm, err := fs.r.DentryMapAt(mapBlock)
	if err != nil {
		return err
	}
	if err := dm.Check(); err != nil {
		return fmt.Errorf("dentry map %d: %w", mapBlock, err)
	}
	latest := dm.Latest()
	if latest >= int(fs.sb.MaxDirBlocks) {
		return types.Errorf(types.ErrKindCorrupt, "dentry map %d: latest block %d beyond %d", mapBlock, latest, fs.sb.MaxDirBlocks)
	}
	for i := 0; i <= latest; i++ {
		if err := fs.reserveMeta(dm.Block(i)); err != nil {
			return fmt.Errorf("dentry map %d entry %d: %w", mapBlock, i, err)
		}
	}
	return nil
}

func (fs *FS) reserveMeta(b uint64) error {
	if b < format.ReservedBlocks || b >= fs.sb.NumBlocks {
		return types.Errorf(types.ErrKindCorrupt, "block %d outside the volume", b)
	}
	return fs.blocks.Reserve(b, 1)
}

// counterStore writes inode allocator counters into the region tables.
// They are rebuilt at mount, so the write-back is batched through the
// dirty tracker rather than persisted inline.
type counterStore struct{ fs *FS }

func (c counterStore) StoreCounters(shard int, v inoalloc.Counters) {
	fs := c.fs
	fs.rtMu[shard].Lock()
	defer fs.rtMu[shard].Unlock()
	rt, err := fs.r.RegionTableAt(shard)
	if err != nil {
		fs.log.Warn("region table unavailable", "shard", shard, "err", err)
		return
	}
	rt.SetCounters(v.RangeHigh, v.Allocated, v.InUse, v.Freed)
	fs.dirty.Add(aeon.RegionTableAddr(shard), format.RegionTableSize)
}

// Root returns the root directory's inode number.
func (fs *FS) Root() types.Ino { return types.Ino(fs.sb.RootIno) }

// UUID identifies the volume.
func (fs *FS) UUID() uuid.UUID { return uuid.UUID(fs.sb.UUID) }

// Shards returns the shard count.
func (fs *FS) Shards() int { return int(fs.sb.Shards) }

// Region exposes the backing arena.
func (fs *FS) Region() *aeon.Region { return fs.r }

// Sync writes back batched metadata and flushes the region.
func (fs *FS) Sync(ctx context.Context) error {
	if err := fs.dirty.Flush(ctx, dirty.FlushFull); err != nil {
		return fmt.Errorf("aeonfs: sync: %w", err)
	}
	return nil
}

// Close syncs and drops the directory cache. The region stays open; the
// caller owns it.
func (fs *FS) Close() error {
	err := fs.Sync(context.Background())
	fs.dirsMu.Lock()
	clear(fs.dirs)
	fs.dirsMu.Unlock()
	return err
}
