/*
Package aeonfs assembles the allocation and indexing core into a volume: a
block allocator, an inode-number allocator, per-shard inode tables and one
Directory per directory inode, all living in a single aeon.Region.

# Layout

	block 0      superblock (geometry, shard count, root inode, UUID, flags)
	block 1      region tables, one 64-byte entry per shard
	block 2..    shard-owned blocks: inode-table map blocks, inode tables,
	             dentry map blocks and dentry blocks

Each shard's region-table entry names a map block listing up to 512 inode
table blocks. Table blocks are allocated on demand from the shard's own
block range.

# Lifecycle

	r, _ := aeon.Create("vol.img", 64<<20)
	fs, _ := aeonfs.Format(r, aeonfs.Options{Shards: 4})
	ino, _ := fs.Create(fs.Root(), "etc", format.ModeDir|0o755)
	_ = fs.Sync(ctx)

	fs, _ = aeonfs.Mount(ctx, r, aeonfs.Options{})

Mount rebuilds every DRAM structure from media: shards are scanned in
parallel, metadata blocks are reserved in the block allocator and the
inode-number trees are rebuilt from the valid inode records. Directories
are loaded on first use.

# Concurrency

An FS is safe for concurrent use. Operations on different directories
proceed in parallel; operations on one directory serialize on its lock.
Multi-step operations (Create, Remove, Rename) are not atomic with respect
to each other when they touch the same names.
*/
package aeonfs
