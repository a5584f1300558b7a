// Package aeon maps an aeon volume and exposes typed, zero-copy views over
// the records stored in it.
//
// # Region
//
// A Region is the persistent arena: a shared RW mapping of an image file on
// unix systems, or a heap buffer for NewMemory and for platforms without
// mmap. On-media structures never hold pointers; every cross reference is a
// types.Addr, an offset from the start of the region, which Resolve turns
// back into a byte slice.
//
// Persist is the single durability primitive. It writes back the pages
// covering a byte range and returns once they are stable, which also makes
// it the ordering point between "record written" and "record linked".
// Every writer in this module follows the same sequence:
//
//  1. fill the record through a view (Dentry.Fill, Inode.Init, ...)
//  2. Persist the record's bytes
//  3. only then publish it in an in-memory index or a parent record
//
// # Views
//
// Dentry, Inode, RegionTable and DentryMap wrap a slice of the region. They
// do NOT own memory and are only valid while the Region is open. Mutators
// reseal the record CRC (format.Seal) but never Persist; that stays with the
// caller so several field updates can share one flush.
//
// # Geometry
//
//	block 0            superblock
//	block 1            region tables (one 64-byte entry per shard)
//	blocks 2..N-1      allocatable, divided evenly between shards
//
// Inode tables, dentry maps and dentry blocks are all carved from the
// allocatable space by the block allocator.
package aeon
