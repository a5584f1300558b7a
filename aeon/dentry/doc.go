// Package dentry manages the persistent blocks holding one directory's
// entry records.
//
// A directory owns a dentry map block listing up to MaxBlocks dentry blocks
// in chain order. Every dentry block has format.DentriesPerBlock slots of
// format.DentrySlotSize bytes; slot 0 of each block additionally carries the
// prev/next block numbers in its pad bytes, so the chain can be walked
// without the map.
//
// Slots are handed out in this order:
//
//  1. the most recently tombstoned slot (LIFO), without touching storage
//  2. the next never-used slot of the latest block
//  3. slot 0 of a freshly allocated block, appended to the chain
//
// The first block starts with "." and ".." in slots 0 and 1, written by
// Bootstrap before any caller-visible entry exists.
//
// Reclaim returns blocks whose slots are all invalid to the block allocator.
// The first block is never reclaimed. Per-block valid counts are kept as
// entries come and go, so Reclaim only looks at blocks already known to be
// empty.
//
// A Manager is not safe for concurrent use; the directory lock guards it.
package dentry
