// Package balloc hands out 4 KiB blocks of the region from N independent
// shards.
//
// Each shard owns a contiguous slice of the volume's block numbers and a
// rangeindex of the free ranges inside it, plus a free-block counter that is
// always equal to the sum of the sizes of its ranges.
//
// # Allocation policy
//
// Normal blocks are taken from the lowest free range of the chosen shard. If
// that range is no larger than the request it is consumed whole and the
// caller receives fewer blocks than asked for; otherwise the request is cut
// from its low end. Callers loop when they need the full amount.
//
// Huge blocks (types.BlockHuge, 512 blocks) must come whole from one range;
// smaller ranges are skipped.
//
// When the chosen shard cannot cover the request, the allocator drops its
// lock, picks the shard with the most free blocks and tries again. After two
// hops it tries the current shard regardless and reports ErrOutOfSpace only
// if that yields nothing. A goroutine never holds two shard locks.
//
// # Free
//
// Freed ranges are coalesced with adjacent free ranges. Freeing a block that
// is already free is reported as ErrDuplicateKey and leaves the shard
// untouched.
package balloc
