package types

import "fmt"

// -----------------------------------------------------------------------------
// Typed Errors (stable categories for programmatic handling)
// -----------------------------------------------------------------------------

// ErrKind classifies errors so callers can branch on intent rather than text.
type ErrKind int

const (
	ErrKindOutOfSpace       ErrKind = iota // no block or inode-number range satisfies the request
	ErrKindTooManyLinks                    // directory block chain is at its structural limit
	ErrKindDuplicateKey                    // insert target already exists (logic fault)
	ErrKindNotFound                        // lookup/removal target absent
	ErrKindChecksumMismatch                // persisted record failed integrity verification
	ErrKindInvalidArgument                 // caller passed a value outside the accepted domain
	ErrKindCorrupt                         // structural inconsistency in on-media metadata
	ErrKindBadAddress                      // region offset outside the mapped arena
)

// String returns a short, stable name for the kind.
func (k ErrKind) String() string {
	switch k {
	case ErrKindOutOfSpace:
		return "out of space"
	case ErrKindTooManyLinks:
		return "too many links"
	case ErrKindDuplicateKey:
		return "duplicate key"
	case ErrKindNotFound:
		return "not found"
	case ErrKindChecksumMismatch:
		return "checksum mismatch"
	case ErrKindInvalidArgument:
		return "invalid argument"
	case ErrKindCorrupt:
		return "corrupt"
	case ErrKindBadAddress:
		return "bad address"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a typed error with an optional underlying cause.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error // optional underlying cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, types.ErrNotFound) matches any not-found error regardless of
// its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind ErrKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, reporting false when err is not (and does
// not wrap) an *Error.
func KindOf(err error) (ErrKind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}

// Sentinels commonly returned by implementations.
var (
	// ErrOutOfSpace indicates no block or inode-number range satisfies the request.
	ErrOutOfSpace = &Error{Kind: ErrKindOutOfSpace, Msg: "out of space"}
	// ErrTooManyLinks indicates a directory exhausted its block-chain length.
	ErrTooManyLinks = &Error{Kind: ErrKindTooManyLinks, Msg: "too many links"}
	// ErrDuplicateKey indicates an insert target already exists.
	ErrDuplicateKey = &Error{Kind: ErrKindDuplicateKey, Msg: "duplicate key"}
	// ErrNotFound indicates a lookup or removal target is absent.
	ErrNotFound = &Error{Kind: ErrKindNotFound, Msg: "not found"}
	// ErrChecksumMismatch indicates persisted content failed integrity verification.
	ErrChecksumMismatch = &Error{Kind: ErrKindChecksumMismatch, Msg: "checksum mismatch"}
	// ErrInvalidArgument indicates a caller-supplied value was rejected.
	ErrInvalidArgument = &Error{Kind: ErrKindInvalidArgument, Msg: "invalid argument"}
	// ErrCorrupt indicates non-recoverable structural inconsistency.
	ErrCorrupt = &Error{Kind: ErrKindCorrupt, Msg: "corrupt metadata"}
	// ErrBadAddress indicates a region offset outside the mapped arena.
	ErrBadAddress = &Error{Kind: ErrKindBadAddress, Msg: "bad region address"}
)

// -----------------------------------------------------------------------------
// Core Identifiers
// -----------------------------------------------------------------------------

// Addr is an offset into the persistent region. Persisted structures only ever
// store Addr values, never pointers, so an image stays valid wherever it is
// mapped.
type Addr uint64

// Ino is an external inode number (internal*shards + shard).
type Ino uint32

// BlockType selects the allocation unit of a block request.
type BlockType uint8

const (
	// BlockNormal is a single 4 KiB block.
	BlockNormal BlockType = 0
	// BlockHuge is a 2 MiB super block (512 normal blocks). Requests of this
	// type must be satisfied whole from one free range.
	BlockHuge BlockType = 1
)

// Blocks returns how many 4 KiB blocks one unit of t covers.
func (t BlockType) Blocks() uint64 {
	if t == BlockHuge {
		return 512
	}
	return 1
}

func (t BlockType) String() string {
	switch t {
	case BlockNormal:
		return "normal"
	case BlockHuge:
		return "huge"
	default:
		return fmt.Sprintf("BlockType(%d)", uint8(t))
	}
}

// AnyShard asks an allocator to pick the shard itself.
const AnyShard = -1
