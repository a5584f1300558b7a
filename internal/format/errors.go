package format

import "github.com/joshuapare/aeonkit/pkg/types"

var (
	// ErrSignatureMismatch indicates a structure had an unexpected magic.
	ErrSignatureMismatch = &types.Error{Kind: types.ErrKindCorrupt, Msg: "format: signature mismatch"}
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = &types.Error{Kind: types.ErrKindCorrupt, Msg: "format: truncated buffer"}
	// ErrUnsupported indicates a layout version or geometry this package does not handle.
	ErrUnsupported = &types.Error{Kind: types.ErrKindCorrupt, Msg: "format: unsupported layout"}
)
