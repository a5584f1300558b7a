package aeon

import (
	"bytes"

	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// DentryMap is a view over a directory's dentry map block: the ordered list
// of its dentry blocks plus the fill state of the latest one.
type DentryMap struct {
	buf []byte
}

// DentryMapAt returns the view over block blocknr without validating it.
func (r *Region) DentryMapAt(blocknr uint64) (DentryMap, error) {
	b, err := r.Block(blocknr)
	if err != nil {
		return DentryMap{}, err
	}
	return DentryMap{buf: b}, nil
}

// Init formats an empty map.
func (m DentryMap) Init() {
	clear(m.buf)
	copy(m.buf[format.DMapMagicOffset:], format.DMapMagic)
	m.Seal()
}

// Check validates the signature and the checksum.
func (m DentryMap) Check() error {
	if !bytes.Equal(m.buf[format.DMapMagicOffset:format.DMapMagicOffset+4], format.DMapMagic) {
		return format.ErrSignatureMismatch
	}
	if !format.Verify(m.buf, format.DMapChecksumOffset) {
		return types.ErrChecksumMismatch
	}
	return nil
}

// Latest is the index of the block new slots come from.
func (m DentryMap) Latest() int { return int(format.ReadU32(m.buf, format.DMapLatestOffset)) }

// Internal is the number of slots already handed out in the latest block.
func (m DentryMap) Internal() int { return int(format.ReadU32(m.buf, format.DMapInternalOffset)) }

// ValidCount is the number of live entries, "." and ".." included.
func (m DentryMap) ValidCount() uint64 { return format.ReadU64(m.buf, format.DMapValidOffset) }

// Block returns the i-th dentry block number.
func (m DentryMap) Block(i int) uint64 {
	return format.ReadU64(m.buf, format.DMapBlocksOffset+8*i)
}

// SetBlock stores the i-th dentry block number. The caller reseals.
func (m DentryMap) SetBlock(i int, blocknr uint64) {
	format.PutU64(m.buf, format.DMapBlocksOffset+8*i, blocknr)
}

// SetState stores the fill state and reseals.
func (m DentryMap) SetState(latest, internal int, valid uint64) {
	format.PutU32(m.buf, format.DMapLatestOffset, uint32(latest))
	format.PutU32(m.buf, format.DMapInternalOffset, uint32(internal))
	format.PutU64(m.buf, format.DMapValidOffset, valid)
	m.Seal()
}

func (m DentryMap) Seal() { format.Seal(m.buf, format.DMapChecksumOffset) }
