package format

import "hash/crc32"

// ChecksumSeed is the initial CRC register value for every record checksum.
const ChecksumSeed uint32 = 0xFFFFFFFF

// Checksum computes the little-endian CRC32 (IEEE polynomial, reflected)
// of b starting from seed, without the pre/post inversion that
// crc32.ChecksumIEEE applies. This is the kernel's crc32_le(seed, b, len),
// so images stay verifiable by tools built on that primitive.
func Checksum(seed uint32, b []byte) uint32 {
	return ^crc32.Update(^seed, crc32.IEEETable, b)
}

// Seal stores the checksum of b[:csumOff] at b[csumOff:csumOff+4].
func Seal(b []byte, csumOff int) {
	PutU32(b, csumOff, Checksum(ChecksumSeed, b[:csumOff]))
}

// Verify reports whether the checksum stored at csumOff matches b[:csumOff].
func Verify(b []byte, csumOff int) bool {
	return ReadU32(b, csumOff) == Checksum(ChecksumSeed, b[:csumOff])
}

// NameHashSeed is the BKDR multiplier.
const NameHashSeed = 131

// NameHash is the BKDR string hash used as a directory-index key: for each
// byte, hash = hash*131 + byte, wrapping at 64 bits. It is fixed on purpose;
// readdir cursors handed to callers are hash values and must stay stable
// across mounts.
func NameHash(name []byte) uint64 {
	var h uint64
	for _, c := range name {
		h = h*NameHashSeed + uint64(c)
	}
	return h
}
