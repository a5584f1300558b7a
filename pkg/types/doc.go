// Package types defines the small, dependency-free vocabulary shared by every
// layer of aeonkit: typed errors with stable categories, region addresses,
// inode numbers and block types.
//
// Design goals:
//   - Small, copyable handles (Addr/Ino) instead of pointers into the region.
//   - Typed errors with stable categories (out of space, too many links,
//     duplicate key, not found, checksum mismatch, ...).
//   - errors.Is matches by kind, so wrapped errors stay classifiable.
//
// This package has no dependencies beyond the standard library.
package types
