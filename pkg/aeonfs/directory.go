package aeonfs

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/joshuapare/aeonkit/aeon"
	"github.com/joshuapare/aeonkit/aeon/dir"
	"github.com/joshuapare/aeonkit/internal/format"
	"github.com/joshuapare/aeonkit/pkg/types"
)

// canon is the byte form a name is hashed and stored under.
func (fs *FS) canon(name string) []byte {
	if fs.canonNFC() {
		return []byte(norm.NFC.String(name))
	}
	return []byte(name)
}

func (fs *FS) canonNFC() bool { return fs.sb.Flags&format.SBFlagNFCNames != 0 }

// dir returns the cached Directory for ino, loading it from media on first
// use. A directory inode without a dentry map (still marked new) gets its
// storage here. Loads of different directories run in parallel; callers
// asking for the same one wait for a single load.
func (fs *FS) dir(ino types.Ino) (*dir.Directory, error) {
	if d := fs.cached(ino); d != nil {
		return d, nil
	}
	v, err, _ := fs.loads.Do(strconv.FormatUint(uint64(ino), 10), func() (any, error) {
		// A load that finished between the miss and Do has published.
		if d := fs.cached(ino); d != nil {
			return d, nil
		}
		d, err := fs.openDir(ino)
		if err != nil {
			return nil, err
		}
		fs.dirsMu.Lock()
		fs.dirs[ino] = d
		fs.dirsMu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dir.Directory), nil
}

func (fs *FS) cached(ino types.Ino) *dir.Directory {
	fs.dirsMu.Lock()
	defer fs.dirsMu.Unlock()
	return fs.dirs[ino]
}

// openDir builds ino's Directory from its inode, bootstrapping storage for
// a directory that has none yet.
func (fs *FS) openDir(ino types.Ino) (*dir.Directory, error) {
	n, err := fs.inode(ino)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, types.Errorf(types.ErrKindInvalidArgument, "aeonfs: ino %d is not a directory", ino)
	}
	shard, _ := fs.inos.Split(ino)
	d := dir.New(dir.Options{
		Region:    fs.r,
		Blocks:    fs.blocks,
		Ino:       ino,
		InodeAddr: n.Addr(),
		Shard:     shard,
		MaxBlocks: int(fs.sb.MaxDirBlocks),
		Logger:    fs.log,
	})

	if mb := n.DirMap(); mb != 0 {
		if err := d.Load(mb); err != nil {
			return nil, err
		}
	} else {
		mb, err := d.Bootstrap(n.ParentIno(), n.PAddr())
		if err != nil {
			return nil, fmt.Errorf("aeonfs: directory %d: %w", ino, err)
		}
		if err := fs.update(n, func(n aeon.Inode) { n.AttachDirMap(mb) }); err != nil {
			return nil, err
		}
		fs.log.Debug("directory bootstrapped", "ino", ino, "map", mb)
	}
	return d, nil
}

// DirectoryInsert links name in directory dirIno to the existing inode ino
// and returns the new record's address.
func (fs *FS) DirectoryInsert(dirIno types.Ino, name string, ino types.Ino) (types.Addr, error) {
	d, err := fs.dir(dirIno)
	if err != nil {
		return 0, err
	}
	child, err := fs.inode(ino)
	if err != nil {
		return 0, err
	}
	addr, err := d.Insert(fs.canon(name), ino, child.Addr())
	if err != nil {
		return 0, err
	}
	if err := fs.update(child, func(n aeon.Inode) { n.SetDentryAddr(addr) }); err != nil {
		return 0, err
	}
	return addr, nil
}

// DirectoryRemove unlinks name from dirIno. The inode it named is left
// alone.
func (fs *FS) DirectoryRemove(dirIno types.Ino, name string) (dir.Entry, error) {
	d, err := fs.dir(dirIno)
	if err != nil {
		return dir.Entry{}, err
	}
	return d.Remove(fs.canon(name))
}

// DirectoryFind looks name up in dirIno.
func (fs *FS) DirectoryFind(dirIno types.Ino, name string) (dir.Entry, error) {
	d, err := fs.dir(dirIno)
	if err != nil {
		return dir.Entry{}, err
	}
	return d.Find(fs.canon(name))
}

// DirectoryIterate walks dirIno in hash order starting at cursor from
// (dirindex.Start for the beginning). "." and ".." are included.
func (fs *FS) DirectoryIterate(dirIno types.Ino, from uint64) iter.Seq2[dir.Entry, error] {
	d, err := fs.dir(dirIno)
	if err != nil {
		return func(yield func(dir.Entry, error) bool) { yield(dir.Entry{}, err) }
	}
	return d.Iterate(from)
}

// DirectoryDeleteAll frees every dentry block of dirIno and its map. The
// inode is detached first so a crash never leaves it pointing at freed
// blocks; it reads as a new, empty directory afterwards.
func (fs *FS) DirectoryDeleteAll(dirIno types.Ino) error {
	n, err := fs.inode(dirIno)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: ino %d is not a directory", dirIno)
	}
	if n.DirMap() == 0 {
		fs.forget(dirIno)
		return nil
	}
	d, err := fs.dir(dirIno)
	if err != nil {
		return err
	}
	if err := fs.update(n, aeon.Inode.DetachDirMap); err != nil {
		return err
	}
	fs.forget(dirIno)
	return d.DeleteAll()
}

func (fs *FS) forget(ino types.Ino) {
	fs.dirsMu.Lock()
	delete(fs.dirs, ino)
	fs.dirsMu.Unlock()
}

// DotDot returns the parent recorded in dirIno's ".." entry.
func (fs *FS) DotDot(dirIno types.Ino) (types.Ino, error) {
	d, err := fs.dir(dirIno)
	if err != nil {
		return 0, err
	}
	ino, _, err := d.DotDot()
	return ino, err
}

// IsEmpty reports whether dirIno holds only "." and "..".
func (fs *FS) IsEmpty(dirIno types.Ino) (bool, error) {
	d, err := fs.dir(dirIno)
	if err != nil {
		return false, err
	}
	return d.IsEmpty(), nil
}

// SetLink points the existing name in dirIno at ino.
func (fs *FS) SetLink(dirIno types.Ino, name string, ino types.Ino) error {
	d, err := fs.dir(dirIno)
	if err != nil {
		return err
	}
	child, err := fs.inode(ino)
	if err != nil {
		return err
	}
	key := fs.canon(name)
	if err := d.SetLink(key, ino, child.Addr()); err != nil {
		return err
	}
	e, err := d.Find(key)
	if err != nil {
		return err
	}
	return fs.update(child, func(n aeon.Inode) { n.SetDentryAddr(e.Addr) })
}

// SetParent makes parent the parent of directory dirIno, updating both its
// ".." entry and its inode record.
func (fs *FS) SetParent(dirIno, parent types.Ino) error {
	p, err := fs.inode(parent)
	if err != nil {
		return err
	}
	d, err := fs.dir(dirIno)
	if err != nil {
		return err
	}
	if err := d.SetParent(parent, p.Addr()); err != nil {
		return err
	}
	n, err := fs.inode(dirIno)
	if err != nil {
		return err
	}
	return fs.update(n, func(n aeon.Inode) { n.SetParent(parent, p.Addr()) })
}

// Create makes a new inode of the given mode and links it as name in
// parent. Directories get their "." and ".." immediately.
func (fs *FS) Create(parent types.Ino, name string, mode uint16) (types.Ino, error) {
	key := fs.canon(name)
	if err := dir.ValidateName(key); err != nil {
		return 0, err
	}
	if _, err := fs.DirectoryFind(parent, name); err == nil {
		return 0, fmt.Errorf("aeonfs: create %q: %w", name, types.ErrDuplicateKey)
	} else if !errors.Is(err, types.ErrNotFound) {
		return 0, err
	}

	ino, _, err := fs.CreateInode(parent, mode)
	if err != nil {
		return 0, err
	}
	isDir := mode&format.ModeTypeMask == format.ModeDir
	if isDir {
		if _, err = fs.dir(ino); err != nil {
			fs.rollbackInode(ino)
			return 0, err
		}
	}
	if _, err := fs.DirectoryInsert(parent, name, ino); err != nil {
		fs.rollbackInode(ino)
		return 0, err
	}
	if isDir {
		if err := fs.adjustLinks(parent, 1); err != nil {
			if _, rerr := fs.DirectoryRemove(parent, name); rerr != nil {
				fs.log.Warn("rollback of entry failed", "parent", parent, "name", name, "err", rerr)
				return 0, err
			}
			fs.rollbackInode(ino)
			return 0, err
		}
	}
	return ino, nil
}

func (fs *FS) rollbackInode(ino types.Ino) {
	if err := fs.RemoveInode(ino); err != nil {
		fs.log.Warn("rollback of inode failed", "ino", ino, "err", err)
	}
}

// Remove unlinks name from parent and releases its inode. Directories must
// be empty.
func (fs *FS) Remove(parent types.Ino, name string) error {
	e, err := fs.DirectoryFind(parent, name)
	if err != nil {
		return err
	}
	n, err := fs.inode(e.Ino)
	if err != nil {
		return err
	}
	isDir := n.IsDir()
	if isDir {
		empty, err := fs.IsEmpty(e.Ino)
		if err != nil {
			return err
		}
		if !empty {
			return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: remove %q: directory not empty", name)
		}
	}
	if _, err := fs.DirectoryRemove(parent, name); err != nil {
		return err
	}
	if isDir {
		if err := fs.adjustLinks(parent, -1); err != nil {
			return err
		}
	}
	return fs.RemoveInode(e.Ino)
}

// Rename moves srcName in srcDir to dstName in dstDir. An existing target
// of the same kind is replaced; a directory target must be empty.
func (fs *FS) Rename(srcDir types.Ino, srcName string, dstDir types.Ino, dstName string) error {
	e, err := fs.DirectoryFind(srcDir, srcName)
	if err != nil {
		return err
	}
	src, err := fs.Stat(e.Ino)
	if err != nil {
		return err
	}
	if src.IsDir() {
		inside, err := fs.isAncestor(e.Ino, dstDir)
		if err != nil {
			return err
		}
		if inside {
			return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: cannot move %q into itself", srcName)
		}
	}

	var replaced *Inode
	old, err := fs.DirectoryFind(dstDir, dstName)
	switch {
	case err == nil:
		if old.Ino == e.Ino {
			return nil
		}
		on, err := fs.Stat(old.Ino)
		if err != nil {
			return err
		}
		if on.IsDir() != src.IsDir() {
			return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: rename %q over %q: type mismatch", srcName, dstName)
		}
		if on.IsDir() {
			empty, err := fs.IsEmpty(old.Ino)
			if err != nil {
				return err
			}
			if !empty {
				return types.Errorf(types.ErrKindInvalidArgument, "aeonfs: rename over %q: directory not empty", dstName)
			}
		}
		if err := fs.SetLink(dstDir, dstName, e.Ino); err != nil {
			return err
		}
		replaced = &on
	case errors.Is(err, types.ErrNotFound):
		if _, err := fs.DirectoryInsert(dstDir, dstName, e.Ino); err != nil {
			return err
		}
	default:
		return err
	}

	if _, err := fs.DirectoryRemove(srcDir, srcName); err != nil {
		return err
	}
	if src.IsDir() {
		if srcDir != dstDir {
			if err := fs.SetParent(e.Ino, dstDir); err != nil {
				return err
			}
		}
		if err := fs.adjustLinks(srcDir, -1); err != nil {
			return err
		}
		if err := fs.adjustLinks(dstDir, 1); err != nil {
			return err
		}
	}
	if replaced != nil {
		if replaced.IsDir() {
			if err := fs.adjustLinks(dstDir, -1); err != nil {
				return err
			}
		}
		return fs.RemoveInode(replaced.Ino)
	}
	return nil
}

// isAncestor reports whether a is dir or one of its ancestors.
func (fs *FS) isAncestor(a, dirIno types.Ino) (bool, error) {
	cur := dirIno
	for range format.MaxInternalIno * format.MaxShards {
		if cur == a {
			return true, nil
		}
		if cur == fs.Root() {
			return false, nil
		}
		p, err := fs.DotDot(cur)
		if err != nil {
			return false, err
		}
		cur = p
	}
	return false, types.Errorf(types.ErrKindCorrupt, "aeonfs: parent chain of %d does not reach the root", dirIno)
}

// Lookup resolves a slash-separated path from the root.
func (fs *FS) Lookup(path string) (types.Ino, error) {
	cur := fs.Root()
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		e, err := fs.DirectoryFind(cur, part)
		if err != nil {
			return 0, fmt.Errorf("aeonfs: lookup %q: %w", path, err)
		}
		cur = e.Ino
	}
	return cur, nil
}
