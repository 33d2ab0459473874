// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ftpfs

import (
	"context"

	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// Operations dispatched by the kernel. The file system is mounted
// read-only, so everything on the write side stays with
// NotImplementedFileSystem and surfaces as ENOSYS.

func (fs *FileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	op.BlockSize = wire.BlockSize
	op.IoSize = uint32(fs.pageSize)

	return nil
}

// LookUpInode resolves one name within a directory.
//
// Resolution order: the directory's own entry list (directories carry
// their ids there), then the pathname index (regular files have no durable
// ids), and finally a GETATTR round trip to the daemon, allocating a fresh
// node on success.
func (fs *FileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	dir := fs.findByID(op.Parent)
	if dir == nil {
		return ENOENT
	}
	if !dir.IsDir() {
		return ENOTDIR
	}

	// The kernel resolves "." and ".." above us in the common case, but be
	// prepared anyway: the root is its own parent.
	var n *Node
	switch op.Name {
	case ".":
		n = dir
	case "..":
		n = fs.findParent(dir)
	}

	nodePath := childPath(dir.Path(), op.Name)

	if n == nil {
		if id := dir.findEntry(op.Name); id != 0 {
			n = fs.findByID(id)
		} else {
			n = fs.findByPath(nodePath)
		}
	}

	if n == nil {
		// Not cached anywhere; ask the daemon.
		attr, err := fs.requestGetattr(ctx, nodePath)
		if err != nil {
			fs.debugLog(1, "lookup of %q: %v", nodePath, err)
			return err
		}

		fs.mu.Lock()
		// Lost a race with a concurrent lookup of the same name?
		if existing := fs.byPath[nodePath]; existing != nil {
			n = existing
		} else if attr.Type == wire.TypeDirectory {
			n = fs.makeDirectory(nodePath, dir)
		} else {
			n = fs.allocNode(nodePath, attr.Type)
			fs.publishNode(n)
		}
		fs.mu.Unlock()

		n.applyAttr(&attr)

		// Directories get a real id in the parent's entry list, replacing
		// the id-zero entry a readdir may have left there.
		if attr.Type == wire.TypeDirectory {
			dir.removeEntry(op.Name)
			dir.addEntry(op.Name, fuseutil.DT_Directory, n.ID())
		}

		fs.debugLog(1, "allocated node %d for %q", n.ID(), nodePath)
	}

	fs.mu.Lock()
	n.lookupCount++
	fs.mu.Unlock()

	op.Entry.Child = n.ID()
	op.Entry.Attributes = n.Attributes()

	return nil
}

// GetInodeAttributes refreshes a node's attributes from the daemon.
//
// A changed mtime means the file was rewritten externally: the node's
// cached pages are dropped (applyAttr) so the next read faults through to
// the daemon. A not-found reply means the node vanished remotely: its
// entry is removed from the parent directory and the cache's references
// are dropped. Any failure propagates to the caller.
func (fs *FileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	n := fs.findByID(op.Inode)
	if n == nil {
		return ENOENT
	}

	attr, err := fs.requestGetattr(ctx, n.Path())
	if err != nil {
		// Interrupts and transport failures say nothing about the file;
		// only a definitive not-found means it vanished remotely.
		if err == ENOENT {
			fs.nodeVanished(n, err)
		}
		return err
	}

	if n.applyAttr(&attr) {
		fs.debugLog(1, "mtime changed for %q; pages invalidated", n.Path())
	}

	op.Attributes = n.Attributes()

	return nil
}

// Handle an attribute refresh that reported not-found: the backing file is
// gone, so the node leaves its parent's entries and the cache indexes.
func (fs *FileSystem) nodeVanished(n *Node, cause error) {
	if n.ID() == fuseops.RootInodeID {
		// Never evict the root; the mount point exists as long as the
		// mount does.
		return
	}

	fs.debugLog(1, "node %q vanished: %v", n.Path(), cause)

	if parent := fs.findParent(n); parent != nil {
		parent.removeEntry(n.Name())
	}

	fs.evictNode(n)
}

// ForgetInode drops kernel references; the node is freed when the last one
// goes.
func (fs *FileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n := fs.nodes[op.Inode]
	if n == nil {
		return nil
	}

	if op.N >= n.lookupCount {
		n.lookupCount = 0
	} else {
		n.lookupCount -= op.N
	}

	if n.lookupCount == 0 && n.ID() != fuseops.RootInodeID {
		if fs.byPath[n.Path()] == n {
			delete(fs.byPath, n.Path())
		}
		delete(fs.nodes, n.ID())
	}

	return nil
}

func (fs *FileSystem) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		err := fs.ForgetInode(ctx, &fuseops.ForgetInodeOp{
			Inode: e.Inode,
			N:     e.N,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

// OpenDir succeeds unconditionally; handles carry no state.
func (fs *FileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	n := fs.findByID(op.Inode)
	if n == nil {
		return ENOENT
	}
	if !n.IsDir() {
		return ENOTDIR
	}

	return nil
}

// ReadDir serves directory entries out of the entry buffer, refilling it
// from the daemon when the directory changed or was never read.
func (fs *FileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	n := fs.findByID(op.Inode)
	if n == nil {
		return ENOENT
	}
	if !n.IsDir() {
		return ENOTDIR
	}

	prevMtime := n.Attributes().Mtime

	attr, err := fs.requestGetattr(ctx, n.Path())
	if err != nil {
		return err
	}
	n.applyAttr(&attr)

	// Refill when the directory's mtime moved, or when the buffer holds
	// nothing beyond "." and ".." (first read, or an invalidated cache).
	if !attr.Mtime.Equal(prevMtime) || n.dirIsEmpty() {
		if err := fs.requestReaddir(ctx, n); err != nil {
			return err
		}
	}

	op.BytesRead = n.readEntries(op.Offset, op.Dst)
	n.touchAtime()

	return nil
}

func (fs *FileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

// OpenFile succeeds unconditionally; there is nothing to set up, and
// access checking happens in the kernel.
func (fs *FileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	n := fs.findByID(op.Inode)
	if n == nil {
		return ENOENT
	}

	return nil
}

// ReadFile satisfies a read through the page path: each page of the
// requested range is served from the node's page cache, faulting missed
// pages in from the daemon with read-around.
func (fs *FileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	n := fs.findByID(op.Inode)
	if n == nil {
		return ENOENT
	}
	if n.IsDir() {
		return ENOTSUP
	}

	size := int64(n.Attributes().Size)
	dst := op.Dst
	offset := op.Offset

	for len(dst) > 0 && offset < size {
		page, err := fs.getAPage(ctx, n, pageAlign(offset, fs.pageSize))
		if err != nil {
			return err
		}

		rel := int(offset - pageAlign(offset, fs.pageSize))
		avail := int64(len(page) - rel)
		if remaining := size - offset; avail > remaining {
			avail = remaining
		}

		copied := copy(dst, page[rel:rel+int(avail)])
		op.BytesRead += copied
		dst = dst[copied:]
		offset += int64(copied)
	}

	n.touchAtime()

	// A short count is how EOF is reported; the kernel needs no sentinel.
	return nil
}

func pageAlign(off int64, pageSize int) int64 {
	return off - off%int64(pageSize)
}

// getAPage returns the cached page at the given aligned offset, fetching
// it (plus read-around) from the daemon on a miss.
//
// The node's lock is never held across the daemon rendezvous: the cache is
// probed, released, the transfer performed into a private buffer, and the
// result inserted afterwards, with pages raced in by other readers taking
// precedence.
func (fs *FileSystem) getAPage(ctx context.Context, n *Node, off int64) ([]byte, error) {
	n.mu.Lock()
	if p, ok := n.pages.lookup(off); ok {
		n.mu.Unlock()
		return p, nil
	}

	// Extend the miss into an aligned multi-page read over the following
	// uncached pages, within the file and the read-around window.
	size := int64(n.attrs.Size)
	pageSize := int64(fs.pageSize)

	pages := 1
	for pages < readAroundPages {
		next := off + int64(pages)*pageSize
		if next >= size || n.pages.contains(next) {
			break
		}
		pages++
	}
	n.mu.Unlock()

	buf := make([]byte, pages*fs.pageSize)
	if err := fs.requestRead(ctx, n.Path(), buf, off); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < pages; i++ {
		n.pages.insert(off+int64(i)*pageSize, buf[i*fs.pageSize:(i+1)*fs.pageSize])
	}

	p, _ := n.pages.lookup(off)
	return p, nil
}

// The maximum number of pages a single miss expands into. Mirrors the
// host's read-around klustering: sequential readers pay one rendezvous per
// window instead of one per page.
const readAroundPages = 8

func (fs *FileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

// FlushFile succeeds unconditionally: nothing is ever dirty.
func (fs *FileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	return nil
}

// SyncFile succeeds unconditionally, for the same reason.
func (fs *FileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	return nil
}

// Destroy drops the node table at unmount.
func (fs *FileSystem) Destroy() {
	fs.freeAll()
}
