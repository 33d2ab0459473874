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
	"fmt"
	"os"
	"strings"

	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Node is the cache's record for one file or directory under the mount.
//
// The remote has no durable inode numbers, so a node's identity is its
// pathname relative to the mount point; the node id exists for the
// kernel's benefit and for directory entries. Ids are unique within a
// file-system instance and never reused.
type Node struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	inode fuseops.InodeID

	// The path relative to the mount point, "/" for the root.
	path string

	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The current attributes of this node, refreshed on every GETATTR.
	//
	// INVARIANT: attrs.Nlink == 1
	attrs fuseops.InodeAttributes // GUARDED_BY(mu)

	// The file type reported by the daemon.
	//
	// INVARIANT: ftype == wire.TypeDirectory iff entries may be non-nil
	ftype wire.FileType // GUARDED_BY(mu)

	// A version counter bumped whenever a GETATTR observes a changed
	// mtime.
	vcode uint32 // GUARDED_BY(mu)

	// For directories, the entry buffer (see dirent.go).
	//
	// INVARIANT: If ftype != wire.TypeDirectory, len(entries) == 0
	// INVARIANT: If non-empty, the first two entries are "." and ".."
	// INVARIANT: No name appears more than once
	entries []byte // GUARDED_BY(mu)

	// For regular files, the cached pages.
	pages pageCache // GUARDED_BY(mu)

	// The number of looked-up references the kernel holds. Maintained by
	// the file system under its own lock; the node is freed when this
	// drops to zero after the node has been evicted or forgotten.
	lookupCount uint64 // GUARDED_BY(fs.mu)
}

// Create a node. The caller must publish it into the file system's
// indexes before handing out its id.
func newNode(
	inode fuseops.InodeID,
	path string,
	ftype wire.FileType,
	pageSize int,
	clock timeutil.Clock) *Node {
	n := &Node{
		inode: inode,
		path:  path,
		clock: clock,
		ftype: ftype,
		vcode: 1,
		pages: newPageCache(pageSize),
		attrs: fuseops.InodeAttributes{
			Nlink: 1,
			Mode:  0644 | ftype.Mode(),
		},
	}

	n.mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return n
}

func (n *Node) checkInvariants() {
	// INVARIANT: attrs.Nlink == 1
	if n.attrs.Nlink != 1 {
		panic(fmt.Sprintf("Unexpected link count: %d", n.attrs.Nlink))
	}

	// INVARIANT: If ftype != wire.TypeDirectory, len(entries) == 0
	if n.ftype != wire.TypeDirectory && len(n.entries) != 0 {
		panic(fmt.Sprintf("Entries on non-directory %q", n.path))
	}

	// INVARIANT: If non-empty, the first two entries are "." and ".."
	if len(n.entries) != 0 {
		d, next := direntAt(n.entries, 0)
		if d.Name != "." {
			panic(fmt.Sprintf("First entry is %q, not \".\"", d.Name))
		}

		d, _ = direntAt(n.entries, next)
		if d.Name != ".." {
			panic(fmt.Sprintf("Second entry is %q, not \"..\"", d.Name))
		}
	}

	// INVARIANT: No name appears more than once
	seen := make(map[string]struct{})
	for off := 0; off < len(n.entries); {
		var d dirent
		d, off = direntAt(n.entries, off)
		if _, ok := seen[d.Name]; ok {
			panic(fmt.Sprintf("Duplicate entry name: %q", d.Name))
		}

		seen[d.Name] = struct{}{}
	}
}

// ID returns the node's id.
func (n *Node) ID() fuseops.InodeID {
	return n.inode
}

// Path returns the node's pathname relative to the mount point.
func (n *Node) Path() string {
	return n.path
}

// Name returns the node's last path component.
func (n *Node) Name() string {
	if n.path == "/" {
		return "/"
	}

	return n.path[strings.LastIndexByte(n.path, '/')+1:]
}

// LOCKS_EXCLUDED(n.mu)
func (n *Node) IsDir() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ftype == wire.TypeDirectory
}

// Attributes returns a snapshot of the node's attributes.
//
// LOCKS_EXCLUDED(n.mu)
func (n *Node) Attributes() fuseops.InodeAttributes {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attrs
}

// Version returns the node's version counter.
//
// LOCKS_EXCLUDED(n.mu)
func (n *Node) Version() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vcode
}

// Apply a fresh attribute buffer from the daemon: mode, size, type and
// mtime, per the getattr contract. If the mtime moved, every cached page
// is dropped and the version counter bumped; the caller learns about it so
// it can invalidate further afield.
//
// LOCKS_EXCLUDED(n.mu)
func (n *Node) applyAttr(a *wire.Attr) (mtimeChanged bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	mtimeChanged = !n.attrs.Mtime.IsZero() && !a.Mtime.Equal(n.attrs.Mtime)

	n.attrs.Mode = a.Mode&os.ModePerm | a.Type.Mode()
	n.attrs.Size = a.Size
	n.attrs.Mtime = a.Mtime
	n.attrs.Ctime = a.Ctime
	n.ftype = a.Type

	if mtimeChanged {
		n.pages.invalidateAll()
		n.vcode++
	}

	return mtimeChanged
}

// Record an access.
//
// LOCKS_EXCLUDED(n.mu)
func (n *Node) touchAtime() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrs.Atime = n.clock.Now()
}

////////////////////////////////////////////////////////////////////////
// Directory entries
////////////////////////////////////////////////////////////////////////

// Append one entry. Adding a name that is already present is a no-op, so
// re-reported names from successive READDIR rounds keep the buffer stable.
//
// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) addEntry(name string, dt fuseutil.DirentType, ino fuseops.InodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, _, ok := findDirent(n.entries, name); ok {
		return
	}

	n.entries = appendDirent(n.entries, dirent{Ino: ino, Name: name, Type: dt})
}

// Remove one entry; later records slide forward. A missing name is a
// no-op.
//
// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) removeEntry(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.entries, _ = removeDirent(n.entries, name)
}

// Find an entry's node id by name. Zero means "no entry" as well as
// "entry without a durable id"; callers fall back to the pathname index
// either way.
//
// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) findEntry(name string) fuseops.InodeID {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, _, ok := findDirent(n.entries, name)
	if !ok {
		return 0
	}

	return d.Ino
}

// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) entryExists(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, _, ok := findDirent(n.entries, name)
	return ok
}

// A directory is empty while it holds nothing beyond "." and "..".
//
// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) dirIsEmpty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return countDirents(n.entries) <= 2
}

// Serialize entries into dst starting at the record whose byte offset is
// at least the given offset, never splitting a record. Each emitted
// entry's Offset field names the following record, so the kernel can
// resume exactly where it stopped.
//
// REQUIRES: n is a directory
// LOCKS_EXCLUDED(n.mu)
func (n *Node) readEntries(offset fuseops.DirOffset, dst []byte) (bytesRead int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for off := 0; off < len(n.entries); {
		d, next := direntAt(n.entries, off)
		if fuseops.DirOffset(off) < offset {
			off = next
			continue
		}

		written := fuseutil.WriteDirent(dst[bytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(next),
			Inode:  d.Ino,
			Name:   d.Name,
			Type:   d.Type,
		})
		if written == 0 {
			break
		}

		bytesRead += written
		off = next
	}

	return bytesRead
}
