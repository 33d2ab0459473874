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
	"log"
	"path"
	"runtime"
	"strings"

	"github.com/jacobsa/ftpfs/ctldev"
	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// FileSystem is one mounted instance: the node cache plus the operations
// the kernel dispatches into. It implements fuseutil.FileSystem; create it
// with New and serve it with fuseutil.NewFileSystemServer (or let Mount
// wrap and mount it).
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	// The control device carrying this instance's requests. Passed into
	// every broker call; nothing here is process-global, so tests may run
	// several instances concurrently.
	dev *ctldev.Device

	/////////////////////////
	// Constant data
	/////////////////////////

	// Mount options forwarded verbatim to the daemon with every request.
	opts wire.MountOpts

	pageSize int

	debugLogger *log.Logger
	errorLogger *log.Logger

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The last node id handed out.
	//
	// INVARIANT: lastNodeID >= fuseops.RootInodeID
	lastNodeID fuseops.InodeID // GUARDED_BY(mu)

	// All live nodes, indexed by id and by pathname.
	//
	// INVARIANT: nodes[fuseops.RootInodeID] is the root directory
	// INVARIANT: For all k, nodes[k].ID() == k
	// INVARIANT: For all p, byPath[p].Path() == p
	// INVARIANT: byPath and nodes hold exactly the same nodes
	nodes  map[fuseops.InodeID]*Node // GUARDED_BY(mu)
	byPath map[string]*Node          // GUARDED_BY(mu)
}

var _ fuseutil.FileSystem = (*FileSystem)(nil)

// New creates a file-system instance speaking through the supplied
// device. New applies the configuration's defaults and rejects options
// that do not fit their fields (see Config.fill).
func New(dev *ctldev.Device, cfg *Config) (*FileSystem, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}

	fs := &FileSystem{
		clock: cfg.Clock,
		dev:   dev,
		opts:        wireOpts(cfg),
		pageSize:    dev.PageSize(),
		debugLogger: cfg.DebugLogger,
		errorLogger: cfg.ErrorLogger,
		nodes:       make(map[fuseops.InodeID]*Node),
		byPath:      make(map[string]*Node),
		lastNodeID:  fuseops.RootInodeID,
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	// Set up the root directory. The root's ".." names the root itself:
	// the kernel resolves ".." across the mount boundary on its own, so
	// the entry only ever serves parent derivation inside this cache.
	root := newNode(fuseops.RootInodeID, "/", wire.TypeDirectory, fs.pageSize, fs.clock)
	root.addEntry(".", fuseutil.DT_Directory, root.ID())
	root.addEntry("..", fuseutil.DT_Directory, root.ID())
	root.mu.Lock()
	root.attrs.Mode = 0755 | wire.TypeDirectory.Mode()
	root.mu.Unlock()

	fs.mu.Lock()
	fs.publishNode(root)
	fs.mu.Unlock()

	return fs, nil
}

func (fs *FileSystem) checkInvariants() {
	// INVARIANT: lastNodeID >= fuseops.RootInodeID
	if fs.lastNodeID < fuseops.RootInodeID {
		panic(fmt.Sprintf("Unexpected last node id: %d", fs.lastNodeID))
	}

	// INVARIANT: nodes[fuseops.RootInodeID] is the root directory
	if root := fs.nodes[fuseops.RootInodeID]; root == nil || root.Path() != "/" {
		panic("Missing or bogus root node")
	}

	// INVARIANT: For all k, nodes[k].ID() == k
	for k, n := range fs.nodes {
		if n.ID() != k {
			panic(fmt.Sprintf("Node id mismatch: %d vs. %d", n.ID(), k))
		}
	}

	// INVARIANT: For all p, byPath[p].Path() == p
	// INVARIANT: byPath and nodes hold exactly the same nodes
	if len(fs.byPath) != len(fs.nodes) {
		panic(fmt.Sprintf("Index size mismatch: %d vs. %d", len(fs.byPath), len(fs.nodes)))
	}

	for p, n := range fs.byPath {
		if n.Path() != p {
			panic(fmt.Sprintf("Node path mismatch: %q vs. %q", n.Path(), p))
		}
	}
}

func (fs *FileSystem) debugLog(calldepth int, format string, v ...interface{}) {
	if fs.debugLogger == nil {
		return
	}

	_, file, line, ok := runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fs.debugLogger.Printf("%s:%d] %s", path.Base(file), line, fmt.Sprintf(format, v...))
}

func (fs *FileSystem) logError(format string, v ...interface{}) {
	if fs.errorLogger == nil {
		return
	}

	fs.errorLogger.Printf(format, v...)
}

////////////////////////////////////////////////////////////////////////
// Node table
////////////////////////////////////////////////////////////////////////

// Allocate a node of the given kind at the given pathname. The node is
// not yet visible; call publishNode while still holding the lock.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) allocNode(nodePath string, ftype wire.FileType) *Node {
	fs.lastNodeID++
	return newNode(fs.lastNodeID, nodePath, ftype, fs.pageSize, fs.clock)
}

// Insert a node into both indexes.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) publishNode(n *Node) {
	fs.nodes[n.ID()] = n
	fs.byPath[n.Path()] = n
}

// Allocate and publish a directory node, populating its "." and ".."
// entries.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *FileSystem) makeDirectory(nodePath string, parent *Node) *Node {
	n := fs.allocNode(nodePath, wire.TypeDirectory)
	n.addEntry(".", fuseutil.DT_Directory, n.ID())
	n.addEntry("..", fuseutil.DT_Directory, parent.ID())
	fs.publishNode(n)

	return n
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) findByID(id fuseops.InodeID) *Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodes[id]
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) findByPath(nodePath string) *Node {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.byPath[nodePath]
}

// Derive a node's parent by stripping the last path component. The root's
// parent is the root.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) findParent(n *Node) *Node {
	return fs.findByPath(parentPath(n.Path()))
}

func parentPath(nodePath string) string {
	if nodePath == "/" {
		return "/"
	}

	i := strings.LastIndexByte(nodePath, '/')
	if i <= 0 {
		return "/"
	}

	return nodePath[:i]
}

// childPath composes the pathname of a directory's child, avoiding a
// doubled slash at the root.
func childPath(dirPath, name string) string {
	if dirPath == "/" {
		return "/" + name
	}

	return dirPath + "/" + name
}

// Evict a node from both indexes. The node itself lives on until the
// kernel forgets it.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) evictNode(n *Node) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// The pathname index may already point at a replacement node created
	// by a subsequent lookup; only remove the exact node.
	if fs.byPath[n.Path()] == n {
		delete(fs.byPath, n.Path())
	}
	if fs.nodes[n.ID()] == n {
		delete(fs.nodes, n.ID())
	}
}

// Drop every node. Called at unmount.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FileSystem) freeAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nodes = make(map[fuseops.InodeID]*Node)
	fs.byPath = make(map[string]*Node)

	// Keep the root so the invariants hold if the kernel races one last
	// operation in.
	root := newNode(fuseops.RootInodeID, "/", wire.TypeDirectory, fs.pageSize, fs.clock)
	root.addEntry(".", fuseutil.DT_Directory, root.ID())
	root.addEntry("..", fuseutil.DT_Directory, root.ID())
	fs.publishNode(root)
}
