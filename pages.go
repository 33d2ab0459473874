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

// pageCache holds the page-aligned blocks of file data fetched for one
// node. Pages are inserted by the read path and thrown away wholesale when
// a fresh GETATTR shows the file changed underneath us; there is no other
// eviction.
//
// All methods require the owning node's lock.
type pageCache struct {
	pageSize int

	// Keyed by page-aligned byte offset. Every value is exactly pageSize
	// long; past EOF it holds the zero padding the daemon left in the
	// shared page, which ReadFile never returns.
	pages map[int64][]byte
}

func newPageCache(pageSize int) pageCache {
	return pageCache{
		pageSize: pageSize,
		pages:    make(map[int64][]byte),
	}
}

// LOCKS_REQUIRED(n.mu)
func (pc *pageCache) lookup(off int64) ([]byte, bool) {
	p, ok := pc.pages[off]
	return p, ok
}

// LOCKS_REQUIRED(n.mu)
func (pc *pageCache) contains(off int64) bool {
	_, ok := pc.pages[off]
	return ok
}

// Insert a page at the given aligned offset. A page raced in by another
// reader wins; the incoming copy is dropped.
//
// LOCKS_REQUIRED(n.mu)
func (pc *pageCache) insert(off int64, p []byte) {
	if _, ok := pc.pages[off]; ok {
		return
	}

	pc.pages[off] = p
}

// LOCKS_REQUIRED(n.mu)
func (pc *pageCache) invalidateAll() {
	pc.pages = make(map[int64][]byte)
}

// LOCKS_REQUIRED(n.mu)
func (pc *pageCache) len() int {
	return len(pc.pages)
}
