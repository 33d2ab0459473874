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
	"encoding/binary"
	"unsafe"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// A directory's entries live in one flat byte buffer of concatenated
// records so a directory read is a single forward scan. Each record is
// padded up to an 8-byte boundary so the next header is naturally aligned,
// and the header carries the padded total length.
//
// Entries for child directories carry the child's node id; entries for
// everything else carry id zero, because the remote has no durable ids and
// non-directories are resolved by pathname instead.

const direntAlignment = 8

// The fixed header preceding each name. Must match the layout written by
// appendDirent below.
type direntHeader struct {
	ino     uint64
	reclen  uint16
	namelen uint16
	type_   uint32
}

const direntHeaderSize = int(unsafe.Sizeof(direntHeader{}))

// dirent is the decoded form of one record.
type dirent struct {
	Ino  fuseops.InodeID
	Name string
	Type fuseutil.DirentType
}

// direntLen returns the padded record length for a name.
func direntLen(name string) int {
	n := direntHeaderSize + len(name) + 1
	if n%direntAlignment != 0 {
		n += direntAlignment - n%direntAlignment
	}

	return n
}

// appendDirent appends one record to the buffer.
func appendDirent(buf []byte, d dirent) []byte {
	reclen := direntLen(d.Name)

	h := direntHeader{
		ino:     uint64(d.Ino),
		reclen:  uint16(reclen),
		namelen: uint16(len(d.Name)),
		type_:   uint32(d.Type),
	}

	buf = append(buf, (*[direntHeaderSize]byte)(unsafe.Pointer(&h))[:]...)
	buf = append(buf, d.Name...)

	// NUL terminator plus alignment padding.
	for i := direntHeaderSize + len(d.Name); i < reclen; i++ {
		buf = append(buf, 0)
	}

	return buf
}

// direntAt decodes the record starting at off, returning the decoded entry
// and the offset of the next record. The buffer's base is not guaranteed
// to be aligned, so the header is decoded field by field rather than cast.
//
// REQUIRES: off is a record boundary within buf.
func direntAt(buf []byte, off int) (d dirent, next int) {
	ino := binary.NativeEndian.Uint64(buf[off:])
	reclen := binary.NativeEndian.Uint16(buf[off+8:])
	namelen := binary.NativeEndian.Uint16(buf[off+10:])
	type_ := binary.NativeEndian.Uint32(buf[off+12:])

	nameStart := off + direntHeaderSize
	d = dirent{
		Ino:  fuseops.InodeID(ino),
		Name: string(buf[nameStart : nameStart+int(namelen)]),
		Type: fuseutil.DirentType(type_),
	}

	return d, off + int(reclen)
}

// findDirent scans for a record by name, returning its decoded form and
// byte offset.
func findDirent(buf []byte, name string) (d dirent, off int, ok bool) {
	for off = 0; off < len(buf); {
		var next int
		d, next = direntAt(buf, off)
		if d.Name == name {
			return d, off, true
		}

		off = next
	}

	return dirent{}, 0, false
}

// removeDirent excises the record for the given name, sliding later
// records forward. Reports whether a record was removed.
func removeDirent(buf []byte, name string) ([]byte, bool) {
	d, off, ok := findDirent(buf, name)
	if !ok {
		return buf, false
	}

	reclen := direntLen(d.Name)
	n := copy(buf[off:], buf[off+reclen:])

	return buf[:off+n], true
}

// countDirents returns the number of records in the buffer.
func countDirents(buf []byte) (n int) {
	for off := 0; off < len(buf); {
		_, off = direntAt(buf, off)
		n++
	}

	return n
}
