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
	"syscall"

	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/fuse/fuseutil"
)

// Broker round trips against the control device. Every function here
// follows the same strict order: RequestEnter to take the slot, one or
// more PrepareRequest/RequestStart rounds, RequestExit. The slot is held
// for the whole of one logical operation, so the shared page always
// describes the request of the current owner and a multi-round READ or
// READDIR is never interleaved with anyone else's rounds.

// Translate a reply code into the broker's view: nil for success, the
// code itself for a daemon-reported errno.
func replyError(code int) error {
	if code == 0 {
		return nil
	}

	return syscall.Errno(code)
}

// requestGetattr asks the daemon for the current attributes of the given
// path. Also serves lookup, which is a GETATTR at the prospective child's
// path.
func (fs *FileSystem) requestGetattr(ctx context.Context, path string) (wire.Attr, error) {
	var attr wire.Attr

	if err := fs.dev.RequestEnter(ctx); err != nil {
		return attr, err
	}
	defer fs.dev.RequestExit()

	err := fs.dev.PrepareRequest(&wire.Request{
		Kind:     wire.OpGetattr,
		Opts:     fs.opts,
		Pathname: path,
	})
	if err != nil {
		return attr, err
	}

	code, err := fs.dev.RequestStart(ctx)
	if err != nil {
		return attr, err
	}
	if err := replyError(code); err != nil {
		return attr, err
	}

	var buf [wire.AttrSize]byte
	fs.dev.CopyData(buf[:], 0)
	if err := attr.Decode(buf[:]); err != nil {
		return attr, err
	}

	return attr, nil
}

// requestRead fills dst with file data starting at the given offset.
//
// The daemon's contract is strictly one shared page per READ, so the
// transfer proceeds page by page, advancing (offset, leftover) each round
// and copying into dst at the relative displacement. The slot is entered
// once and exited once across the whole loop.
func (fs *FileSystem) requestRead(
	ctx context.Context,
	path string,
	dst []byte,
	offset int64) error {
	if err := fs.dev.RequestEnter(ctx); err != nil {
		return err
	}
	defer fs.dev.RequestExit()

	loffset := offset
	leftover := len(dst)
	for leftover > 0 {
		lsize := leftover
		if lsize > fs.pageSize {
			lsize = fs.pageSize
		}

		err := fs.dev.PrepareRequest(&wire.Request{
			Kind:     wire.OpRead,
			Opts:     fs.opts,
			Pathname: path,
			Offset:   loffset,
			Size:     uint64(lsize),
		})
		if err != nil {
			return err
		}

		code, err := fs.dev.RequestStart(ctx)
		if err != nil {
			return err
		}
		if err := replyError(code); err != nil {
			return err
		}

		fs.dev.CopyData(dst[loffset-offset:loffset-offset+int64(lsize)], 0)

		loffset += int64(lsize)
		leftover -= lsize
	}

	return nil
}

// requestReaddir refills a directory's entry buffer from the daemon.
//
// The daemon answers with a window of NUL-NUL separated names and either 0
// (listing complete) or MOREDATA (more names follow). On a MOREDATA window,
// parsing stops short of the tail when the remainder could not hold a maximal name
// plus its terminators, so an entry cut at the window boundary is re-read
// whole in the next round; the continuation offset advances by the bytes
// actually consumed. Rounds continue until a 0 reply arrives, whatever the
// current offset is.
func (fs *FileSystem) requestReaddir(ctx context.Context, dir *Node) error {
	if err := fs.dev.RequestEnter(ctx); err != nil {
		return err
	}
	defer fs.dev.RequestExit()

	page := make([]byte, fs.pageSize)
	var offset int64

	for {
		err := fs.dev.PrepareRequest(&wire.Request{
			Kind:     wire.OpReaddir,
			Opts:     fs.opts,
			Pathname: dir.Path(),
			Offset:   offset,
			Size:     uint64(fs.pageSize),
		})
		if err != nil {
			return err
		}

		code, err := fs.dev.RequestStart(ctx)
		if err != nil {
			return err
		}
		if code != 0 && code != wire.MoreData {
			return replyError(code)
		}

		fs.dev.CopyData(page, 0)

		// Parse names out of the window. Entries already present are left
		// alone so repeated rounds are idempotent; new ones are added with
		// node id zero, since only a later lookup can resolve a durable id.
		consumed := 0
		for {
			name, n, ok := wire.NextName(page[consumed:])
			if !ok {
				break
			}
			consumed += n

			if !dir.entryExists(name) {
				dir.addEntry(name, fuseutil.DT_Unknown, 0)
			}

			// On a continuation window, reserve enough tail for the
			// largest possible entry: a name straddling the window
			// boundary is re-read whole next round. A final window is
			// complete by definition and is parsed to its terminator.
			if code == wire.MoreData && fs.pageSize-consumed < wire.MaxNameLen+2 {
				break
			}
		}

		if code != wire.MoreData {
			return nil
		}

		// A continuation that consumed nothing would never terminate; a
		// sane daemon cannot produce one, since names fit well inside a
		// window that starts on an entry boundary.
		if consumed == 0 {
			return syscall.EIO
		}

		offset += int64(consumed)
	}
}
