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

package daemon

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/jacobsa/ftpfs/internal/wire"
)

// Backend fetches data from a backing source on the daemon's behalf.
// Pathnames are relative to the mount point; the backend composes them
// with the base path from the mount options itself, since sources differ
// in how they join paths.
//
// Implementations own their retry policy: the file system never retries,
// so a backend that talks to a flaky remote should make a bounded effort
// before giving up.
type Backend interface {
	// GetAttr returns the current attributes of the file at the given
	// path. A backend that cannot determine real timestamps reports its
	// current time for all three.
	GetAttr(ctx context.Context, opts wire.MountOpts, path string) (wire.Attr, error)

	// ReadAt fills p with file data starting at the given offset,
	// returning the number of bytes read. Reads short at end of file are
	// not an error.
	ReadAt(ctx context.Context, opts wire.MountOpts, path string, p []byte, off int64) (int, error)

	// ReadDir lists the names within a directory, excluding "." and "..".
	ReadDir(ctx context.Context, opts wire.MountOpts, path string) ([]string, error)
}

// resolvePath joins the base path from the mount options with a request's
// pathname, avoiding a doubled slash when the base is the root.
func resolvePath(opts wire.MountOpts, reqPath string) string {
	if opts.BasePath == "" || opts.BasePath == "/" {
		return reqPath
	}

	return opts.BasePath + reqPath
}

// errnoFor maps a backend error to the reply code reported to the file
// system.
func errnoFor(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return int(syscall.ENOENT)
	case errors.Is(err, fs.ErrPermission):
		return int(syscall.EACCES)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return int(syscall.EINTR)
	}

	return int(syscall.EIO)
}
