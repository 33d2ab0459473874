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
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jacobsa/ftpfs/internal/wire"
)

// LocalBackend serves a directory of the local file system. It exists for
// testing: a mount backed by it exercises the whole request path without
// a server on the other end.
type LocalBackend struct {
	// The directory acting as the remote root. Request base paths are
	// resolved beneath it.
	Root string
}

var _ Backend = (*LocalBackend)(nil)

func (b *LocalBackend) localPath(opts wire.MountOpts, path string) string {
	return filepath.Join(b.Root, filepath.FromSlash(path))
}

func (b *LocalBackend) GetAttr(
	ctx context.Context,
	opts wire.MountOpts,
	path string) (wire.Attr, error) {
	var attr wire.Attr

	fi, err := os.Stat(b.localPath(opts, path))
	if err != nil {
		return attr, err
	}

	attr = wire.Attr{
		Type:  wire.FileTypeFromMode(fi.Mode()),
		Mode:  fi.Mode() & os.ModePerm,
		Size:  uint64(fi.Size()),
		Atime: fi.ModTime(),
		Mtime: fi.ModTime(),
		Ctime: fi.ModTime(),
	}

	return attr, nil
}

func (b *LocalBackend) ReadAt(
	ctx context.Context,
	opts wire.MountOpts,
	path string,
	p []byte,
	off int64) (int, error) {
	f, err := os.Open(b.localPath(opts, path))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (b *LocalBackend) ReadDir(
	ctx context.Context,
	opts wire.MountOpts,
	path string) ([]string, error) {
	entries, err := os.ReadDir(b.localPath(opts, path))
	if err != nil {
		if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.ENOTDIR {
			return nil, syscall.ENOTDIR
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, nil
}
