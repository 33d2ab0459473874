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
	"strings"

	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
)

func wireOpts(c *Config) wire.MountOpts {
	return wire.MountOpts{
		User:     c.User,
		Pass:     c.Pass,
		Server:   c.Server,
		BasePath: c.BasePath,
	}
}

// Config are the mount-time options, forwarded to the daemon with every
// request.
type Config struct {
	// Credentials for the backing server. Both default to "ftp", the
	// conventional anonymous login.
	User string
	Pass string

	// The backing server's hostname.
	Server string

	// The directory on the server that becomes the root of the mount.
	// Empty means "/".
	BasePath string

	// Records that diagnostics were requested. The file system does not
	// read it; diagnostics are printed only through DebugLogger and
	// ErrorLogger, which the caller sets.
	Verbose bool

	// The clock used for atime updates and synthesized timestamps. Nil
	// means the real clock; tests inject a simulated one.
	Clock timeutil.Clock

	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// Apply defaults and enforce the fixed-width limits.
func (c *Config) fill() error {
	if c.User == "" {
		c.User = "ftp"
	}
	if c.Pass == "" {
		c.Pass = "ftp"
	}
	if c.BasePath == "" {
		c.BasePath = "/"
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock()
	}

	opts := wireOpts(c)
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("mount options: %w", err)
	}

	return nil
}

// ParseTarget splits a mount target of the form "ftp://host/path" into
// server and base path. An empty path means the server's root.
func ParseTarget(target string) (server, basePath string, err error) {
	rest, ok := strings.CutPrefix(target, "ftp://")
	if !ok {
		return "", "", fmt.Errorf("invalid URL %q: expected ftp://host/path", target)
	}

	server, basePath, _ = strings.Cut(rest, "/")
	if server == "" {
		return "", "", fmt.Errorf("invalid URL %q: no host", target)
	}

	basePath = "/" + basePath
	return server, basePath, nil
}

// Mount serves the file system on the given directory. The mount is
// always read-only. Unmount with fuse.Unmount and wait with
// MountedFileSystem.Join, as usual.
func Mount(
	dir string,
	fs *FileSystem,
	cfg *fuse.MountConfig) (*fuse.MountedFileSystem, error) {
	if cfg == nil {
		cfg = &fuse.MountConfig{}
	}

	cfg.ReadOnly = true
	if cfg.FSName == "" {
		cfg.FSName = "ftpfs"
	}
	if cfg.DebugLogger == nil {
		cfg.DebugLogger = fs.debugLogger
	}
	if cfg.ErrorLogger == nil {
		cfg.ErrorLogger = fs.errorLogger
	}

	server := fuseutil.NewFileSystemServer(fs)

	mfs, err := fuse.Mount(dir, server, cfg)
	if err != nil {
		return nil, fmt.Errorf("Mount: %w", err)
	}

	return mfs, nil
}
