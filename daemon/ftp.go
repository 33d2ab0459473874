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
	"io"
	"net/textproto"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/jacobsa/timeutil"
	"github.com/jlaffaye/ftp"
)

// FTPBackend serves an FTP server, logging in with the credentials from
// the mount options. One control connection is kept open and re-dialed
// once when a transfer breaks mid-flight; beyond that single retry,
// errors are returned to the daemon (see Daemon.process for its own
// retries). The file system does not retry at all.
type FTPBackend struct {
	// The clock for timestamps the server cannot provide. Nil means the
	// real clock.
	Clock timeutil.Clock

	// How long to wait for the server. Zero means ftp's default.
	Timeout time.Duration

	conn *ftp.ServerConn
}

var _ Backend = (*FTPBackend)(nil)

func (b *FTPBackend) clock() timeutil.Clock {
	if b.Clock != nil {
		return b.Clock
	}
	return timeutil.RealClock()
}

func (b *FTPBackend) addr(opts wire.MountOpts) string {
	if strings.ContainsRune(opts.Server, ':') {
		return opts.Server
	}
	return opts.Server + ":21"
}

// connect returns the cached control connection, dialing if needed.
func (b *FTPBackend) connect(ctx context.Context, opts wire.MountOpts) (*ftp.ServerConn, error) {
	if b.conn != nil {
		return b.conn, nil
	}

	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if b.Timeout != 0 {
		dialOpts = append(dialOpts, ftp.DialWithTimeout(b.Timeout))
	}

	conn, err := ftp.Dial(b.addr(opts), dialOpts...)
	if err != nil {
		return nil, err
	}

	if err := conn.Login(opts.User, opts.Pass); err != nil {
		conn.Quit()
		return nil, err
	}

	b.conn = conn
	return conn, nil
}

// drop throws the control connection away so the next call re-dials.
func (b *FTPBackend) drop() {
	if b.conn != nil {
		b.conn.Quit()
		b.conn = nil
	}
}

// withRetry runs f, re-dialing once if the connection looks dead.
func (b *FTPBackend) withRetry(
	ctx context.Context,
	opts wire.MountOpts,
	f func(conn *ftp.ServerConn) error) error {
	for attempt := 0; ; attempt++ {
		conn, err := b.connect(ctx, opts)
		if err != nil {
			return err
		}

		err = f(conn)
		if err == nil {
			return nil
		}

		// Definitive server answers are not connection failures; only a
		// broken transfer earns the one re-dial.
		if isStatusError(err) || attempt > 0 {
			return err
		}

		b.drop()
	}
}

// isStatusError reports whether the server answered with a definitive
// failure code (a 4xx/5xx reply), as opposed to the connection breaking.
func isStatusError(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code >= 400
	}

	return err == syscall.ENOENT
}

// mapStatusError converts a definitive server failure to an errno. File
// systems see 550-class answers as "no such file".
func mapStatusError(err error) error {
	var proto *textproto.Error
	if errors.As(err, &proto) && proto.Code >= 500 {
		return syscall.ENOENT
	}

	return err
}

func (b *FTPBackend) GetAttr(
	ctx context.Context,
	opts wire.MountOpts,
	reqPath string) (wire.Attr, error) {
	var attr wire.Attr

	// The root of the tree is always a directory; servers differ on
	// whether it can be listed as an entry of its parent.
	if reqPath == "/" || reqPath == "" {
		attr = wire.Attr{
			Type:  wire.TypeDirectory,
			Mode:  0755,
			Atime: b.clock().Now(),
			Mtime: b.clock().Now(),
			Ctime: b.clock().Now(),
		}
		return attr, nil
	}

	// Clean first: the mount root under a base path arrives as "/base/".
	dir, name := path.Split(path.Clean(reqPath))
	dir = path.Clean(dir)

	var entry *ftp.Entry
	err := b.withRetry(ctx, opts, func(conn *ftp.ServerConn) error {
		entries, err := conn.List(dir)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if e.Name == name {
				entry = e
				return nil
			}
		}

		return syscall.ENOENT
	})
	if err != nil {
		return attr, mapStatusError(err)
	}

	attr = entryAttr(entry, b.clock())
	return attr, nil
}

// entryAttr converts a listing entry. FTP listings carry no mode bits, so
// conventional ones are synthesized; a missing time becomes "now".
func entryAttr(e *ftp.Entry, clock timeutil.Clock) wire.Attr {
	attr := wire.Attr{
		Type: wire.TypeRegular,
		Mode: 0644,
		Size: e.Size,
	}

	switch e.Type {
	case ftp.EntryTypeFolder:
		attr.Type = wire.TypeDirectory
		attr.Mode = 0755
	case ftp.EntryTypeLink:
		attr.Type = wire.TypeSymlink
	}

	mtime := e.Time
	if mtime.IsZero() {
		mtime = clock.Now()
	}
	attr.Atime = mtime
	attr.Mtime = mtime
	attr.Ctime = mtime

	return attr
}

func (b *FTPBackend) ReadAt(
	ctx context.Context,
	opts wire.MountOpts,
	reqPath string,
	p []byte,
	off int64) (int, error) {
	var n int

	err := b.withRetry(ctx, opts, func(conn *ftp.ServerConn) error {
		resp, err := conn.RetrFrom(reqPath, uint64(off))
		if err != nil {
			return err
		}
		defer resp.Close()

		n, err = io.ReadFull(resp, p)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = nil
		}

		return err
	})
	if err != nil {
		return 0, mapStatusError(err)
	}

	return n, nil
}

func (b *FTPBackend) ReadDir(
	ctx context.Context,
	opts wire.MountOpts,
	reqPath string) ([]string, error) {
	var names []string

	err := b.withRetry(ctx, opts, func(conn *ftp.ServerConn) error {
		entries, err := conn.List(reqPath)
		if err != nil {
			return err
		}

		names = names[:0]
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			names = append(names, e.Name)
		}

		return nil
	})
	if err != nil {
		return nil, mapStatusError(err)
	}

	return names, nil
}

// Close shuts the control connection down.
func (b *FTPBackend) Close() error {
	b.drop()
	return nil
}
