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

// Package daemon implements the userspace helper that serves a control
// device: it opens the device, maps the shared page, and answers READ,
// READDIR and GETATTR requests with data fetched from a backend — a local
// directory for testing, or an FTP server.
//
// The daemon is single-threaded against its device: one request is read,
// processed and answered at a time, which is all the device's rendezvous
// protocol permits anyway.
package daemon

import (
	"context"
	"syscall"
	"time"

	"github.com/jacobsa/ftpfs/ctldev"
	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// How long a failed request waits before retrying, and how often the
// error band is checked for cancellation while doing so.
const retryInterval = time.Second

// Daemon serves one control device from one backend.
type Daemon struct {
	handle  *ctldev.Handle
	data    []byte
	backend Backend
	log     *logrus.Logger

	// Scratch for a directory listing being drained across MOREDATA
	// rounds. Rebuilt whenever a READDIR arrives with offset zero.
	scratch []byte
}

// New opens the device and maps its shared page. The logger may not be
// nil; use logrus.New() with a discarding output to silence it.
func New(dev *ctldev.Device, backend Backend, log *logrus.Logger) (*Daemon, error) {
	handle, err := dev.Open()
	if err != nil {
		return nil, err
	}

	data, err := handle.MapData(0, dev.PageSize())
	if err != nil {
		handle.Close()
		return nil, err
	}

	return &Daemon{
		handle:  handle,
		data:    data,
		backend: backend,
		log:     log,
	}, nil
}

// Close detaches from the device. A file system waiting on an in-flight
// request observes an I/O error, per the device's close contract.
func (d *Daemon) Close() error {
	return d.handle.Close()
}

// Serve answers requests until ctx is cancelled, then closes the handle.
// The device stays busy for the whole call: restarting a crashed daemon
// means calling New again on the same device.
func (d *Daemon) Serve(ctx context.Context) error {
	defer d.Close()

	var req wire.Request
	buf := make([]byte, wire.RequestSize)

	for {
		_, err := d.handle.PollWait(ctx, unix.POLLIN|ctldev.PollRDNORM)
		if err != nil {
			// Shutdown requested.
			return nil
		}

		if _, err := d.handle.ReadContext(ctx, buf); err != nil {
			if err == syscall.EINTR {
				return nil
			}

			d.log.WithError(err).Error("reading request")
			return err
		}

		if err := req.Decode(buf); err != nil {
			d.log.WithError(err).Error("decoding request")
			d.handle.WriteReply(int(syscall.EINVAL))
			continue
		}

		d.process(ctx, &req)
	}
}

// canceled reports whether the file-system side has abandoned the current
// request.
func (d *Daemon) canceled() bool {
	return d.handle.Poll(unix.POLLERR|ctldev.PollRDBAND) != 0
}

// process answers one request, retrying failed transfers each second
// until the request is either answered or canceled. Definitive outcomes —
// success, or an error the backend classified as an errno — are reported
// immediately; only transfer breakdowns (EIO) are retried, and each retry
// first checks the error band so an interrupted file system is not kept
// waiting on a request nobody wants.
func (d *Daemon) process(ctx context.Context, req *wire.Request) {
	for {
		code, retryable := d.dispatch(ctx, req)

		if !retryable {
			d.handle.WriteReply(code)
			return
		}

		d.log.WithField("path", req.Pathname).Info("request failed; will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}

		if d.canceled() {
			d.log.WithField("path", req.Pathname).Info("request canceled; abandoning")
			return
		}
	}
}

// dispatch runs one attempt at a request, returning the reply code and
// whether a failure is worth retrying.
func (d *Daemon) dispatch(ctx context.Context, req *wire.Request) (code int, retryable bool) {
	path := resolvePath(req.Opts, req.Pathname)

	switch req.Kind {
	case wire.OpRead:
		return d.processRead(ctx, req, path)

	case wire.OpReaddir:
		return d.processReaddir(ctx, req, path)

	case wire.OpGetattr:
		return d.processGetattr(ctx, req, path)
	}

	d.log.WithField("kind", req.Kind).Error("unknown request type")
	return int(syscall.ENOSYS), false
}

// processRead fills the shared page with file data. One page per request:
// the size never exceeds the page, by the file system's own chunking.
func (d *Daemon) processRead(ctx context.Context, req *wire.Request, path string) (int, bool) {
	size := int(req.Size)
	if size > len(d.data) {
		return int(syscall.EINVAL), false
	}

	n, err := d.backend.ReadAt(ctx, req.Opts, path, d.data[:size], req.Offset)
	if err != nil {
		d.log.WithError(err).WithField("path", path).Warn("read failed")
		code := errnoFor(err)
		return code, code == int(syscall.EIO)
	}

	// Zero the tail so a short read at EOF leaves no stale bytes.
	for i := n; i < size; i++ {
		d.data[i] = 0
	}

	d.log.WithFields(logrus.Fields{
		"path":   path,
		"offset": req.Offset,
		"bytes":  n,
	}).Debug("read")

	return 0, false
}

// processReaddir serves a window of the directory listing. The full
// listing is built (or rebuilt) when the request's offset is zero and
// then drained window by window, the file system advancing the offset
// each round; a window that does not exhaust the listing is answered
// with MOREDATA.
func (d *Daemon) processReaddir(ctx context.Context, req *wire.Request, path string) (int, bool) {
	if req.Offset == 0 || d.scratch == nil {
		names, err := d.backend.ReadDir(ctx, req.Opts, path)
		if err != nil {
			d.log.WithError(err).WithField("path", path).Warn("readdir failed")
			code := errnoFor(err)
			return code, code == int(syscall.EIO)
		}

		d.scratch = d.scratch[:0]
		for _, name := range names {
			if len(d.scratch)+len(name)+2 > wire.MaxScratchSize {
				d.log.WithField("path", path).Warn("listing exceeds scratch; truncating")
				break
			}
			d.scratch = wire.AppendName(d.scratch, name)
		}
	}

	if req.Offset < 0 || req.Offset > int64(len(d.scratch)) {
		return int(syscall.EINVAL), false
	}

	window := d.scratch[req.Offset:]
	n := copy(d.data, window)

	// Terminate the window unless it was completely filled by names.
	if n < len(d.data) {
		d.data[n] = 0
	}

	d.log.WithFields(logrus.Fields{
		"path":   path,
		"offset": req.Offset,
		"bytes":  n,
	}).Debug("readdir")

	if n < len(window) {
		return wire.MoreData, false
	}

	return 0, false
}

func (d *Daemon) processGetattr(ctx context.Context, req *wire.Request, path string) (int, bool) {
	attr, err := d.backend.GetAttr(ctx, req.Opts, path)
	if err != nil {
		if errnoFor(err) != int(syscall.ENOENT) {
			d.log.WithError(err).WithField("path", path).Warn("getattr failed")
		}
		code := errnoFor(err)
		return code, code == int(syscall.EIO)
	}

	if err := attr.Encode(d.data); err != nil {
		return int(syscall.EIO), false
	}

	d.log.WithFields(logrus.Fields{
		"path": path,
		"size": attr.Size,
	}).Debug("getattr")

	return 0, false
}
