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

package ctldev

import (
	"context"
	"encoding/binary"
	"sync"
	"syscall"

	"github.com/jacobsa/ftpfs/internal/wire"
	"golang.org/x/sys/unix"
)

// Handle is the daemon's side of a device, returned by Open. The device is
// single-opener: a second Open fails with EBUSY until the handle is
// closed.
type Handle struct {
	d *Device

	mu     sync.Mutex
	closed bool // GUARDED_BY(mu)
}

// Open attaches a daemon to the device.
func (d *Device) Open() (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state&flagOpened != 0 {
		return nil, syscall.EBUSY
	}

	d.state |= flagOpened
	d.debugLog(2, "daemon opened device")

	return &Handle{d: d}, nil
}

// Opened reports whether a daemon currently holds the device.
func (d *Device) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state&flagOpened != 0
}

// LOCKS_REQUIRED(h.mu)
func (h *Handle) checkOpen() error {
	if h.closed {
		return syscall.ENXIO
	}
	return nil
}

// Close detaches the daemon. If a broker is still waiting for a reply it
// is woken with a synthetic EIO and the shared page marked invalid, so no
// request is silently lost.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return err
	}
	h.closed = true

	d := h.d
	d.mu.Lock()
	if d.state&flagDaemonInProgress != 0 {
		if d.cfg.ErrorLogger != nil {
			d.cfg.ErrorLogger.Printf(
				"daemon closed with a request in flight; failing it with EIO")
		}

		d.state &^= flagDaemonInProgress
		d.state |= flagMapDataInvalid
		d.reply = int(syscall.EIO)
		d.cond.Broadcast()
	}
	d.state &^= flagOpened
	d.mu.Unlock()

	d.debugLog(2, "daemon closed device")

	return nil
}

// Read blocks until a request record is pending, then copies it into p and
// marks it consumed. Reads shorter than one request record fail with
// EINVAL. Implements io.Reader; use ReadContext to make the wait
// interruptible.
func (h *Handle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p)
}

// ReadContext is Read with an interruptible wait.
func (h *Handle) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) < wire.RequestSize {
		return 0, syscall.EINVAL
	}

	h.mu.Lock()
	if err := h.checkOpen(); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.mu.Unlock()

	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.state&flagRequestIsSet == 0 {
		if err := d.waitInterruptible(ctx); err != nil {
			return 0, err
		}
	}

	n := copy(p, d.req[:])
	d.state &^= flagRequestIsSet

	return n, nil
}

// Write stores a reply code: exactly one native-order integer. Codes 0 and
// wire.MoreData mean the shared page is valid; anything else marks it
// invalid. The waiting broker is always woken. A write of the right size
// to an open handle never fails; a closed handle yields ENXIO.
func (h *Handle) Write(p []byte) (int, error) {
	if len(p) != wire.ReplySize {
		return 0, syscall.EINVAL
	}

	h.mu.Lock()
	if err := h.checkOpen(); err != nil {
		h.mu.Unlock()
		return 0, err
	}
	h.mu.Unlock()

	code := int(int32(binary.NativeEndian.Uint32(p)))

	d := h.d
	d.mu.Lock()
	if code == 0 || code == wire.MoreData {
		d.reply = code
	} else {
		d.state |= flagMapDataInvalid
		d.reply = code
	}
	d.state &^= flagDaemonInProgress
	d.cond.Broadcast()
	d.mu.Unlock()

	d.debugLog(2, "daemon replied %d", code)

	return wire.ReplySize, nil
}

// WriteReply is a convenience wrapper around Write.
func (h *Handle) WriteReply(code int) error {
	var buf [wire.ReplySize]byte
	binary.NativeEndian.PutUint32(buf[:], uint32(int32(code)))
	_, err := h.Write(buf[:])
	return err
}

// MapData maps the shared data region into the daemon: it returns a slice
// aliasing [off, off+length) of the region. Requests extending past the
// region fail, mirroring the bounds check a real memory map would apply.
func (h *Handle) MapData(off, length int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkOpen(); err != nil {
		return nil, err
	}

	d := h.d
	if off < 0 || length < 0 || off+length > len(d.data) {
		return nil, syscall.EINVAL
	}

	return d.data[off : off+length], nil
}

// PollRDNORM and PollRDBAND are standard POSIX poll(2) event bits (matching
// unix.EPOLLRDNORM and unix.EPOLLRDBAND), but golang.org/x/sys/unix does not
// export POLLRDNORM/POLLRDBAND constants on linux, so they are defined here.
const (
	PollRDNORM int16 = 0x0040
	PollRDBAND int16 = 0x0080
)

// Poll reports the ready events among those requested, without blocking:
// POLLIN|POLLRDNORM when a request record is pending, POLLERR|POLLRDBAND
// when the pending request has been canceled.
func (h *Handle) Poll(events int16) int16 {
	d := h.d
	d.mu.Lock()
	defer d.mu.Unlock()

	var revents int16
	if events&(unix.POLLIN|PollRDNORM) != 0 && d.state&flagRequestIsSet != 0 {
		revents |= unix.POLLIN | PollRDNORM
	}
	if events&(unix.POLLERR|PollRDBAND) != 0 && d.state&flagRequestIsCanceled != 0 {
		revents |= unix.POLLERR | PollRDBAND
	}

	return revents
}

// PollWait blocks until one of the requested events is ready or ctx is
// done. It returns the ready events, or zero with ctx's error.
func (h *Handle) PollWait(ctx context.Context, events int16) (int16, error) {
	for {
		// Snapshot the poll head before checking so a wakeup between check
		// and wait is not lost.
		ready := h.d.pollReady()

		if revents := h.Poll(events); revents != 0 {
			return revents, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
