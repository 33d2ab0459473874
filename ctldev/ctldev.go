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

// Package ctldev implements the control device through which the file
// system talks to its helper daemon.
//
// A Device is a single-opener rendezvous around one page of shared memory.
// The file-system side ("broker") owns the device for the duration of one
// logical operation: it calls RequestEnter to take the slot, then one or
// more PrepareRequest/RequestStart round trips, then RequestExit. The
// daemon side holds the Handle returned by Open and runs the mirror image:
// poll until readable, read one request record, fill the shared page,
// write one reply code.
//
// At most one request is ever in flight, so the shared page's contents
// always describe the request held by the current slot owner and no
// correlation ids are needed.
package ctldev

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"runtime"
	"sync"
	"syscall"

	"github.com/jacobsa/ftpfs/internal/wire"
)

// State flags. All transitions happen under Device.mu.
const (
	// The device has been opened by a daemon.
	flagOpened = 1 << iota

	// Some broker owns the slot.
	flagRequestInProgress

	// A request record is ready for the daemon to read.
	flagRequestIsSet

	// The daemon has read the request and has not yet replied.
	flagDaemonInProgress

	// The shared page must not be trusted: the daemon died or reported an
	// error.
	flagMapDataInvalid

	// The waiting broker was interrupted; the daemon should abandon its
	// side of the current request.
	flagRequestIsCanceled
)

// Config controls optional Device behavior.
type Config struct {
	// The size of the shared data region. Zero means the system page size.
	PageSize int

	// If non-nil, debug messages are written here with file:line
	// information, one per state transition of interest.
	DebugLogger *log.Logger

	// If non-nil, unexpected conditions are logged here.
	ErrorLogger *log.Logger
}

// Device is one control-device instance. Create one per file-system
// instance with NewDevice; there are no process-wide devices, so tests may
// run any number of them concurrently.
type Device struct {
	cfg Config

	mu sync.Mutex

	// Signalled on every state change. Broker enter/start waits and the
	// daemon-side blocking read all wait here.
	//
	// GUARDED_BY(mu)
	cond sync.Cond

	// The state flag word.
	//
	// GUARDED_BY(mu)
	state int

	// The reply code stored by the most recent daemon write (or the close
	// path), returned to the broker waiting in RequestStart.
	//
	// GUARDED_BY(mu)
	reply int

	// The encoded request record pending for the daemon.
	//
	// GUARDED_BY(mu)
	req [wire.RequestSize]byte

	// Guards the shared data region. Never held across a wait.
	dataMu sync.Mutex

	// The shared data region, written by the daemon through the slice
	// returned by Handle.MapData and read by the broker via CopyData. The
	// reply code hand-off in Handle.Write/RequestStart orders daemon
	// writes before broker reads.
	//
	// GUARDED_BY(dataMu)
	data []byte

	// The poll head: closed and replaced whenever a pollable event may
	// have fired. Pollers re-check the state after each wakeup.
	pollMu sync.Mutex
	pollCh chan struct{} // GUARDED_BY(pollMu)
}

// NewDevice creates a device with a zeroed shared page.
func NewDevice(cfg Config) *Device {
	if cfg.PageSize == 0 {
		cfg.PageSize = os.Getpagesize()
	}

	d := &Device{
		cfg:    cfg,
		data:   make([]byte, cfg.PageSize),
		pollCh: make(chan struct{}),
	}
	d.cond.L = &d.mu

	return d
}

// PageSize returns the size of the shared data region.
func (d *Device) PageSize() int {
	return d.cfg.PageSize
}

func (d *Device) debugLog(calldepth int, format string, v ...interface{}) {
	if d.cfg.DebugLogger == nil {
		return
	}

	_, file, line, ok := runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	d.cfg.DebugLogger.Printf("%s:%d] %s", path.Base(file), line, fmt.Sprintf(format, v...))
}

// Wake anything blocked in PollWait. Pollers re-derive their revents from
// the state, so this carries no event payload.
func (d *Device) pollWakeup() {
	d.pollMu.Lock()
	close(d.pollCh)
	d.pollCh = make(chan struct{})
	d.pollMu.Unlock()
}

func (d *Device) pollReady() <-chan struct{} {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	return d.pollCh
}

// Wait on the condition variable until broadcast or until ctx is
// cancelled. A cancelled wait returns EINTR, the signal-interruption
// analogue.
//
// LOCKS_REQUIRED(d.mu)
func (d *Device) waitInterruptible(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return syscall.EINTR
	}

	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	d.cond.Wait()
	stop()

	if ctx.Err() != nil {
		return syscall.EINTR
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Broker side
////////////////////////////////////////////////////////////////////////

// RequestEnter waits for the slot to be free and takes it. On return the
// caller owns the slot and must eventually call RequestExit, whatever else
// happens. Returns EINTR if ctx is cancelled first.
func (d *Device) RequestEnter(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.state&flagRequestInProgress != 0 {
		if err := d.waitInterruptible(ctx); err != nil {
			d.debugLog(2, "RequestEnter interrupted")
			return err
		}
	}

	d.state |= flagRequestInProgress
	return nil
}

// PrepareRequest stores the request record to be handed to the daemon and
// zeroes the shared page.
//
// REQUIRES: the caller holds the slot.
func (d *Device) PrepareRequest(r *wire.Request) error {
	d.dataMu.Lock()
	for i := range d.data {
		d.data[i] = 0
	}
	d.dataMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return r.Encode(d.req[:])
}

// RequestStart publishes the pending request to the daemon and waits for
// its reply.
//
// The reply code is 0 or wire.MoreData on success (the shared page is
// valid), or an errno reported by the daemon or synthesized by the close
// path (the page must not be read). If ctx is cancelled while waiting, the
// request is flagged canceled, the daemon's poll is woken with the error
// band, and EINTR is returned.
//
// REQUIRES: the caller holds the slot.
func (d *Device) RequestStart(ctx context.Context) (int, error) {
	d.mu.Lock()
	d.state |= flagRequestIsSet | flagDaemonInProgress
	d.cond.Broadcast()
	d.mu.Unlock()

	// Wake a daemon blocked in poll rather than in read.
	d.pollWakeup()

	d.mu.Lock()
	defer d.mu.Unlock()

	for d.state&flagDaemonInProgress != 0 {
		if err := d.waitInterruptible(ctx); err != nil {
			d.state |= flagRequestIsCanceled
			d.debugLog(2, "RequestStart interrupted; signalling daemon")
			d.pollWakeup()
			return 0, err
		}
	}

	if d.state&flagMapDataInvalid != 0 {
		d.debugLog(2, "RequestStart: shared page invalid, reply %d", d.reply)
	}

	return d.reply, nil
}

// RequestExit releases the slot and clears every per-request flag,
// including any left over from an interrupted or abandoned round, then
// wakes the next waiting broker.
func (d *Device) RequestExit() {
	d.mu.Lock()
	d.state &^= flagRequestInProgress | flagRequestIsSet |
		flagDaemonInProgress | flagMapDataInvalid | flagRequestIsCanceled
	d.cond.Broadcast()
	d.mu.Unlock()
}

// CopyData copies out of the shared page starting at off, returning the
// number of bytes copied.
//
// REQUIRES: the caller holds the slot and the most recent reply code was 0
// or wire.MoreData.
func (d *Device) CopyData(p []byte, off int) int {
	d.dataMu.Lock()
	defer d.dataMu.Unlock()

	if off >= len(d.data) {
		return 0
	}

	return copy(p, d.data[off:])
}
