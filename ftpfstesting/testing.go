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

// Package ftpfstesting provides a harness wiring a file-system instance
// to an in-process daemon serving a temporary local directory, so tests
// can exercise the whole request path without a mount or a server.
package ftpfstesting

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/jacobsa/ftpfs"
	"github.com/jacobsa/ftpfs/ctldev"
	"github.com/jacobsa/ftpfs/daemon"
	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// HarnessTest implements common behavior for tests that drive a file
// system backed by a local directory through a real control device and
// daemon. Embed it in your fixture and call its SetUp/TearDown from
// yours.
type HarnessTest struct {
	// A context for long-running operations.
	Ctx context.Context

	// A clock with a fixed initial time, wired into the file system.
	Clock timeutil.SimulatedClock

	// The directory acting as the remote; populate it before (or after)
	// the daemon starts, it is consulted afresh per request.
	BackingDir string

	// The device between the file system and the daemon.
	Dev *ctldev.Device

	// The file system under test.
	FS *ftpfs.FileSystem

	// The running daemon. Stop it with StopDaemon to simulate a crash; a
	// replacement can be started with StartDaemon.
	Daemon *daemon.Daemon

	// The page size the device was created with.
	PageSize int

	cancelServe context.CancelFunc
	serveDone   chan struct{}
}

// SetUp creates the backing directory, the device, the file system and a
// running daemon. Panics on error, ogletest-style.
func (t *HarnessTest) SetUp(ti *ogletest.TestInfo) {
	if err := t.initialize(); err != nil {
		panic(err)
	}
}

func (t *HarnessTest) initialize() (err error) {
	t.Ctx = context.Background()
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	if t.PageSize == 0 {
		t.PageSize = 4096
	}

	t.BackingDir, err = ioutil.TempDir("", "ftpfs_harness")
	if err != nil {
		return fmt.Errorf("TempDir: %v", err)
	}

	t.Dev = ctldev.NewDevice(ctldev.Config{PageSize: t.PageSize})

	t.FS, err = ftpfs.New(t.Dev, &ftpfs.Config{
		Server:   "localhost",
		BasePath: "/",
		Clock:    &t.Clock,
	})
	if err != nil {
		return fmt.Errorf("New: %v", err)
	}

	if err = t.StartDaemon(); err != nil {
		return fmt.Errorf("StartDaemon: %v", err)
	}

	return nil
}

// StartDaemon attaches a fresh daemon to the device and starts serving.
func (t *HarnessTest) StartDaemon() error {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)

	d, err := daemon.New(t.Dev, &daemon.LocalBackend{Root: t.BackingDir}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		d.Serve(ctx)
	}()

	t.Daemon = d
	t.cancelServe = cancel
	t.serveDone = done

	return nil
}

// StopDaemon closes the daemon's handle, as an abrupt daemon exit would,
// and waits for its serve loop to wind down.
func (t *HarnessTest) StopDaemon() {
	if t.Daemon == nil {
		return
	}

	t.cancelServe()
	t.Daemon.Close()
	<-t.serveDone
	t.Daemon = nil
}

// TearDown stops the daemon and removes the backing directory.
func (t *HarnessTest) TearDown() {
	t.StopDaemon()

	if t.BackingDir != "" {
		os.RemoveAll(t.BackingDir)
	}
}
