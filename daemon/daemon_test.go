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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/jacobsa/ftpfs/ctldev"
	"github.com/jacobsa/ftpfs/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)
	return log
}

// Spin up a daemon over a local directory and return the device to talk
// to it, plus a cleanup func.
func startTestDaemon(t *testing.T, root string) (*ctldev.Device, func()) {
	dev := ctldev.NewDevice(ctldev.Config{PageSize: testPageSize})

	d, err := New(dev, &LocalBackend{Root: root}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx)
	}()

	return dev, func() {
		cancel()
		d.Close()
		<-done
	}
}

// Run one broker round trip against the device.
func roundTrip(t *testing.T, dev *ctldev.Device, req *wire.Request) (int, []byte) {
	ctx := context.Background()

	require.NoError(t, dev.RequestEnter(ctx))
	defer dev.RequestExit()

	require.NoError(t, dev.PrepareRequest(req))

	code, err := dev.RequestStart(ctx)
	require.NoError(t, err)

	page := make([]byte, testPageSize)
	dev.CopyData(page, 0)

	return code, page
}

func TestGetattrRequest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("testtext"), 0640))

	dev, stop := startTestDaemon(t, dir)
	defer stop()

	code, page := roundTrip(t, dev, &wire.Request{
		Kind:     wire.OpGetattr,
		Pathname: "/f",
	})
	require.Zero(t, code)

	var attr wire.Attr
	require.NoError(t, attr.Decode(page))

	assert.Equal(t, wire.TypeRegular, attr.Type)
	assert.Equal(t, os.FileMode(0640), attr.Mode)
	assert.Equal(t, uint64(8), attr.Size)
	assert.False(t, attr.Mtime.IsZero())
}

func TestGetattrMissingFile(t *testing.T) {
	dev, stop := startTestDaemon(t, t.TempDir())
	defer stop()

	code, _ := roundTrip(t, dev, &wire.Request{
		Kind:     wire.OpGetattr,
		Pathname: "/missing",
	})
	assert.Equal(t, int(syscall.ENOENT), code)
}

func TestReadRequest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("0123456789"), 0644))

	dev, stop := startTestDaemon(t, dir)
	defer stop()

	code, page := roundTrip(t, dev, &wire.Request{
		Kind:     wire.OpRead,
		Pathname: "/f",
		Offset:   4,
		Size:     4,
	})
	require.Zero(t, code)
	assert.Equal(t, "4567", string(page[:4]))
}

func TestReadBeyondPageIsRejected(t *testing.T) {
	dev, stop := startTestDaemon(t, t.TempDir())
	defer stop()

	code, _ := roundTrip(t, dev, &wire.Request{
		Kind:     wire.OpRead,
		Pathname: "/f",
		Size:     testPageSize + 1,
	})
	assert.Equal(t, int(syscall.EINVAL), code)
}

func TestReaddirRequest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	dev, stop := startTestDaemon(t, dir)
	defer stop()

	code, page := roundTrip(t, dev, &wire.Request{
		Kind:     wire.OpReaddir,
		Pathname: "/",
		Size:     testPageSize,
	})
	require.Zero(t, code)

	var names []string
	consumed := 0
	for {
		name, n, ok := wire.NextName(page[consumed:])
		if !ok {
			break
		}
		names = append(names, name)
		consumed += n
	}

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, names)
}

func TestReaddirContinuation(t *testing.T) {
	dir := t.TempDir()

	// Enough names to overflow one page.
	var want []string
	for i := 0; i < 400; i++ {
		name := fmt.Sprintf("file_%03d_%s", i, strings.Repeat("y", 20))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
		want = append(want, name)
	}

	dev, stop := startTestDaemon(t, dir)
	defer stop()

	seen := make(map[string]bool)
	var offset int64
	for {
		code, page := roundTrip(t, dev, &wire.Request{
			Kind:     wire.OpReaddir,
			Pathname: "/",
			Offset:   offset,
			Size:     testPageSize,
		})
		require.Contains(t, []int{0, wire.MoreData}, code)

		consumed := 0
		for {
			name, n, ok := wire.NextName(page[consumed:])
			if !ok {
				break
			}
			assert.False(t, seen[name], "name %q seen twice", name)
			seen[name] = true
			consumed += n
		}

		if code != wire.MoreData {
			break
		}
		require.NotZero(t, consumed)
		offset += int64(consumed)
	}

	assert.Equal(t, len(want), len(seen))
}

func TestUnknownRequestKind(t *testing.T) {
	dev, stop := startTestDaemon(t, t.TempDir())
	defer stop()

	code, _ := roundTrip(t, dev, &wire.Request{Kind: 99, Pathname: "/"})
	assert.Equal(t, int(syscall.ENOSYS), code)
}

func TestErrnoMapping(t *testing.T) {
	assert.Equal(t, int(syscall.ENOENT), errnoFor(os.ErrNotExist))
	assert.Equal(t, int(syscall.EACCES), errnoFor(os.ErrPermission))
	assert.Equal(t, int(syscall.ENOENT), errnoFor(&os.PathError{
		Op:   "open",
		Path: "/x",
		Err:  syscall.ENOENT,
	}))
	assert.Equal(t, int(syscall.EIO), errnoFor(assert.AnError))
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "/f", resolvePath(wire.MountOpts{BasePath: "/"}, "/f"))
	assert.Equal(t, "/pub/f", resolvePath(wire.MountOpts{BasePath: "/pub"}, "/f"))
	assert.Equal(t, "/f", resolvePath(wire.MountOpts{}, "/f"))
}
