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
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/ftpfs/internal/wire"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"
)

func TestCtldev(t *testing.T) { RunTests(t) }

const testPageSize = 4096

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type CtldevTest struct {
	dev *Device
}

func init() { RegisterTestSuite(&CtldevTest{}) }

func (t *CtldevTest) SetUp(ti *TestInfo) {
	t.dev = NewDevice(Config{PageSize: testPageSize})
}

// Run one broker round trip for the given request, returning the reply
// code.
func (t *CtldevTest) broker(ctx context.Context, r *wire.Request) (int, error) {
	if err := t.dev.RequestEnter(ctx); err != nil {
		return 0, err
	}
	defer t.dev.RequestExit()

	if err := t.dev.PrepareRequest(r); err != nil {
		return 0, err
	}

	return t.dev.RequestStart(ctx)
}

// Answer exactly one request on the handle: read it, write the given
// bytes into the page, reply with the given code. Returns the request
// seen.
func answerOne(h *Handle, payload []byte, code int) (wire.Request, error) {
	var req wire.Request

	buf := make([]byte, wire.RequestSize)
	if _, err := h.Read(buf); err != nil {
		return req, err
	}
	if err := req.Decode(buf); err != nil {
		return req, err
	}

	page, err := h.MapData(0, testPageSize)
	if err != nil {
		return req, err
	}
	copy(page, payload)

	return req, h.WriteReply(code)
}

////////////////////////////////////////////////////////////////////////
// Open semantics
////////////////////////////////////////////////////////////////////////

func (t *CtldevTest) DeviceIsSingleOpener() {
	h, err := t.dev.Open()
	AssertEq(nil, err)

	_, err = t.dev.Open()
	ExpectEq(syscall.EBUSY, err)

	AssertEq(nil, h.Close())

	// A new daemon may attach once the old one is gone.
	h2, err := t.dev.Open()
	AssertEq(nil, err)
	defer h2.Close()
}

func (t *CtldevTest) OperationsOnClosedHandleFail() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	AssertEq(nil, h.Close())

	_, err = h.Read(make([]byte, wire.RequestSize))
	ExpectEq(syscall.ENXIO, err)

	_, err = h.MapData(0, testPageSize)
	ExpectEq(syscall.ENXIO, err)

	ExpectEq(syscall.ENXIO, h.Close())
}

////////////////////////////////////////////////////////////////////////
// Read/write framing
////////////////////////////////////////////////////////////////////////

func (t *CtldevTest) ShortReadsAreRejected() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	_, err = h.Read(make([]byte, wire.RequestSize-1))
	ExpectEq(syscall.EINVAL, err)
}

func (t *CtldevTest) WrongSizeWritesAreRejected() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	_, err = h.Write([]byte{0})
	ExpectEq(syscall.EINVAL, err)

	_, err = h.Write(make([]byte, 8))
	ExpectEq(syscall.EINVAL, err)
}

func (t *CtldevTest) MapDataIsBoundsChecked() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	_, err = h.MapData(0, testPageSize+1)
	ExpectEq(syscall.EINVAL, err)

	_, err = h.MapData(testPageSize, 1)
	ExpectEq(syscall.EINVAL, err)

	p, err := h.MapData(0, testPageSize)
	AssertEq(nil, err)
	ExpectEq(testPageSize, len(p))
}

////////////////////////////////////////////////////////////////////////
// Rendezvous
////////////////////////////////////////////////////////////////////////

func (t *CtldevTest) RoundTripDeliversRequestAndData() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	type result struct {
		req wire.Request
		err error
	}
	daemonDone := make(chan result, 1)
	go func() {
		req, err := answerOne(h, []byte("testtext"), 0)
		daemonDone <- result{req, err}
	}()

	code, err := t.broker(context.Background(), &wire.Request{
		Kind:     wire.OpRead,
		Pathname: "/testfile",
		Offset:   0,
		Size:     testPageSize,
	})
	AssertEq(nil, err)
	AssertEq(0, code)

	buf := make([]byte, 8)
	AssertEq(8, t.dev.CopyData(buf, 0))
	ExpectEq("testtext", string(buf))

	r := <-daemonDone
	AssertEq(nil, r.err)
	ExpectEq(wire.OpRead, r.req.Kind)
	ExpectEq("/testfile", r.req.Pathname)
	ExpectEq(testPageSize, r.req.Size)
}

func (t *CtldevTest) DaemonErrnoPropagates() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	go answerOne(h, nil, int(syscall.ENOENT))

	code, err := t.broker(context.Background(), &wire.Request{
		Kind:     wire.OpGetattr,
		Pathname: "/missing",
	})
	AssertEq(nil, err)
	ExpectEq(int(syscall.ENOENT), code)
}

func (t *CtldevTest) MoreDataLeavesPageValid() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	go answerOne(h, []byte("names"), wire.MoreData)

	code, err := t.broker(context.Background(), &wire.Request{
		Kind:     wire.OpReaddir,
		Pathname: "/",
		Size:     testPageSize,
	})
	AssertEq(nil, err)
	ExpectEq(wire.MoreData, code)
}

// The daemon must observe a totally ordered stream of whole requests even
// under broker concurrency, and each broker must read back exactly the
// bytes written for its own request.
func (t *CtldevTest) ConcurrentBrokersAreSerialized() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	const numBrokers = 8
	const numRounds = 16

	// Daemon: echo each request's pathname into the page.
	daemonDone := make(chan error, 1)
	go func() {
		buf := make([]byte, wire.RequestSize)
		page, err := h.MapData(0, testPageSize)
		if err != nil {
			daemonDone <- err
			return
		}

		for i := 0; i < numBrokers*numRounds; i++ {
			var req wire.Request
			if _, err := h.Read(buf); err != nil {
				daemonDone <- err
				return
			}
			if err := req.Decode(buf); err != nil {
				daemonDone <- err
				return
			}

			copy(page, req.Pathname)
			page[len(req.Pathname)] = 0

			if err := h.WriteReply(0); err != nil {
				daemonDone <- err
				return
			}
		}

		daemonDone <- nil
	}()

	var wg sync.WaitGroup
	errs := make(chan error, numBrokers*numRounds)

	for b := 0; b < numBrokers; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()

			path := "/broker/" + string(rune('a'+b))
			for i := 0; i < numRounds; i++ {
				err := func() error {
					if err := t.dev.RequestEnter(context.Background()); err != nil {
						return err
					}
					defer t.dev.RequestExit()

					err := t.dev.PrepareRequest(&wire.Request{
						Kind:     wire.OpRead,
						Pathname: path,
					})
					if err != nil {
						return err
					}

					code, err := t.dev.RequestStart(context.Background())
					if err != nil {
						return err
					}
					if code != 0 {
						return syscall.Errno(code)
					}

					// While the slot is held, the page describes our
					// request and nobody else's.
					buf := make([]byte, len(path)+1)
					t.dev.CopyData(buf, 0)
					if string(buf[:len(path)]) != path || buf[len(path)] != 0 {
						return syscall.EIO
					}

					return nil
				}()
				if err != nil {
					errs <- err
					return
				}
			}
		}(b)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		AddFailure("broker error: %v", err)
	}

	AssertEq(nil, <-daemonDone)
}

////////////////////////////////////////////////////////////////////////
// Cancellation
////////////////////////////////////////////////////////////////////////

func (t *CtldevTest) InterruptedBrokerFreesTheSlot() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	// A broker starts a request nobody answers, then gets interrupted. The
	// broker holds the slot until told to exit, so the canceled state is
	// observable in between.
	ctx, cancel := context.WithCancel(context.Background())
	proceed := make(chan struct{})
	exited := make(chan struct{})

	brokerDone := make(chan error, 1)
	go func() {
		err := t.dev.RequestEnter(ctx)
		if err != nil {
			brokerDone <- err
			return
		}

		t.dev.PrepareRequest(&wire.Request{Kind: wire.OpGetattr, Pathname: "/slow"})
		_, err = t.dev.RequestStart(ctx)
		brokerDone <- err

		<-proceed
		t.dev.RequestExit()
		close(exited)
	}()

	// Wait until the daemon side would see the request, then interrupt.
	revents, err := h.PollWait(context.Background(), unix.POLLIN|PollRDNORM)
	AssertEq(nil, err)
	AssertNe(0, revents&unix.POLLIN)

	cancel()
	ExpectEq(syscall.EINTR, <-brokerDone)

	// The daemon observes the error band within its next poll.
	revents, err = h.PollWait(context.Background(), unix.POLLERR|PollRDBAND)
	AssertEq(nil, err)
	ExpectNe(0, revents&unix.POLLERR)
	ExpectNe(0, revents&PollRDBAND)

	close(proceed)
	<-exited

	// And the slot is free for another broker.
	go answerOne(h, nil, 0)
	code, err := t.broker(context.Background(), &wire.Request{
		Kind:     wire.OpGetattr,
		Pathname: "/other",
	})
	AssertEq(nil, err)
	ExpectEq(0, code)
}

func (t *CtldevTest) EnterIsInterruptible() {
	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	// Hold the slot.
	AssertEq(nil, t.dev.RequestEnter(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- t.dev.RequestEnter(ctx)
	}()

	cancel()
	ExpectEq(syscall.EINTR, <-waiterDone)

	t.dev.RequestExit()
}

////////////////////////////////////////////////////////////////////////
// Daemon death
////////////////////////////////////////////////////////////////////////

func (t *CtldevTest) CloseMidRequestSurfacesEIO() {
	h, err := t.dev.Open()
	AssertEq(nil, err)

	brokerDone := make(chan int, 1)
	go func() {
		code, err := t.broker(context.Background(), &wire.Request{
			Kind:     wire.OpRead,
			Pathname: "/f",
			Size:     testPageSize,
		})
		if err != nil {
			brokerDone <- -1
			return
		}
		brokerDone <- code
	}()

	// Consume the request so the daemon is mid-transfer, then die.
	buf := make([]byte, wire.RequestSize)
	_, err = h.Read(buf)
	AssertEq(nil, err)
	AssertEq(nil, h.Close())

	ExpectEq(int(syscall.EIO), <-brokerDone)

	// A replacement daemon serves the next request normally.
	h2, err := t.dev.Open()
	AssertEq(nil, err)
	defer h2.Close()

	go answerOne(h2, nil, 0)
	code, err := t.broker(context.Background(), &wire.Request{
		Kind:     wire.OpGetattr,
		Pathname: "/f",
	})
	AssertEq(nil, err)
	ExpectEq(0, code)
}

// A broker that starts with no daemon attached parks until one arrives,
// then proceeds.
func (t *CtldevTest) RequestWaitsForADaemonToAttach() {
	brokerDone := make(chan int, 1)
	go func() {
		code, err := t.broker(context.Background(), &wire.Request{
			Kind:     wire.OpGetattr,
			Pathname: "/late",
		})
		if err != nil {
			brokerDone <- -1
			return
		}
		brokerDone <- code
	}()

	// Give the broker a moment to park.
	select {
	case <-brokerDone:
		AddFailure("broker completed with no daemon attached")
		return
	case <-time.After(10 * time.Millisecond):
	}

	h, err := t.dev.Open()
	AssertEq(nil, err)
	defer h.Close()

	_, err = answerOne(h, nil, 0)
	AssertEq(nil, err)

	ExpectEq(0, <-brokerDone)
}
