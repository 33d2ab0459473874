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

package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLayout(t *testing.T) {
	// The record is read by a consumer that trusts these positions; they
	// must not drift.
	assert.Equal(t, 0, offKind)
	assert.Equal(t, 4, offUser)
	assert.Equal(t, 104, offPass)
	assert.Equal(t, 204, offServer)
	assert.Equal(t, 304, offBasePath)
	assert.Equal(t, 1328, offPathname)
	assert.Equal(t, 2352, offOffset)
	assert.Equal(t, 2368, RequestSize)

	// The offset field must be naturally aligned.
	assert.Zero(t, offOffset%8)
}

func TestRequestRoundTrip(t *testing.T) {
	in := Request{
		Kind: OpRead,
		Opts: MountOpts{
			User:     "anonymous",
			Pass:     "secret",
			Server:   "ftp.example.com",
			BasePath: "/pub",
		},
		Pathname: "/dir/file.txt",
		Offset:   8192,
		Size:     4096,
	}

	buf := make([]byte, RequestSize)
	require.NoError(t, in.Encode(buf))

	var out Request
	require.NoError(t, out.Decode(buf))

	if diff := pretty.Compare(in, out); diff != "" {
		t.Errorf("request round trip diff:\n%s", diff)
	}
}

func TestRequestFieldLimits(t *testing.T) {
	buf := make([]byte, RequestSize)

	r := Request{Opts: MountOpts{User: strings.Repeat("x", MaxUserLen)}}
	assert.Error(t, r.Encode(buf))

	r = Request{Pathname: strings.Repeat("p", MaxPathLen)}
	assert.Error(t, r.Encode(buf))

	// One byte under the limit leaves room for the NUL.
	r = Request{Pathname: strings.Repeat("p", MaxPathLen-1)}
	assert.NoError(t, r.Encode(buf))
}

func TestRequestShortBuffer(t *testing.T) {
	var r Request
	assert.Error(t, r.Encode(make([]byte, RequestSize-1)))
	assert.Error(t, r.Decode(make([]byte, RequestSize-1)))
}

func TestAttrRoundTrip(t *testing.T) {
	in := Attr{
		Type:  TypeRegular,
		Mode:  0640,
		Size:  8,
		Atime: time.Unix(1234567890, 42),
		Mtime: time.Unix(1234567891, 43),
		Ctime: time.Unix(1234567892, 44),
	}

	buf := make([]byte, AttrSize)
	require.NoError(t, in.Encode(buf))

	var out Attr
	require.NoError(t, out.Decode(buf))

	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Mode, out.Mode)
	assert.Equal(t, in.Size, out.Size)
	assert.True(t, in.Atime.Equal(out.Atime))
	assert.True(t, in.Mtime.Equal(out.Mtime))
	assert.True(t, in.Ctime.Equal(out.Ctime))
}

func TestNameList(t *testing.T) {
	var buf []byte
	buf = AppendName(buf, "file1")
	buf = AppendName(buf, "file2")

	assert.Equal(t, []byte("file1\x00\x00file2\x00\x00"), buf)

	name, n, ok := NextName(buf)
	require.True(t, ok)
	assert.Equal(t, "file1", name)
	assert.Equal(t, 7, n)

	name, n, ok = NextName(buf[n:])
	require.True(t, ok)
	assert.Equal(t, "file2", name)

	// The terminator stops the scan.
	_, _, ok = NextName([]byte{0, 'x'})
	assert.False(t, ok)

	// A name cut off by the window boundary is not consumed.
	_, _, ok = NextName([]byte("partial"))
	assert.False(t, ok)

	// ...nor is one whose trailing NULs are cut.
	_, _, ok = NextName([]byte("partial\x00"))
	assert.False(t, ok)
}

func TestFileTypeMode(t *testing.T) {
	assert.True(t, TypeDirectory.Mode().IsDir())
	assert.Zero(t, TypeRegular.Mode())
	assert.Equal(t, TypeSymlink, FileTypeFromMode(TypeSymlink.Mode()))
	assert.Equal(t, TypeDirectory, FileTypeFromMode(TypeDirectory.Mode()))
}
