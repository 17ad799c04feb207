// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package pevent

import (
	"bytes"
	"encoding/binary"
)

// fields is a cursor over a record body. It either consumes or produces
// fields depending on the operation. Running past the end of the body sets
// overrun and every following access is a no-op.
type fields struct {
	buf     []byte
	pos     int
	overrun bool
}

func (f *fields) take(n int) []byte {
	if f.overrun || n > len(f.buf)-f.pos {
		f.overrun = true
		return nil
	}
	b := f.buf[f.pos : f.pos+n]
	f.pos += n
	return b
}

// uint32 reads a pair of uint32 values, the way they are packed in the
// perf ABI.
func (f *fields) uint32(hi, lo *uint32) {
	b := f.take(8)
	if b == nil {
		return
	}
	*hi = binary.NativeEndian.Uint32(b[0:4])
	*lo = binary.NativeEndian.Uint32(b[4:8])
}

func (f *fields) uint64(v *uint64) {
	if b := f.take(8); b != nil {
		*v = binary.NativeEndian.Uint64(b)
	}
}

// string reads a NUL terminated string padded to a multiple of 8 bytes. The
// result aliases the body.
func (f *fields) string(s *[]byte) {
	rest := f.buf[f.pos:]
	if f.overrun {
		return
	}
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		f.overrun = true
		return
	}
	str := rest[:end:end]
	if f.take(align8(end+1)) == nil {
		return
	}
	*s = str
}

func (f *fields) putUint32(hi, lo uint32) {
	b := f.take(8)
	if b == nil {
		return
	}
	binary.NativeEndian.PutUint32(b[0:4], hi)
	binary.NativeEndian.PutUint32(b[4:8], lo)
}

func (f *fields) putUint64(v uint64) {
	if b := f.take(8); b != nil {
		binary.NativeEndian.PutUint64(b, v)
	}
}

func (f *fields) putString(s []byte) {
	b := f.take(stringSize(s))
	if b == nil {
		return
	}
	n := copy(b, s)
	clear(b[n:])
}

func stringSize(s []byte) int {
	return align8(len(s) + 1)
}

func align8(n int) int {
	return (n + 7) &^ 7
}
