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

// Package pterr holds the error values shared by the perf-event codec, the
// sideband session and its decoders.
package pterr

import "errors"

var (
	// ErrInternal signals a broken calling contract. It is never caused by
	// the contents of a sideband stream.
	ErrInternal = errors.New("internal error")

	// ErrBadConfig signals a configuration that lacks fields a record needs.
	ErrBadConfig = errors.New("bad configuration")

	// ErrBadOpcode signals an unsupported record type.
	ErrBadOpcode = errors.New("unknown record type")

	// ErrBadPacket signals a malformed record.
	ErrBadPacket = errors.New("malformed record")

	// ErrEOS signals the end of a buffer or a record stream.
	ErrEOS = errors.New("end of stream")

	// ErrNoSync signals that a record's declared and actual size differ.
	ErrNoSync = errors.New("record size mismatch")

	ErrNoMem    = errors.New("out of memory")
	ErrOverflow = errors.New("overflow")

	// ErrBadFile signals a file that could not be opened or is too small.
	ErrBadFile = errors.New("bad file")

	// ErrNoMap signals an address that is not mapped by any section.
	ErrNoMap = errors.New("no section maps the address")
)

// Warnings a decoder reports without stopping.
var (
	// ErrLost signals that sideband records were dropped.
	ErrLost = errors.New("sideband lost")

	// ErrTraceLost signals that trace data was truncated.
	ErrTraceLost = errors.New("trace lost")

	// ErrSectionLost signals a mapping whose bytes could not be resolved.
	ErrSectionLost = errors.New("section lost")
)

// IsWarning reports whether err is one of the non-fatal decoder warnings.
func IsWarning(err error) bool {
	return errors.Is(err, ErrLost) || errors.Is(err, ErrTraceLost) || errors.Is(err, ErrSectionLost)
}
