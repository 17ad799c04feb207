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

package sideband

import (
	"fmt"
	"io"

	"github.com/parca-dev/parca-sideband/pkg/image"
)

// Decoder decodes one sideband channel.
type Decoder interface {
	// Fetch advances to the next record and returns its time stamp. It
	// returns pterr.ErrEOS once the channel is exhausted.
	Fetch() (uint64, error)

	// Apply applies the current record to the session if ev is nil, or
	// presents ev to the decoder otherwise.
	//
	// img is nil for secondary decoders. Primary decoders may replace
	// *img to switch the image used for decoding the trace.
	Apply(s *Session, img **image.Image, ev *Event) error

	// Print prints the current record.
	Print(w io.Writer, flags PrintFlag) error

	Close() error
}

// ErrorContexter is implemented by decoders that can tell where in their
// input they are.
type ErrorContexter interface {
	ErrorContext() (filename string, offset uint64)
}

// DecoderError is an error reported by or about a decoder.
type DecoderError struct {
	Err      error
	Filename string
	Offset   uint64
}

func (e *DecoderError) Error() string {
	if e.Filename == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s:%#x: %v", e.Filename, e.Offset, e.Err)
}

func (e *DecoderError) Unwrap() error {
	return e.Err
}

// PrintFlag controls how records are printed.
type PrintFlag uint32

const (
	// PrintCompact prints the record type and its main fields on one line.
	PrintCompact PrintFlag = 1 << iota
	// PrintVerbose prints every field of the record on its own line.
	PrintVerbose
	// PrintFilename prefixes the output with the sideband file name.
	PrintFilename
	// PrintFileOffset prefixes the output with the record's file offset.
	PrintFileOffset
	// PrintTSC prefixes the output with the record's time stamp.
	PrintTSC
)
