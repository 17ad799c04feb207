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
	"fmt"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// Write encodes ev at the start of buf and returns the number of bytes
// written. Every sample field selected by the configured sample type must be
// present in ev.Sample.
func Write(ev *Event, buf []byte, cfg *Config) (int, error) {
	if ev == nil || cfg == nil {
		return 0, pterr.ErrInternal
	}
	if !ev.Type.known() {
		return 0, fmt.Errorf("%w: %v", pterr.ErrBadOpcode, ev.Type)
	}
	rec := ev.Record
	if rec == nil || rec.Type() != ev.Type {
		return 0, fmt.Errorf("%w: %v lacks a matching record", pterr.ErrBadPacket, ev.Type)
	}
	if err := checkStrings(rec); err != nil {
		return 0, err
	}

	st := cfg.SampleType & sampleMask
	if missing := st &^ ev.Sample.present; missing != 0 {
		return 0, fmt.Errorf("%w: missing sample fields %#x", pterr.ErrBadPacket, uint64(missing))
	}

	size := HeaderSize + rec.size() + sampleSize(st)
	if size > MaxRecordSize {
		return 0, fmt.Errorf("%w: record size %d", pterr.ErrOverflow, size)
	}
	if size > len(buf) {
		return 0, pterr.ErrEOS
	}

	binary.NativeEndian.PutUint32(buf[0:4], uint32(ev.Type))
	binary.NativeEndian.PutUint16(buf[4:6], ev.Misc)
	binary.NativeEndian.PutUint16(buf[6:8], uint16(size))

	f := fields{buf: buf[HeaderSize:size]}
	rec.encode(&f)
	writeSample(&f, &ev.Sample, st)

	if f.overrun || HeaderSize+f.pos != size {
		return 0, fmt.Errorf("%w: %v wrote %d of %d bytes", pterr.ErrInternal, ev.Type, HeaderSize+f.pos, size)
	}
	return size, nil
}

func checkStrings(rec Record) error {
	var s []byte
	switch r := rec.(type) {
	case *Mmap:
		s = r.Filename
	case *Mmap2:
		s = r.Filename
	case *Comm:
		s = r.Comm
	default:
		return nil
	}
	if bytes.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: string contains NUL", pterr.ErrBadPacket)
	}
	return nil
}

func writeSample(f *fields, s *Sample, st SampleType) {
	if st&SampleTID != 0 {
		f.putUint32(s.Pid, s.Tid)
	}
	if st&SampleTime != 0 {
		f.putUint64(s.Time)
	}
	if st&SampleID != 0 {
		f.putUint64(s.ID)
	}
	if st&SampleStreamID != 0 {
		f.putUint64(s.StreamID)
	}
	if st&SampleCPU != 0 {
		f.putUint32(s.CPU, 0)
	}
	if st&SampleIdentifier != 0 {
		f.putUint64(s.Identifier)
	}
}
