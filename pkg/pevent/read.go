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
	"encoding/binary"
	"fmt"

	"github.com/parca-dev/parca-sideband/pkg/pterr"
)

// HeaderSize is the size of struct perf_event_header.
const HeaderSize = 8

// MaxRecordSize is the largest size a record header can describe.
const MaxRecordSize = 0xffff

// Read decodes the record at the start of buf into ev and returns the number
// of bytes it occupies.
//
// Records of unknown type are skipped: ev carries the header's type and misc,
// Record is nil and the returned size is the header's.
func Read(ev *Event, buf []byte, cfg *Config) (int, error) {
	if ev == nil || cfg == nil {
		return 0, pterr.ErrInternal
	}
	if cfg.SampleType&SampleTime != 0 && cfg.Size < configTimeSize {
		return 0, fmt.Errorf("%w: configuration lacks time conversion", pterr.ErrBadConfig)
	}
	if len(buf) < HeaderSize {
		return 0, pterr.ErrEOS
	}

	typ := RecordType(binary.NativeEndian.Uint32(buf[0:4]))
	misc := binary.NativeEndian.Uint16(buf[4:6])
	size := int(binary.NativeEndian.Uint16(buf[6:8]))

	if size < HeaderSize {
		return 0, fmt.Errorf("%w: record size %d smaller than header", pterr.ErrNoSync, size)
	}
	if size > len(buf) {
		return 0, pterr.ErrEOS
	}

	*ev = Event{Type: typ, Misc: misc}

	newRecord, ok := newRecordFuncs[typ]
	if !ok {
		return size, nil
	}

	rec := newRecord()
	f := fields{buf: buf[HeaderSize:size]}
	rec.decode(&f)
	readSample(&f, &ev.Sample, cfg.SampleType)

	if f.overrun {
		return 0, fmt.Errorf("%w: %v body exceeds record size %d", pterr.ErrNoSync, typ, size)
	}
	if consumed := HeaderSize + f.pos; consumed != size {
		return 0, fmt.Errorf("%w: %v consumed %d of %d bytes", pterr.ErrNoSync, typ, consumed, size)
	}

	if ev.Sample.Has(SampleTime) {
		tsc, err := TimeToTSC(ev.Sample.Time, cfg)
		if err != nil {
			return 0, err
		}
		ev.Sample.TSC = tsc
	}

	ev.Record = rec
	return size, nil
}

func readSample(f *fields, s *Sample, st SampleType) {
	if st&SampleTID != 0 {
		f.uint32(&s.Pid, &s.Tid)
		s.present |= SampleTID
	}
	if st&SampleTime != 0 {
		f.uint64(&s.Time)
		s.present |= SampleTime
	}
	if st&SampleID != 0 {
		f.uint64(&s.ID)
		s.present |= SampleID
	}
	if st&SampleStreamID != 0 {
		f.uint64(&s.StreamID)
		s.present |= SampleStreamID
	}
	if st&SampleCPU != 0 {
		var res uint32
		f.uint32(&s.CPU, &res)
		s.present |= SampleCPU
	}
	if st&SampleIdentifier != 0 {
		f.uint64(&s.Identifier)
		s.present |= SampleIdentifier
	}
}

func sampleSize(st SampleType) int {
	n := 0
	for _, bit := range []SampleType{SampleTID, SampleTime, SampleID, SampleStreamID, SampleCPU, SampleIdentifier} {
		if st&bit != 0 {
			n += 8
		}
	}
	return n
}
